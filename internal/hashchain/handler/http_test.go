package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"compliance-audit-plane/backend/internal/hashchain"
	"compliance-audit-plane/backend/internal/hashchain/domain"
	"compliance-audit-plane/backend/internal/hashchain/repository"
	"compliance-audit-plane/backend/internal/telemetry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(repo repository.Repository, emitters ...telemetry.EventEmitter) *Handler {
	writer := hashchain.NewWriter(repo)
	verifier := hashchain.NewVerifier(repo)
	return New(writer, verifier, repo, discardLogger(), emitters...)
}

func doRequest(h echo.HandlerFunc, req *http.Request, path string, paramNames, paramValues []string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	c.SetPath(path)
	c.SetParamNames(paramNames...)
	c.SetParamValues(paramValues...)
	if err := h(c); err != nil {
		c.Echo().HTTPErrorHandler(err, c)
	}
	return rec
}

func createBody() string {
	return `{
		"entityType": "invoice",
		"entityId": "inv-42",
		"action": "create",
		"newState": {"amount": 100, "status": "draft"},
		"actorType": "user",
		"actorId": "user-7"
	}`
}

func postEntry(h *Handler, tenantID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/tenants/"+tenantID+"/entries", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("User-Agent", "audit-test/1.0")
	req.RemoteAddr = "203.0.113.9:4821"
	return doRequest(h.CreateEntry, req, "/v1/tenants/:tenant_id/entries",
		[]string{"tenant_id"}, []string{tenantID})
}

func TestCreateEntry_AppendsGenesisEntry(t *testing.T) {
	repo := repository.NewMemoryRepository()
	h := newTestHandler(repo)

	rec := postEntry(h, "tenant-a", createBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var got entryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Seq != 1 {
		t.Errorf("seq = %d, want 1", got.Seq)
	}
	if got.PreviousHash != domain.GenesisHash {
		t.Errorf("previousHash = %q, want genesis", got.PreviousHash)
	}
	if len(got.Hash) != 64 {
		t.Errorf("hash = %q, want 64 hex chars", got.Hash)
	}
	if got.ID == "" {
		t.Error("id should be assigned")
	}
	if got.CreatedAt.IsZero() {
		t.Error("createdAt should be assigned")
	}
	if got.IPAddress != "203.0.113.9" {
		t.Errorf("ipAddress = %q, want request IP", got.IPAddress)
	}
	if got.UserAgent != "audit-test/1.0" {
		t.Errorf("userAgent = %q, want request user agent", got.UserAgent)
	}
}

func TestCreateEntry_ChainGrowsAcrossRequests(t *testing.T) {
	repo := repository.NewMemoryRepository()
	h := newTestHandler(repo)

	var prev entryResponse
	for i := 1; i <= 3; i++ {
		rec := postEntry(h, "tenant-a", createBody())
		if rec.Code != http.StatusCreated {
			t.Fatalf("append %d: status = %d", i, rec.Code)
		}
		var got entryResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("append %d: decode: %v", i, err)
		}
		if got.Seq != int64(i) {
			t.Errorf("append %d: seq = %d", i, got.Seq)
		}
		if i > 1 && got.PreviousHash != prev.Hash {
			t.Errorf("append %d: previousHash = %q, want %q", i, got.PreviousHash, prev.Hash)
		}
		prev = got
	}
}

func TestCreateEntry_ValidationFailure(t *testing.T) {
	repo := repository.NewMemoryRepository()
	h := newTestHandler(repo)

	cases := []struct {
		name string
		body string
	}{
		{"missing entity type", `{"entityId":"inv-1","action":"create","actorType":"user"}`},
		{"unknown action", `{"entityType":"invoice","entityId":"inv-1","action":"destroy","actorType":"user"}`},
		{"unknown actor type", `{"entityType":"invoice","entityId":"inv-1","action":"create","actorType":"robot"}`},
		{"malformed json", `{"entityType":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postEntry(h, "tenant-a", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %s)", rec.Code, rec.Body.String())
			}
		})
	}

	if n, _ := repo.CountByTenant(context.Background(), "tenant-a"); n != 0 {
		t.Errorf("rejected requests wrote %d entries", n)
	}
}

// contentiousRepo makes every Append lose the seq race.
type contentiousRepo struct {
	repository.Repository
}

func (r *contentiousRepo) Append(ctx context.Context, e *domain.AuditEntry) error {
	return repository.ErrSeqConflict
}

func TestCreateEntry_ExhaustedRetriesIsConflict(t *testing.T) {
	repo := &contentiousRepo{Repository: repository.NewMemoryRepository()}
	writer := hashchain.NewWriter(repo, hashchain.WithMaxRetries(2))
	h := New(writer, hashchain.NewVerifier(repo), repo, discardLogger())

	rec := postEntry(h, "tenant-a", createBody())
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

// outageRepo fails every read.
type outageRepo struct {
	repository.Repository
}

var errOutage = errors.New("connection refused")

func (r *outageRepo) Head(ctx context.Context, tenantID string) (*domain.AuditEntry, error) {
	return nil, errOutage
}

func (r *outageRepo) ListRange(ctx context.Context, tenantID string, fromSeq, toSeq int64, limit int32) ([]*domain.AuditEntry, error) {
	return nil, errOutage
}

func TestCreateEntry_StorageFailure(t *testing.T) {
	repo := &outageRepo{Repository: repository.NewMemoryRepository()}
	h := newTestHandler(repo)

	rec := postEntry(h, "tenant-a", createBody())
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

// channelEmitter signals each emitted event for synchronization with EmitAsync.
type channelEmitter struct {
	events chan *telemetry.EntryEvent
}

func (e *channelEmitter) Emit(ctx context.Context, event *telemetry.EntryEvent) error {
	e.events <- event
	return nil
}

func TestCreateEntry_EmitsEntryEvent(t *testing.T) {
	repo := repository.NewMemoryRepository()
	emitter := &channelEmitter{events: make(chan *telemetry.EntryEvent, 1)}
	h := newTestHandler(repo, emitter)

	rec := postEntry(h, "tenant-a", createBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}

	select {
	case event := <-emitter.events:
		if event.TenantID != "tenant-a" || event.Seq != 1 {
			t.Errorf("event = %+v", event)
		}
		if event.Hash == "" {
			t.Error("event should carry the entry hash")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event emitted")
	}
}

func listEntries(h *Handler, tenantID, query string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/tenants/"+tenantID+"/entries"+query, nil)
	return doRequest(h.ListEntries, req, "/v1/tenants/:tenant_id/entries",
		[]string{"tenant_id"}, []string{tenantID})
}

func TestListEntries_DescendingWithTotal(t *testing.T) {
	repo := repository.NewMemoryRepository()
	h := newTestHandler(repo)
	for i := 0; i < 5; i++ {
		if rec := postEntry(h, "tenant-a", createBody()); rec.Code != http.StatusCreated {
			t.Fatalf("seed append: status = %d", rec.Code)
		}
	}

	rec := listEntries(h, "tenant-a", "?limit=2&offset=1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got listEntriesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Total != 5 {
		t.Errorf("total = %d, want 5", got.Total)
	}
	if len(got.Entries) != 2 || got.Entries[0].Seq != 4 || got.Entries[1].Seq != 3 {
		t.Errorf("page = %+v, want seqs [4 3]", got.Entries)
	}
}

func TestListEntries_InvalidPagination(t *testing.T) {
	h := newTestHandler(repository.NewMemoryRepository())
	for _, query := range []string{"?limit=0", "?limit=501", "?limit=abc", "?offset=-1"} {
		if rec := listEntries(h, "tenant-a", query); rec.Code != http.StatusBadRequest {
			t.Errorf("query %q: status = %d, want 400", query, rec.Code)
		}
	}
}

func TestGetEntry_ScopedToTenant(t *testing.T) {
	repo := repository.NewMemoryRepository()
	h := newTestHandler(repo)
	rec := postEntry(h, "tenant-a", createBody())
	var created entryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	get := func(tenantID, id string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/tenants/"+tenantID+"/entries/"+id, nil)
		return doRequest(h.GetEntry, req, "/v1/tenants/:tenant_id/entries/:id",
			[]string{"tenant_id", "id"}, []string{tenantID, id})
	}

	if rec := get("tenant-a", created.ID); rec.Code != http.StatusOK {
		t.Errorf("own tenant: status = %d", rec.Code)
	}
	// Another tenant must not see the entry even with a valid id.
	if rec := get("tenant-b", created.ID); rec.Code != http.StatusNotFound {
		t.Errorf("other tenant: status = %d, want 404", rec.Code)
	}
	if rec := get("tenant-a", "b6b7f6e2-0000-0000-0000-000000000000"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id: status = %d, want 404", rec.Code)
	}
}

func verifyChain(h *Handler, tenantID, query string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/tenants/"+tenantID+"/chain/verify"+query, nil)
	return doRequest(h.VerifyChain, req, "/v1/tenants/:tenant_id/chain/verify",
		[]string{"tenant_id"}, []string{tenantID})
}

func TestVerifyChain_ValidChain(t *testing.T) {
	repo := repository.NewMemoryRepository()
	h := newTestHandler(repo)
	for i := 0; i < 3; i++ {
		postEntry(h, "tenant-a", createBody())
	}

	rec := verifyChain(h, "tenant-a", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got verifyChainResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Valid || got.TotalEntries != 3 || got.VerifiedEntries != 3 {
		t.Errorf("result = %+v", got)
	}
}

func TestVerifyChain_TamperedChainIsStill200(t *testing.T) {
	repo := repository.NewMemoryRepository()
	h := newTestHandler(repo)
	for i := 0; i < 3; i++ {
		postEntry(h, "tenant-a", createBody())
	}
	repo.Corrupt("tenant-a", 2, func(e *domain.AuditEntry) { e.EntityID = "inv-999" })

	rec := verifyChain(h, "tenant-a", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for tampered chain", rec.Code)
	}
	var got verifyChainResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Valid {
		t.Error("tampered chain reported valid")
	}
	if got.FirstInvalidSeq != 2 {
		t.Errorf("firstInvalidSeq = %d, want 2", got.FirstInvalidSeq)
	}
	if len(got.Mismatches) == 0 {
		t.Error("mismatches should be reported")
	}
}

func TestVerifyChain_InvalidParams(t *testing.T) {
	h := newTestHandler(repository.NewMemoryRepository())
	for _, query := range []string{"?start_seq=-1", "?end_seq=abc", "?start_seq=5&end_seq=2", "?stop_on_first_error=maybe"} {
		if rec := verifyChain(h, "tenant-a", query); rec.Code != http.StatusBadRequest {
			t.Errorf("query %q: status = %d, want 400", query, rec.Code)
		}
	}
}

func TestVerifyChain_StorageFailure(t *testing.T) {
	repo := &outageRepo{Repository: repository.NewMemoryRepository()}
	h := newTestHandler(repo)

	rec := verifyChain(h, "tenant-a", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
