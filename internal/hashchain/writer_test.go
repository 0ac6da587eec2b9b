package hashchain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"compliance-audit-plane/backend/internal/hashchain/domain"
	"compliance-audit-plane/backend/internal/hashchain/repository"
)

func testClock() func() time.Time {
	base := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	}
}

func createReq(tenantID string) CreateAuditEntry {
	return CreateAuditEntry{
		TenantID:   tenantID,
		EntityType: "invoice",
		EntityID:   "inv-100",
		Action:     domain.ActionCreate,
		NewState:   map[string]any{"number": "INV-100", "total": "249.00"},
		ActorType:  domain.ActorUser,
		ActorID:    "user-7",
	}
}

func TestWriter_Record_FirstEntryLinksToGenesis(t *testing.T) {
	repo := repository.NewMemoryRepository()
	w := NewWriter(repo, WithClock(testClock()))

	entry, err := w.Record(context.Background(), createReq("tenant-1"))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if entry.Seq != 1 {
		t.Errorf("seq = %d, want 1", entry.Seq)
	}
	if entry.PreviousHash != domain.GenesisHash {
		t.Errorf("previous_hash = %q, want genesis sentinel", entry.PreviousHash)
	}
	if entry.Hash == "" || entry.ID == "" {
		t.Errorf("entry missing hash or id: %+v", entry)
	}
}

func TestWriter_Record_ChainGrowth(t *testing.T) {
	repo := repository.NewMemoryRepository()
	w := NewWriter(repo, WithClock(testClock()))
	ctx := context.Background()

	var prev *domain.AuditEntry
	for i := 0; i < 5; i++ {
		entry, err := w.Record(ctx, createReq("tenant-1"))
		if err != nil {
			t.Fatalf("record %d: %v", i+1, err)
		}
		if entry.Seq != int64(i+1) {
			t.Errorf("entry %d: seq = %d", i+1, entry.Seq)
		}
		if prev == nil {
			if entry.PreviousHash != domain.GenesisHash {
				t.Errorf("first entry previous_hash = %q, want sentinel", entry.PreviousHash)
			}
		} else if entry.PreviousHash != prev.Hash {
			t.Errorf("entry %d: previous_hash = %q, want %q", i+1, entry.PreviousHash, prev.Hash)
		}
		prev = entry
	}
}

func TestWriter_Record_TenantIsolation(t *testing.T) {
	repo := repository.NewMemoryRepository()
	w := NewWriter(repo, WithClock(testClock()))
	ctx := context.Background()

	// Interleave appends for two tenants.
	var aHashes, bHashes []string
	for i := 0; i < 3; i++ {
		ea, err := w.Record(ctx, createReq("tenant-a"))
		if err != nil {
			t.Fatalf("record tenant-a: %v", err)
		}
		eb, err := w.Record(ctx, createReq("tenant-b"))
		if err != nil {
			t.Fatalf("record tenant-b: %v", err)
		}
		aHashes = append(aHashes, ea.Hash)
		bHashes = append(bHashes, eb.Hash)
		if i == 0 {
			continue
		}
		if ea.PreviousHash != aHashes[i-1] {
			t.Errorf("tenant-a entry %d links to %q, want %q", i+1, ea.PreviousHash, aHashes[i-1])
		}
		if eb.PreviousHash != bHashes[i-1] {
			t.Errorf("tenant-b entry %d links to %q, want %q", i+1, eb.PreviousHash, bHashes[i-1])
		}
	}
	for _, ah := range aHashes {
		for _, bh := range bHashes {
			if ah == bh {
				t.Errorf("tenant chains share hash %s", ah)
			}
		}
	}
}

func TestWriter_Record_ValidationRejectsBeforeStorage(t *testing.T) {
	repo := repository.NewMemoryRepository()
	w := NewWriter(repo, WithClock(testClock()))
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateAuditEntry)
	}{
		{"missing tenant", func(r *CreateAuditEntry) { r.TenantID = "" }},
		{"missing entity type", func(r *CreateAuditEntry) { r.EntityType = "" }},
		{"missing entity id", func(r *CreateAuditEntry) { r.EntityID = "" }},
		{"missing action", func(r *CreateAuditEntry) { r.Action = "" }},
		{"missing actor type", func(r *CreateAuditEntry) { r.ActorType = "" }},
		{"unknown action", func(r *CreateAuditEntry) { r.Action = "truncate" }},
		{"unknown actor type", func(r *CreateAuditEntry) { r.ActorType = "robot" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := createReq("tenant-1")
			tc.mutate(&req)
			_, err := w.Record(ctx, req)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}

	n, err := repo.CountByTenant(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("rejected requests created %d entries", n)
	}
}

func TestWriter_Record_TimestampIsWriterControlled(t *testing.T) {
	repo := repository.NewMemoryRepository()
	fixed := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	w := NewWriter(repo, WithClock(func() time.Time { return fixed }))

	entry, err := w.Record(context.Background(), createReq("tenant-1"))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !entry.CreatedAt.Equal(fixed) {
		t.Errorf("created_at = %v, want %v", entry.CreatedAt, fixed)
	}
}

func TestWriter_Record_TimestampTruncatedToMicroseconds(t *testing.T) {
	repo := repository.NewMemoryRepository()
	fixed := time.Date(2026, 3, 14, 9, 30, 0, 123456789, time.UTC)
	w := NewWriter(repo, WithClock(func() time.Time { return fixed }))

	entry, err := w.Record(context.Background(), createReq("tenant-1"))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	want := fixed.Truncate(time.Microsecond)
	if !entry.CreatedAt.Equal(want) {
		t.Errorf("created_at = %v, want %v", entry.CreatedAt, want)
	}
	if got := entry.CreatedAt.Nanosecond() % 1000; got != 0 {
		t.Errorf("created_at carries sub-microsecond digits: %d ns", got)
	}
}

// conflictRepo forces the first n Appends to lose the head race.
type conflictRepo struct {
	repository.Repository
	mu        sync.Mutex
	conflicts int
	attempts  int
}

func (r *conflictRepo) Append(ctx context.Context, e *domain.AuditEntry) error {
	r.mu.Lock()
	r.attempts++
	fail := r.conflicts > 0
	if fail {
		r.conflicts--
	}
	r.mu.Unlock()
	if fail {
		return repository.ErrSeqConflict
	}
	return r.Repository.Append(ctx, e)
}

func TestWriter_Record_RetriesAfterSeqConflict(t *testing.T) {
	repo := &conflictRepo{Repository: repository.NewMemoryRepository(), conflicts: 2}
	w := NewWriter(repo, WithClock(testClock()))

	entry, err := w.Record(context.Background(), createReq("tenant-1"))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if entry.Seq != 1 {
		t.Errorf("seq = %d, want 1", entry.Seq)
	}
	if repo.attempts != 3 {
		t.Errorf("append attempts = %d, want 3", repo.attempts)
	}
}

func TestWriter_Record_RetriesExhausted(t *testing.T) {
	repo := &conflictRepo{Repository: repository.NewMemoryRepository(), conflicts: 100}
	w := NewWriter(repo, WithClock(testClock()), WithMaxRetries(2))

	_, err := w.Record(context.Background(), createReq("tenant-1"))
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("err = %v, want ErrRetriesExhausted", err)
	}
	if repo.attempts != 3 {
		t.Errorf("append attempts = %d, want 3", repo.attempts)
	}
}

// errorRepo fails every read to simulate a storage outage.
type errorRepo struct {
	repository.Repository
	err error
}

func (r *errorRepo) Head(ctx context.Context, tenantID string) (*domain.AuditEntry, error) {
	return nil, r.err
}

func TestWriter_Record_StorageFailureSurfaced(t *testing.T) {
	outage := errors.New("connection refused")
	repo := &errorRepo{Repository: repository.NewMemoryRepository(), err: outage}
	w := NewWriter(repo, WithClock(testClock()))

	_, err := w.Record(context.Background(), createReq("tenant-1"))
	if !errors.Is(err, outage) {
		t.Fatalf("err = %v, want wrapped storage error", err)
	}
}

func TestWriter_Record_ConcurrentAppendsNeverFork(t *testing.T) {
	repo := repository.NewMemoryRepository()
	w := NewWriter(repo, WithClock(testClock()), WithMaxRetries(50))
	ctx := context.Background()

	const writers = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.Record(ctx, createReq("tenant-1")); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent record: %v", err)
	}

	entries, err := repo.ListRange(ctx, "tenant-1", 1, writers, writers)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != writers {
		t.Fatalf("chain length = %d, want %d", len(entries), writers)
	}
	seenPrev := make(map[string]bool)
	prevHash := domain.GenesisHash
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Errorf("entry %d: seq = %d", i, e.Seq)
		}
		if e.PreviousHash != prevHash {
			t.Errorf("entry %d: previous_hash = %q, want %q", i, e.PreviousHash, prevHash)
		}
		if seenPrev[e.PreviousHash] {
			t.Errorf("fork: two entries link to %q", e.PreviousHash)
		}
		seenPrev[e.PreviousHash] = true
		prevHash = e.Hash
	}
}
