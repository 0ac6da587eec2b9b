// Package handler exposes the audit chain over HTTP.
package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"compliance-audit-plane/backend/internal/hashchain"
	"compliance-audit-plane/backend/internal/hashchain/domain"
	"compliance-audit-plane/backend/internal/hashchain/repository"
	"compliance-audit-plane/backend/internal/telemetry"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Handler serves the tenant audit chain routes.
type Handler struct {
	writer   *hashchain.Writer
	verifier *hashchain.Verifier
	repo     repository.Repository
	logger   *slog.Logger
	emitters []telemetry.EventEmitter
}

// New returns a Handler. emitters receive an EntryEvent after each committed
// append; they may be empty.
func New(writer *hashchain.Writer, verifier *hashchain.Verifier, repo repository.Repository, logger *slog.Logger, emitters ...telemetry.EventEmitter) *Handler {
	return &Handler{
		writer:   writer,
		verifier: verifier,
		repo:     repo,
		logger:   logger,
		emitters: emitters,
	}
}

// Register wires the chain routes onto g (mounted at /v1).
func (h *Handler) Register(g *echo.Group) {
	g.POST("/tenants/:tenant_id/entries", h.CreateEntry)
	g.GET("/tenants/:tenant_id/entries", h.ListEntries)
	g.GET("/tenants/:tenant_id/entries/:id", h.GetEntry)
	g.GET("/tenants/:tenant_id/chain/verify", h.VerifyChain)
}

// createEntryRequest is the append request body. Sequence, hashes, id, and
// timestamp are server-assigned; client IP and user agent are captured from
// the request, not the body.
type createEntryRequest struct {
	EntityType    string         `json:"entityType"`
	EntityID      string         `json:"entityId"`
	Action        string         `json:"action"`
	PreviousState map[string]any `json:"previousState"`
	NewState      map[string]any `json:"newState"`
	Changes       map[string]any `json:"changes"`
	ActorType     string         `json:"actorType"`
	ActorID       string         `json:"actorId"`
	Metadata      map[string]any `json:"metadata"`
}

type entryResponse struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenantId"`
	Seq           int64          `json:"seq"`
	EntityType    string         `json:"entityType"`
	EntityID      string         `json:"entityId"`
	Action        string         `json:"action"`
	PreviousState map[string]any `json:"previousState"`
	NewState      map[string]any `json:"newState"`
	Changes       map[string]any `json:"changes"`
	ActorType     string         `json:"actorType"`
	ActorID       string         `json:"actorId,omitempty"`
	IPAddress     string         `json:"ipAddress,omitempty"`
	UserAgent     string         `json:"userAgent,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	PreviousHash  string         `json:"previousHash"`
	Hash          string         `json:"hash"`
}

func toEntryResponse(e *domain.AuditEntry) entryResponse {
	return entryResponse{
		ID:            e.ID,
		TenantID:      e.TenantID,
		Seq:           e.Seq,
		EntityType:    e.EntityType,
		EntityID:      e.EntityID,
		Action:        string(e.Action),
		PreviousState: e.PreviousState,
		NewState:      e.NewState,
		Changes:       e.Changes,
		ActorType:     string(e.ActorType),
		ActorID:       e.ActorID,
		IPAddress:     e.IPAddress,
		UserAgent:     e.UserAgent,
		Metadata:      e.Metadata,
		CreatedAt:     e.CreatedAt,
		PreviousHash:  e.PreviousHash,
		Hash:          e.Hash,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// CreateEntry appends an entry to the tenant's chain.
// POST /v1/tenants/:tenant_id/entries
func (h *Handler) CreateEntry(c echo.Context) error {
	tenantID := c.Param("tenant_id")

	var req createEntryRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}

	entry, err := h.writer.Record(c.Request().Context(), hashchain.CreateAuditEntry{
		TenantID:      tenantID,
		EntityType:    req.EntityType,
		EntityID:      req.EntityID,
		Action:        domain.Action(req.Action),
		PreviousState: req.PreviousState,
		NewState:      req.NewState,
		Changes:       req.Changes,
		ActorType:     domain.ActorType(req.ActorType),
		ActorID:       req.ActorID,
		IPAddress:     c.RealIP(),
		UserAgent:     c.Request().UserAgent(),
		Metadata:      req.Metadata,
	})
	if err != nil {
		var verr *hashchain.ValidationError
		switch {
		case errors.As(err, &verr):
			return c.JSON(http.StatusBadRequest, errorResponse{Error: verr.Error()})
		case errors.Is(err, hashchain.ErrRetriesExhausted):
			h.logger.Warn("append contention exhausted retries",
				slog.String("tenant_id", tenantID))
			return c.JSON(http.StatusConflict, errorResponse{Error: "append conflict, retry the request"})
		default:
			h.logger.Error("append failed",
				slog.String("tenant_id", tenantID),
				slog.String("error", err.Error()))
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
		}
	}

	event := telemetry.NewEntryEvent(entry)
	for _, emitter := range h.emitters {
		telemetry.EmitAsync(emitter, c.Request().Context(), h.logger, event)
	}

	return c.JSON(http.StatusCreated, toEntryResponse(entry))
}

type listEntriesResponse struct {
	Entries []entryResponse `json:"entries"`
	Total   int64           `json:"total"`
	Limit   int32           `json:"limit"`
	Offset  int32           `json:"offset"`
}

// ListEntries returns the tenant's entries in descending seq order.
// GET /v1/tenants/:tenant_id/entries?limit=&offset=
func (h *Handler) ListEntries(c echo.Context) error {
	tenantID := c.Param("tenant_id")
	if tenantID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "tenant id is required"})
	}

	limit, err := queryInt32(c, "limit", defaultListLimit)
	if err != nil || limit < 1 || limit > maxListLimit {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "limit must be between 1 and 500"})
	}
	offset, err := queryInt32(c, "offset", 0)
	if err != nil || offset < 0 {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "offset must be >= 0"})
	}

	ctx := c.Request().Context()
	entries, err := h.repo.ListByTenant(ctx, tenantID, limit, offset)
	if err != nil {
		h.logger.Error("list entries failed",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
	total, err := h.repo.CountByTenant(ctx, tenantID)
	if err != nil {
		h.logger.Error("count entries failed",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}

	resp := listEntriesResponse{
		Entries: make([]entryResponse, 0, len(entries)),
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, toEntryResponse(e))
	}
	return c.JSON(http.StatusOK, resp)
}

// GetEntry returns a single entry by id, scoped to the tenant.
// GET /v1/tenants/:tenant_id/entries/:id
func (h *Handler) GetEntry(c echo.Context) error {
	tenantID := c.Param("tenant_id")
	id := c.Param("id")

	entry, err := h.repo.GetByID(c.Request().Context(), id)
	if err != nil {
		h.logger.Error("get entry failed",
			slog.String("entry_id", id),
			slog.String("error", err.Error()))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
	if entry == nil || entry.TenantID != tenantID {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "entry not found"})
	}
	return c.JSON(http.StatusOK, toEntryResponse(entry))
}

type verifyChainResponse struct {
	TenantID             string             `json:"tenantId"`
	Valid                bool               `json:"valid"`
	TotalEntries         int64              `json:"totalEntries"`
	VerifiedEntries      int64              `json:"verifiedEntries"`
	StartSeq             int64              `json:"startSeq"`
	EndSeq               int64              `json:"endSeq"`
	FirstInvalidSeq      int64              `json:"firstInvalidSeq,omitempty"`
	FirstInvalidEntryID  string             `json:"firstInvalidEntryId,omitempty"`
	ExpectedHash         string             `json:"expectedHash,omitempty"`
	ActualHash           string             `json:"actualHash,omitempty"`
	ExpectedPreviousHash string             `json:"expectedPreviousHash,omitempty"`
	ActualPreviousHash   string             `json:"actualPreviousHash,omitempty"`
	Mismatches           []mismatchResponse `json:"mismatches,omitempty"`
}

type mismatchResponse struct {
	Seq      int64  `json:"seq"`
	EntryID  string `json:"entryId"`
	Kind     string `json:"kind"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// VerifyChain runs an integrity scan over the tenant's chain. An invalid
// chain is still a 200: tampering is a result, not a request failure.
// GET /v1/tenants/:tenant_id/chain/verify?start_seq=&end_seq=&stop_on_first_error=
func (h *Handler) VerifyChain(c echo.Context) error {
	tenantID := c.Param("tenant_id")
	if tenantID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "tenant id is required"})
	}

	startSeq, err := queryInt64(c, "start_seq", 0)
	if err != nil || startSeq < 0 {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "start_seq must be a non-negative integer"})
	}
	endSeq, err := queryInt64(c, "end_seq", 0)
	if err != nil || endSeq < 0 {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "end_seq must be a non-negative integer"})
	}
	if endSeq > 0 && startSeq > endSeq {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "start_seq must not exceed end_seq"})
	}
	stopOnFirst := false
	if raw := c.QueryParam("stop_on_first_error"); raw != "" {
		stopOnFirst, err = strconv.ParseBool(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "stop_on_first_error must be a boolean"})
		}
	}

	result, err := h.verifier.Verify(c.Request().Context(), tenantID, hashchain.VerifyOptions{
		StartSeq:         startSeq,
		EndSeq:           endSeq,
		StopOnFirstError: stopOnFirst,
	})
	if err != nil {
		h.logger.Error("chain verification failed",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
	if !result.Valid {
		h.logger.Warn("chain verification found mismatches",
			slog.String("tenant_id", tenantID),
			slog.Int64("first_invalid_seq", result.FirstInvalidSeq),
			slog.Int("mismatches", len(result.Mismatches)))
	}

	resp := verifyChainResponse{
		TenantID:             result.TenantID,
		Valid:                result.Valid,
		TotalEntries:         result.TotalEntries,
		VerifiedEntries:      result.VerifiedEntries,
		StartSeq:             result.StartSeq,
		EndSeq:               result.EndSeq,
		FirstInvalidSeq:      result.FirstInvalidSeq,
		FirstInvalidEntryID:  result.FirstInvalidEntryID,
		ExpectedHash:         result.ExpectedHash,
		ActualHash:           result.ActualHash,
		ExpectedPreviousHash: result.ExpectedPreviousHash,
		ActualPreviousHash:   result.ActualPreviousHash,
	}
	for _, m := range result.Mismatches {
		resp.Mismatches = append(resp.Mismatches, mismatchResponse{
			Seq:      m.Seq,
			EntryID:  m.EntryID,
			Kind:     m.Kind,
			Expected: m.Expected,
			Actual:   m.Actual,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func queryInt32(c echo.Context, name string, def int32) (int32, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return int32(v), nil
}

func queryInt64(c echo.Context, name string, def int64) (int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return v, nil
}
