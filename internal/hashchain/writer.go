package hashchain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"compliance-audit-plane/backend/internal/hashchain/domain"
	"compliance-audit-plane/backend/internal/hashchain/repository"
)

// DefaultMaxRetries bounds how often an append is retried after losing a
// head race to a concurrent writer for the same tenant.
const DefaultMaxRetries = 3

// ErrRetriesExhausted is returned when every append attempt lost the head
// race. The triggering business operation must treat this as a failure: a
// tracked mutation must not succeed without its audit entry.
var ErrRetriesExhausted = errors.New("audit append retries exhausted")

// ValidationError reports a rejected CreateAuditEntry. Raised before any
// hash computation or storage mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid audit entry: %s %s", e.Field, e.Reason)
}

// CreateAuditEntry is the append request. Timestamp, sequence, hashes, and
// id are writer-controlled and cannot be supplied by the caller.
type CreateAuditEntry struct {
	TenantID      string           `validate:"required"`
	EntityType    string           `validate:"required"`
	EntityID      string           `validate:"required"`
	Action        domain.Action    `validate:"required"`
	PreviousState map[string]any   `validate:"-"`
	NewState      map[string]any   `validate:"-"`
	Changes       map[string]any   `validate:"-"`
	ActorType     domain.ActorType `validate:"required"`
	ActorID       string           `validate:"-"`
	IPAddress     string           `validate:"-"`
	UserAgent     string           `validate:"-"`
	Metadata      map[string]any   `validate:"-"`
}

// Writer appends entries to per-tenant audit chains.
//
// Appends for one tenant are serialized by the repository's
// compare-and-append primitive: the writer reads the current head, links and
// hashes against it, and appends at head.Seq+1; if a concurrent append won
// that slot the attempt fails with ErrSeqConflict and is retried from a
// fresh head read. Appends for different tenants never contend.
type Writer struct {
	repo       repository.Repository
	validate   *validator.Validate
	now        func() time.Time
	maxRetries int
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithClock overrides the writer's time source. Tests use this to make
// hashes reproducible.
func WithClock(now func() time.Time) WriterOption {
	return func(w *Writer) { w.now = now }
}

// WithMaxRetries overrides the append retry bound.
func WithMaxRetries(n int) WriterOption {
	return func(w *Writer) {
		if n >= 0 {
			w.maxRetries = n
		}
	}
}

// NewWriter returns a Writer appending through repo.
func NewWriter(repo repository.Repository, opts ...WriterOption) *Writer {
	w := &Writer{
		repo:       repo,
		validate:   validator.New(),
		now:        time.Now,
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Record validates req, links it to the tenant's current chain head, and
// appends it as the new head. Returns the created entry including its hash.
//
// Exactly one entry is appended on success; on any error no entry is
// created. A lost head race is retried up to the configured bound; after
// that Record fails with ErrRetriesExhausted wrapped around the last
// conflict.
func (w *Writer) Record(ctx context.Context, req CreateAuditEntry) (*domain.AuditEntry, error) {
	if err := w.validateRequest(&req); err != nil {
		return nil, err
	}

	prevState, err := NormalizeSnapshot(req.PreviousState)
	if err != nil {
		return nil, &ValidationError{Field: "previousState", Reason: err.Error()}
	}
	newState, err := NormalizeSnapshot(req.NewState)
	if err != nil {
		return nil, &ValidationError{Field: "newState", Reason: err.Error()}
	}
	changes, err := NormalizeSnapshot(req.Changes)
	if err != nil {
		return nil, &ValidationError{Field: "changes", Reason: err.Error()}
	}
	metadata, err := NormalizeSnapshot(req.Metadata)
	if err != nil {
		return nil, &ValidationError{Field: "metadata", Reason: err.Error()}
	}

	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		head, err := w.repo.Head(ctx, req.TenantID)
		if err != nil {
			return nil, fmt.Errorf("read chain head: %w", err)
		}
		prevHash := domain.GenesisHash
		seq := int64(1)
		if head != nil {
			prevHash = head.Hash
			seq = head.Seq + 1
		}

		entry := &domain.AuditEntry{
			ID:            uuid.New().String(),
			TenantID:      req.TenantID,
			Seq:           seq,
			EntityType:    req.EntityType,
			EntityID:      req.EntityID,
			Action:        req.Action,
			PreviousState: prevState,
			NewState:      newState,
			Changes:       changes,
			ActorType:     req.ActorType,
			ActorID:       req.ActorID,
			IPAddress:     req.IPAddress,
			UserAgent:     req.UserAgent,
			Metadata:      metadata,
			// timestamptz stores microsecond precision. The hashed
			// timestamp must match what the store returns on read.
			CreatedAt:    w.now().UTC().Truncate(time.Microsecond),
			PreviousHash: prevHash,
		}
		hash, err := ComputeHash(prevHash, entry)
		if err != nil {
			return nil, fmt.Errorf("compute entry hash: %w", err)
		}
		entry.Hash = hash

		err = w.repo.Append(ctx, entry)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, repository.ErrSeqConflict) {
			return nil, fmt.Errorf("append audit entry: %w", err)
		}
		// Lost the head race; re-read the head and relink.
	}
	return nil, fmt.Errorf("%w after %d attempts for tenant %s",
		ErrRetriesExhausted, w.maxRetries+1, req.TenantID)
}

func (w *Writer) validateRequest(req *CreateAuditEntry) error {
	if err := w.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &ValidationError{Field: verrs[0].Field(), Reason: "is required"}
		}
		return &ValidationError{Field: "request", Reason: err.Error()}
	}
	if !domain.ValidAction(req.Action) {
		return &ValidationError{Field: "Action", Reason: fmt.Sprintf("has unknown value %q", req.Action)}
	}
	if !domain.ValidActorType(req.ActorType) {
		return &ValidationError{Field: "ActorType", Reason: fmt.Sprintf("has unknown value %q", req.ActorType)}
	}
	return nil
}
