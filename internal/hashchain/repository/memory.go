package repository

import (
	"context"
	"sync"

	"compliance-audit-plane/backend/internal/hashchain/domain"
)

// ensure MemoryRepository implements Repository at compile time.
var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository is an in-memory Repository with the same
// compare-and-append semantics as the Postgres implementation: a duplicate
// (tenant, seq) append fails with ErrSeqConflict. Used by unit tests and by
// the server's dev mode when no DATABASE_URL is configured.
type MemoryRepository struct {
	mu sync.RWMutex
	// chains maps tenant id to entries ordered by Seq (index i holds Seq i+1).
	chains map[string][]*domain.AuditEntry
	byID   map[string]*domain.AuditEntry
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		chains: make(map[string][]*domain.AuditEntry),
		byID:   make(map[string]*domain.AuditEntry),
	}
}

// Head returns the most recent entry for the tenant, or nil.
func (r *MemoryRepository) Head(ctx context.Context, tenantID string) (*domain.AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chain := r.chains[tenantID]
	if len(chain) == 0 {
		return nil, nil
	}
	return copyEntry(chain[len(chain)-1]), nil
}

// Append stores e, failing with ErrSeqConflict when e.Seq is already taken.
func (r *MemoryRepository) Append(ctx context.Context, e *domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	chain := r.chains[e.TenantID]
	if e.Seq != int64(len(chain))+1 {
		return ErrSeqConflict
	}
	stored := copyEntry(e)
	r.chains[e.TenantID] = append(chain, stored)
	r.byID[stored.ID] = stored
	return nil
}

// GetByID returns the entry for id, or nil if not found.
func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	return copyEntry(e), nil
}

// GetBySeq returns the tenant's entry at seq, or nil if not found.
func (r *MemoryRepository) GetBySeq(ctx context.Context, tenantID string, seq int64) (*domain.AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chain := r.chains[tenantID]
	if seq < 1 || seq > int64(len(chain)) {
		return nil, nil
	}
	return copyEntry(chain[seq-1]), nil
}

// ListRange returns up to limit entries with fromSeq <= Seq <= toSeq, ascending.
func (r *MemoryRepository) ListRange(ctx context.Context, tenantID string, fromSeq, toSeq int64, limit int32) ([]*domain.AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chain := r.chains[tenantID]
	if fromSeq < 1 {
		fromSeq = 1
	}
	if toSeq > int64(len(chain)) {
		toSeq = int64(len(chain))
	}
	var out []*domain.AuditEntry
	for seq := fromSeq; seq <= toSeq && int32(len(out)) < limit; seq++ {
		out = append(out, copyEntry(chain[seq-1]))
	}
	return out, nil
}

// ListByTenant returns entries newest first, paginated by limit and offset.
func (r *MemoryRepository) ListByTenant(ctx context.Context, tenantID string, limit, offset int32) ([]*domain.AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chain := r.chains[tenantID]
	var out []*domain.AuditEntry
	for i := int64(len(chain)) - 1 - int64(offset); i >= 0 && int32(len(out)) < limit; i-- {
		out = append(out, copyEntry(chain[i]))
	}
	return out, nil
}

// CountByTenant returns the tenant's chain length.
func (r *MemoryRepository) CountByTenant(ctx context.Context, tenantID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.chains[tenantID])), nil
}

// Corrupt overwrites the stored entry at (tenantID, seq) using mutate.
// Test hook for simulating post-hoc tampering; not part of Repository.
func (r *MemoryRepository) Corrupt(tenantID string, seq int64, mutate func(*domain.AuditEntry)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	chain := r.chains[tenantID]
	if seq < 1 || seq > int64(len(chain)) {
		return false
	}
	mutate(chain[seq-1])
	return true
}

func copyEntry(e *domain.AuditEntry) *domain.AuditEntry {
	c := *e
	c.PreviousState = copyMap(e.PreviousState)
	c.NewState = copyMap(e.NewState)
	c.Changes = copyMap(e.Changes)
	c.Metadata = copyMap(e.Metadata)
	return &c
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
