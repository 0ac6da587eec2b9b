// Package repository defines persistence for audit chain entries.
package repository

import (
	"context"
	"errors"

	"compliance-audit-plane/backend/internal/hashchain/domain"
)

// ErrSeqConflict is returned by Append when another writer claimed the same
// (tenant_id, seq) slot first. The caller must re-read the head, recompute
// the hash, and retry; it must never fork the chain by keeping the stale link.
var ErrSeqConflict = errors.New("audit entry sequence conflict")

// Repository defines persistence for audit chain entries.
//
// Append is the compare-and-append primitive: it persists the entry exactly
// as given and fails with ErrSeqConflict if the (TenantID, Seq) slot is
// already taken. Entries are write-once; there are no update or delete
// operations.
type Repository interface {
	// Head returns the most recent entry for the tenant, or nil if the
	// tenant has no chain yet.
	Head(ctx context.Context, tenantID string) (*domain.AuditEntry, error)
	// Append persists e. Returns ErrSeqConflict when e.Seq is already taken
	// for e.TenantID; any other error is a storage failure.
	Append(ctx context.Context, e *domain.AuditEntry) error
	// GetByID returns the entry with the given id, or nil if not found.
	GetByID(ctx context.Context, id string) (*domain.AuditEntry, error)
	// GetBySeq returns the tenant's entry at seq, or nil if not found.
	GetBySeq(ctx context.Context, tenantID string, seq int64) (*domain.AuditEntry, error)
	// ListRange returns up to limit entries for the tenant with
	// fromSeq <= Seq <= toSeq, in ascending Seq order.
	ListRange(ctx context.Context, tenantID string, fromSeq, toSeq int64, limit int32) ([]*domain.AuditEntry, error)
	// ListByTenant returns entries for the tenant in descending Seq order,
	// paginated by limit and offset. Used by audit-report consumers.
	ListByTenant(ctx context.Context, tenantID string, limit, offset int32) ([]*domain.AuditEntry, error)
	// CountByTenant returns the number of entries in the tenant's chain.
	CountByTenant(ctx context.Context, tenantID string) (int64, error)
}
