// Package telemetry emits appended-entry events for compliance monitoring
// (e.g. to OTel Logs or Kafka). Emission is always best-effort: an append
// that committed must never fail or block because its event could not be
// published.
package telemetry

import (
	"context"
	"time"

	"compliance-audit-plane/backend/internal/hashchain/domain"
)

// EntryEvent is the wire form of an appended audit entry. It carries chain
// position and hashes but no state snapshots: monitoring consumers do not
// need business data, and keeping snapshots out of the stream keeps tenant
// data inside the primary store.
type EntryEvent struct {
	EntryID      string    `json:"entryId"`
	TenantID     string    `json:"tenantId"`
	Seq          int64     `json:"seq"`
	EntityType   string    `json:"entityType"`
	EntityID     string    `json:"entityId"`
	Action       string    `json:"action"`
	ActorType    string    `json:"actorType"`
	ActorID      string    `json:"actorId,omitempty"`
	Hash         string    `json:"hash"`
	PreviousHash string    `json:"previousHash"`
	CreatedAt    time.Time `json:"createdAt"`
}

// NewEntryEvent builds an EntryEvent from an appended entry.
func NewEntryEvent(e *domain.AuditEntry) *EntryEvent {
	if e == nil {
		return nil
	}
	return &EntryEvent{
		EntryID:      e.ID,
		TenantID:     e.TenantID,
		Seq:          e.Seq,
		EntityType:   e.EntityType,
		EntityID:     e.EntityID,
		Action:       string(e.Action),
		ActorType:    string(e.ActorType),
		ActorID:      e.ActorID,
		Hash:         e.Hash,
		PreviousHash: e.PreviousHash,
		CreatedAt:    e.CreatedAt,
	}
}

// EventEmitter emits appended-entry events (e.g. to OTel Logs or Kafka).
// Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *EntryEvent) error
}
