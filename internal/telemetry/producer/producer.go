// Package producer defines the interface for publishing appended-entry events (e.g. to Kafka).
package producer

import (
	"context"

	"compliance-audit-plane/backend/internal/telemetry"
)

// Producer publishes appended-entry events. Callers use it best-effort: log and ignore errors.
type Producer interface {
	// Emit sends a single entry event. Implementations may block briefly; call from a goroutine if needed.
	// Returns an error only on write failure; callers typically log and ignore.
	Emit(ctx context.Context, event *telemetry.EntryEvent) error
	// Close releases resources (e.g. Kafka writer). Safe to call if already closed.
	Close() error
}
