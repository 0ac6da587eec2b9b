package otel

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"compliance-audit-plane/backend/internal/telemetry"
)

// NewEventEmitter returns an EventEmitter that sends appended-entry events as
// OTel log records via the given LoggerProvider. If provider is nil, returns
// a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return &otelEmitter{logger: provider.Logger("cap.audit")}
}

// NewEventEmitterWithLogger is like NewEventEmitter but takes the log sink
// directly. Used in tests to capture emitted records.
func NewEventEmitterWithLogger(logger entryLogger) telemetry.EventEmitter {
	return &otelEmitter{logger: logger}
}

// entryLogger is the subset of otellog.Logger the emitter needs.
type entryLogger interface {
	Emit(ctx context.Context, rec otellog.Record)
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *telemetry.EntryEvent) error { return nil }

type otelEmitter struct {
	logger entryLogger
}

// Emit converts the entry event to an OTel log record and emits it. Best-effort; errors are logged.
func (e *otelEmitter) Emit(ctx context.Context, event *telemetry.EntryEvent) error {
	if event == nil {
		return nil
	}
	rec := otellog.Record{}
	if !event.CreatedAt.IsZero() {
		rec.SetTimestamp(event.CreatedAt)
	} else {
		rec.SetTimestamp(time.Now().UTC())
	}
	rec.SetBody(otellog.StringValue("audit entry appended"))
	if event.TenantID != "" {
		rec.AddAttributes(otellog.String("tenant_id", event.TenantID))
	}
	if event.EntryID != "" {
		rec.AddAttributes(otellog.String("entry_id", event.EntryID))
	}
	if event.Seq > 0 {
		rec.AddAttributes(otellog.Int64("seq", event.Seq))
	}
	if event.EntityType != "" {
		rec.AddAttributes(otellog.String("entity_type", event.EntityType))
	}
	if event.EntityID != "" {
		rec.AddAttributes(otellog.String("entity_id", event.EntityID))
	}
	if event.Action != "" {
		rec.AddAttributes(otellog.String("action", event.Action))
	}
	if event.ActorType != "" {
		rec.AddAttributes(otellog.String("actor_type", event.ActorType))
	}
	if event.ActorID != "" {
		rec.AddAttributes(otellog.String("actor_id", event.ActorID))
	}
	if event.Hash != "" {
		rec.AddAttributes(otellog.String("hash", event.Hash))
	}
	e.logger.Emit(ctx, rec)
	return nil
}
