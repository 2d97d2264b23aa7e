package event

import (
	"context"
	"log/slog"

	"github.com/nucleus/unified-core/internal/core/cdm"
)

// Sink receives canonical events. Delivery order within one webhook is the
// projection order.
type Sink interface {
	Deliver(ctx context.Context, ev *cdm.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev *cdm.Event) error

func (f SinkFunc) Deliver(ctx context.Context, ev *cdm.Event) error { return f(ctx, ev) }

// LogSink logs every event. It is the default when no sink is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Deliver(_ context.Context, ev *cdm.Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"connector", ev.ConnectorID,
		"owner", ev.OwnerID,
		"model", ev.Model,
		"trigger", ev.Trigger,
		"key", ev.IdempotencyKey,
	}
	if ev.Ref != nil {
		attrs = append(attrs, "id", ev.Ref.ID)
	}
	logger.Info("event", attrs...)
	return nil
}

// DedupeSink drops events whose idempotency key was already claimed and
// forwards the rest. A claim is released when Next fails so a retried
// delivery is processed again.
type DedupeSink struct {
	Deduper Deduper
	Next    Sink
	Logger  *slog.Logger
}

func (s *DedupeSink) Deliver(ctx context.Context, ev *cdm.Event) error {
	key := LedgerKey(ev)
	first, err := s.Deduper.Claim(ctx, key)
	if err != nil {
		return err
	}
	if !first {
		if s.Logger != nil {
			s.Logger.Debug("duplicate event dropped", "connector", ev.ConnectorID, "owner", ev.OwnerID, "key", ev.IdempotencyKey)
		}
		return nil
	}
	if err := s.Next.Deliver(ctx, ev); err != nil {
		if rerr := s.Deduper.Release(ctx, key); rerr != nil && s.Logger != nil {
			s.Logger.Warn("release claim failed", "key", ev.IdempotencyKey, "error", rerr)
		}
		return err
	}
	return nil
}

// LedgerKey scopes an idempotency key to its connection. Global deliveries
// fan out to sibling connections with the same provider event id.
func LedgerKey(ev *cdm.Event) string {
	return ev.ConnectorID + "/" + ev.OwnerID + "/" + ev.IdempotencyKey
}
