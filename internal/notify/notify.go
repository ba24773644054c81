// Package notify delivers structured core events to pluggable sinks. The core
// depends only on the Notifier interface, never on a transport.
package notify

import (
	"context"

	"go.uber.org/zap"

	"fxpilot/internal/model"
)

// Notifier accepts events. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, ev model.Event) error
}

// Nop discards events.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, model.Event) error { return nil }

// Fanout delivers each event to every sink. A failing sink is logged and does
// not stop delivery to the others.
type Fanout struct {
	sinks  []Notifier
	logger *zap.Logger
}

// NewFanout creates a fan-out over sinks; nil sinks are skipped.
func NewFanout(logger *zap.Logger, sinks ...Notifier) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fanout{logger: logger}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Add appends a sink.
func (f *Fanout) Add(s Notifier) {
	f.sinks = append(f.sinks, s)
}

// Notify implements Notifier. It always returns nil.
func (f *Fanout) Notify(ctx context.Context, ev model.Event) error {
	for _, s := range f.sinks {
		if err := s.Notify(ctx, ev); err != nil {
			f.logger.Warn("notify_sink_failed",
				zap.String("type", string(ev.Type)),
				zap.Error(err),
			)
		}
	}
	return nil
}

// LogNotifier writes every event as a structured log line.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log sink.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(_ context.Context, ev model.Event) error {
	fields := []zap.Field{
		zap.String("type", string(ev.Type)),
		zap.Time("at", ev.Time),
	}
	if ev.AccountID != "" {
		fields = append(fields, zap.String("account", ev.AccountID))
	}
	if ev.Instrument != "" {
		fields = append(fields, zap.String("instrument", ev.Instrument))
	}
	if len(ev.Payload) > 0 {
		fields = append(fields, zap.Any("payload", ev.Payload))
	}
	l.logger.Info("event", fields...)
	return nil
}
