// Package alert implements operator alert dispatching to multiple sinks.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dwsmith1983/auditlane/internal/metrics"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// Sink is an alert destination.
type Sink interface {
	Send(ctx context.Context, alert types.Alert) error
	Name() string
}

const sendTimeout = 10 * time.Second

// Dispatcher routes alerts to configured sinks.
type Dispatcher struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher from alert configs. Sinks that need
// external clients are built with defaults; use NewDispatcherWithSinks to
// inject them.
func NewDispatcher(ctx context.Context, configs []types.AlertConfig, logger *slog.Logger) (*Dispatcher, error) {
	var sinks []Sink
	for _, cfg := range configs {
		sink, err := newSink(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("creating %s sink: %w", cfg.Type, err)
		}
		sinks = append(sinks, sink)
	}
	return NewDispatcherWithSinks(logger, sinks...), nil
}

// NewDispatcherWithSinks creates a dispatcher over prebuilt sinks.
func NewDispatcherWithSinks(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{sinks: sinks, logger: logger}
}

// Dispatch sends an alert to all configured sinks. Sink failures are logged
// and never propagate to the caller.
func (d *Dispatcher) Dispatch(alert types.Alert) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	for _, sink := range d.sinks {
		if err := sink.Send(ctx, alert); err != nil {
			metrics.Inc(ctx, metrics.AlertsFailed, "sink", sink.Name())
			d.logger.Error("alert delivery failed", "sink", sink.Name(), "error", err)
			continue
		}
		metrics.Inc(ctx, metrics.AlertsDispatched, "sink", sink.Name())
	}
}

// AlertFunc returns a function suitable for use as an alert callback.
func (d *Dispatcher) AlertFunc() func(types.Alert) {
	return d.Dispatch
}

// Sinks returns the configured sinks.
func (d *Dispatcher) Sinks() []Sink {
	return d.sinks
}

func newSink(ctx context.Context, cfg types.AlertConfig, logger *slog.Logger) (Sink, error) {
	switch cfg.Type {
	case types.AlertLog:
		return NewLogSink(logger), nil
	case types.AlertSentry:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("sentry DSN required")
		}
		return NewSentrySink(cfg.DSN, cfg.Environment)
	case types.AlertEventBridge:
		return NewEventBridgeSink(ctx, cfg.EventBusName, cfg.Source)
	default:
		return nil, fmt.Errorf("unknown alert type %q", cfg.Type)
	}
}
