package alert

import (
	"context"
	"log/slog"

	"github.com/dwsmith1983/auditlane/pkg/types"
)

// LogSink writes alerts to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink. A nil logger uses slog.Default.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Name returns the sink identifier.
func (s *LogSink) Name() string { return "log" }

// Send logs the alert at the level matching its severity.
func (s *LogSink) Send(ctx context.Context, alert types.Alert) error {
	level := slog.LevelInfo
	switch alert.Level {
	case types.AlertLevelError:
		level = slog.LevelError
	case types.AlertLevelWarning:
		level = slog.LevelWarn
	}
	attrs := []any{"alert", true}
	if alert.ProjectID != "" {
		attrs = append(attrs, "project", alert.ProjectID)
	}
	if alert.AuditRunID != "" {
		attrs = append(attrs, "auditRun", alert.AuditRunID)
	}
	if len(alert.Details) > 0 {
		attrs = append(attrs, "details", alert.Details)
	}
	s.logger.Log(ctx, level, alert.Message, attrs...)
	return nil
}
