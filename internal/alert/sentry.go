package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/dwsmith1983/auditlane/pkg/types"
)

// SentrySink reports alerts to Sentry through a dedicated hub so it does not
// share scope with anything else in the process.
type SentrySink struct {
	hub *sentry.Hub
}

// SentryOption configures a SentrySink.
type SentryOption func(*sentry.ClientOptions)

// WithSentryTransport replaces the HTTP transport (useful for testing).
func WithSentryTransport(t sentry.Transport) SentryOption {
	return func(o *sentry.ClientOptions) { o.Transport = t }
}

// NewSentrySink creates a Sentry sink for dsn.
func NewSentrySink(dsn, environment string, opts ...SentryOption) (*SentrySink, error) {
	co := sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	}
	for _, o := range opts {
		o(&co)
	}
	client, err := sentry.NewClient(co)
	if err != nil {
		return nil, fmt.Errorf("creating sentry client: %w", err)
	}
	return &SentrySink{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// Name returns the sink identifier.
func (s *SentrySink) Name() string { return "sentry" }

// Send captures the alert as a Sentry message tagged with its project and run.
func (s *SentrySink) Send(ctx context.Context, alert types.Alert) error {
	var id *sentry.EventID
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentryLevel(alert.Level))
		scope.SetTag("component", "auditlane")
		if alert.ProjectID != "" {
			scope.SetTag("project_id", alert.ProjectID)
		}
		if alert.AuditRunID != "" {
			scope.SetTag("audit_run_id", alert.AuditRunID)
		}
		if len(alert.Details) > 0 {
			scope.SetContext("alert", sentry.Context(alert.Details))
		}
		id = s.hub.CaptureMessage(alert.Message)
	})
	if id == nil {
		return fmt.Errorf("sentry dropped alert %q", alert.Message)
	}
	if deadline, ok := ctx.Deadline(); ok && alert.Level == types.AlertLevelError {
		s.hub.Flush(time.Until(deadline))
	}
	return nil
}

func sentryLevel(l types.AlertLevel) sentry.Level {
	switch l {
	case types.AlertLevelError:
		return sentry.LevelError
	case types.AlertLevelWarning:
		return sentry.LevelWarning
	default:
		return sentry.LevelInfo
	}
}
