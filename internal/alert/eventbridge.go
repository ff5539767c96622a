package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"

	"github.com/dwsmith1983/auditlane/pkg/types"
)

// Detail types published to the event bus.
const (
	DetailTypeAlert    = "Auditlane Alert"
	DetailTypeRunEvent = "Auditlane Audit Run Status Change"
)

// EventBridgeAPI is the subset of the EventBridge client used by EventBridgeSink.
type EventBridgeAPI interface {
	PutEvents(ctx context.Context, input *eventbridge.PutEventsInput, opts ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridgeSink publishes alerts and audit run lifecycle events to an
// event bus.
type EventBridgeSink struct {
	client  EventBridgeAPI
	busName string
	source  string
}

// EventBridgeOption configures an EventBridgeSink.
type EventBridgeOption func(*EventBridgeSink)

// WithEventBridgeClient sets a custom EventBridge client (useful for testing).
func WithEventBridgeClient(c EventBridgeAPI) EventBridgeOption {
	return func(s *EventBridgeSink) { s.client = c }
}

// NewEventBridgeSink creates an EventBridge sink. An empty busName uses the
// default bus and an empty source uses "auditlane".
func NewEventBridgeSink(ctx context.Context, busName, source string, opts ...EventBridgeOption) (*EventBridgeSink, error) {
	if busName == "" {
		busName = "default"
	}
	if source == "" {
		source = "auditlane"
	}
	s := &EventBridgeSink{busName: busName, source: source}
	for _, o := range opts {
		o(s)
	}
	if s.client == nil {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		s.client = eventbridge.NewFromConfig(cfg)
	}
	return s, nil
}

// Name returns the sink identifier.
func (s *EventBridgeSink) Name() string { return "eventbridge" }

// Send publishes the alert as an event.
func (s *EventBridgeSink) Send(ctx context.Context, alert types.Alert) error {
	return s.put(ctx, DetailTypeAlert, alert)
}

type runEvent struct {
	AuditRunID    string               `json:"auditRunId"`
	ProjectID     string               `json:"projectId"`
	RevisionID    string               `json:"revisionId"`
	Status        types.AuditRunStatus `json:"status"`
	FailureReason string               `json:"failureReason,omitempty"`
	RetryOf       string               `json:"retryOf,omitempty"`
	Version       int                  `json:"version"`
}

// PublishRunEvent publishes an audit run's terminal transition.
func (s *EventBridgeSink) PublishRunEvent(ctx context.Context, run types.AuditRun) error {
	return s.put(ctx, DetailTypeRunEvent, runEvent{
		AuditRunID:    run.ID,
		ProjectID:     run.ProjectID,
		RevisionID:    run.RevisionID,
		Status:        run.Status,
		FailureReason: run.FailureReason,
		RetryOf:       run.RetryOf,
		Version:       run.Version,
	})
}

func (s *EventBridgeSink) put(ctx context.Context, detailType string, detail any) error {
	data, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", detailType, err)
	}
	out, err := s.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []ebtypes.PutEventsRequestEntry{{
			EventBusName: aws.String(s.busName),
			Source:       aws.String(s.source),
			DetailType:   aws.String(detailType),
			Detail:       aws.String(string(data)),
		}},
	})
	if err != nil {
		return fmt.Errorf("publishing to EventBridge: %w", err)
	}
	if out.FailedEntryCount > 0 && len(out.Entries) > 0 {
		return fmt.Errorf("EventBridge rejected %s: %s: %s", detailType,
			aws.ToString(out.Entries[0].ErrorCode), aws.ToString(out.Entries[0].ErrorMessage))
	}
	return nil
}
