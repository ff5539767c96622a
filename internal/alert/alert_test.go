package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/auditlane/pkg/types"
)

func testAlert() types.Alert {
	return types.Alert{
		Level:      types.AlertLevelError,
		ProjectID:  "proj-1",
		AuditRunID: "run-1",
		Message:    "audit run corruption: revision R2 no longer exists",
		Details:    map[string]interface{}{"revisionId": "R2"},
		Timestamp:  time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
}

type recordingSink struct {
	name string
	err  error
	got  []types.Alert
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(_ context.Context, a types.Alert) error {
	s.got = append(s.got, a)
	return s.err
}

func TestDispatcher_FansOutAndSurvivesFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	bad := &recordingSink{name: "bad", err: errors.New("unreachable")}
	good := &recordingSink{name: "good"}
	d := NewDispatcherWithSinks(logger, bad, good)

	fn := d.AlertFunc()
	fn(types.Alert{Level: types.AlertLevelWarning, Message: "no timestamp"})

	require.Len(t, bad.got, 1)
	require.Len(t, good.got, 1)
	assert.False(t, good.got[0].Timestamp.IsZero())
	assert.Contains(t, buf.String(), "alert delivery failed")
	assert.Contains(t, buf.String(), `"sink":"bad"`)
}

func TestNewDispatcher_Configs(t *testing.T) {
	ctx := context.Background()
	d, err := NewDispatcher(ctx, []types.AlertConfig{{Type: types.AlertLog}}, nil)
	require.NoError(t, err)
	require.Len(t, d.Sinks(), 1)
	assert.Equal(t, "log", d.Sinks()[0].Name())

	_, err = NewDispatcher(ctx, []types.AlertConfig{{Type: types.AlertSentry}}, nil)
	assert.ErrorContains(t, err, "DSN required")

	_, err = NewDispatcher(ctx, []types.AlertConfig{{Type: "pager"}}, nil)
	assert.ErrorContains(t, err, "unknown alert type")
}

func TestLogSink_Send(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))
	assert.Equal(t, "log", sink.Name())
	require.NoError(t, sink.Send(context.Background(), testAlert()))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "ERROR", rec["level"])
	assert.Equal(t, "proj-1", rec["project"])
	assert.Equal(t, "run-1", rec["auditRun"])
}

type mockTransport struct {
	mu     sync.Mutex
	events []*sentry.Event
}

func (m *mockTransport) Configure(sentry.ClientOptions) {}

func (m *mockTransport) SendEvent(e *sentry.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *mockTransport) Flush(time.Duration) bool { return true }

func (m *mockTransport) FlushWithContext(context.Context) bool { return true }

func (m *mockTransport) Close() {}

func TestSentrySink_Send(t *testing.T) {
	transport := &mockTransport{}
	sink, err := NewSentrySink("https://key@sentry.example.com/42", "test", WithSentryTransport(transport))
	require.NoError(t, err)
	assert.Equal(t, "sentry", sink.Name())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sink.Send(ctx, testAlert()))

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Len(t, transport.events, 1)
	ev := transport.events[0]
	assert.Equal(t, sentry.LevelError, ev.Level)
	assert.Equal(t, "audit run corruption: revision R2 no longer exists", ev.Message)
	assert.Equal(t, "proj-1", ev.Tags["project_id"])
	assert.Equal(t, "run-1", ev.Tags["audit_run_id"])
	assert.Equal(t, "test", ev.Environment)
}

func TestSentryLevel(t *testing.T) {
	assert.Equal(t, sentry.LevelWarning, sentryLevel(types.AlertLevelWarning))
	assert.Equal(t, sentry.LevelInfo, sentryLevel(types.AlertLevelInfo))
}

type mockEventBridge struct {
	inputs []*eventbridge.PutEventsInput
	out    *eventbridge.PutEventsOutput
}

func (m *mockEventBridge) PutEvents(_ context.Context, in *eventbridge.PutEventsInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error) {
	m.inputs = append(m.inputs, in)
	if m.out != nil {
		return m.out, nil
	}
	return &eventbridge.PutEventsOutput{}, nil
}

func TestEventBridgeSink_SendAndPublish(t *testing.T) {
	mock := &mockEventBridge{}
	sink, err := NewEventBridgeSink(context.Background(), "audit-bus", "", WithEventBridgeClient(mock))
	require.NoError(t, err)

	require.NoError(t, sink.Send(context.Background(), testAlert()))
	finished := time.Now().UTC()
	require.NoError(t, sink.PublishRunEvent(context.Background(), types.AuditRun{
		ID: "run-1", ProjectID: "proj-1", RevisionID: "R1", Status: types.RunFailed,
		FailureReason: "toolchain crashed", Version: 3, FinishedAt: &finished,
	}))

	require.Len(t, mock.inputs, 2)
	alertEntry := mock.inputs[0].Entries[0]
	assert.Equal(t, "audit-bus", aws.ToString(alertEntry.EventBusName))
	assert.Equal(t, "auditlane", aws.ToString(alertEntry.Source))
	assert.Equal(t, DetailTypeAlert, aws.ToString(alertEntry.DetailType))
	var a types.Alert
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(alertEntry.Detail)), &a))
	assert.Equal(t, "run-1", a.AuditRunID)

	runEntry := mock.inputs[1].Entries[0]
	assert.Equal(t, DetailTypeRunEvent, aws.ToString(runEntry.DetailType))
	assert.JSONEq(t, `{"auditRunId":"run-1","projectId":"proj-1","revisionId":"R1","status":"failed","failureReason":"toolchain crashed","version":3}`,
		aws.ToString(runEntry.Detail))
}

func TestEventBridgeSink_FailedEntry(t *testing.T) {
	mock := &mockEventBridge{out: &eventbridge.PutEventsOutput{
		FailedEntryCount: 1,
		Entries:          []ebtypes.PutEventsResultEntry{{ErrorCode: aws.String("ThrottlingException"), ErrorMessage: aws.String("rate exceeded")}},
	}}
	sink, err := NewEventBridgeSink(context.Background(), "", "custom", WithEventBridgeClient(mock))
	require.NoError(t, err)

	err = sink.Send(context.Background(), testAlert())
	assert.ErrorContains(t, err, "ThrottlingException")
	assert.Equal(t, "default", aws.ToString(mock.inputs[0].Entries[0].EventBusName))
}
