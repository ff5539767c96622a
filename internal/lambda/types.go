package lambda

import (
	"github.com/aws/aws-lambda-go/events"

	"github.com/dwsmith1983/auditlane/pkg/types"
)

// JobBatch is the SQS event delivered to the worker Lambda. Each record body
// is a JSON-encoded types.Job.
type JobBatch = events.SQSEvent

// JobBatchResponse reports the records SQS should redeliver.
type JobBatchResponse = events.SQSEventResponse

// Control actions accepted by the control Lambda.
const (
	ActionRequestAudit   = "requestAudit"
	ActionCancelAudit    = "cancelAudit"
	ActionRetryAudit     = "retryAudit"
	ActionRequestExport  = "requestExport"
	ActionReplayFindings = "replayFindings"
	ActionDeleteProject  = "deleteProject"
	ActionSweep          = "sweep"
)

// ControlRequest is the input to the control Lambda.
type ControlRequest struct {
	Action      string                 `json:"action"`
	ProjectID   string                 `json:"projectId,omitempty"`
	ProjectIDs  []string               `json:"projectIds,omitempty"`
	RevisionID  string                 `json:"revisionId,omitempty"`
	AuditRunID  string                 `json:"auditRunId,omitempty"`
	RequestedBy string                 `json:"requestedBy,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
	Variant     types.PdfExportVariant `json:"variant,omitempty"`
	Options     types.AuditOptions     `json:"options,omitempty"`
}

// ControlResponse is the output of the control Lambda.
type ControlResponse struct {
	Action  string                 `json:"action"`
	Result  string                 `json:"result"` // "ok", "conflict", "error"
	Payload map[string]interface{} `json:"payload,omitempty"`
}
