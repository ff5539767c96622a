// Package types defines the public domain types for the auditlane audit pipeline coordinator.
package types

import (
	"encoding/json"
	"time"
)

// Project owns every other entity transitively. Projects are soft-deleted.
type Project struct {
	ID             string                `json:"id"`
	OwnerID        string                `json:"ownerId"`
	Name           string                `json:"name"`
	Slug           string                `json:"slug"`
	LifecycleState ProjectLifecycleState `json:"lifecycleState"`
	CreatedAt      time.Time             `json:"createdAt"`
	UpdatedAt      time.Time             `json:"updatedAt"`
	DeletedAt      *time.Time            `json:"deletedAt,omitempty"`
}

// IsDeleted reports whether the project has been soft-deleted.
func (p Project) IsDeleted() bool {
	return p.DeletedAt != nil || p.LifecycleState == ProjectDeleted
}

// BlobRef identifies content-addressed bytes.
type BlobRef struct {
	ID         string `json:"id"`
	SHA256     string `json:"sha256"`
	Size       int64  `json:"size"`
	StorageKey string `json:"storageKey"`
}

// FileBlob is the persisted record of an immutable content-addressed payload.
type FileBlob struct {
	ID          string    `json:"id"`
	SHA256      string    `json:"sha256"`
	Size        int64     `json:"size"`
	StorageKey  string    `json:"storageKey"`
	ContentType string    `json:"contentType,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Ref returns the BlobRef for b.
func (b FileBlob) Ref() BlobRef {
	return BlobRef{ID: b.ID, SHA256: b.SHA256, Size: b.Size, StorageKey: b.StorageKey}
}

// Revision is an immutable snapshot of a project's file tree. ParentRevisionID
// is empty for root revisions.
type Revision struct {
	ID               string         `json:"id"`
	ProjectID        string         `json:"projectId"`
	ParentRevisionID string         `json:"parentRevisionId,omitempty"`
	Source           RevisionSource `json:"source"`
	IsImmutable      bool           `json:"isImmutable"`
	CreatedBy        string         `json:"createdBy,omitempty"`
	Message          string         `json:"message,omitempty"`
	FileCount        int            `json:"fileCount"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// RevisionFile maps (revision, path) to a blob.
type RevisionFile struct {
	RevisionID string   `json:"revisionId"`
	Path       string   `json:"path"`
	BlobID     string   `json:"blobId"`
	SHA256     string   `json:"sha256"`
	Size       int64    `json:"size"`
	Language   Language `json:"language"`
	IsTestFile bool     `json:"isTestFile"`
}

// WorkingCopy is a mutable staging area bound to one owner and one base revision.
type WorkingCopy struct {
	ID                  string            `json:"id"`
	ProjectID           string            `json:"projectId"`
	BaseRevisionID      string            `json:"baseRevisionId,omitempty"`
	OwnerUserID         string            `json:"ownerUserId"`
	Status              WorkingCopyStatus `json:"status"`
	Version             int               `json:"version"`
	CommittedRevisionID string            `json:"committedRevisionId,omitempty"`
	CreatedAt           time.Time         `json:"createdAt"`
	UpdatedAt           time.Time         `json:"updatedAt"`
}

// LiveKey is the uniqueness key shared by every non-discarded working copy of
// the same (project, base revision, owner) triple.
func (w WorkingCopy) LiveKey() string {
	return WorkingCopyKey(w.ProjectID, w.BaseRevisionID, w.OwnerUserID)
}

// WorkingCopyKey builds the uniqueness key for a working copy triple.
func WorkingCopyKey(projectID, baseRevisionID, ownerUserID string) string {
	return projectID + "#" + baseRevisionID + "#" + ownerUserID
}

// WorkingCopyFile holds inline, not yet content-addressed file content.
type WorkingCopyFile struct {
	WorkingCopyID string    `json:"workingCopyId"`
	Path          string    `json:"path"`
	Content       []byte    `json:"content"`
	Language      Language  `json:"language"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// AuditOptions are the caller-tunable parameters of an audit request.
type AuditOptions struct {
	Profile             AuditProfile `json:"profile,omitempty"`
	PrimaryModel        string       `json:"primaryModel,omitempty"`
	FallbackModel       string       `json:"fallbackModel,omitempty"`
	EngineVersion       string       `json:"engineVersion,omitempty"`
	ReportSchemaVersion string       `json:"reportSchemaVersion,omitempty"`
}

// AuditRun is one execution of the audit pipeline against one revision.
type AuditRun struct {
	ID                  string          `json:"id"`
	ProjectID           string          `json:"projectId"`
	RevisionID          string          `json:"revisionId"`
	Status              AuditRunStatus  `json:"status"`
	Version             int             `json:"version"`
	RequestedBy         string          `json:"requestedBy"`
	PrimaryModel        string          `json:"primaryModel,omitempty"`
	FallbackModel       string          `json:"fallbackModel,omitempty"`
	Profile             AuditProfile    `json:"profile"`
	EngineVersion       string          `json:"engineVersion,omitempty"`
	ReportSchemaVersion string          `json:"reportSchemaVersion,omitempty"`
	ReportJSON          json.RawMessage `json:"reportJson,omitempty"`
	FailureReason       string          `json:"failureReason,omitempty"`
	RetryOf             string          `json:"retryOf,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
	StartedAt           *time.Time      `json:"startedAt,omitempty"`
	FinishedAt          *time.Time      `json:"finishedAt,omitempty"`
}

// Options returns the audit options the run was requested with.
func (r AuditRun) Options() AuditOptions {
	return AuditOptions{
		Profile:             r.Profile,
		PrimaryModel:        r.PrimaryModel,
		FallbackModel:       r.FallbackModel,
		EngineVersion:       r.EngineVersion,
		ReportSchemaVersion: r.ReportSchemaVersion,
	}
}

// VerificationStep is one toolchain sub-task of an audit run.
type VerificationStep struct {
	ID         string                 `json:"id"`
	AuditRunID string                 `json:"auditRunId"`
	StepType   string                 `json:"stepType"`
	Toolchain  string                 `json:"toolchain"`
	Status     VerificationStepStatus `json:"status"`
	Version    int                    `json:"version"`
	Summary    string                 `json:"summary,omitempty"`
	StdoutKey  string                 `json:"stdoutKey,omitempty"`
	StderrKey  string                 `json:"stderrKey,omitempty"`
	DurationMs int64                  `json:"durationMs"`
	CreatedAt  time.Time              `json:"createdAt"`
	StartedAt  *time.Time             `json:"startedAt,omitempty"`
	FinishedAt *time.Time             `json:"finishedAt,omitempty"`
}

// Finding is a project-scoped issue identity keyed by its stable fingerprint.
type Finding struct {
	ID                  string        `json:"id"`
	ProjectID           string        `json:"projectId"`
	StableFingerprint   string        `json:"stableFingerprint"`
	FirstSeenRevisionID string        `json:"firstSeenRevisionId"`
	LastSeenRevisionID  string        `json:"lastSeenRevisionId"`
	CurrentStatus       FindingStatus `json:"currentStatus"`
	Severity            Severity      `json:"severity"`
	LastAuditRunID      string        `json:"lastAuditRunId"`
	LastResolvedRunID   string        `json:"lastResolvedRunId,omitempty"`
	CreatedAt           time.Time     `json:"createdAt"`
	UpdatedAt           time.Time     `json:"updatedAt"`
}

// FindingInstance is one audit run's concrete report of a Finding.
type FindingInstance struct {
	FindingID  string          `json:"findingId"`
	AuditRunID string          `json:"auditRunId"`
	RevisionID string          `json:"revisionId"`
	Severity   Severity        `json:"severity"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// FindingTransition is a lifecycle edge between two audit runs for one Finding.
type FindingTransition struct {
	FindingID      string        `json:"findingId"`
	FromAuditRunID string        `json:"fromAuditRunId"`
	ToAuditRunID   string        `json:"toAuditRunId"`
	Transition     FindingStatus `json:"transition"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// PdfExport is a rendering job attached to an audit run.
type PdfExport struct {
	ID         string           `json:"id"`
	AuditRunID string           `json:"auditRunId"`
	ProjectID  string           `json:"projectId"`
	Variant    PdfExportVariant `json:"variant"`
	Status     PdfExportStatus  `json:"status"`
	Version    int              `json:"version"`
	ObjectKey  string           `json:"objectKey,omitempty"`
	Error      string           `json:"error,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// JobEvent is an append-only record of queue activity. Observability only.
type JobEvent struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"projectId"`
	QueueName string          `json:"queueName"`
	JobID     string          `json:"jobId"`
	Event     JobEventKind    `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// JobPayload is the body of every pipeline job.
type JobPayload struct {
	ProjectID     string           `json:"projectId"`
	RevisionID    string           `json:"revisionId,omitempty"`
	AuditRunID    string           `json:"auditRunId,omitempty"`
	WorkingCopyID string           `json:"workingCopyId,omitempty"`
	Variant       PdfExportVariant `json:"variant,omitempty"`
}

// Job is the envelope placed on a queue.
type Job struct {
	Step    JobStep    `json:"step"`
	JobID   string     `json:"jobId"`
	Payload JobPayload `json:"payload"`
}

// Alert is an operator-facing notification.
type Alert struct {
	Level      AlertLevel             `json:"level"`
	ProjectID  string                 `json:"projectId,omitempty"`
	AuditRunID string                 `json:"auditRunId,omitempty"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}
