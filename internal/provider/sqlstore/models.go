package sqlstore

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/dwsmith1983/auditlane/internal/lifecycle"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

type projectRow struct {
	ID             string `gorm:"primaryKey;size:64"`
	OwnerID        string `gorm:"size:64;index"`
	Name           string `gorm:"size:255"`
	Slug           string `gorm:"size:255"`
	LifecycleState string `gorm:"size:32;not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

func (projectRow) TableName() string { return "projects" }

func projectToRow(p types.Project) projectRow {
	return projectRow{
		ID:             p.ID,
		OwnerID:        p.OwnerID,
		Name:           p.Name,
		Slug:           p.Slug,
		LifecycleState: string(p.LifecycleState),
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
		DeletedAt:      p.DeletedAt,
	}
}

func (r projectRow) toDomain() types.Project {
	return types.Project{
		ID:             r.ID,
		OwnerID:        r.OwnerID,
		Name:           r.Name,
		Slug:           r.Slug,
		LifecycleState: types.ProjectLifecycleState(r.LifecycleState),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		DeletedAt:      r.DeletedAt,
	}
}

type blobRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	SHA256      string `gorm:"column:sha256;size:64;not null;uniqueIndex"`
	Size        int64
	StorageKey  string `gorm:"size:255;not null"`
	ContentType string `gorm:"size:128"`
	CreatedAt   time.Time
}

func (blobRow) TableName() string { return "file_blobs" }

func (r blobRow) toDomain() types.FileBlob {
	return types.FileBlob{
		ID:          r.ID,
		SHA256:      r.SHA256,
		Size:        r.Size,
		StorageKey:  r.StorageKey,
		ContentType: r.ContentType,
		CreatedAt:   r.CreatedAt,
	}
}

type revisionRow struct {
	ID               string `gorm:"primaryKey;size:64"`
	ProjectID        string `gorm:"size:64;not null;index"`
	ParentRevisionID *string `gorm:"size:64"`
	Source           string `gorm:"size:32;not null"`
	IsImmutable      bool
	CreatedBy        string `gorm:"size:64"`
	Message          string `gorm:"type:text"`
	FileCount        int
	CreatedAt        time.Time
}

func (revisionRow) TableName() string { return "revisions" }

func revisionToRow(r types.Revision) revisionRow {
	return revisionRow{
		ID:               r.ID,
		ProjectID:        r.ProjectID,
		ParentRevisionID: nullable(r.ParentRevisionID),
		Source:           string(r.Source),
		IsImmutable:      r.IsImmutable,
		CreatedBy:        r.CreatedBy,
		Message:          r.Message,
		FileCount:        r.FileCount,
		CreatedAt:        r.CreatedAt,
	}
}

func (r revisionRow) toDomain() types.Revision {
	return types.Revision{
		ID:               r.ID,
		ProjectID:        r.ProjectID,
		ParentRevisionID: deref(r.ParentRevisionID),
		Source:           types.RevisionSource(r.Source),
		IsImmutable:      r.IsImmutable,
		CreatedBy:        r.CreatedBy,
		Message:          r.Message,
		FileCount:        r.FileCount,
		CreatedAt:        r.CreatedAt,
	}
}

type revisionFileRow struct {
	RevisionID string `gorm:"primaryKey;size:64"`
	Path       string `gorm:"primaryKey;size:512"`
	BlobID     string `gorm:"size:64;not null;index"`
	SHA256     string `gorm:"column:sha256;size:64;not null"`
	Size       int64
	Language   string `gorm:"size:16"`
	IsTestFile bool
}

func (revisionFileRow) TableName() string { return "revision_files" }

type workingCopyRow struct {
	ID                  string  `gorm:"primaryKey;size:64"`
	ProjectID           string  `gorm:"size:64;not null;index"`
	BaseRevisionID      string  `gorm:"size:64"`
	OwnerUserID         string  `gorm:"size:64;not null"`
	Status              string  `gorm:"size:16;not null"`
	Version             int     `gorm:"not null"`
	CommittedRevisionID string  `gorm:"size:64"`
	LiveKey             *string `gorm:"size:255;uniqueIndex"` // NULL once discarded
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (workingCopyRow) TableName() string { return "working_copies" }

func workingCopyToRow(wc types.WorkingCopy) workingCopyRow {
	row := workingCopyRow{
		ID:                  wc.ID,
		ProjectID:           wc.ProjectID,
		BaseRevisionID:      wc.BaseRevisionID,
		OwnerUserID:         wc.OwnerUserID,
		Status:              string(wc.Status),
		Version:             wc.Version,
		CommittedRevisionID: wc.CommittedRevisionID,
		CreatedAt:           wc.CreatedAt,
		UpdatedAt:           wc.UpdatedAt,
	}
	if lifecycle.IsLive(wc.Status) {
		key := wc.LiveKey()
		row.LiveKey = &key
	}
	return row
}

func (r workingCopyRow) toDomain() types.WorkingCopy {
	return types.WorkingCopy{
		ID:                  r.ID,
		ProjectID:           r.ProjectID,
		BaseRevisionID:      r.BaseRevisionID,
		OwnerUserID:         r.OwnerUserID,
		Status:              types.WorkingCopyStatus(r.Status),
		Version:             r.Version,
		CommittedRevisionID: r.CommittedRevisionID,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

type workingCopyFileRow struct {
	WorkingCopyID string `gorm:"primaryKey;size:64"`
	Path          string `gorm:"primaryKey;size:512"`
	Content       []byte
	Language      string `gorm:"size:16"`
	UpdatedAt     time.Time
}

func (workingCopyFileRow) TableName() string { return "working_copy_files" }

type auditRunRow struct {
	ID                  string `gorm:"primaryKey;size:64"`
	ProjectID           string `gorm:"size:64;not null;index:idx_audit_runs_completed,priority:1"`
	RevisionID          string `gorm:"size:64;not null"`
	Status              string `gorm:"size:16;not null;index:idx_audit_runs_completed,priority:2"`
	Version             int    `gorm:"not null"`
	RequestedBy         string `gorm:"size:64"`
	PrimaryModel        string `gorm:"size:128"`
	FallbackModel       string `gorm:"size:128"`
	Profile             string `gorm:"size:16"`
	EngineVersion       string `gorm:"size:64"`
	ReportSchemaVersion string `gorm:"size:64"`
	ReportJSON          datatypes.JSON
	FailureReason       string  `gorm:"type:text"`
	RetryOf             string  `gorm:"size:64"`
	ActiveProjectID     *string `gorm:"size:64;uniqueIndex"` // NULL unless queued or running
	CreatedAt           time.Time
	UpdatedAt           time.Time
	StartedAt           *time.Time
	FinishedAt          *time.Time `gorm:"index:idx_audit_runs_completed,priority:3"`
}

func (auditRunRow) TableName() string { return "audit_runs" }

func auditRunToRow(r types.AuditRun) auditRunRow {
	row := auditRunRow{
		ID:                  r.ID,
		ProjectID:           r.ProjectID,
		RevisionID:          r.RevisionID,
		Status:              string(r.Status),
		Version:             r.Version,
		RequestedBy:         r.RequestedBy,
		PrimaryModel:        r.PrimaryModel,
		FallbackModel:       r.FallbackModel,
		Profile:             string(r.Profile),
		EngineVersion:       r.EngineVersion,
		ReportSchemaVersion: r.ReportSchemaVersion,
		ReportJSON:          datatypes.JSON(r.ReportJSON),
		FailureReason:       r.FailureReason,
		RetryOf:             r.RetryOf,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
		StartedAt:           r.StartedAt,
		FinishedAt:          r.FinishedAt,
	}
	if lifecycle.IsActive(r.Status) {
		pid := r.ProjectID
		row.ActiveProjectID = &pid
	}
	return row
}

func (r auditRunRow) toDomain() types.AuditRun {
	return types.AuditRun{
		ID:                  r.ID,
		ProjectID:           r.ProjectID,
		RevisionID:          r.RevisionID,
		Status:              types.AuditRunStatus(r.Status),
		Version:             r.Version,
		RequestedBy:         r.RequestedBy,
		PrimaryModel:        r.PrimaryModel,
		FallbackModel:       r.FallbackModel,
		Profile:             types.AuditProfile(r.Profile),
		EngineVersion:       r.EngineVersion,
		ReportSchemaVersion: r.ReportSchemaVersion,
		ReportJSON:          rawJSON(r.ReportJSON),
		FailureReason:       r.FailureReason,
		RetryOf:             r.RetryOf,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
		StartedAt:           r.StartedAt,
		FinishedAt:          r.FinishedAt,
	}
}

type verificationStepRow struct {
	ID         string `gorm:"primaryKey;size:64"`
	AuditRunID string `gorm:"size:64;not null;index"`
	StepType   string `gorm:"size:64;not null"`
	Toolchain  string `gorm:"size:64"`
	Status     string `gorm:"size:16;not null"`
	Version    int    `gorm:"not null"`
	Summary    string `gorm:"type:text"`
	StdoutKey  string `gorm:"size:255"`
	StderrKey  string `gorm:"size:255"`
	DurationMs int64
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

func (verificationStepRow) TableName() string { return "verification_steps" }

func stepToRow(s types.VerificationStep) verificationStepRow {
	return verificationStepRow{
		ID:         s.ID,
		AuditRunID: s.AuditRunID,
		StepType:   s.StepType,
		Toolchain:  s.Toolchain,
		Status:     string(s.Status),
		Version:    s.Version,
		Summary:    s.Summary,
		StdoutKey:  s.StdoutKey,
		StderrKey:  s.StderrKey,
		DurationMs: s.DurationMs,
		CreatedAt:  s.CreatedAt,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
	}
}

func (r verificationStepRow) toDomain() types.VerificationStep {
	return types.VerificationStep{
		ID:         r.ID,
		AuditRunID: r.AuditRunID,
		StepType:   r.StepType,
		Toolchain:  r.Toolchain,
		Status:     types.VerificationStepStatus(r.Status),
		Version:    r.Version,
		Summary:    r.Summary,
		StdoutKey:  r.StdoutKey,
		StderrKey:  r.StderrKey,
		DurationMs: r.DurationMs,
		CreatedAt:  r.CreatedAt,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

type findingRow struct {
	ID                  string `gorm:"primaryKey;size:64"`
	ProjectID           string `gorm:"size:64;not null;uniqueIndex:idx_findings_fingerprint,priority:1"`
	StableFingerprint   string `gorm:"size:255;not null;uniqueIndex:idx_findings_fingerprint,priority:2"`
	FirstSeenRevisionID string `gorm:"size:64"`
	LastSeenRevisionID  string `gorm:"size:64"`
	CurrentStatus       string `gorm:"size:16;not null"`
	Severity            string `gorm:"size:16"`
	LastAuditRunID      string `gorm:"size:64"`
	LastResolvedRunID   string `gorm:"size:64"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (findingRow) TableName() string { return "findings" }

func findingToRow(f types.Finding) findingRow {
	return findingRow{
		ID:                  f.ID,
		ProjectID:           f.ProjectID,
		StableFingerprint:   f.StableFingerprint,
		FirstSeenRevisionID: f.FirstSeenRevisionID,
		LastSeenRevisionID:  f.LastSeenRevisionID,
		CurrentStatus:       string(f.CurrentStatus),
		Severity:            string(f.Severity),
		LastAuditRunID:      f.LastAuditRunID,
		LastResolvedRunID:   f.LastResolvedRunID,
		CreatedAt:           f.CreatedAt,
		UpdatedAt:           f.UpdatedAt,
	}
}

func (r findingRow) toDomain() types.Finding {
	return types.Finding{
		ID:                  r.ID,
		ProjectID:           r.ProjectID,
		StableFingerprint:   r.StableFingerprint,
		FirstSeenRevisionID: r.FirstSeenRevisionID,
		LastSeenRevisionID:  r.LastSeenRevisionID,
		CurrentStatus:       types.FindingStatus(r.CurrentStatus),
		Severity:            types.Severity(r.Severity),
		LastAuditRunID:      r.LastAuditRunID,
		LastResolvedRunID:   r.LastResolvedRunID,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

type findingInstanceRow struct {
	FindingID  string `gorm:"primaryKey;size:64"`
	AuditRunID string `gorm:"primaryKey;size:64;index"`
	RevisionID string `gorm:"size:64;not null"`
	Severity   string `gorm:"size:16"`
	Payload    datatypes.JSON
	CreatedAt  time.Time
}

func (findingInstanceRow) TableName() string { return "finding_instances" }

type findingTransitionRow struct {
	FindingID      string `gorm:"primaryKey;size:64"`
	FromAuditRunID string `gorm:"primaryKey;size:64"`
	ToAuditRunID   string `gorm:"primaryKey;size:64"`
	Transition     string `gorm:"size:16;not null"`
	CreatedAt      time.Time
}

func (findingTransitionRow) TableName() string { return "finding_transitions" }

type pdfExportRow struct {
	ID         string `gorm:"primaryKey;size:64"`
	AuditRunID string `gorm:"size:64;not null;uniqueIndex:idx_pdf_exports_variant,priority:1"`
	Variant    string `gorm:"size:16;not null;uniqueIndex:idx_pdf_exports_variant,priority:2"`
	ProjectID  string `gorm:"size:64;index"`
	Status     string `gorm:"size:16;not null"`
	Version    int    `gorm:"not null"`
	ObjectKey  string `gorm:"size:255"`
	Error      string `gorm:"type:text"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (pdfExportRow) TableName() string { return "pdf_exports" }

func exportToRow(e types.PdfExport) pdfExportRow {
	return pdfExportRow{
		ID:         e.ID,
		AuditRunID: e.AuditRunID,
		Variant:    string(e.Variant),
		ProjectID:  e.ProjectID,
		Status:     string(e.Status),
		Version:    e.Version,
		ObjectKey:  e.ObjectKey,
		Error:      e.Error,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	}
}

func (r pdfExportRow) toDomain() types.PdfExport {
	return types.PdfExport{
		ID:         r.ID,
		AuditRunID: r.AuditRunID,
		ProjectID:  r.ProjectID,
		Variant:    types.PdfExportVariant(r.Variant),
		Status:     types.PdfExportStatus(r.Status),
		Version:    r.Version,
		ObjectKey:  r.ObjectKey,
		Error:      r.Error,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

type jobEventRow struct {
	ID        string `gorm:"primaryKey;size:64"`
	ProjectID string `gorm:"size:64;not null;index"`
	QueueName string `gorm:"size:64;not null"`
	JobID     string `gorm:"size:255;not null"`
	Event     string `gorm:"size:16;not null"`
	Payload   datatypes.JSON
	CreatedAt time.Time
}

func (jobEventRow) TableName() string { return "job_events" }

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func rawJSON(j datatypes.JSON) json.RawMessage {
	if len(j) == 0 || string(j) == "null" {
		return nil
	}
	return json.RawMessage(j)
}
