package types

// ProjectLifecycleState tracks whether a project can accept work.
type ProjectLifecycleState string

// ProjectLifecycleState values.
const (
	ProjectInitializing ProjectLifecycleState = "initializing"
	ProjectReady        ProjectLifecycleState = "ready"
	ProjectDeleted      ProjectLifecycleState = "deleted"
)

// RevisionSource records how a revision was produced.
type RevisionSource string

// RevisionSource values.
const (
	SourceUpload      RevisionSource = "upload"
	SourceWorkingCopy RevisionSource = "working-copy"
)

// Language tags a source file with the toolchain that understands it.
type Language string

// Language values.
const (
	LanguageTolk  Language = "tolk"
	LanguageFunC  Language = "func"
	LanguageTact  Language = "tact"
	LanguageFift  Language = "fift"
	LanguageOther Language = "other"
)

// WorkingCopyStatus represents the lifecycle state of a working copy.
type WorkingCopyStatus string

// WorkingCopyStatus values.
const (
	WorkingCopyActive    WorkingCopyStatus = "active"
	WorkingCopyLocked    WorkingCopyStatus = "locked"
	WorkingCopyDiscarded WorkingCopyStatus = "discarded"
)

// AuditRunStatus represents the lifecycle state of an audit run.
type AuditRunStatus string

// AuditRunStatus values.
const (
	RunQueued    AuditRunStatus = "queued"
	RunRunning   AuditRunStatus = "running"
	RunCompleted AuditRunStatus = "completed"
	RunFailed    AuditRunStatus = "failed"
	RunCancelled AuditRunStatus = "cancelled"
)

// AuditProfile selects how much effort the audit engine spends.
type AuditProfile string

// AuditProfile values.
const (
	ProfileFast AuditProfile = "fast"
	ProfileDeep AuditProfile = "deep"
)

// Valid reports whether p is a known profile.
func (p AuditProfile) Valid() bool {
	return p == ProfileFast || p == ProfileDeep
}

// VerificationStepStatus represents the lifecycle state of a verification sub-step.
type VerificationStepStatus string

// VerificationStepStatus values.
const (
	StepQueued    VerificationStepStatus = "queued"
	StepRunning   VerificationStepStatus = "running"
	StepCompleted VerificationStepStatus = "completed"
	StepFailed    VerificationStepStatus = "failed"
	StepSkipped   VerificationStepStatus = "skipped"
)

// FindingStatus is both the current status of a Finding and the kind of a
// FindingTransition edge.
type FindingStatus string

// FindingStatus values.
const (
	FindingOpened    FindingStatus = "opened"
	FindingResolved  FindingStatus = "resolved"
	FindingRegressed FindingStatus = "regressed"
	FindingUnchanged FindingStatus = "unchanged"
)

// Severity is the engine-assigned severity of a finding occurrence.
type Severity string

// Severity values.
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "informational"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// PdfExportVariant selects the audience of a rendered report.
type PdfExportVariant string

// PdfExportVariant values.
const (
	VariantClient   PdfExportVariant = "client"
	VariantInternal PdfExportVariant = "internal"
)

// Valid reports whether v is a known variant.
func (v PdfExportVariant) Valid() bool {
	return v == VariantClient || v == VariantInternal
}

// PdfExportStatus represents the lifecycle state of a PDF export.
type PdfExportStatus string

// PdfExportStatus values.
const (
	ExportQueued    PdfExportStatus = "queued"
	ExportRendering PdfExportStatus = "rendering"
	ExportCompleted PdfExportStatus = "completed"
	ExportFailed    PdfExportStatus = "failed"
)

// JobStep is a pipeline stage. Each step is bound to exactly one queue.
type JobStep string

// JobStep values.
const (
	StepIngest           JobStep = "ingest"
	StepVerify           JobStep = "verify"
	StepAudit            JobStep = "audit"
	StepFindingLifecycle JobStep = "finding-lifecycle"
	StepPDF              JobStep = "pdf"
	StepDocsCrawl        JobStep = "docs-crawl"
	StepDocsIndex        JobStep = "docs-index"
	StepCleanup          JobStep = "cleanup"
)

// AllJobSteps lists every pipeline stage in pipeline order.
var AllJobSteps = []JobStep{
	StepIngest,
	StepVerify,
	StepAudit,
	StepFindingLifecycle,
	StepPDF,
	StepDocsCrawl,
	StepDocsIndex,
	StepCleanup,
}

// Valid reports whether s is one of AllJobSteps.
func (s JobStep) Valid() bool {
	for _, v := range AllJobSteps {
		if v == s {
			return true
		}
	}
	return false
}

// JobEventKind classifies a JobEvent row.
type JobEventKind string

// JobEventKind values.
const (
	JobQueued    JobEventKind = "queued"
	JobStarted   JobEventKind = "started"
	JobCompleted JobEventKind = "completed"
	JobFailed    JobEventKind = "failed"
)

// AlertLevel is the severity of an operator alert.
type AlertLevel string

const (
	AlertLevelError   AlertLevel = "error"
	AlertLevelWarning AlertLevel = "warning"
	AlertLevelInfo    AlertLevel = "info"
)

// AlertType defines the alert sink type.
type AlertType string

// AlertType values enumerate the supported alert sink backends.
const (
	AlertLog         AlertType = "log"
	AlertSentry      AlertType = "sentry"
	AlertEventBridge AlertType = "eventbridge"
)
