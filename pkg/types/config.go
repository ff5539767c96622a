package types

// ProjectConfig is the top-level auditlane.yaml configuration.
type ProjectConfig struct {
	Provider  string          `yaml:"provider" json:"provider"`
	DynamoDB  interface{}     `yaml:"-" json:"-"` // *dynamodb.Config, decoded in a second pass
	SQL       interface{}     `yaml:"-" json:"-"` // *sqlstore.Config, decoded in a second pass
	Blob      BlobConfig      `yaml:"blob" json:"blob"`
	Queue     QueueConfig     `yaml:"queue" json:"queue"`
	Engines   EngineConfig    `yaml:"engines,omitempty" json:"engines,omitempty"`
	Pipeline  PipelineConfig  `yaml:"pipeline,omitempty" json:"pipeline,omitempty"`
	Alerts    []AlertConfig   `yaml:"alerts,omitempty" json:"alerts,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty" json:"telemetry,omitempty"`
	LogLevel  string          `yaml:"logLevel,omitempty" json:"logLevel,omitempty"`
}

// BlobConfig configures the S3 content store backend.
type BlobConfig struct {
	Bucket   string `yaml:"bucket" json:"bucket"`
	Prefix   string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Region   string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	CacheTTL string `yaml:"cacheTtl,omitempty" json:"cacheTtl,omitempty"`
}

// QueueConfig binds every pipeline step to an SQS queue URL.
type QueueConfig struct {
	Region       string             `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint     string             `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	FIFO         bool               `yaml:"fifo,omitempty" json:"fifo,omitempty"`
	MessageGroup string             `yaml:"messageGroup,omitempty" json:"messageGroup,omitempty"`
	Queues       map[JobStep]string `yaml:"queues" json:"queues"`
}

// EngineConfig locates the external engines: an HTTP gateway when BaseURL is
// set, otherwise the named Lambda functions.
type EngineConfig struct {
	BaseURL        string `yaml:"baseUrl,omitempty" json:"baseUrl,omitempty"`
	Timeout        string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Region         string `yaml:"region,omitempty" json:"region,omitempty"`
	IngestFunction string `yaml:"ingestFunction,omitempty" json:"ingestFunction,omitempty"`
	AuditFunction  string `yaml:"auditFunction,omitempty" json:"auditFunction,omitempty"`
	RenderFunction string `yaml:"renderFunction,omitempty" json:"renderFunction,omitempty"`
}

// PipelineConfig holds defaults applied when admitting and finishing audits.
type PipelineConfig struct {
	AutoAudit           bool               `yaml:"autoAudit,omitempty" json:"autoAudit,omitempty"`
	DefaultProfile      AuditProfile       `yaml:"defaultProfile,omitempty" json:"defaultProfile,omitempty"`
	PrimaryModel        string             `yaml:"primaryModel,omitempty" json:"primaryModel,omitempty"`
	FallbackModel       string             `yaml:"fallbackModel,omitempty" json:"fallbackModel,omitempty"`
	EngineVersion       string             `yaml:"engineVersion,omitempty" json:"engineVersion,omitempty"`
	ReportSchemaVersion string             `yaml:"reportSchemaVersion,omitempty" json:"reportSchemaVersion,omitempty"`
	PdfVariants         []PdfExportVariant `yaml:"pdfVariants,omitempty" json:"pdfVariants,omitempty"`
	MaxRetryElapsed     string             `yaml:"maxRetryElapsed,omitempty" json:"maxRetryElapsed,omitempty"`
	StuckRunThreshold   string             `yaml:"stuckRunThreshold,omitempty" json:"stuckRunThreshold,omitempty"`
	AbandonedCopyAge    string             `yaml:"abandonedCopyAge,omitempty" json:"abandonedCopyAge,omitempty"`
}

// AlertConfig defines an operator alert sink.
type AlertConfig struct {
	Type         AlertType `yaml:"type" json:"type"`
	DSN          string    `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	Environment  string    `yaml:"environment,omitempty" json:"environment,omitempty"`
	EventBusName string    `yaml:"eventBusName,omitempty" json:"eventBusName,omitempty"`
	Source       string    `yaml:"source,omitempty" json:"source,omitempty"`
}

// TelemetryConfig enables OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Endpoint    string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	ServiceName string `yaml:"serviceName,omitempty" json:"serviceName,omitempty"`
}
