// Package config handles loading and validation of auditlane.yaml configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	ddbprov "github.com/dwsmith1983/auditlane/internal/provider/dynamodb"
	"github.com/dwsmith1983/auditlane/internal/provider/sqlstore"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// FileName is the configuration file looked up by Load.
const FileName = "auditlane.yaml"

// Provider names.
const (
	ProviderDynamoDB = "dynamodb"
	ProviderSQL      = "sql"
)

// providerConfigs is a helper struct used for a second YAML unmarshal pass
// to decode provider-specific config sections into their concrete types.
type providerConfigs struct {
	DynamoDB *ddbprov.Config  `yaml:"dynamodb,omitempty"`
	SQL      *sqlstore.Config `yaml:"sql,omitempty"`
}

// Load reads and parses auditlane.yaml from the given directory, applies
// environment overrides and validates the result.
func Load(dir string) (*types.ProjectConfig, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// FromEnv builds a configuration entirely from environment variables. Used by
// the Lambda entry points, which ship without a config file.
func FromEnv() (*types.ProjectConfig, error) {
	cfg := &types.ProjectConfig{}
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML without applying overrides or validation.
func Parse(data []byte) (*types.ProjectConfig, error) {
	var cfg types.ProjectConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Second pass: decode provider-specific sections into concrete types.
	var raw providerConfigs
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing provider config: %w", err)
	}
	if raw.DynamoDB != nil {
		cfg.DynamoDB = raw.DynamoDB
	}
	if raw.SQL != nil {
		cfg.SQL = raw.SQL
	}
	return &cfg, nil
}

// DynamoDB returns the DynamoDB section, or nil when absent.
func DynamoDB(cfg *types.ProjectConfig) *ddbprov.Config {
	dc, _ := cfg.DynamoDB.(*ddbprov.Config)
	return dc
}

// SQL returns the SQL section, or nil when absent.
func SQL(cfg *types.ProjectConfig) *sqlstore.Config {
	sc, _ := cfg.SQL.(*sqlstore.Config)
	return sc
}

// ApplyEnv overlays environment variables onto cfg. Set variables win over
// file values; unset ones leave the file value alone.
func ApplyEnv(cfg *types.ProjectConfig) {
	setString(&cfg.Provider, "AUDITLANE_PROVIDER")
	setString(&cfg.LogLevel, "LOG_LEVEL")

	if os.Getenv("TABLE_NAME") != "" || os.Getenv("DYNAMODB_ENDPOINT") != "" {
		dc := DynamoDB(cfg)
		if dc == nil {
			dc = &ddbprov.Config{}
			cfg.DynamoDB = dc
		}
		setString(&dc.TableName, "TABLE_NAME")
		setString(&dc.Endpoint, "DYNAMODB_ENDPOINT")
		setString(&dc.JobEventRetention, "JOB_EVENT_RETENTION")
		if dc.Region == "" {
			dc.Region = os.Getenv("AWS_REGION")
		}
		if cfg.Provider == "" {
			cfg.Provider = ProviderDynamoDB
		}
	}

	if os.Getenv("SQL_DRIVER") != "" || os.Getenv("SQL_DSN") != "" || os.Getenv("SQL_DSN_SECRET_ARN") != "" {
		sc := SQL(cfg)
		if sc == nil {
			sc = &sqlstore.Config{}
			cfg.SQL = sc
		}
		setString(&sc.Driver, "SQL_DRIVER")
		setString(&sc.DSN, "SQL_DSN")
		setString(&sc.DSNSecretARN, "SQL_DSN_SECRET_ARN")
		if cfg.Provider == "" {
			cfg.Provider = ProviderSQL
		}
	}

	setString(&cfg.Blob.Bucket, "BLOB_BUCKET")
	setString(&cfg.Blob.Prefix, "BLOB_PREFIX")
	setString(&cfg.Blob.Endpoint, "BLOB_ENDPOINT")
	if cfg.Blob.Region == "" {
		cfg.Blob.Region = os.Getenv("AWS_REGION")
	}

	for _, step := range types.AllJobSteps {
		if v := os.Getenv(QueueEnvVar(step)); v != "" {
			if cfg.Queue.Queues == nil {
				cfg.Queue.Queues = make(map[types.JobStep]string)
			}
			cfg.Queue.Queues[step] = v
		}
	}
	setString(&cfg.Queue.MessageGroup, "QUEUE_MESSAGE_GROUP")
	setString(&cfg.Queue.Endpoint, "SQS_ENDPOINT")
	if cfg.Queue.Region == "" {
		cfg.Queue.Region = os.Getenv("AWS_REGION")
	}

	setString(&cfg.Engines.BaseURL, "ENGINE_BASE_URL")
	setString(&cfg.Engines.Timeout, "ENGINE_TIMEOUT")
	setString(&cfg.Engines.IngestFunction, "INGEST_FUNCTION")
	setString(&cfg.Engines.AuditFunction, "AUDIT_FUNCTION")
	setString(&cfg.Engines.RenderFunction, "RENDER_FUNCTION")

	setBool(&cfg.Pipeline.AutoAudit, "AUTO_AUDIT")
	if v := os.Getenv("DEFAULT_PROFILE"); v != "" {
		cfg.Pipeline.DefaultProfile = types.AuditProfile(v)
	}
	setString(&cfg.Pipeline.EngineVersion, "ENGINE_VERSION")
	setString(&cfg.Pipeline.ReportSchemaVersion, "REPORT_SCHEMA_VERSION")
	setString(&cfg.Pipeline.MaxRetryElapsed, "MAX_RETRY_ELAPSED")
	setString(&cfg.Pipeline.StuckRunThreshold, "STUCK_RUN_THRESHOLD")
	setString(&cfg.Pipeline.AbandonedCopyAge, "ABANDONED_COPY_AGE")

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" && !hasAlert(cfg, types.AlertSentry) {
		cfg.Alerts = append(cfg.Alerts, types.AlertConfig{
			Type:        types.AlertSentry,
			DSN:         dsn,
			Environment: os.Getenv("SENTRY_ENVIRONMENT"),
		})
	}
	if bus := os.Getenv("EVENT_BUS_NAME"); bus != "" && !hasAlert(cfg, types.AlertEventBridge) {
		cfg.Alerts = append(cfg.Alerts, types.AlertConfig{Type: types.AlertEventBridge, EventBusName: bus})
	}

	setBool(&cfg.Telemetry.Enabled, "TELEMETRY_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.Telemetry.ServiceName, "OTEL_SERVICE_NAME")
}

// QueueEnvVar names the variable carrying the queue URL for step, e.g.
// QUEUE_URL_FINDING_LIFECYCLE.
func QueueEnvVar(step types.JobStep) string {
	return "QUEUE_URL_" + strings.ToUpper(strings.ReplaceAll(string(step), "-", "_"))
}

// Validate checks cfg for missing or inconsistent settings.
func Validate(cfg *types.ProjectConfig) error {
	switch cfg.Provider {
	case "":
		return fmt.Errorf("provider is required")
	case ProviderDynamoDB:
		dc := DynamoDB(cfg)
		if dc == nil {
			return fmt.Errorf("dynamodb config is required when provider is dynamodb")
		}
		if dc.TableName == "" {
			return fmt.Errorf("dynamodb.tableName is required")
		}
		if dc.JobEventRetention != "" {
			if _, err := time.ParseDuration(dc.JobEventRetention); err != nil {
				return fmt.Errorf("dynamodb.jobEventRetention: %w", err)
			}
		}
	case ProviderSQL:
		sc := SQL(cfg)
		if sc == nil {
			return fmt.Errorf("sql config is required when provider is sql")
		}
		switch sc.Driver {
		case sqlstore.DriverSQLite, "":
		case sqlstore.DriverMySQL:
			if sc.DSN == "" && sc.DSNSecretARN == "" {
				return fmt.Errorf("sql.dsn or sql.dsnSecretArn is required for mysql")
			}
		default:
			return fmt.Errorf("sql.driver %q is not supported", sc.Driver)
		}
	default:
		return fmt.Errorf("unknown provider %q", cfg.Provider)
	}

	if cfg.Blob.Bucket == "" {
		return fmt.Errorf("blob.bucket is required")
	}
	if cfg.Blob.CacheTTL != "" {
		if _, err := time.ParseDuration(cfg.Blob.CacheTTL); err != nil {
			return fmt.Errorf("blob.cacheTtl: %w", err)
		}
	}

	var missing []string
	for _, step := range types.AllJobSteps {
		if cfg.Queue.Queues[step] == "" {
			missing = append(missing, string(step))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("queue.queues is missing steps: %s", strings.Join(missing, ", "))
	}
	for step := range cfg.Queue.Queues {
		if !step.Valid() {
			return fmt.Errorf("queue.queues: unknown step %q", step)
		}
	}

	if cfg.Engines.BaseURL == "" && cfg.Engines.AuditFunction == "" {
		return fmt.Errorf("engines.baseUrl or engines.auditFunction is required")
	}
	if cfg.Engines.Timeout != "" {
		if _, err := time.ParseDuration(cfg.Engines.Timeout); err != nil {
			return fmt.Errorf("engines.timeout: %w", err)
		}
	}

	if p := cfg.Pipeline.DefaultProfile; p != "" && !p.Valid() {
		return fmt.Errorf("pipeline.defaultProfile %q is not a known profile", p)
	}
	for _, v := range cfg.Pipeline.PdfVariants {
		if !v.Valid() {
			return fmt.Errorf("pipeline.pdfVariants: unknown variant %q", v)
		}
	}
	for name, v := range map[string]string{
		"maxRetryElapsed":   cfg.Pipeline.MaxRetryElapsed,
		"stuckRunThreshold": cfg.Pipeline.StuckRunThreshold,
		"abandonedCopyAge":  cfg.Pipeline.AbandonedCopyAge,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("pipeline.%s: %w", name, err)
		}
	}

	for i, a := range cfg.Alerts {
		switch a.Type {
		case types.AlertLog, types.AlertEventBridge:
		case types.AlertSentry:
			if a.DSN == "" {
				return fmt.Errorf("alerts[%d]: sentry requires a dsn", i)
			}
		default:
			return fmt.Errorf("alerts[%d]: unknown alert type %q", i, a.Type)
		}
	}

	if _, err := ParseLogLevel(cfg.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLogLevel maps a config log level to slog. Empty means info.
func ParseLogLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logLevel %q: %w", s, err)
	}
	return l, nil
}

// Duration parses s, returning fallback when s is empty or invalid.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func hasAlert(cfg *types.ProjectConfig, t types.AlertType) bool {
	for _, a := range cfg.Alerts {
		if a.Type == t {
			return true
		}
	}
	return false
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
