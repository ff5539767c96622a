package lambda

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/auditlane/internal/config"
	"github.com/dwsmith1983/auditlane/internal/engine"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

const sqliteConfig = `provider: sql
sql:
  driver: sqlite
  autoMigrate: true
blob:
  bucket: auditlane-test
  endpoint: http://localhost:4566
  region: eu-west-1
  cacheTtl: 1m
queue:
  region: eu-west-1
  endpoint: http://localhost:4566
  queues:
    ingest: http://localhost:4566/000000000000/ingest
    verify: http://localhost:4566/000000000000/verify
    audit: http://localhost:4566/000000000000/audit
    finding-lifecycle: http://localhost:4566/000000000000/finding-lifecycle
    pdf: http://localhost:4566/000000000000/pdf
    docs-crawl: http://localhost:4566/000000000000/docs-crawl
    docs-index: http://localhost:4566/000000000000/docs-index
    cleanup: http://localhost:4566/000000000000/cleanup
engines:
  baseUrl: http://localhost:9000
  timeout: 30s
pipeline:
  autoAudit: true
  pdfVariants: [client]
alerts:
  - type: log
`

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"AUDITLANE_CONFIG_DIR", "AUDITLANE_PROVIDER", "LOG_LEVEL",
		"TABLE_NAME", "DYNAMODB_ENDPOINT", "SQL_DRIVER", "SQL_DSN", "SQL_DSN_SECRET_ARN",
		"BLOB_BUCKET", "BLOB_ENDPOINT", "SQS_ENDPOINT", "ENGINE_BASE_URL", "AUDIT_FUNCTION",
		"SENTRY_DSN", "EVENT_BUS_NAME", "TELEMETRY_ENABLED",
	} {
		t.Setenv(k, "")
	}
	for _, step := range types.AllJobSteps {
		t.Setenv(config.QueueEnvVar(step), "")
	}
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
}

func TestInit_MissingProvider(t *testing.T) {
	clearEnv(t)

	_, err := Init(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider is required")
}

func TestInit_InvalidConfigDir(t *testing.T) {
	clearEnv(t)
	t.Setenv("AUDITLANE_CONFIG_DIR", t.TempDir())

	_, err := Init(t.Context())
	assert.ErrorContains(t, err, "reading config")
}

func TestInit_FromConfigDir(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte(sqliteConfig), 0o644))
	t.Setenv("AUDITLANE_CONFIG_DIR", dir)

	d, err := Init(t.Context())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Shutdown(t.Context()) })

	assert.Equal(t, config.ProviderSQL, d.Config.Provider)
	require.NoError(t, d.Provider.Ping(t.Context()))
	assert.NotNil(t, d.Worker)
	assert.NotNil(t, d.Revisions)
	assert.Len(t, d.Alerts.Sinks(), 1)
	assert.Equal(t, "http://localhost:4566/000000000000/pdf", d.Jobs.QueueName(types.StepPDF))

	// The schema is migrated on start.
	p, err := d.Projects.Create(t.Context(), "owner-1", "Jetton Wallet")
	require.NoError(t, err)
	got, err := d.Provider.GetProject(t.Context(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "jetton-wallet", got.Slug)
}

func TestNewProvider_Unknown(t *testing.T) {
	_, err := NewProvider(&types.ProjectConfig{Provider: "redis"}, slog.Default())
	assert.ErrorContains(t, err, "unknown provider")
}

func TestNewProvider_MissingSection(t *testing.T) {
	_, err := NewProvider(&types.ProjectConfig{Provider: config.ProviderDynamoDB}, slog.Default())
	assert.ErrorContains(t, err, "without a dynamodb section")
}

func TestNewEngineInvoker(t *testing.T) {
	clearEnv(t)

	inv, err := NewEngineInvoker(t.Context(), types.EngineConfig{BaseURL: "http://engines", Timeout: "10s"})
	require.NoError(t, err)
	assert.IsType(t, &engine.HTTPInvoker{}, inv)

	inv, err = NewEngineInvoker(t.Context(), types.EngineConfig{AuditFunction: "audit-fn", Region: "eu-west-1"})
	require.NoError(t, err)
	assert.IsType(t, &engine.LambdaInvoker{}, inv)

	_, err = NewEngineInvoker(t.Context(), types.EngineConfig{})
	assert.ErrorContains(t, err, "at least one function")
}

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("TEST_KEY", "custom")
	assert.Equal(t, "custom", envOrDefault("TEST_KEY", "fallback"))

	t.Setenv("TEST_KEY", "")
	assert.Equal(t, "fallback", envOrDefault("TEST_KEY", "fallback"))
}

func TestDefaultEngineTimeout(t *testing.T) {
	assert.Equal(t, 5*time.Minute, config.Duration("", defaultEngineTimeout))
}
