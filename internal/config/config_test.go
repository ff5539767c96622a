package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/auditlane/pkg/types"
)

const queuesYAML = `queue:
  queues:
    ingest: https://sqs.eu-west-1.amazonaws.com/1/ingest.fifo
    verify: https://sqs.eu-west-1.amazonaws.com/1/verify.fifo
    audit: https://sqs.eu-west-1.amazonaws.com/1/audit.fifo
    finding-lifecycle: https://sqs.eu-west-1.amazonaws.com/1/finding-lifecycle.fifo
    pdf: https://sqs.eu-west-1.amazonaws.com/1/pdf.fifo
    docs-crawl: https://sqs.eu-west-1.amazonaws.com/1/docs-crawl.fifo
    docs-index: https://sqs.eu-west-1.amazonaws.com/1/docs-index.fifo
    cleanup: https://sqs.eu-west-1.amazonaws.com/1/cleanup.fifo
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644))
	return dir
}

func TestLoad_DynamoDB(t *testing.T) {
	dir := writeConfig(t, `provider: dynamodb
dynamodb:
  tableName: auditlane
  region: eu-west-1
  jobEventRetention: 72h
blob:
  bucket: auditlane-blobs
  prefix: blobs/
engines:
  auditFunction: audit-engine
pipeline:
  autoAudit: true
  defaultProfile: deep
  pdfVariants: [client, internal]
alerts:
  - type: log
  - type: sentry
    dsn: https://key@sentry.example.com/1
logLevel: debug
`+queuesYAML)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ProviderDynamoDB, cfg.Provider)
	dc := DynamoDB(cfg)
	require.NotNil(t, dc, "dynamodb section should decode to *dynamodb.Config")
	assert.Equal(t, "auditlane", dc.TableName)
	assert.Equal(t, "72h", dc.JobEventRetention)
	assert.Nil(t, SQL(cfg))
	assert.Equal(t, "auditlane-blobs", cfg.Blob.Bucket)
	assert.True(t, cfg.Pipeline.AutoAudit)
	assert.Equal(t, types.ProfileDeep, cfg.Pipeline.DefaultProfile)
	assert.Equal(t, []types.PdfExportVariant{types.VariantClient, types.VariantInternal}, cfg.Pipeline.PdfVariants)
	assert.Len(t, cfg.Alerts, 2)
	assert.Equal(t, "https://sqs.eu-west-1.amazonaws.com/1/finding-lifecycle.fifo", cfg.Queue.Queues[types.StepFindingLifecycle])

	level, err := ParseLogLevel(cfg.LogLevel)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoad_SQL(t *testing.T) {
	dir := writeConfig(t, `provider: sql
sql:
  driver: mysql
  dsnSecretArn: arn:aws:secretsmanager:eu-west-1:1:secret:auditlane-dsn
  autoMigrate: true
blob:
  bucket: auditlane-blobs
engines:
  baseUrl: http://engines.internal
`+queuesYAML)

	cfg, err := Load(dir)
	require.NoError(t, err)
	sc := SQL(cfg)
	require.NotNil(t, sc)
	assert.Equal(t, "mysql", sc.Driver)
	assert.True(t, sc.AutoMigrate)
	assert.Empty(t, sc.DSN)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.ErrorContains(t, err, "reading config")
}

func TestValidate(t *testing.T) {
	base := func() string {
		return "provider: dynamodb\ndynamodb:\n  tableName: t\nblob:\n  bucket: b\nengines:\n  auditFunction: a\n" + queuesYAML
	}
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"valid", base(), ""},
		{"no provider", "blob:\n  bucket: b\n", "provider is required"},
		{"unknown provider", "provider: redis\n", "unknown provider"},
		{"dynamodb without table", "provider: dynamodb\ndynamodb:\n  region: x\n", "tableName is required"},
		{"mysql without dsn", "provider: sql\nsql:\n  driver: mysql\n", "dsnSecretArn is required"},
		{"bad driver", "provider: sql\nsql:\n  driver: oracle\n", "not supported"},
		{"no bucket", "provider: sql\nsql:\n  driver: sqlite\n", "blob.bucket is required"},
		{"missing queues", "provider: sql\nsql:\n  driver: sqlite\nblob:\n  bucket: b\n", "missing steps: ingest, verify"},
		{"bad profile", base() + "pipeline:\n  defaultProfile: thorough\n", "not a known profile"},
		{"bad variant", base() + "pipeline:\n  pdfVariants: [public]\n", "unknown variant"},
		{"bad retry", base() + "pipeline:\n  maxRetryElapsed: soon\n", "maxRetryElapsed"},
		{"bad stuck threshold", base() + "pipeline:\n  stuckRunThreshold: 2 hours\n", "stuckRunThreshold"},
		{"sentry without dsn", base() + "alerts:\n  - type: sentry\n", "sentry requires a dsn"},
		{"unknown alert", base() + "alerts:\n  - type: pager\n", "unknown alert type"},
		{"bad log level", base() + "logLevel: loud\n", "logLevel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			require.NoError(t, err)
			err = Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestApplyEnv_Overrides(t *testing.T) {
	for _, step := range types.AllJobSteps {
		t.Setenv(QueueEnvVar(step), "https://sqs/"+string(step))
	}
	t.Setenv("TABLE_NAME", "from-env")
	t.Setenv("AWS_REGION", "us-east-2")
	t.Setenv("BLOB_BUCKET", "env-bucket")
	t.Setenv("AUDIT_FUNCTION", "audit-fn")
	t.Setenv("AUTO_AUDIT", "true")
	t.Setenv("SENTRY_DSN", "https://key@sentry.example.com/2")
	t.Setenv("EVENT_BUS_NAME", "audit-bus")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ProviderDynamoDB, cfg.Provider)
	assert.Equal(t, "from-env", DynamoDB(cfg).TableName)
	assert.Equal(t, "us-east-2", DynamoDB(cfg).Region)
	assert.Equal(t, "env-bucket", cfg.Blob.Bucket)
	assert.Equal(t, "https://sqs/docs-index", cfg.Queue.Queues[types.StepDocsIndex])
	assert.True(t, cfg.Pipeline.AutoAudit)
	require.Len(t, cfg.Alerts, 2)
	assert.Equal(t, types.AlertSentry, cfg.Alerts[0].Type)
	assert.Equal(t, "audit-bus", cfg.Alerts[1].EventBusName)
}

func TestQueueEnvVar(t *testing.T) {
	assert.Equal(t, "QUEUE_URL_FINDING_LIFECYCLE", QueueEnvVar(types.StepFindingLifecycle))
	assert.Equal(t, "QUEUE_URL_PDF", QueueEnvVar(types.StepPDF))
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 5*time.Minute, Duration("", 5*time.Minute))
	assert.Equal(t, 5*time.Minute, Duration("nope", 5*time.Minute))
	assert.Equal(t, 30*time.Second, Duration("30s", 5*time.Minute))
}

type mockSecrets struct {
	secret string
	err    error
	asked  []string
}

func (m *mockSecrets) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	m.asked = append(m.asked, aws.ToString(in.SecretId))
	if m.err != nil {
		return nil, m.err
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(m.secret)}, nil
}

func TestResolveSecrets(t *testing.T) {
	parse := func(t *testing.T) *types.ProjectConfig {
		cfg, err := Parse([]byte("provider: sql\nsql:\n  driver: mysql\n  dsnSecretArn: arn:dsn\n"))
		require.NoError(t, err)
		return cfg
	}

	t.Run("json secret", func(t *testing.T) {
		cfg := parse(t)
		m := &mockSecrets{secret: `{"dsn":"user:pw@tcp(db:3306)/auditlane?parseTime=true"}`}
		require.NoError(t, ResolveSecrets(context.Background(), cfg, m))
		assert.Equal(t, []string{"arn:dsn"}, m.asked)
		assert.Equal(t, "user:pw@tcp(db:3306)/auditlane?parseTime=true", SQL(cfg).DSN)
	})

	t.Run("bare secret", func(t *testing.T) {
		cfg := parse(t)
		require.NoError(t, ResolveSecrets(context.Background(), cfg, &mockSecrets{secret: " user@tcp(db)/a \n"}))
		assert.Equal(t, "user@tcp(db)/a", SQL(cfg).DSN)
	})

	t.Run("explicit dsn wins", func(t *testing.T) {
		cfg := parse(t)
		SQL(cfg).DSN = "explicit"
		m := &mockSecrets{secret: "ignored"}
		require.NoError(t, ResolveSecrets(context.Background(), cfg, m))
		assert.Empty(t, m.asked)
		assert.Equal(t, "explicit", SQL(cfg).DSN)
	})

	t.Run("lookup failure", func(t *testing.T) {
		err := ResolveSecrets(context.Background(), parse(t), &mockSecrets{err: errors.New("access denied")})
		assert.ErrorContains(t, err, "access denied")
	})

	t.Run("json without dsn", func(t *testing.T) {
		err := ResolveSecrets(context.Background(), parse(t), &mockSecrets{secret: `{"user":"x"}`})
		assert.ErrorContains(t, err, "no dsn field")
	})
}
