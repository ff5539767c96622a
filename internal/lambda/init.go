package lambda

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dwsmith1983/auditlane/internal/alert"
	"github.com/dwsmith1983/auditlane/internal/auditrun"
	"github.com/dwsmith1983/auditlane/internal/config"
	"github.com/dwsmith1983/auditlane/internal/content"
	"github.com/dwsmith1983/auditlane/internal/dispatch"
	"github.com/dwsmith1983/auditlane/internal/engine"
	"github.com/dwsmith1983/auditlane/internal/export"
	"github.com/dwsmith1983/auditlane/internal/findings"
	"github.com/dwsmith1983/auditlane/internal/pipeline"
	"github.com/dwsmith1983/auditlane/internal/project"
	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/internal/provider/dynamodb"
	"github.com/dwsmith1983/auditlane/internal/provider/sqlstore"
	"github.com/dwsmith1983/auditlane/internal/revision"
	"github.com/dwsmith1983/auditlane/internal/telemetry"
	"github.com/dwsmith1983/auditlane/internal/verification"
	"github.com/dwsmith1983/auditlane/internal/watchdog"
	"github.com/dwsmith1983/auditlane/internal/workcopy"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

const defaultEngineTimeout = 5 * time.Minute

// Deps holds shared dependencies for Lambda handlers.
type Deps struct {
	Config     *types.ProjectConfig
	Provider   provider.Provider
	Jobs       *dispatch.Dispatcher
	Blobs      *content.Store
	Copies     *workcopy.Manager
	Revisions  *revision.Store
	Projects   *project.Service
	Runs       *auditrun.Machine
	Steps      *verification.Tracker
	Exports    *export.Exporter
	Findings   *findings.Engine
	Worker     *pipeline.Worker
	Alerts     *alert.Dispatcher
	Logger     *slog.Logger
	shutdownFn telemetry.ShutdownFunc
}

// Init creates shared dependencies. Configuration comes from
// AUDITLANE_CONFIG_DIR/auditlane.yaml when that variable is set, otherwise
// from environment variables alone.
func Init(ctx context.Context) (*Deps, error) {
	var (
		cfg *types.ProjectConfig
		err error
	)
	if dir := os.Getenv("AUDITLANE_CONFIG_DIR"); dir != "" {
		cfg, err = config.Load(dir)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return nil, err
	}
	if err := config.ResolveSecrets(ctx, cfg, nil); err != nil {
		return nil, err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	return Build(ctx, cfg, logger)
}

// Build wires every service from a validated config.
func Build(ctx context.Context, cfg *types.ProjectConfig, logger *slog.Logger) (*Deps, error) {
	if logger == nil {
		logger = slog.Default()
	}
	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, envOrDefault("SERVICE_VERSION", "dev"))
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	base, err := NewProvider(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := base.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting %s provider: %w", cfg.Provider, err)
	}
	prov := telemetry.WrapProvider(base, cfg.Telemetry.Enabled)

	backend, err := content.NewS3Backend(ctx, cfg.Blob.Bucket,
		content.WithS3Region(cfg.Blob.Region),
		content.WithS3Endpoint(cfg.Blob.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("creating blob backend: %w", err)
	}
	blobOpts := []content.Option{content.WithPrefix(cfg.Blob.Prefix)}
	if cfg.Blob.CacheTTL != "" {
		blobOpts = append(blobOpts, content.WithCacheTTL(config.Duration(cfg.Blob.CacheTTL, 0)))
	}
	blobs := content.New(prov, backend, blobOpts...)
	blobs.SetLogger(logger)

	queue, err := dispatch.NewSQSQueue(ctx,
		dispatch.WithSQSRegion(cfg.Queue.Region),
		dispatch.WithSQSEndpoint(cfg.Queue.Endpoint),
		dispatch.WithMessageGroup(cfg.Queue.MessageGroup))
	if err != nil {
		return nil, fmt.Errorf("creating job queue: %w", err)
	}
	jobs, err := dispatch.New(queue, cfg.Queue.Queues, prov)
	if err != nil {
		return nil, err
	}
	jobs.SetLogger(logger)

	alerts, err := alert.NewDispatcher(ctx, cfg.Alerts, logger)
	if err != nil {
		return nil, fmt.Errorf("creating alert dispatcher: %w", err)
	}

	inv, err := NewEngineInvoker(ctx, cfg.Engines)
	if err != nil {
		return nil, err
	}
	engines := engine.NewClient(inv)

	fe := findings.NewEngine(prov)
	fe.SetLogger(logger)

	runs := auditrun.New(prov, jobs, fe, alerts.AlertFunc())
	runs.SetDefaults(cfg.Pipeline)
	runs.SetLogger(logger)
	for _, sink := range alerts.Sinks() {
		if pub, ok := sink.(auditrun.EventPublisher); ok {
			runs.SetPublisher(pub)
			break
		}
	}

	copies := workcopy.New(prov, blobs)
	copies.SetLogger(logger)

	revs := revision.New(prov, blobs, copies)
	revs.SetJobs(jobs)
	revs.SetLogger(logger)

	projects := project.New(prov, runs, copies)
	projects.SetLogger(logger)

	steps := verification.NewTracker(prov, blobs)
	steps.SetLogger(logger)

	exports := export.New(prov, jobs, engines)
	exports.SetLogger(logger)

	worker := pipeline.New(pipeline.Services{
		Provider: prov,
		Jobs:     jobs,
		Projects: projects,
		Runs:     runs,
		Steps:    steps,
		Exports:  exports,
		Copies:   copies,
		Ingester: engines,
		Auditor:  engines,
	}, cfg.Pipeline)
	worker.SetLogger(logger)

	return &Deps{
		Config:     cfg,
		Provider:   prov,
		Jobs:       jobs,
		Blobs:      blobs,
		Copies:     copies,
		Revisions:  revs,
		Projects:   projects,
		Runs:       runs,
		Steps:      steps,
		Exports:    exports,
		Findings:   fe,
		Worker:     worker,
		Alerts:     alerts,
		Logger:     logger,
		shutdownFn: shutdown,
	}, nil
}

// Shutdown flushes telemetry and releases the provider.
func (d *Deps) Shutdown(ctx context.Context) error {
	var errs []error
	if d.shutdownFn != nil {
		errs = append(errs, d.shutdownFn(ctx))
	}
	if d.Provider != nil {
		errs = append(errs, d.Provider.Stop(ctx))
	}
	return errors.Join(errs...)
}

// WatchdogOptions returns sweep settings bound to these dependencies.
func (d *Deps) WatchdogOptions() watchdog.CheckOptions {
	opts := watchdog.CheckOptions{
		Provider: d.Provider,
		Runs:     d.Runs,
		Jobs:     d.Jobs,
		Logger:   d.Logger,
	}
	if d.Alerts != nil {
		opts.AlertFn = d.Alerts.AlertFunc()
	}
	if d.Config != nil {
		opts.StuckRunThreshold = config.Duration(d.Config.Pipeline.StuckRunThreshold, 0)
		opts.AbandonedCopyAge = config.Duration(d.Config.Pipeline.AbandonedCopyAge, 0)
	}
	return opts
}

// NewProvider creates the configured storage provider without starting it.
func NewProvider(cfg *types.ProjectConfig, logger *slog.Logger) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderDynamoDB:
		dc := config.DynamoDB(cfg)
		if dc == nil {
			return nil, fmt.Errorf("dynamodb provider selected without a dynamodb section")
		}
		p, err := dynamodb.New(dc)
		if err != nil {
			return nil, fmt.Errorf("creating DynamoDB provider: %w", err)
		}
		p.SetLogger(logger)
		return p, nil
	case config.ProviderSQL:
		sc := config.SQL(cfg)
		if sc == nil {
			return nil, fmt.Errorf("sql provider selected without a sql section")
		}
		p, err := sqlstore.New(sc)
		if err != nil {
			return nil, fmt.Errorf("creating SQL provider: %w", err)
		}
		p.SetLogger(logger)
		return p, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// NewEngineInvoker returns an HTTP invoker when engines.baseUrl is set,
// otherwise a Lambda invoker over the configured functions.
func NewEngineInvoker(ctx context.Context, cfg types.EngineConfig) (engine.Invoker, error) {
	if cfg.BaseURL != "" {
		return engine.NewHTTPInvoker(cfg.BaseURL, config.Duration(cfg.Timeout, defaultEngineTimeout)), nil
	}
	functions := map[string]string{}
	for op, fn := range map[string]string{
		engine.OpIngest: cfg.IngestFunction,
		engine.OpAudit:  cfg.AuditFunction,
		engine.OpRender: cfg.RenderFunction,
	} {
		if fn != "" {
			functions[op] = fn
		}
	}
	inv, err := engine.NewLambdaInvoker(ctx, functions, engine.WithLambdaRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("creating engine invoker: %w", err)
	}
	return inv, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
