// Package export manages PDF renderings of completed audit runs.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dwsmith1983/auditlane/internal/dispatch"
	"github.com/dwsmith1983/auditlane/internal/engine"
	"github.com/dwsmith1983/auditlane/internal/ident"
	"github.com/dwsmith1983/auditlane/internal/lifecycle"
	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// Enqueuer places pipeline jobs on their queues.
type Enqueuer interface {
	Enqueue(ctx context.Context, step types.JobStep, payload types.JobPayload, jobID string) (dispatch.JobHandle, error)
}

const casAttempts = 5

// Exporter creates PdfExport rows and drives them through rendering.
type Exporter struct {
	provider provider.Provider
	jobs     Enqueuer
	renderer engine.Renderer
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an Exporter. renderer may be nil on processes that only
// request exports.
func New(prov provider.Provider, jobs Enqueuer, renderer engine.Renderer) *Exporter {
	return &Exporter{
		provider: prov,
		jobs:     jobs,
		renderer: renderer,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetLogger replaces the exporter's logger.
func (e *Exporter) SetLogger(l *slog.Logger) { e.logger = l }

// Request ensures a PdfExport exists for (auditRunID, variant) and that a
// pdf job is queued for it. Requesting an export that is queued, rendering
// or completed returns it unchanged; a failed export is re-queued.
func (e *Exporter) Request(ctx context.Context, auditRunID string, variant types.PdfExportVariant) (*types.PdfExport, error) {
	if !variant.Valid() {
		return nil, fmt.Errorf("%w: pdf variant %q", types.ErrInvalidInput, variant)
	}
	run, err := e.provider.GetAuditRun(ctx, auditRunID)
	if err != nil {
		return nil, fmt.Errorf("loading audit run %q: %w", auditRunID, err)
	}
	if run.Status != types.RunCompleted {
		return nil, fmt.Errorf("%w: audit run %q is %s, only completed runs can be exported",
			types.ErrInvalidTransition, auditRunID, run.Status)
	}

	now := e.now()
	exp, created, err := e.provider.CreatePdfExport(ctx, types.PdfExport{
		ID:         ident.New(),
		AuditRunID: auditRunID,
		ProjectID:  run.ProjectID,
		Variant:    variant,
		Status:     types.ExportQueued,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		return nil, fmt.Errorf("creating pdf export: %w", err)
	}

	switch {
	case created:
	case exp.Status == types.ExportFailed:
		exp, err = e.transition(ctx, auditRunID, variant, func(x types.PdfExport) (types.PdfExport, bool, error) {
			if x.Status != types.ExportFailed {
				return x, false, nil
			}
			x.Status = types.ExportQueued
			x.Error = ""
			return x, true, nil
		})
		if err != nil {
			return nil, err
		}
	case exp.Status != types.ExportQueued:
		return exp, nil
	}

	// A re-queued export needs a fresh job id or the broker drops it as a duplicate.
	jobID := dispatch.PDFJobID(auditRunID, variant)
	if exp.Version > 1 {
		jobID = fmt.Sprintf("%s:%d", jobID, exp.Version)
	}
	payload := types.JobPayload{ProjectID: run.ProjectID, AuditRunID: auditRunID, Variant: variant}
	if _, err := e.jobs.Enqueue(ctx, types.StepPDF, payload, jobID); err != nil {
		return nil, fmt.Errorf("enqueueing pdf export %s/%s: %w", auditRunID, variant, err)
	}
	e.logger.Info("pdf export requested", "auditRun", auditRunID, "variant", variant, "created", created)
	return exp, nil
}

// Render moves a queued export through rendering. A completed export is
// returned unchanged; an export left rendering by a crashed worker is
// rendered again. Renderer failures mark the export failed and are returned.
func (e *Exporter) Render(ctx context.Context, auditRunID string, variant types.PdfExportVariant) (*types.PdfExport, error) {
	if e.renderer == nil {
		return nil, fmt.Errorf("export: no renderer configured")
	}
	run, err := e.provider.GetAuditRun(ctx, auditRunID)
	if err != nil {
		return nil, fmt.Errorf("loading audit run %q: %w", auditRunID, err)
	}

	exp, err := e.transition(ctx, auditRunID, variant, func(x types.PdfExport) (types.PdfExport, bool, error) {
		switch x.Status {
		case types.ExportCompleted, types.ExportRendering:
			return x, false, nil
		case types.ExportFailed:
			return x, false, fmt.Errorf("%w: pdf export %s/%s failed, request it again", types.ErrInvalidTransition, auditRunID, variant)
		}
		x.Status = types.ExportRendering
		return x, true, nil
	})
	if err != nil {
		return nil, err
	}
	if exp.Status == types.ExportCompleted {
		return exp, nil
	}

	res, renderErr := e.renderer.Render(ctx, engine.RenderRequest{
		AuditRunID: auditRunID,
		ProjectID:  run.ProjectID,
		Variant:    variant,
		Report:     run.ReportJSON,
	})
	if renderErr != nil && types.IsRetryable(renderErr) {
		// Leave the export rendering so the redelivered job picks it up.
		return nil, fmt.Errorf("rendering %s/%s: %w", auditRunID, variant, renderErr)
	}

	done, err := e.transition(ctx, auditRunID, variant, func(x types.PdfExport) (types.PdfExport, bool, error) {
		if x.Status != types.ExportRendering {
			return x, false, nil
		}
		if renderErr != nil {
			x.Status = types.ExportFailed
			x.Error = renderErr.Error()
			return x, true, nil
		}
		x.Status = types.ExportCompleted
		x.ObjectKey = res.ObjectKey
		return x, true, nil
	})
	if err != nil {
		return nil, err
	}
	if renderErr != nil {
		e.logger.Warn("pdf export failed", "auditRun", auditRunID, "variant", variant, "error", renderErr)
		return done, fmt.Errorf("rendering %s/%s: %w", auditRunID, variant, renderErr)
	}
	e.logger.Info("pdf export completed", "auditRun", auditRunID, "variant", variant, "objectKey", done.ObjectKey)
	return done, nil
}

// Get returns the export for (auditRunID, variant).
func (e *Exporter) Get(ctx context.Context, auditRunID string, variant types.PdfExportVariant) (*types.PdfExport, error) {
	return e.provider.GetPdfExport(ctx, auditRunID, variant)
}

func (e *Exporter) transition(ctx context.Context, auditRunID string, variant types.PdfExportVariant, fn func(types.PdfExport) (types.PdfExport, bool, error)) (*types.PdfExport, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := e.provider.GetPdfExport(ctx, auditRunID, variant)
		if err != nil {
			if errors.Is(err, provider.ErrNotFound) {
				return nil, fmt.Errorf("pdf export %s/%s was never requested: %w", auditRunID, variant, err)
			}
			return nil, fmt.Errorf("loading pdf export: %w", err)
		}
		next, changed, err := fn(*current)
		if err != nil {
			return nil, err
		}
		if !changed {
			return current, nil
		}
		if !lifecycle.CanTransitionExport(current.Status, next.Status) {
			return nil, fmt.Errorf("%w: pdf export %s -> %s", types.ErrInvalidTransition, current.Status, next.Status)
		}
		next.Version = current.Version + 1
		next.UpdatedAt = e.now()
		ok, err := e.provider.CompareAndSwapPdfExport(ctx, current.Version, next)
		if err != nil {
			return nil, fmt.Errorf("updating pdf export: %w", err)
		}
		if ok {
			return &next, nil
		}
	}
	return nil, fmt.Errorf("pdf export %s/%s changed concurrently %d times: %w", auditRunID, variant, casAttempts, types.ErrConflict)
}
