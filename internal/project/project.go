// Package project manages project lifecycle: creation, readiness after the
// first ingest, and soft deletion cascading to owned live resources.
package project

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/dwsmith1983/auditlane/internal/ident"
	"github.com/dwsmith1983/auditlane/internal/lifecycle"
	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// RunCanceller cancels a project's active audit run. *auditrun.Machine
// satisfies it.
type RunCanceller interface {
	CancelActive(ctx context.Context, projectID, reason string) (*types.AuditRun, error)
}

// CopyDiscarder discards working copies. *workcopy.Manager satisfies it.
type CopyDiscarder interface {
	Discard(ctx context.Context, workingCopyID string) error
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Service implements project operations.
type Service struct {
	provider provider.Provider
	runs     RunCanceller
	copies   CopyDiscarder
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Service.
func New(prov provider.Provider, runs RunCanceller, copies CopyDiscarder) *Service {
	return &Service{
		provider: prov,
		runs:     runs,
		copies:   copies,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetLogger replaces the service's logger.
func (s *Service) SetLogger(l *slog.Logger) { s.logger = l }

// Slugify derives a URL-safe slug from a project name.
func Slugify(name string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

// Create inserts a project in the initializing state.
func (s *Service) Create(ctx context.Context, ownerID, name string) (*types.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" || ownerID == "" {
		return nil, fmt.Errorf("%w: project name and owner required", types.ErrInvalidInput)
	}
	slug := Slugify(name)
	if slug == "" {
		return nil, fmt.Errorf("%w: project name %q has no usable characters", types.ErrInvalidInput, name)
	}
	now := s.now()
	p := types.Project{
		ID:             ident.New(),
		OwnerID:        ownerID,
		Name:           name,
		Slug:           slug,
		LifecycleState: types.ProjectInitializing,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.provider.CreateProject(ctx, p); err != nil {
		return nil, fmt.Errorf("creating project %q: %w", name, err)
	}
	s.logger.Info("project created", "project", p.ID, "owner", ownerID)
	return &p, nil
}

// Get returns a project by id.
func (s *Service) Get(ctx context.Context, id string) (*types.Project, error) {
	return s.provider.GetProject(ctx, id)
}

// MarkReady moves an initializing project to ready. A ready project is
// returned unchanged; a deleted one yields ErrProjectDeleted.
func (s *Service) MarkReady(ctx context.Context, id string) (*types.Project, error) {
	p, err := s.provider.GetProject(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading project %q: %w", id, err)
	}
	switch {
	case p.IsDeleted():
		return nil, fmt.Errorf("project %q: %w", id, types.ErrProjectDeleted)
	case p.LifecycleState == types.ProjectReady:
		return p, nil
	}
	p.LifecycleState = types.ProjectReady
	p.UpdatedAt = s.now()
	if err := s.provider.UpdateProject(ctx, *p); err != nil {
		return nil, fmt.Errorf("updating project %q: %w", id, err)
	}
	s.logger.Info("project ready", "project", id)
	return p, nil
}

// Delete soft-deletes a project: the active audit run is cancelled and live
// working copies are discarded. Deleting a deleted project is a no-op, and a
// repeated call finishes a cascade interrupted by an earlier failure.
func (s *Service) Delete(ctx context.Context, id string) error {
	p, err := s.provider.GetProject(ctx, id)
	if err != nil {
		return fmt.Errorf("loading project %q: %w", id, err)
	}
	if !p.IsDeleted() {
		now := s.now()
		p.LifecycleState = types.ProjectDeleted
		p.DeletedAt = &now
		p.UpdatedAt = now
		if err := s.provider.UpdateProject(ctx, *p); err != nil {
			return fmt.Errorf("deleting project %q: %w", id, err)
		}
	}

	if run, err := s.runs.CancelActive(ctx, id, "project deleted"); err != nil {
		return fmt.Errorf("cancelling active audit of %q: %w", id, err)
	} else if run != nil {
		s.logger.Info("cancelled audit of deleted project", "project", id, "auditRun", run.ID)
	}

	copies, err := s.provider.ListWorkingCopies(ctx, id)
	if err != nil {
		return fmt.Errorf("listing working copies of %q: %w", id, err)
	}
	discarded := 0
	for _, wc := range copies {
		if !lifecycle.IsLive(wc.Status) {
			continue
		}
		if err := s.copies.Discard(ctx, wc.ID); err != nil {
			return fmt.Errorf("discarding working copy %q: %w", wc.ID, err)
		}
		discarded++
	}
	s.logger.Info("project deleted", "project", id, "discardedCopies", discarded)
	return nil
}
