// Package workcopy manages mutable working copies: per-owner staging areas
// seeded from a base revision and edited in place until committed.
package workcopy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dwsmith1983/auditlane/internal/ident"
	"github.com/dwsmith1983/auditlane/internal/lifecycle"
	"github.com/dwsmith1983/auditlane/internal/metrics"
	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/internal/sourcefile"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// BlobReader reads content-addressed bytes by digest.
type BlobReader interface {
	GetBlobBySHA(ctx context.Context, sha256 string) ([]byte, error)
}

const (
	casAttempts      = 5
	seedConcurrency  = 8
	maxFileSizeBytes = 4 << 20
)

// Manager implements the working copy operations.
type Manager struct {
	provider provider.Provider
	blobs    BlobReader
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Manager.
func New(prov provider.Provider, blobs BlobReader) *Manager {
	return &Manager{
		provider: prov,
		blobs:    blobs,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetLogger replaces the manager's logger.
func (m *Manager) SetLogger(l *slog.Logger) { m.logger = l }

// Open returns the live working copy for (project, base revision, owner),
// creating and seeding one from the base revision's files when none exists.
// An empty baseRevisionID opens an empty copy.
func (m *Manager) Open(ctx context.Context, projectID, baseRevisionID, ownerUserID string) (*types.WorkingCopy, error) {
	if projectID == "" || ownerUserID == "" {
		return nil, fmt.Errorf("%w: project and owner are required", types.ErrInvalidInput)
	}
	project, err := m.provider.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("loading project %q: %w", projectID, err)
	}
	if project.IsDeleted() {
		return nil, fmt.Errorf("project %q: %w", projectID, types.ErrProjectDeleted)
	}

	if live, err := m.findLive(ctx, projectID, baseRevisionID, ownerUserID); err != nil {
		return nil, err
	} else if live != nil {
		return live, nil
	}

	now := m.now()
	wc := types.WorkingCopy{
		ID:             ident.New(),
		ProjectID:      projectID,
		BaseRevisionID: baseRevisionID,
		OwnerUserID:    ownerUserID,
		Status:         types.WorkingCopyActive,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	files, err := m.seed(ctx, wc)
	if err != nil {
		return nil, err
	}

	got, created, err := m.provider.OpenWorkingCopy(ctx, wc, files)
	if err != nil {
		if errors.Is(err, types.ErrConflict) {
			metrics.Inc(ctx, metrics.Conflicts, "resource", types.ResourceWorkingCopy)
		}
		return nil, fmt.Errorf("opening working copy: %w", err)
	}
	if created {
		m.logger.Info("working copy opened", "workingCopy", got.ID, "project", projectID,
			"baseRevision", baseRevisionID, "owner", ownerUserID, "files", len(files))
	}
	return got, nil
}

func (m *Manager) findLive(ctx context.Context, projectID, baseRevisionID, ownerUserID string) (*types.WorkingCopy, error) {
	copies, err := m.provider.ListWorkingCopies(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing working copies: %w", err)
	}
	key := types.WorkingCopyKey(projectID, baseRevisionID, ownerUserID)
	for i := range copies {
		if copies[i].LiveKey() == key && lifecycle.IsLive(copies[i].Status) {
			return &copies[i], nil
		}
	}
	return nil, nil
}

// seed materialises the base revision's blobs into inline file content.
func (m *Manager) seed(ctx context.Context, wc types.WorkingCopy) ([]types.WorkingCopyFile, error) {
	if wc.BaseRevisionID == "" {
		return nil, nil
	}
	rev, err := m.provider.GetRevision(ctx, wc.BaseRevisionID)
	if err != nil {
		return nil, fmt.Errorf("loading base revision %q: %w", wc.BaseRevisionID, err)
	}
	if rev.ProjectID != wc.ProjectID {
		return nil, fmt.Errorf("%w: revision %q belongs to project %q", types.ErrInvalidInput, rev.ID, rev.ProjectID)
	}
	revFiles, err := m.provider.ListRevisionFiles(ctx, rev.ID)
	if err != nil {
		return nil, fmt.Errorf("listing files of revision %q: %w", rev.ID, err)
	}

	files := make([]types.WorkingCopyFile, len(revFiles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(seedConcurrency)
	for i, rf := range revFiles {
		g.Go(func() error {
			data, err := m.blobs.GetBlobBySHA(gctx, rf.SHA256)
			if err != nil {
				return fmt.Errorf("reading %s: %w", rf.Path, err)
			}
			files[i] = types.WorkingCopyFile{
				WorkingCopyID: wc.ID,
				Path:          rf.Path,
				Content:       data,
				Language:      rf.Language,
				UpdatedAt:     wc.CreatedAt,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("seeding working copy from %q: %w", rev.ID, err)
	}
	return files, nil
}

// WriteFile creates or replaces one file. The copy must be active.
func (m *Manager) WriteFile(ctx context.Context, workingCopyID, filePath string, content []byte) error {
	clean, err := sourcefile.Normalize(filePath)
	if err != nil {
		return err
	}
	if len(content) > maxFileSizeBytes {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", types.ErrInvalidInput, clean, len(content), maxFileSizeBytes)
	}
	err = m.provider.PutWorkingCopyFile(ctx, types.WorkingCopyFile{
		WorkingCopyID: workingCopyID,
		Path:          clean,
		Content:       content,
		Language:      sourcefile.DetectLanguage(clean),
		UpdatedAt:     m.now(),
	})
	if err != nil {
		return fmt.Errorf("writing %s to working copy %q: %w", clean, workingCopyID, err)
	}
	return nil
}

// DeleteFile removes one file. Deleting a missing path is not an error.
func (m *Manager) DeleteFile(ctx context.Context, workingCopyID, filePath string) error {
	clean, err := sourcefile.Normalize(filePath)
	if err != nil {
		return err
	}
	if err := m.provider.DeleteWorkingCopyFile(ctx, workingCopyID, clean); err != nil {
		return fmt.Errorf("deleting %s from working copy %q: %w", clean, workingCopyID, err)
	}
	return nil
}

// Files returns the current content of a working copy, ordered by path.
func (m *Manager) Files(ctx context.Context, workingCopyID string) ([]types.WorkingCopyFile, error) {
	files, err := m.provider.ListWorkingCopyFiles(ctx, workingCopyID)
	if err != nil {
		return nil, fmt.Errorf("listing working copy %q: %w", workingCopyID, err)
	}
	return files, nil
}

// Discard retires the copy and frees its uniqueness slot. Irreversible;
// discarding twice is a no-op.
func (m *Manager) Discard(ctx context.Context, workingCopyID string) error {
	_, err := m.transition(ctx, workingCopyID, func(wc types.WorkingCopy) (types.WorkingCopy, bool, error) {
		if wc.Status == types.WorkingCopyDiscarded {
			return wc, false, nil
		}
		wc.Status = types.WorkingCopyDiscarded
		return wc, true, nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("working copy discarded", "workingCopy", workingCopyID)
	return nil
}

// Lock fences an active copy against edits, typically for the duration of a
// commit. Locking an already locked copy returns ErrWorkingCopyLocked.
func (m *Manager) Lock(ctx context.Context, workingCopyID string) (*types.WorkingCopy, error) {
	return m.transition(ctx, workingCopyID, func(wc types.WorkingCopy) (types.WorkingCopy, bool, error) {
		switch wc.Status {
		case types.WorkingCopyLocked:
			return wc, false, fmt.Errorf("working copy %q: %w", wc.ID, types.ErrWorkingCopyLocked)
		case types.WorkingCopyDiscarded:
			return wc, false, fmt.Errorf("working copy %q: %w", wc.ID, types.ErrWorkingCopyNotActive)
		}
		wc.Status = types.WorkingCopyLocked
		return wc, true, nil
	})
}

// Unlock returns a locked copy to active. Unlocking an active copy is a no-op.
func (m *Manager) Unlock(ctx context.Context, workingCopyID string) (*types.WorkingCopy, error) {
	return m.transition(ctx, workingCopyID, func(wc types.WorkingCopy) (types.WorkingCopy, bool, error) {
		switch wc.Status {
		case types.WorkingCopyActive:
			return wc, false, nil
		case types.WorkingCopyDiscarded:
			return wc, false, fmt.Errorf("working copy %q: %w", wc.ID, types.ErrWorkingCopyNotActive)
		}
		wc.Status = types.WorkingCopyActive
		return wc, true, nil
	})
}

// transition applies fn under version CAS, re-reading on a lost race. fn
// returns changed=false to leave the row untouched.
func (m *Manager) transition(ctx context.Context, id string, fn func(types.WorkingCopy) (types.WorkingCopy, bool, error)) (*types.WorkingCopy, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := m.provider.GetWorkingCopy(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading working copy %q: %w", id, err)
		}
		next, changed, err := fn(*current)
		if err != nil {
			return nil, err
		}
		if !changed {
			return current, nil
		}
		if !lifecycle.CanTransitionWorkingCopy(current.Status, next.Status) {
			return nil, fmt.Errorf("%w: working copy %s -> %s", types.ErrInvalidTransition, current.Status, next.Status)
		}
		next.Version = current.Version + 1
		next.UpdatedAt = m.now()
		ok, err := m.provider.CompareAndSwapWorkingCopy(ctx, id, current.Version, next)
		if err != nil {
			return nil, fmt.Errorf("updating working copy %q: %w", id, err)
		}
		if ok {
			return &next, nil
		}
	}
	return nil, fmt.Errorf("working copy %q changed concurrently %d times: %w", id, casAttempts, types.ErrConflict)
}
