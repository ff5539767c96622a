// Package revision commits immutable snapshots of a project's file tree,
// either from an edited working copy or from a fresh upload.
package revision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dwsmith1983/auditlane/internal/dispatch"
	"github.com/dwsmith1983/auditlane/internal/ident"
	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/internal/sourcefile"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// BlobWriter stores content-addressed bytes.
type BlobWriter interface {
	PutBlob(ctx context.Context, data []byte) (types.BlobRef, error)
}

// Fencer locks and unlocks working copies around a commit.
type Fencer interface {
	Lock(ctx context.Context, workingCopyID string) (*types.WorkingCopy, error)
	Unlock(ctx context.Context, workingCopyID string) (*types.WorkingCopy, error)
}

// Enqueuer places pipeline jobs. *dispatch.Dispatcher satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, step types.JobStep, payload types.JobPayload, jobID string) (dispatch.JobHandle, error)
}

// UploadFile is one file of a fresh upload.
type UploadFile struct {
	Path    string
	Content []byte
}

// UploadOptions qualify a CommitUpload.
type UploadOptions struct {
	ParentRevisionID string
	CreatedBy        string
	Message          string
}

const uploadConcurrency = 8

// Store implements the revision commit operations.
type Store struct {
	provider provider.Provider
	blobs    BlobWriter
	fence    Fencer
	jobs     Enqueuer
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Store.
func New(prov provider.Provider, blobs BlobWriter, fence Fencer) *Store {
	return &Store{
		provider: prov,
		blobs:    blobs,
		fence:    fence,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetLogger replaces the store's logger.
func (s *Store) SetLogger(l *slog.Logger) { s.logger = l }

// SetJobs enables enqueueing an ingest job for every committed revision.
func (s *Store) SetJobs(j Enqueuer) { s.jobs = j }

// EnqueueIngest (re-)enqueues the ingest job of a committed revision. The job
// id is derived from the revision, so repeats are absorbed by the broker.
func (s *Store) EnqueueIngest(ctx context.Context, revisionID string) error {
	if s.jobs == nil {
		return nil
	}
	rev, err := s.provider.GetRevision(ctx, revisionID)
	if err != nil {
		return fmt.Errorf("loading revision %q: %w", revisionID, err)
	}
	payload := types.JobPayload{ProjectID: rev.ProjectID, RevisionID: rev.ID}
	if _, err := s.jobs.Enqueue(ctx, types.StepIngest, payload, dispatch.IngestJobID(rev.ID)); err != nil {
		return fmt.Errorf("enqueueing ingest for %q: %w", rev.ID, err)
	}
	return nil
}

// CommitWorkingCopy snapshots a working copy into a new revision and retires
// the copy in the same atomic write, then enqueues the revision's ingest job.
// Re-committing an already committed copy returns the revision it produced
// and enqueues again, so a caller that saw ErrBrokerUnavailable can retry.
func (s *Store) CommitWorkingCopy(ctx context.Context, workingCopyID string) (string, error) {
	revisionID, err := s.commitWorkingCopy(ctx, workingCopyID)
	if err != nil {
		return "", err
	}
	if err := s.EnqueueIngest(ctx, revisionID); err != nil {
		return revisionID, err
	}
	return revisionID, nil
}

func (s *Store) commitWorkingCopy(ctx context.Context, workingCopyID string) (string, error) {
	wc, err := s.provider.GetWorkingCopy(ctx, workingCopyID)
	if err != nil {
		return "", fmt.Errorf("loading working copy %q: %w", workingCopyID, err)
	}
	if wc.CommittedRevisionID != "" {
		return wc.CommittedRevisionID, nil
	}
	if wc.Status == types.WorkingCopyDiscarded {
		return "", fmt.Errorf("working copy %q: %w", workingCopyID, types.ErrWorkingCopyNotActive)
	}
	if err := s.checkProject(ctx, wc.ProjectID); err != nil {
		return "", err
	}

	locked, err := s.fence.Lock(ctx, workingCopyID)
	if err != nil {
		if current, gerr := s.provider.GetWorkingCopy(ctx, workingCopyID); gerr == nil && current.CommittedRevisionID != "" {
			return current.CommittedRevisionID, nil
		}
		return "", fmt.Errorf("locking working copy: %w", err)
	}

	revisionID, err := s.commitLocked(ctx, *locked)
	if err != nil {
		if _, uerr := s.fence.Unlock(ctx, workingCopyID); uerr != nil {
			s.logger.Warn("failed to unlock working copy after aborted commit",
				"workingCopy", workingCopyID, "error", uerr)
		}
		return "", err
	}
	return revisionID, nil
}

func (s *Store) commitLocked(ctx context.Context, wc types.WorkingCopy) (string, error) {
	wcFiles, err := s.provider.ListWorkingCopyFiles(ctx, wc.ID)
	if err != nil {
		return "", fmt.Errorf("listing working copy files: %w", err)
	}
	uploads := make([]UploadFile, len(wcFiles))
	for i, f := range wcFiles {
		uploads[i] = UploadFile{Path: f.Path, Content: f.Content}
	}

	rev := types.Revision{
		ID:               ident.New(),
		ProjectID:        wc.ProjectID,
		ParentRevisionID: wc.BaseRevisionID,
		Source:           types.SourceWorkingCopy,
		IsImmutable:      true,
		CreatedBy:        wc.OwnerUserID,
		FileCount:        len(uploads),
		CreatedAt:        s.now(),
	}
	files, err := s.storeFiles(ctx, rev.ID, uploads)
	if err != nil {
		return "", err
	}

	retired := wc
	retired.Status = types.WorkingCopyDiscarded
	retired.Version = wc.Version + 1
	retired.CommittedRevisionID = rev.ID
	retired.UpdatedAt = rev.CreatedAt

	ok, err := s.provider.CommitRevision(ctx, provider.RevisionCommit{
		Revision:                   rev,
		Files:                      files,
		WorkingCopy:                &retired,
		ExpectedWorkingCopyVersion: wc.Version,
	})
	if err != nil {
		return "", fmt.Errorf("committing revision: %w", err)
	}
	if !ok {
		// Lost the version race; a concurrent commit may already have won.
		current, gerr := s.provider.GetWorkingCopy(ctx, wc.ID)
		if gerr == nil && current.CommittedRevisionID != "" {
			return current.CommittedRevisionID, nil
		}
		return "", fmt.Errorf("working copy %q changed during commit: %w", wc.ID, types.ErrConflict)
	}

	s.logger.Info("revision committed", "revision", rev.ID, "project", rev.ProjectID,
		"workingCopy", wc.ID, "parent", rev.ParentRevisionID, "files", rev.FileCount)
	return rev.ID, nil
}

// CommitUpload creates a root revision (or a child of opts.ParentRevisionID)
// from uploaded files and enqueues its ingest job. When only the enqueue
// fails, the revision id is returned alongside the error; retry with
// EnqueueIngest.
func (s *Store) CommitUpload(ctx context.Context, projectID string, uploads []UploadFile, opts UploadOptions) (string, error) {
	if projectID == "" {
		return "", fmt.Errorf("%w: project is required", types.ErrInvalidInput)
	}
	if err := s.checkProject(ctx, projectID); err != nil {
		return "", err
	}
	if opts.ParentRevisionID != "" {
		parent, err := s.provider.GetRevision(ctx, opts.ParentRevisionID)
		if err != nil {
			return "", fmt.Errorf("loading parent revision %q: %w", opts.ParentRevisionID, err)
		}
		if parent.ProjectID != projectID {
			return "", fmt.Errorf("%w: parent revision %q belongs to project %q", types.ErrInvalidInput, parent.ID, parent.ProjectID)
		}
	}

	normalized, err := normalizeUploads(uploads)
	if err != nil {
		return "", err
	}

	rev := types.Revision{
		ID:               ident.New(),
		ProjectID:        projectID,
		ParentRevisionID: opts.ParentRevisionID,
		Source:           types.SourceUpload,
		IsImmutable:      true,
		CreatedBy:        opts.CreatedBy,
		Message:          opts.Message,
		FileCount:        len(normalized),
		CreatedAt:        s.now(),
	}
	files, err := s.storeFiles(ctx, rev.ID, normalized)
	if err != nil {
		return "", err
	}
	if _, err := s.provider.CommitRevision(ctx, provider.RevisionCommit{Revision: rev, Files: files}); err != nil {
		return "", fmt.Errorf("committing revision: %w", err)
	}

	s.logger.Info("revision committed", "revision", rev.ID, "project", projectID,
		"source", rev.Source, "files", rev.FileCount)
	if err := s.EnqueueIngest(ctx, rev.ID); err != nil {
		return rev.ID, err
	}
	return rev.ID, nil
}

func normalizeUploads(uploads []UploadFile) ([]UploadFile, error) {
	seen := make(map[string]bool, len(uploads))
	out := make([]UploadFile, 0, len(uploads))
	for _, u := range uploads {
		clean, err := sourcefile.Normalize(u.Path)
		if err != nil {
			return nil, err
		}
		if seen[clean] {
			return nil, fmt.Errorf("%w: duplicate path %q", types.ErrInvalidInput, clean)
		}
		seen[clean] = true
		out = append(out, UploadFile{Path: clean, Content: u.Content})
	}
	return out, nil
}

// storeFiles uploads every file's content and builds the RevisionFile rows.
func (s *Store) storeFiles(ctx context.Context, revisionID string, uploads []UploadFile) ([]types.RevisionFile, error) {
	files := make([]types.RevisionFile, len(uploads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for i, u := range uploads {
		g.Go(func() error {
			ref, err := s.blobs.PutBlob(gctx, u.Content)
			if err != nil {
				return fmt.Errorf("storing %s: %w", u.Path, err)
			}
			files[i] = types.RevisionFile{
				RevisionID: revisionID,
				Path:       u.Path,
				BlobID:     ref.ID,
				SHA256:     ref.SHA256,
				Size:       ref.Size,
				Language:   sourcefile.DetectLanguage(u.Path),
				IsTestFile: sourcefile.IsTestFile(u.Path),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return files, nil
}

func (s *Store) checkProject(ctx context.Context, projectID string) error {
	p, err := s.provider.GetProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("loading project %q: %w", projectID, err)
	}
	if p.IsDeleted() {
		return fmt.Errorf("project %q: %w", projectID, types.ErrProjectDeleted)
	}
	return nil
}

// Get returns a revision by id.
func (s *Store) Get(ctx context.Context, id string) (*types.Revision, error) {
	return s.provider.GetRevision(ctx, id)
}

// Files returns a revision's files ordered by path.
func (s *Store) Files(ctx context.Context, id string) ([]types.RevisionFile, error) {
	return s.provider.ListRevisionFiles(ctx, id)
}

// Ancestors walks ParentRevisionID back-references from id, nearest first,
// stopping at a root or after limit hops when limit > 0.
func (s *Store) Ancestors(ctx context.Context, id string, limit int) ([]types.Revision, error) {
	var out []types.Revision
	seen := map[string]bool{id: true}
	cur, err := s.provider.GetRevision(ctx, id)
	if err != nil {
		return nil, err
	}
	for cur.ParentRevisionID != "" && (limit <= 0 || len(out) < limit) {
		if seen[cur.ParentRevisionID] {
			return nil, fmt.Errorf("%w: revision cycle at %q", types.ErrCorruption, cur.ParentRevisionID)
		}
		seen[cur.ParentRevisionID] = true
		parent, err := s.provider.GetRevision(ctx, cur.ParentRevisionID)
		if err != nil {
			if errors.Is(err, provider.ErrNotFound) {
				return nil, fmt.Errorf("%w: parent %q of %q missing", types.ErrCorruption, cur.ParentRevisionID, cur.ID)
			}
			return nil, err
		}
		out = append(out, *parent)
		cur = parent
	}
	return out, nil
}
