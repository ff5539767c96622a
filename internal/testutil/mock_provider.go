// Package testutil provides shared test utilities for auditlane.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dwsmith1983/auditlane/internal/lifecycle"
	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// Compile-time interface satisfaction check.
var _ provider.Provider = (*MockProvider)(nil)

// MockProvider is an in-memory Provider implementation for testing.
type MockProvider struct {
	mu sync.Mutex

	projects      map[string]types.Project
	blobs         map[string]types.FileBlob // key: sha256
	revisions     map[string]types.Revision
	revisionFiles map[string][]types.RevisionFile
	workingCopies map[string]types.WorkingCopy
	liveCopies    map[string]string                               // key: live key -> working copy id
	wcFiles       map[string]map[string]types.WorkingCopyFile     // wc id -> path -> file
	runs          map[string]types.AuditRun
	activeRuns    map[string]string // project id -> run id
	steps         map[string]types.VerificationStep
	findings      map[string]types.Finding // key: project#fingerprint
	instances     map[string][]types.FindingInstance
	transitions   map[string][]types.FindingTransition
	exports       map[string]types.PdfExport // key: run#variant
	jobEvents     []types.JobEvent

	errs map[string]error
}

// NewMockProvider creates a new in-memory mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		projects:      make(map[string]types.Project),
		blobs:         make(map[string]types.FileBlob),
		revisions:     make(map[string]types.Revision),
		revisionFiles: make(map[string][]types.RevisionFile),
		workingCopies: make(map[string]types.WorkingCopy),
		liveCopies:    make(map[string]string),
		wcFiles:       make(map[string]map[string]types.WorkingCopyFile),
		runs:          make(map[string]types.AuditRun),
		activeRuns:    make(map[string]string),
		steps:         make(map[string]types.VerificationStep),
		findings:      make(map[string]types.Finding),
		instances:     make(map[string][]types.FindingInstance),
		transitions:   make(map[string][]types.FindingTransition),
		exports:       make(map[string]types.PdfExport),
		errs:          make(map[string]error),
	}
}

// FailOn makes the named method return err until cleared with FailOn(method, nil).
func (m *MockProvider) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, method)
		return
	}
	m.errs[method] = err
}

func (m *MockProvider) injected(method string) error {
	return m.errs[method]
}

func findingKey(projectID, fingerprint string) string { return projectID + "#" + fingerprint }

func exportKey(runID string, variant types.PdfExportVariant) string {
	return runID + "#" + string(variant)
}

func (m *MockProvider) CreateProject(_ context.Context, project types.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("CreateProject"); err != nil {
		return err
	}
	if _, ok := m.projects[project.ID]; ok {
		return &types.ConflictError{Resource: types.ResourceProject, Key: project.ID, ExistingID: project.ID}
	}
	m.projects[project.ID] = project
	return nil
}

func (m *MockProvider) GetProject(_ context.Context, id string) (*types.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %q: %w", id, provider.ErrNotFound)
	}
	return &p, nil
}

func (m *MockProvider) UpdateProject(_ context.Context, project types.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[project.ID]; !ok {
		return fmt.Errorf("project %q: %w", project.ID, provider.ErrNotFound)
	}
	m.projects[project.ID] = project
	return nil
}

func (m *MockProvider) InsertBlobIfAbsent(_ context.Context, blob types.FileBlob) (*types.FileBlob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("InsertBlobIfAbsent"); err != nil {
		return nil, false, err
	}
	if existing, ok := m.blobs[blob.SHA256]; ok {
		return &existing, false, nil
	}
	m.blobs[blob.SHA256] = blob
	return &blob, true, nil
}

func (m *MockProvider) GetBlobBySHA(_ context.Context, sha256 string) (*types.FileBlob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[sha256]
	if !ok {
		return nil, fmt.Errorf("blob %q: %w", sha256, provider.ErrNotFound)
	}
	return &b, nil
}

// BlobCount returns the number of stored FileBlob rows (test helper).
func (m *MockProvider) BlobCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}

func (m *MockProvider) CommitRevision(_ context.Context, commit provider.RevisionCommit) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("CommitRevision"); err != nil {
		return false, err
	}
	if _, ok := m.revisions[commit.Revision.ID]; ok {
		return false, &types.ConflictError{Resource: types.ResourceRevision, Key: commit.Revision.ID, ExistingID: commit.Revision.ID}
	}
	if wc := commit.WorkingCopy; wc != nil {
		current, ok := m.workingCopies[wc.ID]
		if !ok || current.Version != commit.ExpectedWorkingCopyVersion {
			return false, nil
		}
		m.swapWorkingCopyLocked(current, *wc)
	}
	m.revisions[commit.Revision.ID] = commit.Revision
	files := make([]types.RevisionFile, len(commit.Files))
	copy(files, commit.Files)
	m.revisionFiles[commit.Revision.ID] = files
	return true, nil
}

func (m *MockProvider) GetRevision(_ context.Context, id string) (*types.Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.revisions[id]
	if !ok {
		return nil, fmt.Errorf("revision %q: %w", id, provider.ErrNotFound)
	}
	return &r, nil
}

func (m *MockProvider) ListRevisions(_ context.Context, projectID string, limit int) ([]types.Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Revision
	for _, r := range m.revisions {
		if r.ProjectID == projectID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockProvider) ListRevisionFiles(_ context.Context, revisionID string) ([]types.RevisionFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.RevisionFile, len(m.revisionFiles[revisionID]))
	copy(out, m.revisionFiles[revisionID])
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// DeleteRevision removes a revision row directly (test helper for simulating corruption).
func (m *MockProvider) DeleteRevision(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.revisions, id)
	delete(m.revisionFiles, id)
}

func (m *MockProvider) OpenWorkingCopy(_ context.Context, wc types.WorkingCopy, files []types.WorkingCopyFile) (*types.WorkingCopy, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("OpenWorkingCopy"); err != nil {
		return nil, false, err
	}
	if id, ok := m.liveCopies[wc.LiveKey()]; ok {
		existing := m.workingCopies[id]
		return &existing, false, nil
	}
	m.workingCopies[wc.ID] = wc
	m.liveCopies[wc.LiveKey()] = wc.ID
	byPath := make(map[string]types.WorkingCopyFile, len(files))
	for _, f := range files {
		byPath[f.Path] = cloneFile(f)
	}
	m.wcFiles[wc.ID] = byPath
	return &wc, true, nil
}

func (m *MockProvider) GetWorkingCopy(_ context.Context, id string) (*types.WorkingCopy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wc, ok := m.workingCopies[id]
	if !ok {
		return nil, fmt.Errorf("working copy %q: %w", id, provider.ErrNotFound)
	}
	return &wc, nil
}

func (m *MockProvider) ListWorkingCopies(_ context.Context, projectID string) ([]types.WorkingCopy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.WorkingCopy
	for _, wc := range m.workingCopies {
		if wc.ProjectID == projectID {
			out = append(out, wc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockProvider) ListWorkingCopyFiles(_ context.Context, workingCopyID string) ([]types.WorkingCopyFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.WorkingCopyFile
	for _, f := range m.wcFiles[workingCopyID] {
		out = append(out, cloneFile(f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *MockProvider) PutWorkingCopyFile(_ context.Context, file types.WorkingCopyFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.activeLocked(file.WorkingCopyID); err != nil {
		return err
	}
	m.wcFiles[file.WorkingCopyID][file.Path] = cloneFile(file)
	return nil
}

func (m *MockProvider) DeleteWorkingCopyFile(_ context.Context, workingCopyID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.activeLocked(workingCopyID); err != nil {
		return err
	}
	delete(m.wcFiles[workingCopyID], path)
	return nil
}

func (m *MockProvider) activeLocked(id string) error {
	wc, ok := m.workingCopies[id]
	if !ok {
		return fmt.Errorf("working copy %q: %w", id, provider.ErrNotFound)
	}
	if wc.Status != types.WorkingCopyActive {
		return fmt.Errorf("working copy %q is %s: %w", id, wc.Status, types.ErrWorkingCopyNotActive)
	}
	if m.wcFiles[id] == nil {
		m.wcFiles[id] = make(map[string]types.WorkingCopyFile)
	}
	return nil
}

func (m *MockProvider) CompareAndSwapWorkingCopy(_ context.Context, id string, expectedVersion int, wc types.WorkingCopy) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.workingCopies[id]
	if !ok || current.Version != expectedVersion {
		return false, nil
	}
	m.swapWorkingCopyLocked(current, wc)
	return true, nil
}

func (m *MockProvider) swapWorkingCopyLocked(current, next types.WorkingCopy) {
	m.workingCopies[current.ID] = next
	if !lifecycle.IsLive(next.Status) && m.liveCopies[current.LiveKey()] == current.ID {
		delete(m.liveCopies, current.LiveKey())
	}
}

// LiveWorkingCopyCount returns how many live copies exist for a triple (test helper).
func (m *MockProvider) LiveWorkingCopyCount(projectID, baseRevisionID, ownerUserID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, wc := range m.workingCopies {
		if wc.LiveKey() == types.WorkingCopyKey(projectID, baseRevisionID, ownerUserID) && lifecycle.IsLive(wc.Status) {
			n++
		}
	}
	return n
}

func (m *MockProvider) CreateAuditRun(_ context.Context, run types.AuditRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("CreateAuditRun"); err != nil {
		return err
	}
	if existing, ok := m.activeRuns[run.ProjectID]; ok && lifecycle.IsActive(run.Status) {
		return &types.ConflictError{Resource: types.ResourceAuditRun, Key: run.ProjectID, ExistingID: existing}
	}
	m.runs[run.ID] = run
	if lifecycle.IsActive(run.Status) {
		m.activeRuns[run.ProjectID] = run.ID
	}
	return nil
}

func (m *MockProvider) GetAuditRun(_ context.Context, id string) (*types.AuditRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("audit run %q: %w", id, provider.ErrNotFound)
	}
	return &r, nil
}

func (m *MockProvider) ListAuditRuns(_ context.Context, projectID string, limit int) ([]types.AuditRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.AuditRun
	for _, r := range m.runs {
		if r.ProjectID == projectID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockProvider) GetActiveAuditRun(_ context.Context, projectID string) (*types.AuditRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.activeRuns[projectID]
	if !ok {
		return nil, fmt.Errorf("active audit run for %q: %w", projectID, provider.ErrNotFound)
	}
	r := m.runs[id]
	return &r, nil
}

// ActiveRunCount counts queued or running runs for a project (test helper).
func (m *MockProvider) ActiveRunCount(projectID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.runs {
		if r.ProjectID == projectID && lifecycle.IsActive(r.Status) {
			n++
		}
	}
	return n
}

func (m *MockProvider) CompareAndSwapAuditRun(_ context.Context, id string, expectedVersion int, run types.AuditRun) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("CompareAndSwapAuditRun"); err != nil {
		return false, err
	}
	current, ok := m.runs[id]
	if !ok || current.Version != expectedVersion {
		return false, nil
	}
	m.runs[id] = run
	if !lifecycle.IsActive(run.Status) && m.activeRuns[run.ProjectID] == id {
		delete(m.activeRuns, run.ProjectID)
	}
	return true, nil
}

func (m *MockProvider) LatestCompletedAuditRun(_ context.Context, projectID string) (*types.AuditRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest, ok := m.latestCompletedLocked(projectID, "")
	if !ok {
		return nil, fmt.Errorf("completed audit run for %q: %w", projectID, provider.ErrNotFound)
	}
	return &latest, nil
}

func (m *MockProvider) latestCompletedLocked(projectID, exclude string) (types.AuditRun, bool) {
	var latest types.AuditRun
	found := false
	for _, r := range m.runs {
		if r.ProjectID != projectID || r.Status != types.RunCompleted || r.ID == exclude || r.FinishedAt == nil {
			continue
		}
		if !found || r.FinishedAt.After(*latest.FinishedAt) ||
			(r.FinishedAt.Equal(*latest.FinishedAt) && r.ID > latest.ID) {
			latest = r
			found = true
		}
	}
	return latest, found
}

func (m *MockProvider) CompleteAuditRun(_ context.Context, c provider.Completion) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("CompleteAuditRun"); err != nil {
		return false, err
	}
	current, ok := m.runs[c.Run.ID]
	if !ok || current.Version != c.ExpectedVersion {
		return false, nil
	}
	prev, _ := m.latestCompletedLocked(c.Run.ProjectID, c.Run.ID)
	if prev.ID != c.PreviousRunID {
		return false, fmt.Errorf("expected %q, found %q: %w", c.PreviousRunID, prev.ID, provider.ErrStalePredecessor)
	}

	m.runs[c.Run.ID] = c.Run
	if m.activeRuns[c.Run.ProjectID] == c.Run.ID {
		delete(m.activeRuns, c.Run.ProjectID)
	}
	for _, f := range c.Findings {
		m.findings[findingKey(f.ProjectID, f.StableFingerprint)] = f
	}
	for _, inst := range c.Instances {
		if !hasInstance(m.instances[inst.AuditRunID], inst.FindingID) {
			m.instances[inst.AuditRunID] = append(m.instances[inst.AuditRunID], inst)
		}
	}
	for _, tr := range c.Transitions {
		if !hasTransition(m.transitions[tr.FindingID], tr) {
			m.transitions[tr.FindingID] = append(m.transitions[tr.FindingID], tr)
		}
	}
	return true, nil
}

func hasInstance(list []types.FindingInstance, findingID string) bool {
	for _, i := range list {
		if i.FindingID == findingID {
			return true
		}
	}
	return false
}

func hasTransition(list []types.FindingTransition, tr types.FindingTransition) bool {
	for _, t := range list {
		if t.FromAuditRunID == tr.FromAuditRunID && t.ToAuditRunID == tr.ToAuditRunID {
			return true
		}
	}
	return false
}

func (m *MockProvider) PutVerificationStep(_ context.Context, step types.VerificationStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.steps[step.ID]; ok {
		return fmt.Errorf("verification step %q already exists: %w", step.ID, types.ErrConflict)
	}
	m.steps[step.ID] = step
	return nil
}

func (m *MockProvider) GetVerificationStep(_ context.Context, id string) (*types.VerificationStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[id]
	if !ok {
		return nil, fmt.Errorf("verification step %q: %w", id, provider.ErrNotFound)
	}
	return &s, nil
}

func (m *MockProvider) ListVerificationSteps(_ context.Context, auditRunID string) ([]types.VerificationStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.VerificationStep
	for _, s := range m.steps {
		if s.AuditRunID == auditRunID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockProvider) CompareAndSwapVerificationStep(_ context.Context, id string, expectedVersion int, step types.VerificationStep) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.steps[id]
	if !ok || current.Version != expectedVersion {
		return false, nil
	}
	m.steps[id] = step
	return true, nil
}

func (m *MockProvider) GetFindingByFingerprint(_ context.Context, projectID, fingerprint string) (*types.Finding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.findings[findingKey(projectID, fingerprint)]
	if !ok {
		return nil, fmt.Errorf("finding %q: %w", fingerprint, provider.ErrNotFound)
	}
	return &f, nil
}

func (m *MockProvider) ListFindings(_ context.Context, projectID string) ([]types.Finding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Finding
	for _, f := range m.findings {
		if f.ProjectID == projectID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StableFingerprint < out[j].StableFingerprint })
	return out, nil
}

func (m *MockProvider) ListFindingInstances(_ context.Context, auditRunID string) ([]types.FindingInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.FindingInstance, len(m.instances[auditRunID]))
	copy(out, m.instances[auditRunID])
	sort.Slice(out, func(i, j int) bool { return out[i].FindingID < out[j].FindingID })
	return out, nil
}

func (m *MockProvider) ListFindingTransitions(_ context.Context, findingID string) ([]types.FindingTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.FindingTransition, len(m.transitions[findingID]))
	copy(out, m.transitions[findingID])
	sort.Slice(out, func(i, j int) bool { return out[i].ToAuditRunID < out[j].ToAuditRunID })
	return out, nil
}

func (m *MockProvider) CreatePdfExport(_ context.Context, export types.PdfExport) (*types.PdfExport, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := exportKey(export.AuditRunID, export.Variant)
	if existing, ok := m.exports[key]; ok {
		return &existing, false, nil
	}
	m.exports[key] = export
	return &export, true, nil
}

func (m *MockProvider) GetPdfExport(_ context.Context, auditRunID string, variant types.PdfExportVariant) (*types.PdfExport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exports[exportKey(auditRunID, variant)]
	if !ok {
		return nil, fmt.Errorf("pdf export %s/%s: %w", auditRunID, variant, provider.ErrNotFound)
	}
	return &e, nil
}

func (m *MockProvider) CompareAndSwapPdfExport(_ context.Context, expectedVersion int, export types.PdfExport) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := exportKey(export.AuditRunID, export.Variant)
	current, ok := m.exports[key]
	if !ok || current.Version != expectedVersion {
		return false, nil
	}
	m.exports[key] = export
	return true, nil
}

func (m *MockProvider) AppendJobEvent(_ context.Context, event types.JobEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("AppendJobEvent"); err != nil {
		return err
	}
	m.jobEvents = append(m.jobEvents, event)
	return nil
}

func (m *MockProvider) ListJobEvents(_ context.Context, projectID string, limit int) ([]types.JobEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.JobEvent
	for i := len(m.jobEvents) - 1; i >= 0; i-- {
		if m.jobEvents[i].ProjectID == projectID {
			out = append(out, m.jobEvents[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MockProvider) Start(_ context.Context) error { return nil }
func (m *MockProvider) Stop(_ context.Context) error  { return nil }
func (m *MockProvider) Ping(_ context.Context) error  { return m.injected("Ping") }

func cloneFile(f types.WorkingCopyFile) types.WorkingCopyFile {
	f.Content = append([]byte(nil), f.Content...)
	return f
}
