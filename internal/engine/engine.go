// Package engine defines the external collaborators the audit pipeline drives
// (ingest probes, the auditor, the PDF renderer) and the transports used to
// reach them.
package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dwsmith1983/auditlane/internal/findings"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// Operation names understood by engine endpoints.
const (
	OpIngest = "ingest"
	OpAudit  = "audit"
	OpRender = "render"
)

// FileRef points an engine at one revision file in the blob store.
type FileRef struct {
	Path       string         `json:"path"`
	SHA256     string         `json:"sha256"`
	Size       int64          `json:"size"`
	Language   types.Language `json:"language"`
	IsTestFile bool           `json:"isTestFile"`
}

// IngestRequest asks an engine to probe a freshly committed revision.
type IngestRequest struct {
	ProjectID  string    `json:"projectId"`
	RevisionID string    `json:"revisionId"`
	Files      []FileRef `json:"files"`
}

// AuditRequest asks the auditor to analyse one revision.
type AuditRequest struct {
	AuditRunID string             `json:"auditRunId"`
	ProjectID  string             `json:"projectId"`
	RevisionID string             `json:"revisionId"`
	Options    types.AuditOptions `json:"options"`
	Files      []FileRef          `json:"files"`
}

// StepResult is one verification sub-task the auditor ran.
type StepResult struct {
	StepType   string                       `json:"stepType"`
	Toolchain  string                       `json:"toolchain,omitempty"`
	Status     types.VerificationStepStatus `json:"status"`
	Summary    string                       `json:"summary,omitempty"`
	Stdout     []byte                       `json:"stdout,omitempty"`
	Stderr     []byte                       `json:"stderr,omitempty"`
	DurationMs int64                        `json:"durationMs"`
}

// AuditReport is the auditor's output for one run.
type AuditReport struct {
	Report   json.RawMessage     `json:"report"`
	Findings []findings.Reported `json:"findings"`
	Steps    []StepResult        `json:"steps,omitempty"`
}

// RenderRequest asks the renderer to produce one PDF variant of a report.
type RenderRequest struct {
	AuditRunID string                 `json:"auditRunId"`
	ProjectID  string                 `json:"projectId"`
	Variant    types.PdfExportVariant `json:"variant"`
	Report     json.RawMessage        `json:"report"`
}

// RenderResult locates the rendered document.
type RenderResult struct {
	ObjectKey string `json:"objectKey"`
}

// Ingester probes a committed revision.
type Ingester interface {
	Ingest(ctx context.Context, req IngestRequest) error
}

// Auditor analyses a revision and reports findings.
type Auditor interface {
	Audit(ctx context.Context, req AuditRequest) (*AuditReport, error)
}

// Renderer produces PDF exports.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (*RenderResult, error)
}

// Invoker performs one request/response exchange with an engine endpoint.
type Invoker interface {
	Invoke(ctx context.Context, op string, in, out any) error
}

// Error is a failure the engine itself reported. It is never retried.
type Error struct {
	Op      string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("engine %s failed: %s", e.Op, e.Message)
}

// Client implements Ingester, Auditor and Renderer over an Invoker.
type Client struct {
	invoker Invoker
}

// NewClient creates a Client.
func NewClient(inv Invoker) *Client {
	return &Client{invoker: inv}
}

// Ingest implements Ingester.
func (c *Client) Ingest(ctx context.Context, req IngestRequest) error {
	return c.invoker.Invoke(ctx, OpIngest, req, nil)
}

// Audit implements Auditor. The report's findings are validated before
// they reach the lifecycle engine.
func (c *Client) Audit(ctx context.Context, req AuditRequest) (*AuditReport, error) {
	var report AuditReport
	if err := c.invoker.Invoke(ctx, OpAudit, req, &report); err != nil {
		return nil, err
	}
	if err := findings.Validate(report.Findings); err != nil {
		return nil, &Error{Op: OpAudit, Message: err.Error()}
	}
	return &report, nil
}

// Render implements Renderer.
func (c *Client) Render(ctx context.Context, req RenderRequest) (*RenderResult, error) {
	var res RenderResult
	if err := c.invoker.Invoke(ctx, OpRender, req, &res); err != nil {
		return nil, err
	}
	if res.ObjectKey == "" {
		return nil, &Error{Op: OpRender, Message: "renderer returned no object key"}
	}
	return &res, nil
}

// FileRefs converts revision files into engine references.
func FileRefs(files []types.RevisionFile) []FileRef {
	refs := make([]FileRef, len(files))
	for i, f := range files {
		refs[i] = FileRef{
			Path:       f.Path,
			SHA256:     f.SHA256,
			Size:       f.Size,
			Language:   f.Language,
			IsTestFile: f.IsTestFile,
		}
	}
	return refs
}
