package lambda

import (
	"context"
	"fmt"

	"github.com/dwsmith1983/auditlane/internal/watchdog"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// HandleControl dispatches an operator action. Domain failures are reported
// in the response; only malformed requests return an error.
func HandleControl(ctx context.Context, d *Deps, req ControlRequest) (ControlResponse, error) {
	switch req.Action {
	case ActionRequestAudit:
		return requestAudit(ctx, d, req)
	case ActionCancelAudit:
		return cancelAudit(ctx, d, req)
	case ActionRetryAudit:
		return retryAudit(ctx, d, req)
	case ActionRequestExport:
		return requestExport(ctx, d, req)
	case ActionReplayFindings:
		return replayFindings(ctx, d, req)
	case ActionDeleteProject:
		return deleteProject(ctx, d, req)
	case ActionSweep:
		return sweep(ctx, d, req)
	default:
		return ControlResponse{}, fmt.Errorf("%w: unknown action %q", types.ErrInvalidInput, req.Action)
	}
}

func requestAudit(ctx context.Context, d *Deps, req ControlRequest) (ControlResponse, error) {
	run, err := d.Runs.RequestAudit(ctx, req.ProjectID, req.RevisionID, req.RequestedBy, req.Options)
	if err != nil {
		return failure(req.Action, err), nil
	}
	return runResponse(req.Action, run), nil
}

func cancelAudit(ctx context.Context, d *Deps, req ControlRequest) (ControlResponse, error) {
	run, err := d.Runs.Cancel(ctx, req.AuditRunID, req.Reason)
	if err != nil {
		return failure(req.Action, err), nil
	}
	return runResponse(req.Action, run), nil
}

func retryAudit(ctx context.Context, d *Deps, req ControlRequest) (ControlResponse, error) {
	run, err := d.Runs.Retry(ctx, req.AuditRunID, req.RequestedBy)
	if err != nil {
		return failure(req.Action, err), nil
	}
	return runResponse(req.Action, run), nil
}

func requestExport(ctx context.Context, d *Deps, req ControlRequest) (ControlResponse, error) {
	exp, err := d.Exports.Request(ctx, req.AuditRunID, req.Variant)
	if err != nil {
		return failure(req.Action, err), nil
	}
	return ControlResponse{
		Action: req.Action,
		Result: "ok",
		Payload: map[string]interface{}{
			"auditRunId": exp.AuditRunID,
			"variant":    string(exp.Variant),
			"status":     string(exp.Status),
		},
	}, nil
}

func replayFindings(ctx context.Context, d *Deps, req ControlRequest) (ControlResponse, error) {
	report, err := d.Findings.Replay(ctx, req.ProjectID)
	if err != nil {
		return failure(req.Action, err), nil
	}
	mismatches := make([]string, 0, len(report.Mismatches))
	for _, m := range report.Mismatches {
		mismatches = append(mismatches, m.FindingID)
	}
	return ControlResponse{
		Action: req.Action,
		Result: "ok",
		Payload: map[string]interface{}{
			"findings":    report.Findings,
			"transitions": report.Transitions,
			"mismatches":  mismatches,
		},
	}, nil
}

func deleteProject(ctx context.Context, d *Deps, req ControlRequest) (ControlResponse, error) {
	if err := d.Projects.Delete(ctx, req.ProjectID); err != nil {
		return failure(req.Action, err), nil
	}
	return ControlResponse{Action: req.Action, Result: "ok"}, nil
}

func sweep(ctx context.Context, d *Deps, req ControlRequest) (ControlResponse, error) {
	ids := req.ProjectIDs
	if req.ProjectID != "" {
		ids = append(ids, req.ProjectID)
	}
	if len(ids) == 0 {
		return ControlResponse{}, fmt.Errorf("%w: sweep needs at least one project", types.ErrInvalidInput)
	}
	report := watchdog.Sweep(ctx, d.WatchdogOptions(), ids)

	stuck := make([]string, 0, len(report.StuckRuns))
	for _, r := range report.StuckRuns {
		stuck = append(stuck, r.AuditRunID)
	}
	abandoned := make([]string, 0, len(report.AbandonedCopies))
	for _, c := range report.AbandonedCopies {
		abandoned = append(abandoned, c.WorkingCopyID)
	}
	return ControlResponse{
		Action: req.Action,
		Result: "ok",
		Payload: map[string]interface{}{
			"stuckRuns":       stuck,
			"abandonedCopies": abandoned,
		},
	}, nil
}

func runResponse(action string, run *types.AuditRun) ControlResponse {
	return ControlResponse{
		Action: action,
		Result: "ok",
		Payload: map[string]interface{}{
			"auditRunId": run.ID,
			"status":     string(run.Status),
		},
	}
}

func failure(action string, err error) ControlResponse {
	result := "error"
	if types.Classify(err) == types.ClassConflict {
		result = "conflict"
	}
	return ControlResponse{
		Action: action,
		Result: result,
		Payload: map[string]interface{}{
			"error": err.Error(),
			"class": string(types.Classify(err)),
		},
	}
}
