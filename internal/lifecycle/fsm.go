// Package lifecycle implements the state machines for audit runs, verification
// steps, working copies and PDF exports.
package lifecycle

import (
	"fmt"

	"github.com/dwsmith1983/auditlane/pkg/types"
)

// Transition table: from -> allowed tos
var runTransitions = map[types.AuditRunStatus][]types.AuditRunStatus{
	types.RunQueued:    {types.RunRunning, types.RunCancelled},
	types.RunRunning:   {types.RunCompleted, types.RunFailed, types.RunCancelled},
	types.RunCompleted: {},
	types.RunFailed:    {},
	types.RunCancelled: {},
}

var stepTransitions = map[types.VerificationStepStatus][]types.VerificationStepStatus{
	types.StepQueued:    {types.StepRunning, types.StepSkipped, types.StepFailed},
	types.StepRunning:   {types.StepCompleted, types.StepFailed, types.StepSkipped},
	types.StepCompleted: {},
	types.StepFailed:    {},
	types.StepSkipped:   {},
}

var workingCopyTransitions = map[types.WorkingCopyStatus][]types.WorkingCopyStatus{
	types.WorkingCopyActive:    {types.WorkingCopyLocked, types.WorkingCopyDiscarded},
	types.WorkingCopyLocked:    {types.WorkingCopyActive, types.WorkingCopyDiscarded},
	types.WorkingCopyDiscarded: {},
}

var exportTransitions = map[types.PdfExportStatus][]types.PdfExportStatus{
	types.ExportQueued:    {types.ExportRendering, types.ExportFailed},
	types.ExportRendering: {types.ExportCompleted, types.ExportFailed},
	types.ExportCompleted: {},
	types.ExportFailed:    {types.ExportQueued},
}

func allowed[S comparable](table map[S][]S, from, to S) bool {
	tos, ok := table[from]
	if !ok {
		return false
	}
	for _, s := range tos {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransition checks if transitioning an audit run from one status to another is valid.
func CanTransition(from, to types.AuditRunStatus) bool {
	return allowed(runTransitions, from, to)
}

// Transition validates an audit run status change.
func Transition(from, to types.AuditRunStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: audit run %s -> %s", types.ErrInvalidTransition, from, to)
	}
	return nil
}

// IsTerminal returns true if the audit run status is final.
func IsTerminal(status types.AuditRunStatus) bool {
	return status == types.RunCompleted || status == types.RunFailed || status == types.RunCancelled
}

// IsActive returns true for the statuses covered by the one-active-run-per-project invariant.
func IsActive(status types.AuditRunStatus) bool {
	return status == types.RunQueued || status == types.RunRunning
}

// CanTransitionStep checks a verification step status change.
func CanTransitionStep(from, to types.VerificationStepStatus) bool {
	return allowed(stepTransitions, from, to)
}

// IsStepTerminal returns true if the verification step status is final.
func IsStepTerminal(status types.VerificationStepStatus) bool {
	return status == types.StepCompleted || status == types.StepFailed || status == types.StepSkipped
}

// CanTransitionWorkingCopy checks a working copy status change.
func CanTransitionWorkingCopy(from, to types.WorkingCopyStatus) bool {
	return allowed(workingCopyTransitions, from, to)
}

// IsLive returns true while a working copy still holds its uniqueness slot.
func IsLive(status types.WorkingCopyStatus) bool {
	return status == types.WorkingCopyActive || status == types.WorkingCopyLocked
}

// CanTransitionExport checks a PDF export status change. Failed exports may be re-queued.
func CanTransitionExport(from, to types.PdfExportStatus) bool {
	return allowed(exportTransitions, from, to)
}
