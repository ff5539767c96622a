// Package findings implements the finding lifecycle: each completed audit
// run's reported fingerprints are merged into project-scoped Findings and
// classified against the previous completed run.
package findings

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dwsmith1983/auditlane/internal/ident"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// Reported is one finding occurrence produced by an audit run.
type Reported struct {
	Fingerprint string          `json:"fingerprint"`
	Severity    types.Severity  `json:"severity"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Diff is the set of rows a completion writes.
type Diff struct {
	Findings    []types.Finding
	Instances   []types.FindingInstance
	Transitions []types.FindingTransition
}

// Counts tallies transitions by kind.
func (d Diff) Counts() map[types.FindingStatus]int {
	out := make(map[types.FindingStatus]int)
	for _, tr := range d.Transitions {
		out[tr.Transition]++
	}
	return out
}

// Input is everything Compute needs. Existing holds the project's findings;
// PreviousFindingIDs the findings the previous completed run reported.
type Input struct {
	Run                types.AuditRun
	PreviousRunID      string
	Reported           []Reported
	Existing           []types.Finding
	PreviousFindingIDs map[string]bool
	Now                time.Time
}

// MaxFingerprintLength bounds a stable fingerprint to the width of its
// stored column.
const MaxFingerprintLength = 255

// Validate rejects empty or oversized fingerprints and unknown severities.
func Validate(reported []Reported) error {
	for i, r := range reported {
		if r.Fingerprint == "" {
			return fmt.Errorf("%w: finding %d has no fingerprint", types.ErrInvalidInput, i)
		}
		if len(r.Fingerprint) > MaxFingerprintLength {
			return fmt.Errorf("%w: finding %d fingerprint longer than %d bytes", types.ErrInvalidInput, i, MaxFingerprintLength)
		}
		if !r.Severity.Valid() {
			return fmt.Errorf("%w: finding %q has severity %q", types.ErrInvalidInput, r.Fingerprint, r.Severity)
		}
	}
	return nil
}

// Compute classifies every reported and previously present finding:
//
//	present now, absent before, never resolved  -> opened
//	present now, absent before, resolved before -> regressed
//	present in both                             -> unchanged
//	absent now, present before                  -> resolved
//
// A transition row is written only when a previous run exists and the
// finding's status actually changes. Duplicate fingerprints keep the first
// occurrence.
func Compute(in Input) Diff {
	byFingerprint := make(map[string]types.Finding, len(in.Existing))
	byID := make(map[string]types.Finding, len(in.Existing))
	for _, f := range in.Existing {
		byFingerprint[f.StableFingerprint] = f
		byID[f.ID] = f
	}

	var d Diff
	seen := make(map[string]bool, len(in.Reported))
	present := make(map[string]bool, len(in.Reported))

	for _, r := range in.Reported {
		if seen[r.Fingerprint] {
			continue
		}
		seen[r.Fingerprint] = true

		f, exists := byFingerprint[r.Fingerprint]
		var next types.FindingStatus
		switch {
		case !exists:
			f = types.Finding{
				ID:                  ident.New(),
				ProjectID:           in.Run.ProjectID,
				StableFingerprint:   r.Fingerprint,
				FirstSeenRevisionID: in.Run.RevisionID,
				CreatedAt:           in.Now,
			}
			next = types.FindingOpened
		case in.PreviousFindingIDs[f.ID]:
			next = types.FindingUnchanged
		case f.LastResolvedRunID != "":
			next = types.FindingRegressed
		default:
			next = types.FindingOpened
		}
		present[f.ID] = true

		prevStatus := f.CurrentStatus
		f.LastSeenRevisionID = in.Run.RevisionID
		f.LastAuditRunID = in.Run.ID
		f.Severity = r.Severity
		f.CurrentStatus = next
		f.UpdatedAt = in.Now
		d.Findings = append(d.Findings, f)

		d.Instances = append(d.Instances, types.FindingInstance{
			FindingID:  f.ID,
			AuditRunID: in.Run.ID,
			RevisionID: in.Run.RevisionID,
			Severity:   r.Severity,
			Payload:    r.Payload,
			CreatedAt:  in.Now,
		})

		if in.PreviousRunID != "" && (!exists || prevStatus != next) {
			d.Transitions = append(d.Transitions, transition(f.ID, in, next))
		}
	}

	gone := make([]string, 0, len(in.PreviousFindingIDs))
	for id := range in.PreviousFindingIDs {
		if !present[id] {
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)
	for _, id := range gone {
		f, ok := byID[id]
		if !ok {
			continue
		}
		f.CurrentStatus = types.FindingResolved
		f.LastResolvedRunID = in.Run.ID
		f.LastAuditRunID = in.Run.ID
		f.UpdatedAt = in.Now
		d.Findings = append(d.Findings, f)
		d.Transitions = append(d.Transitions, transition(f.ID, in, types.FindingResolved))
	}
	return d
}

func transition(findingID string, in Input, kind types.FindingStatus) types.FindingTransition {
	return types.FindingTransition{
		FindingID:      findingID,
		FromAuditRunID: in.PreviousRunID,
		ToAuditRunID:   in.Run.ID,
		Transition:     kind,
		CreatedAt:      in.Now,
	}
}
