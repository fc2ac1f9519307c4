// Package report turns a frozen run into a certification verdict.
//
// Generation is pure: it reads a state snapshot and computes verdicts, it
// never touches the live run. Reports exist only for frozen runs; asking
// for one mid-run is an error, the status endpoint serves that need.
package report

import (
	"fmt"
	"time"

	"github.com/gridverify/certus/internal/definition"
	"github.com/gridverify/certus/internal/run"
)

// Verdict is the outcome for a run or a single step.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
	VerdictSkip Verdict = "skip"
)

// NotFrozenError indicates a report was requested for a run that is still
// in flight. Reports are only generated for finalized or aborted runs.
type NotFrozenError struct {
	State string
}

func (e *NotFrozenError) Error() string {
	return fmt.Sprintf("cannot report on a run in state %q", e.State)
}

// Report is the certification outcome for one completed run.
type Report struct {
	RunID string `json:"run_id"`
	Test  string `json:"test"`
	LFDI  string `json:"lfdi,omitempty"`

	Outcome Verdict `json:"outcome"`
	State   string  `json:"state"`

	StartedAt       time.Time `json:"started_at,omitempty"`
	FinalizedAt     time.Time `json:"finalized_at,omitempty"`
	DurationSeconds float64   `json:"duration_seconds"`

	// AbortCause is present only for aborted runs.
	AbortCause string `json:"abort_cause,omitempty"`

	Summary string `json:"summary"`
	Counts  Counts `json:"counts"`

	Steps []StepReport `json:"steps,omitempty"`

	// Interactions is the full capture log in arrival order, the audit
	// trail behind the step evidence.
	Interactions []TrafficEntry `json:"interactions,omitempty"`

	// Unexpected lists traffic that matched no step. Informational: it
	// never affects the outcome.
	Unexpected []TrafficEntry `json:"unexpected,omitempty"`
}

// Counts aggregates step outcomes.
type Counts struct {
	Pass  int `json:"pass"`
	Fail  int `json:"fail"`
	Skip  int `json:"skip"`
	Total int `json:"total"`
}

// StepReport is the per-step verdict with its supporting evidence.
type StepReport struct {
	ID       string          `json:"id"`
	Mode     definition.Mode `json:"mode"`
	Required bool            `json:"required"`
	Verdict  Verdict         `json:"verdict"`

	Seen  int `json:"seen"`
	Count int `json:"count"`

	// Failure explains a fail verdict ("timeout", "unsatisfied at finalize").
	Failure string `json:"failure,omitempty"`

	// Evidence holds the archived interaction IDs attributed to the step,
	// in attribution order.
	Evidence []string `json:"evidence,omitempty"`
}

// TrafficEntry is one unmatched interaction, condensed for the report.
type TrafficEntry struct {
	ID     string `json:"id"`
	Seq    int64  `json:"seq"`
	Kind   string `json:"kind"`
	Method string `json:"method,omitempty"`
	Path   string `json:"path,omitempty"`
	Type   string `json:"type,omitempty"`
}

// Generate computes the verdict for a frozen run.
//
// The run passes only when it finalized with every required step satisfied.
// Optional steps that went unsatisfied are skipped and never fail the run.
// An aborted run always fails: its preconditions or execution broke before
// the procedure could complete.
func Generate(snap run.Snapshot) (Report, error) {
	if snap.State != run.StateFinalized.String() && snap.State != run.StateAborted.String() {
		return Report{}, &NotFrozenError{State: snap.State}
	}

	r := Report{
		RunID:           snap.RunID,
		Test:            snap.Test,
		LFDI:            snap.LFDI,
		State:           snap.State,
		StartedAt:       snap.StartedAt,
		FinalizedAt:     snap.FinalizedAt,
		DurationSeconds: snap.ElapsedSeconds,
		AbortCause:      snap.AbortCause,
		Summary:         snap.Summary,
	}

	failed := false
	for _, step := range snap.Steps {
		sr := StepReport{
			ID:       step.ID,
			Mode:     step.Mode,
			Required: step.Required,
			Verdict:  stepVerdict(step),
			Seen:     step.Seen,
			Count:    step.Count,
			Failure:  step.Failure,
			Evidence: step.Matched,
		}
		switch sr.Verdict {
		case VerdictPass:
			r.Counts.Pass++
		case VerdictFail:
			r.Counts.Fail++
			failed = true
		case VerdictSkip:
			r.Counts.Skip++
		}
		r.Counts.Total++
		r.Steps = append(r.Steps, sr)
	}

	for _, in := range snap.Interactions {
		r.Interactions = append(r.Interactions, trafficEntry(in))
	}
	for _, in := range snap.Unexpected {
		r.Unexpected = append(r.Unexpected, trafficEntry(in))
	}

	switch {
	case snap.State == run.StateAborted.String():
		r.Outcome = VerdictFail
	case failed:
		r.Outcome = VerdictFail
	default:
		r.Outcome = VerdictPass
	}
	return r, nil
}

func trafficEntry(in run.Interaction) TrafficEntry {
	return TrafficEntry{
		ID:     in.ID,
		Seq:    in.Seq,
		Kind:   string(in.Kind),
		Method: in.Method,
		Path:   in.Path,
		Type:   in.Type,
	}
}

// stepVerdict maps a step status to its verdict. Steps still pending in an
// aborted run are skipped: the run's failure is carried by the abort, not
// by steps the client never got to attempt.
func stepVerdict(step run.StepSnapshot) Verdict {
	switch step.Status {
	case run.StepSatisfied:
		return VerdictPass
	case run.StepFailed:
		return VerdictFail
	default:
		return VerdictSkip
	}
}
