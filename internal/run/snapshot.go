package run

import (
	"fmt"
	"time"

	"github.com/gridverify/certus/internal/definition"
)

// Snapshot is a deep, read-only copy of the machine state at one instant.
// Mutating a snapshot never affects the live run.
type Snapshot struct {
	RunID         string    `json:"run_id,omitempty"`
	Test          string    `json:"test,omitempty"`
	LFDI          string    `json:"lfdi,omitempty"`
	State         string    `json:"state"`
	AggregatorID  int64     `json:"aggregator_id,omitempty"`
	CertificateID int64     `json:"certificate_id,omitempty"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	FinalizedAt   time.Time `json:"finalized_at,omitempty"`

	// ElapsedSeconds is time since run start (until finalize for frozen
	// runs).
	ElapsedSeconds float64 `json:"elapsed_seconds,omitempty"`

	// Summary is the human-readable progress line, e.g. "1/2 steps complete."
	Summary string `json:"summary,omitempty"`

	// AbortCause carries the provisioning or runtime failure that aborted
	// the run, with enough context to diagnose without internal logs.
	AbortCause string `json:"abort_cause,omitempty"`

	Steps        []StepSnapshot `json:"steps,omitempty"`
	Interactions []Interaction  `json:"interactions,omitempty"`
	Unexpected   []Interaction  `json:"unexpected,omitempty"`
}

// StepSnapshot is the per-step view within a Snapshot.
type StepSnapshot struct {
	ID       string          `json:"id"`
	Index    int             `json:"index"`
	Mode     definition.Mode `json:"mode"`
	Status   StepStatus      `json:"status"`
	Required bool            `json:"required"`

	// Seen/Count track occurrence progress; a step with Count > 1 stays
	// pending until Seen reaches Count.
	Seen  int `json:"seen"`
	Count int `json:"count"`

	ActivatedAt time.Time `json:"activated_at,omitempty"`
	Deadline    time.Time `json:"deadline,omitempty"`

	// Failure explains a failed status ("timeout", "unsatisfied at finalize").
	Failure string `json:"failure,omitempty"`

	// Matched holds the IDs of the interactions attributed to this step,
	// in attribution order.
	Matched []string `json:"matched,omitempty"`
}

// stepState is the live mutable counterpart of StepSnapshot, owned by the
// RunContext and guarded by the machine lock.
type stepState struct {
	step        definition.Step
	status      StepStatus
	seen        int
	matches     []*Interaction
	activatedAt time.Time
	deadline    time.Time
	failure     string
}

func (s *stepState) snapshot() StepSnapshot {
	snap := StepSnapshot{
		ID:          s.step.ID,
		Index:       s.step.Index,
		Mode:        s.step.Mode,
		Status:      s.status,
		Required:    s.step.Required(),
		Seen:        s.seen,
		Count:       s.step.Count,
		ActivatedAt: s.activatedAt,
		Deadline:    s.deadline,
		Failure:     s.failure,
	}
	for _, in := range s.matches {
		snap.Matched = append(snap.Matched, in.ID)
	}
	return snap
}

// snapshotLocked builds a Snapshot. Callers must hold the machine lock.
func (m *Machine) snapshotLocked(now time.Time) Snapshot {
	r := m.run
	if r == nil {
		return Snapshot{State: StateIdle.String()}
	}

	snap := Snapshot{
		RunID:         r.id,
		Test:          r.test.Name,
		LFDI:          r.lfdi,
		State:         r.state.String(),
		AggregatorID:  r.aggregatorID,
		CertificateID: r.certificateID,
		StartedAt:     r.startedAt,
		FinalizedAt:   r.finalizedAt,
		AbortCause:    r.abortCause,
	}

	if !r.startedAt.IsZero() {
		end := now
		if !r.finalizedAt.IsZero() {
			end = r.finalizedAt
		}
		snap.ElapsedSeconds = end.Sub(r.startedAt).Seconds()
	}

	completed := 0
	for _, s := range r.steps {
		if s.status == StepSatisfied {
			completed++
		}
		snap.Steps = append(snap.Steps, s.snapshot())
	}
	snap.Summary = fmt.Sprintf("%d/%d steps complete.", completed, len(r.steps))

	for _, in := range r.interactions {
		snap.Interactions = append(snap.Interactions, cloneInteraction(in))
	}
	for _, in := range r.unexpected {
		snap.Unexpected = append(snap.Unexpected, cloneInteraction(in))
	}
	return snap
}

func cloneInteraction(in *Interaction) Interaction {
	out := *in
	if in.Fields != nil {
		out.Fields = make(map[string]string, len(in.Fields))
		for k, v := range in.Fields {
			out.Fields[k] = v
		}
	}
	return out
}
