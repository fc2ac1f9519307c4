package run

import (
	"strings"
	"time"

	"github.com/gridverify/certus/internal/definition"
)

// applyLocked runs the matching algorithm for one interaction. Callers must
// hold the machine lock and have already swept timeouts.
//
// Algorithm:
//  1. Candidates are pending steps whose ordering constraints allow
//     consideration (see eligibleLocked).
//  2. Each candidate's matcher is evaluated structurally against the
//     interaction.
//  3. Ambiguity resolves to the lowest declared index, keeping matching
//     deterministic. Iterating in declaration order gives this for free.
//  4. A match increments the occurrence count; the step only becomes
//     satisfied once the expected count is reached.
//  5. No match records the interaction as unexpected. That is not a step
//     failure: steps fail only by timeout or by omission at finalize.
//
// The interaction is appended to the capture log either way, so the report
// carries the full ordered audit trail.
func (r *RunContext) applyLocked(in *Interaction, now time.Time) Attribution {
	r.interactions = append(r.interactions, in)

	matched := -1
	for i, s := range r.steps {
		if s.status != StepPending {
			continue
		}
		if !r.eligibleLocked(i) {
			continue
		}
		if matcherMatches(s.step.Matcher, in) {
			matched = i
			break
		}
	}

	if matched < 0 {
		r.unexpected = append(r.unexpected, in)
		return Attribution{Unexpected: true}
	}

	s := r.steps[matched]
	s.seen++
	s.matches = append(s.matches, in)
	if s.seen >= s.step.Count {
		s.status = StepSatisfied
	}
	r.activateLocked(now)
	return Attribution{StepID: s.step.ID}
}

// eligibleLocked reports whether the step at index i may currently be
// considered for matching.
//
// A step is eligible when:
//   - every explicit 'after' dependency has resolved, and
//   - every earlier gating step has resolved. Optional steps never gate,
//     and members of the same unordered group do not gate each other
//     (that is what makes them simultaneously candidates).
func (r *RunContext) eligibleLocked(i int) bool {
	s := r.steps[i]

	for _, dep := range s.step.After {
		if !r.statusOf(dep).Resolved() {
			return false
		}
	}

	for j := 0; j < i; j++ {
		prior := r.steps[j]
		if !gates(prior.step, s.step) {
			continue
		}
		if !prior.status.Resolved() {
			return false
		}
	}
	return true
}

// gates reports whether an earlier step blocks a later one from activating.
func gates(prior, later definition.Step) bool {
	if prior.Mode == definition.ModeOptional {
		return false
	}
	if prior.Mode == definition.ModeUnordered && later.Mode == definition.ModeUnordered && prior.Group == later.Group {
		return false
	}
	return true
}

func (r *RunContext) statusOf(id string) StepStatus {
	for _, s := range r.steps {
		if s.step.ID == id {
			return s.status
		}
	}
	return StepPending
}

// activateLocked stamps activation time and deadline on every pending step
// that has just become eligible. Deadlines are relative to activation, not
// run start, so a step's clock only ticks once it could possibly match.
func (r *RunContext) activateLocked(now time.Time) {
	for i, s := range r.steps {
		if s.status != StepPending || !s.activatedAt.IsZero() {
			continue
		}
		if !r.eligibleLocked(i) {
			continue
		}
		s.activatedAt = now
		if s.step.Timeout > 0 {
			s.deadline = now.Add(s.step.Timeout)
		}
	}
}

// sweepLocked fails every pending step whose deadline has elapsed. Runs
// under the machine lock on every status read, record and finalize, so a
// timed-out step is never silently left pending.
func (r *RunContext) sweepLocked(now time.Time) {
	if r.state != StateRunning && r.state != StateFinalizing {
		return
	}
	for _, s := range r.steps {
		if s.status != StepPending || s.deadline.IsZero() {
			continue
		}
		if now.Before(s.deadline) {
			continue
		}
		s.status = StepFailed
		s.failure = "timeout"
	}
}

// matcherMatches evaluates one matcher structurally against an interaction.
// Matching is never byte-exact: field constraints tolerate the omission of
// non-required fields.
func matcherMatches(m definition.Matcher, in *Interaction) bool {
	if m.Kind != in.Kind {
		return false
	}
	switch m.Kind {
	case definition.KindRequest:
		if !strings.EqualFold(m.Method, in.Method) {
			return false
		}
		if !endpointMatches(in.Path, m.Endpoint) {
			return false
		}
	case definition.KindNotification:
		if m.Type != in.Type {
			return false
		}
	}

	for _, c := range m.Fields {
		got, present := in.Fields[c.Name]
		if !present {
			if c.Required {
				return false
			}
			continue
		}
		if got != c.Equals {
			return false
		}
	}
	return true
}

// endpointMatches matches a request path against an endpoint pattern.
//
// '*' is a wildcard for exactly one path component (a component is a part
// of the path separated by '/'). It never partially matches within a
// component:
//
//	/edev/*/derp/1 matches /edev/123/derp/1
//	/edev/1*3/derp/1 does NOT match /edev/123/derp/1
//
// Paths are expected without any mount-point prefix; strip that before
// calling.
func endpointMatches(path, pattern string) bool {
	const wildcard = "*"
	if !strings.Contains(pattern, wildcard) {
		return path == pattern
	}

	pathParts := splitPath(path)
	patternParts := splitPath(pattern)
	if len(pathParts) != len(patternParts) {
		return false
	}
	for i, want := range patternParts {
		if want != wildcard && pathParts[i] != want {
			return false
		}
	}
	return true
}

func splitPath(p string) []string {
	var parts []string
	for _, part := range strings.Split(p, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}
