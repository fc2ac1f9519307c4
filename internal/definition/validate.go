package definition

import (
	"fmt"
	"sort"
	"strings"
)

// validateProcedure enforces the structural invariants of a procedure:
//
//   - at least one step, unique non-empty step IDs
//   - known ordering modes and matcher kinds
//   - occurrence counts >= 1, timeouts >= 0
//   - request matchers carry method + endpoint, notification matchers a type
//   - 'after' references resolve to declared steps, with no dependency cycles
//   - unordered groups are unambiguous: every member shares the same
//     dependency set, so "which member activates first" never arises
//
// Unlike cycle analysis on reactive rule systems, a cycle here is always an
// error: a step waiting on itself can never be satisfied.
func validateProcedure(p *Procedure) error {
	if len(p.Steps) == 0 {
		return &MalformedDefinitionError{Name: p.Name, Reason: "procedure has no steps"}
	}

	byID := make(map[string]int, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return &MalformedDefinitionError{Name: p.Name, Reason: fmt.Sprintf("step %d has no id", s.Index)}
		}
		if _, dup := byID[s.ID]; dup {
			return &MalformedDefinitionError{Name: p.Name, StepID: s.ID, Reason: "duplicate step id"}
		}
		byID[s.ID] = s.Index
	}

	for _, s := range p.Steps {
		if err := validateStep(p.Name, s, byID); err != nil {
			return err
		}
	}

	if err := checkCycles(p, byID); err != nil {
		return err
	}
	return checkGroupAmbiguity(p)
}

func validateStep(name string, s Step, byID map[string]int) error {
	switch s.Mode {
	case ModeSequential, ModeUnordered, ModeOptional:
	default:
		return &MalformedDefinitionError{Name: name, StepID: s.ID, Reason: fmt.Sprintf("unknown ordering mode %q", s.Mode)}
	}
	if s.Mode == ModeUnordered && s.Group == "" {
		return &MalformedDefinitionError{Name: name, StepID: s.ID, Reason: "unordered step has no group"}
	}
	if s.Mode != ModeUnordered && s.Group != "" {
		return &MalformedDefinitionError{Name: name, StepID: s.ID, Reason: fmt.Sprintf("group %q on non-unordered step", s.Group)}
	}
	if s.Count < 1 {
		return &MalformedDefinitionError{Name: name, StepID: s.ID, Reason: fmt.Sprintf("occurrence count must be >= 1, got %d", s.Count)}
	}
	if s.Timeout < 0 {
		return &MalformedDefinitionError{Name: name, StepID: s.ID, Reason: "negative timeout"}
	}

	switch s.Matcher.Kind {
	case KindRequest:
		if s.Matcher.Method == "" || s.Matcher.Endpoint == "" {
			return &MalformedDefinitionError{Name: name, StepID: s.ID, Reason: "request matcher requires method and endpoint"}
		}
		if s.Matcher.Type != "" {
			return &MalformedDefinitionError{Name: name, StepID: s.ID, Reason: "notification type on request matcher"}
		}
	case KindNotification:
		if s.Matcher.Type == "" {
			return &MalformedDefinitionError{Name: name, StepID: s.ID, Reason: "notification matcher requires a type"}
		}
		if s.Matcher.Method != "" || s.Matcher.Endpoint != "" {
			return &MalformedDefinitionError{Name: name, StepID: s.ID, Reason: "method/endpoint on notification matcher"}
		}
	default:
		return &MalformedDefinitionError{Name: name, StepID: s.ID, Reason: fmt.Sprintf("unknown matcher kind %q", s.Matcher.Kind)}
	}

	for _, dep := range s.After {
		if _, ok := byID[dep]; !ok {
			return &MalformedDefinitionError{Name: name, StepID: s.ID, Reason: fmt.Sprintf("after references unknown step %q", dep)}
		}
		if dep == s.ID {
			return &MalformedDefinitionError{Name: name, StepID: s.ID, Reason: "step depends on itself"}
		}
	}
	for _, f := range s.Matcher.Fields {
		if f.Name == "" {
			return &MalformedDefinitionError{Name: name, StepID: s.ID, Reason: "field constraint with empty name"}
		}
	}
	return nil
}

// checkCycles rejects dependency cycles in the 'after' graph with a
// depth-first three-color walk. The offending path is reported so the
// author can see the loop without spelunking.
func checkCycles(p *Procedure, byID map[string]int) error {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make([]int, len(p.Steps))

	var path []string
	var visit func(idx int) error
	visit = func(idx int) error {
		color[idx] = gray
		path = append(path, p.Steps[idx].ID)
		for _, dep := range p.Steps[idx].After {
			depIdx := byID[dep]
			switch color[depIdx] {
			case gray:
				cycle := append(append([]string(nil), path...), dep)
				return &MalformedDefinitionError{
					Name:   p.Name,
					StepID: p.Steps[idx].ID,
					Reason: fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")),
				}
			case white:
				if err := visit(depIdx); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		color[idx] = black
		return nil
	}

	for i := range p.Steps {
		if color[i] == white {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkGroupAmbiguity requires every member of an unordered group to carry
// the same dependency set. If members disagreed, the point at which the
// group becomes active would depend on which member you ask, and matching
// would no longer be deterministic.
func checkGroupAmbiguity(p *Procedure) error {
	deps := map[string]string{}   // group -> canonical dependency key
	leader := map[string]string{} // group -> first member id
	for _, s := range p.Steps {
		if s.Mode != ModeUnordered {
			continue
		}
		key := dependencyKey(s.After)
		if canonical, ok := deps[s.Group]; ok {
			if canonical != key {
				return &MalformedDefinitionError{
					Name:   p.Name,
					StepID: s.ID,
					Reason: fmt.Sprintf("ambiguous unordered group %q: dependencies differ from member %q", s.Group, leader[s.Group]),
				}
			}
			continue
		}
		deps[s.Group] = key
		leader[s.Group] = s.ID
	}
	return nil
}

func dependencyKey(after []string) string {
	sorted := append([]string(nil), after...)
	sort.Strings(sorted)
	return strings.Join(sorted, "\x00")
}
