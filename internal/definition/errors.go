package definition

import "fmt"

// UnknownTestError indicates that no procedure is registered under the
// requested name.
type UnknownTestError struct {
	Name string
}

func (e *UnknownTestError) Error() string {
	return fmt.Sprintf("unknown test procedure %q", e.Name)
}

// MalformedDefinitionError indicates that a procedure's declarative source
// is structurally invalid. The error carries the procedure name and, where
// applicable, the offending step so callers can report failures without
// consulting internal logs.
type MalformedDefinitionError struct {
	Name   string
	StepID string
	Reason string
}

func (e *MalformedDefinitionError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("malformed definition %q: step %q: %s", e.Name, e.StepID, e.Reason)
	}
	return fmt.Sprintf("malformed definition %q: %s", e.Name, e.Reason)
}
