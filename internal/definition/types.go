package definition

import "time"

// Mode controls how a step participates in ordering.
type Mode string

const (
	// ModeSequential steps only become candidates once every prior
	// required step has resolved.
	ModeSequential Mode = "sequential"
	// ModeUnordered steps belong to a named group whose members are
	// simultaneously candidates once the group is reached.
	ModeUnordered Mode = "unordered"
	// ModeOptional steps never gate later steps and do not affect the
	// overall verdict when left unsatisfied.
	ModeOptional Mode = "optional"
)

// Kind distinguishes the two classes of observable traffic.
type Kind string

const (
	// KindRequest is a direct protocol call from the client under test.
	KindRequest Kind = "request"
	// KindNotification is an asynchronous event observed via the
	// message-broker subscription.
	KindNotification Kind = "notification"
)

// FieldConstraint is a structural constraint on one parsed payload field.
//
// A constraint matches when the field is present with the expected value.
// Non-required constraints also match when the field is absent entirely
// (schema-permitted omission); required constraints do not.
type FieldConstraint struct {
	Name     string
	Equals   string
	Required bool
}

// Matcher is the predicate a step applies to an interaction.
//
// Matching is structural, never byte-exact: the method must match exactly,
// the endpoint pattern may use '*' to match exactly one path component,
// and field constraints are evaluated per FieldConstraint semantics.
type Matcher struct {
	Kind     Kind
	Method   string // requests only, e.g. "PUT"
	Endpoint string // requests only, wildcard path pattern, e.g. "/edev/*"
	Type     string // notifications only, e.g. "DERControl"
	Fields   []FieldConstraint
}

// Step is one expected interaction within a procedure.
//
// Index is the declaration position (0-based) and is the deterministic
// tie-break when several candidates match the same interaction.
type Step struct {
	Index   int
	ID      string
	Mode    Mode
	Group   string // unordered group name, empty otherwise
	After   []string
	Count   int           // expected occurrences, >= 1
	Timeout time.Duration // 0 = no deadline
	Matcher Matcher
}

// Required reports whether the step must be satisfied for an overall pass.
func (s Step) Required() bool {
	return s.Mode != ModeOptional
}

// Procedure is an immutable, validated test procedure definition.
type Procedure struct {
	Name        string
	Description string
	Steps       []Step
}

// Step returns the step with the given ID, or false if there is none.
func (p *Procedure) Step(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}
