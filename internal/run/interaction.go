package run

import (
	"time"

	"github.com/gridverify/certus/internal/definition"
)

// Interaction is one captured inbound event: either a direct protocol call
// from the client under test or a correlated asynchronous notification.
//
// Immutable once recorded. Step states reference interactions, they never
// copy them; the ID is the stable handle for that reference.
type Interaction struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      definition.Kind `json:"kind"`

	// Request fields (Kind == KindRequest).
	Method string `json:"method,omitempty"`
	Path   string `json:"path,omitempty"`

	// Notification fields (Kind == KindNotification).
	Type  string `json:"type,omitempty"`
	Token string `json:"token,omitempty"` // delivery sequence token

	// Fields holds the parsed payload fields the matcher may constrain.
	Fields map[string]string `json:"fields,omitempty"`

	// LFDI is the verified client identity handed to the engine by the
	// collaborator that terminated authentication. The engine never parses
	// certificate material itself.
	LFDI string `json:"lfdi,omitempty"`
}

// Attribution describes what became of a recorded interaction.
type Attribution struct {
	// StepID is the step the interaction satisfied progress on, empty when
	// unexpected.
	StepID string `json:"step_id,omitempty"`
	// Unexpected is set when no pending step matched. Not a failure by
	// itself: steps only fail by timeout or by omission at finalize.
	Unexpected bool `json:"unexpected"`
	// PostFinalize marks traffic that arrived after the run was frozen.
	PostFinalize bool `json:"post_finalize,omitempty"`
	// NoActiveRun marks traffic that arrived with no run in flight.
	NoActiveRun bool `json:"no_active_run,omitempty"`
}
