package definition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reqStep builds a minimal valid sequential request step.
func reqStep(index int, id string) Step {
	return Step{
		Index: index,
		ID:    id,
		Mode:  ModeSequential,
		Count: 1,
		Matcher: Matcher{
			Kind:     KindRequest,
			Method:   "GET",
			Endpoint: "/dcap",
		},
	}
}

func TestValidate_Valid(t *testing.T) {
	proc := &Procedure{
		Name: "T",
		Steps: []Step{
			reqStep(0, "A"),
			{
				Index: 1, ID: "B", Mode: ModeUnordered, Group: "g", Count: 1,
				After:   []string{"A"},
				Matcher: Matcher{Kind: KindNotification, Type: "DERControl"},
			},
			{
				Index: 2, ID: "C", Mode: ModeUnordered, Group: "g", Count: 1,
				After:   []string{"A"},
				Matcher: Matcher{Kind: KindRequest, Method: "GET", Endpoint: "/edev/*"},
			},
		},
	}
	assert.NoError(t, validateProcedure(proc))
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		steps  []Step
		reason string
	}{
		{
			name:   "no steps",
			steps:  nil,
			reason: "no steps",
		},
		{
			name: "duplicate id",
			steps: []Step{
				reqStep(0, "A"),
				reqStep(1, "A"),
			},
			reason: "duplicate step id",
		},
		{
			name: "count below one",
			steps: []Step{
				func() Step { s := reqStep(0, "A"); s.Count = 0; return s }(),
			},
			reason: "occurrence count",
		},
		{
			name: "unknown mode",
			steps: []Step{
				func() Step { s := reqStep(0, "A"); s.Mode = "whenever"; return s }(),
			},
			reason: "unknown ordering mode",
		},
		{
			name: "unordered without group",
			steps: []Step{
				func() Step { s := reqStep(0, "A"); s.Mode = ModeUnordered; return s }(),
			},
			reason: "no group",
		},
		{
			name: "request matcher missing endpoint",
			steps: []Step{
				{Index: 0, ID: "A", Mode: ModeSequential, Count: 1,
					Matcher: Matcher{Kind: KindRequest, Method: "GET"}},
			},
			reason: "requires method and endpoint",
		},
		{
			name: "notification matcher missing type",
			steps: []Step{
				{Index: 0, ID: "A", Mode: ModeSequential, Count: 1,
					Matcher: Matcher{Kind: KindNotification}},
			},
			reason: "requires a type",
		},
		{
			name: "after unknown step",
			steps: []Step{
				func() Step { s := reqStep(0, "A"); s.After = []string{"GHOST"}; return s }(),
			},
			reason: "unknown step",
		},
		{
			name: "self dependency",
			steps: []Step{
				func() Step { s := reqStep(0, "A"); s.After = []string{"A"}; return s }(),
			},
			reason: "depends on itself",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &Procedure{Name: "T", Steps: tt.steps}
			err := validateProcedure(proc)
			var malformed *MalformedDefinitionError
			require.ErrorAs(t, err, &malformed)
			assert.Contains(t, malformed.Reason, tt.reason)
		})
	}
}

func TestValidate_DependencyCycle(t *testing.T) {
	a := reqStep(0, "A")
	a.After = []string{"C"}
	b := reqStep(1, "B")
	b.After = []string{"A"}
	c := reqStep(2, "C")
	c.After = []string{"B"}

	proc := &Procedure{Name: "T", Steps: []Step{a, b, c}}

	err := validateProcedure(proc)
	var malformed *MalformedDefinitionError
	require.ErrorAs(t, err, &malformed)
	assert.Contains(t, malformed.Reason, "dependency cycle")
}

func TestValidate_AmbiguousUnorderedGroup(t *testing.T) {
	a := reqStep(0, "A")
	b := Step{
		Index: 1, ID: "B", Mode: ModeUnordered, Group: "g", Count: 1,
		After:   []string{"A"},
		Matcher: Matcher{Kind: KindRequest, Method: "GET", Endpoint: "/edev"},
	}
	c := Step{
		Index: 2, ID: "C", Mode: ModeUnordered, Group: "g", Count: 1,
		// Disagrees with B on dependencies: ambiguous activation point.
		Matcher: Matcher{Kind: KindRequest, Method: "GET", Endpoint: "/tm"},
	}

	proc := &Procedure{Name: "T", Steps: []Step{a, b, c}}

	err := validateProcedure(proc)
	var malformed *MalformedDefinitionError
	require.ErrorAs(t, err, &malformed)
	assert.Contains(t, malformed.Reason, "ambiguous unordered group")
}

func TestStepRequired(t *testing.T) {
	assert.True(t, Step{Mode: ModeSequential}.Required())
	assert.True(t, Step{Mode: ModeUnordered}.Required())
	assert.False(t, Step{Mode: ModeOptional}.Required())
}
