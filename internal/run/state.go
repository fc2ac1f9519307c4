package run

// State is the lifecycle state of the run machine.
//
// Transitions:
//
//	Idle -> Initializing -> Running -> Finalizing -> Finalized
//	Initializing -> Aborted (provisioning failure)
//	Running      -> Aborted (unrecoverable error)
//
// Finalized and Aborted are terminal; returning to Idle requires an
// explicit Reset, never happens automatically.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateRunning
	StateFinalizing
	StateFinalized
	StateAborted
)

// String returns the lowercase state name used in snapshots and logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateFinalizing:
		return "finalizing"
	case StateFinalized:
		return "finalized"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state permits no further transitions.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateAborted
}

// Active reports whether a run is in flight (neither Idle nor terminal).
func (s State) Active() bool {
	return s == StateInitializing || s == StateRunning || s == StateFinalizing
}

// StepStatus is the status of one step within a run.
//
// Status is monotonic: satisfied, failed and skipped never revert to
// pending.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepSatisfied StepStatus = "satisfied"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Resolved reports whether the step has reached a positive resolution that
// unblocks successors. Failed steps keep their successors blocked.
func (s StepStatus) Resolved() bool {
	return s == StepSatisfied || s == StepSkipped
}
