package run

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridverify/certus/internal/definition"
)

// Provisioner creates or reuses the aggregator and client certificate the
// procedure requires, via the reference server's admin interface.
// Implemented by fixture.AdminClient (production) and stubs (tests).
type Provisioner interface {
	Provision(ctx context.Context, lfdi string) (aggregatorID, certificateID int64, err error)
}

// Recorder persists captured interactions for audit. Implemented by
// archive.Store. Recording is best-effort: a recorder failure is logged but
// never fails the ingest path.
type Recorder interface {
	Record(ctx context.Context, runID string, in Interaction, attr Attribution) error
}

// RunContext is the single mutable aggregate for an active run. It is owned
// exclusively by the Machine and only ever touched under the machine lock.
type RunContext struct {
	id            string
	test          *definition.Procedure
	lfdi          string
	aggregatorID  int64
	certificateID int64
	state         State
	steps         []*stepState
	interactions  []*Interaction
	unexpected    []*Interaction
	startedAt     time.Time
	finalizedAt   time.Time
	abortCause    string
}

// Machine drives one test procedure run at a time.
//
// Thread-safety model:
//   - all exported methods are safe from any goroutine
//   - one mutex serializes lifecycle transitions and step mutation from
//     both ingest paths (interactions and notifications)
//   - no blocking external call happens under the lock: provisioning runs
//     between the Initializing and Running transitions, and archive writes
//     happen after the lock is released
type Machine struct {
	mu          sync.Mutex
	registry    *definition.Registry
	provisioner Provisioner
	recorder    Recorder
	clock       Clock
	seq         *SeqClock
	logger      *slog.Logger

	run         *RunContext
	everStarted bool
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock substitutes the wall clock. Tests use a deterministic clock to
// drive timeout sweeps.
func WithClock(c Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// WithRecorder attaches a durable interaction recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Machine) { m.recorder = r }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// NewMachine creates an idle machine over the given procedure registry and
// fixture provisioner.
func NewMachine(registry *definition.Registry, provisioner Provisioner, opts ...Option) *Machine {
	m := &Machine{
		registry:    registry,
		provisioner: provisioner,
		clock:       SystemClock{},
		seq:         NewSeqClock(),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins a run of the named procedure for the given client identity.
//
// Valid only when no run exists (Idle). A run in flight or a terminal run
// awaiting Reset both yield *ConflictError. Definition errors surface
// unchanged (*definition.UnknownTestError, *definition.MalformedDefinitionError).
//
// Provisioning executes outside the lock; its failure transitions the run
// to Aborted and the cause is both returned and kept on the snapshot. An
// Abort arriving while provisioning is in flight wins: Start leaves the
// terminal state untouched and reports a conflict.
func (m *Machine) Start(ctx context.Context, test, lfdi string) (Snapshot, error) {
	proc, err := m.registry.Load(test)
	if err != nil {
		return Snapshot{}, err
	}

	m.mu.Lock()
	if m.run != nil {
		conflict := &ConflictError{Op: "start", State: m.run.state, Test: m.run.test.Name}
		m.mu.Unlock()
		return Snapshot{}, conflict
	}
	r := &RunContext{
		id:    uuid.NewString(),
		test:  proc,
		lfdi:  lfdi,
		state: StateInitializing,
	}
	for _, s := range proc.Steps {
		r.steps = append(r.steps, &stepState{step: s, status: StepPending})
	}
	m.run = r
	m.everStarted = true
	m.mu.Unlock()

	m.logger.Info("provisioning fixtures", "test", test, "lfdi", lfdi, "run_id", r.id)
	aggregatorID, certificateID, perr := m.provisioner.Provision(ctx, lfdi)

	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	// An abort may have landed while provisioning ran outside the lock.
	// Terminal states stay terminal: the run must not come back to life,
	// and the abort cause already on it stands.
	if r.state != StateInitializing {
		m.logger.Warn("provisioning finished after abort",
			"test", test, "run_id", r.id, "state", r.state.String())
		return m.snapshotLocked(now), &ConflictError{Op: "start", State: r.state, Test: test}
	}

	if perr != nil {
		r.state = StateAborted
		r.abortCause = fmt.Sprintf("provisioning fixtures for lfdi %s: %v", lfdi, perr)
		r.finalizedAt = now
		m.logger.Error("run aborted during provisioning", "test", test, "run_id", r.id, "error", perr)
		return m.snapshotLocked(now), fmt.Errorf("provisioning fixtures: %w", perr)
	}

	r.aggregatorID = aggregatorID
	r.certificateID = certificateID
	r.startedAt = now
	r.state = StateRunning
	r.activateLocked(now)

	m.logger.Info("test procedure started",
		"test", test, "run_id", r.id,
		"aggregator_id", aggregatorID, "certificate_id", certificateID)
	return m.snapshotLocked(now), nil
}

// Status returns a snapshot of the current run without mutating step
// progress, except for the lazy timeout sweep which runs under the lock.
// Returns ErrNeverStarted until the first Start on this machine.
func (m *Machine) Status() (Snapshot, error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.everStarted {
		return Snapshot{}, ErrNeverStarted
	}
	if m.run != nil {
		m.run.sweepLocked(now)
	}
	return m.snapshotLocked(now), nil
}

// Finalize freezes the run. Valid only from Running; pending steps are not
// an error - finalizing early is how an operator ends a run - but required
// pending steps fail by omission and optional ones are skipped.
func (m *Machine) Finalize() (Snapshot, error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.run
	if r == nil {
		return Snapshot{}, &ConflictError{Op: "finalize", State: StateIdle}
	}
	if r.state != StateRunning {
		return Snapshot{}, &ConflictError{Op: "finalize", State: r.state, Test: r.test.Name}
	}

	r.state = StateFinalizing
	r.sweepLocked(now)
	for _, s := range r.steps {
		if s.status != StepPending {
			continue
		}
		if s.step.Required() {
			s.status = StepFailed
			s.failure = "unsatisfied at finalize"
		} else {
			s.status = StepSkipped
		}
	}
	r.state = StateFinalized
	r.finalizedAt = now

	m.logger.Info("test procedure finalized", "test", r.test.Name, "run_id", r.id)
	return m.snapshotLocked(now), nil
}

// Abort terminates a run in flight with the given cause. Valid from
// Initializing or Running.
func (m *Machine) Abort(cause string) error {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.run
	if r == nil || !r.state.Active() {
		state := StateIdle
		test := ""
		if r != nil {
			state = r.state
			test = r.test.Name
		}
		return &ConflictError{Op: "abort", State: state, Test: test}
	}
	r.state = StateAborted
	r.abortCause = cause
	r.finalizedAt = now
	m.logger.Warn("test procedure aborted", "test", r.test.Name, "run_id", r.id, "cause", cause)
	return nil
}

// Reset discards a terminal run and returns the machine to Idle. A no-op
// when already Idle; a run in flight must finalize or abort first.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.run == nil {
		return nil
	}
	if m.run.state.Active() {
		return &ConflictError{Op: "reset", State: m.run.state, Test: m.run.test.Name}
	}
	m.logger.Info("run reset", "test", m.run.test.Name, "run_id", m.run.id)
	m.run = nil
	return nil
}

// RecordInteraction folds one captured protocol call into the run.
//
// The interaction is stamped with a fresh ID, logical seq and receipt time
// under the lock, then matched against the current step frontier. Traffic
// arriving with no run in flight, or after finalize, never mutates step
// state; it is still archived with the appropriate attribution so the audit
// trail stays complete.
func (m *Machine) RecordInteraction(ctx context.Context, in Interaction) Attribution {
	return m.record(ctx, in)
}

// RecordNotification folds one deduplicated notification event into the
// run. Notifications share the matching algorithm with direct interactions;
// they are a distinct interaction kind, so only notification matchers can
// claim them.
func (m *Machine) RecordNotification(ctx context.Context, in Interaction) Attribution {
	in.Kind = definition.KindNotification
	return m.record(ctx, in)
}

func (m *Machine) record(ctx context.Context, in Interaction) Attribution {
	now := m.clock.Now()

	m.mu.Lock()

	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	in.Seq = m.seq.Next()
	if in.Timestamp.IsZero() {
		in.Timestamp = now
	}

	r := m.run
	var attr Attribution
	var runID string

	switch {
	case r == nil:
		attr = Attribution{Unexpected: true, NoActiveRun: true}
	case r.state.Terminal() || r.state == StateFinalizing:
		// The run is frozen: archived for audit, never matched.
		runID = r.id
		attr = Attribution{Unexpected: true, PostFinalize: true}
	case r.state == StateInitializing:
		// Pre-start traffic. The capture log keeps it, steps ignore it.
		runID = r.id
		r.interactions = append(r.interactions, &in)
		r.unexpected = append(r.unexpected, &in)
		attr = Attribution{Unexpected: true}
	default:
		runID = r.id
		r.sweepLocked(now)
		attr = r.applyLocked(&in, now)
	}
	m.mu.Unlock()

	if attr.StepID != "" {
		m.logger.Info("interaction matched step",
			"step", attr.StepID, "kind", in.Kind, "seq", in.Seq)
	} else {
		m.logger.Debug("interaction unexpected",
			"kind", in.Kind, "method", in.Method, "path", in.Path, "seq", in.Seq)
	}

	// Archive outside the lock; failures must not break the ingest path.
	if m.recorder != nil && runID != "" {
		if err := m.recorder.Record(ctx, runID, in, attr); err != nil {
			m.logger.Warn("archiving interaction failed", "id", in.ID, "error", err)
		}
	}
	return attr
}

// RunID returns the identifier of the current run, or empty when Idle.
func (m *Machine) RunID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run == nil {
		return ""
	}
	return m.run.id
}
