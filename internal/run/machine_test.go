package run

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridverify/certus/internal/definition"
	"github.com/gridverify/certus/internal/testutil"
)

const testLFDI = "854d10a201ca99e5e90d3c3e1f9886fbde13179e"

// stubProvisioner satisfies Provisioner without network I/O.
type stubProvisioner struct {
	mu            sync.Mutex
	aggregatorID  int64
	certificateID int64
	err           error
	calls         int
}

func (p *stubProvisioner) Provision(_ context.Context, _ string) (int64, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return 0, 0, p.err
	}
	return p.aggregatorID, p.certificateID, nil
}

// memRecorder captures archive calls in memory.
type memRecorder struct {
	mu      sync.Mutex
	records []Attribution
	err     error
}

func (r *memRecorder) Record(_ context.Context, _ string, _ Interaction, attr Attribution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, attr)
	return r.err
}

func newTestMachine(t *testing.T, opts ...Option) (*Machine, *testutil.Clock, *stubProvisioner) {
	t.Helper()
	clock := testutil.NewClock(time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC))
	prov := &stubProvisioner{aggregatorID: 7, certificateID: 11}
	opts = append([]Option{WithClock(clock)}, opts...)
	m := NewMachine(definition.NewRegistry(""), prov, opts...)
	return m, clock, prov
}

func putEdev() Interaction {
	return Interaction{
		Kind:   definition.KindRequest,
		Method: "PUT",
		Path:   "/edev",
		LFDI:   testLFDI,
	}
}

func derControl(token string) Interaction {
	return Interaction{
		Kind:  definition.KindNotification,
		Type:  "DERControl",
		Token: token,
	}
}

func TestStart_TransitionsToRunning(t *testing.T) {
	m, _, prov := newTestMachine(t)

	snap, err := m.Start(context.Background(), "ALL-01", testLFDI)
	require.NoError(t, err)

	assert.Equal(t, "running", snap.State)
	assert.Equal(t, "ALL-01", snap.Test)
	assert.Equal(t, testLFDI, snap.LFDI)
	assert.Equal(t, int64(7), snap.AggregatorID)
	assert.Equal(t, int64(11), snap.CertificateID)
	assert.Equal(t, 1, prov.calls)
	require.Len(t, snap.Steps, 2)
	assert.Equal(t, StepPending, snap.Steps[0].Status)
	assert.Equal(t, StepPending, snap.Steps[1].Status)
}

func TestStart_SecondStartConflicts(t *testing.T) {
	m, _, _ := newTestMachine(t)

	_, err := m.Start(context.Background(), "ALL-01", testLFDI)
	require.NoError(t, err)

	_, err = m.Start(context.Background(), "ALL-01", testLFDI)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "start", conflict.Op)
	assert.Equal(t, StateRunning, conflict.State)
	assert.Equal(t, "ALL-01", conflict.Test)
}

func TestStart_UnknownTest(t *testing.T) {
	m, _, prov := newTestMachine(t)

	_, err := m.Start(context.Background(), "NO-SUCH", testLFDI)
	var unknown *definition.UnknownTestError
	require.ErrorAs(t, err, &unknown)
	assert.Zero(t, prov.calls, "no fixtures provisioned for an unknown test")

	_, err = m.Status()
	assert.ErrorIs(t, err, ErrNeverStarted, "a rejected start leaves the machine untouched")
}

func TestStart_ProvisioningFailureAborts(t *testing.T) {
	m, _, prov := newTestMachine(t)
	prov.err = errors.New("admin api unreachable")

	_, err := m.Start(context.Background(), "ALL-01", testLFDI)
	require.Error(t, err)

	snap, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, "aborted", snap.State)
	assert.Contains(t, snap.AbortCause, "admin api unreachable")
	assert.Contains(t, snap.AbortCause, testLFDI, "abort cause names the client identity")

	// An aborted run blocks new starts until reset.
	_, err = m.Start(context.Background(), "ALL-01", testLFDI)
	assert.True(t, IsConflict(err))

	require.NoError(t, m.Reset())
	prov.err = nil
	_, err = m.Start(context.Background(), "ALL-01", testLFDI)
	assert.NoError(t, err)
}

// blockingProvisioner parks Provision until released, exposing the window
// where provisioning runs outside the machine lock.
type blockingProvisioner struct {
	entered chan struct{}
	release chan struct{}
	err     error
}

func newBlockingProvisioner() *blockingProvisioner {
	return &blockingProvisioner{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (p *blockingProvisioner) Provision(_ context.Context, _ string) (int64, int64, error) {
	close(p.entered)
	<-p.release
	if p.err != nil {
		return 0, 0, p.err
	}
	return 7, 11, nil
}

func TestStart_AbortDuringProvisioningStaysAborted(t *testing.T) {
	prov := newBlockingProvisioner()
	clock := testutil.NewClock(time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC))
	m := NewMachine(definition.NewRegistry(""), prov, WithClock(clock))

	done := make(chan error, 1)
	go func() {
		_, err := m.Start(context.Background(), "ALL-01", testLFDI)
		done <- err
	}()

	<-prov.entered
	require.NoError(t, m.Abort("operator intervention"))

	snap, err := m.Status()
	require.NoError(t, err)
	require.Equal(t, "aborted", snap.State)

	close(prov.release)
	err = <-done
	assert.True(t, IsConflict(err), "resumed start must report the abort, got %v", err)

	// The terminal state survives provisioning's return.
	snap, err = m.Status()
	require.NoError(t, err)
	assert.Equal(t, "aborted", snap.State)
	assert.Equal(t, "operator intervention", snap.AbortCause)
}

func TestStart_ProvisioningFailureAfterAbortKeepsCause(t *testing.T) {
	prov := newBlockingProvisioner()
	prov.err = errors.New("admin api unreachable")
	clock := testutil.NewClock(time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC))
	m := NewMachine(definition.NewRegistry(""), prov, WithClock(clock))

	done := make(chan error, 1)
	go func() {
		_, err := m.Start(context.Background(), "ALL-01", testLFDI)
		done <- err
	}()

	<-prov.entered
	require.NoError(t, m.Abort("operator intervention"))
	close(prov.release)
	require.Error(t, <-done)

	snap, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, "aborted", snap.State)
	assert.Equal(t, "operator intervention", snap.AbortCause,
		"the abort cause is not overwritten by the later provisioning failure")
}

func TestScenario_ALL01_Pass(t *testing.T) {
	m, _, _ := newTestMachine(t)
	ctx := context.Background()

	_, err := m.Start(ctx, "ALL-01", testLFDI)
	require.NoError(t, err)

	attr := m.RecordInteraction(ctx, putEdev())
	assert.Equal(t, "A", attr.StepID)

	snap, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, StepSatisfied, snap.Steps[0].Status)
	assert.Equal(t, StepPending, snap.Steps[1].Status)
	assert.Equal(t, "1/2 steps complete.", snap.Summary)

	attr = m.RecordNotification(ctx, derControl("tok-1"))
	assert.Equal(t, "B", attr.StepID)

	snap, err = m.Status()
	require.NoError(t, err)
	assert.Equal(t, StepSatisfied, snap.Steps[0].Status)
	assert.Equal(t, StepSatisfied, snap.Steps[1].Status)

	final, err := m.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "finalized", final.State)
	assert.Equal(t, "2/2 steps complete.", final.Summary)
}

func TestFinalize_PendingRequiredStepFails(t *testing.T) {
	m, _, _ := newTestMachine(t)
	ctx := context.Background()

	_, err := m.Start(ctx, "ALL-01", testLFDI)
	require.NoError(t, err)
	m.RecordInteraction(ctx, putEdev())

	final, err := m.Finalize()
	require.NoError(t, err)
	assert.Equal(t, StepSatisfied, final.Steps[0].Status)
	assert.Equal(t, StepFailed, final.Steps[1].Status)
	assert.Equal(t, "unsatisfied at finalize", final.Steps[1].Failure)
}

func TestFinalize_RequiresRunning(t *testing.T) {
	m, _, _ := newTestMachine(t)

	_, err := m.Finalize()
	assert.True(t, IsConflict(err), "finalize from idle must conflict")

	_, err = m.Start(context.Background(), "ALL-01", testLFDI)
	require.NoError(t, err)
	_, err = m.Finalize()
	require.NoError(t, err)

	_, err = m.Finalize()
	assert.True(t, IsConflict(err), "finalize is not repeatable")
}

func TestRecord_PostFinalizeDoesNotMutate(t *testing.T) {
	rec := &memRecorder{}
	m, _, _ := newTestMachine(t, WithRecorder(rec))
	ctx := context.Background()

	_, err := m.Start(ctx, "ALL-01", testLFDI)
	require.NoError(t, err)
	m.RecordInteraction(ctx, putEdev())
	_, err = m.Finalize()
	require.NoError(t, err)

	attr := m.RecordNotification(ctx, derControl("tok-late"))
	assert.True(t, attr.PostFinalize)
	assert.True(t, attr.Unexpected)

	snap, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, StepFailed, snap.Steps[1].Status, "post-finalize traffic never satisfies steps")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.records, 2)
	assert.True(t, rec.records[1].PostFinalize, "late traffic is still archived for audit")
}

func TestRecord_NoActiveRun(t *testing.T) {
	m, _, _ := newTestMachine(t)

	attr := m.RecordInteraction(context.Background(), putEdev())
	assert.True(t, attr.NoActiveRun)
	assert.True(t, attr.Unexpected)
}

func TestStatus_NeverStarted(t *testing.T) {
	m, _, _ := newTestMachine(t)

	_, err := m.Status()
	assert.ErrorIs(t, err, ErrNeverStarted)
}

func TestStatus_ElapsedTracksClock(t *testing.T) {
	m, clock, _ := newTestMachine(t)

	_, err := m.Start(context.Background(), "ALL-01", testLFDI)
	require.NoError(t, err)

	clock.Advance(90 * time.Second)
	snap, err := m.Status()
	require.NoError(t, err)
	assert.InDelta(t, 90.0, snap.ElapsedSeconds, 0.001)
}

func TestTimeout_FailedAtNextStatus(t *testing.T) {
	dir := t.TempDir()
	src := `
procedures: {
	"TIMEOUT-01": {
		steps: [
			{
				id:      "SLOW"
				timeout: "10s"
				matcher: {kind: "request", method: "GET", endpoint: "/dcap"}
			},
		]
	}
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "t.cue"), []byte(src), 0o644))

	clock := testutil.NewClock(time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC))
	m := NewMachine(definition.NewRegistry(dir), &stubProvisioner{}, WithClock(clock))

	_, err := m.Start(context.Background(), "TIMEOUT-01", testLFDI)
	require.NoError(t, err)

	clock.Advance(9 * time.Second)
	snap, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, StepPending, snap.Steps[0].Status)

	clock.Advance(2 * time.Second)
	snap, err = m.Status()
	require.NoError(t, err)
	assert.Equal(t, StepFailed, snap.Steps[0].Status)
	assert.Equal(t, "timeout", snap.Steps[0].Failure)

	// A timed-out step never matches afterwards.
	attr := m.RecordInteraction(context.Background(), Interaction{
		Kind: definition.KindRequest, Method: "GET", Path: "/dcap",
	})
	assert.True(t, attr.Unexpected)
}

func TestDeterminism_ReplayReproducesStepStates(t *testing.T) {
	ctx := context.Background()
	stream := []Interaction{
		{Kind: definition.KindRequest, Method: "GET", Path: "/tm"},
		putEdev(),
		{Kind: definition.KindRequest, Method: "GET", Path: "/dcap"},
		derControl("tok-1"),
	}

	replay := func() Snapshot {
		m, _, _ := newTestMachine(t)
		_, err := m.Start(ctx, "ALL-01", testLFDI)
		require.NoError(t, err)
		for _, in := range stream {
			if in.Kind == definition.KindNotification {
				m.RecordNotification(ctx, in)
			} else {
				m.RecordInteraction(ctx, in)
			}
		}
		snap, err := m.Status()
		require.NoError(t, err)
		return snap
	}

	first := replay()
	second := replay()

	require.Equal(t, len(first.Steps), len(second.Steps))
	for i := range first.Steps {
		assert.Equal(t, first.Steps[i].Status, second.Steps[i].Status)
		assert.Equal(t, first.Steps[i].Seen, second.Steps[i].Seen)
	}
	assert.Equal(t, len(first.Unexpected), len(second.Unexpected))
}

func TestAbort_FromRunning(t *testing.T) {
	m, _, _ := newTestMachine(t)

	_, err := m.Start(context.Background(), "ALL-01", testLFDI)
	require.NoError(t, err)

	require.NoError(t, m.Abort("operator intervention"))
	snap, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, "aborted", snap.State)
	assert.Equal(t, "operator intervention", snap.AbortCause)

	assert.True(t, IsConflict(m.Abort("again")), "abort of a terminal run must conflict")
}

func TestReset_Lifecycle(t *testing.T) {
	m, _, _ := newTestMachine(t)

	assert.NoError(t, m.Reset(), "reset while idle is a no-op")

	_, err := m.Start(context.Background(), "ALL-01", testLFDI)
	require.NoError(t, err)
	assert.True(t, IsConflict(m.Reset()), "reset mid-run must conflict")

	_, err = m.Finalize()
	require.NoError(t, err)
	require.NoError(t, m.Reset())

	snap, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, "idle", snap.State)
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	m, _, _ := newTestMachine(t)
	ctx := context.Background()

	_, err := m.Start(ctx, "ALL-01", testLFDI)
	require.NoError(t, err)
	m.RecordInteraction(ctx, putEdev())

	snap, err := m.Status()
	require.NoError(t, err)
	snap.Steps[0].Status = StepFailed
	snap.Interactions[0].Method = "TAMPERED"

	fresh, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, StepSatisfied, fresh.Steps[0].Status)
	assert.Equal(t, "PUT", fresh.Interactions[0].Method)
}

func TestRecord_SeqStrictlyIncreasing(t *testing.T) {
	m, _, _ := newTestMachine(t)
	ctx := context.Background()

	_, err := m.Start(ctx, "ALL-01", testLFDI)
	require.NoError(t, err)
	m.RecordInteraction(ctx, putEdev())
	m.RecordNotification(ctx, derControl("tok-1"))

	snap, err := m.Status()
	require.NoError(t, err)
	require.Len(t, snap.Interactions, 2)
	assert.Less(t, snap.Interactions[0].Seq, snap.Interactions[1].Seq)
}
