package archive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridverify/certus/internal/definition"
	"github.com/gridverify/certus/internal/run"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func sampleRequest(id string, seq int64) run.Interaction {
	return run.Interaction{
		ID:        id,
		Seq:       seq,
		Timestamp: time.Date(2026, 8, 25, 9, 0, 0, 123456789, time.UTC),
		Kind:      definition.KindRequest,
		Method:    "PUT",
		Path:      "/edev/1",
		LFDI:      "854d10a201ca99e5e90d3c3e1f9886fbde13179e",
	}
}

func TestRecordAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := sampleRequest("int-1", 1)
	in.Fields = map[string]string{"status": "scheduled"}
	attr := run.Attribution{StepID: "A"}
	require.NoError(t, s.Record(ctx, "run-1", in, attr))

	entry, err := s.Get(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", entry.RunID)
	assert.Equal(t, in, entry.Interaction)
	assert.Equal(t, attr, entry.Attribution)
}

func TestRecord_IdempotentOnID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := sampleRequest("int-1", 1)
	require.NoError(t, s.Record(ctx, "run-1", in, run.Attribution{StepID: "A"}))

	// Replay with different attribution must not overwrite the first write.
	require.NoError(t, s.Record(ctx, "run-1", in, run.Attribution{Unexpected: true}))

	entry, err := s.Get(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, "A", entry.Attribution.StepID)
	assert.False(t, entry.Attribution.Unexpected)
}

func TestList_OrderedBySeq(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, "run-1", sampleRequest("int-3", 3), run.Attribution{Unexpected: true}))
	require.NoError(t, s.Record(ctx, "run-1", sampleRequest("int-1", 1), run.Attribution{StepID: "A"}))
	require.NoError(t, s.Record(ctx, "run-1", sampleRequest("int-2", 2), run.Attribution{StepID: "B"}))

	entries, err := s.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "int-1", entries[0].Interaction.ID)
	assert.Equal(t, "int-2", entries[1].Interaction.ID)
	assert.Equal(t, "int-3", entries[2].Interaction.ID)
}

func TestList_FiltersByRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, "run-1", sampleRequest("int-1", 1), run.Attribution{}))
	require.NoError(t, s.Record(ctx, "run-2", sampleRequest("int-2", 2), run.Attribution{}))

	entries, err := s.List(ctx, "run-2")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "int-2", entries[0].Interaction.ID)
}

func TestRecord_Notification(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := run.Interaction{
		ID:        "not-1",
		Seq:       4,
		Timestamp: time.Date(2026, 8, 25, 9, 1, 0, 0, time.UTC),
		Kind:      definition.KindNotification,
		Type:      "DERControl",
		Token:     "t-9",
		Fields:    map[string]string{"status": "scheduled"},
	}
	require.NoError(t, s.Record(ctx, "run-1", in, run.Attribution{StepID: "DERC-NOTIFY"}))

	entry, err := s.Get(ctx, "not-1")
	require.NoError(t, err)
	assert.Equal(t, in, entry.Interaction)
}

func TestRecord_NoActiveRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := sampleRequest("stray-1", 1)
	require.NoError(t, s.Record(ctx, "", in, run.Attribution{Unexpected: true, NoActiveRun: true}))

	entry, err := s.Get(ctx, "stray-1")
	require.NoError(t, err)
	assert.Empty(t, entry.RunID)
	assert.True(t, entry.Attribution.NoActiveRun)
}

func TestGet_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing", nf.ID)
	assert.True(t, IsNotFound(err))
}

func TestOpen_IdempotentOnDisk(t *testing.T) {
	path := t.TempDir() + "/archive.db"

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Record(context.Background(), "run-1", sampleRequest("int-1", 1), run.Attribution{}))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	entries, err := s2.List(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
