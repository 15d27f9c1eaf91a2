package harness

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLedger(t *testing.T) *Ledger {
	t.Helper()
	lg, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { lg.Close() })
	return lg
}

func TestOpenLedger_CreatesSchema(t *testing.T) {
	lg := setupTestLedger(t)

	for _, table := range []string{"runs", "phases", "invocations", "meta"} {
		var name string
		err := lg.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, table)
		assert.Equal(t, table, name)
	}

	var version string
	require.NoError(t, lg.db.QueryRow("SELECT value FROM meta WHERE key = 'schema_version'").Scan(&version))
	assert.Equal(t, "1", version)
}

func TestOpenLedger_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ledger.db")

	lg1, err := OpenLedger(path)
	require.NoError(t, err)
	_, err = lg1.BeginRun(RunRecord{StartedAt: time.Now(), Seed: 1, Clients: 2, ServerAddr: "x"})
	require.NoError(t, err)
	lg1.Close()

	lg2, err := OpenLedger(path)
	require.NoError(t, err)
	defer lg2.Close()
	runs, err := lg2.ListRuns(10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestOpenLedger_NewerSchemaRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	lg, err := OpenLedger(path)
	require.NoError(t, err)
	_, err = lg.db.Exec("UPDATE meta SET value = '99' WHERE key = 'schema_version'")
	require.NoError(t, err)
	lg.Close()

	_, err = OpenLedger(path)
	assert.ErrorContains(t, err, "newer")
}

func TestLedger_RunLifecycle(t *testing.T) {
	lg := setupTestLedger(t)
	started := time.Now().Add(-time.Minute)

	id, err := lg.BeginRun(RunRecord{
		StartedAt:  started,
		Seed:       42,
		Clients:    3,
		ServerAddr: "localhost:8081",
		Phases:     []string{"baseline", "create"},
	})
	require.NoError(t, err)

	run, err := lg.GetRun(id)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, StatusRunning, run.Status)
	assert.True(t, run.FinishedAt.IsZero())
	assert.Equal(t, started.UnixNano(), run.StartedAt.UnixNano())
	assert.Equal(t, []string{"baseline", "create"}, run.Phases)

	require.NoError(t, lg.FinishRun(id, StatusFailed, "phase create: boom", "r.yaml", "b.tar.gz"))
	run, err = lg.GetRun(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, "phase create: boom", run.Failure)
	assert.Equal(t, "r.yaml", run.ReportPath)
	assert.Equal(t, "b.tar.gz", run.ArtifactPath)
	assert.False(t, run.FinishedAt.IsZero())
}

func TestLedger_GetRunMissing(t *testing.T) {
	lg := setupTestLedger(t)
	run, err := lg.GetRun(12345)
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestLedger_ListRunsNewestFirst(t *testing.T) {
	lg := setupTestLedger(t)
	for seed := int64(1); seed <= 5; seed++ {
		_, err := lg.BeginRun(RunRecord{StartedAt: time.Now(), Seed: seed, Clients: 1, ServerAddr: "x"})
		require.NoError(t, err)
	}

	runs, err := lg.ListRuns(3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, int64(5), runs[0].Seed)
	assert.Equal(t, int64(3), runs[2].Seed)
}

func TestLedger_PhasesAndInvocations(t *testing.T) {
	lg := setupTestLedger(t)
	id, err := lg.BeginRun(RunRecord{StartedAt: time.Now(), Seed: 7, Clients: 2, ServerAddr: "x"})
	require.NoError(t, err)

	require.NoError(t, lg.BeginPhase(id, 0, "baseline"))
	require.NoError(t, lg.RecordInvocation(id, "baseline", Invocation{
		Client: 1, Mode: ModeBlocking, Started: time.Now(), Duration: 120 * time.Millisecond, ExitCode: 0,
	}))
	require.NoError(t, lg.FinishPhase(id, 0, StatusPassed, ""))
	require.NoError(t, lg.BeginPhase(id, 1, "conflict"))
	require.NoError(t, lg.RecordInvocation(id, "conflict", Invocation{
		Client: 0, Mode: ModeAsync, Started: time.Now(), Duration: 3 * time.Second, TimedOut: true, ExitCode: -1,
	}))
	require.NoError(t, lg.FinishPhase(id, 1, StatusFailed, "client 0: sync timed out"))

	phases, err := lg.ListPhases(id)
	require.NoError(t, err)
	require.Len(t, phases, 2)
	assert.Equal(t, "baseline", phases[0].Name)
	assert.Equal(t, StatusPassed, phases[0].Status)
	assert.Equal(t, "conflict", phases[1].Name)
	assert.Equal(t, "client 0: sync timed out", phases[1].Error)

	invs, err := lg.ListInvocations(id)
	require.NoError(t, err)
	require.Len(t, invs, 2)
	assert.Equal(t, "baseline", invs[0].Phase)
	assert.Equal(t, 120*time.Millisecond, invs[0].Duration)
	assert.False(t, invs[0].TimedOut)
	assert.Equal(t, ModeAsync, invs[1].Mode)
	assert.True(t, invs[1].TimedOut)
	assert.Equal(t, -1, invs[1].ExitCode)
}

func TestRunRecorder_TagsPhase(t *testing.T) {
	lg := setupTestLedger(t)
	id, err := lg.BeginRun(RunRecord{StartedAt: time.Now(), Seed: 1, Clients: 1, ServerAddr: "x"})
	require.NoError(t, err)

	rec := &runRecorder{ledger: lg, runID: id}
	rec.setPhase("create")
	rec.ObserveInvocation(Invocation{Client: 0, Mode: ModeBlocking, Started: time.Now()})
	rec.setPhase("delete")
	rec.ObserveInvocation(Invocation{Client: 0, Mode: ModeBlocking, Started: time.Now()})

	assert.Equal(t, 2, rec.invocations())
	invs, err := lg.ListInvocations(id)
	require.NoError(t, err)
	require.Len(t, invs, 2)
	assert.Equal(t, "create", invs[0].Phase)
	assert.Equal(t, "delete", invs[1].Phase)
}

func TestRunRecorder_NoLedger(t *testing.T) {
	rec := &runRecorder{}
	rec.ObserveInvocation(Invocation{Client: 3})
	assert.Equal(t, 1, rec.invocations())
}
