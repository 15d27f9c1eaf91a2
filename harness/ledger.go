package harness

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	StatusRunning = "running"
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// RunRecord is one persisted harness run.
type RunRecord struct {
	ID           int64
	StartedAt    time.Time
	FinishedAt   time.Time // zero while running
	Seed         int64
	Clients      int
	ServerAddr   string
	Phases       []string
	Status       string
	Failure      string
	ReportPath   string
	ArtifactPath string
}

// PhaseRecord is one phase of a run.
type PhaseRecord struct {
	RunID      int64
	Seq        int
	Name       string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	Error      string
}

// InvocationRecord is one sync as stored in the ledger.
type InvocationRecord struct {
	Phase string
	Invocation
}

// Ledger persists run history in SQLite.
type Ledger struct {
	db *sql.DB
}

// OpenLedger opens or creates the ledger database at path.
func OpenLedger(path string) (*Ledger, error) {
	db, err := openDBAt(path)
	if err != nil {
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// Close closes the underlying database.
func (lg *Ledger) Close() error {
	return lg.db.Close()
}

// BeginRun inserts a run in the running state and returns its id.
func (lg *Ledger) BeginRun(r RunRecord) (int64, error) {
	l := sub("ledger")
	res, err := lg.db.Exec(`
		INSERT INTO runs (started_at, seed, clients, server_addr, phases, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.StartedAt.UnixNano(), r.Seed, r.Clients, r.ServerAddr, strings.Join(r.Phases, ","), StatusRunning)
	if err != nil {
		l.Error("BeginRun failed", "err", err)
		return 0, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("run id: %w", err)
	}
	l.Debug("BeginRun", "id", id, "seed", r.Seed)
	return id, nil
}

// FinishRun records a run's outcome.
func (lg *Ledger) FinishRun(id int64, status, failure, reportPath, artifactPath string) error {
	sub("ledger").Debug("FinishRun", "id", id, "status", status)
	_, err := lg.db.Exec(`
		UPDATE runs SET finished_at = ?, status = ?, failure = ?, report_path = ?, artifact_path = ?
		WHERE id = ?
	`, time.Now().UnixNano(), status, failure, reportPath, artifactPath, id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// BeginPhase records that phase seq of a run has started.
func (lg *Ledger) BeginPhase(runID int64, seq int, name string) error {
	_, err := lg.db.Exec(`
		INSERT INTO phases (run_id, seq, name, started_at, status) VALUES (?, ?, ?, ?, ?)
	`, runID, seq, name, time.Now().UnixNano(), StatusRunning)
	if err != nil {
		return fmt.Errorf("begin phase: %w", err)
	}
	return nil
}

// FinishPhase records a phase's outcome.
func (lg *Ledger) FinishPhase(runID int64, seq int, status, errMsg string) error {
	_, err := lg.db.Exec(`
		UPDATE phases SET finished_at = ?, status = ?, error = ? WHERE run_id = ? AND seq = ?
	`, time.Now().UnixNano(), status, errMsg, runID, seq)
	if err != nil {
		return fmt.Errorf("finish phase: %w", err)
	}
	return nil
}

// RecordInvocation stores one sync.
func (lg *Ledger) RecordInvocation(runID int64, phase string, inv Invocation) error {
	_, err := lg.db.Exec(`
		INSERT INTO invocations (run_id, phase, client, mode, started_at, duration_ns, timed_out, exit_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, phase, inv.Client, inv.Mode, inv.Started.UnixNano(), int64(inv.Duration), inv.TimedOut, inv.ExitCode)
	if err != nil {
		return fmt.Errorf("record invocation: %w", err)
	}
	return nil
}

const runColumns = `id, started_at, finished_at, seed, clients, server_addr, phases, status, failure, report_path, artifact_path`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var (
		r                 RunRecord
		started, finished int64
		phases            string
	)
	err := row.Scan(&r.ID, &started, &finished, &r.Seed, &r.Clients, &r.ServerAddr, &phases,
		&r.Status, &r.Failure, &r.ReportPath, &r.ArtifactPath)
	if err != nil {
		return nil, err
	}
	r.StartedAt = time.Unix(0, started)
	if finished != 0 {
		r.FinishedAt = time.Unix(0, finished)
	}
	if phases != "" {
		r.Phases = strings.Split(phases, ",")
	}
	return &r, nil
}

// ListRuns returns the most recent runs, newest first.
func (lg *Ledger) ListRuns(limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := lg.db.Query(`SELECT `+runColumns+` FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// GetRun returns one run, or nil if id is unknown.
func (lg *Ledger) GetRun(id int64) (*RunRecord, error) {
	r, err := scanRun(lg.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListPhases returns a run's phases in execution order.
func (lg *Ledger) ListPhases(runID int64) ([]PhaseRecord, error) {
	rows, err := lg.db.Query(`
		SELECT run_id, seq, name, started_at, finished_at, status, error
		FROM phases WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list phases: %w", err)
	}
	defer rows.Close()

	var out []PhaseRecord
	for rows.Next() {
		var (
			p                 PhaseRecord
			started, finished int64
		)
		if err := rows.Scan(&p.RunID, &p.Seq, &p.Name, &started, &finished, &p.Status, &p.Error); err != nil {
			return nil, fmt.Errorf("scan phase: %w", err)
		}
		p.StartedAt = time.Unix(0, started)
		if finished != 0 {
			p.FinishedAt = time.Unix(0, finished)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListInvocations returns a run's syncs in the order they were recorded.
func (lg *Ledger) ListInvocations(runID int64) ([]InvocationRecord, error) {
	rows, err := lg.db.Query(`
		SELECT phase, client, mode, started_at, duration_ns, timed_out, exit_code
		FROM invocations WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()

	var out []InvocationRecord
	for rows.Next() {
		var (
			rec      InvocationRecord
			started  int64
			duration int64
		)
		if err := rows.Scan(&rec.Phase, &rec.Client, &rec.Mode, &started, &duration, &rec.TimedOut, &rec.ExitCode); err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		rec.Started = time.Unix(0, started)
		rec.Duration = time.Duration(duration)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// runRecorder ties ledger writes to one run and the phase in progress.
// It is the InvocationObserver the Runner hands to the Syncer.
type runRecorder struct {
	ledger *Ledger // nil disables persistence
	runID  int64

	mu    sync.Mutex
	phase string
	count int
}

func (r *runRecorder) setPhase(name string) {
	r.mu.Lock()
	r.phase = name
	r.mu.Unlock()
}

func (r *runRecorder) invocations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *runRecorder) ObserveInvocation(inv Invocation) {
	r.mu.Lock()
	phase := r.phase
	r.count++
	r.mu.Unlock()
	if r.ledger == nil {
		return
	}
	if err := r.ledger.RecordInvocation(r.runID, phase, inv); err != nil {
		sub("ledger").Warn("record invocation failed", "client", inv.Client, "err", err)
	}
}
