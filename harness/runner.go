package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/afero"
)

// ServerProcess is the part of *Server the Runner depends on.
type ServerProcess interface {
	WaitReady(ctx context.Context, addr string, timeout time.Duration) error
	Stop()
}

// ServerLauncher starts the sync server.
type ServerLauncher func(ctx context.Context) (ServerProcess, error)

// SyncerFactory builds the Syncer for a run's workspace. obs must be told
// about every sync.
type SyncerFactory func(ws *Workspace, obs InvocationObserver) (Syncer, error)

// Runner executes the scenario phases against one server instance.
type Runner struct {
	cfg        Config
	fs         afero.Fs
	ledger     *Ledger
	launch     ServerLauncher
	newSyncer  SyncerFactory
	serverLog  io.Writer
	reportPath string
}

// Option configures a Runner.
type Option func(*Runner)

// WithFs sets the workspace filesystem. Quiescence watching and failure
// bundles need the OS filesystem.
func WithFs(fsys afero.Fs) Option { return func(r *Runner) { r.fs = fsys } }

// WithLedger records the run in lg.
func WithLedger(lg *Ledger) Option { return func(r *Runner) { r.ledger = lg } }

// WithServerLauncher replaces the configured server command.
func WithServerLauncher(f ServerLauncher) Option { return func(r *Runner) { r.launch = f } }

// WithSyncer replaces the configured client command.
func WithSyncer(f SyncerFactory) Option { return func(r *Runner) { r.newSyncer = f } }

// WithServerOutput copies the server's output to w.
func WithServerOutput(w io.Writer) Option { return func(r *Runner) { r.serverLog = w } }

// WithReportPath writes the YAML report to path when the run ends.
func WithReportPath(path string) Option { return func(r *Runner) { r.reportPath = path } }

// NewRunner validates cfg and returns a Runner.
func NewRunner(cfg Config, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	r := &Runner{cfg: cfg, fs: afero.NewOsFs()}
	r.launch = r.launchServer
	r.newSyncer = r.invoker
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

func (r *Runner) launchServer(_ context.Context) (ServerProcess, error) {
	c, err := serverCommand(r.cfg.Server)
	if err != nil {
		return nil, err
	}
	return StartServer(c, r.serverLog, r.cfg.Server.StopGrace)
}

// serverCommand expands the server template. The server reads its
// advertised block store address from {addr}.
func serverCommand(s ServerConfig) (Command, error) {
	c, err := BuildCommand(s.Command, Vars{
		"host": s.Host,
		"port": strconv.Itoa(s.Port),
		"addr": s.Addr(),
	})
	if err != nil {
		return Command{}, fmt.Errorf("server.command: %w", err)
	}
	return c, nil
}

func (r *Runner) invoker(ws *Workspace, obs InvocationObserver) (Syncer, error) {
	return NewInvoker(r.cfg.Client, r.cfg.Server, ws, obs)
}

func (r *Runner) onOSFs() bool {
	_, ok := r.fs.(*afero.OsFs)
	return ok
}

// Run executes the selected phases in order. A launched server is stopped
// exactly once on every path, and the report is always returned, even on
// failure.
func (r *Runner) Run(ctx context.Context) (rep *Report, err error) {
	l := sub("runner")
	resetRecentErrors()

	seed := r.cfg.Run.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	selected := selectPhases(r.cfg.Run.Phases)
	names := lo.Map(selected, func(p phase, _ int) string { return p.name })
	n := r.cfg.Run.Clients
	addr := r.cfg.Server.Addr()

	rep = &Report{
		Status:    StatusRunning,
		Seed:      seed,
		Clients:   n,
		Server:    addr,
		StartedAt: time.Now(),
	}
	rec := &runRecorder{ledger: r.ledger}
	if r.ledger != nil {
		id, err := r.ledger.BeginRun(RunRecord{
			StartedAt: rep.StartedAt, Seed: seed, Clients: n, ServerAddr: addr, Phases: names,
		})
		if err != nil {
			return rep, err
		}
		rec.runID = id
		rep.RunID = id
	}
	l.Info("run start", "seed", seed, "clients", n, "server", addr, "phases", names)

	ignore := NewIgnoreList(r.cfg.Ignore.Patterns...)
	ws := NewWorkspace(r.fs, r.cfg.Run.Workdir, ignore)
	defer func() { r.finish(rep, ws, rec, err) }()

	if f := r.cfg.Ignore.File; f != "" {
		if err = ignore.LoadIgnoreFile(f); err != nil {
			return rep, fmt.Errorf("ignore.file: %w", err)
		}
		l.Debug("ignore file loaded", "path", f)
	}

	syncer, err := r.newSyncer(ws, rec)
	if err != nil {
		return rep, err
	}

	srv, err := r.launch(ctx)
	if err != nil {
		return rep, err
	}
	// Registered after finish, so the server is down before the
	// workspaces are inspected for the report.
	defer srv.Stop()

	if err = srv.WaitReady(ctx, addr, r.cfg.Server.ReadyTimeout); err != nil {
		return rep, err
	}

	e := &env{
		cfg:    r.cfg,
		n:      n,
		ws:     ws,
		syncer: syncer,
		rng:    newRand(seed),
	}
	if r.onOSFs() {
		e.watch = func() (*Settler, error) {
			dirs := lo.Times(n, ws.ClientDir)
			return WatchDirs(ws.Root(), dirs, ignore)
		}
	}

	for seq, p := range selected {
		if err = ctx.Err(); err != nil {
			break
		}
		if err = r.runPhase(ctx, e, rec, seq, p, rep); err != nil {
			break
		}
	}
	for _, p := range selected[len(rep.Phases):] {
		rep.Phases = append(rep.Phases, PhaseReport{Name: p.name, Status: StatusSkipped})
	}
	return rep, err
}

func (r *Runner) runPhase(ctx context.Context, e *env, rec *runRecorder, seq int, p phase, rep *Report) error {
	l := sub("runner")
	e.phase, e.note = p.name, ""
	rec.setPhase(p.name)
	if r.ledger != nil {
		if err := r.ledger.BeginPhase(rec.runID, seq, p.name); err != nil {
			l.Warn("ledger begin phase failed", "phase", p.name, "err", err)
		}
	}

	l.Info("phase start", "phase", p.name)
	start := time.Now()
	err := p.run(ctx, e)
	pr := PhaseReport{Name: p.name, Status: StatusPassed, Duration: time.Since(start), Note: e.note}
	if err != nil {
		err = &PhaseError{Phase: p.name, Err: err}
		pr.Status = StatusFailed
		pr.Error = err.Error()
		l.Error("phase failed", "phase", p.name, "err", err)
	} else {
		l.Info("phase passed", "phase", p.name, "elapsed", pr.Duration.Round(time.Millisecond))
	}
	rep.Phases = append(rep.Phases, pr)

	if r.ledger != nil {
		if lerr := r.ledger.FinishPhase(rec.runID, seq, pr.Status, pr.Error); lerr != nil {
			l.Warn("ledger finish phase failed", "phase", p.name, "err", lerr)
		}
	}
	return err
}

// finish completes the report, bundles workspaces on failure, writes the
// report and closes the ledger record. It runs after the server is stopped.
func (r *Runner) finish(rep *Report, ws *Workspace, rec *runRecorder, runErr error) {
	l := sub("runner")
	rep.FinishedAt = time.Now()
	rep.Syncs = rec.invocations()
	rep.Status = StatusPassed
	if runErr != nil {
		rep.Status = StatusFailed
		rep.Failure = runErr.Error()
		if errors.Is(runErr, context.Canceled) {
			rep.Failure = "interrupted: " + rep.Failure
		}
	}

	var snaps []ClientSnapshot
	for i := 0; i < r.cfg.Run.Clients; i++ {
		s, err := ws.Snapshot(i)
		if err != nil {
			l.Warn("final snapshot failed", "client", i, "err", err)
			continue
		}
		snaps = append(snaps, NewClientSnapshot(ClientDirName(i), s))
	}
	rep.SetWorkspaces(snaps)

	if runErr != nil {
		l.Error("run failed", "seed", rep.Seed, "err", runErr)
		if r.cfg.Artifacts.Dir != "" && r.onOSFs() {
			var extra []string
			if r.cfg.Log.Dir != "" {
				extra = append(extra, filepath.Join(r.cfg.Log.Dir, "server.log"))
			}
			label := "seed" + strconv.FormatInt(rep.Seed, 10)
			if rep.RunID != 0 {
				label = "run" + strconv.FormatInt(rep.RunID, 10)
			}
			// The run ctx may be the reason we are here; the bundle still gets written.
			path, err := BundleWorkspaces(context.Background(), r.cfg.Artifacts.Dir, label, ws.Dirs(r.cfg.Run.Clients), extra...)
			if err != nil {
				l.Warn("workspace bundle failed", "err", err)
			} else {
				rep.Artifact = path
			}
		}
	} else {
		l.Info("run passed", "seed", rep.Seed, "phases", len(rep.Phases), "syncs", rep.Syncs,
			"elapsed", rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))
	}
	rep.RecentErrors = RecentErrors()

	if r.reportPath != "" {
		if err := WriteReport(r.reportPath, rep); err != nil {
			l.Warn("report write failed", "err", err)
		}
	}
	if r.ledger != nil {
		if err := r.ledger.FinishRun(rec.runID, rep.Status, rep.Failure, r.reportPath, rep.Artifact); err != nil {
			l.Warn("ledger finish run failed", "err", err)
		}
	}
}
