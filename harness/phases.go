package harness

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/samber/lo"
)

// phase is one named step of the scenario. Each phase's postconditions are
// the next phase's preconditions.
type phase struct {
	name string
	run  func(ctx context.Context, e *env) error
}

// phases is the canonical order. Selection never reorders it.
var phases = []phase{
	{"baseline", runBaseline},
	{"create", runCreate},
	{"resync", runResync},
	{"update", runUpdate},
	{"conflict", runConflict},
	{"delete", runDelete},
}

// PhaseNames returns every phase name in execution order.
func PhaseNames() []string {
	return lo.Map(phases, func(p phase, _ int) string { return p.name })
}

func selectPhases(names []string) []phase {
	if len(names) == 0 {
		return phases
	}
	return lo.Filter(phases, func(p phase, _ int) bool { return lo.Contains(names, p.name) })
}

// env is everything a phase may touch. The Runner owns it; phases never
// reach for process-wide state.
type env struct {
	cfg    Config
	n      int
	ws     *Workspace
	syncer Syncer
	rng    *rand.Rand

	// watch starts a quiescence watch over every client dir. nil when the
	// workspace is not on a real filesystem.
	watch func() (*Settler, error)

	phase   string
	note    string
	updates map[int][]string // file index -> update lines appended to it
}

func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>1|1))
}

func (e *env) observe(i, j int) (Observation, error) {
	content, ok, err := e.ws.ReadFile(i, j)
	if err != nil {
		return Observation{}, err
	}
	return Observation{Client: i, File: j, Exists: ok, Content: content}, nil
}

func (e *env) sync(ctx context.Context, i int) error {
	return e.syncer.Sync(ctx, i)
}

// baseline: every client starts empty, syncs, creates its own file, syncs.
func runBaseline(ctx context.Context, e *env) error {
	l := sub("phase")
	for i := 0; i < e.n; i++ {
		if err := e.ws.ResetClientDir(i); err != nil {
			return err
		}
		if err := e.sync(ctx, i); err != nil {
			return err
		}
		if err := e.ws.WriteFile(i, i, CreatorLine(i)); err != nil {
			return err
		}
		if err := e.sync(ctx, i); err != nil {
			return err
		}
		l.Debug("client seeded", "client", i)
	}
	return nil
}

// create: after one more sync every client holds every file with its
// creator's exact content.
func runCreate(ctx context.Context, e *env) error {
	for i := 0; i < e.n; i++ {
		if err := e.sync(ctx, i); err != nil {
			return err
		}
		for j := 0; j < e.n; j++ {
			o, err := e.observe(i, j)
			if err != nil {
				return err
			}
			if err := ExpectContent(e.phase, o, CreatorLine(j)); err != nil {
				return err
			}
		}
	}
	return nil
}

// resync: a sync with nothing new to exchange leaves the directory untouched.
func runResync(ctx context.Context, e *env) error {
	for i := 0; i < e.n; i++ {
		before, err := e.ws.Snapshot(i)
		if err != nil {
			return err
		}
		if err := e.sync(ctx, i); err != nil {
			return err
		}
		after, err := e.ws.Snapshot(i)
		if err != nil {
			return err
		}
		if err := ExpectUnchanged(e.phase, i, before, after); err != nil {
			return err
		}
	}
	return nil
}

// update: clients take turns appending update lines to random files, then
// a final round must deliver every update to every client.
func runUpdate(ctx context.Context, e *env) error {
	l := sub("phase")
	e.updates = make(map[int][]string, e.n)
	total := 0
	for i := 0; i < e.n; i++ {
		if err := e.sync(ctx, i); err != nil {
			return err
		}
		for j := 0; j < e.n; j++ {
			if e.rng.Float64() >= 0.5 {
				continue
			}
			if err := e.ws.AppendLine(i, j, UpdateLine(i)); err != nil {
				return err
			}
			e.updates[j] = append(e.updates[j], UpdateLine(i))
			total++
		}
		if err := e.sync(ctx, i); err != nil {
			return err
		}
	}
	l.Info("updates applied", "lines", total)
	e.note = fmt.Sprintf("%d update lines", total)

	for i := 0; i < e.n; i++ {
		if err := e.sync(ctx, i); err != nil {
			return err
		}
	}
	for i := 0; i < e.n; i++ {
		for j := 0; j < e.n; j++ {
			o, err := e.observe(i, j)
			if err != nil {
				return err
			}
			want := append([]string{CreatorLine(j)}, e.updates[j]...)
			if err := ExpectContainsLines(e.phase, o, want); err != nil {
				return err
			}
		}
	}
	return nil
}

// conflict: every client edits the same file, all sync at once, and the
// result must be one winning version everywhere.
func runConflict(ctx context.Context, e *env) error {
	l := sub("phase")
	c := e.rng.IntN(e.n)
	e.note = FileName(c)
	l.Info("conflict target", "file", c)

	for i := 0; i < e.n; i++ {
		if err := e.ws.AppendLine(i, c, ConflictLine(i)); err != nil {
			return err
		}
	}

	var settler *Settler
	if e.watch != nil {
		s, err := e.watch()
		if err != nil {
			return err
		}
		defer s.Close()
		settler = s
	}

	pending := make([]*PendingSync, 0, e.n)
	for i := 0; i < e.n; i++ {
		p, err := e.syncer.SyncAsync(ctx, i)
		if err != nil {
			// Never leave launched syncs behind.
			e.syncer.Join(ctx, pending) //nolint:errcheck
			return err
		}
		pending = append(pending, p)
	}
	if err := e.syncer.Join(ctx, pending); err != nil {
		return err
	}

	if settler != nil {
		res, err := settler.WaitQuiet(ctx, e.cfg.Conflict.QuietPeriod, e.cfg.Conflict.SettleTimeout)
		if err != nil {
			return err
		}
		if res.Quiet {
			l.Info("workspaces settled", "waited", res.Waited.Round(time.Millisecond), "changed", len(res.Changed))
		} else {
			l.Warn("workspaces still changing at settle timeout", "waited", res.Waited.Round(time.Millisecond), "changed", len(res.Changed))
		}
	}

	copies := make([]Observation, 0, e.n)
	for i := 0; i < e.n; i++ {
		o, err := e.observe(i, c)
		if err != nil {
			return err
		}
		copies = append(copies, o)
	}
	return ExpectSingleWinner(e.phase, conflictPrefix, copies)
}

// delete: each client deletes its own file and syncs; it must then see
// every file deleted so far as absent and every other file still present.
func runDelete(ctx context.Context, e *env) error {
	for i := 0; i < e.n; i++ {
		if err := e.ws.RemoveFile(i, i); err != nil {
			return err
		}
		if err := e.sync(ctx, i); err != nil {
			return err
		}
		for j := 0; j < e.n; j++ {
			ok, err := e.ws.Exists(i, j)
			if err != nil {
				return err
			}
			o := Observation{Client: i, File: j, Exists: ok}
			if j > i {
				err = ExpectExists(e.phase, o)
			} else if ok {
				// Re-read so the failure shows the resurrected content.
				if o, err = e.observe(i, j); err == nil {
					err = ExpectAbsent(e.phase, o)
				}
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}
