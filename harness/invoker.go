package harness

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/flynn/go-shlex"
	"github.com/marusama/semaphore/v2"
)

const (
	ModeBlocking = "blocking"
	ModeAsync    = "async"
)

// Invocation is the record of one client sync.
type Invocation struct {
	Client   int
	Mode     string
	Started  time.Time
	Duration time.Duration
	TimedOut bool
	ExitCode int
}

// InvocationObserver is told about every finished sync.
type InvocationObserver interface {
	ObserveInvocation(inv Invocation)
}

// Syncer reconciles one client directory against the server.
type Syncer interface {
	// Sync blocks until client i's sync completes or times out.
	Sync(ctx context.Context, client int) error
	// SyncAsync launches client i's sync and returns without waiting.
	SyncAsync(ctx context.Context, client int) (*PendingSync, error)
	// Join waits for every pending sync. Any failure is returned after
	// all of them have finished.
	Join(ctx context.Context, pending []*PendingSync) error
}

// PendingSync is a launched sync that has not been joined yet.
type PendingSync struct {
	Client int
	done   chan struct{}
	err    error
}

func newPendingSync(client int) *PendingSync {
	return &PendingSync{Client: client, done: make(chan struct{})}
}

func (p *PendingSync) finish(err error) {
	p.err = err
	close(p.done)
}

// Done is closed when the sync has finished.
func (p *PendingSync) Done() <-chan struct{} { return p.done }

// Invoker runs the configured client command for each sync.
type Invoker struct {
	cfg      ClientConfig
	server   ServerConfig
	ws       *Workspace
	detach   []string
	sem      semaphore.Semaphore // nil when launches are unbounded
	observer InvocationObserver
}

// NewInvoker validates the client command template and returns an Invoker.
func NewInvoker(cfg ClientConfig, server ServerConfig, ws *Workspace, observer InvocationObserver) (*Invoker, error) {
	v := &Invoker{cfg: cfg, server: server, ws: ws, observer: observer}
	if cfg.DetachArgs != "" {
		args, err := shlex.Split(cfg.DetachArgs)
		if err != nil {
			return nil, fmt.Errorf("parse client.detach_args: %w", err)
		}
		v.detach = args
	}
	if cfg.MaxConcurrent > 0 {
		v.sem = semaphore.New(cfg.MaxConcurrent)
	}
	if _, err := v.command(0, false); err != nil {
		return nil, fmt.Errorf("client.command: %w", err)
	}
	return v, nil
}

func (v *Invoker) command(i int, detach bool) (Command, error) {
	c, err := BuildCommand(v.cfg.Command, Vars{
		"host":       v.server.Host,
		"port":       strconv.Itoa(v.server.Port),
		"addr":       v.server.Addr(),
		"dir":        v.ws.ClientDir(i),
		"block_size": strconv.Itoa(v.cfg.BlockSize),
		"client":     strconv.Itoa(i),
	})
	if err != nil {
		return Command{}, err
	}
	if detach && len(v.detach) > 0 {
		c = c.WithArgs(v.detach...)
	}
	return c, nil
}

// Sync runs client i's sync to completion. A timeout kills the client and
// returns *TimeoutError. Exit codes are recorded but not judged.
func (v *Invoker) Sync(ctx context.Context, i int) error {
	c, err := v.command(i, false)
	if err != nil {
		return err
	}
	if v.sem != nil {
		if err := v.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer v.sem.Release(1)
	}

	res, err := RunClient(ctx, c, v.cfg.Timeout)
	v.record(i, ModeBlocking, res)
	return v.check(i, res, err)
}

// SyncAsync launches client i's sync in the background. The client timeout
// runs from the moment the process starts.
func (v *Invoker) SyncAsync(ctx context.Context, i int) (*PendingSync, error) {
	c, err := v.command(i, true)
	if err != nil {
		return nil, err
	}
	p := newPendingSync(i)

	if v.sem == nil {
		// Start here so launch errors surface to the caller.
		h, err := StartClient(c)
		if err != nil {
			return nil, fmt.Errorf("sync client %d: %w", i, err)
		}
		go func() { p.finish(v.wait(ctx, i, h)) }()
	} else {
		go func() {
			if err := v.sem.Acquire(ctx, 1); err != nil {
				p.finish(err)
				return
			}
			defer v.sem.Release(1)
			h, err := StartClient(c)
			if err != nil {
				p.finish(fmt.Errorf("sync client %d: %w", i, err))
				return
			}
			p.finish(v.wait(ctx, i, h))
		}()
	}

	sub("invoker").Debug("sync launched", "client", i, "mode", ModeAsync)
	return p, nil
}

// Join waits for all pending syncs and returns the first failure in client
// order. Pending syncs are never abandoned.
func (v *Invoker) Join(ctx context.Context, pending []*PendingSync) error {
	return joinPending(ctx, pending)
}

func joinPending(ctx context.Context, pending []*PendingSync) error {
	var ctxErr error
	for _, p := range pending {
		select {
		case <-p.done:
		case <-ctx.Done():
			// Syncs watch the same ctx and kill their clients; wait for that.
			ctxErr = ctx.Err()
			<-p.done
		}
	}
	if ctxErr != nil {
		return ctxErr
	}
	for _, p := range pending {
		if p.err != nil {
			return p.err
		}
	}
	return nil
}

func (v *Invoker) wait(ctx context.Context, i int, h *Handle) error {
	res, err := h.Wait(ctx, v.cfg.Timeout)
	v.record(i, ModeAsync, res)
	return v.check(i, res, err)
}

func (v *Invoker) check(i int, res Result, err error) error {
	l := sub("invoker")
	if err != nil {
		return fmt.Errorf("sync client %d: %w", i, err)
	}
	if res.TimedOut {
		l.Error("sync timed out", "client", i, "timeout", v.cfg.Timeout, "output", res.Output)
		return &TimeoutError{Client: i, Op: "sync", Timeout: v.cfg.Timeout}
	}
	if res.ExitCode != 0 {
		l.Warn("sync exited non-zero", "client", i, "code", res.ExitCode, "output", res.Output)
	}
	return nil
}

func (v *Invoker) record(i int, mode string, res Result) {
	sub("invoker").Debug("sync finished", "client", i, "mode", mode,
		"duration", res.Duration.Round(time.Millisecond), "exit", res.ExitCode, "timedOut", res.TimedOut)
	if v.observer != nil {
		v.observer.ObserveInvocation(Invocation{
			Client:   i,
			Mode:     mode,
			Started:  time.Now().Add(-res.Duration),
			Duration: res.Duration,
			TimedOut: res.TimedOut,
			ExitCode: res.ExitCode,
		})
	}
}

var _ Syncer = (*Invoker)(nil)
