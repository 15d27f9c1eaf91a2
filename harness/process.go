package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const (
	readyPollInterval = 100 * time.Millisecond
	readyDialTimeout  = 250 * time.Millisecond
	outputTailSize    = 4 * 1024
	// waitDelay bounds how long Wait keeps copying output after the process
	// exits while a stray grandchild still holds the pipe.
	waitDelay = 500 * time.Millisecond
)

// Result is the structured outcome of one client process run.
type Result struct {
	ExitCode int
	TimedOut bool
	Duration time.Duration
	Output   string // tail of combined stdout/stderr
}

// startProcess launches c in its own process group so it and everything it
// spawns (go run builds and execs a child) can be signalled together.
func startProcess(c Command, out io.Writer) (*exec.Cmd, error) {
	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = waitDelay
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Name, err)
	}
	return cmd, nil
}

// signalGroup sends sig to the whole process group led by pid.
// A group that is already gone is not an error.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal %v to group %d: %w", sig, pid, err)
	}
	return nil
}

// --- Server ---

// Server is a running sync server process group.
type Server struct {
	cmd     *exec.Cmd
	pid     int
	grace   time.Duration
	out     *tailBuffer
	exited  chan struct{}
	waitErr error

	stopOnce sync.Once
}

// StartServer launches the server and returns immediately. Readiness is
// not implied; call WaitReady before issuing syncs.
func StartServer(c Command, output io.Writer, grace time.Duration) (*Server, error) {
	l := sub("process")
	tail := newTailBuffer(outputTailSize)
	var w io.Writer = tail
	if output != nil {
		w = io.MultiWriter(tail, output)
	}

	cmd, err := startProcess(c, w)
	if err != nil {
		l.Error("server start failed", "cmd", c.String(), "err", err)
		return nil, err
	}

	s := &Server{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		grace:  grace,
		out:    tail,
		exited: make(chan struct{}),
	}
	go func() {
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()

	l.Info("server started", "pid", s.pid, "cmd", c.String())
	return s, nil
}

// WaitReady polls addr with TCP dials until the server accepts a
// connection, the server exits, ctx ends, or timeout elapses.
func (s *Server) WaitReady(ctx context.Context, addr string, timeout time.Duration) error {
	l := sub("process")
	start := time.Now()
	deadline := start.Add(timeout)
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		conn, err := net.DialTimeout("tcp", addr, readyDialTimeout)
		if err == nil {
			conn.Close()
			l.Info("server ready", "addr", addr, "attempts", attempt, "elapsed", time.Since(start).Round(time.Millisecond))
			return nil
		}
		if logEnabled(slog.LevelDebug) {
			l.Debug("server not ready", "addr", addr, "attempt", attempt, "err", err)
		}

		select {
		case <-s.exited:
			return fmt.Errorf("%w: %v (output: %s)", ErrServerExited, s.waitErr, quote(s.out.String()))
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return &TimeoutError{Client: -1, Op: "server start", Timeout: timeout}
		}
	}
}

// Stop terminates the whole server process group: SIGTERM, a grace period,
// then SIGKILL, then a sweep of any descendant that left the group.
// Only the first call does anything.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		l := sub("process")
		tracked := trackDescendants(int32(s.pid))

		if err := signalGroup(s.pid, syscall.SIGTERM); err != nil {
			l.Warn("SIGTERM failed", "pid", s.pid, "err", err)
		}
		select {
		case <-s.exited:
			l.Info("server stopped", "pid", s.pid)
		case <-time.After(s.grace):
			l.Warn("server ignored SIGTERM, sending SIGKILL", "pid", s.pid, "grace", s.grace)
			if err := signalGroup(s.pid, syscall.SIGKILL); err != nil {
				l.Error("SIGKILL failed", "pid", s.pid, "err", err)
			}
			select {
			case <-s.exited:
			case <-time.After(s.grace):
				l.Error("server did not exit after SIGKILL", "pid", s.pid)
			}
		}

		if n := sweepDescendants(tracked); n > 0 {
			l.Warn("killed stray server descendants", "count", n)
		}
	})
}

// trackDescendants records every descendant of pid with its create time,
// so a recycled pid is never killed by mistake.
func trackDescendants(pid int32) map[int32]int64 {
	tracked := make(map[int32]int64)
	var walk func(int32)
	walk = func(p int32) {
		proc, err := process.NewProcess(p)
		if err != nil {
			return
		}
		children, err := proc.Children()
		if err != nil {
			return
		}
		for _, c := range children {
			if ct, err := c.CreateTime(); err == nil {
				tracked[c.Pid] = ct
			}
			walk(c.Pid)
		}
	}
	walk(pid)
	if logEnabled(slog.LevelDebug) {
		sub("process").Debug("tracked descendants", "pid", pid, "count", len(tracked))
	}
	return tracked
}

// sweepDescendants kills tracked processes that are still alive.
func sweepDescendants(tracked map[int32]int64) int {
	killed := 0
	for pid, created := range tracked {
		alive, err := process.PidExists(pid)
		if err != nil || !alive {
			continue
		}
		proc, err := process.NewProcess(pid)
		if err != nil {
			continue
		}
		if ct, err := proc.CreateTime(); err != nil || ct != created {
			continue
		}
		if err := proc.Kill(); err == nil {
			killed++
		}
	}
	return killed
}

// --- Client processes ---

// Handle tracks one launched client process until it completes.
type Handle struct {
	cmd   *exec.Cmd
	pid   int
	start time.Time
	out   *tailBuffer
	done  chan struct{}
	err   error
}

// StartClient launches c without waiting for it.
func StartClient(c Command) (*Handle, error) {
	tail := newTailBuffer(outputTailSize)
	cmd, err := startProcess(c, tail)
	if err != nil {
		return nil, err
	}
	h := &Handle{
		cmd:   cmd,
		pid:   cmd.Process.Pid,
		start: time.Now(),
		out:   tail,
		done:  make(chan struct{}),
	}
	go func() {
		h.err = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

// Wait blocks until the process exits or timeout elapses, measured from
// launch. On timeout the process group is killed and Result.TimedOut is
// set. A cancelled ctx also kills the group and returns ctx.Err().
func (h *Handle) Wait(ctx context.Context, timeout time.Duration) (Result, error) {
	remaining := timeout - time.Since(h.start)
	if remaining < 0 {
		remaining = 0
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-h.done:
		return h.result(false), nil
	case <-timer.C:
		h.Kill()
		<-h.done
		return h.result(true), nil
	case <-ctx.Done():
		h.Kill()
		<-h.done
		return h.result(false), ctx.Err()
	}
}

// Kill force-kills the client's process group.
func (h *Handle) Kill() {
	if err := signalGroup(h.pid, syscall.SIGKILL); err != nil {
		sub("process").Warn("kill client failed", "pid", h.pid, "err", err)
	}
}

func (h *Handle) result(timedOut bool) Result {
	r := Result{
		ExitCode: -1,
		TimedOut: timedOut,
		Duration: time.Since(h.start),
		Output:   h.out.String(),
	}
	if h.cmd.ProcessState != nil {
		r.ExitCode = h.cmd.ProcessState.ExitCode()
	}
	return r
}

// RunClient launches c and blocks up to timeout.
func RunClient(ctx context.Context, c Command, timeout time.Duration) (Result, error) {
	h, err := StartClient(c)
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	return h.Wait(ctx, timeout)
}

// --- tailBuffer: keeps the last n bytes written ---

type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	n   int
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{n: n}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.n; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
