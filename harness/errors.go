package harness

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrServerExited is returned when the server process exits before it
// became reachable.
var ErrServerExited = errors.New("server exited before becoming ready")

// TimeoutError reports a sync or server-start operation that exceeded its
// allotted time. Client is -1 for server operations.
type TimeoutError struct {
	Client  int
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Client < 0 {
		return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
	}
	return fmt.Sprintf("client %d: %s timed out after %s", e.Client, e.Op, e.Timeout)
}

// AssertionError reports observed filesystem state that diverges from the
// expected convergence property. File is -1 when the check spans files.
type AssertionError struct {
	Phase    string
	Client   int
	File     int
	Expected string
	Observed string
}

func (e *AssertionError) Error() string {
	var b strings.Builder
	if e.Phase != "" {
		fmt.Fprintf(&b, "phase %s: ", e.Phase)
	}
	if e.Client >= 0 {
		fmt.Fprintf(&b, "client %d", e.Client)
		if e.File >= 0 {
			fmt.Fprintf(&b, " file%d", e.File)
		}
		b.WriteString(": ")
	} else if e.File >= 0 {
		fmt.Fprintf(&b, "file%d: ", e.File)
	}
	fmt.Fprintf(&b, "expected %s, observed %s", e.Expected, e.Observed)
	return b.String()
}

// FixtureError reports a workspace setup or teardown failure.
type FixtureError struct {
	Op   string
	Path string
	Err  error
}

func (e *FixtureError) Error() string {
	return fmt.Sprintf("fixture %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FixtureError) Unwrap() error { return e.Err }

// PhaseError attaches the failing phase to any error raised inside it.
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string {
	var ae *AssertionError
	if errors.As(e.Err, &ae) && ae.Phase != "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("phase %s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// quote renders file content for error messages on one line.
func quote(s string) string {
	const limit = 200
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return fmt.Sprintf("%q", s)
}
