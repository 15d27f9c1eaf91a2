package harness

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

const (
	creatorPrefix  = "This is data from client "
	updatePrefix   = "Update from client "
	conflictPrefix = "Conflicting update from client "
)

// CreatorLine is the initial content client i writes to file{i}.
func CreatorLine(i int) string { return fmt.Sprintf("%s%d\n", creatorPrefix, i) }

// UpdateLine is the line client i appends during the update phase.
func UpdateLine(i int) string { return fmt.Sprintf("%s%d\n", updatePrefix, i) }

// ConflictLine is the line client i appends during the conflict phase.
func ConflictLine(i int) string { return fmt.Sprintf("%s%d\n", conflictPrefix, i) }

// Observation is one client's view of one file.
type Observation struct {
	Client  int
	File    int
	Exists  bool
	Content string
}

func (o Observation) describe() string {
	if !o.Exists {
		return "<absent>"
	}
	return quote(o.Content)
}

// ExpectContent fails unless the file exists with exactly want.
func ExpectContent(phase string, o Observation, want string) error {
	if o.Exists && o.Content == want {
		return nil
	}
	return &AssertionError{Phase: phase, Client: o.Client, File: o.File,
		Expected: quote(want), Observed: o.describe()}
}

// ExpectExists fails if the file is missing.
func ExpectExists(phase string, o Observation) error {
	if o.Exists {
		return nil
	}
	return &AssertionError{Phase: phase, Client: o.Client, File: o.File,
		Expected: "file present", Observed: "<absent>"}
}

// ExpectAbsent fails if the file exists.
func ExpectAbsent(phase string, o Observation) error {
	if !o.Exists {
		return nil
	}
	return &AssertionError{Phase: phase, Client: o.Client, File: o.File,
		Expected: "<absent>", Observed: o.describe()}
}

// ExpectContainsLines fails unless every line in want appears as a whole
// line of the file. Order is not checked.
func ExpectContainsLines(phase string, o Observation, want []string) error {
	if !o.Exists {
		return &AssertionError{Phase: phase, Client: o.Client, File: o.File,
			Expected: fmt.Sprintf("%d lines present", len(want)), Observed: "<absent>"}
	}
	have := splitLines(o.Content)
	missing := lo.Filter(want, func(line string, _ int) bool {
		return !lo.Contains(have, strings.TrimSuffix(line, "\n"))
	})
	if len(missing) == 0 {
		return nil
	}
	return &AssertionError{Phase: phase, Client: o.Client, File: o.File,
		Expected: "line " + quote(missing[0]) + fmt.Sprintf(" (%d missing)", len(missing)),
		Observed: o.describe()}
}

// ExpectSingleWinner checks conflict resolution for one file across every
// client's copy: each copy holds exactly one line with prefix, and all
// copies are identical. Which client won is not checked.
func ExpectSingleWinner(phase, prefix string, copies []Observation) error {
	for _, o := range copies {
		if !o.Exists {
			return &AssertionError{Phase: phase, Client: o.Client, File: o.File,
				Expected: "file present", Observed: "<absent>"}
		}
		hits := lo.Filter(splitLines(o.Content), func(line string, _ int) bool {
			return strings.HasPrefix(line, prefix)
		})
		if len(hits) != 1 {
			return &AssertionError{Phase: phase, Client: o.Client, File: o.File,
				Expected: fmt.Sprintf("exactly one %q line", strings.TrimSpace(prefix)),
				Observed: fmt.Sprintf("%d: %s", len(hits), quote(strings.Join(hits, "|")))}
		}
	}
	if len(copies) < 2 {
		return nil
	}

	ref := copies[0]
	if diverged, ok := lo.Find(copies[1:], func(o Observation) bool {
		return o.Content != ref.Content
	}); ok {
		return &AssertionError{Phase: phase, Client: diverged.Client, File: diverged.File,
			Expected: fmt.Sprintf("same content as client %d: %s", ref.Client, quote(ref.Content)),
			Observed: quote(diverged.Content)}
	}
	return nil
}

// ExpectUnchanged fails if a snapshot taken after a sync differs from the
// one taken before it.
func ExpectUnchanged(phase string, client int, before, after Snapshot) error {
	diffs := before.Diff(after)
	if len(diffs) == 0 {
		return nil
	}
	return &AssertionError{Phase: phase, Client: client, File: -1,
		Expected: "no change after re-sync " + before.String(),
		Observed: strings.Join(diffs, "; ")}
}

func splitLines(content string) []string {
	content = strings.TrimSuffix(content, "\n")
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}
