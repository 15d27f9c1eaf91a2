package harness

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func present(client, file int, content string) Observation {
	return Observation{Client: client, File: file, Exists: true, Content: content}
}

func absent(client, file int) Observation {
	return Observation{Client: client, File: file}
}

func requireAssertion(t *testing.T, err error) *AssertionError {
	t.Helper()
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	return ae
}

func TestExpectContent(t *testing.T) {
	assert.NoError(t, ExpectContent("create", present(2, 5, CreatorLine(5)), CreatorLine(5)))

	ae := requireAssertion(t, ExpectContent("create", present(2, 5, "junk"), CreatorLine(5)))
	assert.Equal(t, "create", ae.Phase)
	assert.Equal(t, 2, ae.Client)
	assert.Equal(t, 5, ae.File)
	assert.Equal(t, `phase create: client 2 file5: expected "This is data from client 5\n", observed "junk"`, ae.Error())

	ae = requireAssertion(t, ExpectContent("create", absent(0, 1), CreatorLine(1)))
	assert.Equal(t, "<absent>", ae.Observed)
}

func TestExpectExistsAbsent(t *testing.T) {
	assert.NoError(t, ExpectExists("p", present(0, 0, "")))
	assert.Error(t, ExpectExists("p", absent(0, 0)))

	assert.NoError(t, ExpectAbsent("delete", absent(3, 1)))
	ae := requireAssertion(t, ExpectAbsent("delete", present(3, 1, CreatorLine(1))))
	assert.Equal(t, "<absent>", ae.Expected)
	assert.Equal(t, 3, ae.Client)
	assert.Equal(t, 1, ae.File)
}

func TestExpectContainsLines(t *testing.T) {
	content := CreatorLine(0) + UpdateLine(2) + UpdateLine(1)
	want := []string{CreatorLine(0), UpdateLine(1), UpdateLine(2)}
	assert.NoError(t, ExpectContainsLines("update", present(4, 0, content), want))

	ae := requireAssertion(t, ExpectContainsLines("update", present(4, 0, content), append(want, UpdateLine(3))))
	assert.Contains(t, ae.Expected, "Update from client 3")
	assert.Equal(t, 4, ae.Client)

	assert.Error(t, ExpectContainsLines("update", absent(4, 0), want))
}

func TestExpectContainsLines_WholeLinesOnly(t *testing.T) {
	// "client 1" must not be satisfied by "client 12".
	o := present(0, 0, CreatorLine(0)+UpdateLine(12))
	assert.Error(t, ExpectContainsLines("update", o, []string{UpdateLine(1)}))
}

func TestExpectSingleWinner(t *testing.T) {
	base := CreatorLine(3) + UpdateLine(0)
	winner := base + ConflictLine(2)
	copies := []Observation{present(0, 3, winner), present(1, 3, winner), present(2, 3, winner)}
	assert.NoError(t, ExpectSingleWinner("conflict", conflictPrefix, copies))
}

func TestExpectSingleWinner_TwoConflictLines(t *testing.T) {
	content := CreatorLine(3) + ConflictLine(0) + ConflictLine(1)
	ae := requireAssertion(t, ExpectSingleWinner("conflict", conflictPrefix,
		[]Observation{present(0, 3, content)}))
	assert.Equal(t, 0, ae.Client)
	assert.True(t, strings.HasPrefix(ae.Observed, "2:"))
}

func TestExpectSingleWinner_NoConflictLine(t *testing.T) {
	ae := requireAssertion(t, ExpectSingleWinner("conflict", conflictPrefix,
		[]Observation{present(0, 3, CreatorLine(3))}))
	assert.True(t, strings.HasPrefix(ae.Observed, "0:"))
}

func TestExpectSingleWinner_Divergent(t *testing.T) {
	base := CreatorLine(3)
	copies := []Observation{
		present(0, 3, base+ConflictLine(0)),
		present(1, 3, base+ConflictLine(0)),
		present(2, 3, base+ConflictLine(2)),
	}
	ae := requireAssertion(t, ExpectSingleWinner("conflict", conflictPrefix, copies))
	assert.Equal(t, 2, ae.Client)
	assert.Contains(t, ae.Expected, "client 0")
}

func TestExpectSingleWinner_Missing(t *testing.T) {
	ae := requireAssertion(t, ExpectSingleWinner("conflict", conflictPrefix,
		[]Observation{present(0, 1, CreatorLine(1)+ConflictLine(0)), absent(1, 1)}))
	assert.Equal(t, 1, ae.Client)
	assert.Equal(t, "<absent>", ae.Observed)
}

func TestExpectUnchanged(t *testing.T) {
	s := Snapshot{"file0": {Size: 1, Digest: "aa"}}
	assert.NoError(t, ExpectUnchanged("resync", 0, s, Snapshot{"file0": {Size: 1, Digest: "aa"}}))

	ae := requireAssertion(t, ExpectUnchanged("resync", 2, s, Snapshot{}))
	assert.Equal(t, -1, ae.File)
	assert.Equal(t, "file0: removed", ae.Observed)
	assert.True(t, strings.HasPrefix(ae.Error(), "phase resync: client 2: expected"))
}

func TestQuoteTruncates(t *testing.T) {
	q := quote(strings.Repeat("x", 500))
	assert.Less(t, len(q), 220)
	assert.True(t, strings.HasSuffix(q, `..."`))
}

// Any set of identical copies carrying one conflict line passes, and
// changing one copy's winner always fails naming that client.
func TestExpectSingleWinner_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(rt, "clients")
		file := rapid.IntRange(0, n-1).Draw(rt, "file")
		win := rapid.IntRange(0, n-1).Draw(rt, "winner")
		updaters := rapid.SliceOfN(rapid.IntRange(0, n-1), 0, 6).Draw(rt, "updaters")

		base := CreatorLine(file)
		for _, u := range updaters {
			base += UpdateLine(u)
		}
		content := base + ConflictLine(win)
		copies := make([]Observation, n)
		for i := range copies {
			copies[i] = present(i, file, content)
		}
		if err := ExpectSingleWinner("conflict", conflictPrefix, copies); err != nil {
			rt.Fatalf("identical copies rejected: %v", err)
		}

		if n < 2 {
			return
		}
		bad := rapid.IntRange(1, n-1).Draw(rt, "divergent")
		other := (win + 1) % n
		if other == win {
			return
		}
		copies[bad] = present(bad, file, base+ConflictLine(other))
		var ae *AssertionError
		err := ExpectSingleWinner("conflict", conflictPrefix, copies)
		if !errors.As(err, &ae) || ae.Client != bad {
			rt.Fatalf("divergent client %d not reported: %v", bad, err)
		}
	})
}

// Containment is order-insensitive and tolerant of extra lines.
func TestExpectContainsLines_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		lines := rapid.SliceOfNDistinct(rapid.IntRange(0, 30), 1, 10, rapid.ID[int]).Draw(rt, "updaters")
		want := make([]string, len(lines))
		for k, u := range lines {
			want[k] = UpdateLine(u)
		}
		perm := rapid.Permutation(want).Draw(rt, "order")
		extra := rapid.IntRange(31, 40).Draw(rt, "extra")
		content := CreatorLine(0) + strings.Join(perm, "") + UpdateLine(extra)

		if err := ExpectContainsLines("update", present(0, 0, content), want); err != nil {
			rt.Fatalf("permuted content rejected: %v", err)
		}
		if err := ExpectContainsLines("update", present(0, 0, content), append(want, UpdateLine(41))); err == nil {
			rt.Fatalf("missing line accepted")
		}
	})
}
