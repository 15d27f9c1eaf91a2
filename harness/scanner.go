package harness

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/maruel/natural"
	"github.com/spf13/afero"
	"golang.org/x/crypto/blake2b"
)

// Entry is one file observed in a client directory.
type Entry struct {
	Size   int64  `json:"size" yaml:"size"`
	Digest string `json:"digest" yaml:"digest"` // blake2b-256, hex
}

// Snapshot maps file name to Entry for one client directory.
type Snapshot map[string]Entry

// Names returns the snapshot's file names in natural order (file2 before file10).
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Slice(names, func(a, b int) bool { return natural.Less(names[a], names[b]) })
	return names
}

// Diff describes how other differs from s, one line per differing name.
// An empty result means the snapshots are identical.
func (s Snapshot) Diff(other Snapshot) []string {
	var diffs []string
	seen := make(map[string]bool, len(s))
	for _, name := range s.Names() {
		seen[name] = true
		b, ok := other[name]
		switch {
		case !ok:
			diffs = append(diffs, fmt.Sprintf("%s: removed", name))
		case b != s[name]:
			diffs = append(diffs, fmt.Sprintf("%s: %d bytes %s -> %d bytes %s",
				name, s[name].Size, shortDigest(s[name].Digest), b.Size, shortDigest(b.Digest)))
		}
	}
	for _, name := range other.Names() {
		if !seen[name] {
			diffs = append(diffs, fmt.Sprintf("%s: added", name))
		}
	}
	return diffs
}

func (s Snapshot) String() string {
	parts := make([]string, 0, len(s))
	for _, name := range s.Names() {
		parts = append(parts, fmt.Sprintf("%s(%d,%s)", name, s[name].Size, shortDigest(s[name].Digest)))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

// ScanClientDir hashes every regular file directly under dir, skipping
// ignored names and subdirectories. A missing dir yields an empty snapshot.
func ScanClientDir(fsys afero.Fs, dir string, ignore *IgnoreList) (Snapshot, error) {
	l := sub("scanner")
	l.Debug("scan start", "dir", dir)
	result := make(Snapshot)

	infos, err := afero.ReadDir(fsys, dir)
	if os.IsNotExist(err) {
		return result, nil
	}
	if err != nil {
		return nil, &FixtureError{Op: "scan", Path: dir, Err: err}
	}

	for _, info := range infos {
		if ignore.IsIgnored(info.Name(), info.IsDir()) {
			continue
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			continue
		}
		path := filepath.Join(dir, info.Name())
		digest, err := digestFile(fsys, path)
		if err != nil {
			l.Warn("scan hash error", "path", path, "err", err)
			return nil, &FixtureError{Op: "hash", Path: path, Err: err}
		}
		result[info.Name()] = Entry{Size: info.Size(), Digest: digest}
	}

	l.Debug("scan complete", "dir", dir, "entries", len(result))
	return result, nil
}

func digestFile(fsys afero.Fs, path string) (string, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestString returns the blake2b-256 hex digest of s.
func DigestString(s string) string {
	sum := blake2b.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
