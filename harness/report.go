package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/maruel/natural"
	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"
)

// Report is the outcome of one run, written as YAML.
type Report struct {
	RunID        int64            `yaml:"run_id,omitempty"`
	Status       string           `yaml:"status"`
	Failure      string           `yaml:"failure,omitempty"`
	Seed         int64            `yaml:"seed"`
	Clients      int              `yaml:"clients"`
	Server       string           `yaml:"server"`
	StartedAt    time.Time        `yaml:"started_at"`
	FinishedAt   time.Time        `yaml:"finished_at"`
	Syncs        int              `yaml:"syncs"`
	Phases       []PhaseReport    `yaml:"phases"`
	Workspaces   []ClientSnapshot `yaml:"workspaces,omitempty"`
	RecentErrors []LogEntry       `yaml:"recent_errors,omitempty"`
	Artifact     string           `yaml:"artifact,omitempty"`
}

// PhaseReport is one phase's outcome.
type PhaseReport struct {
	Name     string        `yaml:"name"`
	Status   string        `yaml:"status"`
	Duration time.Duration `yaml:"duration"`
	Error    string        `yaml:"error,omitempty"`
	Note     string        `yaml:"note,omitempty"`
}

// ClientSnapshot is the final state of one client directory.
type ClientSnapshot struct {
	Dir         string      `yaml:"dir"`
	Fingerprint string      `yaml:"fingerprint"`
	Files       []FileEntry `yaml:"files"`
}

// FileEntry is one file in a ClientSnapshot.
type FileEntry struct {
	Name   string `yaml:"name"`
	Size   int64  `yaml:"size"`
	Digest string `yaml:"digest"`
}

// Fingerprint digests a whole snapshot. Two directories with the same
// fingerprint hold the same set of names with the same contents.
func Fingerprint(s Snapshot) string {
	h, _ := blake2b.New256(nil)
	for _, name := range s.Names() {
		fmt.Fprintf(h, "%s\x00%d\x00%s\n", name, s[name].Size, s[name].Digest)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// NewClientSnapshot converts a Snapshot for reporting.
func NewClientSnapshot(dir string, s Snapshot) ClientSnapshot {
	cs := ClientSnapshot{Dir: dir, Fingerprint: Fingerprint(s)}
	for _, name := range s.Names() {
		cs.Files = append(cs.Files, FileEntry{Name: name, Size: s[name].Size, Digest: s[name].Digest})
	}
	return cs
}

// SetWorkspaces stores client snapshots in natural directory order.
func (r *Report) SetWorkspaces(snaps []ClientSnapshot) {
	sort.Slice(snaps, func(a, b int) bool { return natural.Less(snaps[a].Dir, snaps[b].Dir) })
	r.Workspaces = snaps
}

// Summary is a one-line description of the run outcome.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d phases, %d clients, %d syncs, seed %d",
		strings.ToUpper(r.Status), len(r.Phases), r.Clients, r.Syncs, r.Seed)
	if r.Failure != "" {
		fmt.Fprintf(&b, ": %s", r.Failure)
	}
	return b.String()
}

// WriteReport writes r as YAML to path, creating parent directories.
func WriteReport(path string, r *Report) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	sub("report").Info("report written", "path", path)
	return nil
}

// ReadReport loads a report written by WriteReport.
func ReadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	var r Report
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse report %s: %w", path, err)
	}
	return &r, nil
}
