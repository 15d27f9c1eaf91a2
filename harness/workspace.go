package harness

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Workspace owns the per-client directories data{i}/ under a root and
// addresses files by (client, file) index.
type Workspace struct {
	fs     afero.Fs
	root   string
	ignore *IgnoreList
}

// NewWorkspace creates a workspace rooted at root on the given filesystem.
func NewWorkspace(fsys afero.Fs, root string, ignore *IgnoreList) *Workspace {
	return &Workspace{fs: fsys, root: root, ignore: ignore}
}

// Root returns the workspace root directory.
func (w *Workspace) Root() string { return w.root }

// ClientDirName returns the directory name of client i, relative to the root.
func ClientDirName(i int) string { return fmt.Sprintf("data%d", i) }

// FileName returns the name of logical file j.
func FileName(j int) string { return fmt.Sprintf("file%d", j) }

// ClientDir returns the path of client i's directory.
func (w *Workspace) ClientDir(i int) string {
	return filepath.Join(w.root, ClientDirName(i))
}

// FilePath returns the path of file j in client i's directory.
func (w *Workspace) FilePath(i, j int) string {
	return filepath.Join(w.ClientDir(i), FileName(j))
}

// ResetClientDir removes client i's directory if present and recreates it empty.
func (w *Workspace) ResetClientDir(i int) error {
	dir := w.ClientDir(i)
	if err := w.fs.RemoveAll(dir); err != nil {
		return &FixtureError{Op: "remove", Path: dir, Err: err}
	}
	if err := w.fs.MkdirAll(dir, 0755); err != nil {
		return &FixtureError{Op: "mkdir", Path: dir, Err: err}
	}
	sub("workspace").Debug("client dir reset", "client", i, "dir", dir)
	return nil
}

// WriteFile creates or overwrites file j of client i with exactly content.
// The write goes to a temp file that is renamed into place, so a concurrent
// reader never sees a partial file.
func (w *Workspace) WriteFile(i, j int, content string) error {
	path := w.FilePath(i, j)
	tmp := path + ".surfcheck-tmp"
	if err := afero.WriteFile(w.fs, tmp, []byte(content), 0644); err != nil {
		w.fs.Remove(tmp) //nolint:errcheck
		return &FixtureError{Op: "write", Path: path, Err: err}
	}
	if err := w.fs.Rename(tmp, path); err != nil {
		w.fs.Remove(tmp) //nolint:errcheck
		return &FixtureError{Op: "rename", Path: path, Err: err}
	}
	sub("workspace").Debug("file written", "client", i, "file", j, "bytes", len(content))
	return nil
}

// AppendLine appends line to file j of client i, adding a trailing newline
// if line lacks one so provenance lines never merge.
func (w *Workspace) AppendLine(i, j int, line string) error {
	path := w.FilePath(i, j)
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	f, err := w.fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return &FixtureError{Op: "open", Path: path, Err: err}
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return &FixtureError{Op: "append", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &FixtureError{Op: "close", Path: path, Err: err}
	}
	sub("workspace").Debug("line appended", "client", i, "file", j, "line", strings.TrimSuffix(line, "\n"))
	return nil
}

// ReadFile returns the content of file j of client i. ok is false when
// the file does not exist.
func (w *Workspace) ReadFile(i, j int) (content string, ok bool, err error) {
	path := w.FilePath(i, j)
	data, err := afero.ReadFile(w.fs, path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &FixtureError{Op: "read", Path: path, Err: err}
	}
	return string(data), true, nil
}

// RemoveFile deletes file j of client i. A missing file is an error: the
// scenario only deletes files it expects to exist.
func (w *Workspace) RemoveFile(i, j int) error {
	path := w.FilePath(i, j)
	if err := w.fs.Remove(path); err != nil {
		return &FixtureError{Op: "remove", Path: path, Err: err}
	}
	sub("workspace").Debug("file removed", "client", i, "file", j)
	return nil
}

// Exists reports whether file j of client i exists.
func (w *Workspace) Exists(i, j int) (bool, error) {
	ok, err := afero.Exists(w.fs, w.FilePath(i, j))
	if err != nil {
		return false, &FixtureError{Op: "stat", Path: w.FilePath(i, j), Err: err}
	}
	return ok, nil
}

// Snapshot scans client i's directory.
func (w *Workspace) Snapshot(i int) (Snapshot, error) {
	return ScanClientDir(w.fs, w.ClientDir(i), w.ignore)
}

// Dirs returns the directories of clients [0, n) that exist on disk.
func (w *Workspace) Dirs(n int) []string {
	var dirs []string
	for i := 0; i < n; i++ {
		if ok, _ := afero.DirExists(w.fs, w.ClientDir(i)); ok {
			dirs = append(dirs, w.ClientDir(i))
		}
	}
	return dirs
}
