package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mholt/archives"
)

// BundleWorkspaces writes a tar.gz of the given client directories (and
// any extra files, such as the run report) into outDir. The archive keeps
// each directory under its base name. It returns the archive path.
func BundleWorkspaces(ctx context.Context, outDir string, runLabel string, dirs []string, extra ...string) (string, error) {
	l := sub("artifacts")
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", fmt.Errorf("create artifacts dir: %w", err)
	}

	sources := make(map[string]string, len(dirs)+len(extra))
	for _, d := range dirs {
		sources[d] = filepath.Base(d)
	}
	for _, f := range extra {
		if _, err := os.Stat(f); err == nil {
			sources[f] = filepath.Base(f)
		}
	}
	if len(sources) == 0 {
		return "", fmt.Errorf("nothing to bundle")
	}

	files, err := archives.FilesFromDisk(ctx, nil, sources)
	if err != nil {
		return "", fmt.Errorf("collect files: %w", err)
	}

	name := fmt.Sprintf("surfcheck-%s-%s.tar.gz", runLabel, time.Now().Format("20060102-150405"))
	path := filepath.Join(outDir, name)
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}

	format := archives.CompressedArchive{
		Compression: archives.Gz{},
		Archival:    archives.Tar{},
	}
	if err := format.Archive(ctx, out, files); err != nil {
		out.Close()
		os.Remove(path) //nolint:errcheck
		return "", fmt.Errorf("write archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}

	l.Info("workspace bundle written", "path", path, "entries", len(files))
	return path, nil
}
