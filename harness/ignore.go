package harness

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// IgnoreList holds name patterns for entries a client keeps in its base
// directory that are not user files, such as the sync client's index.
type IgnoreList struct {
	patterns []ignorePattern
}

type ignorePattern struct {
	pattern string
	dirOnly bool // trailing / in source line
}

// NewIgnoreList builds an IgnoreList from filepath.Match patterns.
// A trailing "/" restricts a pattern to directories.
func NewIgnoreList(patterns ...string) *IgnoreList {
	il := &IgnoreList{}
	for _, p := range patterns {
		il.add(p)
	}
	return il
}

// LoadIgnoreFile adds the patterns of a .surfcheckignore-style file (one
// pattern per line, # comments) to il. A missing file adds nothing.
func (il *IgnoreList) LoadIgnoreFile(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		il.add(line)
	}
	return scanner.Err()
}

func (il *IgnoreList) add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	p := ignorePattern{pattern: line}
	if strings.HasSuffix(line, "/") {
		p.pattern = strings.TrimSuffix(line, "/")
		p.dirOnly = true
	}
	il.patterns = append(il.patterns, p)
}

// IsIgnored returns true if name matches any pattern. dirOnly patterns only
// match when isDir is true.
func (il *IgnoreList) IsIgnored(name string, isDir bool) bool {
	if il == nil {
		return false
	}
	for _, p := range il.patterns {
		if p.dirOnly && !isDir {
			continue
		}
		if matched, _ := filepath.Match(p.pattern, name); matched {
			return true
		}
	}
	return false
}
