package harness

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/maruel/natural"
)

// ChangeQueue is a thread-safe set of workspace-relative paths that changed
// while a settle window was open. Duplicates collapse into one entry.
type ChangeQueue struct {
	mu    sync.Mutex
	set   map[string]struct{}
	order []string
}

// NewChangeQueue creates an empty change queue.
func NewChangeQueue() *ChangeQueue {
	return &ChangeQueue{set: make(map[string]struct{})}
}

// Push records a change to path.
func (q *ChangeQueue) Push(path string) {
	q.mu.Lock()
	_, exists := q.set[path]
	if !exists {
		q.set[path] = struct{}{}
		q.order = append(q.order, path)
	}
	newLen := len(q.order)
	q.mu.Unlock()

	if logEnabled(slog.LevelDebug) {
		sub("queue").Debug("push", "path", path, "dedup", exists, "queueLen", newLen)
	}
}

// Drain removes and returns all changed paths in natural order.
func (q *ChangeQueue) Drain() []string {
	q.mu.Lock()
	result := q.order
	q.order = nil
	q.set = make(map[string]struct{})
	q.mu.Unlock()

	sort.Slice(result, func(a, b int) bool { return natural.Less(result[a], result[b]) })
	if logEnabled(slog.LevelDebug) {
		sub("queue").Debug("drain", "count", len(result))
	}
	return result
}
