package harness

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChangeQueue_Dedup(t *testing.T) {
	q := NewChangeQueue()

	q.Push("data0/file1")
	q.Push("data0/file1")
	q.Push("data0/file1")

	assert.Equal(t, []string{"data0/file1"}, q.Drain())
}

func TestChangeQueue_DrainResets(t *testing.T) {
	q := NewChangeQueue()

	q.Push("data0/file1")
	assert.Len(t, q.Drain(), 1)
	assert.Empty(t, q.Drain())

	q.Push("data0/file1")
	assert.Equal(t, []string{"data0/file1"}, q.Drain())
}

func TestChangeQueue_DrainNaturalOrder(t *testing.T) {
	q := NewChangeQueue()
	for _, p := range []string{"data10/file1", "data2/file1", "data1/file10", "data1/file2"} {
		q.Push(p)
	}

	assert.Equal(t, []string{"data1/file2", "data1/file10", "data2/file1", "data10/file1"}, q.Drain())
	assert.Empty(t, q.Drain())
}

func TestChangeQueue_Concurrent(t *testing.T) {
	q := NewChangeQueue()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				q.Push(fmt.Sprintf("data%d/file%d", i, j%5))
			}
		}(i)
	}
	wg.Wait()

	got := q.Drain()
	assert.Len(t, got, 40)
	assert.Contains(t, got, "data3/file4")
	assert.Equal(t, "data0/file0", got[0])
}
