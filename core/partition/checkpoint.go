package partition

import "sync"

// tracker advances a checkpoint over the contiguous prefix of completed
// indices. Out of order completions are parked until the gap closes.
type tracker struct {
	mu      sync.Mutex
	next    uint64
	pending map[uint64]struct{}
}

func newTracker(checkpoint int64) *tracker {
	return &tracker{
		next:    uint64(checkpoint + 1),
		pending: make(map[uint64]struct{}),
	}
}

// complete marks index done and returns the resulting checkpoint.
func (t *tracker) complete(index uint64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index >= t.next {
		t.pending[index] = struct{}{}
	}
	for {
		if _, ok := t.pending[t.next]; !ok {
			break
		}
		delete(t.pending, t.next)
		t.next++
	}

	return int64(t.next) - 1
}

func (t *tracker) checkpoint() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return int64(t.next) - 1
}
