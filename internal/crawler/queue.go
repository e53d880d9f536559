package crawler

import (
	"fmt"
	"sync"

	"github.com/alvmarrod/statweaver/internal/storage"
	"github.com/eapache/queue"
)

// Queue implements a thread-safe BFS queue with deduplication
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   *queue.Queue
	visited map[string]bool // key: domain@depth
	stopped bool
}

// NewQueue creates a new BFS queue
func NewQueue() *Queue {
	q := &Queue{
		items:   queue.New(),
		visited: make(map[string]bool),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push adds an entry to the queue if not already visited at this depth
// Returns true if added, false if duplicate or stopped
func (q *Queue) Push(entry storage.QueueEntry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return false
	}

	key := makeKey(entry.DomainName, entry.Depth)
	if q.visited[key] {
		return false
	}

	q.visited[key] = true
	q.items.Add(entry)
	q.cond.Signal()

	return true
}

// Pop removes and returns the first entry from the queue
// Blocks if queue is empty and not stopped
// Returns (entry, true) if successful, (empty, false) if stopped and empty
func (q *Queue) Pop() (storage.QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.items.Length() > 0 {
			return q.items.Remove().(storage.QueueEntry), true
		}

		if q.stopped {
			return storage.QueueEntry{}, false
		}

		q.cond.Wait()
	}
}

// IsEmpty returns true if the queue has no items
func (q *Queue) IsEmpty() bool {
	return q.Size() == 0
}

// Size returns the current number of items in the queue
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// Stop signals the queue to stop accepting new entries
// Workers blocked on Pop() will drain remaining items, then receive false
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stopped = true
	q.cond.Broadcast()
}

// Pending returns a copy of the queued entries in pop order
func (q *Queue) Pending() []storage.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := make([]storage.QueueEntry, q.items.Length())
	for i := range entries {
		entries[i] = q.items.Get(i).(storage.QueueEntry)
	}
	return entries
}

// makeKey creates a deduplication key from domain and depth
func makeKey(domain string, depth int) string {
	return fmt.Sprintf("%s@%d", domain, depth)
}
