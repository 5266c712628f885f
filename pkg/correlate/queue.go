// ABOUTME: Thread-safe FIFO for host events
// ABOUTME: Producers append under a lock, the correlator pops one at a time
package correlate

import (
	"sync"

	"github.com/latencyprobe/latencyprobe-go/pkg/event"
)

// Queue is a mutex-guarded FIFO shared by listeners and the correlator
type Queue struct {
	mu    sync.Mutex
	items []event.HostEvent
	head  int
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends an event
func (q *Queue) Enqueue(ev event.HostEvent) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
}

// Drain removes and returns the oldest event
func (q *Queue) Drain() (event.HostEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head >= len(q.items) {
		return event.HostEvent{}, false
	}

	ev := q.items[q.head]
	q.items[q.head] = event.HostEvent{}
	q.head++

	// Reclaim the consumed prefix once it dominates the slice
	if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}

	return ev, true
}

// Len returns the number of queued events
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}
