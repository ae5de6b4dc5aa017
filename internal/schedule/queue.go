package schedule

import (
	"container/heap"
	"time"

	"smarthome/internal/device"
)

// Entry is a deferred activation waiting in the Queue
type Entry struct {
	Device device.ID
	At     time.Time
	Fire   func()

	seq   uint64
	index int
}

// Queue is a priority queue of deferred activations ordered by fire time.
// It holds at most one entry per device; scheduling a device that already
// has an entry replaces it. Not safe for concurrent use.
type Queue struct {
	items    entryHeap
	byDevice map[device.ID]*Entry
	seq      uint64
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	return &Queue{byDevice: make(map[device.ID]*Entry)}
}

// Schedule enqueues fire for id at the given time, cancelling any existing
// entry for id first. It reports whether an entry was replaced.
func (q *Queue) Schedule(id device.ID, at time.Time, fire func()) bool {
	replaced := q.Cancel(id)

	q.seq++
	e := &Entry{Device: id, At: at, Fire: fire, seq: q.seq}
	heap.Push(&q.items, e)
	q.byDevice[id] = e

	return replaced
}

// Cancel removes the entry for id. It reports whether one was present.
func (q *Queue) Cancel(id device.ID) bool {
	e, ok := q.byDevice[id]
	if !ok {
		return false
	}
	heap.Remove(&q.items, e.index)
	delete(q.byDevice, id)
	return true
}

// Deadline returns the fire time of the entry for id
func (q *Queue) Deadline(id device.ID) (time.Time, bool) {
	e, ok := q.byDevice[id]
	if !ok {
		return time.Time{}, false
	}
	return e.At, true
}

// Peek returns the earliest fire time in the queue
func (q *Queue) Peek() (time.Time, bool) {
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].At, true
}

// PopDue removes and returns every entry whose fire time is not after now,
// earliest first
func (q *Queue) PopDue(now time.Time) []*Entry {
	var due []*Entry
	for len(q.items) > 0 && !q.items[0].At.After(now) {
		e := heap.Pop(&q.items).(*Entry)
		delete(q.byDevice, e.Device)
		due = append(due, e)
	}
	return due
}

// Len returns the number of armed entries
func (q *Queue) Len() int {
	return len(q.items)
}

type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].At.Equal(h[j].At) {
		return h[i].seq < h[j].seq
	}
	return h[i].At.Before(h[j].At)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
