package device

import (
	"container/heap"
	"time"
)

// deadlineQueue orders ONLINE devices by last heartbeat so the sweeper can
// find expired devices without scanning the whole registry.
// It is not safe for concurrent use; the Registry guards it with its mutex.
type deadlineQueue struct {
	h    deadlineHeap
	byID map[string]*deadlineEntry
}

type deadlineEntry struct {
	id    string
	at    time.Time
	index int
}

func newDeadlineQueue() *deadlineQueue {
	return &deadlineQueue{byID: make(map[string]*deadlineEntry)}
}

// set records or moves the deadline for id.
func (q *deadlineQueue) set(id string, at time.Time) {
	if e, ok := q.byID[id]; ok {
		e.at = at
		heap.Fix(&q.h, e.index)
		return
	}
	e := &deadlineEntry{id: id, at: at}
	heap.Push(&q.h, e)
	q.byID[id] = e
}

func (q *deadlineQueue) remove(id string) {
	e, ok := q.byID[id]
	if !ok {
		return
	}
	heap.Remove(&q.h, e.index)
	delete(q.byID, id)
}

// popBefore removes and returns every entry older than cutoff, oldest first.
func (q *deadlineQueue) popBefore(cutoff time.Time) []Expiry {
	var out []Expiry
	for len(q.h) > 0 && q.h[0].at.Before(cutoff) {
		e := heap.Pop(&q.h).(*deadlineEntry) //nolint:forcetypeassert // heap only holds *deadlineEntry
		delete(q.byID, e.id)
		out = append(out, Expiry{ID: e.id, LastHeartbeatAt: e.at})
	}
	return out
}

func (q *deadlineQueue) len() int {
	return len(q.h)
}

// deadlineHeap implements heap.Interface.
type deadlineHeap []*deadlineEntry

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	e := x.(*deadlineEntry) //nolint:forcetypeassert // heap only holds *deadlineEntry
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
