package waitqueue

import (
	"container/list"
	"sync"
)

// Waitqueue is an ordered container of Waits plus a count of queued
// message-bearing Waits, mirroring waitqueue_t.
type Waitqueue struct {
	mu          sync.Mutex
	q           *list.List
	msgsOnQueue int
}

// NewQueue returns an empty Waitqueue.
func NewQueue() *Waitqueue {
	return &Waitqueue{q: list.New()}
}

// Length returns the number of Waits currently queued.
func (wq *Waitqueue) Length() int {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	return wq.q.Len()
}

// MsgsCount returns the number of queued Waits that are message-bearing.
func (wq *Waitqueue) MsgsCount() int {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	return wq.msgsOnQueue
}

// AddQueue appends w to the queue and increments its use count. Mirrors
// wait_addqueue.
func (wq *Waitqueue) AddQueue(w *Wait) {
	w.incref()
	wq.mu.Lock()
	wq.q.PushBack(w)
	if w.isMsgHandler() {
		wq.msgsOnQueue++
	}
	wq.mu.Unlock()
}

// Iter calls cb for every queued Wait in insertion order without altering
// membership.
func (wq *Waitqueue) Iter(cb func(*Wait)) {
	wq.mu.Lock()
	snapshot := make([]*Wait, 0, wq.q.Len())
	for e := wq.q.Front(); e != nil; e = e.Next() {
		snapshot = append(snapshot, e.Value.(*Wait))
	}
	wq.mu.Unlock()
	for _, w := range snapshot {
		cb(w)
	}
}

// Run fires every Wait currently on the queue and empties it. Waits added
// by a callback invoked during Run are not included, mirroring
// wait_runqueue's zlist_dup-then-purge "all or nothing" snapshot.
func (wq *Waitqueue) Run() {
	wq.mu.Lock()
	cpy := wq.q
	wq.q = list.New()
	wq.msgsOnQueue = 0
	wq.mu.Unlock()

	for e := cpy.Front(); e != nil; e = e.Next() {
		e.Value.(*Wait).decref()
	}
}

// RemovePred removes every Wait matching pred from the queue and
// decrements each one's use count, firing it normally if that reaches
// zero. Unlike DestroyMsg it does not clear message-handler callbacks and
// works on plain Waits too: it generalizes the per-Wait decref/fire step
// wait_runqueue applies to its whole copied queue down to a filtered
// subset, the way notify_waitup scans a request list by hand for entries
// whose target has been reached. Returns the number of Waits removed.
func (wq *Waitqueue) RemovePred(pred func(*Wait) bool) int {
	wq.mu.Lock()
	var matched []*list.Element
	for e := wq.q.Front(); e != nil; e = e.Next() {
		w := e.Value.(*Wait)
		if pred(w) {
			matched = append(matched, e)
		}
	}
	for _, e := range matched {
		wq.q.Remove(e)
		if e.Value.(*Wait).isMsgHandler() {
			wq.msgsOnQueue--
		}
	}
	wq.mu.Unlock()

	for _, e := range matched {
		e.Value.(*Wait).decref()
	}
	return len(matched)
}

// DestroyMsg cancels every message-bearing Wait whose message matches
// pred: the handler callback is cleared in place (so a copy of this Wait
// sitting on another queue will not re-fire it), the Wait is removed from
// this queue, its use count is decremented, and it is destroyed if that
// reaches zero. Returns the number of Waits affected. Mirrors
// wait_destroy_msg.
func (wq *Waitqueue) DestroyMsg(pred func(Message) bool) int {
	wq.mu.Lock()
	var matched []*list.Element
	for e := wq.q.Front(); e != nil; e = e.Next() {
		w := e.Value.(*Wait)
		if w.isMsgHandler() && pred(w.msg) {
			matched = append(matched, e)
		}
	}
	for _, e := range matched {
		wq.q.Remove(e)
		wq.msgsOnQueue--
	}
	wq.mu.Unlock()

	for _, e := range matched {
		w := e.Value.(*Wait)
		w.clearHandler()
		w.decref()
	}
	return len(matched)
}
