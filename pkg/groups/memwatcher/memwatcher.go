// Package memwatcher is an in-memory groups.Watcher test double letting
// tests script a sequence of snapshots for a named group without a
// network, mirroring the teacher's in-memory transport test helpers.
package memwatcher

import (
	"context"
	"sync"

	"github.com/tpatki/flux-core/pkg/groups"
)

// Watcher is a scriptable groups.Watcher.
type Watcher struct {
	mu   sync.Mutex
	subs map[string][]chan groups.Snapshot
	last map[string]string
	have map[string]bool
}

// New returns an empty Watcher.
func New() *Watcher {
	return &Watcher{
		subs: make(map[string][]chan groups.Snapshot),
		last: make(map[string]string),
		have: make(map[string]bool),
	}
}

// Subscribe returns a channel that Push(name, ...) will deliver to. If a
// snapshot for name has already been pushed, it is replayed immediately so
// a new subscriber always starts from the group's current state, mirroring
// groups.get's initial-snapshot-then-updates semantics.
func (w *Watcher) Subscribe(ctx context.Context, name string) (<-chan groups.Snapshot, error) {
	ch := make(chan groups.Snapshot, 16)
	w.mu.Lock()
	w.subs[name] = append(w.subs[name], ch)
	if w.have[name] {
		ch <- groups.Snapshot{Members: w.last[name]}
	}
	w.mu.Unlock()
	go func() {
		<-ctx.Done()
		w.mu.Lock()
		defer w.mu.Unlock()
		subs := w.subs[name]
		for i, c := range subs {
			if c == ch {
				w.subs[name] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// Push delivers members as a new snapshot to every current subscriber of
// name and records it as the group's current state for future subscribers.
func (w *Watcher) Push(name, members string) {
	w.mu.Lock()
	w.last[name] = members
	w.have[name] = true
	subs := append([]chan groups.Snapshot(nil), w.subs[name]...)
	w.mu.Unlock()
	for _, ch := range subs {
		ch <- groups.Snapshot{Members: members}
	}
}

var _ groups.Watcher = (*Watcher)(nil)
