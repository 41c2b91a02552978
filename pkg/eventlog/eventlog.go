// Package eventlog implements a batched, ordered append-only log of
// structured events, modeled on the teacher cluster's replication buffer
// (pkg/cluster.Cluster.Publish/replicationRetryLoop) but aimed at durable
// commit rather than fanout: entries queued on the same path are flushed
// together after an inactivity timeout or on demand, and commit failures
// are reported per-entry without losing already-committed state.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Entry is a single log record.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Name      string    `json:"name"`
	Context   any       `json:"context"`
}

// AppendFlags controls how Append behaves once an entry is queued.
type AppendFlags uint8

const (
	// Async returns immediately after the entry is queued.
	Async AppendFlags = 1 << iota
	// Wait blocks until the containing batch has been committed (or has
	// failed), regardless of Async.
	Wait
)

// Store is the durable backend an Appender commits batches to. One
// implementation is boltdb-backed (see store_bolt.go); tests use the
// in-memory one in store_mem.go.
type Store interface {
	Put(path string, entries []Entry) error
	Close() error
}

// Hooks are optional callbacks invoked around batch commits.
type Hooks struct {
	OnBusy func(path string)
	// OnCommit fires once per batch that Store.Put accepted, with the
	// number of entries it held.
	OnCommit func(path string, n int)
	OnIdle   func(path string)
	OnErr    func(path string, entry Entry, err error)
}

type pending struct {
	entries []Entry
	waiters []chan error
	timer   *time.Timer
}

// Appender coalesces Append calls per path into batches committed after an
// inactivity timeout, or immediately via Flush.
type Appender struct {
	store        Store
	hooks        Hooks
	commitTimeout time.Duration

	mu      sync.Mutex
	batches map[string]*pending
	closed  bool
}

// New returns an Appender backed by store, with batchTimeout inactivity
// before an automatic commit.
func New(store Store, batchTimeout time.Duration, hooks Hooks) *Appender {
	if batchTimeout <= 0 {
		batchTimeout = 50 * time.Millisecond
	}
	return &Appender{
		store:         store,
		hooks:         hooks,
		commitTimeout: batchTimeout,
		batches:       make(map[string]*pending),
	}
}

// SetCommitTimeout retunes the inactivity window used for new batches.
func (a *Appender) SetCommitTimeout(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commitTimeout = d
}

// Append enqueues a single event under path/name with the given context.
func (a *Appender) Append(ctx context.Context, flags AppendFlags, path, name string, eventCtx any) error {
	return a.AppendEntry(ctx, flags, path, Entry{Timestamp: time.Now(), Name: name, Context: eventCtx})
}

// AppendEntry enqueues entry under path. If flags includes Wait, it blocks
// until the batch containing entry has committed or failed.
func (a *Appender) AppendEntry(ctx context.Context, flags AppendFlags, path string, entry Entry) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return fmt.Errorf("eventlog: appender closed")
	}
	b, ok := a.batches[path]
	if !ok {
		b = &pending{}
		a.batches[path] = b
		if a.hooks.OnBusy != nil {
			a.hooks.OnBusy(path)
		}
	}
	b.entries = append(b.entries, entry)

	var waitCh chan error
	if flags&Wait != 0 {
		waitCh = make(chan error, 1)
		b.waiters = append(b.waiters, waitCh)
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	timeout := a.commitTimeout
	b.timer = time.AfterFunc(timeout, func() { a.commitPath(path) })
	a.mu.Unlock()

	if flags&Async != 0 && waitCh == nil {
		return nil
	}
	if waitCh == nil {
		return nil
	}
	select {
	case err := <-waitCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush forces an immediate commit of path's pending batch. If path is
// empty, every pending path is committed.
func (a *Appender) Flush(ctx context.Context, path string) error {
	if path != "" {
		return a.commitPath(path)
	}
	a.mu.Lock()
	paths := make([]string, 0, len(a.batches))
	for p := range a.batches {
		paths = append(paths, p)
	}
	a.mu.Unlock()
	var firstErr error
	for _, p := range paths {
		if err := a.commitPath(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *Appender) commitPath(path string) error {
	a.mu.Lock()
	b, ok := a.batches[path]
	if !ok {
		a.mu.Unlock()
		return nil
	}
	delete(a.batches, path)
	a.mu.Unlock()

	if b.timer != nil {
		b.timer.Stop()
	}

	err := a.store.Put(path, b.entries)
	if err != nil {
		if a.hooks.OnErr != nil {
			for _, e := range b.entries {
				a.hooks.OnErr(path, e, err)
			}
		}
	} else if a.hooks.OnCommit != nil {
		a.hooks.OnCommit(path, len(b.entries))
	}
	if a.hooks.OnIdle != nil {
		a.hooks.OnIdle(path)
	}
	for _, w := range b.waiters {
		w <- err
		close(w)
	}
	return err
}

// Close flushes all pending batches and closes the underlying store.
func (a *Appender) Close() error {
	a.mu.Lock()
	a.closed = true
	paths := make([]string, 0, len(a.batches))
	for p := range a.batches {
		paths = append(paths, p)
	}
	a.mu.Unlock()
	for _, p := range paths {
		_ = a.commitPath(p)
	}
	return a.store.Close()
}

// MarshalContext is a convenience for stores that need a stable byte
// representation of an entry's context (e.g. for durable encoding).
func MarshalContext(entry Entry) ([]byte, error) {
	return json.Marshal(entry)
}
