package resource

import (
	"context"
	"testing"
	"time"

	"github.com/tpatki/flux-core/pkg/consensus"
	"github.com/tpatki/flux-core/pkg/eventlog"
	"github.com/tpatki/flux-core/pkg/groups/memwatcher"
)

type fakeConsensus struct {
	leader bool
}

func (f *fakeConsensus) Start(ctx context.Context) error                    { return nil }
func (f *fakeConsensus) Apply(cmd consensus.Command, timeout time.Duration) error { return nil }
func (f *fakeConsensus) IsLeader() bool                                     { return f.leader }
func (f *fakeConsensus) Leader() (string, string, bool)                     { return "n1", "n1:0", f.leader }
func (f *fakeConsensus) Term() uint64                                       { return 1 }
func (f *fakeConsensus) Stop() error                                        { return nil }

var _ consensus.Consensus = (*fakeConsensus)(nil)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func newTestMonitor(t *testing.T, size uint) (*Monitor, *memwatcher.Watcher, *eventlog.MemStore) {
	t.Helper()
	store := eventlog.NewMemStore()
	appender := eventlog.New(store, 5*time.Millisecond, eventlog.Hooks{})
	watcher := memwatcher.New()
	cons := &fakeConsensus{leader: true}
	m := New(Config{Size: size, Hostlist: "n[0-3]"}, cons, watcher, appender)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	return m, watcher, store
}

func TestColdStartPostsRestartEvent(t *testing.T) {
	_, _, store := newTestMonitor(t, 4)
	waitFor(t, time.Second, func() bool { return len(store.Read(eventLogPath)) >= 1 })

	entries := store.Read(eventLogPath)
	if entries[0].Name != "restart" {
		t.Fatalf("expected first event to be restart, got %q", entries[0].Name)
	}
	ctxMap := entries[0].Context.(map[string]string)
	if ctxMap["ranks"] != "0-3" {
		t.Fatalf("expected full rank range, got %v", ctxMap["ranks"])
	}
	if ctxMap["online"] != "" {
		t.Fatalf("expected empty initial online set, got %v", ctxMap["online"])
	}
	if ctxMap["nodelist"] != "n[0-3]" {
		t.Fatalf("expected nodelist carried through, got %v", ctxMap["nodelist"])
	}
}

func TestOnlineJoinThenLeaveUpdatesLost(t *testing.T) {
	m, watcher, store := newTestMonitor(t, 4)
	waitFor(t, time.Second, func() bool { return len(store.Read(eventLogPath)) >= 1 })

	watcher.Push("broker.online", "0-3")
	waitFor(t, time.Second, func() bool {
		up, _ := m.Up(context.Background())
		return up.Count() == 4
	})

	entries := store.Read(eventLogPath)
	found := false
	for _, e := range entries {
		if e.Name == "online" {
			ctxMap := e.Context.(map[string]string)
			if ctxMap["idset"] == "0-3" {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("expected an online event for 0-3, got %v", entries)
	}

	// Rank 3 leaves.
	watcher.Push("broker.online", "0-2")
	waitFor(t, time.Second, func() bool {
		up, _ := m.Up(context.Background())
		return up.Count() == 3
	})

	lost, _ := m.Lost(context.Background())
	if lost.Encode() != "3" {
		t.Fatalf("expected lost={3}, got %q", lost.Encode())
	}

	offlineFound := false
	for _, e := range store.Read(eventLogPath) {
		if e.Name == "offline" {
			ctxMap := e.Context.(map[string]string)
			if ctxMap["idset"] == "3" {
				offlineFound = true
			}
		}
	}
	if !offlineFound {
		t.Fatalf("expected an offline event for rank 3")
	}
}

func TestRejoinClearsLost(t *testing.T) {
	m, watcher, _ := newTestMonitor(t, 4)
	watcher.Push("broker.online", "0-3")
	waitFor(t, time.Second, func() bool { up, _ := m.Up(context.Background()); return up.Count() == 4 })

	watcher.Push("broker.online", "0-2")
	waitFor(t, time.Second, func() bool { l, _ := m.Lost(context.Background()); return l.Encode() == "3" })

	watcher.Push("broker.online", "0-3")
	waitFor(t, time.Second, func() bool { up, _ := m.Up(context.Background()); return up.Count() == 4 })

	lost, _ := m.Lost(context.Background())
	if !lost.Empty() {
		t.Fatalf("expected lost to clear on rejoin, got %q", lost.Encode())
	}
}

func TestForceDownPostsOfflineAndUpdatesLost(t *testing.T) {
	m, watcher, store := newTestMonitor(t, 4)
	watcher.Push("broker.online", "0-3")
	waitFor(t, time.Second, func() bool { up, _ := m.Up(context.Background()); return up.Count() == 4 })

	if err := m.ForceDown(context.Background(), "1-2"); err != nil {
		t.Fatalf("force-down: %v", err)
	}

	up, _ := m.Up(context.Background())
	if up.Encode() != "0,3" {
		t.Fatalf("expected up={0,3}, got %q", up.Encode())
	}
	lost, _ := m.Lost(context.Background())
	if lost.Encode() != "1-2" {
		t.Fatalf("expected lost={1,2}, got %q", lost.Encode())
	}

	offlineFound := false
	for _, e := range store.Read(eventLogPath) {
		if e.Name == "offline" {
			if ctxMap, ok := e.Context.(map[string]string); ok && ctxMap["idset"] == "1-2" {
				offlineFound = true
			}
		}
	}
	if !offlineFound {
		t.Fatalf("expected offline event for 1-2")
	}
}

func TestForceDownRejectsMalformedRanks(t *testing.T) {
	m, watcher, _ := newTestMonitor(t, 4)
	watcher.Push("broker.online", "0-3")
	waitFor(t, time.Second, func() bool { up, _ := m.Up(context.Background()); return up.Count() == 4 })

	err := m.ForceDown(context.Background(), "not-an-idset")
	if err == nil {
		t.Fatalf("expected error for malformed ranks")
	}
}

func TestWaitupImmediateWhenAlreadyMatching(t *testing.T) {
	m, _, _ := newTestMonitor(t, 4)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Waitup(ctx, 0); err != nil {
		t.Fatalf("expected immediate success waiting for 0 at cold start: %v", err)
	}
}

func TestWaitupDeferredUntilTargetReached(t *testing.T) {
	m, watcher, _ := newTestMonitor(t, 4)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- m.Waitup(ctx, 4)
	}()

	select {
	case err := <-done:
		t.Fatalf("waitup should not resolve before target reached, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	watcher.Push("broker.online", "0-3")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected waitup to resolve once up count reached target: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("waitup did not resolve after target reached")
	}
}

func TestWaitupRejectsOutOfRange(t *testing.T) {
	m, _, _ := newTestMonitor(t, 4)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Waitup(ctx, 5); err == nil {
		t.Fatalf("expected error for out-of-range waitup target")
	}
}

func TestWaitupContextCancelCleansUpQueue(t *testing.T) {
	m, _, _ := newTestMonitor(t, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if err := m.Waitup(ctx, 4); err == nil {
		t.Fatalf("expected context deadline error")
	}
	waitFor(t, time.Second, func() bool { return m.waitup.Length() == 0 })
}

func TestLeaderOnlyRPCsRejectedOnFollower(t *testing.T) {
	store := eventlog.NewMemStore()
	appender := eventlog.New(store, 5*time.Millisecond, eventlog.Hooks{})
	watcher := memwatcher.New()
	cons := &fakeConsensus{leader: false}
	m := New(Config{Size: 4}, cons, watcher, appender)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := m.ForceDown(context.Background(), "0"); err != ErrProtocol {
		t.Fatalf("expected ErrProtocol from follower ForceDown, got %v", err)
	}
	if err := m.Waitup(context.Background(), 0); err != ErrProtocol {
		t.Fatalf("expected ErrProtocol from follower Waitup, got %v", err)
	}
}
