package eventlog

import (
	"context"
	"testing"
	"time"
)

func TestAppendOrderPreservedOnSamePath(t *testing.T) {
	store := NewMemStore()
	a := New(store, 10*time.Millisecond, Hooks{})
	defer a.Close()

	ctx := context.Background()
	for _, name := range []string{"restart", "online", "offline"} {
		if err := a.Append(ctx, Async, "resource.eventlog", name, nil); err != nil {
			t.Fatalf("append %s: %v", name, err)
		}
	}
	if err := a.Flush(ctx, "resource.eventlog"); err != nil {
		t.Fatalf("flush: %v", err)
	}

	got := store.Read("resource.eventlog")
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	want := []string{"restart", "online", "offline"}
	for i, name := range want {
		if got[i].Name != name {
			t.Fatalf("entry %d: got %q want %q", i, got[i].Name, name)
		}
	}
}

func TestAppendWaitBlocksUntilCommit(t *testing.T) {
	store := NewMemStore()
	a := New(store, 5*time.Millisecond, Hooks{})
	defer a.Close()

	ctx := context.Background()
	if err := a.Append(ctx, Wait, "p", "online", map[string]string{"idset": "0-3"}); err != nil {
		t.Fatalf("append with wait: %v", err)
	}
	got := store.Read("p")
	if len(got) != 1 || got[0].Name != "online" {
		t.Fatalf("expected committed entry by the time Wait returns, got %v", got)
	}
}

func TestAppendErrorReportedViaHookAndLeavesOthersUnaffected(t *testing.T) {
	store := NewMemStore()
	store.FailPaths = map[string]bool{"bad": true}

	var errs []error
	a := New(store, 5*time.Millisecond, Hooks{
		OnErr: func(path string, entry Entry, err error) { errs = append(errs, err) },
	})
	defer a.Close()

	ctx := context.Background()
	if err := a.Append(ctx, Wait, "bad", "online", nil); err == nil {
		t.Fatalf("expected error from failing store")
	}
	if len(errs) != 1 {
		t.Fatalf("expected OnErr to fire once, got %d", len(errs))
	}

	if err := a.Append(ctx, Wait, "good", "online", nil); err != nil {
		t.Fatalf("unrelated path should still succeed: %v", err)
	}
	if got := store.Read("good"); len(got) != 1 {
		t.Fatalf("expected good path committed, got %v", got)
	}
}

func TestFlushAllPendingPaths(t *testing.T) {
	store := NewMemStore()
	a := New(store, time.Hour, Hooks{})
	defer a.Close()

	ctx := context.Background()
	_ = a.Append(ctx, Async, "p1", "restart", nil)
	_ = a.Append(ctx, Async, "p2", "restart", nil)

	if err := a.Flush(ctx, ""); err != nil {
		t.Fatalf("flush all: %v", err)
	}
	if len(store.Read("p1")) != 1 || len(store.Read("p2")) != 1 {
		t.Fatalf("expected both paths committed after Flush(\"\")")
	}
}

func TestAutomaticCommitAfterInactivity(t *testing.T) {
	store := NewMemStore()
	a := New(store, 20*time.Millisecond, Hooks{})
	defer a.Close()

	ctx := context.Background()
	_ = a.Append(ctx, Async, "p", "restart", nil)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if len(store.Read("p")) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected automatic commit after inactivity timeout")
}
