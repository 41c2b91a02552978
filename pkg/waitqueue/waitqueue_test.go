package waitqueue

import "testing"

type fakeMsg struct {
	id      int
	increfs int
	decrefs int
}

func (m *fakeMsg) Incref() { m.increfs++ }
func (m *fakeMsg) Decref() { m.decrefs++ }

func TestPlainWaitFiresOnZeroUsecount(t *testing.T) {
	fired := 0
	w := New(func(arg any) { fired++ }, nil)

	q1 := NewQueue()
	q2 := NewQueue()
	q1.AddQueue(w)
	q2.AddQueue(w)

	q1.Run()
	if fired != 0 {
		t.Fatalf("wait fired after only one of two queues ran: fired=%d", fired)
	}
	q2.Run()
	if fired != 1 {
		t.Fatalf("wait should fire exactly once after last queue runs: fired=%d", fired)
	}
}

func TestMultiQueueMembershipFiresOncePerQueueDrain(t *testing.T) {
	var order []string
	msg := &fakeMsg{id: 1}
	w := NewMsgHandler(func(m Message, arg any) {
		order = append(order, arg.(string))
	}, msg, "handler-fired")

	qA := NewQueue()
	qB := NewQueue()
	qA.AddQueue(w)
	qB.AddQueue(w)

	if qA.MsgsCount() != 1 || qB.MsgsCount() != 1 {
		t.Fatalf("expected msg-bearing wait counted on both queues")
	}

	qA.Run()
	if len(order) != 0 {
		t.Fatalf("should not fire until last queue reference drops")
	}
	qB.Run()
	if len(order) != 1 || order[0] != "handler-fired" {
		t.Fatalf("expected exactly one fire, got %v", order)
	}
	if msg.increfs != 1 || msg.decrefs != 1 {
		t.Fatalf("expected one incref/decref pair, got incref=%d decref=%d", msg.increfs, msg.decrefs)
	}
}

func TestDestroyMsgCancelsAcrossQueues(t *testing.T) {
	var fired int
	msg := &fakeMsg{id: 7}
	w := NewMsgHandler(func(m Message, arg any) { fired++ }, msg, nil)

	qA := NewQueue()
	qB := NewQueue()
	qA.AddQueue(w)
	qB.AddQueue(w)

	n := qA.DestroyMsg(func(m Message) bool { return m.(*fakeMsg).id == 7 })
	if n != 1 {
		t.Fatalf("expected 1 wait destroyed from qA, got %d", n)
	}
	if qA.Length() != 0 {
		t.Fatalf("qA should be empty after DestroyMsg")
	}
	if qB.Length() != 1 {
		t.Fatalf("qB membership should be unaffected by qA.DestroyMsg: len=%d", qB.Length())
	}

	// Draining qB must not re-fire the handler: it was cleared in place.
	qB.Run()
	if fired != 0 {
		t.Fatalf("handler should not fire after cancellation via DestroyMsg on another queue: fired=%d", fired)
	}
	if msg.decrefs != 1 {
		t.Fatalf("expected exactly one decref (from destroy on zero usecount), got %d", msg.decrefs)
	}
}

func TestDestroyMsgOnlyMatchesPredicate(t *testing.T) {
	qA := NewQueue()
	msgMatch := &fakeMsg{id: 1}
	msgOther := &fakeMsg{id: 2}
	wMatch := NewMsgHandler(func(m Message, arg any) {}, msgMatch, nil)
	wOther := NewMsgHandler(func(m Message, arg any) {}, msgOther, nil)
	qA.AddQueue(wMatch)
	qA.AddQueue(wOther)

	n := qA.DestroyMsg(func(m Message) bool { return m.(*fakeMsg).id == 1 })
	if n != 1 {
		t.Fatalf("expected exactly one match, got %d", n)
	}
	if qA.Length() != 1 {
		t.Fatalf("expected one wait left on queue, got %d", qA.Length())
	}
	if qA.MsgsCount() != 1 {
		t.Fatalf("expected msgsOnQueue to track the remaining wait, got %d", qA.MsgsCount())
	}
}

func TestRemovePredFiresMatchesOnly(t *testing.T) {
	qA := NewQueue()
	var fired []int
	w5 := New(func(arg any) { fired = append(fired, arg.(int)) }, 5)
	w7 := New(func(arg any) { fired = append(fired, arg.(int)) }, 7)
	qA.AddQueue(w5)
	qA.AddQueue(w7)

	n := qA.RemovePred(func(w *Wait) bool { return w.Arg().(int) == 7 })
	if n != 1 {
		t.Fatalf("expected 1 removed, got %d", n)
	}
	if len(fired) != 1 || fired[0] != 7 {
		t.Fatalf("expected only target-7 wait to fire, got %v", fired)
	}
	if qA.Length() != 1 {
		t.Fatalf("expected non-matching wait to remain queued, got length %d", qA.Length())
	}
}

func TestLengthAndMsgsCount(t *testing.T) {
	qA := NewQueue()
	plain := New(func(arg any) {}, nil)
	msg := &fakeMsg{id: 1}
	handler := NewMsgHandler(func(m Message, arg any) {}, msg, nil)
	qA.AddQueue(plain)
	qA.AddQueue(handler)

	if qA.Length() != 2 {
		t.Fatalf("expected length 2, got %d", qA.Length())
	}
	if qA.MsgsCount() != 1 {
		t.Fatalf("expected msgs count 1, got %d", qA.MsgsCount())
	}

	qA.Run()
	if qA.Length() != 0 || qA.MsgsCount() != 0 {
		t.Fatalf("queue should be empty after Run")
	}
}
