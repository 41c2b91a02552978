// Package waitqueue implements a reference-counted, multi-queue deferral
// primitive modeled on Flux's wait_t/waitqueue_t (kvs/waitqueue.c). Other
// subsystems use it to park continuations until an asynchronous condition
// completes, with bulk wake and selective cancellation.
package waitqueue

import "sync"

// Message is the minimal reference-counted payload a message-handler Wait
// can own. Implementations (e.g. an RPC request) decide what Incref/Decref
// do; the Wait guarantees exactly one Incref at creation and one Decref at
// destruction.
type Message interface {
	Incref()
	Decref()
}

// MsgHandlerFunc is invoked when a message-bearing Wait fires.
type MsgHandlerFunc func(msg Message, arg any)

// ErrorFunc is invoked synchronously when SetErrnum is called on a Wait
// that has an error hook registered.
type ErrorFunc func(w *Wait, errnum int, arg any)

// Wait is a deferred continuation with a use count. It fires its callback
// exactly once, when the use count reaches zero, and is then unusable.
type Wait struct {
	mu       sync.Mutex
	usecount int

	cb    func(arg any)
	cbArg any

	handler MsgHandlerFunc
	msg     Message
	handArg any

	errnum   int
	errorCb  ErrorFunc
	errorArg any

	destroyed bool
}

// New returns a plain Wait whose callback fires with arg when the use
// count reaches zero.
func New(cb func(arg any), arg any) *Wait {
	return &Wait{cb: cb, cbArg: arg}
}

// NewMsgHandler returns a message-bearing Wait. msg.Incref is called once
// now; msg.Decref is called once on destruction. handler fires with msg
// and arg when the use count reaches zero, unless cleared first (see
// Waitqueue.DestroyMsg).
func NewMsgHandler(handler MsgHandlerFunc, msg Message, arg any) *Wait {
	msg.Incref()
	return &Wait{handler: handler, msg: msg, handArg: arg}
}

// isMsgHandler reports whether w carries a message-handler callback.
func (w *Wait) isMsgHandler() bool {
	return w.msg != nil
}

// SetErrnum records an error code on w and invokes the registered error
// hook synchronously, if any.
func (w *Wait) SetErrnum(errnum int) {
	w.mu.Lock()
	w.errnum = errnum
	cb, arg := w.errorCb, w.errorArg
	w.mu.Unlock()
	if cb != nil {
		cb(w, errnum, arg)
	}
}

// Arg returns the argument a plain Wait was created with, or the handler
// argument for a message-bearing Wait. Lets callers built on top of
// Waitqueue (e.g. a selective-wake predicate) inspect what a parked Wait
// is waiting for without invoking it.
func (w *Wait) Arg() any {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.msg != nil {
		return w.handArg
	}
	return w.cbArg
}

// Errnum returns the last error code set via SetErrnum.
func (w *Wait) Errnum() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.errnum
}

// SetErrorCb registers the error hook.
func (w *Wait) SetErrorCb(cb ErrorFunc, arg any) {
	w.mu.Lock()
	w.errorCb = cb
	w.errorArg = arg
	w.mu.Unlock()
}

// incref increments the use count. Called once per queue a Wait is added to.
func (w *Wait) incref() {
	w.mu.Lock()
	w.usecount++
	w.mu.Unlock()
}

// decref decrements the use count and fires/destroys at zero. Mirrors
// wait_runone's tail after popping a Wait off a queue.
func (w *Wait) decref() {
	w.mu.Lock()
	w.usecount--
	fire := w.usecount == 0
	destroyed := w.destroyed
	w.mu.Unlock()
	if !fire || destroyed {
		return
	}
	w.fireAndDestroy()
}

// clearHandler clears the message-handler callback in place so that a
// later drain of another queue holding the same Wait will not re-fire it.
// Mirrors wait_destroy_msg setting w->hand.cb = NULL.
func (w *Wait) clearHandler() {
	w.mu.Lock()
	w.handler = nil
	w.mu.Unlock()
}

func (w *Wait) fireAndDestroy() {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return
	}
	w.destroyed = true
	cb, cbArg := w.cb, w.cbArg
	handler, msg, handArg := w.handler, w.msg, w.handArg
	w.mu.Unlock()

	if handler != nil {
		handler(msg, handArg)
	} else if cb != nil {
		cb(cbArg)
	}
	if msg != nil {
		msg.Decref()
	}
}
