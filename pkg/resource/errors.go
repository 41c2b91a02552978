package resource

import "errors"

// Sentinel errors for the resource monitor, following the teacher's
// pkg/cluster/errors.go style of plain sentinel values.
var (
	// ErrInvalidInput is returned for a malformed waitup/force-down
	// payload or an out-of-range waitup target (see DESIGN.md Open
	// Question 1: both cases collapse to this one sentinel, wrapped
	// with a request-specific message).
	ErrInvalidInput = errors.New("resource: invalid request")

	// ErrProtocol is returned when a leader-only RPC is invoked on a
	// non-leader instance.
	ErrProtocol = errors.New("resource: this RPC only works on the leader")

	// ErrTransport is reported via Hooks.OnErr when an event-log append
	// fails; the monitor's cached state is left unchanged.
	ErrTransport = errors.New("resource: event log append failed")

	// ErrClosed is returned by operations invoked after Monitor.Close.
	ErrClosed = errors.New("resource: monitor closed")
)
