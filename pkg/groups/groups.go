// Package groups models the streaming "groups.get" RPC the resource
// monitor subscribes to for raw online/torpid rank facts, decoupling
// pkg/resource from the overlay transport that actually produces them.
package groups

import "context"

// Snapshot is one push of a group's current encoded membership, as
// produced by the overlay's group-tracking protocol.
type Snapshot struct {
	Members string // idset-encoded rank set
}

// Watcher subscribes to a named group's snapshot stream. The returned
// channel is closed when the subscription ends (context cancellation or
// unrecoverable transport error); callers should re-subscribe to resume.
type Watcher interface {
	Subscribe(ctx context.Context, name string) (<-chan Snapshot, error)
}
