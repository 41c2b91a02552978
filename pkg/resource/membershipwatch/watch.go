// Package membershipwatch bridges pkg/membership's gossip-driven join/leave
// events into the rank-indexed groups.Watcher the resource monitor expects,
// the way the teacher's Cluster.membershipEventsLoop translates raw
// membership events into cluster-facing notifications.
package membershipwatch

import (
	"context"
	"sync"

	"github.com/tpatki/flux-core/pkg/groups"
	"github.com/tpatki/flux-core/pkg/groups/memwatcher"
	"github.com/tpatki/flux-core/pkg/idset"
	"github.com/tpatki/flux-core/pkg/internal/logutil"
	"github.com/tpatki/flux-core/pkg/membership"
	"log"
)

// GroupName is the online-group name pushed for every membership change,
// matching the resource monitor's default (non-systemd) broker.online group.
const GroupName = "broker.online"

// Bridge assigns a fixed rank to each configured hostname and republishes
// the cluster's current online set to GroupName every time membership
// changes, so a resource.Monitor can subscribe to it via its ordinary
// groups.Watcher interface without knowing gossip is behind it.
type Bridge struct {
	mem    membership.Membership
	logger *log.Logger

	mu      sync.Mutex
	rankOf  map[string]uint
	online  *idset.IdSet

	watcher *memwatcher.Watcher
}

// NewBridge returns a Bridge that assigns ranks to hosts by their position
// in hosts (index == rank), the Go analogue of Flux's static rank
// assignment at broker startup.
func NewBridge(mem membership.Membership, hosts []string, logger *log.Logger) *Bridge {
	if logger == nil {
		logger = log.Default()
	}
	rankOf := make(map[string]uint, len(hosts))
	for i, h := range hosts {
		rankOf[h] = uint(i)
	}
	return &Bridge{
		mem:     mem,
		logger:  logger,
		rankOf:  rankOf,
		online:  idset.New(uint(len(hosts))),
		watcher: memwatcher.New(),
	}
}

// Watcher returns the groups.Watcher a resource.Monitor should subscribe
// through.
func (b *Bridge) Watcher() groups.Watcher {
	return b.watcher
}

// Start seeds the initial snapshot from the membership layer's current view
// and then republishes on every subsequent join/leave/failed event until ctx
// is done.
func (b *Bridge) Start(ctx context.Context) {
	for _, m := range b.mem.Members() {
		b.setOnline(m.ID, true)
	}
	b.publishLocked()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-b.mem.Events():
				if !ok {
					return
				}
				switch ev.Type {
				case membership.EventJoin:
					b.setOnline(ev.Member.ID, true)
				case membership.EventLeave, membership.EventFailed:
					b.setOnline(ev.Member.ID, false)
				default:
					continue
				}
				b.publish()
			}
		}
	}()
}

func (b *Bridge) setOnline(id string, up bool) {
	rank, ok := b.rankOf[id]
	if !ok {
		logutil.Warnf(b.logger, "membershipwatch: member %q has no configured rank, ignoring", id)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if up {
		b.online.Set(rank)
	} else {
		b.online.Clear(rank)
	}
}

func (b *Bridge) publish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishLocked()
}

func (b *Bridge) publishLocked() {
	b.watcher.Push(GroupName, b.online.Encode())
}
