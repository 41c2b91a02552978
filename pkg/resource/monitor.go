// Package resource implements the membership monitor: it watches two
// streaming broker groups (online, torpid), diffs successive snapshots
// against cached IdSets, posts join/leave events to a durable event log,
// and answers deferred waitup queries. Grounded end to end on
// original_source/src/modules/resource/monitor.c; leadership is
// generalized from "rank 0" to "current Raft leader" (see DESIGN.md
// REDESIGN FLAG 1).
package resource

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/tpatki/flux-core/pkg/consensus"
	"github.com/tpatki/flux-core/pkg/eventlog"
	"github.com/tpatki/flux-core/pkg/groups"
	"github.com/tpatki/flux-core/pkg/idset"
	"github.com/tpatki/flux-core/pkg/internal/logutil"
	obsmetrics "github.com/tpatki/flux-core/pkg/observability/metrics"
	"github.com/tpatki/flux-core/pkg/waitqueue"
)

// eventLogPath names the bucket/path under which every monitor event is
// appended, mirroring the resource.eventlog KVS path in the original.
const eventLogPath = "resource.eventlog"

// Role describes whether this Monitor instance is actively tracking
// membership (Leader) or only rejecting leader-only RPCs (Follower).
type Role int

const (
	RoleFollower Role = iota
	RoleLeader
)

func (r Role) String() string {
	if r == RoleLeader {
		return "leader"
	}
	return "follower"
}

// Config configures a Monitor instance.
type Config struct {
	// Size is the rank capacity; all IdSets are allocated with this
	// capacity.
	Size uint
	// ForceUp initializes the up set to the full rank range and skips
	// stream subscriptions (monitor_force_up in the original).
	ForceUp bool
	// SystemdEnable selects the sdmon.online group instead of
	// broker.online.
	SystemdEnable bool
	// RecoveryMode skips stream subscriptions without forcing up.
	RecoveryMode bool
	// Hostlist populates the restart event's nodelist field.
	Hostlist string
	// Logger receives monitor diagnostics; defaults to log.Default().
	Logger *log.Logger
}

// Monitor tracks rank membership on behalf of the current Raft leader.
// All mutable state (up/torpid/lost/waitup) is owned by a single
// dispatch goroutine; every other goroutine communicates with it over a
// command channel, the Go-idiomatic rendition of the single-threaded
// reactor model the original assumes.
type Monitor struct {
	cfg    Config
	cons   consensus.Consensus
	watch  groups.Watcher
	log    *eventlog.Appender
	logger *log.Logger

	cmdCh chan func()

	up     *idset.IdSet
	torpid *idset.IdSet
	lost   *idset.IdSet
	waitup *waitqueue.Waitqueue

	roleMu sync.RWMutex
	role   Role
}

// New returns an unstarted Monitor. cons supplies leadership; watch
// supplies streaming group snapshots; logAppender durably records
// membership events.
func New(cfg Config, cons consensus.Consensus, watch groups.Watcher, logAppender *eventlog.Appender) *Monitor {
	if cfg.Size == 0 {
		cfg.Size = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Monitor{
		cfg:    cfg,
		cons:   cons,
		watch:  watch,
		log:    logAppender,
		logger: cfg.Logger,
		cmdCh:  make(chan func(), 64),
		waitup: waitqueue.NewQueue(),
	}
}

// Start launches the dispatch goroutine and, if this instance is
// currently the Raft leader, performs leader initialization (restart
// event, group subscriptions). It also watches for subsequent leadership
// changes if cons implements consensus.LeaderNotifier.
func (m *Monitor) Start(ctx context.Context) error {
	go m.dispatchLoop(ctx)

	if m.cons.IsLeader() {
		if err := m.becomeLeader(ctx); err != nil {
			return err
		}
	}
	if ln, ok := m.cons.(consensus.LeaderNotifier); ok {
		go m.watchLeadership(ctx, ln)
	}
	return nil
}

func (m *Monitor) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-m.cmdCh:
			fn()
		}
	}
}

// do runs fn on the dispatch goroutine and blocks until it completes.
func (m *Monitor) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case m.cmdCh <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) watchLeadership(ctx context.Context, ln consensus.LeaderNotifier) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ln.LeaderCh():
			if !ok {
				return
			}
			wasLeader := m.IsLeader()
			isLeader := m.cons.IsLeader()
			switch {
			case isLeader && !wasLeader:
				if err := m.becomeLeader(ctx); err != nil {
					logutil.Errorf(m.logger, "resource: become-leader init failed: %v", err)
				}
			case !isLeader && wasLeader:
				m.setRole(RoleFollower)
			}
		}
	}
}

// becomeLeader allocates fresh state, posts the restart event, and (unless
// forced up or in recovery mode) subscribes to the online/torpid group
// streams. Mirrors monitor_create's rank-0 branch.
func (m *Monitor) becomeLeader(ctx context.Context) error {
	var initErr error
	err := m.do(ctx, func() {
		m.up = idset.New(m.cfg.Size)
		m.torpid = idset.New(m.cfg.Size)
		m.lost = idset.New(m.cfg.Size)
		if m.cfg.ForceUp {
			m.up.RangeSet(0, m.cfg.Size-1)
		}
		m.setRole(RoleLeader)
		initErr = m.postRestartEventLocked(ctx)
	})
	if err != nil {
		return err
	}
	if initErr != nil {
		return initErr
	}

	if !m.cfg.ForceUp && !m.cfg.RecoveryMode {
		onlineGroup := "broker.online"
		if m.cfg.SystemdEnable {
			onlineGroup = "sdmon.online"
		}
		if err := m.watchGroup(ctx, onlineGroup, "online", "offline", true); err != nil {
			return err
		}
		if err := m.watchGroup(ctx, "broker.torpid", "torpid", "lively", false); err != nil {
			return err
		}
	}
	return nil
}

func (m *Monitor) postRestartEventLocked(ctx context.Context) error {
	ranks := idset.New(m.cfg.Size)
	ranks.RangeSet(0, m.cfg.Size-1)
	eventCtx := map[string]string{
		"ranks":    ranks.Encode(),
		"online":   m.up.Encode(),
		"nodelist": m.cfg.Hostlist,
	}
	if err := m.log.Append(ctx, eventlog.Wait, eventLogPath, "restart", eventCtx); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	obsmetrics.ResourceEventsPostedTotal.WithLabelValues("restart").Inc()
	return nil
}

// watchGroup subscribes to name's snapshot stream and diffs every
// incoming snapshot against the cached set (up or torpid), re-subscribing
// on stream end. isUpGroup selects which cached set and whether lost
// bookkeeping applies.
func (m *Monitor) watchGroup(ctx context.Context, name, joinEvent, leaveEvent string, isUpGroup bool) error {
	ch, err := m.watch.Subscribe(ctx, name)
	if err != nil {
		return err
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-ch:
				if !ok {
					nc, err := m.watch.Subscribe(ctx, name)
					if err != nil {
						logutil.Errorf(m.logger, "resource: re-subscribe %s: %v", name, err)
						return
					}
					ch = nc
					continue
				}
				m.handleSnapshot(ctx, name, snap, joinEvent, leaveEvent, isUpGroup)
			}
		}
	}()
	return nil
}

func (m *Monitor) handleSnapshot(ctx context.Context, groupName string, snap groups.Snapshot, joinEvent, leaveEvent string, isUpGroup bool) {
	_ = m.do(ctx, func() {
		newSet, err := idset.Decode(snap.Members, m.cfg.Size)
		if err != nil {
			logutil.Errorf(m.logger, "resource: %s: bad snapshot %q: %v", groupName, snap.Members, err)
			return
		}
		cur := m.torpid
		if isUpGroup {
			cur = m.up
		}
		if err := m.postJoinLeaveLocked(ctx, cur, newSet, joinEvent, leaveEvent, isUpGroup); err != nil {
			// Best effort: leave the cached set unchanged and wait for
			// the next snapshot to re-diff from the same base (DESIGN.md
			// Open Question 2).
			logutil.Errorf(m.logger, "resource: %s: error posting %s/%s event: %v", groupName, joinEvent, leaveEvent, err)
			return
		}
		if isUpGroup {
			m.up = newSet
			m.notifyWaitupLocked()
			obsmetrics.ResourceUpTotal.Set(float64(m.up.Count()))
			obsmetrics.ResourceLostTotal.Set(float64(m.lost.Count()))
		} else {
			m.torpid = newSet
			obsmetrics.ResourceTorpidTotal.Set(float64(m.torpid.Count()))
		}
	})
}

// postJoinLeaveLocked posts join_event/leave_event for ranks added/removed
// in newSet relative to oldSet and, for the up group, updates lost.
// Mirrors post_join_leave.
func (m *Monitor) postJoinLeaveLocked(ctx context.Context, oldSet, newSet *idset.IdSet, joinEvent, leaveEvent string, isUpGroup bool) error {
	join := idset.Difference(newSet, oldSet)
	leave := idset.Difference(oldSet, newSet)

	if err := m.postEventLocked(ctx, joinEvent, join); err != nil {
		return err
	}
	if err := m.postEventLocked(ctx, leaveEvent, leave); err != nil {
		return err
	}
	if isUpGroup {
		m.lost.Add(leave)
		m.lost.SubtractSet(join)
	}
	return nil
}

// postEventLocked posts name with the encoded ids, skipping empty sets.
// Mirrors post_event.
func (m *Monitor) postEventLocked(ctx context.Context, name string, ids *idset.IdSet) error {
	if ids.Count() == 0 {
		return nil
	}
	if err := m.log.Append(ctx, eventlog.Wait, eventLogPath, name, map[string]string{"idset": ids.Encode()}); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	obsmetrics.ResourceEventsPostedTotal.WithLabelValues(name).Inc()
	return nil
}

// notifyWaitupLocked wakes every deferred waitup request whose target
// rank count now matches. Mirrors notify_waitup, generalized via
// Waitqueue.RemovePred instead of a hand-scanned message list.
func (m *Monitor) notifyWaitupLocked() {
	count := m.up.Count()
	m.waitup.RemovePred(func(w *waitqueue.Wait) bool {
		target, ok := w.Arg().(int)
		return ok && target == count
	})
	obsmetrics.ResourceWaitupPending.Set(float64(m.waitup.Length()))
}

// Waitup blocks until the up set's cardinality equals up, or ctx is
// cancelled. Leader-only. Mirrors waitup_cb.
func (m *Monitor) Waitup(ctx context.Context, up int) error {
	if !m.IsLeader() {
		return ErrProtocol
	}
	if up < 0 || up > int(m.cfg.Size) {
		return fmt.Errorf("%w: up value %d out of range [0,%d]", ErrInvalidInput, up, m.cfg.Size)
	}

	resultCh := make(chan error, 1)
	var w *waitqueue.Wait
	err := m.do(ctx, func() {
		if m.up.Count() == up {
			resultCh <- nil
			return
		}
		w = waitqueue.New(func(arg any) { resultCh <- nil }, up)
		m.waitup.AddQueue(w)
		obsmetrics.ResourceWaitupPending.Set(float64(m.waitup.Length()))
	})
	if err != nil {
		return err
	}

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		if w != nil {
			cleanup := w
			_ = m.do(context.Background(), func() {
				m.waitup.RemovePred(func(x *waitqueue.Wait) bool { return x == cleanup })
				obsmetrics.ResourceWaitupPending.Set(float64(m.waitup.Length()))
			})
		}
		return ctx.Err()
	}
}

// ForceDown removes ranks from the up set manually, posting the same
// online/offline events a real group transition would. Leader-only.
// Mirrors force_down_cb.
func (m *Monitor) ForceDown(ctx context.Context, ranks string) error {
	if !m.IsLeader() {
		return ErrProtocol
	}
	var opErr error
	err := m.do(ctx, func() {
		up := m.up.Copy()
		if dsErr := idset.DecodeSubtract(up, ranks); dsErr != nil {
			opErr = fmt.Errorf("%w: %v", ErrInvalidInput, dsErr)
			return
		}
		if pjErr := m.postJoinLeaveLocked(ctx, m.up, up, "online", "offline", true); pjErr != nil {
			opErr = pjErr
			return
		}
		m.up = up
		m.notifyWaitupLocked()
		obsmetrics.ResourceUpTotal.Set(float64(m.up.Count()))
		obsmetrics.ResourceLostTotal.Set(float64(m.lost.Count()))
	})
	if err != nil {
		return err
	}
	return opErr
}

// Up returns a copy of the current up set.
func (m *Monitor) Up(ctx context.Context) (*idset.IdSet, error) {
	var out *idset.IdSet
	err := m.do(ctx, func() { out = m.up.Copy() })
	return out, err
}

// Torpid returns a copy of the current torpid set.
func (m *Monitor) Torpid(ctx context.Context) (*idset.IdSet, error) {
	var out *idset.IdSet
	err := m.do(ctx, func() { out = m.torpid.Copy() })
	return out, err
}

// Lost returns a copy of the current lost set.
func (m *Monitor) Lost(ctx context.Context) (*idset.IdSet, error) {
	var out *idset.IdSet
	err := m.do(ctx, func() { out = m.lost.Copy() })
	return out, err
}

// Down returns the complement of Up within [0, size), computed fresh each
// call. Mirrors monitor_get_down's lazy derivation.
func (m *Monitor) Down(ctx context.Context) (*idset.IdSet, error) {
	var out *idset.IdSet
	err := m.do(ctx, func() {
		down := idset.New(m.cfg.Size)
		for i := uint(0); i < m.cfg.Size; i++ {
			if !m.up.Test(i) {
				down.Set(i)
			}
		}
		out = down
	})
	return out, err
}

// IsLeader reports whether this instance is currently tracking
// membership.
func (m *Monitor) IsLeader() bool {
	m.roleMu.RLock()
	defer m.roleMu.RUnlock()
	return m.role == RoleLeader
}

// Role returns the current Role.
func (m *Monitor) Role() Role {
	m.roleMu.RLock()
	defer m.roleMu.RUnlock()
	return m.role
}

func (m *Monitor) setRole(r Role) {
	m.roleMu.Lock()
	m.role = r
	m.roleMu.Unlock()
}
