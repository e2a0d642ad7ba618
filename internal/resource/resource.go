// Package resource brokers exclusive locks over named resources.
// Contended acquisitions wait in a per-resource queue ordered by
// priority, ties broken by arrival time. Waiters are granted the lock
// directly on release, so nothing polls.
package resource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dirigent-dev/dirigent/internal/events"
	"github.com/dirigent-dev/dirigent/pkg/models"
)

// DefaultTimeout bounds how long an acquisition waits before failing.
const DefaultTimeout = 30 * time.Second

// waiter is one queued acquisition. The outcome channel is buffered so
// the side that settles the waiter never blocks. A nil outcome means
// the lock was granted and the waiter is now the holder.
type waiter struct {
	id         string
	resourceID string
	agentID    string
	priority   models.Priority
	enqueuedAt time.Time
	outcome    chan error
	settled    bool
}

// settleLocked records the waiter's result exactly once. Callers hold
// the manager lock.
func (w *waiter) settleLocked(err error) {
	if w.settled {
		return
	}
	w.settled = true
	w.outcome <- err
}

// resourceState tracks one named resource and its wait queue. The
// queue is kept sorted by priority rank descending, arrival ascending,
// so index 0 is always the next waiter to promote.
type resourceState struct {
	id       string
	holder   string
	lockedAt time.Time
	waiters  []*waiter
}

// Manager is the exclusive lock broker. Resources are created lazily
// on first acquisition and retained afterwards.
type Manager struct {
	timeout time.Duration
	logger  *zap.Logger
	emitter *events.Emitter
	now     func() time.Time

	mu        sync.Mutex
	resources map[string]*resourceState
}

// NewManager creates a lock broker. Acquisitions that cannot be
// granted within timeout fail; a non-positive timeout falls back to
// DefaultTimeout. The emitter may be nil. A nil logger disables
// logging.
func NewManager(timeout time.Duration, logger *zap.Logger, emitter *events.Emitter) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		timeout:   timeout,
		logger:    logger,
		emitter:   emitter,
		now:       time.Now,
		resources: make(map[string]*resourceState),
	}
}

// Timeout returns the acquisition timeout.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// Acquire obtains the exclusive lock on resourceID for agentID.
// Holding the lock already is a no-op. A free resource locks
// immediately; a held one enqueues the caller by priority and blocks
// until the lock is granted, the manager timeout elapses, or ctx is
// done. Failed waits return a *models.ResourceLockError.
func (m *Manager) Acquire(ctx context.Context, resourceID, agentID string, priority models.Priority) error {
	m.mu.Lock()
	r := m.resourceLocked(resourceID)

	if r.holder == agentID {
		m.mu.Unlock()
		return nil
	}

	if r.holder == "" {
		r.holder = agentID
		r.lockedAt = m.now()
		m.mu.Unlock()
		m.emitAcquired(resourceID, agentID)
		return nil
	}

	w := &waiter{
		id:         fmt.Sprintf("wr-%s", uuid.New().String()[:8]),
		resourceID: resourceID,
		agentID:    agentID,
		priority:   priority,
		enqueuedAt: m.now(),
		outcome:    make(chan error, 1),
	}
	insertWaiterLocked(r, w)
	m.mu.Unlock()

	m.logger.Debug("waiting for resource",
		zap.String("resource", resourceID),
		zap.String("agent", agentID),
		zap.String("priority", string(priority)))

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case err := <-w.outcome:
		return err

	case <-timer.C:
		m.mu.Lock()
		if w.settled {
			// The grant raced the deadline; the buffered outcome
			// decides.
			err := <-w.outcome
			m.mu.Unlock()
			return err
		}
		w.settled = true
		removeWaiterLocked(r, w.id)
		m.mu.Unlock()
		return &models.ResourceLockError{
			ResourceID: resourceID,
			AgentID:    agentID,
			Reason:     fmt.Sprintf("timed out after %s", m.timeout),
		}

	case <-ctx.Done():
		m.mu.Lock()
		if w.settled {
			if err := <-w.outcome; err != nil {
				m.mu.Unlock()
				return err
			}
			// Granted after cancellation: give the lock back so the
			// next waiter is not starved.
			var evs []events.Event
			if r.holder == agentID {
				evs = m.releaseHolderLocked(r, "caller cancelled")
			}
			m.mu.Unlock()
			m.emit(evs)
		} else {
			w.settled = true
			removeWaiterLocked(r, w.id)
			m.mu.Unlock()
		}
		return &models.ResourceLockError{
			ResourceID: resourceID,
			AgentID:    agentID,
			Reason:     ctx.Err().Error(),
		}
	}
}

// Release gives up agentID's lock on resourceID and promotes the next
// waiter. A release by a non-holder is logged and ignored.
func (m *Manager) Release(resourceID, agentID string) {
	m.mu.Lock()
	r, ok := m.resources[resourceID]
	if !ok || r.holder != agentID {
		holder := ""
		if ok {
			holder = r.holder
		}
		m.mu.Unlock()
		m.logger.Warn("release by non-holder ignored",
			zap.String("resource", resourceID),
			zap.String("agent", agentID),
			zap.String("holder", holder))
		return
	}

	evs := m.releaseHolderLocked(r, "")
	m.mu.Unlock()
	m.emit(evs)
}

// ReleaseAllForAgent drops every wait and releases every lock held by
// agentID. Used on agent termination and deadlock preemption. Returns
// the ids of the resources that were released.
func (m *Manager) ReleaseAllForAgent(agentID string) []string {
	m.mu.Lock()

	var evs []events.Event
	var released []string

	// Drop queued waits first so the agent cannot be promoted into a
	// lock it no longer wants.
	for _, r := range m.resources {
		for i := 0; i < len(r.waiters); {
			w := r.waiters[i]
			if w.agentID != agentID {
				i++
				continue
			}
			w.settleLocked(&models.ResourceLockError{
				ResourceID: r.id,
				AgentID:    agentID,
				Reason:     "agent preempted",
			})
			r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
		}
	}

	for _, r := range m.resources {
		if r.holder != agentID {
			continue
		}
		released = append(released, r.id)
		evs = append(evs, m.releaseHolderLocked(r, "agent preempted")...)
	}

	m.mu.Unlock()
	m.emit(evs)

	if len(released) > 0 {
		m.logger.Info("released all resources for agent",
			zap.String("agent", agentID),
			zap.Strings("resources", released))
	}
	return released
}

// Maintenance expires wait entries older than the acquisition timeout
// and force-releases locks held past twice the timeout. Returns the
// number of expired waits and reclaimed locks.
func (m *Manager) Maintenance(now time.Time) (expiredWaits, reclaimedLocks int) {
	m.mu.Lock()

	var evs []events.Event
	for _, r := range m.resources {
		for i := 0; i < len(r.waiters); {
			w := r.waiters[i]
			if now.Sub(w.enqueuedAt) <= m.timeout {
				i++
				continue
			}
			w.settleLocked(&models.ResourceLockError{
				ResourceID: r.id,
				AgentID:    w.agentID,
				Reason:     fmt.Sprintf("timed out after %s", m.timeout),
			})
			r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
			expiredWaits++
		}

		if r.holder != "" && now.Sub(r.lockedAt) > 2*m.timeout {
			m.logger.Warn("reclaiming stale lock",
				zap.String("resource", r.id),
				zap.String("holder", r.holder),
				zap.Duration("held", now.Sub(r.lockedAt)))
			evs = append(evs, m.releaseHolderLocked(r, "stale lock reclaimed")...)
			reclaimedLocks++
		}
	}

	m.mu.Unlock()
	m.emit(evs)
	return expiredWaits, reclaimedLocks
}

// Allocations returns a copy of every known resource's lock state,
// keyed by resource id.
func (m *Manager) Allocations() map[string]models.Resource {
	m.mu.Lock()
	defer m.mu.Unlock()

	allocs := make(map[string]models.Resource, len(m.resources))
	for id, r := range m.resources {
		allocs[id] = models.Resource{
			ID:       id,
			Locked:   r.holder != "",
			HolderID: r.holder,
			LockedAt: r.lockedAt,
		}
	}
	return allocs
}

// WaitingRequests returns a copy of every wait queue, keyed by
// resource id. Resources with no waiters are omitted.
func (m *Manager) WaitingRequests() map[string][]models.WaitRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	waiting := make(map[string][]models.WaitRequest)
	for id, r := range m.resources {
		if len(r.waiters) == 0 {
			continue
		}
		reqs := make([]models.WaitRequest, 0, len(r.waiters))
		for _, w := range r.waiters {
			reqs = append(reqs, models.WaitRequest{
				ID:         w.id,
				ResourceID: w.resourceID,
				AgentID:    w.agentID,
				Priority:   w.priority,
				EnqueuedAt: w.enqueuedAt,
			})
		}
		waiting[id] = reqs
	}
	return waiting
}

// resourceLocked returns the state for resourceID, creating it lazily.
func (m *Manager) resourceLocked(resourceID string) *resourceState {
	r, ok := m.resources[resourceID]
	if !ok {
		r = &resourceState{id: resourceID}
		m.resources[resourceID] = r
	}
	return r
}

// releaseHolderLocked clears the holder and promotes the head waiter,
// if any. Returns the events to emit once the lock is dropped.
func (m *Manager) releaseHolderLocked(r *resourceState, message string) []events.Event {
	released := events.Event{
		Type:       events.ResourceReleased,
		ResourceID: r.id,
		AgentID:    r.holder,
		Message:    message,
	}
	r.holder = ""
	r.lockedAt = time.Time{}

	evs := []events.Event{released}
	if len(r.waiters) > 0 {
		w := r.waiters[0]
		r.waiters = r.waiters[1:]
		r.holder = w.agentID
		r.lockedAt = m.now()
		w.settleLocked(nil)
		evs = append(evs, events.Event{
			Type:       events.ResourceAcquired,
			ResourceID: r.id,
			AgentID:    w.agentID,
		})
	}
	return evs
}

// insertWaiterLocked places w before the first waiter with a strictly
// lower priority rank, keeping equal ranks in arrival order.
func insertWaiterLocked(r *resourceState, w *waiter) {
	pos := len(r.waiters)
	for i, existing := range r.waiters {
		if w.priority.Rank() > existing.priority.Rank() {
			pos = i
			break
		}
	}
	r.waiters = append(r.waiters, nil)
	copy(r.waiters[pos+1:], r.waiters[pos:])
	r.waiters[pos] = w
}

// removeWaiterLocked drops the waiter with the given id, if present.
func removeWaiterLocked(r *resourceState, id string) {
	for i, w := range r.waiters {
		if w.id == id {
			r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
			return
		}
	}
}

func (m *Manager) emitAcquired(resourceID, agentID string) {
	m.emit([]events.Event{{
		Type:       events.ResourceAcquired,
		ResourceID: resourceID,
		AgentID:    agentID,
	}})
}

func (m *Manager) emit(evs []events.Event) {
	if m.emitter == nil {
		return
	}
	for _, ev := range evs {
		m.emitter.Emit(ev)
	}
}
