package relay

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ActivityCacheSettings struct {
	// validity window for a cached entry
	CacheTtl time.Duration
	// minimum timestamp delta before a liveness update is worth persisting
	UpdateThreshold time.Duration
	// batched durable write interval
	FlushInterval time.Duration
	// cache purge interval. bounds memory only, does not affect correctness.
	CleanupInterval time.Duration
	// inactivity sweep interval
	SweepInterval time.Duration
	// liveness age after which an entity is flipped to inactive
	InactivityTimeout time.Duration

	SweepBackoff *BackoffSettings
}

func DefaultActivityCacheSettings() *ActivityCacheSettings {
	return &ActivityCacheSettings{
		CacheTtl:          30 * time.Second,
		UpdateThreshold:   30 * time.Second,
		FlushInterval:     5 * time.Second,
		CleanupInterval:   5 * time.Minute,
		SweepInterval:     60 * time.Second,
		InactivityTimeout: 10 * time.Minute,
		SweepBackoff:      DefaultBackoffSettings(),
	}
}

type activityEntry struct {
	validUntil     int64
	lastUpdateSent int64
	pending        bool
	pendingUpdate  int64
	accountId      string
}

// ActivityCache gates session/machine liveness against durable storage:
// a TTL validity cache in front of the store, a debounced batch of pending
// liveness timestamps flushed on a timer, and a periodic sweeper that flips
// silent entities to inactive and announces it with an ephemeral event.
type ActivityCache struct {
	ctx    context.Context
	cancel context.CancelFunc

	store  *Store
	router *EventRouter

	settings *ActivityCacheSettings

	stateLock      sync.Mutex
	sessionEntries map[string]*activityEntry
	machineEntries map[string]*activityEntry
}

func NewActivityCacheWithDefaults(ctx context.Context, store *Store, router *EventRouter) *ActivityCache {
	return NewActivityCache(ctx, store, router, DefaultActivityCacheSettings())
}

func NewActivityCache(ctx context.Context, store *Store, router *EventRouter, settings *ActivityCacheSettings) *ActivityCache {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ActivityCache{
		ctx:            cancelCtx,
		cancel:         cancel,
		store:          store,
		router:         router,
		settings:       settings,
		sessionEntries: map[string]*activityEntry{},
		machineEntries: map[string]*activityEntry{},
	}
}

// Start launches the flush, cleanup and sweep loops under the drain so
// shutdown waits for them to exit.
func (self *ActivityCache) Start(drain *Drain) {
	drain.Go("presence-flush", self.flushLoop)
	drain.Go("presence-cleanup", self.cleanupLoop)
	drain.Go("presence-sweep", self.sweepLoop)
}

// Close cancels the loops and synchronously flushes any still-pending
// updates so the process can consider itself drained.
func (self *ActivityCache) Close() {
	self.cancel()
	if err := self.FlushPending(context.Background()); err != nil {
		glog.Infof("[presence]final flush error = %s\n", err)
	}
}

func (self *ActivityCache) IsSessionValid(ctx context.Context, sessionId string, accountId string) bool {
	now := nowMilli()

	self.stateLock.Lock()
	if entry, ok := self.sessionEntries[sessionId]; ok && now < entry.validUntil {
		owned := entry.accountId == accountId
		self.stateLock.Unlock()
		// a cache hit under another account is invalid, not a miss
		return owned
	}
	self.stateLock.Unlock()

	record, err := self.store.GetSession(ctx, accountId, sessionId)
	if err != nil {
		if err != ErrNotFound {
			glog.Infof("[presence]session lookup %s error = %s\n", sessionId, err)
		}
		return false
	}

	self.stateLock.Lock()
	self.sessionEntries[sessionId] = &activityEntry{
		validUntil:     now + self.settings.CacheTtl.Milliseconds(),
		lastUpdateSent: record.LastActiveAt,
		accountId:      accountId,
	}
	self.stateLock.Unlock()
	return true
}

func (self *ActivityCache) IsMachineValid(ctx context.Context, machineId string, accountId string) bool {
	now := nowMilli()

	self.stateLock.Lock()
	if entry, ok := self.machineEntries[machineId]; ok && now < entry.validUntil {
		owned := entry.accountId == accountId
		self.stateLock.Unlock()
		return owned
	}
	self.stateLock.Unlock()

	record, err := self.store.GetMachine(ctx, accountId, machineId)
	if err != nil {
		if err != ErrNotFound {
			glog.Infof("[presence]machine lookup %s error = %s\n", machineId, err)
		}
		return false
	}

	self.stateLock.Lock()
	self.machineEntries[machineId] = &activityEntry{
		validUntil:     now + self.settings.CacheTtl.Milliseconds(),
		lastUpdateSent: record.LastActiveAt,
		accountId:      accountId,
	}
	self.stateLock.Unlock()
	return true
}

// QueueSessionUpdate marks a pending liveness persist only when the delta
// against the last persisted timestamp beats the debounce threshold.
// Returns false when skipped. Requires a prior successful IsSessionValid;
// with no cache entry this is a silent no-op.
func (self *ActivityCache) QueueSessionUpdate(sessionId string, timestamp int64) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.sessionEntries[sessionId]
	if !ok {
		// should validate first
		return false
	}

	delta := timestamp - entry.lastUpdateSent
	if delta < 0 {
		delta = -delta
	}
	if self.settings.UpdateThreshold.Milliseconds() < delta {
		entry.pending = true
		entry.pendingUpdate = timestamp
		return true
	}
	glog.V(2).Infof("[presence]session %s update skipped\n", sessionId)
	return false
}

func (self *ActivityCache) QueueMachineUpdate(machineId string, timestamp int64) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.machineEntries[machineId]
	if !ok {
		// should validate first
		return false
	}

	delta := timestamp - entry.lastUpdateSent
	if delta < 0 {
		delta = -delta
	}
	if self.settings.UpdateThreshold.Milliseconds() < delta {
		entry.pending = true
		entry.pendingUpdate = timestamp
		return true
	}
	glog.V(2).Infof("[presence]machine %s update skipped\n", machineId)
	return false
}

// FlushPending issues one batched durable write per entity kind. Pending
// markers are cleared when the flush attempt is issued; a failed write is
// logged and retried naturally by re-queued liveness on the next tick.
func (self *ActivityCache) FlushPending(ctx context.Context) error {
	sessionWrites := []ActivityWrite{}
	machineWrites := []ActivityWrite{}

	self.stateLock.Lock()
	for sessionId, entry := range self.sessionEntries {
		if entry.pending {
			sessionWrites = append(sessionWrites, ActivityWrite{
				AccountId: entry.accountId,
				Id:        sessionId,
				Timestamp: entry.pendingUpdate,
			})
			entry.lastUpdateSent = entry.pendingUpdate
			entry.pending = false
		}
	}
	for machineId, entry := range self.machineEntries {
		if entry.pending {
			machineWrites = append(machineWrites, ActivityWrite{
				AccountId: entry.accountId,
				Id:        machineId,
				Timestamp: entry.pendingUpdate,
			})
			entry.lastUpdateSent = entry.pendingUpdate
			entry.pending = false
		}
	}
	self.stateLock.Unlock()

	if 0 < len(sessionWrites) {
		if err := self.store.UpdateSessionActivity(ctx, sessionWrites); err != nil {
			glog.Infof("[presence]session flush error = %s\n", err)
			return err
		}
		glog.V(1).Infof("[presence]flushed %d session updates\n", len(sessionWrites))
	}
	if 0 < len(machineWrites) {
		if err := self.store.UpdateMachineActivity(ctx, machineWrites); err != nil {
			glog.Infof("[presence]machine flush error = %s\n", err)
			return err
		}
		glog.V(1).Infof("[presence]flushed %d machine updates\n", len(machineWrites))
	}
	return nil
}

// Cleanup purges expired cache entries to bound memory.
func (self *ActivityCache) Cleanup() {
	now := nowMilli()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for sessionId, entry := range self.sessionEntries {
		if entry.validUntil < now && !entry.pending {
			delete(self.sessionEntries, sessionId)
		}
	}
	for machineId, entry := range self.machineEntries {
		if entry.validUntil < now && !entry.pending {
			delete(self.machineEntries, machineId)
		}
	}
}

func (self *ActivityCache) flushLoop() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.FlushInterval):
		}
		// a failed flush never terminates the loop
		self.FlushPending(self.ctx)
	}
}

func (self *ActivityCache) cleanupLoop() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.CleanupInterval):
		}
		self.Cleanup()
	}
}

func (self *ActivityCache) sweepLoop() {
	for {
		retryForever(self.ctx, "presence-sweep", self.settings.SweepBackoff, func() error {
			return self.Sweep(self.ctx)
		})
		if self.ctx.Err() != nil {
			return
		}
		delayWithContext(self.ctx, self.settings.SweepInterval)
	}
}

// Sweep flips entities whose liveness timestamp is older than the
// inactivity threshold and still marked active. The flip is a conditional
// update guarding against a concurrent liveness ping; only an applied flip
// emits the "went inactive" ephemeral event.
func (self *ActivityCache) Sweep(ctx context.Context) error {
	cutoff := nowMilli() - self.settings.InactivityTimeout.Milliseconds()

	sessions, err := self.store.ListInactiveSessions(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, session := range sessions {
		applied, err := self.store.MarkSessionInactive(ctx, session.Id)
		if err != nil {
			return err
		}
		if !applied {
			continue
		}
		self.router.EmitEphemeral(&EphemeralEvent{
			AccountId:       session.AccountId,
			Payload:         NewSessionActivityEphemeral(session.Id, false, session.LastActiveAt, false),
			RecipientFilter: UserScopedOnly(),
		})
	}

	machines, err := self.store.ListInactiveMachines(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, machine := range machines {
		applied, err := self.store.MarkMachineInactive(ctx, machine.AccountId, machine.Id)
		if err != nil {
			return err
		}
		if !applied {
			continue
		}
		self.router.EmitEphemeral(&EphemeralEvent{
			AccountId:       machine.AccountId,
			Payload:         NewMachineActivityEphemeral(machine.Id, false, machine.LastActiveAt),
			RecipientFilter: UserScopedOnly(),
		})
	}
	return nil
}
