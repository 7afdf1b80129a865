// Package activity tracks when the user last acted and notifies
// independent observers once a configurable period has elapsed without
// further activity, across one or many tabs sharing a storage backend.
package activity

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/tabpulse/tabpulse/pkg/logger"
	"github.com/tabpulse/tabpulse/pkg/storage"
)

// lastActiveKey is the storage key for the last-active timestamp,
// namespaced by the configured prefix and, when cross-tab sync is
// disabled, suffixed by tab identity so each tab keeps an isolated value.
const lastActiveKey = "lastActive"

// Options configures a Tracker.
type Options struct {
	// Store persists the last-active timestamp. Required.
	Store *storage.Store
	// Feed delivers change events written by other tabs. Optional; ignored
	// when DisableSync is set.
	Feed storage.ChangeFeed
	// Prefix namespaces the storage key.
	Prefix string
	// DisableSync keeps a per-tab isolated value instead of sharing one
	// key across tabs. Requires TabID.
	DisableSync bool
	// TabID suffixes the storage key when DisableSync is set.
	TabID string
	// Clock defaults to the real clock.
	Clock quartz.Clock
	// Logger defaults to a production JSON logger.
	Logger *logger.Logger
}

// Tracker owns the last-active timestamp for one tab. It persists the
// timestamp, notifies in-process subscribers of every change (local or
// remote), and manages a set of inactivity watchers whose timers are
// rescheduled on every change.
type Tracker struct {
	store *storage.Store
	feed  storage.ChangeFeed
	key   string
	clock quartz.Clock
	log   *logger.Logger

	mu         sync.Mutex
	destroyed  bool
	subs       map[int]func(time.Time)
	nextSub    int
	watchers   map[time.Duration]*watcher
	feedCancel func()
	lastSeen   time.Time
}

// watcher tracks one distinct timeout: its callbacks and its single
// scheduled wakeup. A watcher with zero callbacks does not exist in the
// collection.
type watcher struct {
	timeout   time.Duration
	callbacks map[int]func()
	nextID    int
	timer     *quartz.Timer
	// gen ties a scheduled wakeup closure to the arming that created it,
	// so a stale expiry racing a re-arm cannot clobber the fresh timer.
	gen int
	// firedFor is the activity epoch (last-active value) this watcher has
	// already fired for, preventing a second firing for the same epoch.
	firedFor time.Time
}

// New creates a Tracker. Panics when opts.Store is nil, or when
// DisableSync is set without a TabID: both are integration bugs, not
// runtime conditions.
func New(opts Options) *Tracker {
	if opts.Store == nil {
		panic("activity: Options.Store is required")
	}
	if opts.DisableSync && opts.TabID == "" {
		panic("activity: Options.TabID is required when DisableSync is set")
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = logger.New(logger.DefaultConfig())
	}

	key := opts.Prefix + lastActiveKey
	feed := opts.Feed
	if opts.DisableSync {
		key += "." + opts.TabID
		feed = nil
	}

	return &Tracker{
		store:    opts.Store,
		feed:     feed,
		key:      key,
		clock:    opts.Clock,
		log:      opts.Logger.WithComponent("activity"),
		subs:     make(map[int]func(time.Time)),
		watchers: make(map[time.Duration]*watcher),
	}
}

// Key returns the effective storage key for the last-active timestamp.
func (t *Tracker) Key() string {
	return t.key
}

// MarkActive records "the user acted just now".
func (t *Tracker) MarkActive() {
	t.UpdateLastActive(t.clock.Now())
}

// UpdateLastActive records the given wall-clock instant as the last
// activity. The write is optimistic: a failed persist is logged and the
// in-process notification still proceeds with the attempted value, so
// in-memory and persisted state may diverge until the next successful
// write.
func (t *Tracker) UpdateLastActive(ts time.Time) {
	value := time.UnixMilli(ts.UnixMilli())

	t.mu.Lock()
	t.mustLiveUnlock()
	t.store.SetJSON(t.key, value.UnixMilli())
	calls := t.applyLocked(value)
	t.mu.Unlock()

	for _, call := range calls {
		call()
	}
}

// LastActiveTime returns the persisted last-active timestamp, or the
// current time when none exists yet: a fresh session is assumed "never
// inactive" rather than "always inactive".
func (t *Tracker) LastActiveTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustLive()
	return t.lastActiveLocked()
}

// IsInactiveFor reports whether at least timeout has elapsed since the
// last recorded activity. Pure computation, no subscription.
func (t *Tracker) IsInactiveFor(timeout time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustLive()
	return t.clock.Now().Sub(t.lastActiveLocked()) >= timeout
}

// Subscribe registers fn for every change to the last-active timestamp,
// local and (when sync is enabled) remote. fn is invoked synchronously
// and immediately with the current value; subscribers must not assume
// they only see future changes. The returned function unsubscribes;
// calling it twice is a no-op.
func (t *Tracker) Subscribe(fn func(time.Time)) func() {
	t.mu.Lock()
	t.mustLiveUnlock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.syncListenerLocked()
	current := t.lastActiveLocked()
	t.mu.Unlock()

	t.safeNotify(fn, current)

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.destroyed {
			return
		}
		if _, ok := t.subs[id]; !ok {
			return
		}
		delete(t.subs, id)
		t.syncListenerLocked()
	}
}

// SubscribeToInactivity registers fn against the watcher for timeout,
// creating the watcher on first subscription, and immediately runs a
// reconciliation pass so the watcher's timer reflects current state. A
// timeout already in the past fires fn on this pass rather than after a
// full delay. The returned function removes only this callback; when the
// watcher's callback set becomes empty its timer is cancelled and the
// watcher is discarded.
func (t *Tracker) SubscribeToInactivity(timeout time.Duration, fn func()) func() {
	t.mu.Lock()
	t.mustLiveUnlock()

	w, ok := t.watchers[timeout]
	if !ok {
		w = &watcher{
			timeout:   timeout,
			callbacks: make(map[int]func()),
		}
		t.watchers[timeout] = w
	}
	id := w.nextID
	w.nextID++
	w.callbacks[id] = fn
	t.syncListenerLocked()

	last := t.lastActiveLocked()
	preFired := w.firedFor.Equal(last)
	calls := t.reconcileLocked(last)
	if preFired && w.firedFor.Equal(last) {
		// The watcher already fired for this epoch before fn joined, so the
		// reconciliation pass skipped it. fn still owes its elapsed-timeout
		// firing.
		calls = append(calls, func() {
			t.safeFire("inactivity", fn)
		})
	}
	t.mu.Unlock()

	for _, call := range calls {
		call()
	}

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.destroyed {
			return
		}
		w, ok := t.watchers[timeout]
		if !ok {
			return
		}
		if _, ok := w.callbacks[id]; !ok {
			return
		}
		delete(w.callbacks, id)
		if len(w.callbacks) == 0 {
			if w.timer != nil {
				w.timer.Stop()
				w.timer = nil
			}
			delete(t.watchers, timeout)
			t.syncListenerLocked()
		}
	}
}

// Destroy detaches the cross-context listener, cancels every outstanding
// timer, and clears all subscriber and watcher state. Idempotent; any
// other call after Destroy panics.
func (t *Tracker) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return
	}
	t.destroyed = true
	if t.feedCancel != nil {
		t.feedCancel()
		t.feedCancel = nil
	}
	for _, w := range t.watchers {
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
	}
	t.watchers = make(map[time.Duration]*watcher)
	t.subs = make(map[int]func(time.Time))
}

func (t *Tracker) mustLive() {
	if t.destroyed {
		panic("activity: tracker used after Destroy")
	}
}

// mustLiveUnlock is mustLive for paths that unlock manually rather than
// by defer: it releases t.mu before panicking so a recovered misuse
// panic cannot leave the mutex held.
func (t *Tracker) mustLiveUnlock() {
	if t.destroyed {
		t.mu.Unlock()
	}
	t.mustLive()
}

// lastActiveLocked reads the freshest persisted value. When the store
// has nothing readable it falls back to the last value observed in
// process (an optimistic write whose persist failed), then to the
// current instant: a fresh session is "never inactive".
func (t *Tracker) lastActiveLocked() time.Time {
	var ms int64
	if t.store.GetJSON(t.key, &ms) {
		return time.UnixMilli(ms)
	}
	if !t.lastSeen.IsZero() {
		return t.lastSeen
	}
	return t.clock.Now()
}

// syncListenerLocked attaches the change feed while anything is listening
// for changes (external subscribers or the internal reconciliation
// subscriber implied by live watchers) and detaches it when the last
// listener goes away.
func (t *Tracker) syncListenerLocked() {
	want := t.feed != nil && (len(t.subs) > 0 || len(t.watchers) > 0)
	switch {
	case want && t.feedCancel == nil:
		cancel, err := t.feed.Subscribe(t.handleEvent)
		if err != nil {
			t.log.Error("failed to attach change listener", err, "key", t.key)
			return
		}
		t.feedCancel = cancel
	case !want && t.feedCancel != nil:
		t.feedCancel()
		t.feedCancel = nil
	}
}

// handleEvent is the inbound end of the cross-context change signal: it
// filters on the effective key, parses the payload, and feeds it into the
// same reconciliation path used for local writes.
func (t *Tracker) handleEvent(ev storage.Event) {
	if ev.Key != t.key {
		return
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(ev.Value), 10, 64)
	if err != nil {
		t.log.Error("unparseable change event", err, "key", ev.Key, "value", ev.Value)
		return
	}
	value := time.UnixMilli(ms)

	t.mu.Lock()
	if t.destroyed || value.Equal(t.lastSeen) {
		// Duplicate delivery, or this tab's own write echoed back by the
		// change feed.
		t.mu.Unlock()
		return
	}
	calls := t.applyLocked(value)
	t.mu.Unlock()

	for _, call := range calls {
		call()
	}
}

// applyLocked records a new last-active value and returns the callback
// invocations it produced: the internal reconciliation pass first, then
// every in-process subscriber. Callers run the returned closures after
// releasing the lock.
func (t *Tracker) applyLocked(value time.Time) []func() {
	t.lastSeen = value
	calls := t.reconcileLocked(value)
	for _, fn := range t.subs {
		fn := fn
		calls = append(calls, func() {
			t.safeNotify(fn, value)
		})
	}
	return calls
}

// reconcileLocked re-arms every live watcher against last: cancel any
// outstanding timer, then either fire now (timeout already elapsed) or
// schedule a single timer for the remaining delay. Fires at most once per
// watcher per activity epoch.
func (t *Tracker) reconcileLocked(last time.Time) []func() {
	now := t.clock.Now()
	var calls []func()
	for _, w := range t.watchers {
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		remaining := w.timeout - now.Sub(last)
		if remaining <= 0 {
			if w.firedFor.Equal(last) {
				continue
			}
			w.firedFor = last
			calls = append(calls, t.fireLocked(w))
			continue
		}
		t.armLocked(w, remaining)
	}
	return calls
}

// armLocked schedules the watcher's single wakeup for remaining from now.
func (t *Tracker) armLocked(w *watcher, remaining time.Duration) {
	w.gen++
	gen := w.gen
	timeout := w.timeout
	w.timer = t.clock.AfterFunc(remaining, func() {
		t.onTimer(timeout, gen)
	})
	t.log.WatcherArmed(w.timeout, remaining)
}

// fireLocked snapshots the watcher's current callbacks into a single
// invocation closure. Every callback runs to completion with per-callback
// panic isolation.
func (t *Tracker) fireLocked(w *watcher) func() {
	callbacks := make([]func(), 0, len(w.callbacks))
	for _, fn := range w.callbacks {
		callbacks = append(callbacks, fn)
	}
	timeout := w.timeout
	return func() {
		t.log.WatcherFired(timeout, len(callbacks))
		for _, fn := range callbacks {
			t.safeFire("inactivity", fn)
		}
	}
}

// onTimer runs when a watcher's scheduled wakeup expires.
func (t *Tracker) onTimer(timeout time.Duration, gen int) {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	w, ok := t.watchers[timeout]
	if !ok || w.gen != gen {
		// The watcher was discarded, or a reconcile already re-armed it
		// and the newer timer owns the current epoch.
		t.mu.Unlock()
		return
	}
	w.timer = nil

	last := t.lastActiveLocked()
	if remaining := timeout - t.clock.Now().Sub(last); remaining > 0 {
		// The persisted value advanced without a change event reaching us
		// (shared backend with no feed). Re-arm for the rest of the new
		// activity epoch instead of going silent.
		t.armLocked(w, remaining)
		t.mu.Unlock()
		return
	}
	if w.firedFor.Equal(last) {
		t.mu.Unlock()
		return
	}
	w.firedFor = last
	call := t.fireLocked(w)
	t.mu.Unlock()

	call()
}

func (t *Tracker) safeNotify(fn func(time.Time), value time.Time) {
	defer func() {
		if r := recover(); r != nil {
			t.log.CallbackPanic("subscriber", r)
		}
	}()
	fn(value)
}

func (t *Tracker) safeFire(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.log.CallbackPanic(kind, r)
		}
	}()
	fn()
}
