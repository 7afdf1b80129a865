package activity

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"

	"github.com/tabpulse/tabpulse/pkg/logger"
	"github.com/tabpulse/tabpulse/pkg/storage"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{
		Level:  logger.LevelError,
		Format: logger.FormatJSON,
		Output: io.Discard,
	})
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// fakeFeed delivers change events synchronously, standing in for the
// platform's cross-context change signal.
type fakeFeed struct {
	mu       sync.Mutex
	handlers map[int]func(storage.Event)
	next     int
	attached int
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{handlers: make(map[int]func(storage.Event))}
}

func (f *fakeFeed) Subscribe(fn func(storage.Event)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.handlers[id] = fn
	f.attached++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, id)
	}, nil
}

func (f *fakeFeed) emit(ev storage.Event) {
	f.mu.Lock()
	handlers := make([]func(storage.Event), 0, len(f.handlers))
	for _, fn := range f.handlers {
		handlers = append(handlers, fn)
	}
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (f *fakeFeed) listeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func newTestTracker(t *testing.T, clock quartz.Clock, feed storage.ChangeFeed) *Tracker {
	t.Helper()
	store := storage.NewStore(storage.NewMemory(), testLogger())
	tracker := New(Options{
		Store:  store,
		Feed:   feed,
		Prefix: "test:",
		Clock:  clock,
		Logger: testLogger(),
	})
	t.Cleanup(tracker.Destroy)
	return tracker
}

func TestTracker_LastActiveTime_DefaultsToNow(t *testing.T) {
	clock := quartz.NewMock(t)
	tracker := newTestTracker(t, clock, nil)

	// Nothing persisted yet: a fresh session is "never inactive".
	if got, want := tracker.LastActiveTime(), clock.Now(); !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if tracker.IsInactiveFor(1) {
		t.Error("fresh session should not report inactive")
	}
}

func TestTracker_MarkActive_PersistsAndNotifies(t *testing.T) {
	clock := quartz.NewMock(t)
	tracker := newTestTracker(t, clock, nil)

	var notified []time.Time
	unsubscribe := tracker.Subscribe(func(ts time.Time) {
		notified = append(notified, ts)
	})
	defer unsubscribe()

	// Immediate synchronous invocation with the current value.
	if len(notified) != 1 {
		t.Fatalf("expected immediate invocation, got %d calls", len(notified))
	}

	start := clock.Now()
	tracker.MarkActive()
	if len(notified) != 2 {
		t.Fatalf("expected notification on MarkActive, got %d calls", len(notified))
	}
	if got := notified[1]; got.UnixMilli() != start.UnixMilli() {
		t.Errorf("expected notification with %v, got %v", start, got)
	}
	if got := tracker.LastActiveTime(); got.UnixMilli() != start.UnixMilli() {
		t.Errorf("expected persisted %v, got %v", start, got)
	}
}

func TestTracker_IsInactiveFor(t *testing.T) {
	ctx := testContext(t)
	clock := quartz.NewMock(t)
	tracker := newTestTracker(t, clock, nil)

	tracker.MarkActive()
	for _, timeout := range []time.Duration{time.Millisecond, time.Second, time.Hour} {
		if tracker.IsInactiveFor(timeout) {
			t.Errorf("expected active immediately after MarkActive for timeout %v", timeout)
		}
	}

	clock.Advance(3 * time.Second).MustWait(ctx)

	if !tracker.IsInactiveFor(2 * time.Second) {
		t.Error("expected inactive for 2s after 3s of silence")
	}
	if !tracker.IsInactiveFor(3 * time.Second) {
		t.Error("expected inactive for exactly the elapsed time")
	}
	if tracker.IsInactiveFor(5 * time.Second) {
		t.Error("expected not inactive for 5s after only 3s")
	}
}

func TestTracker_WatcherFiresExactlyOnce(t *testing.T) {
	ctx := testContext(t)
	clock := quartz.NewMock(t)
	tracker := newTestTracker(t, clock, nil)

	tracker.MarkActive()

	var calls atomic.Int32
	unsubscribe := tracker.SubscribeToInactivity(2*time.Second, func() {
		calls.Add(1)
	})
	defer unsubscribe()

	clock.Advance(1999 * time.Millisecond).MustWait(ctx)
	if got := calls.Load(); got != 0 {
		t.Fatalf("expected no firing at 1999ms, got %d", got)
	}

	clock.Advance(time.Millisecond).MustWait(ctx)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly one firing at 2000ms, got %d", got)
	}

	// No further activity: never fires twice.
	clock.Advance(time.Minute).MustWait(ctx)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected still one firing, got %d", got)
	}
}

func TestTracker_ExpiredTimeoutFiresImmediately(t *testing.T) {
	clock := quartz.NewMock(t)
	tracker := newTestTracker(t, clock, nil)

	tracker.UpdateLastActive(clock.Now().Add(-3 * time.Second))

	var calls atomic.Int32
	unsubscribe := tracker.SubscribeToInactivity(2*time.Second, func() {
		calls.Add(1)
	})
	defer unsubscribe()

	// Fired on the subscription's reconciliation pass, not after 2s.
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected immediate firing for elapsed timeout, got %d", got)
	}
}

func TestTracker_LateSubscriberToFiredEpoch(t *testing.T) {
	clock := quartz.NewMock(t)
	tracker := newTestTracker(t, clock, nil)

	tracker.UpdateLastActive(clock.Now().Add(-3 * time.Second))

	var first, second atomic.Int32
	defer tracker.SubscribeToInactivity(2*time.Second, func() { first.Add(1) })()
	defer tracker.SubscribeToInactivity(2*time.Second, func() { second.Add(1) })()

	// The second subscription fires its own callback without re-firing the
	// sibling that already fired for this activity epoch.
	if got := first.Load(); got != 1 {
		t.Errorf("expected first callback fired once, got %d", got)
	}
	if got := second.Load(); got != 1 {
		t.Errorf("expected second callback fired once, got %d", got)
	}
}

func TestTracker_ActivityReschedulesWatcher(t *testing.T) {
	ctx := testContext(t)
	clock := quartz.NewMock(t)
	tracker := newTestTracker(t, clock, nil)

	tracker.MarkActive()

	var calls atomic.Int32
	defer tracker.SubscribeToInactivity(2*time.Second, func() { calls.Add(1) })()

	clock.Advance(time.Second).MustWait(ctx)
	tracker.MarkActive()

	clock.Advance(1999 * time.Millisecond).MustWait(ctx)
	if got := calls.Load(); got != 0 {
		t.Fatalf("expected no firing 1999ms after renewed activity, got %d", got)
	}

	clock.Advance(time.Millisecond).MustWait(ctx)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one firing 2s after renewed activity, got %d", got)
	}
}

func TestTracker_UnsubscribeCancelsPendingTimer(t *testing.T) {
	ctx := testContext(t)
	clock := quartz.NewMock(t)
	tracker := newTestTracker(t, clock, nil)

	tracker.MarkActive()

	var calls atomic.Int32
	unsubscribe := tracker.SubscribeToInactivity(2*time.Second, func() { calls.Add(1) })
	unsubscribe()

	clock.Advance(time.Minute).MustWait(ctx)
	if got := calls.Load(); got != 0 {
		t.Fatalf("expected no firing after unsubscription, got %d", got)
	}

	// Unsubscribing twice is a no-op.
	unsubscribe()
}

func TestTracker_ResubscribeComputesFreshRemaining(t *testing.T) {
	ctx := testContext(t)
	clock := quartz.NewMock(t)
	tracker := newTestTracker(t, clock, nil)

	tracker.MarkActive()

	unsubscribe := tracker.SubscribeToInactivity(2*time.Second, func() {})
	unsubscribe()

	clock.Advance(time.Second).MustWait(ctx)

	// Fresh watcher for the same timeout: remaining is computed against
	// the unchanged last-active value, so only 1s is left.
	var calls atomic.Int32
	defer tracker.SubscribeToInactivity(2*time.Second, func() { calls.Add(1) })()

	clock.Advance(999 * time.Millisecond).MustWait(ctx)
	if got := calls.Load(); got != 0 {
		t.Fatalf("expected no firing at 999ms of remaining 1s, got %d", got)
	}
	clock.Advance(time.Millisecond).MustWait(ctx)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected firing at lastActive+2s, got %d", got)
	}
}

func TestTracker_MultipleCallbacksShareOneWatcher(t *testing.T) {
	ctx := testContext(t)
	clock := quartz.NewMock(t)
	tracker := newTestTracker(t, clock, nil)

	tracker.MarkActive()

	var first, second atomic.Int32
	defer tracker.SubscribeToInactivity(time.Second, func() { first.Add(1) })()
	defer tracker.SubscribeToInactivity(time.Second, func() { second.Add(1) })()

	clock.Advance(time.Second).MustWait(ctx)

	if got := first.Load(); got != 1 {
		t.Errorf("expected first callback fired once, got %d", got)
	}
	if got := second.Load(); got != 1 {
		t.Errorf("expected second callback fired once, got %d", got)
	}
}

func TestTracker_CallbackPanicDoesNotBlockSiblings(t *testing.T) {
	ctx := testContext(t)
	clock := quartz.NewMock(t)
	tracker := newTestTracker(t, clock, nil)

	tracker.MarkActive()

	var survivor atomic.Int32
	defer tracker.SubscribeToInactivity(time.Second, func() {
		panic("watcher callback exploded")
	})()
	defer tracker.SubscribeToInactivity(time.Second, func() {
		survivor.Add(1)
	})()

	clock.Advance(time.Second).MustWait(ctx)

	if got := survivor.Load(); got != 1 {
		t.Fatalf("expected sibling callback to run despite panic, got %d", got)
	}
}

func TestTracker_RearmsWhenStoreAdvancesWithoutFeed(t *testing.T) {
	ctx := testContext(t)
	clock := quartz.NewMock(t)
	store := storage.NewStore(storage.NewMemory(), testLogger())

	watching := New(Options{Store: store, Prefix: "test:", Clock: clock, Logger: testLogger()})
	t.Cleanup(watching.Destroy)
	writing := New(Options{Store: store, Prefix: "test:", Clock: clock, Logger: testLogger()})
	t.Cleanup(writing.Destroy)

	watching.MarkActive()

	var calls atomic.Int32
	defer watching.SubscribeToInactivity(2*time.Second, func() { calls.Add(1) })()

	// Another tab on the same feed-less backend records activity; this
	// tab hears nothing about it until its own timer expires.
	clock.Advance(time.Second).MustWait(ctx)
	writing.MarkActive()

	clock.Advance(time.Second).MustWait(ctx)
	if got := calls.Load(); got != 0 {
		t.Fatalf("expected expiry to re-check the store and hold fire, got %d", got)
	}

	clock.Advance(999 * time.Millisecond).MustWait(ctx)
	if got := calls.Load(); got != 0 {
		t.Fatalf("expected no firing before the shared lastActive+2s, got %d", got)
	}

	clock.Advance(time.Millisecond).MustWait(ctx)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected firing at the shared lastActive+2s, got %d", got)
	}

	clock.Advance(time.Minute).MustWait(ctx)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly one firing per epoch, got %d", got)
	}
}

// downBackend errors on everything, modeling an unavailable store.
type downBackend struct{}

var errStoreDown = errors.New("backend unavailable")

func (downBackend) Get(string) (string, bool, error) { return "", false, errStoreDown }
func (downBackend) Set(string, string) error         { return errStoreDown }
func (downBackend) Remove(string) error              { return errStoreDown }
func (downBackend) Keys() ([]string, error)          { return nil, errStoreDown }
func (downBackend) Close() error                     { return nil }

func TestTracker_NotifiesDespiteFailedPersist(t *testing.T) {
	ctx := testContext(t)
	clock := quartz.NewMock(t)
	store := storage.NewStore(downBackend{}, testLogger())

	tracker := New(Options{Store: store, Prefix: "test:", Clock: clock, Logger: testLogger()})
	defer tracker.Destroy()

	var notified []time.Time
	defer tracker.Subscribe(func(ts time.Time) { notified = append(notified, ts) })()
	base := len(notified)

	start := clock.Now()
	tracker.MarkActive()

	// The persist failed, but subscribers still hear the attempted value.
	if len(notified) != base+1 {
		t.Fatalf("expected notification despite failed persist, got %d extra", len(notified)-base)
	}
	if got := notified[base]; got.UnixMilli() != start.UnixMilli() {
		t.Errorf("expected attempted value %v, got %v", start, got)
	}

	// Watchers keep working on the in-memory value.
	var fired atomic.Int32
	defer tracker.SubscribeToInactivity(2*time.Second, func() { fired.Add(1) })()

	clock.Advance(2 * time.Second).MustWait(ctx)
	if got := fired.Load(); got != 1 {
		t.Fatalf("expected watcher to fire against the in-memory value, got %d", got)
	}
}

func TestTracker_RemoteEventRunsReconciliation(t *testing.T) {
	clock := quartz.NewMock(t)
	feed := newFakeFeed()
	tracker := newTestTracker(t, clock, feed)

	var fired atomic.Int32
	defer tracker.SubscribeToInactivity(2*time.Second, func() { fired.Add(1) })()

	var notified atomic.Int32
	defer tracker.Subscribe(func(time.Time) { notified.Add(1) })()
	base := notified.Load()

	// Another tab recorded activity 3s ago: the watcher's timeout has
	// already elapsed from this tab's point of view.
	remote := clock.Now().Add(-3 * time.Second).UnixMilli()
	feed.emit(storage.Event{
		Key:   tracker.Key(),
		Value: strconv.FormatInt(remote, 10),
	})

	if got := fired.Load(); got != 1 {
		t.Errorf("expected watcher fired once on remote event, got %d", got)
	}
	if got := notified.Load(); got != base+1 {
		t.Errorf("expected subscriber notified of remote change, got %d extra", notified.Load()-base)
	}
}

func TestTracker_IgnoresOwnEchoedWrite(t *testing.T) {
	clock := quartz.NewMock(t)
	feed := newFakeFeed()
	tracker := newTestTracker(t, clock, feed)

	var notified atomic.Int32
	defer tracker.Subscribe(func(time.Time) { notified.Add(1) })()

	tracker.MarkActive()
	base := notified.Load()

	// The change feed echoes this tab's own write back.
	feed.emit(storage.Event{
		Key:   tracker.Key(),
		Value: strconv.FormatInt(clock.Now().UnixMilli(), 10),
	})

	if got := notified.Load(); got != base {
		t.Errorf("expected echoed write to be ignored, got %d extra notifications", got-base)
	}
}

func TestTracker_IgnoresForeignKeysAndGarbage(t *testing.T) {
	clock := quartz.NewMock(t)
	feed := newFakeFeed()
	tracker := newTestTracker(t, clock, feed)

	var notified atomic.Int32
	defer tracker.Subscribe(func(time.Time) { notified.Add(1) })()
	base := notified.Load()

	feed.emit(storage.Event{Key: "unrelated:key", Value: "12345"})
	feed.emit(storage.Event{Key: tracker.Key(), Value: "not a timestamp"})

	if got := notified.Load(); got != base {
		t.Errorf("expected no notifications for foreign or garbage events, got %d extra", got-base)
	}
}

func TestTracker_ListenerAttachLifecycle(t *testing.T) {
	clock := quartz.NewMock(t)
	feed := newFakeFeed()
	tracker := newTestTracker(t, clock, feed)

	if got := feed.listeners(); got != 0 {
		t.Fatalf("expected no listener before first subscription, got %d", got)
	}

	unsubscribe := tracker.Subscribe(func(time.Time) {})
	if got := feed.listeners(); got != 1 {
		t.Fatalf("expected listener attached on 0->1 transition, got %d", got)
	}

	second := tracker.Subscribe(func(time.Time) {})
	if got := feed.listeners(); got != 1 {
		t.Fatalf("expected a single shared listener, got %d", got)
	}

	second()
	unsubscribe()
	if got := feed.listeners(); got != 0 {
		t.Fatalf("expected listener detached on ->0 transition, got %d", got)
	}
}

func TestTracker_PerTabKeyWhenSyncDisabled(t *testing.T) {
	clock := quartz.NewMock(t)
	store := storage.NewStore(storage.NewMemory(), testLogger())

	tracker := New(Options{
		Store:       store,
		Prefix:      "test:",
		DisableSync: true,
		TabID:       "tab-a",
		Clock:       clock,
		Logger:      testLogger(),
	})
	defer tracker.Destroy()

	if got, want := tracker.Key(), "test:lastActive.tab-a"; got != want {
		t.Errorf("expected key %q, got %q", want, got)
	}
}

func TestTracker_DestroyIsIdempotentAndFinal(t *testing.T) {
	clock := quartz.NewMock(t)
	tracker := newTestTracker(t, clock, nil)

	tracker.MarkActive()
	unsubscribe := tracker.SubscribeToInactivity(time.Second, func() {
		t.Error("watcher fired after Destroy")
	})
	defer unsubscribe()

	tracker.Destroy()
	tracker.Destroy()

	ctx := testContext(t)
	clock.Advance(time.Minute).MustWait(ctx)

	defer func() {
		if recover() == nil {
			t.Error("expected MarkActive after Destroy to panic")
		}
	}()
	tracker.MarkActive()
}
