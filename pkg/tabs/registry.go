// Package tabs maintains a heartbeat-based presence list of open tabs so
// activity consumers can reason about how many tabs are alive. Presence
// is best-effort telemetry: every failure degrades to "this tab only",
// never to an error.
package tabs

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/tabpulse/tabpulse/pkg/logger"
	"github.com/tabpulse/tabpulse/pkg/storage"
)

const (
	// registryKey holds the shared map of tab id to heartbeat millis.
	registryKey = "tabs"
	// tabIDKey holds this tab's identity in tab-scoped storage, so the id
	// survives navigation within the tab.
	tabIDKey = "tabId"
)

// DefaultStaleAfter is how old a heartbeat may get before the tab is
// presumed dead (crashed or force-closed without teardown).
const DefaultStaleAfter = 30 * time.Minute

var errPersist = errors.New("registry write failed")

// Options configures a Registry.
type Options struct {
	// Store is the shared backend holding the registry map. Required.
	Store *storage.Store
	// Session is tab-scoped storage for this tab's identity. Required.
	Session *storage.Store
	// Prefix namespaces the storage keys.
	Prefix string
	// StaleAfter defaults to DefaultStaleAfter. The heartbeat interval is
	// a third of it, so a live tab never looks stale between two beats.
	StaleAfter time.Duration
	// Clock defaults to the real clock.
	Clock quartz.Clock
	// Logger defaults to a production JSON logger.
	Logger *logger.Logger
}

// Registry assigns a stable identity to the current tab and maintains
// the shared heartbeat map of all live identities. Construct one
// instance per tab; there is no package-level state.
type Registry struct {
	store      *storage.Store
	session    *storage.Store
	key        string
	idKey      string
	staleAfter time.Duration
	clock      quartz.Clock
	log        *logger.Logger

	mu         sync.Mutex
	id         string
	registered bool
}

// New creates a Registry. Panics when Store or Session is nil: that is
// an integration bug, not a runtime condition.
func New(opts Options) *Registry {
	if opts.Store == nil {
		panic("tabs: Options.Store is required")
	}
	if opts.Session == nil {
		panic("tabs: Options.Session is required")
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = logger.New(logger.DefaultConfig())
	}
	return &Registry{
		store:      opts.Store,
		session:    opts.Session,
		key:        opts.Prefix + registryKey,
		idKey:      opts.Prefix + tabIDKey,
		staleAfter: opts.StaleAfter,
		clock:      opts.Clock,
		log:        opts.Logger.WithComponent("tabs"),
	}
}

// TabID returns this tab's identity: read from tab-scoped storage when
// present, otherwise freshly generated, persisted there, and memoized
// for the life of the tab.
func (r *Registry) TabID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tabIDLocked()
}

func (r *Registry) tabIDLocked() string {
	if r.id != "" {
		return r.id
	}
	if id, ok := r.session.GetString(r.idKey); ok && id != "" {
		r.id = id
		return r.id
	}
	r.id = uuid.NewString()
	// Best effort: an unpersisted id just means a fresh one after
	// navigation.
	r.session.SetString(r.idKey, r.id)
	return r.id
}

// HeartbeatInterval is the period between re-heartbeats.
func (r *Registry) HeartbeatInterval() time.Duration {
	return r.staleAfter / 3
}

// RegisterCurrentTab idempotently writes a heartbeat entry for this tab,
// arms a periodic re-heartbeat until ctx ends, and removes the entry on
// teardown. Failures are logged, never raised: registration is
// best-effort telemetry, not a dependency of activity tracking.
func (r *Registry) RegisterCurrentTab(ctx context.Context) {
	r.mu.Lock()
	if r.registered {
		r.mu.Unlock()
		return
	}
	r.registered = true
	r.mu.Unlock()

	r.writeHeartbeat()

	r.clock.TickerFunc(ctx, r.HeartbeatInterval(), func() error {
		r.writeHeartbeat()
		return nil
	}, "heartbeat")

	go func() {
		<-ctx.Done()
		r.Deregister()
	}()
}

// Deregister removes this tab's entry from the shared registry. Safe to
// call more than once; removal is idempotent.
func (r *Registry) Deregister() {
	r.mu.Lock()
	r.registered = false
	id := r.tabIDLocked()
	r.mu.Unlock()

	entries, ok := r.readEntries()
	if !ok {
		return
	}
	if _, present := entries[id]; !present {
		return
	}
	delete(entries, id)
	r.store.SetJSON(r.key, entries)
	r.log.Debug("tab deregistered", "tab_id", id, "live_tabs", len(entries))
}

// ActiveTabCount returns how many tabs have a fresh heartbeat, pruning
// stale entries as a side effect. Degrades to 1 on any read failure.
func (r *Registry) ActiveTabCount() int {
	return len(r.ActiveTabIDs())
}

// ActiveTabIDs returns the identities with a fresh heartbeat, pruning
// stale entries from storage as a side effect. Degrades to this tab's id
// alone on any read or parse failure.
func (r *Registry) ActiveTabIDs() []string {
	entries, ok := r.readEntries()
	if !ok {
		return []string{r.TabID()}
	}
	if pruned := r.prune(entries); pruned > 0 {
		r.store.SetJSON(r.key, entries)
		r.log.TabsPruned(pruned, len(entries))
	}
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsTabActive reports whether id is present in the current, unpruned
// snapshot of the registry.
func (r *Registry) IsTabActive(id string) bool {
	entries, ok := r.readEntries()
	if !ok {
		return id == r.TabID()
	}
	_, present := entries[id]
	return present
}

// readEntries reads the shared registry map. An absent value is a fresh
// deployment and reads as empty; ok is false only when the backend fails
// or the stored value does not parse, and callers degrade to "this tab
// only".
func (r *Registry) readEntries() (map[string]int64, bool) {
	raw, present, ok := r.store.Lookup(r.key)
	if !ok {
		return nil, false
	}
	entries := make(map[string]int64)
	if !present {
		return entries, true
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		r.log.StoreFault("parse", r.key, err)
		return nil, false
	}
	return entries, true
}

// prune drops every entry whose heartbeat age exceeds the staleness
// threshold, returning how many were removed. Any tab may prune: removal
// of a dead entry is idempotent, so no ownership transfer is needed.
func (r *Registry) prune(entries map[string]int64) int {
	now := r.clock.Now()
	pruned := 0
	for id, beat := range entries {
		if now.Sub(time.UnixMilli(beat)) > r.staleAfter {
			delete(entries, id)
			pruned++
		}
	}
	return pruned
}

// writeHeartbeat refreshes this tab's registry entry, opportunistically
// pruning any stale entries it encounters.
func (r *Registry) writeHeartbeat() {
	id := r.TabID()
	entries, ok := r.readEntries()
	if !ok {
		entries = make(map[string]int64)
	}
	if pruned := r.prune(entries); pruned > 0 {
		r.log.TabsPruned(pruned, len(entries))
	}
	entries[id] = r.clock.Now().UnixMilli()
	if !r.store.SetJSON(r.key, entries) {
		r.log.Heartbeat(id, len(entries), errPersist)
		return
	}
	r.log.Heartbeat(id, len(entries), nil)
}
