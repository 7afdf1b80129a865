// Package storage provides the key-value persistence layer shared by the
// activity tracker and the tab registry. Values are raw strings at the
// backend boundary; the Store wrapper adds JSON serialization and the
// "never throw past the boundary" contract callers rely on.
package storage

import (
	"encoding/json"
	"errors"

	"github.com/tabpulse/tabpulse/pkg/logger"
)

// ErrClosed is returned by backend operations after Close.
var ErrClosed = errors.New("storage: backend closed")

// Backend is a pluggable key-value backend. Implementations are either
// durable (file directory, SQLite) or session-scoped (memory). Last write
// wins; there are no transactional guarantees.
type Backend interface {
	// Get returns the raw value for key and whether it exists.
	Get(key string) (string, bool, error)
	// Set writes the raw value for key.
	Set(key, value string) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(key string) error
	// Keys returns every stored key.
	Keys() ([]string, error)
	Close() error
}

// Event is one cross-context change notification: a key changed to Value
// in some other execution context.
type Event struct {
	Key   string
	Value string
}

// ChangeFeed delivers change events for keys written by other contexts.
// The file backend implements it via filesystem notifications; the relay
// client implements it over a websocket. Backends without a feed (memory,
// SQLite) pair with the relay when cross-tab sync is needed.
type ChangeFeed interface {
	// Subscribe registers fn for every change event until cancel is called.
	Subscribe(fn func(Event)) (cancel func(), err error)
}

// Store wraps a Backend with JSON serialization and failure suppression.
// No Store operation panics or returns an error: failures are logged and
// reported as false/absent so callers can choose to retry or ignore.
type Store struct {
	backend Backend
	log     *logger.Logger
}

// NewStore creates a Store over backend. log must not be nil.
func NewStore(backend Backend, log *logger.Logger) *Store {
	return &Store{
		backend: backend,
		log:     log.WithComponent("storage"),
	}
}

// Backend returns the underlying backend, for callers that need to reach
// its change feed or close it.
func (s *Store) Backend() Backend {
	return s.backend
}

// GetJSON reads key and unmarshals it into into. Returns false when the
// key is absent or the stored value does not parse.
func (s *Store) GetJSON(key string, into interface{}) bool {
	raw, ok, err := s.backend.Get(key)
	if err != nil {
		s.log.StoreFault("get", key, err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), into); err != nil {
		s.log.StoreFault("parse", key, err)
		return false
	}
	return true
}

// SetJSON marshals v and writes it under key. Returns false on
// serialization or backend failure.
func (s *Store) SetJSON(key string, v interface{}) bool {
	raw, err := json.Marshal(v)
	if err != nil {
		s.log.StoreFault("marshal", key, err)
		return false
	}
	if err := s.backend.Set(key, string(raw)); err != nil {
		s.log.StoreFault("set", key, err)
		return false
	}
	return true
}

// Lookup reads the raw value for key, distinguishing absence from
// failure: present is false when the key does not exist, ok is false
// when the backend itself failed.
func (s *Store) Lookup(key string) (value string, present, ok bool) {
	raw, exists, err := s.backend.Get(key)
	if err != nil {
		s.log.StoreFault("get", key, err)
		return "", false, false
	}
	return raw, exists, true
}

// GetString reads the raw string value for key.
func (s *Store) GetString(key string) (string, bool) {
	raw, ok, err := s.backend.Get(key)
	if err != nil {
		s.log.StoreFault("get", key, err)
		return "", false
	}
	return raw, ok
}

// SetString writes a raw string value under key.
func (s *Store) SetString(key, value string) bool {
	if err := s.backend.Set(key, value); err != nil {
		s.log.StoreFault("set", key, err)
		return false
	}
	return true
}

// Remove deletes key. Returns false only on backend failure.
func (s *Store) Remove(key string) bool {
	if err := s.backend.Remove(key); err != nil {
		s.log.StoreFault("remove", key, err)
		return false
	}
	return true
}

// Keys returns every stored key, or nil on backend failure.
func (s *Store) Keys() []string {
	keys, err := s.backend.Keys()
	if err != nil {
		s.log.StoreFault("keys", "*", err)
		return nil
	}
	return keys
}
