// Package properties implements the global key/value namespace shared by
// every part of sysboot: boot configuration, service status, and the
// persistent settings that survive a reboot.
package properties

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/minimal-systems/sysboot/pkg/logging"
)

// Well-known property keys set by the runtime itself.
const (
	PropPersistSyncError = "init.persist.sync_error"
	PropInitCompleted    = "init.completed"
)

// ErrReadOnly is returned by Set when a script-level write targets an
// existing ro.* property.
var ErrReadOnly = fmt.Errorf("property is read-only")

// Subscriber is notified after every committed property write.
// Callbacks run outside the store lock, in subscription order.
type Subscriber func(key, value string)

// Store is a thread-safe property namespace with an optional persistent
// layer. Create one with NewStore; the orchestrator owns the single
// process-wide instance and hands it to the other components.
type Store struct {
	mu          sync.RWMutex
	props       map[string]string
	persistKeys map[string]bool
	persistPath string
	subscribers []Subscriber
	logger      *logging.Logger
}

// NewStore creates an empty property store.
func NewStore(logger *logging.Logger) *Store {
	return &Store{
		props:       make(map[string]string),
		persistKeys: make(map[string]bool),
		logger:      logger,
	}
}

// ValidKey reports whether key uses only the legal property key alphabet
// [A-Za-z0-9_.-] and is non-empty.
func ValidKey(key string) bool {
	if key == "" {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '.' || c == '-':
		default:
			return false
		}
	}
	return true
}

// Get returns the value for key, or def if the key is absent.
func (s *Store) Get(key, def string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.props[key]; ok {
		return v
	}
	return def
}

// Set stores a property value. It rejects invalid keys and overwrites of
// existing ro.* properties. Setting a key to its current value is a no-op:
// no notification is emitted and no persistent write happens.
func (s *Store) Set(key, value string) error {
	return s.set(key, value, false)
}

// SetInternal is the runtime-internal write path. It bypasses the ro.*
// overwrite restriction, which only binds configuration scripts.
func (s *Store) SetInternal(key, value string) error {
	return s.set(key, value, true)
}

func (s *Store) set(key, value string, internal bool) error {
	if !ValidKey(key) {
		return fmt.Errorf("invalid property key %q", key)
	}

	s.mu.Lock()
	old, exists := s.props[key]
	if exists && old == value {
		s.mu.Unlock()
		return nil
	}
	if exists && !internal && strings.HasPrefix(key, "ro.") {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrReadOnly, key)
	}
	s.props[key] = value
	persist := s.isPersistentLocked(key)
	subs := make([]Subscriber, len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	if persist {
		s.syncPersist()
	}
	for _, sub := range subs {
		sub(key, value)
	}
	return nil
}

// Reset removes a property from the store.
func (s *Store) Reset(key string) {
	s.mu.Lock()
	delete(s.props, key)
	persist := s.isPersistentLocked(key)
	s.mu.Unlock()
	if persist {
		s.syncPersist()
	}
}

// Snapshot returns a sorted copy of all properties.
func (s *Store) Snapshot() []KV {
	s.mu.RLock()
	kvs := make([]KV, 0, len(s.props))
	for k, v := range s.props {
		kvs = append(kvs, KV{Key: k, Value: v})
	}
	s.mu.RUnlock()
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	return kvs
}

// KV is a single property pair as returned by Snapshot.
type KV struct {
	Key   string
	Value string
}

// Subscribe registers a callback invoked after each committed write.
// Subscriptions cannot be removed; they live for the process lifetime.
func (s *Store) Subscribe(sub Subscriber) {
	s.mu.Lock()
	s.subscribers = append(s.subscribers, sub)
	s.mu.Unlock()
}
