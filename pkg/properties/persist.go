package properties

import (
	"fmt"
	"strings"

	"github.com/minimal-systems/sysboot/internal/util"
)

// EnablePersist attaches a persistent backing file to the store. Existing
// entries in the file are loaded first; afterwards every write to a
// persistent key rewrites the file atomically (temp file + rename).
func (s *Store) EnablePersist(path string) error {
	s.mu.Lock()
	s.persistPath = path
	s.mu.Unlock()
	return s.loadFile(path, true)
}

// AddPersistentKey marks a key as durable in addition to the built-in
// persist.* prefix.
func (s *Store) AddPersistentKey(key string) {
	s.mu.Lock()
	s.persistKeys[key] = true
	s.mu.Unlock()
}

// isPersistentLocked reports whether writes to key must hit stable storage.
// Caller holds s.mu.
func (s *Store) isPersistentLocked(key string) bool {
	if s.persistPath == "" {
		return false
	}
	return strings.HasPrefix(key, "persist.") || s.persistKeys[key]
}

// syncPersist rewrites the persistent backing file with every durable key.
// I/O failure keeps the in-memory value and raises a diagnostic property.
func (s *Store) syncPersist() {
	s.mu.RLock()
	path := s.persistPath
	var b strings.Builder
	for _, kv := range s.snapshotLocked() {
		if strings.HasPrefix(kv.Key, "persist.") || s.persistKeys[kv.Key] {
			fmt.Fprintf(&b, "%s=%s\n", kv.Key, kv.Value)
		}
	}
	s.mu.RUnlock()

	if err := util.WriteFileAtomic(path, []byte(b.String()), 0o600); err != nil {
		if s.logger != nil {
			s.logger.Error("persist sync to %s failed: %v", path, err)
		}
		// Diagnostic only; deliberately not a persistent key itself.
		s.mu.Lock()
		s.props[PropPersistSyncError] = "true"
		s.mu.Unlock()
	}
}

// snapshotLocked returns an unsorted copy of all entries. Caller holds a
// read or write lock.
func (s *Store) snapshotLocked() []KV {
	kvs := make([]KV, 0, len(s.props))
	for k, v := range s.props {
		kvs = append(kvs, KV{Key: k, Value: v})
	}
	return kvs
}
