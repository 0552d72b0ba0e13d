package store

import (
	"sort"
	"time"
)

// Snapshot is an isolated, consistent point-in-time view of the store.
// Because stored objects are immutable, taking one only copies the key maps;
// mutations applied to the live store after the snapshot install fresh
// objects and are never observed through it.
type Snapshot struct {
	data    map[string]*object
	expires map[string]int64
	takenAt time.Time
}

// SnapshotEntry is one key's state as seen by a snapshot.
type SnapshotEntry struct {
	Key      string
	Kind     Kind
	Value    []byte            // set when Kind == KindString
	Fields   map[string][]byte // set when Kind == KindHash; must not be mutated
	ExpireAt int64             // unix milliseconds, 0 when no expiry
}

// Snapshot captures the current state of the store.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		data:    make(map[string]*object, len(s.data)),
		expires: make(map[string]int64, len(s.expires)),
		takenAt: s.clock(),
	}
	for k, v := range s.data {
		snap.data[k] = v
	}
	for k, v := range s.expires {
		snap.expires[k] = v
	}
	return snap
}

// Len returns the number of keys in the snapshot, including ones that were
// already expired when it was taken.
func (sn *Snapshot) Len() int { return len(sn.data) }

// TakenAt returns the time the snapshot was captured.
func (sn *Snapshot) TakenAt() time.Time { return sn.takenAt }

// Each calls fn for every key present in the snapshot, in sorted key order
// so output derived from a snapshot is deterministic. Keys whose expiry has
// already passed are emitted too, expiry included: expiration is enforced
// lazily at read time, so a stale entry is still part of the store's state
// and replaying the emitted operations must rebuild it exactly. Iteration
// stops at the first error, which is returned.
func (sn *Snapshot) Each(fn func(e SnapshotEntry) error) error {
	keys := make([]string, 0, len(sn.data))
	for k := range sn.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		obj := sn.data[k]
		entry := SnapshotEntry{
			Key:      k,
			Kind:     obj.kind,
			Value:    obj.str,
			Fields:   obj.fields,
			ExpireAt: sn.expires[k],
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}
