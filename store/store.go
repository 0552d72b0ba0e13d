// Package store implements the in-memory dataset the operation log persists:
// string and hash values with optional per-key expiry. Values are immutable
// once installed; every mutation replaces the stored object rather than
// updating it in place, which is what makes the snapshot mechanism a cheap
// shallow copy.
package store

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aoflog/aoflog/core"
)

// Kind identifies the type of a stored value.
type Kind byte

const (
	KindString Kind = 's'
	KindHash   Kind = 'h'
)

// object is an immutable stored value. Neither str nor fields may be
// modified after the object is installed in the map.
type object struct {
	kind   Kind
	str    []byte
	fields map[string][]byte
}

// Store is the in-memory dataset. It is mutated exclusively through Apply;
// reads and snapshots may run concurrently with mutations.
type Store struct {
	mu      sync.RWMutex
	data    map[string]*object
	expires map[string]int64 // unix milliseconds
	clock   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock, used by tests to control expiry.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		data:    make(map[string]*object),
		expires: make(map[string]int64),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Apply executes one mutating operation against the store. Its semantics are
// deterministic: the result depends only on the current contents and the
// entry, never on the wall clock, so replaying a recorded sequence always
// reconstructs the same state.
func (s *Store) Apply(e *core.LogEntry) error {
	if got, want := len(e.Args), e.Op.Arity(); want < 0 || got != want {
		return fmt.Errorf("wrong number of arguments for %s: got %d", e.Op, got)
	}
	key := string(e.Args[0])

	s.mu.Lock()
	defer s.mu.Unlock()

	switch e.Op {
	case core.OpSet:
		s.data[key] = &object{kind: KindString, str: append([]byte(nil), e.Args[1]...)}
		delete(s.expires, key)

	case core.OpDel:
		delete(s.data, key)
		delete(s.expires, key)

	case core.OpIncrBy:
		delta, err := strconv.ParseInt(string(e.Args[1]), 10, 64)
		if err != nil {
			return fmt.Errorf("INCRBY delta is not an integer: %q", e.Args[1])
		}
		var cur int64
		if obj, ok := s.data[key]; ok {
			if obj.kind != KindString {
				return fmt.Errorf("INCRBY against a %c value for key %q", obj.kind, key)
			}
			cur, err = strconv.ParseInt(string(obj.str), 10, 64)
			if err != nil {
				return fmt.Errorf("value of key %q is not an integer", key)
			}
		}
		s.data[key] = &object{kind: KindString, str: strconv.AppendInt(nil, cur+delta, 10)}

	case core.OpExpireAt:
		at, err := strconv.ParseInt(string(e.Args[1]), 10, 64)
		if err != nil {
			return fmt.Errorf("EXPIREAT timestamp is not an integer: %q", e.Args[1])
		}
		if _, ok := s.data[key]; !ok {
			return nil // expiring a missing key is a no-op
		}
		s.expires[key] = at

	case core.OpPersist:
		delete(s.expires, key)

	case core.OpHSet:
		field, value := string(e.Args[1]), e.Args[2]
		old, ok := s.data[key]
		if ok && old.kind != KindHash {
			return fmt.Errorf("HSET against a %c value for key %q", old.kind, key)
		}
		fields := make(map[string][]byte, 1)
		if ok {
			for f, v := range old.fields {
				fields[f] = v
			}
		}
		fields[field] = append([]byte(nil), value...)
		s.data[key] = &object{kind: KindHash, fields: fields}

	case core.OpHDel:
		field := string(e.Args[1])
		old, ok := s.data[key]
		if !ok {
			return nil
		}
		if old.kind != KindHash {
			return fmt.Errorf("HDEL against a %c value for key %q", old.kind, key)
		}
		if _, ok := old.fields[field]; !ok {
			return nil
		}
		if len(old.fields) == 1 {
			delete(s.data, key)
			delete(s.expires, key)
			return nil
		}
		fields := make(map[string][]byte, len(old.fields)-1)
		for f, v := range old.fields {
			if f != field {
				fields[f] = v
			}
		}
		s.data[key] = &object{kind: KindHash, fields: fields}

	default:
		return fmt.Errorf("unknown operation %s", e.Op)
	}
	return nil
}

// expiredLocked reports whether key has an expiry at or before now.
func (s *Store) expiredLocked(key string, now time.Time) bool {
	at, ok := s.expires[key]
	return ok && at <= now.UnixMilli()
}

// Get returns the string value for key, or false if the key is missing,
// expired or holds a hash.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.data[key]
	if !ok || obj.kind != KindString || s.expiredLocked(key, s.clock()) {
		return nil, false
	}
	return obj.str, true
}

// HGet returns the value of a hash field, or false if absent.
func (s *Store) HGet(key, field string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.data[key]
	if !ok || obj.kind != KindHash || s.expiredLocked(key, s.clock()) {
		return nil, false
	}
	v, ok := obj.fields[field]
	return v, ok
}

// ExpireAt returns the key's expiry in unix milliseconds, or false if none.
func (s *Store) ExpireAt(key string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.expires[key]
	return at, ok
}

// Keys returns the sorted live (non-expired) keys.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.clock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if !s.expiredLocked(k, now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	return len(s.Keys())
}

// Equal reports whether two stores hold exactly the same state: every stored
// key and value, including entries whose expiry has passed but which have not
// been purged yet, and every expiry timestamp. Used by tests to assert replay
// equivalence.
func (s *Store) Equal(other *Store) bool {
	s.mu.RLock()
	other.mu.RLock()
	defer s.mu.RUnlock()
	defer other.mu.RUnlock()

	if len(s.data) != len(other.data) || len(s.expires) != len(other.expires) {
		return false
	}
	for k, oa := range s.data {
		ob, ok := other.data[k]
		if !ok || oa.kind != ob.kind {
			return false
		}
		if !bytes.Equal(oa.str, ob.str) {
			return false
		}
		if len(oa.fields) != len(ob.fields) {
			return false
		}
		for f, v := range oa.fields {
			if !bytes.Equal(ob.fields[f], v) {
				return false
			}
		}
	}
	for k, ea := range s.expires {
		if eb, ok := other.expires[k]; !ok || ea != eb {
			return false
		}
	}
	return true
}
