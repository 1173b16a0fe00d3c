package cache

import "sync"

// Store is physical in-memory table of cache.
// Every method is atomic, but compound operations ordering is provided by lanes.
type Store[K comparable, V any] struct {
	lock  sync.RWMutex
	table map[K]V
}

func NewStore[K comparable, V any]() *Store[K, V] {
	return &Store[K, V]{table: make(map[K]V)}
}

func (s *Store[K, V]) Get(key K) (v V, ok bool) {
	s.lock.RLock()
	v, ok = s.table[key]
	s.lock.RUnlock()
	return
}

func (s *Store[K, V]) Put(key K, v V) {
	s.lock.Lock()
	s.table[key] = v
	s.lock.Unlock()
}

func (s *Store[K, V]) Remove(key K) (v V, ok bool) {
	s.lock.Lock()
	v, ok = s.table[key]
	if ok {
		delete(s.table, key)
	}
	s.lock.Unlock()
	return
}

func (s *Store[K, V]) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.table)
}

// Keys returns stored keys in no particular order.
func (s *Store[K, V]) Keys() []K {
	s.lock.RLock()
	defer s.lock.RUnlock()
	keys := make([]K, 0, len(s.table))
	for k := range s.table {
		keys = append(keys, k)
	}
	return keys
}
