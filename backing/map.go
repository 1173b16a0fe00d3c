// Package backing provides backing stores for cache: in-memory map, and
// map persisted into append only file.
package backing

import "sync"

// Map is in-memory backing store. It is useful for tests and as cache of
// unbounded warm set in front of which bounded hot set is cached.
type Map[K comparable, V any] struct {
	lock  sync.RWMutex
	table map[K]V
}

func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{table: make(map[K]V)}
}

func (m *Map[K, V]) Get(key K) (v V, ok bool) {
	m.lock.RLock()
	v, ok = m.table[key]
	m.lock.RUnlock()
	return
}

func (m *Map[K, V]) Put(key K, v V) error {
	m.lock.Lock()
	m.table[key] = v
	m.lock.Unlock()
	return nil
}

func (m *Map[K, V]) Delete(key K) error {
	m.lock.Lock()
	delete(m.table, key)
	m.lock.Unlock()
	return nil
}

func (m *Map[K, V]) Len() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.table)
}

// each calls f for every entry under read lock.
func (m *Map[K, V]) each(f func(K, V) error) error {
	m.lock.RLock()
	defer m.lock.RUnlock()
	for k, v := range m.table {
		if err := f(k, v); err != nil {
			return err
		}
	}
	return nil
}
