package cache

import "sync"

// Tracker preallocates arena not larger than that.
const maxTrackerSizeHint = 1 << 16

// tracker is LRU eviction tracker. It holds every cached key in single recency list.
// One coarse lock for all lanes: tracker operations are short, and global order
// is required for global LRU.
// Number of tracked keys plus number of evicted, but not yet removed from store
// keys is capacity authority: key slot is taken in admit, before value is put
// into store, and victim slot is freed only by Released.
type tracker[K comparable] struct {
	lock     sync.Mutex
	list     *recencyList[K]
	index    map[K]handle
	capacity int
	// pending is number of victims, that can still be in store.
	pending int
}

func newTracker[K comparable](capacity int) *tracker[K] {
	hint := capacity
	if hint > maxTrackerSizeHint {
		hint = maxTrackerSizeHint
	}
	return &tracker[K]{
		list:     newRecencyList[K](hint),
		index:    make(map[K]handle, hint),
		capacity: capacity,
	}
}

// admission is result of tracker admit.
type admission[K comparable] struct {
	// existed is true if key was tracked already.
	existed bool
	// evicted is true if victim was evicted to give slot for key.
	evicted bool
	victim  K
}

// Touch, EvictOne and Remove are primitive recency operations. Cache admits keys
// with Admit, that does touch or evict-and-touch atomically under one lock.

// Touch makes key most recently used. Untracked key is added.
// Touch doesn't check capacity, Admit should be used for new keys in cache.
func (t *tracker[K]) Touch(key K) {
	t.lock.Lock()
	defer t.lock.Unlock()
	defer t.checkInvariants()
	if h, ok := t.index[key]; ok {
		t.list.moveToBack(h)
		return
	}
	t.index[key] = t.list.pushBack(key)
}

// Promote makes tracked key most recently used. Returns false if key is not tracked.
func (t *tracker[K]) Promote(key K) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	h, ok := t.index[key]
	if ok {
		t.list.moveToBack(h)
	}
	return ok
}

// EvictOne removes and returns least recently used key, if any.
// Unlike Admit eviction, victim slot is free at once.
func (t *tracker[K]) EvictOne() (key K, ok bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	defer t.checkInvariants()
	var h handle
	h, ok = t.list.front()
	if !ok {
		return
	}
	key = t.list.remove(h)
	delete(t.index, key)
	return
}

func (t *tracker[K]) Remove(key K) (removed bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	defer t.checkInvariants()
	h, ok := t.index[key]
	if !ok {
		return false
	}
	t.list.remove(h)
	delete(t.index, key)
	return true
}

// Admit makes key most recently used and guarantees it a slot within capacity.
// If key is not tracked and there is no free slot, least recently used key is
// evicted, and its node is reused for key. Evicted victim holds its slot
// until Released is called after victim removal from store.
func (t *tracker[K]) Admit(key K) (a admission[K], err error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	defer t.checkInvariants()
	if h, ok := t.index[key]; ok {
		t.list.moveToBack(h)
		a.existed = true
		return
	}
	if t.list.len+t.pending < t.capacity {
		t.index[key] = t.list.pushBack(key)
		return
	}
	h, ok := t.list.front()
	if !ok {
		err = ErrCapacityExceeded
		return
	}
	a.victim, a.evicted = t.list.key(h), true
	delete(t.index, a.victim)
	t.list.rekey(h, key)
	t.list.moveToBack(h)
	t.index[key] = h
	t.pending++
	return
}

// Released frees slot of victim evicted by Admit. Should be called once per
// eviction, after victim is removed from store or admitted again.
func (t *tracker[K]) Released() {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.pending <= 0 {
		panic("tracker release without eviction")
	}
	t.pending--
}

// Pending returns number of evicted, but not released victims.
func (t *tracker[K]) Pending() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.pending
}

func (t *tracker[K]) Contains(key K) bool {
	t.lock.Lock()
	_, ok := t.index[key]
	t.lock.Unlock()
	return ok
}

func (t *tracker[K]) Len() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.list.len
}

// Keys returns tracked keys from least to most recently used.
func (t *tracker[K]) Keys() []K {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.list.keys()
}
