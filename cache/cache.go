package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/sync/singleflight"

	"github.com/skipor/lanecache/lane"
	"github.com/skipor/lanecache/log"
)

const (
	DefaultLanes       = 8
	DefaultLaneTimeout = 5 * time.Second
)

// Put retries admission, if admitted key was evicted by concurrent put while
// victim removal awaited. That is possible only for tiny capacity.
const maxAdmitAttempts = 8

type Config[K comparable] struct {
	// Capacity is max number of entries. Zero capacity cache rejects every put.
	Capacity int
	// Lanes is number of key lanes. DefaultLanes is used if zero.
	Lanes int
	// QueueSize is lane queue capacity. lane.DefaultQueueSize is used if zero.
	QueueSize int
	// LaneTimeout bounds wait for cross lane eviction. DefaultLaneTimeout is used if zero.
	LaneTimeout time.Duration
	// Hash maps key to lane. lane.HashKey is used if nil.
	Hash func(K) uint64
	// Registry receives cache metrics. New registry is created if nil.
	Registry metrics.Registry
}

func (c *Config[K]) validate() error {
	if c.Capacity < 0 {
		return errors.Errorf("negative capacity %v", c.Capacity)
	}
	if c.Lanes < 0 {
		return errors.Errorf("negative lanes number %v", c.Lanes)
	}
	if c.LaneTimeout < 0 {
		return errors.Errorf("negative lane timeout %v", c.LaneTimeout)
	}
	if c.Lanes == 0 {
		c.Lanes = DefaultLanes
	}
	if c.LaneTimeout == 0 {
		c.LaneTimeout = DefaultLaneTimeout
	}
	if c.Registry == nil {
		c.Registry = metrics.NewRegistry()
	}
	return nil
}

// Cache is bounded LRU cache in front of backing store.
// All methods are safe for concurrent use.
type Cache[K comparable, V any] struct {
	log      log.Logger
	conf     Config[K]
	lanes    *lane.Dispatcher[K]
	tracker  *tracker[K]
	store    *Store[K, V]
	policy   WritePolicy[K, V]
	backing  BackingStore[K, V]
	loads    singleflight.Group
	registry metrics.Registry
	stats    *stats

	closeOnce sync.Once
	closeErr  error
}

func New[K comparable, V any](l log.Logger, conf Config[K], b BackingStore[K, V], p WritePolicy[K, V]) (*Cache[K, V], error) {
	if b == nil || p == nil {
		panic("nil backing store or write policy")
	}
	err := conf.validate()
	if err != nil {
		return nil, err
	}
	c := &Cache[K, V]{
		log:  l,
		conf: conf,
		lanes: lane.New(l, lane.Config[K]{
			Lanes:     conf.Lanes,
			QueueSize: conf.QueueSize,
			Hash:      conf.Hash,
		}),
		tracker:  newTracker[K](conf.Capacity),
		store:    NewStore[K, V](),
		policy:   p,
		backing:  b,
		registry: conf.Registry,
		stats:    newStats(conf.Registry),
	}
	c.registerGauges(conf.Registry)
	l.Debugf("Cache created. Capacity %v, lanes %v.", conf.Capacity, conf.Lanes)
	return c, nil
}

// Get returns cached value and makes key most recently used.
// ErrMiss returned if there is no such key in cache. Backing store is not read.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (v V, err error) {
	defer c.stats.get.UpdateSince(time.Now())
	return lane.Submit(c.lanes, key, func() (V, error) {
		return c.get(key)
	}).Wait(ctx)
}

// Put inserts or updates value and propagates it to backing store according to
// write policy. Put of new key into full cache evicts least recently used key.
func (c *Cache[K, V]) Put(ctx context.Context, key K, v V) (err error) {
	defer c.stats.put.UpdateSince(time.Now())
	_, err = lane.Submit(c.lanes, key, func() (struct{}, error) {
		return struct{}{}, c.put(key, v, true)
	}).Wait(ctx)
	return
}

// Remove removes key from cache. Backing store is not modified.
// ErrMiss returned if there was no such key.
func (c *Cache[K, V]) Remove(ctx context.Context, key K) (err error) {
	_, err = lane.Submit(c.lanes, key, func() (struct{}, error) {
		return struct{}{}, c.remove(key)
	}).Wait(ctx)
	return
}

// Delete removes key from cache, and from backing store if it is BackingDeleter.
// ErrMiss returned if there was no such key neither in cache nor in backing store.
// Cache entry stays removed if backing store deletion failed.
func (c *Cache[K, V]) Delete(ctx context.Context, key K) (err error) {
	_, err = lane.Submit(c.lanes, key, func() (struct{}, error) {
		return struct{}{}, c.delete(key)
	}).Wait(ctx)
	return
}

// GetOrLoad is like Get, but on miss reads value from backing store and puts it
// into cache without writing it back. Concurrent loads of the same key are merged.
// ErrMiss returned if there is no such key in backing store too.
func (c *Cache[K, V]) GetOrLoad(ctx context.Context, key K) (v V, err error) {
	v, err = c.Get(ctx, key)
	if err != ErrMiss {
		return
	}
	// Load is shared by waiters, so it is not canceled with caller context.
	loaded := c.loads.DoChan(loadKey(key), func() (interface{}, error) {
		// Load in key lane, so it is ordered with puts and deletes of key.
		return lane.Submit(c.lanes, key, func() (V, error) {
			return c.load(key)
		}).Wait(context.Background())
	})
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case res := <-loaded:
		err = res.Err
		if err == nil {
			v, _ = res.Val.(V)
		}
	}
	return
}

// loadKey is singleflight key. Type makes keys distinct, when K is interface.
func loadKey[K comparable](key K) string {
	return fmt.Sprintf("%T/%#v", key, key)
}

// Len returns number of entries in store.
func (c *Cache[K, V]) Len() int { return c.store.Len() }

func (c *Cache[K, V]) Capacity() int { return c.conf.Capacity }

// IndexFor returns key lane index.
func (c *Cache[K, V]) IndexFor(key K) int { return c.lanes.IndexFor(key) }

// Close waits for queued operations, flushes write policy and stops lanes.
// Operations after close fail with ErrClosed.
func (c *Cache[K, V]) Close() error {
	c.closeOnce.Do(func() {
		c.lanes.Close()
		c.closeErr = c.policy.Close()
		c.log.Debug("Cache closed.")
	})
	return c.closeErr
}

// Methods bellow are executed in key lane.

func (c *Cache[K, V]) get(key K) (v V, err error) {
	var ok bool
	v, ok = c.store.Get(key)
	// Stored but not tracked key is evicted by another lane, and waits for removal.
	if !ok || !c.tracker.Promote(key) {
		c.stats.misses.Inc(1)
		var zero V
		return zero, ErrMiss
	}
	c.stats.hits.Inc(1)
	return
}

func (c *Cache[K, V]) put(key K, v V, propagate bool) error {
	existed, err := c.admit(key)
	if err != nil {
		return err
	}
	prev, _ := c.store.Get(key)
	if !propagate {
		c.store.Put(key, v)
		return nil
	}
	err = c.policy.Write(key, v, c.store, c.backing)
	if err != nil {
		c.stats.backingErrors.Inc(1)
		c.log.Errorf("Put of key %v failed, rolling back: %v", key, err)
		if existed {
			c.store.Put(key, prev)
		} else {
			c.store.Remove(key)
			c.tracker.Remove(key)
		}
	}
	return err
}

// admit takes tracker slot for key, and evicts victim from store if needed.
func (c *Cache[K, V]) admit(key K) (existed bool, err error) {
	index := c.lanes.IndexFor(key)
	for attempt := 0; attempt < maxAdmitAttempts; attempt++ {
		var a admission[K]
		a, err = c.tracker.Admit(key)
		if err != nil || !a.evicted {
			return a.existed, err
		}
		c.stats.evictions.Inc(1)
		err = c.evict(index, a.victim)
		if err != nil {
			c.tracker.Remove(key)
			return
		}
		if c.tracker.Contains(key) {
			return
		}
		c.log.Debugf("Key %v was evicted while admitted. Retry.", key)
	}
	err = ErrCapacityExceeded
	return
}

// evict removes evicted from tracker victim from store.
func (c *Cache[K, V]) evict(index int, victim K) error {
	if c.lanes.IndexFor(victim) == index {
		c.removeEvicted(victim)
		return nil
	}
	c.stats.crossLane.Inc(1)
	f := lane.SubmitPriority(c.lanes, victim, func() (struct{}, error) {
		c.removeEvicted(victim)
		return struct{}{}, nil
	})
	err := c.lanes.Await(index, f.Done(), c.conf.LaneTimeout)
	if err != nil {
		c.log.Errorf("Eviction of key %v from lane %v timed out.", victim, c.lanes.IndexFor(victim))
		return ErrLaneTimeout
	}
	_, err = f.Result()
	return err
}

// removeEvicted executed in victim lane. Victim slot is released even if
// eviction waiter has timed out.
func (c *Cache[K, V]) removeEvicted(victim K) {
	defer c.tracker.Released()
	if c.tracker.Contains(victim) {
		// Put in victim lane admitted it again.
		return
	}
	c.store.Remove(victim)
}

func (c *Cache[K, V]) remove(key K) error {
	removed := c.tracker.Remove(key)
	c.store.Remove(key)
	if !removed {
		return ErrMiss
	}
	return nil
}

func (c *Cache[K, V]) delete(key K) error {
	_, inBacking := c.policy.Get(key, c.backing)
	removeErr := c.remove(key)
	err := c.policy.Delete(key, c.backing)
	if err != nil {
		c.stats.backingErrors.Inc(1)
		c.log.Errorf("Delete of key %v failed: %v", key, err)
		return err
	}
	if removeErr != nil && !inBacking {
		return ErrMiss
	}
	return nil
}

// load reads key from backing store and caches it, if key was not put
// since miss.
func (c *Cache[K, V]) load(key K) (v V, err error) {
	if c.tracker.Promote(key) {
		var ok bool
		if v, ok = c.store.Get(key); ok {
			return
		}
	}
	v, ok := c.policy.Get(key, c.backing)
	if !ok {
		err = ErrMiss
		return
	}
	c.stats.loads.Inc(1)
	putErr := c.put(key, v, false)
	if putErr != nil {
		c.log.Warnf("Loaded key %v was not cached: %v", key, putErr)
	}
	return
}
