package cache

import (
	"sync"
	"sync/atomic"

	"github.com/skipor/lanecache/lane"
	"github.com/skipor/lanecache/log"
)

// BackingStore is durable store behind cache. Retries are implementation business.
type BackingStore[K comparable, V any] interface {
	Get(key K) (v V, ok bool)
	Put(key K, v V) error
}

// BackingDeleter is optional BackingStore extension. Cache Delete removes keys
// from backing stores that implement it.
type BackingDeleter[K comparable] interface {
	Delete(key K) error
}

// WritePolicy puts value into store and propagates it to backing store.
// Write is called from key lane.
type WritePolicy[K comparable, V any] interface {
	Write(key K, v V, s *Store[K, V], b BackingStore[K, V]) error
	// Delete propagates key deletion to backing store, if it is BackingDeleter.
	// Delete is called from key lane, after key is removed from store.
	Delete(key K, b BackingStore[K, V]) error
	// Get reads key from backing store as it will be after all propagated
	// writes and deletes of key are done. Get is called from key lane.
	Get(key K, b BackingStore[K, V]) (v V, ok bool)
	// Close flushes pending writes, if any.
	Close() error
}

type writeThrough[K comparable, V any] struct{}

// WriteThrough returns policy that writes to backing store before return.
// Returned *BackingStoreError makes cache roll back put.
func WriteThrough[K comparable, V any]() WritePolicy[K, V] {
	return writeThrough[K, V]{}
}

func (writeThrough[K, V]) Write(key K, v V, s *Store[K, V], b BackingStore[K, V]) error {
	s.Put(key, v)
	err := b.Put(key, v)
	if err != nil {
		return &BackingStoreError{Key: key, Err: err}
	}
	return nil
}

func (writeThrough[K, V]) Delete(key K, b BackingStore[K, V]) error {
	d, ok := b.(BackingDeleter[K])
	if !ok {
		return nil
	}
	err := d.Delete(key)
	if err != nil {
		return &BackingStoreError{Key: key, Err: err}
	}
	return nil
}

func (writeThrough[K, V]) Get(key K, b BackingStore[K, V]) (V, bool) {
	return b.Get(key)
}

func (writeThrough[K, V]) Close() error { return nil }

type WriteBehindConfig[K comparable] struct {
	// Lanes is number of parallel backing store writers. Writes of the same key
	// are done in put order.
	Lanes     int
	QueueSize int
	Hash      func(K) uint64
	// OnError is called from writer goroutine on failed backing store write.
	OnError func(key K, err error)
}

// WriteBehind is policy that returns after store put and writes to backing store
// asynchronously. Backing store write errors are logged and passed to OnError,
// put caller never sees them.
type WriteBehind[K comparable, V any] struct {
	log     log.Logger
	writers *lane.Dispatcher[K]
	onError func(key K, err error)
	failed  int64

	lock sync.Mutex
	// queued is the latest queued write of key. Removed when all writes of key are done.
	queued map[K]*queuedWrite[V]
}

type queuedWrite[V any] struct {
	v       V
	deleted bool
	// n is number of queued not finished writes.
	n int
}

var _ WritePolicy[string, int] = (*WriteBehind[string, int])(nil)

const defaultWriteBehindLanes = 4

func NewWriteBehind[K comparable, V any](l log.Logger, conf WriteBehindConfig[K]) *WriteBehind[K, V] {
	if conf.Lanes <= 0 {
		conf.Lanes = defaultWriteBehindLanes
	}
	return &WriteBehind[K, V]{
		log: l,
		writers: lane.New(l.WithFields(log.Fields{"policy": "write-behind"}), lane.Config[K]{
			Lanes:     conf.Lanes,
			QueueSize: conf.QueueSize,
			Hash:      conf.Hash,
		}),
		onError: conf.OnError,
		queued:  map[K]*queuedWrite[V]{},
	}
}

func (w *WriteBehind[K, V]) Write(key K, v V, s *Store[K, V], b BackingStore[K, V]) error {
	s.Put(key, v)
	w.enqueue(key, v, false, func() error { return b.Put(key, v) })
	return nil
}

func (w *WriteBehind[K, V]) Delete(key K, b BackingStore[K, V]) error {
	d, ok := b.(BackingDeleter[K])
	if !ok {
		return nil
	}
	var zero V
	w.enqueue(key, zero, true, func() error { return d.Delete(key) })
	return nil
}

// Get returns value of the latest queued write of key, if there is any.
func (w *WriteBehind[K, V]) Get(key K, b BackingStore[K, V]) (v V, ok bool) {
	w.lock.Lock()
	q, queued := w.queued[key]
	if queued {
		v, ok = q.v, !q.deleted
	}
	w.lock.Unlock()
	if queued {
		return
	}
	return b.Get(key)
}

func (w *WriteBehind[K, V]) enqueue(key K, v V, deleted bool, write func() error) {
	w.lock.Lock()
	q, ok := w.queued[key]
	if !ok {
		q = &queuedWrite[V]{}
		w.queued[key] = q
	}
	q.v, q.deleted = v, deleted
	q.n++
	w.lock.Unlock()
	f := lane.Submit(w.writers, key, func() (struct{}, error) {
		defer w.done(key)
		w.write(key, write)
		return struct{}{}, nil
	})
	// Future is failed at once only if writers are closed.
	select {
	case <-f.Done():
		if _, err := f.Result(); err == ErrClosed {
			w.done(key)
			w.fail(key, err)
		}
	default:
	}
}

func (w *WriteBehind[K, V]) done(key K) {
	w.lock.Lock()
	defer w.lock.Unlock()
	q := w.queued[key]
	q.n--
	if q.n == 0 {
		delete(w.queued, key)
	}
}

func (w *WriteBehind[K, V]) write(key K, write func() error) {
	defer func() {
		if r := recover(); r != nil {
			w.fail(key, &lane.PanicError{Value: r})
		}
	}()
	err := write()
	if err != nil {
		w.fail(key, err)
	}
}

// Failed returns number of failed backing store writes.
func (w *WriteBehind[K, V]) Failed() int64 { return atomic.LoadInt64(&w.failed) }

// Close waits for all queued writes.
func (w *WriteBehind[K, V]) Close() error {
	w.writers.Close()
	return nil
}

func (w *WriteBehind[K, V]) fail(key K, err error) {
	atomic.AddInt64(&w.failed, 1)
	w.log.Errorf("Write behind of key %v failed: %v", key, err)
	if w.onError != nil {
		w.onError(key, err)
	}
}
