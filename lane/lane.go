// Package lane provides key based executor. Key space is split into fixed
// number of lanes by key hash. Every lane is single goroutine with FIFO queue:
// tasks submitted for the same key are executed one by one in submission order,
// tasks of different lanes are executed in parallel.
//
// Besides ordinary queue every lane has priority queue for short tasks, that
// other lanes wait for (see Await). Priority task must never block or wait on
// another lane. Await is the only place where one lane waits for another.
package lane

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/skipor/lanecache/log"
)

const DefaultQueueSize = 256

const priorityQueueFactor = 4

type Config[K comparable] struct {
	Lanes int
	// QueueSize is ordinary queue capacity per lane. Submit blocks when queue is full.
	QueueSize int
	// Hash maps key to lane. HashKey used if nil.
	Hash func(K) uint64
}

type Dispatcher[K comparable] struct {
	log   log.Logger
	hash  func(K) uint64
	lanes []*lane

	// lock protects closed and ordinary queues from send after close.
	lock   sync.RWMutex
	closed bool

	drained    sync.WaitGroup
	allDrained chan struct{}
	stopped    sync.WaitGroup
}

type lane struct {
	index    int
	log      log.Logger
	tasks    chan func()
	priority chan func()
}

func New[K comparable](l log.Logger, conf Config[K]) *Dispatcher[K] {
	if conf.Lanes < 1 {
		panic("lanes number should be positive, got " + strconv.Itoa(conf.Lanes))
	}
	if conf.QueueSize <= 0 {
		conf.QueueSize = DefaultQueueSize
	}
	if conf.Hash == nil {
		conf.Hash = HashKey[K]
	}
	d := &Dispatcher[K]{
		log:        l,
		hash:       conf.Hash,
		allDrained: make(chan struct{}),
	}
	d.drained.Add(conf.Lanes)
	d.stopped.Add(conf.Lanes)
	for i := 0; i < conf.Lanes; i++ {
		ln := &lane{
			index: i,
			log:   l.WithFields(log.Fields{"lane": i}),
			tasks: make(chan func(), conf.QueueSize),
			// Lane task waits for at most one priority task at time.
			priority: make(chan func(), priorityQueueFactor*conf.Lanes),
		}
		d.lanes = append(d.lanes, ln)
		go d.run(ln)
	}
	go func() {
		d.drained.Wait()
		close(d.allDrained)
	}()
	return d
}

// IndexFor returns lane index for key. Index is stable for dispatcher lifetime.
func (d *Dispatcher[K]) IndexFor(key K) int {
	return int(d.hash(key) % uint64(len(d.lanes)))
}

func (d *Dispatcher[K]) Lanes() int { return len(d.lanes) }

// Pending returns number of queued but not started ordinary tasks of lane.
func (d *Dispatcher[K]) Pending(index int) int {
	return len(d.lanes[index].tasks)
}

// Submit enqueues task into key lane. Returned future is failed with ErrClosed
// if dispatcher is closed.
func Submit[K comparable, T any](d *Dispatcher[K], key K, task func() (T, error)) *Future[T] {
	d.lock.RLock()
	defer d.lock.RUnlock()
	if d.closed {
		return failedFuture[T](ErrClosed)
	}
	f := newFuture[T]()
	d.lanes[d.IndexFor(key)].tasks <- wrap(f, task)
	return f
}

// SubmitPriority enqueues task into key lane priority queue. Priority tasks are
// executed before ordinary ones and while lane is blocked in Await.
// Task must not block. Priority tasks are accepted until dispatcher stop, so
// they can be submitted by tasks being drained in Close.
func SubmitPriority[K comparable, T any](d *Dispatcher[K], key K, task func() (T, error)) *Future[T] {
	f := newFuture[T]()
	d.lanes[d.IndexFor(key)].priority <- wrap(f, task)
	return f
}

// Await blocks task running in lane index, until done closed or timeout expired.
// Priority tasks of lane are executed meanwhile, so two lanes can wait each other
// priority tasks without deadlock. Non positive timeout means no timeout.
// Await must be called only from task executing in lane index.
func (d *Dispatcher[K]) Await(index int, done <-chan struct{}, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	ln := d.lanes[index]
	for {
		select {
		case <-done:
			return nil
		case t := <-ln.priority:
			t()
		case <-expired:
			return ErrTimeout
		}
	}
}

// Close stops accepting tasks, waits until all queued tasks are executed and stops lanes.
func (d *Dispatcher[K]) Close() {
	d.lock.Lock()
	if d.closed {
		d.lock.Unlock()
		d.stopped.Wait()
		return
	}
	d.closed = true
	for _, ln := range d.lanes {
		close(ln.tasks)
	}
	d.lock.Unlock()
	d.stopped.Wait()
	d.log.Debug("Dispatcher closed.")
}

func (d *Dispatcher[K]) run(ln *lane) {
	defer d.stopped.Done()
	ln.log.Debug("Lane started.")
	tasks := ln.tasks
	for tasks != nil {
		select {
		case t := <-ln.priority:
			t()
			continue
		default:
		}
		select {
		case t := <-ln.priority:
			t()
		case t, ok := <-tasks:
			if !ok {
				tasks = nil
				d.drained.Done()
				continue
			}
			t()
		}
	}
	// Other lanes can still evict keys of this lane.
	for {
		select {
		case t := <-ln.priority:
			t()
		case <-d.allDrained:
			for {
				select {
				case t := <-ln.priority:
					t()
				default:
					ln.log.Debug("Lane stopped.")
					return
				}
			}
		}
	}
}

func wrap[T any](f *Future[T], task func() (T, error)) func() {
	return func() {
		var (
			v        T
			err      error
			resolved bool
		)
		defer func() {
			if resolved {
				return
			}
			r := recover()
			f.resolve(*new(T), &PanicError{r})
		}()
		v, err = task()
		resolved = true
		f.resolve(v, err)
	}
}

// HashKey is default key hash. Strings and integers are hashed by value with xxhash,
// other keys by String or fmt.Sprint representation.
func HashKey[K comparable](key K) uint64 {
	switch k := any(key).(type) {
	case string:
		return xxhash.Sum64String(k)
	case int:
		return hashUint(uint64(k))
	case int32:
		return hashUint(uint64(k))
	case int64:
		return hashUint(uint64(k))
	case uint:
		return hashUint(uint64(k))
	case uint32:
		return hashUint(uint64(k))
	case uint64:
		return hashUint(k)
	case fmt.Stringer:
		return xxhash.Sum64String(k.String())
	}
	return xxhash.Sum64String(fmt.Sprint(key))
}

func hashUint(u uint64) uint64 {
	var b [8]byte
	for i := range b {
		b[i] = byte(u >> (8 * i))
	}
	return xxhash.Sum64(b[:])
}
