package cache

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
)

// Stats is snapshot of cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	// CrossLaneEvictions is number of evictions that required wait for another lane.
	CrossLaneEvictions int64
	BackingErrors      int64
	// Loads is number of values loaded from backing store on miss.
	Loads int64
	Len   int
}

type stats struct {
	hits          metrics.Counter
	misses        metrics.Counter
	evictions     metrics.Counter
	crossLane     metrics.Counter
	backingErrors metrics.Counter
	loads         metrics.Counter
	get           metrics.Timer
	put           metrics.Timer
}

func newStats(r metrics.Registry) *stats {
	return &stats{
		hits:          metrics.NewRegisteredCounter("cache.hit", r),
		misses:        metrics.NewRegisteredCounter("cache.miss", r),
		evictions:     metrics.NewRegisteredCounter("cache.evict", r),
		crossLane:     metrics.NewRegisteredCounter("cache.evict.cross_lane", r),
		backingErrors: metrics.NewRegisteredCounter("cache.backing.error", r),
		loads:         metrics.NewRegisteredCounter("cache.load", r),
		get:           metrics.NewRegisteredTimer("cache.get", r),
		put:           metrics.NewRegisteredTimer("cache.put", r),
	}
}

func (c *Cache[K, V]) registerGauges(r metrics.Registry) {
	r.Register("cache.len", metrics.NewFunctionalGauge(func() int64 {
		return int64(c.store.Len())
	}))
	for i := 0; i < c.lanes.Lanes(); i++ {
		index := i
		r.Register(fmt.Sprintf("lane.%d.pending", index), metrics.NewFunctionalGauge(func() int64 {
			return int64(c.lanes.Pending(index))
		}))
	}
}

func (c *Cache[K, V]) Stats() Stats {
	return Stats{
		Hits:               c.stats.hits.Count(),
		Misses:             c.stats.misses.Count(),
		Evictions:          c.stats.evictions.Count(),
		CrossLaneEvictions: c.stats.crossLane.Count(),
		BackingErrors:      c.stats.backingErrors.Count(),
		Loads:              c.stats.loads.Count(),
		Len:                c.store.Len(),
	}
}

// Registry returns metrics registry with cache counters, timers and gauges.
func (c *Cache[K, V]) Registry() metrics.Registry { return c.registry }
