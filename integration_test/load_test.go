package integration

import (
	"bufio"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"

	"github.com/skipor/lanecache/testutil"
)

// Load is concurrent client load of memcached server. Every key always set to
// the same item, so any get hit can be checked against it.
type Load struct {
	Addr        string
	Items       int
	MaxItemSize int
	Clients     int
	Requests    int
	// Request is set with SetP probability, delete with DelP, get otherwise.
	SetP, DelP float64
}

// LoadStats are client side timers and counters.
type LoadStats struct {
	Registry metrics.Registry
	Get      metrics.Timer
	Set      metrics.Timer
	Delete   metrics.Timer
	Miss     metrics.Counter
	Retry    metrics.Counter
}

func newLoadStats() *LoadStats {
	r := metrics.NewRegistry()
	return &LoadStats{
		Registry: r,
		Get:      metrics.NewRegisteredTimer("get", r),
		Set:      metrics.NewRegisteredTimer("set", r),
		Delete:   metrics.NewRegisteredTimer("delete", r),
		Miss:     metrics.NewRegisteredCounter("miss", r),
		Retry:    metrics.NewRegisteredCounter("retry", r),
	}
}

// retryable errors are client side timeouts.
func retryable(err error) bool {
	if _, ok := err.(*memcache.ConnectTimeoutError); ok {
		return true
	}
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func (l Load) Run() *LoadStats {
	stats := newLoadStats()
	items := make([]*memcache.Item, l.Items)
	for i := range items {
		items[i] = NewItem(testutil.Rand.Intn(l.MaxItemSize))
	}

	By("Warmup.")
	c := memcache.New(l.Addr)
	for _, it := range items {
		Expect(c.Set(it)).To(Succeed())
	}

	testutil.Byf("Run %v requests by %v clients.", l.Requests, l.Clients)
	var requests int64
	next := func() bool { return atomic.AddInt64(&requests, 1) <= int64(l.Requests) }
	// Hot keys are in the beginning of items.
	stddev := float64(l.Items) / 3
	itemIndex := func(r *rand.Rand) int {
		for {
			if i := int(math.Abs(r.NormFloat64() * stddev)); i < l.Items {
				return i
			}
		}
	}

	var g errgroup.Group
	for i := 0; i < l.Clients; i++ {
		r := rand.New(rand.NewSource(testutil.Rand.Int63()))
		c := memcache.New(l.Addr)
		g.Go(func() error {
			for next() {
				it := items[itemIndex(r)]
				err := l.request(c, r, it, stats)
				for retryable(err) {
					stats.Retry.Inc(1)
					time.Sleep(10 * time.Millisecond)
					err = l.request(c, r, it, stats)
				}
				if err != nil {
					return fmt.Errorf("key %s: %v", it.Key, err)
				}
			}
			return nil
		})
	}
	Expect(g.Wait()).To(Succeed())
	metrics.WriteOnce(stats.Registry, GinkgoWriter)
	fmt.Fprintf(GinkgoWriter, "%.2f%% get misses.\n",
		float64(stats.Miss.Count()*100)/float64(stats.Get.Count()+1))
	return stats
}

func (l Load) request(c *memcache.Client, r *rand.Rand, it *memcache.Item, stats *LoadStats) (err error) {
	p := r.Float64()
	switch {
	case p < l.SetP:
		stats.Set.Time(func() { err = c.Set(it) })
	case p < l.SetP+l.DelP:
		stats.Delete.Time(func() { err = c.Delete(it.Key) })
		if err == memcache.ErrCacheMiss {
			err = nil
		}
	default:
		var got *memcache.Item
		stats.Get.Time(func() { got, err = c.Get(it.Key) })
		switch {
		case err == memcache.ErrCacheMiss:
			stats.Miss.Inc(1)
			err = nil
		case err == nil:
			if got.Flags != it.Flags || string(got.Value) != string(it.Value) {
				err = fmt.Errorf("got item differs from set")
			}
		}
	}
	return
}

// ScrapeMetrics returns values of unlabeled metrics from prometheus text exposition.
func ScrapeMetrics(addr string) map[string]float64 {
	resp, err := http.Get("http://" + addr + "/metrics")
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	ExpectWithOffset(1, resp.StatusCode).To(Equal(http.StatusOK))
	values := map[string]float64{}
	s := bufio.NewScanner(resp.Body)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) != 2 || strings.HasPrefix(fields[0], "#") || strings.Contains(fields[0], "{") {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		ExpectWithOffset(1, err).NotTo(HaveOccurred(), s.Text())
		values[fields[0]] = v
	}
	ExpectWithOffset(1, s.Err()).NotTo(HaveOccurred())
	return values
}
