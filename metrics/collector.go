// Package metrics exports go-metrics registry to Prometheus.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	gometrics "github.com/rcrowley/go-metrics"
)

var quantiles = []float64{0.5, 0.9, 0.99}

// Collector is Prometheus collector reading go-metrics registry on every scrape.
// Metric name is registry name prefixed with namespace, with every
// non alphanumeric character replaced by underscore.
// Counters are exported as counters, gauges as gauges, timers and histograms as summaries.
// Timer values are exported in seconds.
type Collector struct {
	namespace string
	registry  gometrics.Registry
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(namespace string, r gometrics.Registry) *Collector {
	return &Collector{namespace: namespace, registry: r}
}

// Describe sends descriptors of metrics registered at the moment.
// Metrics registered later are collected too, but only non pedantic registry accepts them.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.registry.Each(func(name string, i interface{}) {
		fqName := c.name(name)
		switch m := i.(type) {
		case gometrics.Counter:
			ch <- constMetric(fqName+"_total", prometheus.CounterValue, float64(m.Count()))
		case gometrics.Gauge:
			ch <- constMetric(fqName, prometheus.GaugeValue, float64(m.Value()))
		case gometrics.GaugeFloat64:
			ch <- constMetric(fqName, prometheus.GaugeValue, m.Value())
		case gometrics.Meter:
			s := m.Snapshot()
			ch <- constMetric(fqName+"_total", prometheus.CounterValue, float64(s.Count()))
			ch <- constMetric(fqName+"_rate1m", prometheus.GaugeValue, s.Rate1())
		case gometrics.Timer:
			s := m.Snapshot()
			ch <- summary(fqName+"_seconds", s.Count(), float64(s.Sum())/float64(time.Second),
				s.Percentiles(quantiles), float64(time.Second))
		case gometrics.Histogram:
			s := m.Snapshot()
			ch <- summary(fqName, s.Count(), float64(s.Sum()), s.Percentiles(quantiles), 1)
		}
	})
}

func (c *Collector) name(name string) string {
	name = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, name)
	return prometheus.BuildFQName(c.namespace, "", name)
}

func constMetric(name string, t prometheus.ValueType, v float64) prometheus.Metric {
	return prometheus.MustNewConstMetric(prometheus.NewDesc(name, name, nil, nil), t, v)
}

func summary(name string, count int64, sum float64, percentiles []float64, unit float64) prometheus.Metric {
	qs := make(map[float64]float64, len(quantiles))
	for i, q := range quantiles {
		qs[q] = percentiles[i] / unit
	}
	return prometheus.MustNewConstSummary(prometheus.NewDesc(name, name, nil, nil), uint64(count), sum, qs)
}
