package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *metrics
)

func Instance() *metrics {
	once.Do(func() {
		instance = newMetrics()
	})

	return instance
}

type metrics struct {
	cacheEvents *prometheus.CounterVec

	FetchLatency prometheus.Histogram
	FetchErrors  prometheus.Counter

	mu          sync.Mutex
	sizeGauges  map[string]prometheus.GaugeFunc
	sizeSources map[string]func() int
}

func newMetrics() *metrics {
	m := &metrics{
		cacheEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "profcache_cache_events_total",
			Help: "Cache events by cache name and kind",
		}, []string{"cache", "event"}),

		FetchLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "profcache_backend_fetch_seconds",
			Help:    "Backend fetch latency",
			Buckets: []float64{0.05, 0.2, 0.5, 1, 3},
		}),

		FetchErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "profcache_backend_fetch_errors_total",
			Help: "The total number of failed backend fetches",
		}),

		sizeGauges:  make(map[string]prometheus.GaugeFunc),
		sizeSources: make(map[string]func() int),
	}

	return m
}

// RegisterCacheSize exposes the number of entries stored by the named
// cache. Registering the same name again replaces the size source.
func (m *metrics) RegisterCacheSize(name string, size func() int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sizeSources[name] = size
	if _, ok := m.sizeGauges[name]; ok {
		return
	}
	m.sizeGauges[name] = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "profcache_cache_entries",
		Help:        "Entries stored in the cache, expired ones included until read",
		ConstLabels: prometheus.Labels{"cache": name},
	}, func() float64 {
		m.mu.Lock()
		src := m.sizeSources[name]
		m.mu.Unlock()
		return float64(src())
	})
}

func (m *metrics) cacheEvent(name string, event string) prometheus.Counter {
	return m.cacheEvents.WithLabelValues(name, event)
}
