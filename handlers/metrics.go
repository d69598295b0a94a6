package handlers

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the combo endpoint. A nil
// *Metrics records nothing.
type Metrics struct {
	requests *prometheus.CounterVec
	cache    *prometheus.CounterVec
	build    prometheus.Histogram
	egress   *prometheus.HistogramVec
}

// NewMetrics registers the combo collectors on reg.
//
// Metrics collected:
//   - assetcombo_requests_total: responses by status code
//   - assetcombo_cache_total: cache lookups by outcome (hit, miss, bypass)
//   - assetcombo_build_duration_seconds: time spent combining on a miss
//   - assetcombo_egress_wait_seconds: time bodies waited on the bandwidth
//     cap, by cache outcome
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "assetcombo",
			Name:      "requests_total",
			Help:      "Combo requests by response status",
		}, []string{"status"}),
		cache: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "assetcombo",
			Name:      "cache_total",
			Help:      "Response cache lookups by outcome",
		}, []string{"outcome"}),
		build: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "assetcombo",
			Name:      "build_duration_seconds",
			Help:      "Time spent building combined responses",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		egress: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "assetcombo",
			Name:      "egress_wait_seconds",
			Help:      "Time combined bodies spent waiting on the bandwidth cap",
			Buckets:   []float64{0, .01, .05, .1, .5, 1, 5, 30},
		}, []string{"outcome"}),
	}
}

func (m *Metrics) observeStatus(status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *Metrics) observeCache(outcome string) {
	if m == nil {
		return
	}
	m.cache.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeBuild(d time.Duration) {
	if m == nil {
		return
	}
	m.build.Observe(d.Seconds())
}

func (m *Metrics) observeEgressWait(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.egress.WithLabelValues(outcome).Observe(d.Seconds())
}
