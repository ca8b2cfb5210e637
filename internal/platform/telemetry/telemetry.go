// Package telemetry records HTTP, dashboard and prediction metrics in memory
// and serves them in the Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/readmission/dashboard/internal/platform/db"
)

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram keeps non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	h.mu.Lock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			break
		}
	}
	h.mu.Unlock()
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		out[i] = running
	}
	return out
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Counters
// ---------------------------------------------------------------------------

type counterStore struct {
	mu     sync.RWMutex
	values map[string]*int64
}

func newCounterStore() *counterStore {
	return &counterStore{values: make(map[string]*int64)}
}

func (s *counterStore) inc(key string) {
	s.mu.RLock()
	p, ok := s.values[key]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if p, ok = s.values[key]; !ok {
			p = new(int64)
			s.values[key] = p
		}
		s.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
}

func (s *counterStore) get(key string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.values[key]; ok {
		return atomic.LoadInt64(p)
	}
	return 0
}

// sortedKeys returns keys with the given prefix in lexical order so the
// exposition output is stable.
func (s *counterStore) sortedKeys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// Provider is the process-wide metrics registry.
type Provider struct {
	histMu   sync.RWMutex
	requests map[string]*histogram // method|route|status
	active   atomic.Int64
	counters *counterStore
	pool     db.Checker
}

func NewProvider() *Provider {
	return &Provider{
		requests: make(map[string]*histogram),
		counters: newCounterStore(),
	}
}

// WithPool adds connection pool gauges to every scrape.
func (p *Provider) WithPool(c db.Checker) *Provider {
	p.pool = c
	return p
}

// LabelsKey joins the request labels into a histogram key.
func LabelsKey(method, route, statusCode string) string {
	return method + "|" + route + "|" + statusCode
}

func (p *Provider) requestHistogram(key string) *histogram {
	p.histMu.RLock()
	h, ok := p.requests[key]
	p.histMu.RUnlock()
	if ok {
		return h
	}
	p.histMu.Lock()
	defer p.histMu.Unlock()
	if h, ok = p.requests[key]; !ok {
		h = newHistogram(defaultDurationBuckets)
		p.requests[key] = h
	}
	return h
}

// RequestHistogram returns the duration histogram for one label set, or nil.
func (p *Provider) RequestHistogram(method, route, statusCode string) *histogram {
	p.histMu.RLock()
	defer p.histMu.RUnlock()
	return p.requests[LabelsKey(method, route, statusCode)]
}

// AggregateDegraded counts a dashboard sub-aggregate that fell back to its
// default.
func (p *Provider) AggregateDegraded(name string) {
	p.counters.inc("dashboard.degraded|" + name)
}

// ProviderResult counts one prediction provider attempt.
func (p *Provider) ProviderResult(provider string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	p.counters.inc("prediction.attempt|" + provider + "|" + outcome)
}

// Counter reads a counter by its dotted name and label values.
func (p *Provider) Counter(name string, labels ...string) int64 {
	return p.counters.get(strings.Join(append([]string{name}, labels...), "|"))
}

// ---------------------------------------------------------------------------
// MetricsMiddleware
// ---------------------------------------------------------------------------

// MetricsMiddleware records request duration by method, route pattern and
// status, plus the number of in-flight requests.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p.active.Add(1)
			defer p.active.Add(-1)

			start := time.Now()
			err := next(c)
			duration := time.Since(start).Seconds()

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			} else if err != nil && !c.Response().Committed {
				status = http.StatusInternalServerError
			}

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			p.requestHistogram(LabelsKey(c.Request().Method, route, strconv.Itoa(status))).Observe(duration)
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// PrometheusHandler
// ---------------------------------------------------------------------------

// PrometheusHandler serves every metric at /metrics.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		fmt.Fprintf(&b, "# HELP http_server_request_duration_seconds Duration of HTTP requests in seconds.\n")
		fmt.Fprintf(&b, "# TYPE http_server_request_duration_seconds histogram\n")
		p.histMu.RLock()
		keys := make([]string, 0, len(p.requests))
		for k := range p.requests {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts := strings.SplitN(k, "|", 3)
			labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
			writeHistogram(&b, "http_server_request_duration_seconds", labels, p.requests[k])
		}
		p.histMu.RUnlock()
		b.WriteByte('\n')

		b.WriteString("# HELP http_server_active_requests Number of active HTTP requests.\n")
		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n\n", p.active.Load())

		b.WriteString("# HELP dashboard_degraded_total Dashboard sub-aggregates that fell back to defaults.\n")
		b.WriteString("# TYPE dashboard_degraded_total counter\n")
		for _, k := range p.counters.sortedKeys("dashboard.degraded|") {
			parts := strings.SplitN(k, "|", 2)
			fmt.Fprintf(&b, "dashboard_degraded_total{aggregate=%q} %d\n", parts[1], p.counters.get(k))
		}
		b.WriteByte('\n')

		b.WriteString("# HELP prediction_attempts_total Prediction provider attempts by outcome.\n")
		b.WriteString("# TYPE prediction_attempts_total counter\n")
		for _, k := range p.counters.sortedKeys("prediction.attempt|") {
			parts := strings.SplitN(k, "|", 3)
			fmt.Fprintf(&b, "prediction_attempts_total{provider=%q,outcome=%q} %d\n", parts[1], parts[2], p.counters.get(k))
		}
		b.WriteByte('\n')

		if p.pool != nil {
			stats := p.pool.Stats()
			gauges := []struct {
				name, help string
				val        int64
			}{
				{"db_pool_total_connections", "Open database pool connections.", int64(stats.TotalConns)},
				{"db_pool_idle_connections", "Idle database pool connections.", int64(stats.IdleConns)},
				{"db_pool_acquired_connections", "Database pool connections in use.", int64(stats.AcquiredConns)},
				{"db_pool_max_connections", "Database pool size limit.", int64(stats.MaxConns)},
			}
			for _, g := range gauges {
				fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n\n", g.name, g.help, g.name, g.name, g.val)
			}
		}

		return c.String(http.StatusOK, b.String())
	}
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}
