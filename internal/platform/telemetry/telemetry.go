// Package telemetry records HTTP and HL7 encoding metrics and serves them in
// the Prometheus text exposition format.
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
)

// durationBuckets are the request duration bucket boundaries in seconds.
var durationBuckets = []float64{
	0.001, 0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5,
}

// histogram is a thread-safe histogram. Bucket counts are non-cumulative in
// storage; cumulative counts are computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits, updated by CAS
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		next := math.Float64bits(math.Float64frombits(old) + v)
		if atomic.CompareAndSwapUint64(&h.sum, old, next) {
			break
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		cum[i] = running
	}
	return cum
}

// counterVec is a set of counters keyed by a single label value.
type counterVec struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newCounterVec() *counterVec {
	return &counterVec{items: make(map[string]*int64)}
}

func (v *counterVec) inc(label string) {
	v.mu.RLock()
	p, ok := v.items[label]
	v.mu.RUnlock()
	if !ok {
		v.mu.Lock()
		if p, ok = v.items[label]; !ok {
			p = new(int64)
			v.items[label] = p
		}
		v.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
}

func (v *counterVec) get(label string) int64 {
	v.mu.RLock()
	p, ok := v.items[label]
	v.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

// sorted returns the label values in lexical order with their counts.
func (v *counterVec) sorted() ([]string, []int64) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	labels := make([]string, 0, len(v.items))
	for k := range v.items {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	counts := make([]int64, len(labels))
	for i, k := range labels {
		counts[i] = atomic.LoadInt64(v.items[k])
	}
	return labels, counts
}

// Provider holds all metric state. The zero value is not usable; call
// NewProvider.
type Provider struct {
	mu        sync.RWMutex
	durations map[string]*histogram // method|route|status

	active int64

	segmentsEncoded *counterVec // segment type
	encodeFailures  *counterVec // segment type
}

func NewProvider() *Provider {
	return &Provider{
		durations:       make(map[string]*histogram),
		segmentsEncoded: newCounterVec(),
		encodeFailures:  newCounterVec(),
	}
}

// SegmentEncoded counts one successfully encoded segment of typeCode.
func (p *Provider) SegmentEncoded(typeCode string) {
	p.segmentsEncoded.inc(typeCode)
}

// EncodeFailed counts one failed attempt to encode a segment of typeCode.
func (p *Provider) EncodeFailed(typeCode string) {
	p.encodeFailures.inc(typeCode)
}

// SegmentsEncoded returns the number of segments of typeCode encoded so far.
func (p *Provider) SegmentsEncoded(typeCode string) int64 {
	return p.segmentsEncoded.get(typeCode)
}

// EncodeFailures returns the number of failed encodes of typeCode.
func (p *Provider) EncodeFailures(typeCode string) int64 {
	return p.encodeFailures.get(typeCode)
}

// ActiveRequests returns the number of requests currently in flight.
func (p *Provider) ActiveRequests() int64 {
	return atomic.LoadInt64(&p.active)
}

func durationKey(method, route string, status int) string {
	return method + "|" + route + "|" + strconv.Itoa(status)
}

func (p *Provider) durationHistogram(key string) *histogram {
	p.mu.RLock()
	h, ok := p.durations[key]
	p.mu.RUnlock()
	if ok {
		return h
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok = p.durations[key]; !ok {
		h = newHistogram(durationBuckets)
		p.durations[key] = h
	}
	return h
}

// RequestCount returns how many requests were observed for the given
// method, route pattern and status.
func (p *Provider) RequestCount(method, route string, status int) int64 {
	p.mu.RLock()
	h, ok := p.durations[durationKey(method, route, status)]
	p.mu.RUnlock()
	if !ok {
		return 0
	}
	return h.Count()
}

// MetricsMiddleware records request duration by method, route pattern and
// status, and tracks in-flight requests.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&p.active, 1)
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			atomic.AddInt64(&p.active, -1)

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			key := durationKey(c.Request().Method, route, c.Response().Status)
			p.durationHistogram(key).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// PrometheusHandler serves all metrics in Prometheus text format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder
		p.writeDurations(&b)

		b.WriteString("# HELP http_server_active_requests Number of active HTTP requests.\n")
		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n\n", p.ActiveRequests())

		writeCounterVec(&b, "hl7_segments_encoded_total",
			"Segments encoded by segment type.", p.segmentsEncoded)
		writeCounterVec(&b, "hl7_encode_failures_total",
			"Failed segment encodes by segment type.", p.encodeFailures)

		return c.Blob(http.StatusOK, "text/plain; version=0.0.4", []byte(b.String()))
	}
}

func (p *Provider) writeDurations(b *strings.Builder) {
	const name = "http_server_request_duration_seconds"
	b.WriteString("# HELP " + name + " Duration of HTTP requests in seconds.\n")
	b.WriteString("# TYPE " + name + " histogram\n")

	p.mu.RLock()
	keys := make([]string, 0, len(p.durations))
	for k := range p.durations {
		keys = append(keys, k)
	}
	p.mu.RUnlock()
	sort.Strings(keys)

	for _, key := range keys {
		parts := strings.SplitN(key, "|", 3)
		labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
		p.mu.RLock()
		h := p.durations[key]
		p.mu.RUnlock()

		cum := h.cumulativeBuckets()
		for i, boundary := range h.boundaries {
			fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
		}
		fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, h.Count())
		fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
		fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, h.Count())
	}
	b.WriteByte('\n')
}

func writeCounterVec(b *strings.Builder, name, help string, v *counterVec) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	labels, counts := v.sorted()
	for i, l := range labels {
		fmt.Fprintf(b, "%s{segment=%q} %d\n", name, l, counts[i])
	}
	b.WriteByte('\n')
}
