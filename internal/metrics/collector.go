// Package metrics exposes pipeline counters in Prometheus text exposition
// format without pulling in the prometheus/client_golang dependency.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing counter.
type Counter struct {
	name  string
	help  string
	value atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name  string
	help  string
	value atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of observed values.
type Histogram struct {
	name    string
	help    string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

// Observe records one value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// Collector holds the pipeline's metric set. One instance is wired at
// startup and shared by the webhook and the message handler.
type Collector struct {
	startTime time.Time

	WebhookRequests   *Counter
	MessagesProcessed *Counter
	DuplicatesSkipped *Counter
	TasksRejected     *Counter
	SendErrors        *Counter
	ActiveTasks       *Gauge
	BackendLatency    *Histogram
	DeliveryLatency   *Histogram

	registered []any // render order
}

var latencyBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// NewCollector creates a collector with the pipeline metric set registered.
func NewCollector() *Collector {
	c := &Collector{startTime: time.Now()}
	c.WebhookRequests = c.counter("tourbot_webhook_requests_total",
		"Webhook POST deliveries received")
	c.MessagesProcessed = c.counter("tourbot_messages_processed_total",
		"Messages handed to background processing")
	c.DuplicatesSkipped = c.counter("tourbot_duplicates_skipped_total",
		"Webhook deliveries suppressed as duplicates")
	c.TasksRejected = c.counter("tourbot_tasks_rejected_total",
		"Submissions rejected because the task manager was at capacity")
	c.SendErrors = c.counter("tourbot_send_errors_total",
		"Outbound WhatsApp sends that failed after retries")
	c.ActiveTasks = c.gauge("tourbot_active_tasks",
		"Background tasks currently running")
	c.BackendLatency = c.histogram("tourbot_backend_latency_seconds",
		"QA backend round-trip time")
	c.DeliveryLatency = c.histogram("tourbot_delivery_latency_seconds",
		"Time from outbound send to the platform delivered status")
	return c
}

func (c *Collector) counter(name, help string) *Counter {
	ctr := &Counter{name: name, help: help}
	c.registered = append(c.registered, ctr)
	return ctr
}

func (c *Collector) gauge(name, help string) *Gauge {
	g := &Gauge{name: name, help: help}
	c.registered = append(c.registered, g)
	return g
}

func (c *Collector) histogram(name, help string) *Histogram {
	buckets := append([]float64(nil), latencyBuckets...)
	sort.Float64s(buckets)
	hb := make([]histBucket, len(buckets))
	for i, b := range buckets {
		hb[i] = histBucket{le: b}
	}
	h := &Histogram{name: name, help: help, buckets: hb}
	c.registered = append(c.registered, h)
	return h
}

// Uptime returns how long the collector has been running.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Handler renders all metrics in Prometheus text format.
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder
		fmt.Fprintf(&sb, "# HELP tourbot_uptime_seconds Time since start in seconds\n")
		fmt.Fprintf(&sb, "# TYPE tourbot_uptime_seconds gauge\n")
		fmt.Fprintf(&sb, "tourbot_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

		for _, m := range c.registered {
			switch v := m.(type) {
			case *Counter:
				fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s counter\n%s %d\n",
					v.name, v.help, v.name, v.name, v.Value())
			case *Gauge:
				fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n",
					v.name, v.help, v.name, v.name, v.Value())
			case *Histogram:
				v.render(&sb)
			}
		}

		w.Write([]byte(sb.String()))
	}
}

func (h *Histogram) render(sb *strings.Builder) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)
	for _, b := range h.buckets {
		fmt.Fprintf(sb, "%s_bucket{le=%q} %d\n", h.name, formatLE(b.le), b.count)
	}
	fmt.Fprintf(sb, "%s_bucket{le=\"+Inf\"} %d\n", h.name, h.count)
	fmt.Fprintf(sb, "%s_sum %g\n", h.name, h.sum)
	fmt.Fprintf(sb, "%s_count %d\n", h.name, h.count)
}

func formatLE(le float64) string {
	if math.IsInf(le, 1) {
		return "+Inf"
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", le), "0"), ".")
}
