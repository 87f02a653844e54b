// Package metrics 以 Prometheus 文本格式暴露 HTTP 与运行指标。
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"PhoneAgent-Web/internal/run"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type latencyKey struct {
	handler string
	method  string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets ...float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// observe 累加落入的桶；超过最后一个桶的值只计入 +Inf（即 count）。
func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
}

func (h *histogram) clone() *histogram {
	return &histogram{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

// Registry 保存全部指标。零值不可用，请使用 NewRegistry。
type Registry struct {
	mu          sync.Mutex
	requests    map[requestKey]uint64
	serverErrs  map[latencyKey]uint64
	latency     map[latencyKey]*histogram
	runs        map[run.Status]uint64
	activeRuns  int64
	chunks      uint64
	dropped     uint64
	runDuration *histogram
}

// NewRegistry 创建空的指标集合。
func NewRegistry() *Registry {
	return &Registry{
		requests:    make(map[requestKey]uint64),
		serverErrs:  make(map[latencyKey]uint64),
		latency:     make(map[latencyKey]*histogram),
		runs:        make(map[run.Status]uint64),
		runDuration: newHistogram(1, 5, 15, 30, 60, 120, 300, 600, 1800),
	}
}

// Default 是进程级的指标集合。
var Default = NewRegistry()

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (r *Registry) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
	key := latencyKey{handler: handler, method: method}
	if status >= 500 {
		r.serverErrs[key]++
	}
	hist := r.latency[key]
	if hist == nil {
		hist = newHistogram(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
		r.latency[key] = hist
	}
	hist.observe(duration.Seconds())
}

// RunStarted 实现 run.Observer。
func (r *Registry) RunStarted() {
	r.mu.Lock()
	r.activeRuns++
	r.mu.Unlock()
}

// RunFinished 实现 run.Observer。
func (r *Registry) RunFinished(status run.Status, elapsed time.Duration, chunks, dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeRuns--
	r.runs[status]++
	r.chunks += uint64(chunks)
	r.dropped += uint64(dropped)
	r.runDuration.observe(elapsed.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, r.render())
	})
}

func (r *Registry) render() string {
	r.mu.Lock()
	type requestMetric struct {
		requestKey
		value uint64
	}
	type latencyMetric struct {
		latencyKey
		errors uint64
		hist   *histogram
	}
	reqs := make([]requestMetric, 0, len(r.requests))
	for key, value := range r.requests {
		reqs = append(reqs, requestMetric{requestKey: key, value: value})
	}
	lats := make([]latencyMetric, 0, len(r.latency))
	for key, hist := range r.latency {
		lats = append(lats, latencyMetric{latencyKey: key, errors: r.serverErrs[key], hist: hist.clone()})
	}
	runs := make(map[run.Status]uint64, len(r.runs))
	for status, value := range r.runs {
		runs[status] = value
	}
	active, chunks, dropped := r.activeRuns, r.chunks, r.dropped
	runDuration := r.runDuration.clone()
	r.mu.Unlock()

	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].handler == reqs[j].handler {
			if reqs[i].method == reqs[j].method {
				return reqs[i].code < reqs[j].code
			}
			return reqs[i].method < reqs[j].method
		}
		return reqs[i].handler < reqs[j].handler
	})
	sort.Slice(lats, func(i, j int) bool {
		if lats[i].handler == lats[j].handler {
			return lats[i].method < lats[j].method
		}
		return lats[i].handler < lats[j].handler
	})

	var b strings.Builder
	b.Grow(2048)

	b.WriteString("# HELP phoneagent_http_requests_total Total number of HTTP requests processed.\n")
	b.WriteString("# TYPE phoneagent_http_requests_total counter\n")
	for _, m := range reqs {
		fmt.Fprintf(&b, "phoneagent_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(m.handler), escape(m.method), escape(m.code), m.value)
	}

	b.WriteString("# HELP phoneagent_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	b.WriteString("# TYPE phoneagent_http_request_errors_total counter\n")
	for _, m := range lats {
		if m.errors == 0 {
			continue
		}
		fmt.Fprintf(&b, "phoneagent_http_request_errors_total{handler=\"%s\",method=\"%s\"} %d\n",
			escape(m.handler), escape(m.method), m.errors)
	}

	b.WriteString("# HELP phoneagent_http_request_duration_seconds HTTP request duration in seconds.\n")
	b.WriteString("# TYPE phoneagent_http_request_duration_seconds histogram\n")
	for _, m := range lats {
		labels := fmt.Sprintf("handler=\"%s\",method=\"%s\"", escape(m.handler), escape(m.method))
		writeHistogram(&b, "phoneagent_http_request_duration_seconds", labels, m.hist)
	}

	b.WriteString("# HELP phoneagent_runs_total Finished runs by terminal status.\n")
	b.WriteString("# TYPE phoneagent_runs_total counter\n")
	for _, status := range []run.Status{run.StatusSucceeded, run.StatusFailed} {
		fmt.Fprintf(&b, "phoneagent_runs_total{status=\"%s\"} %d\n", status, runs[status])
	}

	b.WriteString("# HELP phoneagent_runs_active Runs currently executing.\n")
	b.WriteString("# TYPE phoneagent_runs_active gauge\n")
	fmt.Fprintf(&b, "phoneagent_runs_active %d\n", active)

	b.WriteString("# HELP phoneagent_run_output_chunks_total Output chunks captured from runs.\n")
	b.WriteString("# TYPE phoneagent_run_output_chunks_total counter\n")
	fmt.Fprintf(&b, "phoneagent_run_output_chunks_total %d\n", chunks)

	b.WriteString("# HELP phoneagent_run_output_dropped_total Output chunks discarded because the reader fell behind.\n")
	b.WriteString("# TYPE phoneagent_run_output_dropped_total counter\n")
	fmt.Fprintf(&b, "phoneagent_run_output_dropped_total %d\n", dropped)

	b.WriteString("# HELP phoneagent_run_duration_seconds Run wall-clock duration in seconds.\n")
	b.WriteString("# TYPE phoneagent_run_duration_seconds histogram\n")
	writeHistogram(&b, "phoneagent_run_duration_seconds", "", runDuration)

	return b.String()
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	prefix := labels
	if prefix != "" {
		prefix += ","
	}
	for idx, bound := range h.buckets {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%s\"} %d\n", name, prefix, formatFloat(bound), h.counts[idx])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, h.count)
	if labels == "" {
		fmt.Fprintf(b, "%s_sum %s\n", name, formatFloat(h.sum))
		fmt.Fprintf(b, "%s_count %d\n", name, h.count)
		return
	}
	fmt.Fprintf(b, "%s_sum{%s} %s\n", name, labels, formatFloat(h.sum))
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, h.count)
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
