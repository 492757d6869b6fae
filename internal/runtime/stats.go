package runtime

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/drblury/agentflow/internal/delivery"
	"github.com/drblury/agentflow/internal/graph"
	errspkg "github.com/drblury/agentflow/internal/runtime/errors"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// ErrorCategory buckets handler failures.
type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryWorkflow   ErrorCategory = "workflow"
	ErrorCategoryDownstream ErrorCategory = "downstream"
	ErrorCategoryTimeout    ErrorCategory = "timeout"
	ErrorCategoryOther      ErrorCategory = "other"
)

// ErrorClassifier maps a handler error to a category.
type ErrorClassifier func(error) ErrorCategory

// DefaultErrorClassifier recognises the envelope, graph, delivery and
// correlation errors.
func DefaultErrorClassifier(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryNone
	case errors.Is(err, errspkg.ErrEnvelopeInvalid):
		return ErrorCategoryValidation
	case errors.Is(err, graph.ErrGraphExecution), errors.Is(err, errspkg.ErrWorkflowUnavailable):
		return ErrorCategoryWorkflow
	case errors.Is(err, errspkg.ErrCorrelationTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryTimeout
	case errors.Is(err, delivery.ErrDeliveryFailed), errors.Is(err, context.Canceled):
		return ErrorCategoryDownstream
	}
	return ErrorCategoryOther
}

// ErrorBreakdown counts failures per category.
type ErrorBreakdown struct {
	Validation uint64 `json:"validation"`
	Workflow   uint64 `json:"workflow"`
	Downstream uint64 `json:"downstream"`
	Timeout    uint64 `json:"timeout"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

func (e *ErrorBreakdown) record(category ErrorCategory, err error) {
	if err == nil {
		return
	}
	switch category {
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryWorkflow:
		e.Workflow++
	case ErrorCategoryDownstream:
		e.Downstream++
	case ErrorCategoryTimeout:
		e.Timeout++
	default:
		e.Other++
	}
	e.LastError = err.Error()
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
}

// HandlerSnapshot is a point-in-time copy of a route's counters.
type HandlerSnapshot struct {
	Name            string            `json:"name"`
	Topic           string            `json:"topic"`
	PublishTopic    string            `json:"publish_topic,omitempty"`
	Processed       uint64            `json:"messages_processed"`
	Failed          uint64            `json:"messages_failed"`
	InFlight        uint64            `json:"in_flight"`
	MaxInFlight     uint64            `json:"max_in_flight"`
	LastProcessedAt time.Time         `json:"last_processed_at"`
	Latency         LatencyMetrics    `json:"latency"`
	Throughput      ThroughputMetrics `json:"throughput"`
	Errors          ErrorBreakdown    `json:"errors"`
}

// HandlerStats tracks one dispatcher route.
type HandlerStats struct {
	mu sync.Mutex

	snap       HandlerSnapshot
	totalNs    int64
	latency    *latencyWindow
	throughput *throughputWindow
	classify   ErrorClassifier
}

func newHandlerStats(route Route, classify ErrorClassifier) *HandlerStats {
	if classify == nil {
		classify = DefaultErrorClassifier
	}
	return &HandlerStats{
		snap: HandlerSnapshot{
			Name:         route.Name,
			Topic:        route.Topic,
			PublishTopic: route.PublishTopic,
		},
		latency:    newLatencyWindow(latencySampleSize),
		throughput: newThroughputWindow(throughputWindowSize),
		classify:   classify,
	}
}

func (h *HandlerStats) start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snap.InFlight++
	if h.snap.InFlight > h.snap.MaxInFlight {
		h.snap.MaxInFlight = h.snap.InFlight
	}
}

func (h *HandlerStats) finish(duration time.Duration, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.snap.InFlight > 0 {
		h.snap.InFlight--
	}
	h.snap.Processed++
	if err != nil {
		h.snap.Failed++
	}
	h.totalNs += int64(duration)
	now := time.Now().UTC()
	h.snap.LastProcessedAt = now

	h.latency.add(duration)
	lat := h.latency.snapshot()
	lat.AverageNs = h.totalNs / int64(h.snap.Processed)
	h.snap.Latency = lat

	tp := h.throughput.addAndSnapshot(now)
	h.snap.Throughput = ThroughputMetrics{
		CurrentRPS:       tp.currentRPS,
		WindowSeconds:    tp.windowSeconds,
		MessagesInWindow: uint64(tp.count),
	}
	h.snap.Errors.record(h.classify(err), err)
}

// Snapshot copies the current counters.
func (h *HandlerStats) Snapshot() HandlerSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snap
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) snapshot() LatencyMetrics {
	m := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return m
	}
	samples := make([]int64, lw.filled)
	for i := range samples {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	m.SampleSize = lw.filled
	m.P50Ns = percentile(samples, 0.50)
	m.P95Ns = percentile(samples, 0.95)
	m.P99Ns = percentile(samples, 0.99)
	return m
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(math.Round(float64(samples[upper]-samples[lower])*frac))
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	count         int
	windowSeconds float64
	currentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon, samples: make([]time.Time, 0, 64)}
}

func (tw *throughputWindow) addAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		tw.samples = append(tw.samples[:0], tw.samples[idx:]...)
	}

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	return throughputSnapshot{
		count:         len(tw.samples),
		windowSeconds: span.Seconds(),
		currentRPS:    float64(len(tw.samples)) / span.Seconds(),
	}
}
