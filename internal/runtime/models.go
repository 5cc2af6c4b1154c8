package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"sync"
	"time"
)

const latencySampleSize = 256

// DealerState tracks where a Dealer is in its lifecycle. Transitions are
// strictly linear; reconnection is a flag inside RUNNING, not a state.
type DealerState int32

const (
	DealerInit DealerState = iota
	DealerRunning
	DealerStopping
	DealerStopped
)

func (s DealerState) String() string {
	switch s {
	case DealerInit:
		return "INIT"
	case DealerRunning:
		return "RUNNING"
	case DealerStopping:
		return "STOPPING"
	case DealerStopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

// InvalidArgsError marks a call whose arguments could not be decoded into
// what the handler expects. These count separately from handler failures.
type InvalidArgsError struct {
	Method string
	Err    error
}

func (e *InvalidArgsError) Error() string {
	return "invalid arguments for " + e.Method + ": " + e.Err.Error()
}

func (e *InvalidArgsError) Unwrap() error { return e.Err }

// HandlerInfo describes one registered method along with its live stats.
type HandlerInfo struct {
	Method       string        `json:"method"`
	Group        string        `json:"group"`
	Stream       bool          `json:"stream"`
	Description  string        `json:"description,omitempty"`
	RegisteredAt time.Time     `json:"registered_at"`
	Stats        *HandlerStats `json:"stats"`
}

// HandlerStats accumulates per-method counters. All access goes through the
// mutex; MarshalJSON snapshots under it so the status surface never sees a
// torn read.
type HandlerStats struct {
	mu     sync.Mutex
	method string

	CallsHandled  uint64    `json:"calls_handled"`
	CallsFailed   uint64    `json:"calls_failed"`
	TotalTimeNs   int64     `json:"total_time_ns"`
	LastInvokedAt time.Time `json:"last_invoked_at"`

	InFlight    uint64 `json:"in_flight"`
	MaxInFlight uint64 `json:"max_in_flight"`

	Latency LatencyMetrics `json:"latency"`
	Errors  ErrorBreakdown `json:"errors"`

	latencyWindow *latencyWindow
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ErrorBreakdown struct {
	InvalidArgs uint64 `json:"invalid_args"`
	Handler     uint64 `json:"handler"`
	Transport   uint64 `json:"transport"`
	Panics      uint64 `json:"panics"`
	Other       uint64 `json:"other"`
	LastError   string `json:"last_error,omitempty"`
}

type ErrorCategory string

const (
	ErrorCategoryNone        ErrorCategory = "none"
	ErrorCategoryInvalidArgs ErrorCategory = "invalid_args"
	ErrorCategoryHandler     ErrorCategory = "handler"
	ErrorCategoryTransport   ErrorCategory = "transport"
	ErrorCategoryPanic       ErrorCategory = "panic"
	ErrorCategoryOther       ErrorCategory = "other"
)

// ErrorClassifier buckets a handler error for the stats breakdown.
type ErrorClassifier func(error) ErrorCategory

func defaultErrorClassifier(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	var invalid *InvalidArgsError
	if errors.As(err, &invalid) {
		return ErrorCategoryInvalidArgs
	}
	var panicked *panicError
	if errors.As(err, &panicked) {
		return ErrorCategoryPanic
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryOther
	}
	return ErrorCategoryHandler
}

func newHandlerStats(method string) *HandlerStats {
	return &HandlerStats{
		method:        method,
		latencyWindow: newLatencyWindow(latencySampleSize),
	}
}

func (h *HandlerStats) onCallStart() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.InFlight++
	if h.InFlight > h.MaxInFlight {
		h.MaxInFlight = h.InFlight
	}
}

func (h *HandlerStats) onCallFinish(duration time.Duration, err error, classifier ErrorClassifier) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.InFlight > 0 {
		h.InFlight--
	}
	h.CallsHandled++
	if err != nil {
		h.CallsFailed++
	}
	h.TotalTimeNs += int64(duration)
	h.LastInvokedAt = time.Now().UTC()

	if h.latencyWindow != nil {
		h.latencyWindow.Add(duration)
		snapshot := h.latencyWindow.Snapshot()
		snapshot.LastNs = int64(duration)
		if h.CallsHandled > 0 {
			snapshot.AverageNs = h.TotalTimeNs / int64(h.CallsHandled)
		}
		h.Latency = snapshot
	}

	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	h.Errors.Record(classifier(err), err)
}

func (h *HandlerStats) MarshalJSON() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	type Alias HandlerStats
	return json.Marshal((*Alias)(h))
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryInvalidArgs:
		e.InvalidArgs++
	case ErrorCategoryHandler:
		e.Handler++
	case ErrorCategoryTransport:
		e.Transport++
	case ErrorCategoryPanic:
		e.Panics++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var metrics LatencyMetrics
	if lw == nil {
		return metrics
	}
	if lw.filled == 0 {
		metrics.LastNs = lw.last
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	metrics.LastNs = lw.last
	return metrics
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
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}
