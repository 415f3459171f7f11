// Package metrics tracks in-process request counters and exports them
// in Prometheus text format.
package metrics

import (
	"sync"
	"time"
)

// Collector accumulates counters since process start. All methods are
// safe for concurrent use.
type Collector struct {
	mu sync.RWMutex

	requests   map[string]int64 // by endpoint
	errors     map[string]int64 // by endpoint
	durationMS map[string]int64 // total handler time by endpoint
	inFlight   map[string]int64

	rateLimitRejections int64

	promptTokens     int64
	completionTokens int64
	tokensByModel    map[string]int64

	backendRequests  map[string]int64 // by backend
	backendErrors    map[string]int64
	backendLatencyMS map[string]int64

	startTime time.Time
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{
		requests:         make(map[string]int64),
		errors:           make(map[string]int64),
		durationMS:       make(map[string]int64),
		inFlight:         make(map[string]int64),
		tokensByModel:    make(map[string]int64),
		backendRequests:  make(map[string]int64),
		backendErrors:    make(map[string]int64),
		backendLatencyMS: make(map[string]int64),
		startTime:        time.Now(),
	}
}

// InFlightAdd adjusts the in-flight gauge for the endpoint.
func (c *Collector) InFlightAdd(endpoint string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight[endpoint] += delta
}

// Observe records one finished request. failed covers any 4xx or 5xx
// response.
func (c *Collector) Observe(endpoint string, duration time.Duration, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests[endpoint]++
	c.durationMS[endpoint] += duration.Milliseconds()
	if failed {
		c.errors[endpoint]++
	}
}

// RateLimitRejection records one admission refused by the limiter.
func (c *Collector) RateLimitRejection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateLimitRejections++
}

// TokenUsage records token accounting for one completed request.
func (c *Collector) TokenUsage(model string, promptTokens, completionTokens int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.promptTokens += int64(promptTokens)
	c.completionTokens += int64(completionTokens)
	if model != "" {
		c.tokensByModel[model] += int64(promptTokens + completionTokens)
	}
}

// BackendCall records one provider call against its backend kind.
func (c *Collector) BackendCall(backend string, duration time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backendRequests[backend]++
	c.backendLatencyMS[backend] += duration.Milliseconds()
	if err != nil {
		c.backendErrors[backend]++
	}
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	UptimeSeconds       int64
	Requests            map[string]int64
	Errors              map[string]int64
	DurationMS          map[string]int64
	InFlight            map[string]int64
	RateLimitRejections int64
	PromptTokens        int64
	CompletionTokens    int64
	TokensByModel       map[string]int64
	BackendRequests     map[string]int64
	BackendErrors       map[string]int64
	BackendLatencyMS    map[string]int64
}

// GetSnapshot copies the current counters.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		UptimeSeconds:       int64(time.Since(c.startTime).Seconds()),
		Requests:            copyMap(c.requests),
		Errors:              copyMap(c.errors),
		DurationMS:          copyMap(c.durationMS),
		InFlight:            copyMap(c.inFlight),
		RateLimitRejections: c.rateLimitRejections,
		PromptTokens:        c.promptTokens,
		CompletionTokens:    c.completionTokens,
		TokensByModel:       copyMap(c.tokensByModel),
		BackendRequests:     copyMap(c.backendRequests),
		BackendErrors:       copyMap(c.backendErrors),
		BackendLatencyMS:    copyMap(c.backendLatencyMS),
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
