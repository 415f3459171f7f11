// Package health probes the gateway's dependencies: the request store
// and the inference backends it proxies to.
package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Status classifies a component or the system overall.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Component is one probed dependency.
type Component struct {
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Report aggregates all component checks.
type Report struct {
	Status     Status      `json:"status"`
	Components []Component `json:"components"`
	CheckedAt  time.Time   `json:"checked_at"`
}

// Pinger is satisfied by the sqlite and postgres stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds checker dependencies and tunables.
type Config struct {
	Store Pinger

	// BatchBaseURL is probed when non-empty; batch-engine traffic is
	// degraded, not dead, while the server is down.
	BatchBaseURL string

	// RemoteEndpoints maps a display name to a remote-chat base URL.
	RemoteEndpoints map[string]string

	DBTimeout      time.Duration
	HTTPTimeout    time.Duration
	MaxStoreLatency time.Duration
}

// Checker runs all configured probes concurrently.
type Checker struct {
	store           Pinger
	batchBaseURL    string
	remoteEndpoints map[string]string

	dbTimeout       time.Duration
	httpTimeout     time.Duration
	maxStoreLatency time.Duration

	client *http.Client
}

// New builds a checker with sane timeout defaults.
func New(cfg Config) *Checker {
	if cfg.DBTimeout == 0 {
		cfg.DBTimeout = 2 * time.Second
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	if cfg.MaxStoreLatency == 0 {
		cfg.MaxStoreLatency = 100 * time.Millisecond
	}
	return &Checker{
		store:           cfg.Store,
		batchBaseURL:    cfg.BatchBaseURL,
		remoteEndpoints: cfg.RemoteEndpoints,
		dbTimeout:       cfg.DBTimeout,
		httpTimeout:     cfg.HTTPTimeout,
		maxStoreLatency: cfg.MaxStoreLatency,
		client:          &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

// Check probes every configured component and aggregates the result.
// The store being down makes the whole system unhealthy; an
// unreachable backend only degrades it.
func (c *Checker) Check(ctx context.Context) Report {
	var wg sync.WaitGroup
	results := make(chan Component, 2+len(c.remoteEndpoints))

	if c.store != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.checkStore(ctx)
		}()
	}
	if c.batchBaseURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.checkHTTP(ctx, "batch_engine", c.batchBaseURL)
		}()
	}
	for name, url := range c.remoteEndpoints {
		wg.Add(1)
		go func(name, url string) {
			defer wg.Done()
			results <- c.checkHTTP(ctx, name, url)
		}(name, url)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	components := make([]Component, 0, cap(results))
	for comp := range results {
		components = append(components, comp)
	}

	return Report{
		Status:     overallStatus(components),
		Components: components,
		CheckedAt:  time.Now().UTC(),
	}
}

func (c *Checker) checkStore(ctx context.Context) Component {
	comp := Component{Name: "store", Type: "database", Timestamp: time.Now().UTC()}

	pingCtx, cancel := context.WithTimeout(ctx, c.dbTimeout)
	defer cancel()

	start := time.Now()
	err := c.store.Ping(pingCtx)
	latency := time.Since(start)
	comp.LatencyMS = latency.Milliseconds()

	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "store unreachable"
		return comp
	}
	if latency > c.maxStoreLatency {
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("high latency: %s", latency)
		return comp
	}
	comp.Status = StatusHealthy
	comp.Message = "connected"
	return comp
}

func (c *Checker) checkHTTP(ctx context.Context, name, baseURL string) Component {
	comp := Component{Name: name, Type: "http", Timestamp: time.Now().UTC()}

	reqCtx, cancel := context.WithTimeout(ctx, c.httpTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/", nil)
	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		return comp
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	comp.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "endpoint unreachable"
		return comp
	}
	defer resp.Body.Close()

	// Any response means the endpoint is alive; 5xx suggests trouble.
	if resp.StatusCode >= 500 {
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("status %d", resp.StatusCode)
		return comp
	}
	comp.Status = StatusHealthy
	comp.Message = "reachable"
	return comp
}

// overallStatus folds component states: an unhealthy store takes the
// system down, anything else degrades it.
func overallStatus(components []Component) Status {
	status := StatusHealthy
	for _, comp := range components {
		if comp.Status == StatusUnhealthy && comp.Type == "database" {
			return StatusUnhealthy
		}
		if comp.Status != StatusHealthy {
			status = StatusDegraded
		}
	}
	return status
}
