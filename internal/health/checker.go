package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status classifies a component or the whole system.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Pinger is the probe surface: database/sql.DB satisfies it directly and
// the Redis client is wrapped in cmd wiring.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingFunc adapts a plain function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) PingContext(ctx context.Context) error { return f(ctx) }

// Component is one named dependency plus its last probe result.
type Component struct {
	Name      string        `json:"name"`
	Critical  bool          `json:"critical"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
}

type target struct {
	name     string
	critical bool
	pinger   Pinger
}

// Checker probes registered dependencies with bounded timeouts. A critical
// component failing makes the system unhealthy; anything else degrades it.
type Checker struct {
	mu         sync.RWMutex
	targets    []target
	last       []Component
	timeout    time.Duration
	maxLatency time.Duration
}

// Config holds checker options.
type Config struct {
	Timeout    time.Duration // per-probe deadline (default: 2s)
	MaxLatency time.Duration // slower probes report degraded (default: 100ms)
}

func New(cfg Config) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxLatency <= 0 {
		cfg.MaxLatency = 100 * time.Millisecond
	}
	return &Checker{timeout: cfg.Timeout, maxLatency: cfg.MaxLatency}
}

// Register adds a dependency to probe. Critical dependencies gate overall
// health; non-critical ones only degrade it.
func (c *Checker) Register(name string, critical bool, p Pinger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets = append(c.targets, target{name: name, critical: critical, pinger: p})
}

// Report is the aggregate health view.
type Report struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// Check probes every dependency concurrently and returns the aggregate.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	targets := make([]target, len(c.targets))
	copy(targets, c.targets)
	c.mu.RUnlock()

	components := make([]Component, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t target) {
			defer wg.Done()
			components[i] = c.probe(ctx, t)
		}(i, t)
	}
	wg.Wait()

	c.mu.Lock()
	c.last = components
	c.mu.Unlock()

	return aggregate(components)
}

func (c *Checker) probe(ctx context.Context, t target) Component {
	comp := Component{Name: t.name, Critical: t.critical, Timestamp: time.Now().UTC()}

	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := t.pinger.PingContext(pctx)
	comp.Latency = time.Since(start)

	switch {
	case err != nil:
		comp.Status = StatusUnhealthy
		comp.Message = err.Error()
	case comp.Latency > c.maxLatency:
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("high latency: %v", comp.Latency)
	default:
		comp.Status = StatusHealthy
	}
	return comp
}

func aggregate(components []Component) Report {
	overall := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			if comp.Critical {
				overall = StatusUnhealthy
			} else if overall == StatusHealthy {
				overall = StatusDegraded
			}
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return Report{Status: overall, Timestamp: time.Now().UTC(), Components: components}
}

// Last returns the aggregate of the most recent Check without probing.
func (c *Checker) Last() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.last) == 0 {
		return Report{Status: StatusHealthy, Timestamp: time.Now().UTC()}
	}
	return aggregate(c.last)
}
