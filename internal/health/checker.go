// Package health periodically probes the control plane's dependencies and
// serves the aggregated status.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultInterval  = 10 * time.Second
	DefaultTimeout   = 2 * time.Second
	DefaultThreshold = 2
)

// ProbeFunc returns nil when the dependency is usable.
type ProbeFunc func(ctx context.Context) error

type probe struct {
	name     string
	check    ProbeFunc
	failures atomic.Int32
	healthy  atomic.Bool
	lastErr  atomic.Value // string
}

type Config struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	// Threshold is the number of consecutive failures that mark a probe unhealthy.
	Threshold int `yaml:"threshold"`
}

// Checker runs the registered probes on an interval. A probe starts healthy
// and flips only after Threshold consecutive failures; one success restores it.
type Checker struct {
	interval  time.Duration
	timeout   time.Duration
	threshold int32
	mu        sync.RWMutex
	probes    []*probe
	logger    *zap.Logger
	running   atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewChecker(cfg Config, logger *zap.Logger) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		interval:  cfg.Interval,
		timeout:   cfg.Timeout,
		threshold: int32(cfg.Threshold),
		logger:    logger.Named("health"),
	}
}

func (c *Checker) Register(name string, check ProbeFunc) {
	p := &probe{name: name, check: check}
	p.healthy.Store(true)
	p.lastErr.Store("")

	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes = append(c.probes, p)
}

// Start begins probing in the background until ctx ends or Stop is called.
func (c *Checker) Start(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		c.logger.Info("health checker already running")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.logger.Info("health checker started", zap.Duration("interval", c.interval))
		c.CheckNow(ctx)
		for {
			select {
			case <-ticker.C:
				c.CheckNow(ctx)
			case <-ctx.Done():
				c.logger.Info("health checker stopping")
				return
			}
		}
	}()
}

func (c *Checker) Stop() {
	if c.running.Load() {
		c.cancel()
		c.wg.Wait()
		c.running.Store(false)
	}
}

// CheckNow runs every probe once, concurrently.
func (c *Checker) CheckNow(ctx context.Context) {
	c.mu.RLock()
	probes := make([]*probe, len(c.probes))
	copy(probes, c.probes)
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range probes {
		wg.Add(1)
		go func(p *probe) {
			defer wg.Done()
			c.run(ctx, p)
		}(p)
	}
	wg.Wait()
}

func (c *Checker) run(ctx context.Context, p *probe) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := p.check(ctx); err != nil {
		p.lastErr.Store(err.Error())
		if p.failures.Add(1) >= c.threshold && p.healthy.CompareAndSwap(true, false) {
			c.logger.Warn("probe marked unhealthy", zap.String("probe", p.name), zap.Error(err))
		}
		return
	}
	p.failures.Store(0)
	p.lastErr.Store("")
	if p.healthy.CompareAndSwap(false, true) {
		c.logger.Info("probe marked healthy", zap.String("probe", p.name))
	}
}

type ProbeStatus struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

type Status struct {
	Healthy bool                   `json:"healthy"`
	Probes  map[string]ProbeStatus `json:"probes"`
}

func (c *Checker) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{Healthy: true, Probes: make(map[string]ProbeStatus, len(c.probes))}
	for _, p := range c.probes {
		ps := ProbeStatus{Healthy: p.healthy.Load(), Error: p.lastErr.Load().(string)}
		st.Probes[p.name] = ps
		st.Healthy = st.Healthy && ps.Healthy
	}
	return st
}

// Names lists the registered probes in order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.probes))
	for _, p := range c.probes {
		names = append(names, p.name)
	}
	sort.Strings(names)
	return names
}

// Handler answers 200 when every probe is healthy and 503 otherwise.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := c.Status()
		status := http.StatusOK
		if !st.Healthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(st)
	})
}
