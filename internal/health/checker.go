package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ixpanel/ixpanel/internal/config"
	"github.com/ixpanel/ixpanel/internal/metrics"
)

// Status represents the reachability of the ixctl API.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalText renders the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UpstreamHealth holds the result of the latest checks.
type UpstreamHealth struct {
	Status              Status    `json:"status"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Pinger issues one cheap request against the upstream.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// Checker periodically checks that the ixctl API answers.
type Checker struct {
	mu      sync.RWMutex
	state   UpstreamHealth
	pinger  Pinger
	metrics *metrics.Collector

	interval         time.Duration
	failureThreshold int
	timeout          time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a new upstream checker.
func NewChecker(p Pinger, m *metrics.Collector, hcCfg config.HealthConfig) *Checker {
	threshold := hcCfg.FailureThreshold
	if threshold <= 0 {
		threshold = 1
	}
	return &Checker{
		pinger:           p,
		metrics:          m,
		interval:         hcCfg.Interval,
		failureThreshold: threshold,
		timeout:          hcCfg.Timeout,
		stopCh:           make(chan struct{}),
	}
}

// Start begins periodic checking.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("upstream health checker started", "interval", c.interval, "threshold", c.failureThreshold)
}

// Stop stops the checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	slog.Info("upstream health checker stopped")
}

func (c *Checker) run() {
	// Run immediately on start
	c.Check()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Check()
		case <-c.stopCh:
			return
		}
	}
}

// Check pings the upstream once and records the outcome.
func (c *Checker) Check() {
	ctx := context.Background()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	err := c.pinger.Ping(ctx)
	if c.metrics != nil {
		c.metrics.UpstreamChecked(time.Since(start), err == nil)
	}
	c.updateStatus(err)
}

func (c *Checker) updateStatus(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := &c.state
	st.LastCheck = time.Now()

	if err == nil {
		if st.ConsecutiveFailures > 0 {
			slog.Info("upstream recovered", "failures", st.ConsecutiveFailures)
		}
		st.Status = StatusHealthy
		st.ConsecutiveFailures = 0
		st.LastError = ""
	} else {
		st.ConsecutiveFailures++
		st.LastError = err.Error()
		if st.ConsecutiveFailures >= c.failureThreshold {
			if st.Status != StatusUnhealthy {
				slog.Warn("upstream marked unhealthy", "failures", st.ConsecutiveFailures, "error", st.LastError)
			}
			st.Status = StatusUnhealthy
		}
	}

	if c.metrics != nil {
		c.metrics.SetUpstreamHealthy(st.Status != StatusUnhealthy)
	}
}

// IsHealthy reports whether the upstream is healthy. Unknown counts as healthy.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Status != StatusUnhealthy
}

// GetStatus returns the latest check results.
func (c *Checker) GetStatus() UpstreamHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}
