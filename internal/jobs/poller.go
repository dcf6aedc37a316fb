package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ixpanel/ixpanel/internal/config"
	"github.com/ixpanel/ixpanel/internal/ixapi"
	"github.com/ixpanel/ixpanel/internal/metrics"
)

// Client is the part of the collaborator API a poller needs.
type Client interface {
	GetRouteserver(ctx context.Context, slug string, id int) (ixapi.Routeserver, error)
	GenerateRouteserverConfig(ctx context.Context, slug, name string) error
}

// Target identifies the route server row a poller is bound to.
type Target struct {
	Slug string
	ID   int
	Name string
}

// Badge is the presentable state of a poller.
type Badge struct {
	RouteserverID int        `json:"routeserver_id"`
	Name          string     `json:"name"`
	Status        Status     `json:"status"`
	Summary       string     `json:"summary,omitempty"`
	Detail        string     `json:"detail,omitempty"`
	Generated     *time.Time `json:"generated,omitempty"`
	Polling       bool       `json:"polling"`
}

// Poller tracks the config generation job of exactly one route server.
// While the job is queued or generating it re-fetches the row on a fixed
// interval, at most MaxPolls times per generate request.
type Poller struct {
	mu        sync.Mutex
	target    Target
	client    Client
	metrics   *metrics.Collector
	onChange  func(Badge)
	interval  time.Duration
	maxPolls  int
	status    Status
	detail    string
	generated *time.Time
	// generation is bumped by every accepted generate request so that a
	// refresh issued before it cannot overwrite the new queued state.
	generation uint64
	polls      int
	polling    bool
	stopped    bool

	// kick wakes the polling loop when the job turns terminal.
	kick     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a poller for target. onChange, when set, is called outside
// the poller's lock after every applied status change.
func New(target Target, client Client, m *metrics.Collector, pcfg config.PollingConfig, onChange func(Badge)) *Poller {
	interval := pcfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		target:   target,
		client:   client,
		metrics:  m,
		onChange: onChange,
		interval: interval,
		maxPolls: pcfg.MaxPolls,
		kick:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Target returns the route server the poller is bound to.
func (p *Poller) Target() Target {
	return p.target
}

// Status returns the current job status.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Badge returns a snapshot of the presentable state.
func (p *Poller) Badge() Badge {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.badgeLocked()
}

func (p *Poller) badgeLocked() Badge {
	b := Badge{
		RouteserverID: p.target.ID,
		Name:          p.target.Name,
		Status:        p.status,
		Generated:     p.generated,
		Polling:       p.polling,
	}
	if p.status == StatusError {
		b.Detail = p.detail
		b.Summary = Summary(p.detail)
	}
	return b
}

// Observe seeds the poller from a route server row. Observations are
// ignored once the job is terminal.
func (p *Poller) Observe(rs ixapi.Routeserver) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	changed := p.applyLocked(rs)
	b := p.badgeLocked()
	p.mu.Unlock()

	if changed {
		p.changed(b)
	}
}

// Start begins polling if the job is queued or generating.
func (p *Poller) Start() {
	p.mu.Lock()
	start := p.startLocked()
	p.mu.Unlock()
	if start {
		go p.run()
	}
}

func (p *Poller) startLocked() bool {
	if p.stopped || p.polling || !p.pollable() {
		return false
	}
	p.polling = true
	p.wg.Add(1)
	return true
}

func (p *Poller) pollable() bool {
	return p.status == StatusQueued || p.status == StatusGenerating
}

// Stop tears the poller down for good. No further requests are issued and
// responses still in flight are discarded. Safe to call multiple times.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.polling = false
		p.mu.Unlock()
		close(p.stopCh)
		if p.metrics != nil {
			p.metrics.RemoveRouteserver(p.label())
		}
	})
}

// Wait blocks until the polling goroutine, if any, has exited.
func (p *Poller) Wait() {
	p.wg.Wait()
}

// Generate asks the collaborator to regenerate the config. On failure the
// state is left as it was and the error is returned. On success the job is
// queued, its status re-fetched right away and polling restarted.
func (p *Poller) Generate(ctx context.Context) error {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	if err := p.client.GenerateRouteserverConfig(ctx, p.target.Slug, p.target.Name); err != nil {
		return fmt.Errorf("generating config for route server %d: %w", p.target.ID, err)
	}
	if err := p.Requeue(ctx); err != nil {
		if errors.Is(err, ErrStopped) {
			return ErrStoppedAfterGenerate
		}
		return err
	}
	return nil
}

// Requeue applies a generate request the collaborator has accepted: the
// job is queued, its status re-fetched and polling restarted.
func (p *Poller) Requeue(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	if p.status != StatusQueued {
		if err := transition(p.status, StatusQueued); err != nil {
			p.mu.Unlock()
			return err
		}
		p.status = StatusQueued
	}
	p.detail = ""
	p.generation++
	p.polls = 0
	start := p.startLocked()
	b := p.badgeLocked()
	p.mu.Unlock()

	slog.Info("route server config generation queued", "routeserver", p.target.ID, "name", p.target.Name)
	p.changed(b)
	if start {
		go p.run()
	}

	if err := p.Refresh(ctx); err != nil && !errors.Is(err, ErrStopped) {
		slog.Warn("route server status refresh failed", "routeserver", p.target.ID, "error", err)
	}
	return nil
}

// Refresh re-fetches the poller's own row and applies its status. The
// result is dropped if the poller was stopped or a generate request was
// accepted while the fetch was in flight.
func (p *Poller) Refresh(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	gen := p.generation
	p.mu.Unlock()

	rs, err := p.client.GetRouteserver(ctx, p.target.Slug, p.target.ID)
	if err != nil {
		return fmt.Errorf("refreshing route server %d: %w", p.target.ID, err)
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	if gen != p.generation {
		p.mu.Unlock()
		slog.Debug("dropping stale route server status", "routeserver", p.target.ID)
		return nil
	}
	changed := p.applyLocked(rs)
	b := p.badgeLocked()
	p.mu.Unlock()

	if changed {
		p.changed(b)
	}
	return nil
}

func (p *Poller) applyLocked(rs ixapi.Routeserver) bool {
	next, ok := ParseStatus(rs.Status())
	if !ok {
		slog.Warn("unknown route server config status", "routeserver", p.target.ID, "status", rs.Status())
		return false
	}
	if p.status.Terminal() {
		return false
	}
	if next == p.status {
		p.generated = rs.ConfigGenerated
		return false
	}
	if err := transition(p.status, next); err != nil {
		slog.Debug("ignoring route server status", "routeserver", p.target.ID, "error", err)
		return false
	}
	p.status = next
	p.detail = rs.ErrorText()
	p.generated = rs.ConfigGenerated
	if next.Terminal() && p.polling {
		select {
		case p.kick <- struct{}{}:
		default:
		}
	}
	return true
}

func (p *Poller) changed(b Badge) {
	if p.metrics != nil {
		p.metrics.JobTransition(b.Status.String())
	}
	if b.Status == StatusError {
		slog.Warn("route server config generation failed", "routeserver", b.RouteserverID, "error", b.Summary)
	}
	if p.onChange != nil {
		p.onChange(b)
	}
}

func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if p.metrics != nil {
				p.metrics.JobPolled(p.label())
			}
			if err := p.Refresh(context.Background()); err != nil {
				if errors.Is(err, ErrStopped) {
					return
				}
				slog.Warn("route server status poll failed", "routeserver", p.target.ID, "error", err)
			}
			if !p.continuePolling() {
				return
			}
		case <-p.kick:
			if !p.stillPolling() {
				return
			}
		case <-p.stopCh:
			return
		}
	}
}

func (p *Poller) continuePolling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	switch {
	case p.stopped:
	case !p.pollable():
	case p.maxPolls > 0 && p.polls >= p.maxPolls:
		slog.Warn("route server status polling gave up", "routeserver", p.target.ID, "polls", p.polls, "status", p.status)
	default:
		return true
	}
	p.polling = false
	return false
}

func (p *Poller) stillPolling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || !p.pollable() {
		p.polling = false
		return false
	}
	return true
}

func (p *Poller) label() string {
	return p.target.Slug + "/" + strconv.Itoa(p.target.ID)
}
