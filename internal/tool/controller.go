package tool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ixpanel/ixpanel/internal/config"
	"github.com/ixpanel/ixpanel/internal/ixapi"
	"github.com/ixpanel/ixpanel/internal/jobs"
	"github.com/ixpanel/ixpanel/internal/metrics"
	"github.com/ixpanel/ixpanel/internal/perm"
	"github.com/ixpanel/ixpanel/internal/session"
)

// Controller is the lifecycle shared by every tool. Sync always re-evaluates
// visibility from the current selection and grants and re-fetches.
type Controller interface {
	Name() string
	Activate()
	Sync(ctx context.Context) error
	Show()
	Hide()
	Visible() bool
	Active() bool
	// View returns a snapshot of the tool's presentable state.
	View() interface{}
}

// Client is the part of the ixctl API the tools use. *ixapi.Client
// implements it.
type Client interface {
	jobs.Client

	CreateExchange(ctx context.Context, req ixapi.ExchangeRequest) (ixapi.Exchange, error)
	ImportExchange(ctx context.Context, pdbID int) (ixapi.Exchange, error)
	UpdateExchange(ctx context.Context, slug string, req ixapi.ExchangeRequest) (ixapi.Exchange, error)
	DeleteExchange(ctx context.Context, slug string) error
	ListMembers(ctx context.Context, slug string) ([]ixapi.Member, error)
	GetMember(ctx context.Context, slug string, id int) (ixapi.Member, error)
	ListRouteservers(ctx context.Context, slug string) ([]ixapi.Routeserver, error)
	ListNetworkPresence(ctx context.Context, asn int) ([]ixapi.NetworkPresence, error)
	ExchangeTraffic(ctx context.Context, slug string, r ixapi.TrafficRange) ([]ixapi.TrafficPoint, error)

	ExportURL(ex ixapi.Exchange) string
	APIViewURL(collection, slug string) string
	ConfigURL(slug, rsName string) string
}

// Deps are handed to every tool at construction. There is no ambient
// global state.
type Deps struct {
	Session *session.Context
	Gate    *perm.Gate
	Client  Client
	Metrics *metrics.Collector
	Polling config.PollingConfig
	Org     string
	OrgID   int
}

// ErrNoExchange is returned by actions that need a selected exchange.
var ErrNoExchange = errors.New("no exchange selected")

// ErrForbidden is returned by actions the principal's grants do not allow.
var ErrForbidden = errors.New("not permitted")

// base implements the visibility and activation machine shared by all
// variants. Every state change made on behalf of a sync happens under mu
// and only while the sync's ticket is still valid.
type base struct {
	name string
	deps Deps

	mu      sync.Mutex
	active  bool
	visible bool
	// exchangeID is the exchange the variant state was loaded for.
	exchangeID int
	// reset clears variant state; called with mu held when the tool hides
	// or the selection moves to another exchange.
	reset func()
}

func (b *base) Name() string {
	return b.name
}

func (b *base) Activate() {
	b.mu.Lock()
	b.active = true
	b.mu.Unlock()
}

func (b *base) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

func (b *base) Visible() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.visible
}

func (b *base) Show() {
	b.mu.Lock()
	b.setVisibleLocked(true)
	b.mu.Unlock()
}

func (b *base) Hide() {
	b.mu.Lock()
	b.setVisibleLocked(false)
	b.mu.Unlock()
}

func (b *base) setVisibleLocked(v bool) {
	if !v {
		b.resetLocked(0)
	}
	if b.visible == v {
		return
	}
	b.visible = v
	if b.deps.Metrics != nil {
		b.deps.Metrics.SetToolVisible(b.name, v)
	}
	slog.Debug("tool visibility changed", "tool", b.name, "visible", v)
}

func (b *base) resetLocked(exchangeID int) {
	if b.reset != nil {
		b.reset()
	}
	b.exchangeID = exchangeID
}

// begin runs the first two steps of every sync: no selection or no read
// grant on the tool's namespace hides the tool. State loaded for another
// exchange is dropped before the fetch, so a failed fetch leaves the tool
// empty. It reports whether the caller should go on to fetch.
func (b *base) begin(namespace func(ixapi.Exchange) perm.Token) (session.Selection, bool) {
	sel := b.deps.Session.Snapshot()
	visible := sel.OK && b.deps.Gate.Check(namespace(sel.Exchange), perm.Read)

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.deps.Session.Valid(sel.Ticket) {
		// a newer selection has its own sync underway
		b.record(metrics.SyncStale, time.Time{})
		return sel, false
	}
	b.setVisibleLocked(visible)
	if !visible {
		b.record(metrics.SyncHidden, time.Time{})
		return sel, false
	}
	if b.exchangeID != sel.Ticket.ExchangeID {
		b.resetLocked(sel.Ticket.ExchangeID)
	}
	return sel, true
}

// apply runs fn under the tool lock if t is still the current selection.
// A late response is counted and dropped.
func (b *base) apply(t session.Ticket, start time.Time, fn func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.deps.Session.Valid(t) {
		slog.Debug("dropping stale response", "tool", b.name, "exchange", t.ExchangeID)
		b.record(metrics.SyncStale, start)
		return false
	}
	fn()
	b.record(metrics.SyncApplied, start)
	return true
}

func (b *base) failed(err error) {
	slog.Warn("tool fetch failed", "tool", b.name, "error", err)
	if b.deps.Metrics != nil {
		b.deps.Metrics.FetchError(b.name)
		b.deps.Metrics.ToolSynced(b.name, metrics.SyncError, 0)
	}
}

func (b *base) record(result string, start time.Time) {
	if b.deps.Metrics == nil {
		return
	}
	var d time.Duration
	if !start.IsZero() {
		d = time.Since(start)
	}
	b.deps.Metrics.ToolSynced(b.name, result, d)
}

func (b *base) can(t perm.Token, a perm.Action) bool {
	return b.deps.Gate.Check(t, a)
}

func exchangeToken(ex ixapi.Exchange) perm.Token {
	return perm.ParseToken(ex.Grainy)
}
