package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/ixpanel/ixpanel/internal/config"
	"github.com/ixpanel/ixpanel/internal/ixapi"
	"github.com/ixpanel/ixpanel/internal/perm"
	"github.com/ixpanel/ixpanel/internal/session"
)

// State is the application level view: the selection and the degenerate
// "no exchange" state with the affordances to leave it.
type State struct {
	Org               string          `json:"org"`
	Selected          int             `json:"selected"`
	Exchange          *ixapi.Exchange `json:"exchange,omitempty"`
	Exchanges         int             `json:"exchanges"`
	NoExchange        bool            `json:"no_exchange"`
	MultipleExchanges bool            `json:"multiple_exchanges"`
	Unverified        bool            `json:"unverified"`
	CanCreateExchange bool            `json:"can_create_exchange"`
	CanImportExchange bool            `json:"can_import_exchange"`
	Location          string          `json:"location"`
}

// App owns the tools and keeps them in step with the session.
type App struct {
	deps         Deps
	reloadGrants func(context.Context) error

	Members       *Members
	Routeservers  *Routeservers
	Settings      *Settings
	Networks      *Networks
	MemberDetails *MemberDetails
	Traffic       *Traffic

	tools  []Controller
	byName map[string]Controller

	unsubscribe func()
}

// AppOption configures an App.
type AppOption func(*App)

// WithGrantsReload sets the function used to refresh the principal's
// grants after an exchange is created or imported.
func WithGrantsReload(fn func(context.Context) error) AppOption {
	return func(a *App) {
		a.reloadGrants = fn
	}
}

// NewApp registers every tool, activates the ones that are always on and
// subscribes to selection changes.
func NewApp(deps Deps, opts ...AppOption) *App {
	a := &App{
		deps:          deps,
		Members:       NewMembers(deps),
		Routeservers:  NewRouteservers(deps),
		Settings:      NewSettings(deps),
		Networks:      NewNetworks(deps),
		MemberDetails: NewMemberDetails(deps),
		Traffic:       NewTraffic(deps),
		byName:        make(map[string]Controller),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.register(a.Members, a.Routeservers, a.Settings, a.Networks, a.MemberDetails, a.Traffic)
	a.Members.Activate()
	a.Routeservers.Activate()
	a.Settings.Activate()

	a.unsubscribe = deps.Session.Subscribe(a.onChange)
	return a
}

func (a *App) register(tools ...Controller) {
	for _, t := range tools {
		a.tools = append(a.tools, t)
		a.byName[t.Name()] = t
	}
}

func (a *App) onChange(ch session.Change) {
	if a.deps.Metrics != nil {
		a.deps.Metrics.SelectionChanged()
		a.deps.Metrics.SetExchanges(len(a.deps.Session.Exchanges()))
	}
	slog.Debug("exchange selected", "previous", ch.Previous, "current", ch.Current)
	if err := a.SyncAll(context.Background()); err != nil {
		slog.Warn("tool sync failed", "exchange", ch.Current, "error", err)
	}
}

// Start loads the exchange table and applies the preselection. The
// resulting selection syncs every active tool.
func (a *App) Start(ctx context.Context) error {
	return a.deps.Session.Start(ctx)
}

// Close detaches from the session and stops all job polling.
func (a *App) Close() {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	a.Routeservers.Close()
}

// Tools returns the tools in registration order.
func (a *App) Tools() []Controller {
	out := make([]Controller, len(a.tools))
	copy(out, a.tools)
	return out
}

// Tool looks a tool up by name.
func (a *App) Tool(name string) (Controller, bool) {
	t, ok := a.byName[name]
	return t, ok
}

// SyncAll syncs every active tool concurrently and waits for all of them.
func (a *App) SyncAll(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, t := range a.tools {
		if !t.Active() {
			continue
		}
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := t.Sync(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// orgToken is the namespace exchanges are created under.
func (a *App) orgToken() perm.Token {
	return perm.Token{Path: []string{"ix", strconv.Itoa(a.deps.OrgID)}}
}

// State returns the application level state.
func (a *App) State() State {
	sel := a.deps.Session.Snapshot()
	n := len(a.deps.Session.Exchanges())
	canCreate := a.deps.Gate.Check(a.orgToken(), perm.Create)

	st := State{
		Org:               a.deps.Org,
		Selected:          sel.Ticket.ExchangeID,
		Exchanges:         n,
		NoExchange:        n == 0,
		MultipleExchanges: n > 1,
		CanCreateExchange: canCreate,
		CanImportExchange: canCreate,
		Location:          a.deps.Session.Location().String(),
	}
	if sel.OK {
		ex := sel.Exchange
		st.Exchange = &ex
		st.Unverified = !ex.Verified
	}
	return st
}

// CreateExchange creates an exchange and selects it.
func (a *App) CreateExchange(ctx context.Context, req ixapi.ExchangeRequest) (ixapi.Exchange, error) {
	if !a.deps.Gate.Check(a.orgToken(), perm.Create) {
		return ixapi.Exchange{}, fmt.Errorf("%w: create exchange", ErrForbidden)
	}
	ex, err := a.deps.Client.CreateExchange(ctx, req)
	if err != nil {
		return ixapi.Exchange{}, fmt.Errorf("creating exchange: %w", err)
	}
	slog.Info("exchange created", "exchange", ex.ID, "slug", ex.Slug)
	return ex, a.adopt(ctx, ex)
}

// ImportExchange imports an exchange from PeeringDB and selects it.
func (a *App) ImportExchange(ctx context.Context, pdbID int) (ixapi.Exchange, error) {
	if !a.deps.Gate.Check(a.orgToken(), perm.Create) {
		return ixapi.Exchange{}, fmt.Errorf("%w: import exchange", ErrForbidden)
	}
	ex, err := a.deps.Client.ImportExchange(ctx, pdbID)
	if err != nil {
		return ixapi.Exchange{}, fmt.Errorf("importing exchange %d: %w", pdbID, err)
	}
	slog.Info("exchange imported", "exchange", ex.ID, "slug", ex.Slug, "pdb_id", pdbID)
	return ex, a.adopt(ctx, ex)
}

// adopt makes a newly created exchange visible: grants first, so the tools
// synced by the selection already see the new namespace.
func (a *App) adopt(ctx context.Context, ex ixapi.Exchange) error {
	if a.reloadGrants != nil {
		if err := a.reloadGrants(ctx); err != nil {
			slog.Warn("grant reload failed", "error", err)
		}
	}
	if err := a.deps.Session.Load(ctx); err != nil {
		return err
	}
	a.deps.Session.Select(ex.ID)
	return nil
}

// SetPolling applies new job polling bounds. Running pollers keep theirs
// until the route server list is next loaded.
func (a *App) SetPolling(p config.PollingConfig) {
	a.Routeservers.SetPolling(p)
}

// ReloadGrants refreshes the grants and re-syncs every active tool so
// visibility follows the new grant set.
func (a *App) ReloadGrants(ctx context.Context) error {
	if a.reloadGrants != nil {
		if err := a.reloadGrants(ctx); err != nil {
			return err
		}
	}
	return a.SyncAll(ctx)
}
