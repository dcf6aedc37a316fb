package tool

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ixpanel/ixpanel/internal/config"
	"github.com/ixpanel/ixpanel/internal/ixapi"
	"github.com/ixpanel/ixpanel/internal/jobs"
	"github.com/ixpanel/ixpanel/internal/perm"
	"github.com/ixpanel/ixpanel/internal/session"
)

// ErrUnknownRouteserver is returned for a route server id that is not in
// the loaded list.
var ErrUnknownRouteserver = errors.New("unknown route server")

// RouteserverRow is a route server with its affordances and job badge.
type RouteserverRow struct {
	ixapi.Routeserver
	CanEdit   bool        `json:"can_edit"`
	CanDelete bool        `json:"can_delete"`
	ConfigURL string      `json:"config_url"`
	Badge     *jobs.Badge `json:"badge,omitempty"`
}

// RouteserversView is the presentable state of the route server list.
type RouteserversView struct {
	Visible    bool             `json:"visible"`
	Exchange   string           `json:"exchange,omitempty"`
	Rows       []RouteserverRow `json:"rows"`
	CanCreate  bool             `json:"can_create"`
	APIViewURL string           `json:"api_view_url,omitempty"`
	Editing    int              `json:"editing,omitempty"`
}

type rsRow struct {
	rs        ixapi.Routeserver
	canEdit   bool
	canDelete bool
	configURL string
}

// Routeservers lists the route servers of the selected exchange and owns
// one job poller per row that has a config job.
type Routeservers struct {
	base

	rows      []rsRow
	slug      string
	apiURL    string
	canCreate bool
	pollers   map[int]*jobs.Poller
	editing   int
	// pendingEdit is the ?edit-routeserver id found at activation; it is
	// consumed by the first applied load.
	pendingEdit int
}

// NewRouteservers creates the route server tool.
func NewRouteservers(deps Deps) *Routeservers {
	r := &Routeservers{
		base:    base{name: "routeservers", deps: deps},
		pollers: make(map[int]*jobs.Poller),
	}
	r.reset = r.clearLocked
	return r
}

func (r *Routeservers) clearLocked() {
	r.stopPollersLocked()
	r.rows = nil
	r.slug = ""
	r.apiURL = ""
	r.canCreate = false
	if r.editing != 0 {
		r.editing = 0
		r.deps.Session.Location().DelParam(session.ParamEditRouteserver)
	}
}

func (r *Routeservers) stopPollersLocked() {
	for id, p := range r.pollers {
		p.Stop()
		delete(r.pollers, id)
	}
}

// Activate marks the tool active and picks up a pending edit request from
// the location.
func (r *Routeservers) Activate() {
	r.base.Activate()
	if id := r.deps.Session.Location().IntParam(session.ParamEditRouteserver); id > 0 {
		r.mu.Lock()
		r.pendingEdit = id
		r.mu.Unlock()
	}
}

func routeserverNamespace(ex ixapi.Exchange) perm.Token {
	return exchangeToken(ex).Rebase("ix", "routeserver").Field()
}

// Sync re-fetches the route server list and remounts the job pollers.
func (r *Routeservers) Sync(ctx context.Context) error {
	sel, ok := r.begin(routeserverNamespace)
	if !ok {
		return nil
	}

	start := time.Now()
	ex := sel.Exchange
	list, err := r.deps.Client.ListRouteservers(ctx, ex.Slug)
	if err != nil {
		r.failed(err)
		return fmt.Errorf("loading route servers of %s: %w", ex.Slug, err)
	}

	rows := make([]rsRow, 0, len(list))
	for _, rs := range list {
		tok := perm.ParseToken(rs.Grainy)
		rows = append(rows, rsRow{
			rs:        rs,
			canEdit:   r.can(tok.Field(), perm.Update),
			canDelete: r.can(tok, perm.Delete),
			configURL: r.deps.Client.ConfigURL(ex.Slug, rs.Name),
		})
	}
	canCreate := r.can(exchangeToken(ex), perm.Create)
	apiURL := r.deps.Client.APIViewURL("rs", ex.Slug)

	r.apply(sel.Ticket, start, func() {
		r.stopPollersLocked()
		r.rows = rows
		r.slug = ex.Slug
		r.apiURL = apiURL
		r.canCreate = canCreate
		for _, row := range rows {
			if row.rs.Status() == "" {
				continue
			}
			p := r.newPoller(ex.Slug, row.rs)
			p.Start()
		}
		r.applyEditLocked()
	})
	return nil
}

func (r *Routeservers) newPoller(slug string, rs ixapi.Routeserver) *jobs.Poller {
	p := jobs.New(jobs.Target{Slug: slug, ID: rs.ID, Name: rs.Name}, r.deps.Client, r.deps.Metrics, r.deps.Polling, nil)
	p.Observe(rs)
	r.pollers[rs.ID] = p
	return p
}

func (r *Routeservers) applyEditLocked() {
	if r.pendingEdit != 0 {
		id := r.pendingEdit
		r.pendingEdit = 0
		if _, ok := r.rowLocked(id); ok {
			r.editing = id
		}
		return
	}
	if _, ok := r.rowLocked(r.editing); r.editing != 0 && !ok {
		r.editing = 0
		r.deps.Session.Location().DelParam(session.ParamEditRouteserver)
	}
}

func (r *Routeservers) rowLocked(id int) (rsRow, bool) {
	for _, row := range r.rows {
		if row.rs.ID == id {
			return row, true
		}
	}
	return rsRow{}, false
}

// Generate requests config generation for the route server with the given
// id. The row's poller is created if the row had no job yet.
func (r *Routeservers) Generate(ctx context.Context, id int) (jobs.Badge, error) {
	p, ok := r.pollerFor(id)
	if !ok {
		return jobs.Badge{}, fmt.Errorf("%w: %d", ErrUnknownRouteserver, id)
	}

	err := p.Generate(ctx)
	if !errors.Is(err, jobs.ErrStopped) {
		return p.Badge(), err
	}

	// the list was reloaded while the request was out; the row's current
	// poller takes over
	cur, ok := r.pollerFor(id)
	if !ok {
		if errors.Is(err, jobs.ErrStoppedAfterGenerate) {
			return p.Badge(), nil
		}
		return p.Badge(), err
	}
	if errors.Is(err, jobs.ErrStoppedAfterGenerate) {
		err = cur.Requeue(ctx)
	} else {
		err = cur.Generate(ctx)
	}
	return cur.Badge(), err
}

// pollerFor returns the poller mounted for a listed row, mounting an idle
// one if the row has none.
func (r *Routeservers) pollerFor(id int) (*jobs.Poller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pollers[id]; ok {
		return p, true
	}
	row, ok := r.rowLocked(id)
	if !ok {
		return nil, false
	}
	return r.newPoller(r.slug, row.rs), true
}

// Badge returns the job badge of a route server. A row without a job has
// an empty badge (status none).
func (r *Routeservers) Badge(id int) (jobs.Badge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rowLocked(id)
	if !ok {
		return jobs.Badge{}, fmt.Errorf("%w: %d", ErrUnknownRouteserver, id)
	}
	if p, ok := r.pollers[id]; ok {
		return p.Badge(), nil
	}
	return jobs.Badge{RouteserverID: id, Name: row.rs.Name}, nil
}

// Edit opens the edit view for a route server and records it in the
// location so a reload reopens it.
func (r *Routeservers) Edit(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rowLocked(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownRouteserver, id)
	}
	if !row.canEdit {
		return fmt.Errorf("%w: edit route server %d", ErrForbidden, id)
	}
	r.editing = id
	r.deps.Session.Location().SetParam(session.ParamEditRouteserver, strconv.Itoa(id))
	return nil
}

// CloseEdit leaves the edit view and clears the location parameter.
func (r *Routeservers) CloseEdit() {
	r.mu.Lock()
	r.editing = 0
	r.mu.Unlock()
	r.deps.Session.Location().DelParam(session.ParamEditRouteserver)
}

// SetPolling changes the bounds used by pollers mounted from now on.
func (r *Routeservers) SetPolling(p config.PollingConfig) {
	r.mu.Lock()
	r.deps.Polling = p
	r.mu.Unlock()
}

// Close stops every poller.
func (r *Routeservers) Close() {
	r.mu.Lock()
	r.stopPollersLocked()
	r.mu.Unlock()
}

// View implements Controller.
func (r *Routeservers) View() interface{} {
	return r.view()
}

func (r *Routeservers) view() RouteserversView {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := RouteserversView{
		Visible:    r.visible,
		Exchange:   r.slug,
		Rows:       make([]RouteserverRow, 0, len(r.rows)),
		CanCreate:  r.canCreate,
		APIViewURL: r.apiURL,
		Editing:    r.editing,
	}
	for _, row := range r.rows {
		out := RouteserverRow{
			Routeserver: row.rs,
			CanEdit:     row.canEdit,
			CanDelete:   row.canDelete,
			ConfigURL:   row.configURL,
		}
		if p, ok := r.pollers[row.rs.ID]; ok {
			b := p.Badge()
			out.Badge = &b
		}
		v.Rows = append(v.Rows, out)
	}
	return v
}
