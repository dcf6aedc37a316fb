package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/ixpanel/ixpanel/internal/ixapi"
)

// Lister fetches the exchanges visible to the principal.
type Lister interface {
	ListExchanges(ctx context.Context) ([]ixapi.Exchange, error)
}

// Ticket identifies the selection a request was issued under. A response
// must only be applied while its ticket is still valid.
type Ticket struct {
	ExchangeID int
	epoch      uint64
}

// Selection is a consistent snapshot of the selected exchange.
type Selection struct {
	Ticket   Ticket
	Exchange ixapi.Exchange
	OK       bool
}

// Change is delivered to subscribers after every selection.
type Change struct {
	Previous int
	Current  int
	Ticket   Ticket
}

type subscriber struct {
	id int
	fn func(Change)
}

// Context owns the exchange table and the selection. It is the only
// component that mutates either.
type Context struct {
	mu        sync.RWMutex
	org       string
	lister    Lister
	exchanges []ixapi.Exchange
	index     map[int]int
	selected  int
	epoch     uint64
	preselect int
	loc       *Location

	subMu   sync.Mutex
	subs    []subscriber
	nextSub int
}

// New creates a Context for org. If loc carries ?ix=<id>, that id is
// consumed as the preselection for Start and removed from the location.
func New(org string, lister Lister, loc *Location) *Context {
	if loc == nil {
		loc = NewLocation("/" + org + "/")
	}
	c := &Context{
		org:    org,
		lister: lister,
		index:  make(map[int]int),
		loc:    loc,
	}
	if id := loc.IntParam(ParamExchange); id > 0 {
		c.preselect = id
		loc.DelParam(ParamExchange)
	}
	return c
}

// Location returns the outward location side channel.
func (c *Context) Location() *Location {
	return c.loc
}

// Subscribe registers fn for selection changes. Subscribers run in
// registration order after the selection has been updated.
func (c *Context) Subscribe(fn func(Change)) (unsubscribe func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.subs = append(c.subs, subscriber{id: id, fn: fn})
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// Start loads the exchange table and applies the preselection, if any.
func (c *Context) Start(ctx context.Context) error {
	if err := c.load(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	id := c.preselect
	c.preselect = 0
	c.mu.Unlock()
	c.Select(id)
	return nil
}

// Load fetches the exchange table. A transport failure is returned as is
// and leaves the previous table untouched. If the current selection no
// longer exists it is re-derived with the fallback rule.
func (c *Context) Load(ctx context.Context) error {
	if err := c.load(ctx); err != nil {
		return err
	}
	c.mu.RLock()
	_, ok := c.index[c.selected]
	stale := c.selected != 0 && !ok
	c.mu.RUnlock()
	if stale {
		c.Select(0)
	}
	return nil
}

func (c *Context) load(ctx context.Context) error {
	exchanges, err := c.lister.ListExchanges(ctx)
	if err != nil {
		return fmt.Errorf("loading exchanges: %w", err)
	}
	// Stable fallback order regardless of how the server sorted.
	sort.SliceStable(exchanges, func(i, j int) bool { return exchanges[i].ID < exchanges[j].ID })

	index := make(map[int]int, len(exchanges))
	for i, ex := range exchanges {
		index[ex.ID] = i
	}

	c.mu.Lock()
	c.exchanges = exchanges
	c.index = index
	c.mu.Unlock()

	slog.Debug("exchanges loaded", "org", c.org, "count", len(exchanges))
	return nil
}

// Refresh reloads the table and keeps the previous selection when it still
// exists, falling back otherwise.
func (c *Context) Refresh(ctx context.Context) error {
	prev := c.Current()
	if err := c.load(ctx); err != nil {
		return err
	}
	c.Select(prev)
	return nil
}

// Select sets the selection. id 0 means "none requested": the first
// exchange is selected, or none when the table is empty. An id that is not
// in the table is treated exactly like 0.
func (c *Context) Select(id int) {
	c.mu.Lock()
	prev := c.selected
	next := c.resolveLocked(id)
	c.selected = next
	c.epoch++
	ticket := Ticket{ExchangeID: next, epoch: c.epoch}
	c.mu.Unlock()

	if id != 0 && next != id {
		slog.Debug("selection fell back", "requested", id, "selected", next)
	}

	c.notify(Change{Previous: prev, Current: next, Ticket: ticket})
	c.syncPath()
}

// syncPath writes the path of whatever is selected now. An overlapping
// Select may have moved on while subscribers ran.
func (c *Context) syncPath() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.loc.SetPath(c.pathLocked())
}

func (c *Context) resolveLocked(id int) int {
	if _, ok := c.index[id]; ok && id != 0 {
		return id
	}
	if len(c.exchanges) == 0 {
		return 0
	}
	return c.exchanges[0].ID
}

func (c *Context) pathLocked() string {
	if i, ok := c.index[c.selected]; ok && c.selected != 0 {
		return "/" + c.org + "/" + c.exchanges[i].Slug + "/"
	}
	return "/" + c.org + "/"
}

func (c *Context) notify(ch Change) {
	c.subMu.Lock()
	subs := make([]subscriber, len(c.subs))
	copy(subs, c.subs)
	c.subMu.Unlock()

	for _, s := range subs {
		s.fn(ch)
	}
}

// Unload removes an exchange from the table, typically after it was
// deleted. If it was selected the selection is re-derived.
func (c *Context) Unload(id int) {
	c.mu.Lock()
	i, ok := c.index[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	exchanges := make([]ixapi.Exchange, 0, len(c.exchanges)-1)
	exchanges = append(exchanges, c.exchanges[:i]...)
	exchanges = append(exchanges, c.exchanges[i+1:]...)
	index := make(map[int]int, len(exchanges))
	for j, ex := range exchanges {
		index[ex.ID] = j
	}
	c.exchanges = exchanges
	c.index = index
	wasSelected := c.selected == id
	c.mu.Unlock()

	slog.Info("exchange unloaded", "exchange", id)
	if wasSelected {
		c.Select(0)
	}
}

// Current returns the selected exchange id, 0 when none is selected.
func (c *Context) Current() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selected
}

// Object returns the selected exchange record.
func (c *Context) Object() (ixapi.Exchange, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.objectLocked()
}

func (c *Context) objectLocked() (ixapi.Exchange, bool) {
	i, ok := c.index[c.selected]
	if !ok || c.selected == 0 {
		return ixapi.Exchange{}, false
	}
	return c.exchanges[i], true
}

// Slug returns the selected exchange's slug.
func (c *Context) Slug() (string, bool) {
	ex, ok := c.Object()
	return ex.Slug, ok
}

// URLKey returns the selected exchange's export secret.
func (c *Context) URLKey() (string, bool) {
	ex, ok := c.Object()
	return ex.URLKey, ok
}

// Exchange resolves an exchange by id.
func (c *Context) Exchange(id int) (ixapi.Exchange, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.index[id]
	if !ok {
		return ixapi.Exchange{}, false
	}
	return c.exchanges[i], true
}

// Exchanges returns a copy of the table in fallback order.
func (c *Context) Exchanges() []ixapi.Exchange {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ixapi.Exchange, len(c.exchanges))
	copy(out, c.exchanges)
	return out
}

// Empty reports the degenerate "no exchange" state.
func (c *Context) Empty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.exchanges) == 0
}

// Snapshot returns the selection and its ticket atomically.
func (c *Context) Snapshot() Selection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ex, ok := c.objectLocked()
	return Selection{
		Ticket:   Ticket{ExchangeID: c.selected, epoch: c.epoch},
		Exchange: ex,
		OK:       ok,
	}
}

// Valid reports whether t still describes the current selection. Responses
// issued under an invalid ticket must be discarded.
func (c *Context) Valid(t Ticket) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return t.epoch == c.epoch && t.ExchangeID == c.selected
}

// OrgPath returns the org root path, with ?ix=<id> when id is set.
func OrgPath(org string, id int) string {
	if id == 0 {
		return "/" + org + "/"
	}
	return "/" + org + "/?" + ParamExchange + "=" + strconv.Itoa(id)
}
