package tool

import (
	"context"
	"fmt"
	"time"

	"github.com/ixpanel/ixpanel/internal/ixapi"
	"github.com/ixpanel/ixpanel/internal/session"
)

// Access levels reported for a network presence.
const (
	AccessDenied  = "denied"
	AccessPending = "pending"
	AccessView    = "view"
	AccessManage  = "manage"
)

// PresenceRow is one exchange an ASN is present at, with the link the
// principal may follow there.
type PresenceRow struct {
	ixapi.NetworkPresence
	Link       string `json:"link,omitempty"`
	Label      string `json:"label,omitempty"`
	CanRequest bool   `json:"can_request"`
}

// NetworksView is the presentable state of the networks tool.
type NetworksView struct {
	Visible bool          `json:"visible"`
	ASN     int           `json:"asn,omitempty"`
	Rows    []PresenceRow `json:"rows"`
}

// Networks shows where a network (ASN tab) is present and what access the
// principal has there.
type Networks struct {
	base

	asn  int
	rows []PresenceRow
}

// NewNetworks creates the networks tool.
func NewNetworks(deps Deps) *Networks {
	n := &Networks{base: base{name: "networks", deps: deps}}
	n.reset = func() { n.rows = nil }
	return n
}

// Tab switches to the given ASN and loads its presence.
func (n *Networks) Tab(ctx context.Context, asn int) (NetworksView, error) {
	n.mu.Lock()
	n.asn = asn
	n.rows = nil
	n.mu.Unlock()
	err := n.Sync(ctx)
	return n.view(), err
}

// Sync reloads the current tab, if one is open.
func (n *Networks) Sync(ctx context.Context) error {
	sel, ok := n.begin(exchangeToken)
	if !ok {
		return nil
	}
	n.mu.Lock()
	asn := n.asn
	n.mu.Unlock()
	if asn == 0 {
		return nil
	}

	start := time.Now()
	list, err := n.deps.Client.ListNetworkPresence(ctx, asn)
	if err != nil {
		n.failed(err)
		return fmt.Errorf("loading presence of AS%d: %w", asn, err)
	}

	rows := make([]PresenceRow, 0, len(list))
	for _, p := range list {
		rows = append(rows, presenceRow(p))
	}
	n.apply(sel.Ticket, start, func() {
		if n.asn == asn {
			n.rows = rows
		}
	})
	return nil
}

func presenceRow(p ixapi.NetworkPresence) PresenceRow {
	row := PresenceRow{NetworkPresence: p}
	switch p.Access {
	case AccessDenied:
		row.CanRequest = true
		row.Label = "Request Access"
	case AccessPending:
		row.Label = "Pending"
	case AccessView:
		row.Link = session.OrgPath(p.Org, p.IX)
		row.Label = fmt.Sprintf("View AS%d at %s", p.ASN, p.IXName)
	case AccessManage:
		row.Link = session.OrgPath(p.Org, p.IX)
		row.Label = fmt.Sprintf("Manage AS%d at %s", p.ASN, p.IXName)
	default:
		row.Label = p.Access
	}
	return row
}

// View implements Controller.
func (n *Networks) View() interface{} {
	return n.view()
}

func (n *Networks) view() NetworksView {
	n.mu.Lock()
	defer n.mu.Unlock()
	rows := make([]PresenceRow, len(n.rows))
	copy(rows, n.rows)
	return NetworksView{Visible: n.visible, ASN: n.asn, Rows: rows}
}
