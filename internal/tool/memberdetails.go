package tool

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ixpanel/ixpanel/internal/ixapi"
)

// MemberDetail is a member with the derived fields the detail view shows.
type MemberDetail struct {
	ixapi.Member
	VirtualPortName string `json:"virtual_port_name"`
	DeviceName      string `json:"device_name"`
	PrettySpeed     string `json:"pretty_speed"`
	ASMacroPrepared string `json:"as_macro_prepared"`
}

// MemberDetailsView is the presentable state of the member detail tool.
type MemberDetailsView struct {
	Visible bool          `json:"visible"`
	Member  *MemberDetail `json:"member,omitempty"`
}

// MemberDetails shows one member of the selected exchange.
type MemberDetails struct {
	base

	memberID int
	// memberEx is the exchange memberID belongs to.
	memberEx int
	member   *MemberDetail
}

// NewMemberDetails creates the member detail tool.
func NewMemberDetails(deps Deps) *MemberDetails {
	d := &MemberDetails{base: base{name: "member_details", deps: deps}}
	d.reset = func() { d.member = nil }
	return d
}

// ShowMember loads the member with the given id from the selected exchange.
func (d *MemberDetails) ShowMember(ctx context.Context, id int) (MemberDetailsView, error) {
	ex := d.deps.Session.Current()
	d.mu.Lock()
	d.memberID = id
	d.memberEx = ex
	d.member = nil
	d.mu.Unlock()
	err := d.Sync(ctx)
	return d.view(), err
}

// Sync reloads the shown member, if any. A member shown for another
// exchange is closed.
func (d *MemberDetails) Sync(ctx context.Context) error {
	sel, ok := d.begin(exchangeToken)
	if !ok {
		return nil
	}
	d.mu.Lock()
	if d.memberEx != sel.Ticket.ExchangeID {
		d.memberID = 0
	}
	id := d.memberID
	d.mu.Unlock()
	if id == 0 {
		return nil
	}

	start := time.Now()
	mem, err := d.deps.Client.GetMember(ctx, sel.Exchange.Slug, id)
	if err != nil {
		d.failed(err)
		return fmt.Errorf("loading member %d: %w", id, err)
	}
	detail := memberDetail(mem)
	d.apply(sel.Ticket, start, func() {
		if d.memberID == id && d.memberEx == sel.Ticket.ExchangeID {
			d.member = &detail
		}
	})
	return nil
}

func memberDetail(m ixapi.Member) MemberDetail {
	d := MemberDetail{
		Member:          m,
		VirtualPortName: "No port assigned",
		PrettySpeed:     PrettySpeed(m.Speed),
		ASMacroPrepared: m.ASMacroOverride,
	}
	if m.Port != nil {
		d.VirtualPortName = m.Port.VirtualPortName
		d.DeviceName = m.Port.DeviceName
	}
	if d.ASMacroPrepared == "" {
		d.ASMacroPrepared = m.ASMacro
	}
	return d
}

// PrettySpeed formats a port speed given in Mbit/s.
func PrettySpeed(mbps int) string {
	switch {
	case mbps <= 0:
		return ""
	case mbps >= 1000000:
		return strconv.FormatFloat(float64(mbps)/1000000, 'f', -1, 64) + "T"
	case mbps >= 1000:
		return strconv.FormatFloat(float64(mbps)/1000, 'f', -1, 64) + "G"
	default:
		return strconv.Itoa(mbps) + "M"
	}
}

// View implements Controller.
func (d *MemberDetails) View() interface{} {
	return d.view()
}

func (d *MemberDetails) view() MemberDetailsView {
	d.mu.Lock()
	defer d.mu.Unlock()
	return MemberDetailsView{Visible: d.visible, Member: d.member}
}
