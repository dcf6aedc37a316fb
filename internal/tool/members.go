package tool

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ixpanel/ixpanel/internal/ixapi"
	"github.com/ixpanel/ixpanel/internal/perm"
)

// MemberRow is a member with its derived flags and per-row affordances.
type MemberRow struct {
	ixapi.Member
	Active    bool `json:"active"`
	HasMD5    bool `json:"has_md5"`
	CanEdit   bool `json:"can_edit"`
	CanDelete bool `json:"can_delete"`
}

// MemberFilter narrows the rows a MembersView shows. NonActive keeps only
// members that are not active, MD5 keeps only members with an md5 set and
// ASN keeps members whose ASN starts with the given digits.
type MemberFilter struct {
	NonActive bool   `json:"non_active"`
	MD5       bool   `json:"md5"`
	ASN       string `json:"asn,omitempty"`
}

// MembersView is the presentable state of the member list.
type MembersView struct {
	Visible        bool         `json:"visible"`
	Exchange       string       `json:"exchange,omitempty"`
	Rows           []MemberRow  `json:"rows"`
	Total          int          `json:"total"`
	NonActiveCount int          `json:"non_active_count"`
	MD5Count       int          `json:"md5_count"`
	ExportURL      string       `json:"export_url,omitempty"`
	APIViewURL     string       `json:"api_view_url,omitempty"`
	CanCreate      bool         `json:"can_create"`
	CanExport      bool         `json:"can_export"`
	Filter         MemberFilter `json:"filter"`
}

// Members lists the members of the selected exchange.
type Members struct {
	base

	rows      []MemberRow
	slug      string
	exportURL string
	apiURL    string
	canCreate bool
	filter    MemberFilter
}

// NewMembers creates the member list tool.
func NewMembers(deps Deps) *Members {
	m := &Members{base: base{name: "members", deps: deps}}
	m.reset = m.clearLocked
	return m
}

func (m *Members) clearLocked() {
	m.rows = nil
	m.slug = ""
	m.exportURL = ""
	m.apiURL = ""
	m.canCreate = false
}

// Sync re-fetches the member list of the selected exchange.
func (m *Members) Sync(ctx context.Context) error {
	sel, ok := m.begin(exchangeToken)
	if !ok {
		return nil
	}

	start := time.Now()
	ex := sel.Exchange
	members, err := m.deps.Client.ListMembers(ctx, ex.Slug)
	if err != nil {
		m.failed(err)
		return fmt.Errorf("loading members of %s: %w", ex.Slug, err)
	}

	rows := make([]MemberRow, 0, len(members))
	for _, mem := range members {
		tok := perm.ParseToken(mem.Grainy)
		rows = append(rows, MemberRow{
			Member:    mem,
			Active:    memberActive(mem),
			HasMD5:    mem.MD5 != nil,
			CanEdit:   m.can(tok.Field(), perm.Update),
			CanDelete: m.can(tok, perm.Delete),
		})
	}
	canCreate := m.can(exchangeToken(ex), perm.Create)
	exportURL := m.deps.Client.ExportURL(ex)
	apiURL := m.deps.Client.APIViewURL("member", ex.Slug)

	m.apply(sel.Ticket, start, func() {
		m.rows = rows
		m.slug = ex.Slug
		m.exportURL = exportURL
		m.apiURL = apiURL
		m.canCreate = canCreate
	})
	return nil
}

func memberActive(mem ixapi.Member) bool {
	return mem.IXFState == "active" || mem.Port != nil
}

// SetFilter replaces the row filter and returns the filtered view.
func (m *Members) SetFilter(f MemberFilter) MembersView {
	m.mu.Lock()
	m.filter = f
	m.mu.Unlock()
	return m.view()
}

// View implements Controller.
func (m *Members) View() interface{} {
	return m.view()
}

func (m *Members) view() MembersView {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := MembersView{
		Visible:    m.visible,
		Exchange:   m.slug,
		Rows:       []MemberRow{},
		Total:      len(m.rows),
		ExportURL:  m.exportURL,
		APIViewURL: m.apiURL,
		CanCreate:  m.canCreate,
		CanExport:  m.canCreate,
		Filter:     m.filter,
	}
	for _, r := range m.rows {
		if !r.Active {
			v.NonActiveCount++
		}
		if r.HasMD5 {
			v.MD5Count++
		}
		if m.filter.keep(r) {
			v.Rows = append(v.Rows, r)
		}
	}
	return v
}

func (f MemberFilter) keep(r MemberRow) bool {
	if f.NonActive && r.Active {
		return false
	}
	if f.MD5 && !r.HasMD5 {
		return false
	}
	if f.ASN != "" && !strings.HasPrefix(strconv.Itoa(r.ASN), strings.TrimPrefix(strings.ToUpper(f.ASN), "AS")) {
		return false
	}
	return true
}
