package tool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ixpanel/ixpanel/internal/ixapi"
	"github.com/ixpanel/ixpanel/internal/perm"
)

// SettingsView is the presentable state of the exchange settings tool.
type SettingsView struct {
	Visible   bool            `json:"visible"`
	Exchange  *ixapi.Exchange `json:"exchange,omitempty"`
	CanEdit   bool            `json:"can_edit"`
	CanDelete bool            `json:"can_delete"`
}

// Settings edits and deletes the selected exchange. It needs no fetch of
// its own: the record comes from the session's table.
type Settings struct {
	base

	exchange  *ixapi.Exchange
	canEdit   bool
	canDelete bool
}

// NewSettings creates the settings tool.
func NewSettings(deps Deps) *Settings {
	s := &Settings{base: base{name: "settings", deps: deps}}
	s.reset = func() {
		s.exchange = nil
		s.canEdit = false
		s.canDelete = false
	}
	return s
}

// Sync re-evaluates the affordances for the selected exchange.
func (s *Settings) Sync(ctx context.Context) error {
	sel, ok := s.begin(exchangeToken)
	if !ok {
		return nil
	}
	ex := sel.Exchange
	tok := exchangeToken(ex)
	canEdit := s.can(tok, perm.Update)
	canDelete := s.can(tok, perm.Delete)

	s.apply(sel.Ticket, time.Now(), func() {
		s.exchange = &ex
		s.canEdit = canEdit
		s.canDelete = canDelete
	})
	return nil
}

// Update writes changed settings for the selected exchange, reloads the
// exchange table and reselects the exchange.
func (s *Settings) Update(ctx context.Context, req ixapi.ExchangeRequest) (ixapi.Exchange, error) {
	ex, ok := s.deps.Session.Object()
	if !ok {
		return ixapi.Exchange{}, ErrNoExchange
	}
	if !s.can(exchangeToken(ex), perm.Update) {
		return ixapi.Exchange{}, fmt.Errorf("%w: update %s", ErrForbidden, ex.Slug)
	}

	updated, err := s.deps.Client.UpdateExchange(ctx, ex.Slug, req)
	if err != nil {
		return ixapi.Exchange{}, fmt.Errorf("updating exchange %s: %w", ex.Slug, err)
	}
	slog.Info("exchange updated", "exchange", ex.ID, "slug", updated.Slug)

	if err := s.deps.Session.Refresh(ctx); err != nil {
		return updated, err
	}
	s.deps.Session.Select(ex.ID)
	return updated, nil
}

// Delete removes the selected exchange, reloads the table, unloads the
// exchange and falls back to the first remaining one.
func (s *Settings) Delete(ctx context.Context) error {
	ex, ok := s.deps.Session.Object()
	if !ok {
		return ErrNoExchange
	}
	if !s.can(exchangeToken(ex), perm.Delete) {
		return fmt.Errorf("%w: delete %s", ErrForbidden, ex.Slug)
	}

	if err := s.deps.Client.DeleteExchange(ctx, ex.Slug); err != nil {
		return fmt.Errorf("deleting exchange %s: %w", ex.Slug, err)
	}
	slog.Info("exchange deleted", "exchange", ex.ID, "slug", ex.Slug)

	if err := s.deps.Session.Refresh(ctx); err != nil {
		return err
	}
	s.deps.Session.Unload(ex.ID)
	s.deps.Session.Select(0)
	return nil
}

// View implements Controller.
func (s *Settings) View() interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SettingsView{
		Visible:   s.visible,
		Exchange:  s.exchange,
		CanEdit:   s.canEdit,
		CanDelete: s.canDelete,
	}
}
