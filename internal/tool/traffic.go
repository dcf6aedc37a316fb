package tool

import (
	"context"
	"fmt"
	"time"

	"github.com/ixpanel/ixpanel/internal/ixapi"
)

// TrafficView is the presentable state of the exchange traffic tool.
type TrafficView struct {
	Visible  bool                 `json:"visible"`
	Exchange string               `json:"exchange,omitempty"`
	Title    string               `json:"title,omitempty"`
	Points   []ixapi.TrafficPoint `json:"points"`
	NoData   bool                 `json:"no_data"`
	End      *time.Time           `json:"end,omitempty"`
	Duration time.Duration        `json:"duration,omitempty"`
}

// Traffic shows the aggregated traffic of the selected exchange.
type Traffic struct {
	base

	rng    ixapi.TrafficRange
	slug   string
	title  string
	points []ixapi.TrafficPoint
	loaded bool
}

// NewTraffic creates the traffic tool.
func NewTraffic(deps Deps) *Traffic {
	t := &Traffic{base: base{name: "traffic", deps: deps}}
	t.reset = func() {
		t.points = nil
		t.slug = ""
		t.title = ""
		t.loaded = false
	}
	return t
}

// SetRange narrows the series to duration ending at end and reloads.
// A zero end restores the server default range.
func (t *Traffic) SetRange(ctx context.Context, end time.Time, duration time.Duration) (TrafficView, error) {
	t.mu.Lock()
	t.rng = ixapi.TrafficRange{End: end, Duration: duration}
	t.mu.Unlock()
	err := t.Sync(ctx)
	return t.view(), err
}

// Sync reloads the traffic series.
func (t *Traffic) Sync(ctx context.Context) error {
	sel, ok := t.begin(exchangeToken)
	if !ok {
		return nil
	}
	t.mu.Lock()
	rng := t.rng
	t.mu.Unlock()

	start := time.Now()
	ex := sel.Exchange
	points, err := t.deps.Client.ExchangeTraffic(ctx, ex.Slug, rng)
	if err != nil {
		t.failed(err)
		return fmt.Errorf("loading traffic of %s: %w", ex.Slug, err)
	}
	t.apply(sel.Ticket, start, func() {
		t.points = points
		t.slug = ex.Slug
		t.title = ex.Name + " Total Traffic"
		t.loaded = true
	})
	return nil
}

// View implements Controller.
func (t *Traffic) View() interface{} {
	return t.view()
}

func (t *Traffic) view() TrafficView {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := TrafficView{
		Visible:  t.visible,
		Exchange: t.slug,
		Title:    t.title,
		Points:   append([]ixapi.TrafficPoint{}, t.points...),
		NoData:   t.loaded && len(t.points) == 0,
		Duration: t.rng.Duration,
	}
	if !t.rng.End.IsZero() {
		end := t.rng.End
		v.End = &end
	}
	return v
}
