package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ixpanel/ixpanel/internal/config"
	"github.com/ixpanel/ixpanel/internal/ixapi"
	"github.com/ixpanel/ixpanel/internal/metrics"
)

type fakeClient struct {
	mu      sync.Mutex
	respond func(call int) string
	errText string
	genErr  error
	gets    int
	gens    int

	// onGenerate runs after a generate request was accepted
	onGenerate func()

	// first GetRouteserver call blocks until release is closed
	entered chan struct{}
	release chan struct{}
}

func (f *fakeClient) GetRouteserver(ctx context.Context, slug string, id int) (ixapi.Routeserver, error) {
	f.mu.Lock()
	f.gets++
	call := f.gets
	status := f.respond(call)
	errText := f.errText
	f.mu.Unlock()

	if call == 1 && f.release != nil {
		close(f.entered)
		<-f.release
	}
	return row(id, status, errText), nil
}

func (f *fakeClient) GenerateRouteserverConfig(ctx context.Context, slug, name string) error {
	f.mu.Lock()
	f.gens++
	err := f.genErr
	hook := f.onGenerate
	f.mu.Unlock()
	if err == nil && hook != nil {
		hook()
	}
	return err
}

func (f *fakeClient) counts() (gets, gens int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets, f.gens
}

func always(status string) func(int) string {
	return func(int) string { return status }
}

func row(id int, status, errText string) ixapi.Routeserver {
	rs := ixapi.Routeserver{ID: id, Name: "rs1", Grainy: "routeserver.1.7"}
	if status != "" {
		rs.ConfigStatus = &status
	}
	if errText != "" {
		rs.ConfigError = &errText
	}
	return rs
}

var target = Target{Slug: "ix7", ID: 42, Name: "rs1"}

func newTestPoller(c Client, interval time.Duration, maxPolls int) *Poller {
	return New(target, c, nil, config.PollingConfig{Interval: interval, MaxPolls: maxPolls}, nil)
}

func waitDone(t *testing.T, p *Poller) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop polling")
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want Status
		ok   bool
	}{
		{"", StatusNone, true},
		{"queued", StatusQueued, true},
		{"generating", StatusGenerating, true},
		{"ok", StatusOK, true},
		{"generated", StatusOK, true},
		{"error", StatusError, true},
		{"cancelled", StatusCancelled, true},
		{"canceled", StatusCancelled, true},
		{" OK ", StatusOK, true},
		{"exploded", StatusNone, false},
	}
	for _, tt := range tests {
		got, ok := ParseStatus(tt.raw)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseStatus(%q) = %v, %v; want %v, %v", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusNone, StatusQueued, true},
		{StatusQueued, StatusGenerating, true},
		{StatusGenerating, StatusOK, true},
		{StatusQueued, StatusError, true},
		{StatusOK, StatusQueued, true},
		{StatusError, StatusQueued, true},
		{StatusCancelled, StatusQueued, true},
		{StatusOK, StatusError, false},
		{StatusError, StatusOK, false},
		{StatusCancelled, StatusGenerating, false},
		{StatusQueued, StatusNone, false},
		{StatusGenerating, StatusNone, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}

	if err := transition(StatusOK, StatusError); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestSummary(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "traceback",
			raw:  "Traceback (most recent call last):\n  File \"gen.py\", line 3\n    raise ValueError(msg)\nValueError: prefix list empty\n",
			want: "ValueError: prefix list empty",
		},
		{
			name: "no convention",
			raw:  "plain failure",
			want: "plain failure",
		},
		{
			name: "no newline after raise",
			raw:  "raise Timeout",
			want: "Timeout",
		},
		{
			name: "nothing after raise",
			raw:  "boom raise \n",
			want: "boom raise \n",
		},
		{
			name: "only first raise counts",
			raw:  "x\nraise A\nfirst\nraise B\nsecond",
			want: "first",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Summary(tt.raw); got != tt.want {
				t.Errorf("Summary() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGenerateRefreshesUntilTerminal(t *testing.T) {
	fc := &fakeClient{respond: always("ok")}
	var mu sync.Mutex
	var seen []Status
	p := New(target, fc, metrics.New(), config.PollingConfig{Interval: 10 * time.Millisecond, MaxPolls: 50}, func(b Badge) {
		mu.Lock()
		seen = append(seen, b.Status)
		mu.Unlock()
	})
	defer p.Stop()

	p.Observe(row(42, "queued", ""))
	if p.Status() != StatusQueued {
		t.Fatalf("expected queued, got %s", p.Status())
	}

	if err := p.Generate(context.Background()); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if p.Status() != StatusOK {
		t.Fatalf("expected ok right after generate, got %s", p.Status())
	}

	waitDone(t, p)
	if p.Badge().Polling {
		t.Error("polling must stop on a terminal state")
	}

	gets, gens := fc.counts()
	if gens != 1 {
		t.Errorf("expected 1 generate request, got %d", gens)
	}
	time.Sleep(50 * time.Millisecond)
	if after, _ := fc.counts(); after != gets {
		t.Errorf("terminal poller kept fetching: %d -> %d", gets, after)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2 || seen[0] != StatusQueued || seen[len(seen)-1] != StatusOK {
		t.Errorf("unexpected badge changes %v", seen)
	}
}

func TestTerminalStability(t *testing.T) {
	fc := &fakeClient{respond: always("error"), errText: "raise X\nbad"}
	p := newTestPoller(fc, time.Hour, 0)
	defer p.Stop()

	p.Observe(row(42, "ok", ""))
	if p.Status() != StatusOK {
		t.Fatalf("expected ok, got %s", p.Status())
	}

	for _, s := range []string{"queued", "generating", "error", ""} {
		p.Observe(row(42, s, ""))
		if p.Status() != StatusOK {
			t.Fatalf("terminal state changed by observing %q: %s", s, p.Status())
		}
	}
	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if p.Status() != StatusOK {
		t.Fatalf("terminal state changed by refresh: %s", p.Status())
	}

	if err := p.Generate(context.Background()); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	b := p.Badge()
	if b.Status != StatusError || b.Summary != "bad" || b.Detail != "raise X\nbad" {
		t.Errorf("unexpected badge after regenerate: %+v", b)
	}
}

func TestGenerateFailureKeepsState(t *testing.T) {
	fc := &fakeClient{
		respond: always("queued"),
		genErr:  &ixapi.TransportError{Method: "POST", URL: "/api/rsconf/acme/ix7/rs1/generate/", StatusCode: 500},
	}
	p := newTestPoller(fc, time.Hour, 0)
	defer p.Stop()

	p.Observe(row(42, "cancelled", ""))
	err := p.Generate(context.Background())

	var te *ixapi.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if p.Status() != StatusCancelled {
		t.Errorf("failed generate must keep the prior state, got %s", p.Status())
	}
	if gets, _ := fc.counts(); gets != 0 {
		t.Errorf("failed generate must not refresh, got %d fetches", gets)
	}
	if p.Badge().Polling {
		t.Error("failed generate must not start polling")
	}
}

func TestPollingIsBounded(t *testing.T) {
	fc := &fakeClient{respond: always("generating")}
	p := newTestPoller(fc, 5*time.Millisecond, 3)
	defer p.Stop()

	p.Observe(row(42, "generating", ""))
	p.Start()
	waitDone(t, p)

	if gets, _ := fc.counts(); gets != 3 {
		t.Errorf("expected 3 polls, got %d", gets)
	}
	if p.Status() != StatusGenerating || p.Badge().Polling {
		t.Errorf("unexpected state after giving up: %+v", p.Badge())
	}
}

func TestNoPollingWithoutJob(t *testing.T) {
	fc := &fakeClient{respond: always("")}
	p := newTestPoller(fc, time.Millisecond, 0)
	defer p.Stop()

	p.Observe(row(42, "", ""))
	p.Start()
	waitDone(t, p)
	if gets, _ := fc.counts(); gets != 0 {
		t.Errorf("a poller without a job must not fetch, got %d", gets)
	}
}

func TestStopIsPermanent(t *testing.T) {
	fc := &fakeClient{respond: always("queued")}
	p := newTestPoller(fc, 5*time.Millisecond, 0)

	p.Observe(row(42, "queued", ""))
	p.Start()
	p.Stop()
	p.Stop()
	waitDone(t, p)

	if err := p.Generate(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped from Generate, got %v", err)
	}
	if err := p.Refresh(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped from Refresh, got %v", err)
	}
	_, gens := fc.counts()
	if gens != 0 {
		t.Errorf("stopped poller must not issue writes, got %d", gens)
	}

	p.Observe(row(42, "ok", ""))
	if p.Status() != StatusQueued {
		t.Errorf("stopped poller must ignore observations, got %s", p.Status())
	}
}

func TestRefreshBeforeGenerateIsDropped(t *testing.T) {
	fc := &fakeClient{
		respond: func(call int) string {
			if call == 1 {
				return "ok"
			}
			return "queued"
		},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	p := newTestPoller(fc, time.Hour, 0)
	defer p.Stop()
	p.Observe(row(42, "generating", ""))

	errc := make(chan error, 1)
	go func() { errc <- p.Refresh(context.Background()) }()
	<-fc.entered

	if err := p.Generate(context.Background()); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	close(fc.release)
	if err := <-errc; err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if p.Status() != StatusQueued {
		t.Errorf("response issued before generate must be dropped, got %s", p.Status())
	}
}

func TestGenerateStoppedAfterAccept(t *testing.T) {
	fc := &fakeClient{respond: always("queued")}
	p := newTestPoller(fc, time.Hour, 0)
	fc.onGenerate = p.Stop

	err := p.Generate(context.Background())
	if !errors.Is(err, ErrStoppedAfterGenerate) || !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStoppedAfterGenerate, got %v", err)
	}
	if gets, gens := fc.counts(); gens != 1 || gets != 0 {
		t.Errorf("unexpected calls gets=%d gens=%d", gets, gens)
	}
}

func TestRequeueFollowsAcceptedJob(t *testing.T) {
	fc := &fakeClient{respond: always("generating")}
	p := newTestPoller(fc, time.Hour, 0)
	defer p.Stop()

	p.Observe(row(42, "ok", ""))
	if err := p.Requeue(context.Background()); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	b := p.Badge()
	if b.Status != StatusGenerating || !b.Polling {
		t.Errorf("expected a polling generating badge, got %+v", b)
	}
	if gets, gens := fc.counts(); gens != 0 || gets != 1 {
		t.Errorf("requeue must re-fetch without writing, gets=%d gens=%d", gets, gens)
	}

	p.Stop()
	if err := p.Requeue(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}
