package tool

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ixpanel/ixpanel/internal/config"
	"github.com/ixpanel/ixpanel/internal/ixapi"
	"github.com/ixpanel/ixpanel/internal/jobs"
	"github.com/ixpanel/ixpanel/internal/metrics"
	"github.com/ixpanel/ixpanel/internal/perm"
	"github.com/ixpanel/ixpanel/internal/session"
)

// fakeIXCtl serves canned data. Link building is delegated to a real
// client so URLs match production.
type fakeIXCtl struct {
	*ixapi.Client

	mu           sync.Mutex
	exchanges    []ixapi.Exchange
	members      map[string][]ixapi.Member
	routeservers map[string][]ixapi.Routeserver
	rsStatus     map[int]string
	presence     map[int][]ixapi.NetworkPresence
	traffic      []ixapi.TrafficPoint
	calls        map[string]int
	failList     error
	failing      map[string]error
	onGenerate   func()

	// ListMembers for a held slug blocks until the channel is closed
	hold    map[string]chan struct{}
	entered chan string
}

func newFake(exchanges ...ixapi.Exchange) *fakeIXCtl {
	return &fakeIXCtl{
		Client:       ixapi.New("https://ixctl.example.com", "acme", "", time.Second),
		exchanges:    exchanges,
		members:      make(map[string][]ixapi.Member),
		routeservers: make(map[string][]ixapi.Routeserver),
		rsStatus:     make(map[int]string),
		presence:     make(map[int][]ixapi.NetworkPresence),
		calls:        make(map[string]int),
		failing:      make(map[string]error),
		hold:         make(map[string]chan struct{}),
		entered:      make(chan string, 4),
	}
}

func (f *fakeIXCtl) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeIXCtl) called(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeIXCtl) fail(name string, err error) {
	f.mu.Lock()
	f.failing[name] = err
	f.mu.Unlock()
}

func (f *fakeIXCtl) ListExchanges(ctx context.Context) ([]ixapi.Exchange, error) {
	f.called("ListExchanges")
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ixapi.Exchange{}, f.exchanges...), nil
}

func (f *fakeIXCtl) CreateExchange(ctx context.Context, req ixapi.ExchangeRequest) (ixapi.Exchange, error) {
	f.called("CreateExchange")
	f.mu.Lock()
	defer f.mu.Unlock()
	ex := ixapi.Exchange{ID: 100 + len(f.exchanges), Name: req.Name, Slug: req.Slug, Grainy: "ix.1." + req.Slug}
	f.exchanges = append(f.exchanges, ex)
	return ex, nil
}

func (f *fakeIXCtl) ImportExchange(ctx context.Context, pdbID int) (ixapi.Exchange, error) {
	return f.CreateExchange(ctx, ixapi.ExchangeRequest{Name: "imported", Slug: "pdb"})
}

func (f *fakeIXCtl) UpdateExchange(ctx context.Context, slug string, req ixapi.ExchangeRequest) (ixapi.Exchange, error) {
	f.called("UpdateExchange")
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, ex := range f.exchanges {
		if ex.Slug == slug {
			f.exchanges[i].Name = req.Name
			return f.exchanges[i], nil
		}
	}
	return ixapi.Exchange{}, &ixapi.TransportError{Method: "PUT", URL: slug, StatusCode: 404}
}

func (f *fakeIXCtl) DeleteExchange(ctx context.Context, slug string) error {
	f.called("DeleteExchange")
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, ex := range f.exchanges {
		if ex.Slug == slug {
			f.exchanges = append(f.exchanges[:i], f.exchanges[i+1:]...)
			return nil
		}
	}
	return &ixapi.TransportError{Method: "DELETE", URL: slug, StatusCode: 404}
}

func (f *fakeIXCtl) ListMembers(ctx context.Context, slug string) ([]ixapi.Member, error) {
	f.called("ListMembers")
	f.mu.Lock()
	ch := f.hold[slug]
	rows := f.members[slug]
	err := f.failList
	if e := f.failing["ListMembers"]; e != nil {
		err = e
	}
	f.mu.Unlock()
	if ch != nil {
		f.entered <- slug
		<-ch
	}
	return rows, err
}

func (f *fakeIXCtl) GetMember(ctx context.Context, slug string, id int) (ixapi.Member, error) {
	f.called("GetMember")
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing["GetMember"]; err != nil {
		return ixapi.Member{}, err
	}
	for _, m := range f.members[slug] {
		if m.ID == id {
			return m, nil
		}
	}
	return ixapi.Member{}, ixapi.ErrEmptyResponse
}

func (f *fakeIXCtl) ListRouteservers(ctx context.Context, slug string) ([]ixapi.Routeserver, error) {
	f.called("ListRouteservers")
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing["ListRouteservers"]; err != nil {
		return nil, err
	}
	return f.routeservers[slug], nil
}

func (f *fakeIXCtl) GetRouteserver(ctx context.Context, slug string, id int) (ixapi.Routeserver, error) {
	f.called("GetRouteserver")
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rs := range f.routeservers[slug] {
		if rs.ID == id {
			if s, ok := f.rsStatus[id]; ok {
				rs.ConfigStatus = &s
			}
			return rs, nil
		}
	}
	return ixapi.Routeserver{}, ixapi.ErrEmptyResponse
}

func (f *fakeIXCtl) GenerateRouteserverConfig(ctx context.Context, slug, name string) error {
	f.called("Generate")
	f.mu.Lock()
	hook := f.onGenerate
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeIXCtl) ListNetworkPresence(ctx context.Context, asn int) ([]ixapi.NetworkPresence, error) {
	f.called("ListNetworkPresence")
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing["ListNetworkPresence"]; err != nil {
		return nil, err
	}
	return f.presence[asn], nil
}

func (f *fakeIXCtl) ExchangeTraffic(ctx context.Context, slug string, r ixapi.TrafficRange) ([]ixapi.TrafficPoint, error) {
	f.called("ExchangeTraffic")
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing["ExchangeTraffic"]; err != nil {
		return nil, err
	}
	return f.traffic, nil
}

type fixture struct {
	app   *App
	fake  *fakeIXCtl
	sess  *session.Context
	store *perm.Store
}

func newFixture(t *testing.T, location string, grants map[string]string, fake *fakeIXCtl) *fixture {
	t.Helper()
	store := perm.NewStore()
	setGrants(t, store, grants)

	sess := session.New("acme", fake, session.NewLocation(location))
	app := NewApp(Deps{
		Session: sess,
		Gate:    perm.NewGate(store),
		Client:  fake,
		Metrics: metrics.New(),
		Polling: config.PollingConfig{Interval: time.Hour, MaxPolls: 10},
		Org:     "acme",
		OrgID:   1,
	})
	t.Cleanup(app.Close)
	return &fixture{app: app, fake: fake, sess: sess, store: store}
}

func setGrants(t *testing.T, store *perm.Store, grants map[string]string) {
	t.Helper()
	gs, err := perm.NewGrantSet(grants)
	if err != nil {
		t.Fatalf("NewGrantSet failed: %v", err)
	}
	store.Replace(gs)
}

func (fx *fixture) start(t *testing.T) {
	t.Helper()
	if err := fx.app.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

func TestSelectPublicExchangeScenario(t *testing.T) {
	fake := newFake(ixapi.Exchange{ID: 7, Slug: "ix7", Grainy: "ix.7", IXFExportPrivacy: "public", URLKey: "s3cr3t"})
	fake.members["ix7"] = []ixapi.Member{{ID: 1, Grainy: "ix.7.member.1", ASN: 64500}}
	fx := newFixture(t, "/acme/", map[string]string{"ix.7": "r"}, fake)
	fx.start(t)

	fx.sess.Select(7)
	if fx.sess.Current() != 7 {
		t.Fatalf("expected current 7, got %d", fx.sess.Current())
	}
	v := fx.app.Members.View().(MembersView)
	if !v.Visible {
		t.Fatal("members should be visible with read on ix.7")
	}
	if strings.Contains(v.ExportURL, "secret") || strings.Contains(v.ExportURL, "s3cr3t") {
		t.Errorf("public export url must not carry the secret: %s", v.ExportURL)
	}
	if v.ExportURL != "https://ixctl.example.com/acme/export/ixf/ix7" {
		t.Errorf("unexpected export url %s", v.ExportURL)
	}
	if v.CanCreate || v.CanExport {
		t.Error("read-only principal must not get create/export")
	}
	if len(v.Rows) != 1 || v.Rows[0].CanEdit || v.Rows[0].CanDelete {
		t.Errorf("unexpected rows %+v", v.Rows)
	}

	// route servers live under a different namespace
	if fx.app.Routeservers.Visible() {
		t.Error("route servers must be hidden without read on routeserver.7")
	}
}

func TestPrivateExportURLCarriesSecret(t *testing.T) {
	fake := newFake(ixapi.Exchange{ID: 7, Slug: "ix7", Grainy: "ix.7", IXFExportPrivacy: "private", URLKey: "s3cr3t"})
	fx := newFixture(t, "/acme/", map[string]string{"ix": "crud"}, fake)
	fx.start(t)

	v := fx.app.Members.View().(MembersView)
	if v.ExportURL != "https://ixctl.example.com/acme/export/ixf/ix7?secret=s3cr3t" {
		t.Errorf("unexpected export url %s", v.ExportURL)
	}
	if !v.CanExport {
		t.Error("create grant should allow export")
	}
}

func TestUnloadHidesAllTools(t *testing.T) {
	fake := newFake(ixapi.Exchange{ID: 7, Slug: "ix7", Grainy: "ix.1.7"})
	queued := "queued"
	fake.routeservers["ix7"] = []ixapi.Routeserver{{ID: 42, Name: "rs1", Grainy: "routeserver.1.7.42", ConfigStatus: &queued}}
	fx := newFixture(t, "/acme/", map[string]string{"ix": "crud", "routeserver": "crud"}, fake)
	fx.start(t)

	for _, tool := range fx.app.Tools() {
		if tool.Active() && !tool.Visible() {
			t.Fatalf("active tool %s should be visible before unload", tool.Name())
		}
	}
	fx.app.Routeservers.mu.Lock()
	mounted := len(fx.app.Routeservers.pollers)
	fx.app.Routeservers.mu.Unlock()
	if mounted != 1 {
		t.Fatalf("expected one mounted poller, got %d", mounted)
	}

	fx.sess.Unload(7)

	if fx.sess.Current() != 0 {
		t.Fatalf("expected no selection, got %d", fx.sess.Current())
	}
	for _, tool := range fx.app.Tools() {
		if tool.Visible() {
			t.Errorf("tool %s should be hidden after unloading the last exchange", tool.Name())
		}
	}
	fx.app.Routeservers.mu.Lock()
	mounted = len(fx.app.Routeservers.pollers)
	fx.app.Routeservers.mu.Unlock()
	if mounted != 0 {
		t.Errorf("hiding route servers must stop their pollers, %d left", mounted)
	}
	if v := fx.app.Members.View().(MembersView); len(v.Rows) != 0 || v.ExportURL != "" {
		t.Errorf("hidden members tool still holds data: %+v", v)
	}
}

func TestSyncIdempotence(t *testing.T) {
	fake := newFake(ixapi.Exchange{ID: 7, Slug: "ix7", Grainy: "ix.7"})
	fake.members["ix7"] = []ixapi.Member{{ID: 1, Grainy: "ix.7.member.1"}}
	fx := newFixture(t, "/acme/", map[string]string{"ix.7": "r"}, fake)
	fx.start(t)

	m := fx.app.Members
	before := fake.count("ListMembers")

	if err := m.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	first := fake.count("ListMembers") - before
	vis := m.Visible()
	rows := len(m.View().(MembersView).Rows)

	if err := m.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	second := fake.count("ListMembers") - before - first

	if first != 1 || second != 1 {
		t.Errorf("every sync must fetch exactly once, got %d and %d", first, second)
	}
	if m.Visible() != vis || len(m.View().(MembersView).Rows) != rows {
		t.Error("repeated sync changed the outcome")
	}

	// hidden syncs issue no requests at all, every time
	setGrants(t, fx.store, map[string]string{})
	before = fake.count("ListMembers")
	m.Sync(context.Background())
	m.Sync(context.Background())
	if fake.count("ListMembers") != before || m.Visible() {
		t.Error("hidden sync must not fetch")
	}
}

func TestStaleResponseRejected(t *testing.T) {
	fake := newFake(
		ixapi.Exchange{ID: 7, Slug: "ix7", Grainy: "ix.7"},
		ixapi.Exchange{ID: 9, Slug: "ix9", Grainy: "ix.9"},
	)
	fake.members["ix7"] = []ixapi.Member{{ID: 1, Name: "from ix7", Grainy: "ix.7.member.1"}}
	fake.members["ix9"] = []ixapi.Member{{ID: 2, Name: "from ix9", Grainy: "ix.9.member.2"}}
	fx := newFixture(t, "/acme/", map[string]string{"ix": "r"}, fake)
	fx.start(t)
	fx.sess.Select(9)

	release := make(chan struct{})
	fake.mu.Lock()
	fake.hold["ix7"] = release
	fake.mu.Unlock()

	done := make(chan struct{})
	go func() {
		fx.sess.Select(7)
		close(done)
	}()
	<-fake.entered

	fx.sess.Select(9)
	close(release)
	<-done

	v := fx.app.Members.View().(MembersView)
	if v.Exchange != "ix9" || len(v.Rows) != 1 || v.Rows[0].Name != "from ix9" {
		t.Errorf("late ix7 response leaked into the view: %+v", v)
	}
	if fx.sess.Current() != 9 {
		t.Errorf("expected 9 selected, got %d", fx.sess.Current())
	}
	if got := fx.sess.Location().Path(); got != "/acme/ix9/" {
		t.Errorf("location must follow the selection, got %s", got)
	}
}

func TestSwitchWithFailedFetchDropsPreviousExchange(t *testing.T) {
	tests := []struct {
		name  string
		call  string
		setup func(t *testing.T, fx *fixture)
		check func(t *testing.T, fx *fixture)
	}{
		{
			name:  "members",
			call:  "ListMembers",
			check: func(t *testing.T, fx *fixture) {
				v := fx.app.Members.View().(MembersView)
				if !v.Visible {
					t.Error("members should stay visible for ix9")
				}
				if v.Exchange != "" || len(v.Rows) != 0 || v.Total != 0 {
					t.Errorf("ix7 rows shown under ix9: %+v", v)
				}
				if v.ExportURL != "" || v.APIViewURL != "" {
					t.Errorf("ix7 links shown under ix9: %s %s", v.ExportURL, v.APIViewURL)
				}
			},
		},
		{
			name:  "routeservers",
			call:  "ListRouteservers",
			check: func(t *testing.T, fx *fixture) {
				v := fx.app.Routeservers.View().(RouteserversView)
				if v.Exchange != "" || len(v.Rows) != 0 {
					t.Errorf("ix7 route servers shown under ix9: %+v", v)
				}
				fx.app.Routeservers.mu.Lock()
				mounted := len(fx.app.Routeservers.pollers)
				fx.app.Routeservers.mu.Unlock()
				if mounted != 0 {
					t.Errorf("ix7 pollers still mounted: %d", mounted)
				}
			},
		},
		{
			name:  "member_details",
			call:  "GetMember",
			setup: func(t *testing.T, fx *fixture) {
				fx.app.MemberDetails.Activate()
				if v, err := fx.app.MemberDetails.ShowMember(context.Background(), 1); err != nil || v.Member == nil {
					t.Fatalf("ShowMember failed: %+v %v", v, err)
				}
			},
			check: func(t *testing.T, fx *fixture) {
				if v := fx.app.MemberDetails.View().(MemberDetailsView); v.Member != nil {
					t.Errorf("ix7 member shown under ix9: %+v", v.Member)
				}
			},
		},
		{
			name:  "traffic",
			call:  "ExchangeTraffic",
			setup: func(t *testing.T, fx *fixture) {
				fx.app.Traffic.Activate()
				if err := fx.app.Traffic.Sync(context.Background()); err != nil {
					t.Fatalf("Sync failed: %v", err)
				}
			},
			check: func(t *testing.T, fx *fixture) {
				v := fx.app.Traffic.View().(TrafficView)
				if v.Exchange != "" || v.Title != "" || len(v.Points) != 0 || v.NoData {
					t.Errorf("ix7 traffic shown under ix9: %+v", v)
				}
			},
		},
		{
			name:  "networks",
			call:  "ListNetworkPresence",
			setup: func(t *testing.T, fx *fixture) {
				fx.app.Networks.Activate()
				if v, err := fx.app.Networks.Tab(context.Background(), 64500); err != nil || len(v.Rows) != 1 {
					t.Fatalf("Tab failed: %+v %v", v, err)
				}
			},
			check: func(t *testing.T, fx *fixture) {
				if v := fx.app.Networks.View().(NetworksView); len(v.Rows) != 0 {
					t.Errorf("rows loaded under ix7 kept: %+v", v.Rows)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFake(
				ixapi.Exchange{ID: 7, Slug: "ix7", Name: "IX Seven", Grainy: "ix.1.7", IXFExportPrivacy: "private", URLKey: "k7"},
				ixapi.Exchange{ID: 9, Slug: "ix9", Name: "IX Nine", Grainy: "ix.1.9"},
			)
			queued := "queued"
			fake.members["ix7"] = []ixapi.Member{{ID: 1, Grainy: "ix.1.7.member.1"}}
			fake.routeservers["ix7"] = []ixapi.Routeserver{{ID: 42, Name: "rs1", Grainy: "routeserver.1.7.42", ConfigStatus: &queued}}
			fake.traffic = []ixapi.TrafficPoint{{BPSIn: 1}}
			fake.presence[64500] = []ixapi.NetworkPresence{{ASN: 64500, IX: 3, IXName: "Other IX", Org: "other", Access: AccessView}}
			fx := newFixture(t, "/acme/", map[string]string{"ix": "r", "routeserver": "r"}, fake)
			fx.start(t)
			if fx.sess.Current() != 7 {
				t.Fatalf("expected 7 selected, got %d", fx.sess.Current())
			}
			if tt.setup != nil {
				tt.setup(t, fx)
			}

			fake.fail(tt.call, &ixapi.TransportError{Method: "GET", URL: tt.call, StatusCode: 503})
			fx.sess.Select(9)

			if fx.sess.Current() != 9 {
				t.Fatalf("expected 9 selected, got %d", fx.sess.Current())
			}
			tt.check(t, fx)
		})
	}
}

func TestFailedLoadKeepsRows(t *testing.T) {
	fake := newFake(ixapi.Exchange{ID: 7, Slug: "ix7", Grainy: "ix.7"})
	fake.members["ix7"] = []ixapi.Member{{ID: 1, Grainy: "ix.7.member.1"}}
	fx := newFixture(t, "/acme/", map[string]string{"ix": "r"}, fake)
	fx.start(t)

	fake.mu.Lock()
	fake.failList = &ixapi.TransportError{Method: "GET", URL: "/api/member/acme/ix7/", StatusCode: 503}
	fake.mu.Unlock()

	err := fx.app.Members.Sync(context.Background())
	var te *ixapi.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if v := fx.app.Members.View().(MembersView); len(v.Rows) != 1 {
		t.Errorf("failed reload must keep the previous rows, got %d", len(v.Rows))
	}
}

func TestMemberRowGatingAndFilters(t *testing.T) {
	md5 := "secret"
	fake := newFake(ixapi.Exchange{ID: 7, Slug: "ix7", Grainy: "ix.1.7"})
	fake.members["ix7"] = []ixapi.Member{
		{ID: 10, ASN: 64500, Grainy: "ix.1.7.member.10", IXFState: "active"},
		{ID: 11, ASN: 65501, Grainy: "ix.1.7.member.11", MD5: &md5},
		{ID: 12, ASN: 64512, Grainy: "ix.1.7.member.12", Port: &ixapi.Port{ID: 3}},
	}
	fx := newFixture(t, "/acme/", map[string]string{
		"ix.1.7":           "r",
		"ix.1.7.member.10": "crud",
	}, fake)
	fx.start(t)

	v := fx.app.Members.View().(MembersView)
	if len(v.Rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(v.Rows))
	}
	if !v.Rows[0].CanEdit || !v.Rows[0].CanDelete {
		t.Error("row 10 should be editable and deletable")
	}
	if v.Rows[1].CanEdit || v.Rows[1].CanDelete {
		t.Error("row 11 must not inherit row 10's grant")
	}
	if v.NonActiveCount != 1 || v.MD5Count != 1 {
		t.Errorf("unexpected counts non-active=%d md5=%d", v.NonActiveCount, v.MD5Count)
	}
	if !v.Rows[2].Active {
		t.Error("a member with a port is active")
	}

	if got := fx.app.Members.SetFilter(MemberFilter{NonActive: true}); len(got.Rows) != 1 || got.Rows[0].ID != 11 {
		t.Errorf("non-active filter: %+v", got.Rows)
	}
	if got := fx.app.Members.SetFilter(MemberFilter{MD5: true}); len(got.Rows) != 1 || got.Rows[0].ID != 11 {
		t.Errorf("md5 filter: %+v", got.Rows)
	}
	if got := fx.app.Members.SetFilter(MemberFilter{ASN: "AS645"}); len(got.Rows) != 2 {
		t.Errorf("asn filter: %+v", got.Rows)
	}
}

func waitPoller(t *testing.T, p *jobs.Poller) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poller kept polling")
	}
}

func TestRouteserverGenerateScenario(t *testing.T) {
	fake := newFake(ixapi.Exchange{ID: 7, Slug: "ix7", Grainy: "ix.1.7"})
	queued := "queued"
	fake.routeservers["ix7"] = []ixapi.Routeserver{{ID: 42, Name: "rs1", Grainy: "routeserver.1.7.42", ConfigStatus: &queued}}
	fx := newFixture(t, "/acme/", map[string]string{"ix.1.7": "r", "routeserver.1.7": "r"}, fake)
	fx.start(t)

	rs := fx.app.Routeservers
	if !rs.Visible() {
		t.Fatal("route servers should be visible with read on routeserver.1.7")
	}
	b, err := rs.Badge(42)
	if err != nil || b.Status != jobs.StatusQueued || !b.Polling {
		t.Fatalf("expected a polling queued badge, got %+v %v", b, err)
	}

	fake.mu.Lock()
	fake.rsStatus[42] = "ok"
	fake.mu.Unlock()

	b, err = rs.Generate(context.Background(), 42)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if b.Status != jobs.StatusOK {
		t.Fatalf("expected ok after re-fetch, got %s", b.Status)
	}
	if fake.count("Generate") != 1 || fake.count("GetRouteserver") != 1 {
		t.Errorf("unexpected calls generate=%d get=%d", fake.count("Generate"), fake.count("GetRouteserver"))
	}

	rs.mu.Lock()
	p := rs.pollers[42]
	rs.mu.Unlock()
	waitPoller(t, p)
	if b, _ := rs.Badge(42); b.Polling || b.Status != jobs.StatusOK {
		t.Errorf("terminal badge must stop polling: %+v", b)
	}

	if _, err := rs.Generate(context.Background(), 99); !errors.Is(err, ErrUnknownRouteserver) {
		t.Errorf("expected ErrUnknownRouteserver, got %v", err)
	}
}

func TestGenerateAcrossListReload(t *testing.T) {
	fake := newFake(ixapi.Exchange{ID: 7, Slug: "ix7", Grainy: "ix.1.7"})
	done := "ok"
	fake.routeservers["ix7"] = []ixapi.Routeserver{{ID: 42, Name: "rs1", Grainy: "routeserver.1.7.42", ConfigStatus: &done}}
	fx := newFixture(t, "/acme/", map[string]string{"ix": "r", "routeserver": "r"}, fake)
	fx.start(t)

	rs := fx.app.Routeservers
	rs.mu.Lock()
	before := rs.pollers[42]
	rs.mu.Unlock()
	if before == nil {
		t.Fatal("expected a poller for the row with a job")
	}

	// the list is reloaded while the generate request is out
	fake.mu.Lock()
	fake.rsStatus[42] = "generating"
	fake.onGenerate = func() {
		if err := rs.Sync(context.Background()); err != nil {
			t.Errorf("Sync failed: %v", err)
		}
	}
	fake.mu.Unlock()

	b, err := rs.Generate(context.Background(), 42)
	if err != nil {
		t.Fatalf("accepted generate must not fail: %v", err)
	}
	if b.Status != jobs.StatusGenerating || !b.Polling {
		t.Errorf("expected the current poller to follow the job, got %+v", b)
	}
	if fake.count("Generate") != 1 {
		t.Errorf("expected one generate request, got %d", fake.count("Generate"))
	}

	rs.mu.Lock()
	after := rs.pollers[42]
	rs.mu.Unlock()
	if after == nil || after == before {
		t.Fatal("reload should have mounted a new poller")
	}
	if got, _ := rs.Badge(42); got.Status != jobs.StatusGenerating {
		t.Errorf("unexpected badge %+v", got)
	}
}

func TestRouteserverRowsWithoutJobHaveNoPoller(t *testing.T) {
	fake := newFake(ixapi.Exchange{ID: 7, Slug: "ix7", Grainy: "ix.1.7"})
	fake.routeservers["ix7"] = []ixapi.Routeserver{{ID: 5, Name: "rs0", Grainy: "routeserver.1.7.5"}}
	fx := newFixture(t, "/acme/", map[string]string{"routeserver": "r", "ix": "r"}, fake)
	fx.start(t)

	v := fx.app.Routeservers.View().(RouteserversView)
	if len(v.Rows) != 1 || v.Rows[0].Badge != nil {
		t.Fatalf("row without a job must render an empty badge: %+v", v.Rows)
	}
	if v.Rows[0].ConfigURL != "https://ixctl.example.com/api/rsconf/acme/ix7/rs0/" {
		t.Errorf("unexpected config url %s", v.Rows[0].ConfigURL)
	}
	b, err := fx.app.Routeservers.Badge(5)
	if err != nil || b.Status != jobs.StatusNone {
		t.Errorf("unexpected badge %+v %v", b, err)
	}
}

func TestPendingEditRouteserver(t *testing.T) {
	fake := newFake(ixapi.Exchange{ID: 7, Slug: "ix7", Grainy: "ix.1.7"})
	fake.routeservers["ix7"] = []ixapi.Routeserver{{ID: 42, Name: "rs1", Grainy: "routeserver.1.7.42"}}
	fx := newFixture(t, "/acme/?edit-routeserver=42", map[string]string{"ix": "crud", "routeserver": "crud"}, fake)
	fx.start(t)

	rs := fx.app.Routeservers
	if v := rs.View().(RouteserversView); v.Editing != 42 {
		t.Fatalf("pending edit should reopen route server 42, got %d", v.Editing)
	}
	loc := fx.sess.Location()
	if loc.Param(session.ParamEditRouteserver) != "42" {
		t.Error("location keeps the edit parameter while editing")
	}
	if loc.Path() != "/acme/ix7/" {
		t.Errorf("unexpected path %s", loc.Path())
	}

	rs.CloseEdit()
	if loc.Param(session.ParamEditRouteserver) != "" {
		t.Error("closing the edit view clears the parameter")
	}

	// a reload does not reopen a consumed edit request
	if err := rs.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if v := rs.View().(RouteserversView); v.Editing != 0 {
		t.Errorf("consumed edit request reopened: %d", v.Editing)
	}

	if err := rs.Edit(42); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	if loc.String() != "/acme/ix7/?edit-routeserver=42" {
		t.Errorf("unexpected location %s", loc.String())
	}
	if err := rs.Edit(7); !errors.Is(err, ErrUnknownRouteserver) {
		t.Errorf("expected ErrUnknownRouteserver, got %v", err)
	}
}

func TestSettingsDeleteFallsBack(t *testing.T) {
	fake := newFake(
		ixapi.Exchange{ID: 7, Slug: "ix7", Grainy: "ix.1.7"},
		ixapi.Exchange{ID: 9, Slug: "ix9", Grainy: "ix.1.9"},
	)
	fx := newFixture(t, "/acme/?ix=9", map[string]string{"ix.1.9": "rd", "ix.1.7": "r"}, fake)
	fx.start(t)

	if fx.sess.Current() != 9 {
		t.Fatalf("expected preselected 9, got %d", fx.sess.Current())
	}
	sv := fx.app.Settings.View().(SettingsView)
	if !sv.CanDelete || sv.CanEdit {
		t.Errorf("unexpected settings affordances %+v", sv)
	}

	if err := fx.app.Settings.Delete(context.Background()); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if fx.sess.Current() != 7 {
		t.Errorf("expected fallback to 7, got %d", fx.sess.Current())
	}
	if _, ok := fx.sess.Exchange(9); ok {
		t.Error("deleted exchange must be gone from the table")
	}

	// 7 only grants read
	if err := fx.app.Settings.Delete(context.Background()); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if _, err := fx.app.Settings.Update(context.Background(), ixapi.ExchangeRequest{Name: "x"}); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestSettingsUpdateReselects(t *testing.T) {
	fake := newFake(
		ixapi.Exchange{ID: 7, Slug: "ix7", Grainy: "ix.1.7"},
		ixapi.Exchange{ID: 9, Slug: "ix9", Grainy: "ix.1.9"},
	)
	fx := newFixture(t, "/acme/", map[string]string{"ix": "crud"}, fake)
	fx.start(t)
	fx.sess.Select(9)

	if _, err := fx.app.Settings.Update(context.Background(), ixapi.ExchangeRequest{Name: "Renamed"}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	ex, ok := fx.sess.Object()
	if !ok || ex.ID != 9 || ex.Name != "Renamed" {
		t.Errorf("expected reloaded 9 selected, got %+v", ex)
	}
}

func TestNoExchangeState(t *testing.T) {
	fake := newFake()
	fx := newFixture(t, "/acme/", map[string]string{"ix.1": "c"}, fake)
	fx.start(t)

	st := fx.app.State()
	if !st.NoExchange || st.Selected != 0 || !st.CanCreateExchange || !st.CanImportExchange {
		t.Fatalf("unexpected state %+v", st)
	}
	for _, tool := range fx.app.Tools() {
		if tool.Visible() {
			t.Errorf("tool %s visible without exchange", tool.Name())
		}
	}

	ex, err := fx.app.CreateExchange(context.Background(), ixapi.ExchangeRequest{Name: "New", Slug: "new"})
	if err != nil {
		t.Fatalf("CreateExchange failed: %v", err)
	}
	st = fx.app.State()
	if st.Selected != ex.ID || st.NoExchange || !st.Unverified {
		t.Errorf("expected new unverified exchange selected, got %+v", st)
	}
}

func TestCreateExchangeForbidden(t *testing.T) {
	fake := newFake()
	fx := newFixture(t, "/acme/", map[string]string{"ix.2": "c"}, fake)
	fx.start(t)

	if fx.app.State().CanCreateExchange {
		t.Error("create on another org must not count")
	}
	if _, err := fx.app.ImportExchange(context.Background(), 1); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if fake.count("CreateExchange") != 0 {
		t.Error("forbidden action must not reach the API")
	}
}

func TestNetworksTab(t *testing.T) {
	fake := newFake(ixapi.Exchange{ID: 7, Slug: "ix7", Grainy: "ix.1.7"})
	fake.presence[64500] = []ixapi.NetworkPresence{
		{ASN: 64500, IX: 3, IXName: "Other IX", Org: "other", Access: AccessDenied},
		{ASN: 64500, IX: 4, IXName: "Pend IX", Org: "other", Access: AccessPending},
		{ASN: 64500, IX: 5, IXName: "View IX", Org: "viewer", Access: AccessView},
		{ASN: 64500, IX: 6, IXName: "Mine", Org: "acme", Access: AccessManage},
	}
	fx := newFixture(t, "/acme/", map[string]string{"ix": "r"}, fake)
	fx.start(t)

	if fake.count("ListNetworkPresence") != 0 {
		t.Error("no tab open, nothing to load")
	}
	v, err := fx.app.Networks.Tab(context.Background(), 64500)
	if err != nil {
		t.Fatalf("Tab failed: %v", err)
	}
	if len(v.Rows) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(v.Rows))
	}
	if !v.Rows[0].CanRequest || v.Rows[0].Link != "" {
		t.Errorf("denied row: %+v", v.Rows[0])
	}
	if v.Rows[1].CanRequest || v.Rows[1].Link != "" || v.Rows[1].Label != "Pending" {
		t.Errorf("pending row: %+v", v.Rows[1])
	}
	if v.Rows[2].Link != "/viewer/?ix=5" || v.Rows[2].Label != "View AS64500 at View IX" {
		t.Errorf("view row: %+v", v.Rows[2])
	}
	if v.Rows[3].Link != "/acme/?ix=6" || !strings.HasPrefix(v.Rows[3].Label, "Manage") {
		t.Errorf("manage row: %+v", v.Rows[3])
	}
}

func TestMemberDetails(t *testing.T) {
	fake := newFake(ixapi.Exchange{ID: 7, Slug: "ix7", Grainy: "ix.1.7"})
	fake.members["ix7"] = []ixapi.Member{
		{ID: 1, Speed: 10000, ASMacro: "AS-ONE", Port: &ixapi.Port{VirtualPortName: "vp-1", DeviceName: "sw1"}},
		{ID: 2, Speed: 100, ASMacro: "AS-TWO", ASMacroOverride: "AS-OVR"},
	}
	fx := newFixture(t, "/acme/", map[string]string{"ix": "r"}, fake)
	fx.start(t)

	v, err := fx.app.MemberDetails.ShowMember(context.Background(), 1)
	if err != nil {
		t.Fatalf("ShowMember failed: %v", err)
	}
	m := v.Member
	if m == nil || m.VirtualPortName != "vp-1" || m.DeviceName != "sw1" || m.PrettySpeed != "10G" || m.ASMacroPrepared != "AS-ONE" {
		t.Errorf("unexpected detail %+v", m)
	}

	v, _ = fx.app.MemberDetails.ShowMember(context.Background(), 2)
	if m := v.Member; m == nil || m.VirtualPortName != "No port assigned" || m.ASMacroPrepared != "AS-OVR" || m.PrettySpeed != "100M" {
		t.Errorf("unexpected detail %+v", m)
	}

	if _, err := fx.app.MemberDetails.ShowMember(context.Background(), 99); !errors.Is(err, ixapi.ErrEmptyResponse) {
		t.Errorf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestPrettySpeed(t *testing.T) {
	tests := map[int]string{
		0:       "",
		100:     "100M",
		1000:    "1G",
		2500:    "2.5G",
		400000:  "400G",
		1200000: "1.2T",
	}
	for in, want := range tests {
		if got := PrettySpeed(in); got != want {
			t.Errorf("PrettySpeed(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestTrafficNoData(t *testing.T) {
	fake := newFake(ixapi.Exchange{ID: 7, Slug: "ix7", Name: "IX Seven", Grainy: "ix.1.7"})
	fx := newFixture(t, "/acme/", map[string]string{"ix": "r"}, fake)
	fx.start(t)

	end := time.Unix(1700000000, 0)
	v, err := fx.app.Traffic.SetRange(context.Background(), end, 24*time.Hour)
	if err != nil {
		t.Fatalf("SetRange failed: %v", err)
	}
	if !v.NoData || v.Title != "IX Seven Total Traffic" || v.End == nil || !v.End.Equal(end) {
		t.Errorf("unexpected traffic view %+v", v)
	}

	fake.mu.Lock()
	fake.traffic = []ixapi.TrafficPoint{{BPSIn: 1}}
	fake.mu.Unlock()
	if err := fx.app.Traffic.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if v := fx.app.Traffic.View().(TrafficView); v.NoData || len(v.Points) != 1 {
		t.Errorf("unexpected traffic view %+v", v)
	}
}

func TestOnDemandToolsStayInactive(t *testing.T) {
	fake := newFake(ixapi.Exchange{ID: 7, Slug: "ix7", Grainy: "ix.1.7"})
	fx := newFixture(t, "/acme/", map[string]string{"ix": "r"}, fake)
	fx.start(t)

	if fake.count("ExchangeTraffic") != 0 {
		t.Error("inactive traffic tool must not be synced by selection")
	}
	fx.app.Traffic.Activate()
	fx.sess.Select(7)
	if fake.count("ExchangeTraffic") != 1 {
		t.Errorf("activated tool should sync on selection, got %d", fake.count("ExchangeTraffic"))
	}
}

func TestSetPollingAppliesToNewPollers(t *testing.T) {
	fake := newFake(ixapi.Exchange{ID: 7, Slug: "ix7", Grainy: "ix.1.7"})
	queued := "queued"
	fake.routeservers["ix7"] = []ixapi.Routeserver{{ID: 42, Name: "rs1", Grainy: "routeserver.1.7.42", ConfigStatus: &queued}}
	fx := newFixture(t, "/acme/", map[string]string{"ix": "r", "routeserver": "r"}, fake)
	fx.start(t)

	fx.app.SetPolling(config.PollingConfig{Interval: 10 * time.Millisecond, MaxPolls: 2})
	if err := fx.app.Routeservers.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	fx.app.Routeservers.mu.Lock()
	p := fx.app.Routeservers.pollers[42]
	fx.app.Routeservers.mu.Unlock()
	waitPoller(t, p)

	if got := fake.count("GetRouteserver"); got != 2 {
		t.Errorf("expected polling to stop after 2 polls, got %d", got)
	}
}
