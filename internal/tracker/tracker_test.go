package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mustafaturan/bus/v3"

	"nuha.dev/famtrack/internal/connstate"
	"nuha.dev/famtrack/internal/model"
	"nuha.dev/famtrack/internal/ratelimit"
	"nuha.dev/famtrack/internal/store/impl/memstore"
)

type fakeAuth struct {
	mu      sync.Mutex
	devices map[string]string
	viewers map[string]string
	err     error
	calls   int
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{devices: map[string]string{}, viewers: map[string]string{}}
}

func (a *fakeAuth) AuthorizeDevice(ctx context.Context, device_id, token string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return false, a.err
	}
	tok, ok := a.devices[device_id]
	return ok && tok == token, nil
}

func (a *fakeAuth) deviceCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *fakeAuth) AuthorizeViewer(ctx context.Context, viewer_id, device_id, token string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return false, a.err
	}
	return a.viewers[viewer_id] == device_id && token == "ok", nil
}

type fakeTransport struct {
	mu     sync.Mutex
	msgs   [][]byte
	closed int
	block  bool
}

func (t *fakeTransport) Send(ctx context.Context, d []byte) error {
	if t.block {
		<-ctx.Done()
		return ctx.Err()
	}
	t.mu.Lock()
	t.msgs = append(t.msgs, d)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed++
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Closed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) locations() []model.Update {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []model.Update
	for _, d := range t.msgs {
		u := model.Update{}
		if err := json.Unmarshal(d, &u); err == nil && u.Type == model.TypeLocation {
			out = append(out, u)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type fixture struct {
	auth *fakeAuth
	reg  *Registry
	ch   *Channel
	st   *memstore.Store
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	f := &fixture{auth: newFakeAuth(), st: memstore.NewStore()}
	f.auth.devices["deviceA"] = "good"
	f.auth.viewers["mom"] = "deviceA"
	f.auth.viewers["dad"] = "deviceA"
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = time.Minute
	}
	opts = append([]Option{WithStore(f.st)}, opts...)
	reg, err := NewRegistry(f.auth, cfg, opts...)
	if err != nil {
		t.Fatal(err)
	}
	f.reg = reg
	f.ch = NewChannel(reg, ratelimit.New(ratelimit.Config{Window: time.Minute, MaxRequests: 1000}), f.st)
	return f
}

func (f *fixture) connect(t *testing.T, tr Transport) *SessionHandle {
	t.Helper()
	h, err := f.reg.Connect(context.Background(), "deviceA", RoleDevice, ConnectRequest{Token: "good", Transport: tr})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func nyc(ts time.Time) model.LocationFix {
	return model.LocationFix{Latitude: 40.7128, Longitude: -74.0060, Timestamp: ts}
}

func TestSubmitSamePosition(t *testing.T) {
	f := newFixture(t, Config{MovementThreshold: 0.001})
	f.connect(t, &fakeTransport{})
	ctx := context.Background()

	acc, err := f.ch.SubmitFix(ctx, "deviceA", nyc(t0))
	if err != nil {
		t.Fatal(err)
	}
	if !acc.Update.MovedSignificantly {
		t.Fatal("first fix should count as moved")
	}
	acc, err = f.ch.SubmitFix(ctx, "deviceA", nyc(t0.Add(time.Millisecond)))
	if err != nil {
		t.Fatal(err)
	}
	if acc.Update.MovedSignificantly {
		t.Fatal("same position reported as moved")
	}
	if acc.Update.DeviceID != "deviceA" || acc.Update.Fix.DeviceID != "deviceA" || acc.Update.ConnectionStatus != connstate.Connected {
		t.Fatalf("update=%+v", acc.Update)
	}
	far := model.LocationFix{Latitude: 40.7306, Longitude: -73.9352, Timestamp: t0.Add(time.Second)}
	acc, err = f.ch.SubmitFix(ctx, "deviceA", far)
	if err != nil || !acc.Update.MovedSignificantly {
		t.Fatalf("far fix: acc=%+v err=%v", acc, err)
	}
	if f.st.Saved() != 3 {
		t.Fatalf("saved=%d", f.st.Saved())
	}
}

func TestSubmitOutOfOrder(t *testing.T) {
	f := newFixture(t, Config{})
	f.connect(t, &fakeTransport{})
	ctx := context.Background()
	if _, err := f.ch.SubmitFix(ctx, "deviceA", nyc(t0)); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		fix  model.LocationFix
	}{
		{"equal timestamp", nyc(t0)},
		{"older timestamp", nyc(t0.Add(-time.Second))},
		{"older and invalid coordinates", model.LocationFix{Latitude: 91, Longitude: 0, Timestamp: t0.Add(-time.Hour)}},
		{"zero timestamp", model.LocationFix{Latitude: 40.7128, Longitude: -74.0060}},
		{"older and bad battery", model.LocationFix{Latitude: 40.7128, Longitude: -74.0060, Timestamp: t0.Add(-time.Minute), BatteryLevel: fp(150)}},
	}
	for _, tt := range tests {
		_, err := f.ch.SubmitFix(ctx, "deviceA", tt.fix)
		if !errors.Is(err, ErrOutOfOrder) {
			t.Fatalf("%s: err=%v", tt.name, err)
		}
	}
	if st, _ := f.reg.Status("deviceA"); st != connstate.Connected {
		t.Fatalf("status=%s", st)
	}
}

func TestSubmitRejections(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	if _, err := f.ch.SubmitFix(ctx, "deviceA", nyc(t0)); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("no session: err=%v", err)
	}
	f.connect(t, &fakeTransport{})

	tests := []struct {
		name string
		fix  model.LocationFix
		err  error
	}{
		{"latitude", model.LocationFix{Latitude: 90.5, Longitude: 0, Timestamp: t0}, ErrInvalidCoordinates},
		{"longitude", model.LocationFix{Latitude: 0, Longitude: -180.1, Timestamp: t0}, ErrInvalidCoordinates},
		{"other device", model.LocationFix{DeviceID: "deviceB", Timestamp: t0}, ErrUnauthenticated},
		{"bad heading", model.LocationFix{Heading: fp(400), Timestamp: t0}, ErrInvalidFix},
		{"ok", nyc(t0), nil},
	}
	for _, tt := range tests {
		_, err := f.ch.SubmitFix(ctx, "deviceA", tt.fix)
		if !errors.Is(err, tt.err) {
			t.Fatalf("%s: err=%v", tt.name, err)
		}
	}
	if st, _ := f.reg.Status("deviceA"); st != connstate.Connected {
		t.Fatalf("recoverable rejects changed status to %s", st)
	}
}

func fp(f float64) *float64 {
	return &f
}

func TestSubmitRateLimited(t *testing.T) {
	f := newFixture(t, Config{})
	f.ch = NewChannel(f.reg, ratelimit.New(ratelimit.Config{Window: time.Minute, MaxRequests: 2}), nil)
	f.connect(t, &fakeTransport{})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := f.ch.SubmitFix(ctx, "deviceA", nyc(t0.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatal(err)
		}
	}
	_, err := f.ch.SubmitFix(ctx, "deviceA", nyc(t0.Add(time.Hour)))
	if !errors.Is(err, ErrRateLimited) || Code(err) != CodeRateLimited || !Recoverable(err) {
		t.Fatalf("err=%v", err)
	}
	if st, _ := f.reg.Status("deviceA"); st != connstate.Connected {
		t.Fatalf("status=%s", st)
	}
}

func collectStatus(t *testing.T) (*bus.Bus, func() []connstate.StatusEvent) {
	b, err := connstate.NewBus(1)
	if err != nil {
		t.Fatal(err)
	}
	var mu sync.Mutex
	var got []connstate.StatusEvent
	b.RegisterHandler("test", bus.Handler{
		Matcher: connstate.TopicStatus,
		Handle: func(ctx context.Context, e bus.Event) {
			mu.Lock()
			got = append(got, e.Data.(connstate.StatusEvent))
			mu.Unlock()
		},
	})
	return b, func() []connstate.StatusEvent {
		mu.Lock()
		defer mu.Unlock()
		return append([]connstate.StatusEvent(nil), got...)
	}
}

func TestUnauthorizedThenConnect(t *testing.T) {
	b, events := collectStatus(t)
	f := newFixture(t, Config{}, WithBus(b))
	ctx := context.Background()

	_, err := f.reg.Connect(ctx, "deviceA", RoleDevice, ConnectRequest{Token: "bad", Transport: &fakeTransport{}})
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err=%v", err)
	}
	if st, _ := f.reg.Status("deviceA"); st != connstate.Unauthorized {
		t.Fatalf("status=%s", st)
	}
	f.connect(t, &fakeTransport{})

	want := [][2]connstate.Status{
		{connstate.Disconnected, connstate.Connecting},
		{connstate.Connecting, connstate.Unauthorized},
		{connstate.Unauthorized, connstate.Connecting},
		{connstate.Connecting, connstate.Connected},
	}
	waitFor(t, "status events", func() bool { return len(events()) >= len(want) })
	got := events()
	if len(got) != len(want) {
		t.Fatalf("events=%+v", got)
	}
	for i, ev := range got {
		if ev.Identity != "deviceA" || ev.Previous != want[i][0] || ev.New != want[i][1] {
			t.Fatalf("event %d=%+v", i, ev)
		}
		if ev.New == connstate.Reconnecting {
			t.Fatal("passed through reconnecting")
		}
	}
}

func TestAuthBackendFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.auth.err = errors.New("db down")
	_, err := f.reg.Connect(context.Background(), "deviceA", RoleDevice, ConnectRequest{Token: "good"})
	if !errors.Is(err, ErrTransportFailure) {
		t.Fatalf("err=%v", err)
	}
	if st, _ := f.reg.Status("deviceA"); st != connstate.Error {
		t.Fatalf("status=%s", st)
	}
	f.auth.err = nil
	f.connect(t, nil)
	if st, _ := f.reg.Status("deviceA"); st != connstate.Connected {
		t.Fatalf("status=%s", st)
	}
}

func TestDropExhaustsRetryBudget(t *testing.T) {
	f := newFixture(t, Config{RetryBudget: 2, BaseDelay: 5 * time.Millisecond})
	exhausted := make(chan error, 1)
	f.reg.OnExhausted = func(device_id string, err error) {
		exhausted <- err
	}
	tr := &fakeTransport{}
	h := f.connect(t, tr)

	f.reg.TransportLost("deviceA", h.Generation)
	if st, _ := f.reg.Status("deviceA"); st != connstate.Reconnecting {
		t.Fatalf("status=%s", st)
	}
	if tr.Closed() != 1 {
		t.Fatal("lost transport not closed")
	}
	select {
	case err := <-exhausted:
		if !errors.Is(err, ErrRetryBudgetExhausted) {
			t.Fatalf("err=%v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("budget never exhausted")
	}
	info := f.reg.Snapshot()
	if len(info) != 1 || info[0].Status != connstate.Error || info[0].Attempts != 2 {
		t.Fatalf("snapshot=%+v", info)
	}

	f.connect(t, &fakeTransport{})
	info = f.reg.Snapshot()
	if info[0].Status != connstate.Connected || info[0].Attempts != 0 {
		t.Fatalf("after connect: %+v", info[0])
	}
}

func TestReconnectResumes(t *testing.T) {
	b, events := collectStatus(t)
	f := newFixture(t, Config{BaseDelay: time.Hour}, WithBus(b))
	h := f.connect(t, &fakeTransport{})
	f.reg.TransportLost("deviceA", h.Generation)
	h2 := f.connect(t, &fakeTransport{})
	if h2.Generation == h.Generation {
		t.Fatal("generation not bumped")
	}
	waitFor(t, "status events", func() bool { return len(events()) >= 4 })
	got := events()
	if got[2].New != connstate.Reconnecting || got[3].Previous != connstate.Reconnecting || got[3].New != connstate.Connected {
		t.Fatalf("events=%+v", got)
	}
}

func TestSubmitWhileReconnecting(t *testing.T) {
	f := newFixture(t, Config{BaseDelay: time.Hour})
	h := f.connect(t, &fakeTransport{})
	f.reg.TransportLost("deviceA", h.Generation)
	_, err := f.ch.SubmitFix(context.Background(), "deviceA", nyc(t0))
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err=%v", err)
	}
	if st, _ := f.reg.Status("deviceA"); st != connstate.Unauthorized {
		t.Fatalf("status=%s", st)
	}
}

func TestReplacePreservesLastFix(t *testing.T) {
	f := newFixture(t, Config{MovementThreshold: 1})
	ctx := context.Background()
	t1 := &fakeTransport{}
	h1 := f.connect(t, t1)
	if _, err := f.ch.SubmitFix(ctx, "deviceA", nyc(t0)); err != nil {
		t.Fatal(err)
	}
	t2 := &fakeTransport{}
	h2 := f.connect(t, t2)
	if t1.Closed() != 1 || t2.Closed() != 0 {
		t.Fatalf("closed t1=%d t2=%d", t1.Closed(), t2.Closed())
	}
	if f.reg.Len() != 1 {
		t.Fatalf("sessions=%d", f.reg.Len())
	}
	if _, err := f.ch.SubmitFix(ctx, "deviceA", nyc(t0)); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("err=%v", err)
	}
	acc, err := f.ch.SubmitFix(ctx, "deviceA", nyc(t0.Add(time.Second)))
	if err != nil || acc.Update.MovedSignificantly {
		t.Fatalf("acc=%+v err=%v", acc, err)
	}

	// the old connection going away must not drop the new one
	f.reg.TransportLost("deviceA", h1.Generation)
	if st, _ := f.reg.Status("deviceA"); st != connstate.Connected {
		t.Fatalf("status=%s", st)
	}
	f.reg.TransportLost("deviceA", h2.Generation)
	if st, _ := f.reg.Status("deviceA"); st != connstate.Reconnecting {
		t.Fatalf("status=%s", st)
	}
}

func TestSeedFromStore(t *testing.T) {
	f := newFixture(t, Config{})
	seed := nyc(t0)
	seed.DeviceID = "deviceA"
	_ = f.st.SaveFix(context.Background(), &seed)
	f.connect(t, &fakeTransport{})
	if _, err := f.ch.SubmitFix(context.Background(), "deviceA", nyc(t0)); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("err=%v", err)
	}
}

func TestFanOut(t *testing.T) {
	f := newFixture(t, Config{OutboxSize: 4})
	ctx := context.Background()
	f.connect(t, &fakeTransport{})

	good := &fakeTransport{}
	stuck := &fakeTransport{block: true}
	if _, err := f.reg.Connect(ctx, "mom", RoleViewer, ConnectRequest{Token: "ok", Device: "deviceA", Transport: good}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.reg.Connect(ctx, "dad", RoleViewer, ConnectRequest{Token: "ok", Device: "deviceA", Transport: stuck}); err != nil {
		t.Fatal(err)
	}

	const n = 50
	for i := 0; i < n; i++ {
		fix := model.LocationFix{Latitude: float64(i) / 100, Longitude: 0, Timestamp: t0.Add(time.Duration(i) * time.Second)}
		acc, err := f.ch.SubmitFix(ctx, "deviceA", fix)
		if err != nil {
			t.Fatal(err)
		}
		if acc.Delivered != 2 {
			t.Fatalf("delivered=%d", acc.Delivered)
		}
		waitFor(t, "update", func() bool { return len(good.locations()) == i+1 })
	}
	for i, u := range good.locations() {
		if !u.Fix.Timestamp.Equal(t0.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("update %d out of order: %v", i, u.Fix.Timestamp)
		}
	}
	st, ok := f.reg.ViewerStats("dad")
	if !ok || st.Skipped == 0 {
		t.Fatalf("stuck viewer stats=%+v", st)
	}
}

func TestViewerConnectErrors(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	tests := []struct {
		name   string
		viewer string
		req    ConnectRequest
		err    error
	}{
		{"no device", "mom", ConnectRequest{Token: "ok", Transport: &fakeTransport{}}, ErrNoTargetDevice},
		{"bad token", "mom", ConnectRequest{Token: "x", Device: "deviceA", Transport: &fakeTransport{}}, ErrUnauthenticated},
		{"not allowed", "stranger", ConnectRequest{Token: "ok", Device: "deviceA", Transport: &fakeTransport{}}, ErrUnauthenticated},
		{"no transport", "mom", ConnectRequest{Token: "ok", Device: "deviceA"}, ErrTransportFailure},
	}
	for _, tt := range tests {
		_, err := f.reg.Connect(ctx, tt.viewer, RoleViewer, tt.req)
		if !errors.Is(err, tt.err) {
			t.Fatalf("%s: err=%v", tt.name, err)
		}
	}
}

func TestViewerReplay(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.connect(t, &fakeTransport{})
	if _, err := f.ch.SubmitFix(ctx, "deviceA", nyc(t0)); err != nil {
		t.Fatal(err)
	}
	tr := &fakeTransport{}
	h, err := f.reg.Connect(ctx, "mom", RoleViewer, ConnectRequest{Token: "ok", Device: "deviceA", Transport: tr})
	if err != nil {
		t.Fatal(err)
	}
	if h.Status != connstate.Connected || h.Role != "viewer" || h.ID == "" {
		t.Fatalf("handle=%+v", h)
	}
	waitFor(t, "replay", func() bool { return len(tr.locations()) == 1 })
}

func TestDisconnectViewer(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.connect(t, &fakeTransport{})
	tr := &fakeTransport{}
	if _, err := f.reg.Connect(ctx, "mom", RoleViewer, ConnectRequest{Token: "ok", Device: "deviceA", Transport: tr}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ch.SubmitFix(ctx, "deviceA", nyc(t0)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first update", func() bool { return len(tr.locations()) == 1 })

	for i := 0; i < 2; i++ {
		if err := f.reg.Disconnect("mom", RoleViewer); err != nil {
			t.Fatal(err)
		}
	}
	if tr.Closed() != 1 {
		t.Fatalf("closed=%d", tr.Closed())
	}
	acc, err := f.ch.SubmitFix(ctx, "deviceA", nyc(t0.Add(time.Second)))
	if err != nil {
		t.Fatal(err)
	}
	if acc.Delivered != 0 || len(tr.locations()) != 1 {
		t.Fatalf("delivered after disconnect: %d %d", acc.Delivered, len(tr.locations()))
	}
	if _, ok := f.reg.ViewerStats("mom"); ok {
		t.Fatal("viewer still registered")
	}
}

func TestViewerUnsubscribe(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	tr := &fakeTransport{}
	if _, err := f.reg.Connect(ctx, "mom", RoleViewer, ConnectRequest{Token: "ok", Device: "deviceA", Transport: tr}); err != nil {
		t.Fatal(err)
	}
	// watching a device that never connected keeps an empty session
	if f.reg.Len() != 1 {
		t.Fatalf("sessions=%d", f.reg.Len())
	}
	f.reg.Unsubscribe("mom", "deviceA")
	if f.reg.Len() != 0 {
		t.Fatalf("sessions=%d after unsubscribe", f.reg.Len())
	}
}

func TestDisconnectDevice(t *testing.T) {
	f := newFixture(t, Config{GracePeriod: 20 * time.Millisecond})
	ctx := context.Background()
	tr := &fakeTransport{}
	f.connect(t, tr)
	for i := 0; i < 2; i++ {
		if err := f.reg.Disconnect("deviceA", RoleDevice); err != nil {
			t.Fatal(err)
		}
	}
	if tr.Closed() != 1 {
		t.Fatalf("closed=%d", tr.Closed())
	}
	if st, _ := f.reg.Status("deviceA"); st != connstate.Disconnected {
		t.Fatalf("status=%s", st)
	}
	if _, err := f.ch.SubmitFix(ctx, "deviceA", nyc(t0)); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err=%v", err)
	}
	waitFor(t, "teardown", func() bool { return f.reg.Len() == 0 })
}

func TestReconnectWithinGrace(t *testing.T) {
	f := newFixture(t, Config{GracePeriod: 30 * time.Millisecond})
	f.connect(t, &fakeTransport{})
	if err := f.reg.Disconnect("deviceA", RoleDevice); err != nil {
		t.Fatal(err)
	}
	f.connect(t, &fakeTransport{})
	time.Sleep(80 * time.Millisecond)
	if st, ok := f.reg.Status("deviceA"); !ok || st != connstate.Connected {
		t.Fatalf("status=%s ok=%v", st, ok)
	}
}

func TestTeardownKeepsWatchedSession(t *testing.T) {
	f := newFixture(t, Config{GracePeriod: 10 * time.Millisecond})
	ctx := context.Background()
	f.connect(t, &fakeTransport{})
	if _, err := f.reg.Connect(ctx, "mom", RoleViewer, ConnectRequest{Token: "ok", Device: "deviceA", Transport: &fakeTransport{}}); err != nil {
		t.Fatal(err)
	}
	_ = f.reg.Disconnect("deviceA", RoleDevice)
	time.Sleep(50 * time.Millisecond)
	if f.reg.Len() != 1 {
		t.Fatal("watched session removed")
	}
	_ = f.reg.Disconnect("mom", RoleViewer)
	if f.reg.Len() != 0 {
		t.Fatalf("sessions=%d", f.reg.Len())
	}
}

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestReap(t *testing.T) {
	clk := &stepClock{t: t0}
	f := newFixture(t, Config{IdleTimeout: 10 * time.Minute}, WithClock(clk.Now))
	tr := &fakeTransport{}
	f.connect(t, tr)

	clk.Advance(5 * time.Minute)
	if n := f.reg.Reap(); n != 0 {
		t.Fatalf("reaped=%d", n)
	}
	clk.Advance(6 * time.Minute)
	if n := f.reg.Reap(); n != 1 {
		t.Fatalf("reaped=%d", n)
	}
	if tr.Closed() != 1 || f.reg.Len() != 0 {
		t.Fatalf("closed=%d sessions=%d", tr.Closed(), f.reg.Len())
	}
}

func TestTouchKeepsSessionAlive(t *testing.T) {
	clk := &stepClock{t: t0}
	f := newFixture(t, Config{IdleTimeout: 10 * time.Minute}, WithClock(clk.Now))
	tr := &fakeTransport{}
	h := f.connect(t, tr)

	for i := 0; i < 3; i++ {
		clk.Advance(6 * time.Minute)
		f.reg.Touch("deviceA", h.Generation)
		if n := f.reg.Reap(); n != 0 {
			t.Fatalf("reaped=%d after keepalive", n)
		}
	}
	// a stale connection does not count as activity
	clk.Advance(6 * time.Minute)
	f.reg.Touch("deviceA", h.Generation-1)
	clk.Advance(5 * time.Minute)
	if n := f.reg.Reap(); n != 1 {
		t.Fatalf("reaped=%d", n)
	}
	if tr.Closed() != 1 {
		t.Fatalf("closed=%d", tr.Closed())
	}
}

func TestSubmitWithCredential(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	good := ConnectRequest{Token: "good"}

	if _, err := f.ch.SubmitWithCredential(ctx, "deviceA", ConnectRequest{Token: "bad"}, nyc(t0)); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err=%v", err)
	}
	if _, err := f.ch.SubmitWithCredential(ctx, "deviceA", good, nyc(t0)); err != nil {
		t.Fatal(err)
	}
	if st, _ := f.reg.Status("deviceA"); st != connstate.Connected {
		t.Fatalf("status=%s", st)
	}
	paris := model.LocationFix{Latitude: 48.8566, Longitude: 2.3522, Timestamp: t0.Add(time.Minute)}
	for _, req := range []ConnectRequest{{}, {Token: "bad"}} {
		if _, err := f.ch.SubmitWithCredential(ctx, "deviceA", req, paris); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("token %q: err=%v", req.Token, err)
		}
	}
	if st, _ := f.reg.Status("deviceA"); st != connstate.Connected {
		t.Fatalf("status=%s after rejected fix", st)
	}
	if n := f.st.Saved(); n != 1 {
		t.Fatalf("saved=%d", n)
	}
	if _, err := f.ch.SubmitWithCredential(ctx, "deviceA", good, paris); err != nil {
		t.Fatal(err)
	}
}

func TestSubmitWithCredentialLimitsFirst(t *testing.T) {
	f := newFixture(t, Config{})
	f.ch = NewChannel(f.reg, ratelimit.New(ratelimit.Config{Window: time.Minute, MaxRequests: 2}), f.st)
	ctx := context.Background()
	want := []error{ErrUnauthenticated, ErrUnauthenticated, ErrRateLimited, ErrRateLimited}
	for i, w := range want {
		_, err := f.ch.SubmitWithCredential(ctx, "deviceA", ConnectRequest{Token: "guess"}, nyc(t0))
		if !errors.Is(err, w) {
			t.Fatalf("request %d: err=%v want %v", i, err, w)
		}
	}
	if n := f.auth.deviceCalls(); n != 2 {
		t.Fatalf("authorizer called %d times", n)
	}
}

func TestReaperStartStop(t *testing.T) {
	f := newFixture(t, Config{ReapPeriod: time.Millisecond})
	f.reg.StartReaper(context.Background())
	f.reg.StartReaper(context.Background())
	f.reg.StopReaper()
	f.reg.StopReaper()
}

func TestConcurrentDevices(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	ids := []string{"d0", "d1", "d2", "d3", "d4", "d5", "d6", "d7"}
	for _, id := range ids {
		f.auth.devices[id] = "tok"
	}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := f.reg.Connect(ctx, id, RoleDevice, ConnectRequest{Token: "tok"}); err != nil {
				t.Error(err)
				return
			}
			for i := 0; i < 20; i++ {
				if _, err := f.ch.SubmitFix(ctx, id, nyc(t0.Add(time.Duration(i)*time.Second))); err != nil {
					t.Error(err)
					return
				}
			}
		}(id)
	}
	wg.Wait()
	if f.reg.Len() != len(ids) {
		t.Fatalf("sessions=%d", f.reg.Len())
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{nil, CodeOK},
		{ErrRateLimited, CodeRateLimited},
		{ErrOutOfOrder, CodeOutOfOrder},
		{ErrInvalidCoordinates, CodeInvalidCoordinates},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		if c := Code(tt.err); c != tt.code {
			t.Fatalf("Code(%v)=%s", tt.err, c)
		}
	}
	if Recoverable(ErrUnauthenticated) {
		t.Fatal("unauthenticated is not recoverable")
	}
}

func TestReleaseStaleGeneration(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	h1 := f.connect(t, &fakeTransport{})
	h2 := f.connect(t, &fakeTransport{})
	if err := f.reg.Release("deviceA", RoleDevice, h1.Generation); err != nil {
		t.Fatal(err)
	}
	if st, _ := f.reg.Status("deviceA"); st != connstate.Connected {
		t.Fatalf("stale release changed status to %s", st)
	}
	_ = f.reg.Release("deviceA", RoleDevice, h2.Generation)
	if st, _ := f.reg.Status("deviceA"); st != connstate.Disconnected {
		t.Fatalf("status=%s", st)
	}

	v1, err := f.reg.Connect(ctx, "mom", RoleViewer, ConnectRequest{Token: "ok", Device: "deviceA", Transport: &fakeTransport{}})
	if err != nil {
		t.Fatal(err)
	}
	t2 := &fakeTransport{}
	if _, err := f.reg.Connect(ctx, "mom", RoleViewer, ConnectRequest{Token: "ok", Device: "deviceA", Transport: t2}); err != nil {
		t.Fatal(err)
	}
	_ = f.reg.Release("mom", RoleViewer, v1.Generation)
	if _, ok := f.reg.ViewerStats("mom"); !ok {
		t.Fatal("stale release removed the viewer")
	}
}
