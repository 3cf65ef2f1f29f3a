package webstream

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"nuha.dev/famtrack/internal/auth/static"
	"nuha.dev/famtrack/internal/connstate"
	"nuha.dev/famtrack/internal/model"
	"nuha.dev/famtrack/internal/ratelimit"
	"nuha.dev/famtrack/internal/tracker"
	"nuha.dev/famtrack/internal/transport"
)

func setup(t *testing.T) (*httptest.Server, *tracker.Registry) {
	h, _ := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	a := static.New()
	a.SetDevice("phone-1", string(h))
	a.SetViewer("mom", string(h), "phone-1")
	reg, err := tracker.NewRegistry(a, tracker.Config{})
	if err != nil {
		t.Fatal(err)
	}
	ch := tracker.NewChannel(reg, ratelimit.New(ratelimit.Config{}), nil)
	ws := NewWebstream(ch, WebStreamConfig{})
	srv := httptest.NewServer(ws.Handler())
	t.Cleanup(srv.Close)
	return srv, reg
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func readJSON(t *testing.T, c *websocket.Conn, v interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Read(ctx, c, v); err != nil {
		t.Fatal(err)
	}
}

func TestDeviceAndViewer(t *testing.T) {
	srv, reg := setup(t)
	ctx := context.Background()

	dev := dial(t, srv, "/device")
	defer dev.Close(websocket.StatusNormalClosure, "")
	if err := wsjson.Write(ctx, dev, transport.DeviceLogin{DeviceID: "phone-1", Token: "secret"}); err != nil {
		t.Fatal(err)
	}
	rep := transport.Reply{}
	readJSON(t, dev, &rep)
	if rep.Type != transport.ReplyConnected || rep.Session == "" {
		t.Fatalf("login reply=%+v", rep)
	}

	view := dial(t, srv, "/viewer")
	defer view.Close(websocket.StatusNormalClosure, "")
	if err := wsjson.Write(ctx, view, transport.ViewerLogin{ViewerID: "mom", Token: "secret", Devices: []string{"phone-1"}}); err != nil {
		t.Fatal(err)
	}
	st := model.StatusMessage{}
	readJSON(t, view, &st)
	if st.Type != model.TypeStatus || st.New != connstate.Connected {
		t.Fatalf("status replay=%+v", st)
	}

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := wsjson.Write(ctx, dev, model.LocationFix{Latitude: 1, Longitude: 2, Timestamp: ts}); err != nil {
		t.Fatal(err)
	}
	readJSON(t, dev, &rep)
	if rep.Type != transport.ReplyAck || rep.Moved == nil || !*rep.Moved {
		t.Fatalf("ack=%+v", rep)
	}
	u := model.Update{}
	readJSON(t, view, &u)
	if u.Type != model.TypeLocation || u.DeviceID != "phone-1" || !u.Fix.Timestamp.Equal(ts) {
		t.Fatalf("update=%+v", u)
	}

	// stale fix is rejected but the connection stays up
	if err := wsjson.Write(ctx, dev, model.LocationFix{Latitude: 1, Longitude: 2, Timestamp: ts}); err != nil {
		t.Fatal(err)
	}
	readJSON(t, dev, &rep)
	if rep.Type != transport.ReplyReject || rep.Code != tracker.CodeOutOfOrder {
		t.Fatalf("reject=%+v", rep)
	}
	if s, _ := reg.Status("phone-1"); s != connstate.Connected {
		t.Fatalf("status=%s", s)
	}
}

func TestDeviceBadToken(t *testing.T) {
	srv, reg := setup(t)
	dev := dial(t, srv, "/device")
	defer dev.Close(websocket.StatusNormalClosure, "")
	if err := wsjson.Write(context.Background(), dev, transport.DeviceLogin{DeviceID: "phone-1", Token: "nope"}); err != nil {
		t.Fatal(err)
	}
	rep := transport.Reply{}
	readJSON(t, dev, &rep)
	if rep.Code != tracker.CodeUnauthenticated {
		t.Fatalf("reply=%+v", rep)
	}
	if s, _ := reg.Status("phone-1"); s != connstate.Unauthorized {
		t.Fatalf("status=%s", s)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in  string
		cmd string
		ids []string
	}{
		{"ADDSUB a,b", CAddSub, []string{"a", "b"}},
		{"DELSUB  c , ", CDelSub, []string{"c"}},
		{"PING", "PING", nil},
	}
	for _, tt := range tests {
		cmd, ids := parseCommand([]byte(tt.in))
		if cmd != tt.cmd || strings.Join(ids, "|") != strings.Join(tt.ids, "|") {
			t.Fatalf("%q: cmd=%s ids=%v", tt.in, cmd, ids)
		}
	}
}
