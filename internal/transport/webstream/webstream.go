package webstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"nuha.dev/famtrack/internal/tracker"
	"nuha.dev/famtrack/internal/transport"
	"nuha.dev/famtrack/internal/util"
)

const (
	NEW_CONNECTION      string = "new_connection"
	LOGIN_MESSAGE_ERROR string = "login_message_error"
	CONNECTION_CLOSED   string = "connection_closed"
)

const (
	CAddSub string = "ADDSUB"
	CDelSub string = "DELSUB"
)

type WebstreamServer struct {
	server *http.Server
	log    log.Logger
	ch     *tracker.Channel
	reg    *tracker.Registry
	config WebStreamConfig
	vld    *validator.Validate
}

type WebStreamConfig struct {
	ListenAddr       string
	LoginTimeout     time.Duration
	MaxSubscriptions int
}

func NewWebstream(ch *tracker.Channel, config WebStreamConfig) *WebstreamServer {
	o := &WebstreamServer{config: config}
	if o.config.LoginTimeout <= 0 {
		o.config.LoginTimeout = 5 * time.Second
	}
	if o.config.MaxSubscriptions <= 0 {
		o.config.MaxSubscriptions = 16
	}
	o.ch = ch
	o.reg = ch.Registry()
	o.vld = validator.New()
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "websocket").Value()
	o.server = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           o.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return o
}

func (ws *WebstreamServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/device", ws.serve_device)
	r.Get("/viewer", ws.serve_viewer)
	return r
}

func (ws *WebstreamServer) Run() error {
	ws.log.Info().Msgf("starting ws-server on : %s", ws.server.Addr)
	err := ws.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (ws *WebstreamServer) Shutdown(ctx context.Context) error {
	return ws.server.Shutdown(ctx)
}

// wsTransport is the outbound half of one websocket.
type wsTransport struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (t *wsTransport) Send(ctx context.Context, d []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.c.Write(ctx, websocket.MessageText, d)
}

func (t *wsTransport) reply(ctx context.Context, v interface{}) error {
	d, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.Send(ctx, d)
}

func (t *wsTransport) Close() error {
	return t.c.Close(websocket.StatusNormalClosure, "")
}

func (ws *WebstreamServer) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		ws.log.Error().Err(err).Msg("Error while upgrading websocket")
		return nil, err
	}
	ws.log.Info().Str("event", NEW_CONNECTION).Str("cid", util.GenUUID()).Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("")
	return c, nil
}

func (ws *WebstreamServer) readLogin(ctx context.Context, c *websocket.Conn, v interface{}) error {
	readCtx, cancel := context.WithTimeout(ctx, ws.config.LoginTimeout)
	defer cancel()
	if err := wsjson.Read(readCtx, c, v); err != nil {
		return err
	}
	return ws.vld.Struct(v)
}

func closedNormally(err error) bool {
	st := websocket.CloseStatus(err)
	return st == websocket.StatusNormalClosure || st == websocket.StatusGoingAway
}

func (ws *WebstreamServer) serve_device(w http.ResponseWriter, r *http.Request) {
	c, err := ws.accept(w, r)
	if err != nil {
		return
	}
	ctx := context.Background()
	login := transport.DeviceLogin{}
	if err := ws.readLogin(r.Context(), c, &login); err != nil {
		ws.log.Error().Err(err).Str("event", LOGIN_MESSAGE_ERROR).Msg("error reading device login")
		c.Close(websocket.StatusPolicyViolation, "invalid login")
		return
	}
	t := &wsTransport{c: c}
	h, err := ws.reg.Connect(r.Context(), login.DeviceID, tracker.RoleDevice, tracker.ConnectRequest{Token: login.Token, Transport: t})
	if err != nil {
		_ = t.reply(ctx, transport.RejectReply(err))
		c.Close(websocket.StatusPolicyViolation, tracker.Code(err))
		return
	}
	if err := t.reply(ctx, transport.ConnectedReply(h)); err != nil {
		ws.reg.TransportLost(login.DeviceID, h.Generation)
		return
	}
	dl := ws.log
	dl.Context = log.NewContext(nil).Str("module", "websocket").Str("device_id", login.DeviceID).Value()

	for {
		_, msg, err := c.Read(ctx)
		if err != nil {
			if closedNormally(err) {
				_ = ws.reg.Release(login.DeviceID, tracker.RoleDevice, h.Generation)
			} else {
				ws.reg.TransportLost(login.DeviceID, h.Generation)
			}
			dl.Info().Err(err).Str("event", CONNECTION_CLOSED).EmbedObject(h).Msg("")
			return
		}
		ws.reg.Touch(login.DeviceID, h.Generation)
		fix, err := transport.DecodeFix(msg)
		var acc *tracker.Accepted
		if err == nil {
			acc, err = ws.ch.SubmitFix(ctx, login.DeviceID, fix)
		}
		if werr := t.reply(ctx, transport.FixReply(&fix, acc, err)); werr != nil {
			dl.Error().Err(werr).Msg("error writing reply")
		}
		if err != nil && !tracker.Recoverable(err) {
			c.Close(websocket.StatusPolicyViolation, tracker.Code(err))
			return
		}
	}
}

func (ws *WebstreamServer) serve_viewer(w http.ResponseWriter, r *http.Request) {
	c, err := ws.accept(w, r)
	if err != nil {
		return
	}
	login := transport.ViewerLogin{}
	if err := ws.readLogin(r.Context(), c, &login); err != nil {
		ws.log.Error().Err(err).Str("event", LOGIN_MESSAGE_ERROR).Msg("error reading viewer login")
		c.Close(websocket.StatusPolicyViolation, "invalid login")
		return
	}
	wc := &WebstreamClient{srv: ws, c: c, t: &wsTransport{c: c}, login: login, sublist: map[string]bool{}}
	wc.log = ws.log
	wc.log.Context = log.NewContext(nil).Str("module", "websocket").Str("viewer", login.ViewerID).Value()
	defer func() {
		if wc.registered {
			_ = ws.reg.Release(login.ViewerID, tracker.RoleViewer, wc.gen)
		}
	}()
	for _, d := range login.Devices {
		if err := wc.subscribe(r.Context(), d); err != nil {
			_ = wc.t.reply(context.Background(), transport.RejectReply(err))
			c.Close(websocket.StatusPolicyViolation, tracker.Code(err))
			return
		}
	}
	wc.readloop()
}

type WebstreamClient struct {
	srv     *WebstreamServer
	c       *websocket.Conn
	t       *wsTransport
	login   transport.ViewerLogin
	log     log.Logger
	sublist map[string]bool
	// generation of the viewer once its first subscription succeeded
	gen        uint64
	registered bool
}

func (wc *WebstreamClient) subscribe(ctx context.Context, device_id string) error {
	if wc.sublist[device_id] {
		wc.log.Warn().Msgf("already subscribed device_id : %s", device_id)
		return nil
	}
	if len(wc.sublist) >= wc.srv.config.MaxSubscriptions {
		return errors.New("too many subscription")
	}
	h, err := wc.srv.reg.Connect(ctx, wc.login.ViewerID, tracker.RoleViewer,
		tracker.ConnectRequest{Token: wc.login.Token, Device: device_id, Transport: wc.t})
	if err != nil {
		return err
	}
	wc.gen = h.Generation
	wc.registered = true
	wc.sublist[device_id] = true
	wc.log.Trace().Msgf("subscribing to %s", device_id)
	return nil
}

func parseCommand(msg []byte) (string, []string) {
	s := strings.TrimSpace(string(msg))
	cmd, args, _ := strings.Cut(s, " ")
	var ids []string
	for _, v := range strings.Split(args, ",") {
		if v = strings.TrimSpace(v); v != "" {
			ids = append(ids, v)
		}
	}
	return cmd, ids
}

func (wc *WebstreamClient) readloop() {
	ctx := context.Background()
	for {
		_, msg, err := wc.c.Read(ctx)
		if err != nil {
			wc.log.Info().Err(err).Str("event", CONNECTION_CLOSED).Msg("")
			return
		}
		cmd, ids := parseCommand(msg)
		switch cmd {
		case CAddSub:
			wc.log.Debug().Strs("addsub", ids).Msg("receive add subscription message")
			for _, id := range ids {
				if err := wc.subscribe(ctx, id); err != nil {
					wc.log.Warn().Err(err).Str("device_id", id).Msg("subscription refused")
					_ = wc.t.reply(ctx, transport.RejectReply(err))
				}
			}
		case CDelSub:
			wc.log.Debug().Strs("delsub", ids).Msg("receive delete subscription message")
			for _, id := range ids {
				if !wc.sublist[id] {
					wc.log.Warn().Str("device_id", id).Msg("invalid unsub id")
					continue
				}
				wc.srv.reg.Unsubscribe(wc.login.ViewerID, id)
				delete(wc.sublist, id)
			}
		default:
			wc.log.Warn().Str("command", util.Truncate(cmd, 32)).Msg("unknown command")
		}
	}
}
