package devsrv

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/famtrack/internal/tracker"
	"nuha.dev/famtrack/internal/transport"
)

// frameTransport writes replies and pushes to one device as frames.
type frameTransport struct {
	mu sync.Mutex
	c  *Conn
}

func (t *frameTransport) Send(ctx context.Context, d []byte) error {
	return t.write(ctx, REPLY, d)
}

func (t *frameTransport) write(ctx context.Context, protocol byte, d []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = t.c.SetWriteDeadline(dl)
		defer t.c.SetWriteDeadline(time.Time{})
	}
	return WriteMessage(t.c, protocol, d)
}

func (t *frameTransport) reply(ctx context.Context, v interface{}) error {
	d, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.Send(ctx, d)
}

func (t *frameTransport) Close() error {
	return t.c.Close()
}

type deviceHandler struct {
	s         *Server
	c         *Conn
	t         *frameTransport
	msg       FrameMessage
	device_id string
	log       log.Logger
}

func (s *Server) newDeviceHandler(c *Conn) *deviceHandler {
	h := &deviceHandler{s: s, c: c, t: &frameTransport{c: c}}
	h.msg.Buffer = make([]byte, s.config.MaxFrame)
	h.log = s.log
	return h
}

func (h *deviceHandler) MarshalObject(e *log.Entry) {
	e.EmbedObject(h.c).Str("device_id", h.device_id)
}

func (h *deviceHandler) login(ctx context.Context) (*tracker.SessionHandle, error) {
	_ = h.c.SetReadDeadline(time.Now().Add(h.s.config.LoginTimeout))
	b, err := h.c.Peek(1)
	if err != nil {
		return nil, err
	}
	if b[0] != START_BYTE {
		return nil, errBadFrame
	}
	if err = ReadMessage(h.c, &h.msg); err != nil {
		return nil, err
	}
	_ = h.c.SetReadDeadline(time.Time{})
	if h.msg.Protocol != LOGIN {
		return nil, errors.New("first frame is not a login")
	}
	login := transport.DeviceLogin{}
	if err = json.Unmarshal(h.msg.Payload, &login); err != nil {
		return nil, err
	}
	if err = h.s.vld.Struct(&login); err != nil {
		return nil, err
	}
	h.device_id = login.DeviceID
	h.log.Context = log.NewContext(nil).Str("module", "device-server").Str("device_id", login.DeviceID).Value()
	h.log.Info().Str("event", LOGIN_MESSAGE).EmbedObject(h).Msg("")
	sh, err := h.s.reg.Connect(ctx, login.DeviceID, tracker.RoleDevice, tracker.ConnectRequest{Token: login.Token, Transport: h.t})
	if err != nil {
		_ = h.t.reply(ctx, transport.RejectReply(err))
		return nil, err
	}
	return sh, nil
}

func (h *deviceHandler) handle() {
	ctx := context.Background()
	sh, err := h.login(ctx)
	if err != nil {
		h.log.Error().Err(err).Str("event", LOGIN_MESSAGE_ERROR).EmbedObject(h).Msg("closing connection")
		h.c.Close()
		return
	}
	if err := h.t.reply(ctx, transport.ConnectedReply(sh)); err != nil {
		h.s.reg.TransportLost(h.device_id, sh.Generation)
		h.c.Close()
		return
	}
	release := func() {
		_ = h.s.reg.Release(h.device_id, tracker.RoleDevice, sh.Generation)
		h.c.Close()
	}
	for {
		err := ReadMessage(h.c, &h.msg)
		if err != nil {
			switch {
			case errors.Is(err, errBadFrame):
				h.log.Error().Err(err).EmbedObject(h).Msg("protocol error")
				release()
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), isNetErr(err):
				h.s.reg.TransportLost(h.device_id, sh.Generation)
				h.c.Close()
			default:
				release()
			}
			h.log.Info().Err(err).Str("event", CONNECTION_CLOSED).EmbedObject(h).Msg("")
			return
		}
		h.s.reg.Touch(h.device_id, sh.Generation)
		switch h.msg.Protocol {
		case LOCATION_UPDATE:
			fix, err := transport.DecodeFix(h.msg.Payload)
			var acc *tracker.Accepted
			if err == nil {
				acc, err = h.s.ch.SubmitFix(ctx, h.device_id, fix)
			}
			if werr := h.t.reply(ctx, transport.FixReply(&fix, acc, err)); werr != nil {
				h.log.Error().Err(werr).EmbedObject(h).Msg("error writing reply")
			}
			if err != nil && !tracker.Recoverable(err) {
				h.log.Info().Err(err).EmbedObject(h).Msg("closing on non recoverable reject")
				release()
				return
			}
		case PING:
			if err := h.t.write(ctx, PING, nil); err != nil {
				h.log.Error().Err(err).EmbedObject(h).Msg("error writing ping")
			}
		case LOGOUT:
			h.log.Info().Str("event", CONNECTION_CLOSED).EmbedObject(h).Msg("logout")
			release()
			return
		default:
			h.log.Warn().EmbedObject(h).Msgf("unknown protocol : %x", h.msg.Protocol)
		}
	}
}

func isNetErr(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) || errors.Is(err, net.ErrClosed)
}
