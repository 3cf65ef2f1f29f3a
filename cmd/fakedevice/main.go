package main

import (
	"context"
	"errors"
	"flag"
	"math"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/phuslu/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"nuha.dev/famtrack/internal/connstate"
	"nuha.dev/famtrack/internal/model"
	"nuha.dev/famtrack/internal/tracker"
	"nuha.dev/famtrack/internal/transport"
)

// device simulates a phone reporting fixes over the websocket transport. It
// runs the same connection state machine as the server, on the client side.
type device struct {
	mu    sync.Mutex
	url   string
	login transport.DeviceLogin
	c     *websocket.Conn
	m     *connstate.Machine
	rc    *connstate.Reconnector
	log   log.Logger
}

func (d *device) dial(ctx context.Context, _ int) error {
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(dctx, d.url, nil)
	if err != nil {
		return err
	}
	if err = wsjson.Write(dctx, c, d.login); err != nil {
		c.Close(websocket.StatusInternalError, "")
		return err
	}
	rep := transport.Reply{}
	if err = wsjson.Read(dctx, c, &rep); err != nil {
		c.Close(websocket.StatusInternalError, "")
		return err
	}
	if rep.Type != transport.ReplyConnected {
		c.Close(websocket.StatusNormalClosure, "")
		if rep.Code == tracker.CodeUnauthenticated {
			return connstate.ErrUnauthorized
		}
		return errors.New(rep.Message)
	}
	d.log.Info().Str("session", rep.Session).Uint64("generation", rep.Generation).Msg("logged in")
	d.mu.Lock()
	d.c = c
	d.mu.Unlock()
	return nil
}

func (d *device) conn() *websocket.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.c
}

func (d *device) dropped(err error) {
	d.log.Warn().Err(err).Msg("connection lost")
	d.mu.Lock()
	if d.c != nil {
		d.c.Close(websocket.StatusGoingAway, "")
		d.c = nil
	}
	d.mu.Unlock()
	if _, ferr := d.m.Fire(connstate.EventDropped); ferr == nil {
		d.rc.Start(d.dial)
	}
}

func (d *device) send(ctx context.Context, fix model.LocationFix) {
	c := d.conn()
	if c == nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wsjson.Write(wctx, c, fix); err != nil {
		d.dropped(err)
		return
	}
	rep := transport.Reply{}
	if err := wsjson.Read(wctx, c, &rep); err != nil {
		d.dropped(err)
		return
	}
	if rep.Type == transport.ReplyReject {
		d.log.Warn().Str("code", rep.Code).Str("message", rep.Message).Msg("fix rejected")
		return
	}
	d.log.Debug().Time("timestamp", fix.Timestamp).Bool("moved", rep.Moved != nil && *rep.Moved).Msg("fix accepted")
}

func main() {
	url := flag.String("url", "ws://localhost:3333/ws/device", "device websocket url")
	id := flag.String("id", "fake-1", "device id")
	token := flag.String("token", "", "device token")
	interval := flag.Duration("interval", 2*time.Second, "time between fixes")
	lat := flag.Float64("lat", -6.2, "start latitude")
	lon := flag.Float64("lon", 106.8, "start longitude")
	step := flag.Float64("step", 30, "metres moved east per fix")
	budget := flag.Int("retry", connstate.DefaultRetryBudget, "reconnect attempts before giving up")
	debug := flag.Bool("debug", false, "log every fix")
	flag.Parse()
	if *debug {
		log.DefaultLogger.Level = log.DebugLevel
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	d := &device{url: *url, login: transport.DeviceLogin{DeviceID: *id, Token: *token}}
	d.log = log.DefaultLogger
	d.log.Context = log.NewContext(nil).Str("module", "fakedevice").Str("device_id", *id).Value()
	done := make(chan struct{})
	var once sync.Once
	d.m = connstate.NewMachine(*budget, connstate.ObserverFunc(func(c connstate.Change) {
		d.log.Info().Str("from", c.Previous.String()).Str("to", c.New.String()).Msg("status")
		if c.New == connstate.Unauthorized || c.New == connstate.Error {
			once.Do(func() { close(done) })
		}
	}))
	d.rc = connstate.NewReconnector(d.m, time.Second)

	_, _ = d.m.Fire(connstate.EventConnect)
	if err := d.dial(ctx, 0); err != nil {
		if errors.Is(err, connstate.ErrUnauthorized) {
			_, _ = d.m.Fire(connstate.EventAuthRejected)
		} else {
			d.log.Error().Err(err).Msg("connect failed")
			_, _ = d.m.Fire(connstate.EventTransportFailure)
		}
		os.Exit(1)
	}
	_, _ = d.m.Fire(connstate.EventEstablished)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	pos := model.LocationFix{DeviceID: *id, Latitude: *lat, Longitude: *lon}
	for {
		select {
		case <-ctx.Done():
			d.rc.Cancel()
			if c := d.conn(); c != nil {
				c.Close(websocket.StatusNormalClosure, "")
			}
			_, _ = d.m.Fire(connstate.EventDisconnect)
			return
		case <-done:
			os.Exit(1)
		case t := <-ticker.C:
			if d.m.Status() != connstate.Connected {
				continue
			}
			pos.Longitude += *step / (111320 * math.Cos(pos.Latitude*math.Pi/180))
			pos.Timestamp = t.UTC()
			d.send(ctx, pos)
		}
	}
}
