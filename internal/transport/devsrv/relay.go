package devsrv

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/phuslu/log"
)

type RelayConfig struct {
	// ExternalAddr is where devices connect.
	ExternalAddr string
	// TunnelAddr is where the device server dials in.
	TunnelAddr string
	Token      string
	TLS        *tls.Config
}

// Relay runs at the network edge. It accepts one yamux tunnel from a device
// server and forwards every device connection through it as a stream
// prefixed with the device remote address.
type Relay struct {
	mu      sync.Mutex
	config  RelayConfig
	log     log.Logger
	tln     net.Listener
	eln     net.Listener
	session *yamux.Session
}

func NewRelay(config RelayConfig) *Relay {
	r := &Relay{config: config}
	r.log = log.DefaultLogger
	r.log.Context = log.NewContext(nil).Str("module", "relay").Value()
	return r
}

func (r *Relay) Listen() error {
	var err error
	if r.config.TLS != nil {
		r.tln, err = tls.Listen("tcp", r.config.TunnelAddr, r.config.TLS)
	} else {
		r.tln, err = net.Listen("tcp", r.config.TunnelAddr)
	}
	if err != nil {
		return err
	}
	r.eln, err = net.Listen("tcp", r.config.ExternalAddr)
	if err != nil {
		r.tln.Close()
		return err
	}
	r.log.Info().Msgf("using external addr %s and tunnel addr %s", r.eln.Addr(), r.tln.Addr())
	return nil
}

func (r *Relay) TunnelAddr() net.Addr   { return r.tln.Addr() }
func (r *Relay) ExternalAddr() net.Addr { return r.eln.Addr() }

// Connected reports whether a device server tunnel is up.
func (r *Relay) Connected() bool {
	s := r.current()
	return s != nil && !s.IsClosed()
}

func (r *Relay) current() *yamux.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// Serve runs until ctx is cancelled. Listen must have been called.
func (r *Relay) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		r.tln.Close()
		r.eln.Close()
		if s := r.current(); s != nil {
			s.Close()
		}
	}()
	go r.acceptTunnels()
	for {
		c, err := r.eln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s := r.current()
		if s == nil || s.IsClosed() {
			r.log.Warn().Str("remote", c.RemoteAddr().String()).Msg("no tunnel, dropping connection")
			c.Close()
			continue
		}
		go r.forward(s, c)
	}
}

func (r *Relay) acceptTunnels() {
	for {
		yconn, err := r.tln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				r.log.Error().Err(err).Msg("tunnel accept failed")
			}
			return
		}
		go r.handshake(yconn)
	}
}

func (r *Relay) handshake(yconn net.Conn) {
	_ = yconn.SetReadDeadline(time.Now().Add(5 * time.Second))
	token := make([]byte, 64)
	n, err := yconn.Read(token)
	if err != nil {
		r.log.Error().Err(err).Msg("error reading tunnel token")
		yconn.Close()
		return
	}
	if subtle.ConstantTimeCompare(token[:n], []byte(r.config.Token)) != 1 {
		_, _ = yconn.Write([]byte{'-'})
		yconn.Close()
		r.log.Warn().Str("remote", yconn.RemoteAddr().String()).Msg("tunnel token rejected")
		return
	}
	_ = yconn.SetReadDeadline(time.Time{})
	if _, err = yconn.Write([]byte{'+'}); err != nil {
		yconn.Close()
		return
	}
	session, err := yamux.Server(yconn, nil)
	if err != nil {
		r.log.Error().Err(err).Msg("error creating tunnel session")
		yconn.Close()
		return
	}
	r.mu.Lock()
	old := r.session
	r.session = session
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}
	r.log.Info().Str("event", TUNNEL_ACCEPTED).Str("remote", yconn.RemoteAddr().String()).Msg("")
}

func (r *Relay) forward(s *yamux.Session, conn net.Conn) {
	defer conn.Close()
	tstream, err := s.OpenStream()
	if err != nil {
		r.log.Error().Err(err).Msg("error opening stream")
		return
	}
	defer tstream.Close()
	if _, err = fmt.Fprintf(tstream, "%s\n", conn.RemoteAddr()); err != nil {
		return
	}
	c := make(chan struct{})
	go func() {
		_, _ = io.Copy(tstream, conn)
		tstream.Close()
		close(c)
	}()
	if _, err = io.Copy(conn, tstream); err != nil {
		r.log.Debug().Err(err).Uint32("stream", tstream.StreamID()).Msg("stream closed")
	}
	conn.Close()
	<-c
}
