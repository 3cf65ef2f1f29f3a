package devsrv

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/yamux"
	"github.com/phuslu/log"
	proxyproto "github.com/pires/go-proxyproto"

	"nuha.dev/famtrack/internal/tracker"
)

const (
	NEW_CONNECTION      string = "new_connection"
	LOGIN_MESSAGE       string = "login_message"
	LOGIN_MESSAGE_ERROR string = "login_message_error"
	CONNECTION_CLOSED   string = "connection_closed"
	TUNNEL_ACCEPTED     string = "tunnel_accepted"
)

type ServerConfig struct {
	// ListenerAddr accepts devices directly, optionally behind a PROXY protocol balancer.
	ListenerAddr string
	// TunnelAddr is dialed to receive devices relayed over a yamux session.
	TunnelAddr  string
	TunnelToken string
	// TunnelTLS dials the relay over TLS when set.
	TunnelTLS    *tls.Config
	LoginTimeout time.Duration
	MaxFrame     int
}

type Server struct {
	mu          sync.Mutex
	log         log.Logger
	ch          *tracker.Channel
	reg         *tracker.Registry
	config      ServerConfig
	vld         *validator.Validate
	cid_counter uint64
	listener    net.Listener
	tunnel      *yamux.Session
	conns       map[uint64]*Conn
	wg          sync.WaitGroup
}

func NewServer(ch *tracker.Channel, config ServerConfig) *Server {
	s := &Server{config: config}
	if s.config.LoginTimeout <= 0 {
		s.config.LoginTimeout = 5 * time.Second
	}
	if s.config.MaxFrame <= 0 {
		s.config.MaxFrame = 4096
	}
	s.ch = ch
	s.reg = ch.Registry()
	s.vld = validator.New()
	s.conns = make(map[uint64]*Conn)
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "device-server").Value()
	return s
}

// Run serves until ctx is cancelled, then closes every device connection.
func (s *Server) Run(ctx context.Context) error {
	if s.config.ListenerAddr == "" && s.config.TunnelAddr == "" {
		return errors.New("device server has no listener and no tunnel")
	}
	errc := make(chan error, 2)
	if s.config.ListenerAddr != "" {
		ln, err := net.Listen("tcp", s.config.ListenerAddr)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.listener = &proxyproto.Listener{Listener: ln}
		s.mu.Unlock()
		go func() { errc <- s.runListener() }()
	}
	if s.config.TunnelAddr != "" {
		go s.runTunnel(ctx)
	}
	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}
	s.close()
	s.wg.Wait()
	return err
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}
	if s.tunnel != nil {
		s.tunnel.Close()
	}
	for _, c := range s.conns {
		c.Close()
	}
}

func (s *Server) runListener() error {
	s.log.Info().Msgf("starting device-server on %s", s.config.ListenerAddr)
	for {
		_c, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error().Err(err).Msg("failed to accept new connection")
			return err
		}
		s.serve(_c, "")
	}
}

func (s *Server) serve(nc net.Conn, raddr string) {
	c := NewConn(nc, atomic.AddUint64(&s.cid_counter, 1), raddr)
	s.log.Info().Str("event", NEW_CONNECTION).EmbedObject(c).Msg("")
	s.mu.Lock()
	s.conns[c.cid] = c
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.newDeviceHandler(c).handle()
		s.mu.Lock()
		delete(s.conns, c.cid)
		s.mu.Unlock()
	}()
}

// runTunnel keeps a yamux client session to the relay open. Every stream
// starts with the device remote address terminated by '\n'.
func (s *Server) runTunnel(ctx context.Context) {
	for ctx.Err() == nil {
		t0 := time.Now()
		if err := s.tunnelOnce(); err != nil {
			s.log.Error().Err(err).Str("addr", s.config.TunnelAddr).Msg("tunnel closed")
		}
		wait := 5 * time.Second
		if time.Since(t0) > 10*time.Second {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
}

func (s *Server) tunnelOnce() error {
	s.log.Info().Msgf("dialling tunnel %s", s.config.TunnelAddr)
	var yconn net.Conn
	var err error
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if s.config.TunnelTLS != nil {
		yconn, err = tls.DialWithDialer(dialer, "tcp", s.config.TunnelAddr, s.config.TunnelTLS)
	} else {
		yconn, err = dialer.Dial("tcp", s.config.TunnelAddr)
	}
	if err != nil {
		return err
	}
	if _, err = yconn.Write([]byte(s.config.TunnelToken)); err != nil {
		yconn.Close()
		return err
	}
	status := []byte{0}
	if _, err = yconn.Read(status); err != nil {
		yconn.Close()
		return err
	}
	if status[0] != '+' {
		yconn.Close()
		return errors.New("tunnel rejected")
	}
	session, err := yamux.Client(yconn, nil)
	if err != nil {
		yconn.Close()
		return err
	}
	s.mu.Lock()
	s.tunnel = session
	s.mu.Unlock()
	s.log.Info().Str("event", TUNNEL_ACCEPTED).Str("addr", s.config.TunnelAddr).Msg("")
	for {
		tconn, err := session.Accept()
		if err != nil {
			return err
		}
		go s.acceptStream(tconn)
	}
}

func (s *Server) acceptStream(tconn net.Conn) {
	_ = tconn.SetReadDeadline(time.Now().Add(s.config.LoginTimeout))
	raddr, err := readHeader(tconn, 128)
	if err != nil {
		s.log.Error().Err(err).Msg("error reading stream header")
		tconn.Close()
		return
	}
	s.serve(tconn, raddr)
}

// readHeader reads up to the first '\n' without buffering past it.
func readHeader(r io.Reader, max int) (string, error) {
	var sb strings.Builder
	b := []byte{0}
	for sb.Len() < max {
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
		if b[0] == '\n' {
			return strings.TrimSpace(sb.String()), nil
		}
		sb.WriteByte(b[0])
	}
	return "", errors.New("stream header too long")
}
