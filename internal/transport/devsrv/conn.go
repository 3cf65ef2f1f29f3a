package devsrv

import (
	"bufio"
	"net"

	"github.com/phuslu/log"
)

// Conn is a device socket with a peekable reader. raddr overrides the remote
// address for streams relayed through the tunnel.
type Conn struct {
	cid   uint64
	tuple []string
	r     *bufio.Reader
	net.Conn
}

func NewConn(c net.Conn, cid uint64, raddr string) *Conn {
	if raddr == "" {
		raddr = c.RemoteAddr().String()
	}
	sourceip, sourceport, _ := net.SplitHostPort(raddr)
	targetip, targetport, _ := net.SplitHostPort(c.LocalAddr().String())
	return &Conn{cid, []string{sourceip, sourceport, targetip, targetport}, bufio.NewReader(c), c}
}

func (c *Conn) Peek(n int) ([]byte, error) {
	return c.r.Peek(n)
}

func (c *Conn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *Conn) MarshalObject(e *log.Entry) {
	e.Uint64("cid", c.cid).Strs("socket", c.tuple)
}
