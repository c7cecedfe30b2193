package mesh

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"

	"cowatch/transport"
)

// Link is one duplex channel to a single peer, exchanging frames.
// Send is safe for concurrent use; Recv is owned by one reader goroutine.
type Link interface {
	Send(f transport.Frame) error
	Recv() (transport.Frame, error)
	Close() error
	RemoteAddr() string
}

// Accepter hands out inbound links.
type Accepter interface {
	Accept() (Link, error)
	Addr() string
	Close() error
}

// Network abstracts link establishment so the mesh logic is independent of
// the underlying medium. Production uses TCP; tests use an in-memory pair.
type Network interface {
	Dial(ctx context.Context, addr string) (Link, error)
	Listen(addr string) (Accepter, error)
}

// TCPNetwork carries frames as newline-delimited JSON over TCP.
type TCPNetwork struct{}

func (TCPNetwork) Dial(ctx context.Context, addr string) (Link, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return newJSONLink(conn), nil
}

func (TCPNetwork) Listen(addr string) (Accepter, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return tcpAccepter{ln: ln}, nil
}

type tcpAccepter struct {
	ln net.Listener
}

func (a tcpAccepter) Accept() (Link, error) {
	conn, err := a.ln.Accept()
	if err != nil {
		return nil, err
	}
	return newJSONLink(conn), nil
}

func (a tcpAccepter) Addr() string { return a.ln.Addr().String() }

func (a tcpAccepter) Close() error { return a.ln.Close() }

type jsonLink struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
	wmu  sync.Mutex
}

func newJSONLink(conn net.Conn) *jsonLink {
	return &jsonLink{conn: conn, br: bufio.NewReader(conn), bw: bufio.NewWriter(conn)}
}

func (l *jsonLink) Send(f transport.Frame) error {
	data, err := transport.EncodeFrame(f)
	if err != nil {
		return err
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if _, err := l.bw.Write(append(data, '\n')); err != nil {
		return err
	}
	return l.bw.Flush()
}

func (l *jsonLink) Recv() (transport.Frame, error) {
	line, err := l.br.ReadBytes('\n')
	if err != nil {
		return transport.Frame{}, fmt.Errorf("link read: %w", err)
	}
	return transport.DecodeFrame(line)
}

func (l *jsonLink) Close() error { return l.conn.Close() }

func (l *jsonLink) RemoteAddr() string { return l.conn.RemoteAddr().String() }
