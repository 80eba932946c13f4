// Package transport implements the Virtual-Network Adapter: a minimal
// socket abstraction over a secure overlay network whose admission,
// routing, and encryption are externally configured. This package is the
// only one that touches the underlying network library (net.Conn); every
// layer above it sees only Stream/Dial/Acceptor.
package transport

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/ChuLiYu/task-messenger/pkg/types"
)

// Stream is a reliable, ordered byte-stream connection, TCP-like per §4.1.
type Stream interface {
	// Read blocks the calling goroutine until data arrives, ctx's deadline
	// passes, or ctx is cancelled.
	Read(ctx context.Context, buf []byte) (n int, err error)
	Write(ctx context.Context, buf []byte) (n int, err error)
	Close() error
	RemoteAddr() net.Addr
}

// Acceptor listens for inbound Streams.
type Acceptor struct {
	ln net.Listener
}

// Listen binds endpoint and returns an Acceptor.
func Listen(endpoint string) (*Acceptor, error) {
	ln, err := net.Listen("tcp", endpoint)
	if err != nil {
		return nil, types.TransportError("listen failed", mapNetErr(err))
	}
	return &Acceptor{ln: ln}, nil
}

// Accept blocks until a Stream arrives or ctx is cancelled.
func (a *Acceptor) Accept(ctx context.Context) (Stream, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := a.ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		return nil, types.CancelledError("accept cancelled")
	case r := <-ch:
		if r.err != nil {
			return nil, types.TransportError("accept failed", mapNetErr(r.err))
		}
		return newConnStream(r.conn), nil
	}
}

// Close stops accepting new connections.
func (a *Acceptor) Close() error { return a.ln.Close() }

// Addr returns the bound local address.
func (a *Acceptor) Addr() net.Addr { return a.ln.Addr() }

// Dial opens an outbound Stream to endpoint.
func Dial(ctx context.Context, endpoint string) (Stream, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.CancelledError("dial cancelled")
		}
		return nil, types.TransportError("dial failed", mapNetErr(err))
	}
	return newConnStream(conn), nil
}

// connStream adapts net.Conn to Stream, translating context deadlines into
// the underlying connection's deadline mechanism so a cancelled ctx unblocks
// a pending Read/Write rather than hanging the calling goroutine forever.
type connStream struct {
	conn net.Conn
}

func newConnStream(conn net.Conn) *connStream {
	return &connStream{conn: conn}
}

func (s *connStream) Read(ctx context.Context, buf []byte) (int, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(dl)
	} else {
		_ = s.conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetReadDeadline(time.Now()) })
	defer stop()
	n, err := s.conn.Read(buf)
	if err != nil {
		return n, s.mapIOErr(ctx, err)
	}
	return n, nil
}

func (s *connStream) Write(ctx context.Context, buf []byte) (int, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(dl)
	} else {
		_ = s.conn.SetWriteDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { _ = s.conn.SetWriteDeadline(time.Now()) })
	defer stop()
	n, err := s.conn.Write(buf)
	if err != nil {
		return n, s.mapIOErr(ctx, err)
	}
	return n, nil
}

func (s *connStream) Close() error          { return s.conn.Close() }
func (s *connStream) RemoteAddr() net.Addr  { return s.conn.RemoteAddr() }

func (s *connStream) mapIOErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return types.CancelledError("stream operation cancelled")
	}
	var ne net.Error
	if ok := asNetError(err, &ne); ok && ne.Timeout() {
		return types.TransportError("stream deadline exceeded", types.ErrTimeout)
	}
	return types.TransportError("stream I/O failed", mapNetErr(err))
}

func asNetError(err error, target *net.Error) bool {
	if ne, ok := err.(net.Error); ok {
		*target = ne
		return true
	}
	return false
}

func mapNetErr(err error) error {
	if err == nil {
		return nil
	}
	if err == io.EOF {
		return types.ErrPeerClosed
	}
	var ne net.Error
	if asNetError(err, &ne) && ne.Timeout() {
		return types.ErrTimeout
	}
	if opErr, ok := err.(*net.OpError); ok {
		if opErr.Op == "dial" {
			return types.ErrUnreachable
		}
	}
	return types.ErrReset
}
