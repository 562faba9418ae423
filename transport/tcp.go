package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/imgdelegate/protocol"
)

// TCPConfig holds settings for the TCP transport.
type TCPConfig struct {
	// ConnectionTimeout is the max duration for establishing a new connection.
	ConnectionTimeout time.Duration
	// KeepAlivePeriod is the TCP keep-alive interval; negative disables keep-alive.
	KeepAlivePeriod time.Duration
	// WriteTimeout bounds a request write when the context has no deadline; 0 means none.
	WriteTimeout time.Duration
	// Compress gzips request bodies.
	Compress bool
}

// DefaultTCPConfig returns a TCPConfig with defaults: ConnectionTimeout 10s,
// KeepAlivePeriod 30s, WriteTimeout 10s, Compress false.
func DefaultTCPConfig() TCPConfig {
	return TCPConfig{
		ConnectionTimeout: 10 * time.Second,
		KeepAlivePeriod:   30 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// TCPTransport dials endpoints over TCP and speaks the framed protocol.
type TCPTransport struct {
	config TCPConfig
}

var _ Transport = (*TCPTransport)(nil)

// NewTCPTransport creates a TCP transport with the given config.
func NewTCPTransport(config TCPConfig) *TCPTransport {
	return &TCPTransport{config: config}
}

// Dial implements Transport.
func (t *TCPTransport) Dial(ctx context.Context, endpoint string) (Handle, error) {
	addr, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	conn, err := t.dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	return &tcpHandle{transport: t, address: addr, conn: conn}, nil
}

func (t *TCPTransport) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := net.Dialer{
		Timeout:   t.config.ConnectionTimeout,
		KeepAlive: t.config.KeepAlivePeriod,
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s failed: %w", addr, err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("set no delay failed: %w", err)
		}
	}

	return conn, nil
}

// tcpHandle owns one TCP connection. After an I/O failure the socket is
// dropped, since the stream may be mid-frame, and the next RoundTrip dials
// again. Requests themselves are never resent.
type tcpHandle struct {
	transport *TCPTransport
	address   string

	rtMu sync.Mutex // serializes round trips

	mu     sync.Mutex // protects conn and closed
	conn   net.Conn
	closed bool
}

// aLongTimeAgo is a deadline that makes blocked socket I/O return immediately.
var aLongTimeAgo = time.Unix(1, 0)

func (h *tcpHandle) RoundTrip(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	h.rtMu.Lock()
	defer h.rtMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := protocol.EncodeRequest(req, h.transport.config.Compress)
	if err != nil {
		return nil, err
	}

	conn, err := h.activeConn(ctx)
	if err != nil {
		return nil, err
	}

	if err := h.applyDeadlines(ctx, conn); err != nil {
		h.drop(conn)
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(aLongTimeAgo)
	})
	defer stop()

	if err := writeFull(conn, data); err != nil {
		h.drop(conn)
		return nil, h.ioError(ctx, "write request", err)
	}

	resp, err := protocol.ReadResponse(conn)
	if err != nil {
		h.drop(conn)
		return nil, h.ioError(ctx, "read response", err)
	}

	if resp.ID != req.ID {
		h.drop(conn)
		return nil, fmt.Errorf("%w: sent %d, received %d", ErrResponseMismatch, req.ID, resp.ID)
	}

	return resp, nil
}

func (h *tcpHandle) activeConn(ctx context.Context) (net.Conn, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	conn := h.conn
	h.mu.Unlock()

	if conn != nil {
		return conn, nil
	}

	conn, err := h.transport.dial(ctx, h.address)
	if err != nil {
		return nil, h.ioError(ctx, "redial", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		_ = conn.Close()
		return nil, ErrClosed
	}
	h.conn = conn

	return conn, nil
}

func (h *tcpHandle) applyDeadlines(ctx context.Context, conn net.Conn) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("set deadline failed: %w", err)
		}
		return nil
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("set read deadline failed: %w", err)
	}

	var writeDeadline time.Time
	if h.transport.config.WriteTimeout > 0 {
		writeDeadline = time.Now().Add(h.transport.config.WriteTimeout)
	}

	if err := conn.SetWriteDeadline(writeDeadline); err != nil {
		return fmt.Errorf("set write deadline failed: %w", err)
	}

	return nil
}

// ioError attributes a socket failure to the context when the context ended
// or its deadline fired on the socket first.
func (h *tcpHandle) ioError(ctx context.Context, what string, err error) error {
	if h.isClosed() {
		return fmt.Errorf("%s: %w", what, ErrClosed)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", what, ctxErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		if _, ok := ctx.Deadline(); ok {
			return fmt.Errorf("%s: %w: %v", what, context.DeadlineExceeded, err)
		}
	}

	return fmt.Errorf("%s: %w", what, err)
}

func (h *tcpHandle) drop(conn net.Conn) {
	h.mu.Lock()
	if h.conn == conn {
		h.conn = nil
	}
	h.mu.Unlock()

	_ = conn.Close()
}

func (h *tcpHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *tcpHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}

	h.closed = true
	conn := h.conn
	h.conn = nil
	h.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("close connection failed: %w", err)
		}
	}

	return nil
}

func (h *tcpHandle) RemoteAddr() string {
	return h.address
}

func writeFull(w net.Conn, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}

	return nil
}
