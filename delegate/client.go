// Package delegate provides a client that hands image operations to a remote
// processing endpoint and returns the processed image.
//
// A Client holds at most one connection and runs at most one operation at a
// time. Inputs are validated locally before anything is sent. A request that
// times out or is canceled leaves the stream in an unknown state, so the
// connection is discarded and the client returns to Disconnected. Use several
// clients (see package batch) for parallel work.
package delegate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cyberinferno/imgdelegate/cacher"
	"github.com/cyberinferno/imgdelegate/imagebuf"
	"github.com/cyberinferno/imgdelegate/logger"
	"github.com/cyberinferno/imgdelegate/operation"
	"github.com/cyberinferno/imgdelegate/protocol"
	"github.com/cyberinferno/imgdelegate/transport"
)

// Connection describes an established session with a remote endpoint.
// It is immutable once returned.
type Connection struct {
	ID          string    // Unique per successful Connect
	Endpoint    string    // Endpoint as passed to Connect
	RemoteAddr  string    // Address reported by the transport
	ConnectedAt time.Time // When the connection was established
}

// Stats is a snapshot of a client's request counters.
type Stats struct {
	Requests    uint64        // Process calls that passed validation
	Succeeded   uint64        // Calls that returned an image
	Failed      uint64        // Calls that returned an error after validation
	Timeouts    uint64        // Calls that ended in TimeoutError
	CacheHits   uint64        // Calls answered from the result cache
	LastLatency time.Duration // Duration of the most recent completed call
}

// Client delegates image operations to one remote endpoint.
// All methods are safe for concurrent use, but Process admits one call at a
// time; overlapping calls fail with ConcurrentUseError.
type Client struct {
	transport      transport.Transport
	connectTimeout time.Duration
	requestTimeout time.Duration
	logger         logger.Logger
	cache          cacher.Cacher[*imagebuf.ImageBuffer]
	cacheTTL       time.Duration

	mu            sync.Mutex
	state         State
	conn          *Connection
	handle        transport.Handle
	onStateChange StateChangeHandler

	busy      atomic.Bool
	requestID atomic.Uint64

	requests    atomic.Uint64
	succeeded   atomic.Uint64
	failed      atomic.Uint64
	timeouts    atomic.Uint64
	cacheHits   atomic.Uint64
	lastLatency atomic.Int64
}

// New creates a disconnected Client.
//
// Parameters:
//   - opts: Optional settings; without WithTransport the client dials TCP
//
// Returns:
//   - A new Client in the Disconnected state
//
// Example:
//
//	client := delegate.New(delegate.WithRequestTimeout(5 * time.Second))
//	if _, err := client.Connect(ctx, "tcp://render-01:7400"); err != nil {
//	    return err
//	}
//	defer client.Disconnect()
//	out, err := client.Process(ctx, img, operation.Blur, operation.Params{"kernel_size": 9})
func New(opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	t := o.transport
	if t == nil {
		t = transport.NewTCPTransport(o.tcpConfig)
	}

	return &Client{
		transport:      t,
		connectTimeout: o.connectTimeout,
		requestTimeout: o.requestTimeout,
		logger:         o.logger.With(logger.Field{Key: "component", Value: "delegate"}),
		cache:          o.cache,
		cacheTTL:       o.cacheTTL,
		state:          Disconnected,
	}
}

// Connect establishes the connection to endpoint.
//
// Connecting again to the endpoint the client is already connected to returns
// the existing Connection. Connecting to a different endpoint while connected
// fails; call Disconnect first.
//
// Parameters:
//   - ctx: Bounds the attempt together with the connect timeout
//   - endpoint: "host:port" or "tcp://host:port"
//
// Returns:
//   - The Connection, or a ConnectionError
func (c *Client) Connect(ctx context.Context, endpoint string) (*Connection, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, newError(KindConnection, "connect", "endpoint is empty", nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Connected {
		if sameEndpoint(c.conn.Endpoint, endpoint) {
			return c.conn, nil
		}
		return nil, newError(KindConnection, "connect",
			fmt.Sprintf("already connected to %s; disconnect before connecting to %s", c.conn.Endpoint, endpoint), nil)
	}

	dialCtx := ctx
	if c.connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.connectTimeout)
		defer cancel()
	}

	handle, err := c.transport.Dial(dialCtx, endpoint)
	if err != nil {
		c.logger.Warn("connect failed",
			logger.Field{Key: "endpoint", Value: endpoint},
			logger.Field{Key: "error", Value: err.Error()})
		return nil, newError(KindConnection, "connect", fmt.Sprintf("cannot reach %s", endpoint), err)
	}

	conn := &Connection{
		ID:          uuid.NewString(),
		Endpoint:    endpoint,
		RemoteAddr:  handle.RemoteAddr(),
		ConnectedAt: time.Now(),
	}
	c.conn = conn
	c.handle = handle
	c.state = Connected

	c.logger.Info("connected",
		logger.Field{Key: "endpoint", Value: endpoint},
		logger.Field{Key: "connection_id", Value: conn.ID},
		logger.Field{Key: "remote_addr", Value: conn.RemoteAddr})
	c.emitLocked(StateEvent{State: Connected, Endpoint: endpoint, ConnectionID: conn.ID, Timestamp: conn.ConnectedAt})

	return conn, nil
}

func sameEndpoint(a, b string) bool {
	na, errA := transport.ParseEndpoint(a)
	nb, errB := transport.ParseEndpoint(b)
	if errA != nil || errB != nil {
		return strings.TrimSpace(a) == strings.TrimSpace(b)
	}

	return na == nb
}

// Disconnect releases the connection. It is idempotent and never fails;
// teardown errors are logged.
func (c *Client) Disconnect() {
	c.mu.Lock()
	handle, conn := c.detachLocked("disconnect")
	c.mu.Unlock()

	c.closeHandle(handle, conn)
}

// detachLocked moves the client to Disconnected and returns what it held.
// c.mu must be held.
func (c *Client) detachLocked(reason string) (transport.Handle, *Connection) {
	if c.state == Disconnected {
		return nil, nil
	}

	handle, conn := c.handle, c.conn
	c.handle = nil
	c.conn = nil
	c.state = Disconnected

	c.emitLocked(StateEvent{
		State:        Disconnected,
		Endpoint:     conn.Endpoint,
		ConnectionID: conn.ID,
		Timestamp:    time.Now(),
		Reason:       reason,
	})

	return handle, conn
}

func (c *Client) closeHandle(handle transport.Handle, conn *Connection) {
	if handle == nil {
		return
	}

	if err := handle.Close(); err != nil {
		c.logger.Warn("error closing connection",
			logger.Field{Key: "connection_id", Value: conn.ID},
			logger.Field{Key: "error", Value: err.Error()})
		return
	}

	c.logger.Info("disconnected",
		logger.Field{Key: "endpoint", Value: conn.Endpoint},
		logger.Field{Key: "connection_id", Value: conn.ID})
}

// abandon discards handle if it is still the active one. Used when a request
// ended without a response and the stream can no longer be trusted.
func (c *Client) abandon(handle transport.Handle, reason string) {
	c.mu.Lock()
	if c.handle != handle {
		c.mu.Unlock()
		return
	}
	_, conn := c.detachLocked(reason)
	c.mu.Unlock()

	c.logger.Warn("connection discarded",
		logger.Field{Key: "connection_id", Value: conn.ID},
		logger.Field{Key: "reason", Value: reason})
	c.closeHandle(handle, conn)
}

func (c *Client) holds(handle transport.Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle == handle
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connection returns the active connection, if any.
func (c *Client) Connection() (*Connection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn, c.conn != nil
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() Stats {
	return Stats{
		Requests:    c.requests.Load(),
		Succeeded:   c.succeeded.Load(),
		Failed:      c.failed.Load(),
		Timeouts:    c.timeouts.Load(),
		CacheHits:   c.cacheHits.Load(),
		LastLatency: time.Duration(c.lastLatency.Load()),
	}
}

// OnStateChange registers a handler for connection state changes, replacing
// any previous one. Pass nil to remove it.
func (c *Client) OnStateChange(handler StateChangeHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = handler
}

func (c *Client) emitLocked(event StateEvent) {
	if c.onStateChange != nil {
		go c.onStateChange(event)
	}
}

// Process applies op to img on the remote endpoint and returns the result.
//
// Validation happens locally and in this order: connection state, operation,
// image, parameters. Nothing is transmitted when any of them fails.
//
// Parameters:
//   - ctx: Its deadline bounds the call together with the request timeout;
//     cancelling it abandons the request
//   - img: Input raster; not modified
//   - op: One of operation.Sepia, operation.Blur, operation.Resize
//   - params: Operation parameters; resize needs width and height, blur takes
//     an optional odd kernel_size, sepia takes none
//
// Returns:
//   - The processed image, with the input's channel count and, for resize, the
//     requested dimensions
//   - An *Error; TimeoutError and CanceledError also disconnect the client
func (c *Client) Process(ctx context.Context, img *imagebuf.ImageBuffer, op operation.Operation, params operation.Params) (*imagebuf.ImageBuffer, error) {
	c.mu.Lock()
	state, handle, conn := c.state, c.handle, c.conn
	c.mu.Unlock()

	if state != Connected {
		return nil, newError(KindNotConnected, "process", "client is not connected", nil)
	}

	if !op.Valid() {
		return nil, newError(KindUnsupportedOperation, "process", fmt.Sprintf("%q is not a supported operation", string(op)), nil)
	}

	if err := img.Validate(); err != nil {
		return nil, newError(KindInvalidImage, "process", "", err)
	}

	if img.Channels < op.MinChannels() {
		return nil, newError(KindInvalidImage, "process",
			fmt.Sprintf("%s needs at least %d channels, image has %d", op, op.MinChannels(), img.Channels), nil)
	}

	if n := img.EncodedLen(); n > protocol.MaxImageLength {
		return nil, newError(KindInvalidImage, "process",
			fmt.Sprintf("encoded image is %d bytes, limit is %d", n, protocol.MaxImageLength), nil)
	}

	wireParams, err := operation.Normalize(op, params)
	if err != nil {
		return nil, newError(KindInvalidParameter, "process", "", err)
	}

	if !c.busy.CompareAndSwap(false, true) {
		return nil, newError(KindConcurrentUse, "process", "another operation is in flight on this client", nil)
	}
	defer c.busy.Store(false)

	c.requests.Add(1)
	start := time.Now()

	out, err := c.execute(ctx, handle, conn, img, op, wireParams)

	latency := time.Since(start)
	c.lastLatency.Store(int64(latency))

	if err != nil {
		c.failed.Add(1)
		if KindOf(err) == KindTimeout {
			c.timeouts.Add(1)
		}
		return nil, err
	}

	c.succeeded.Add(1)
	c.logger.Debug("operation completed",
		logger.Field{Key: "connection_id", Value: conn.ID},
		logger.Field{Key: "operation", Value: string(op)},
		logger.Field{Key: "latency_ms", Value: latency.Milliseconds()})

	return out, nil
}

func (c *Client) execute(ctx context.Context, handle transport.Handle, conn *Connection, img *imagebuf.ImageBuffer, op operation.Operation, params operation.Params) (*imagebuf.ImageBuffer, error) {
	if c.cache == nil {
		return c.roundTrip(ctx, handle, conn, img, op, params)
	}

	key, err := resultKey(op, params, img)
	if err != nil {
		return nil, newError(KindProcessing, "process", "cannot derive cache key", err)
	}

	fetched := false
	out, err := c.cache.GetOrFetch(ctx, key, c.cacheTTL, func(ctx context.Context) (*imagebuf.ImageBuffer, error) {
		fetched = true
		return c.roundTrip(ctx, handle, conn, img, op, params)
	})
	if err != nil && !fetched {
		// The failure belongs to another caller sharing the cache, or to the
		// cache itself. Nothing was sent on this connection, so send it now.
		c.logger.Debug("shared fetch failed, sending directly",
			logger.Field{Key: "connection_id", Value: conn.ID},
			logger.Field{Key: "error", Value: err.Error()})
		return c.roundTrip(ctx, handle, conn, img, op, params)
	}
	if err != nil {
		if KindOf(err) == KindUnknown {
			return nil, newError(KindProcessing, "process", "result cache failed", err)
		}
		return nil, err
	}

	if !fetched {
		c.cacheHits.Add(1)
	}

	// cached values are shared; never hand one out directly
	return out.Clone(), nil
}

func (c *Client) roundTrip(ctx context.Context, handle transport.Handle, conn *Connection, img *imagebuf.ImageBuffer, op operation.Operation, params operation.Params) (*imagebuf.ImageBuffer, error) {
	reqCtx := ctx
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	req := &protocol.Request{
		ID:        c.requestID.Add(1),
		Operation: op,
		Params:    params,
		Image:     img,
	}

	c.logger.Debug("sending request",
		logger.Field{Key: "connection_id", Value: conn.ID},
		logger.Field{Key: "request_id", Value: req.ID},
		logger.Field{Key: "operation", Value: string(op)})

	resp, err := handle.RoundTrip(reqCtx, req)
	if err != nil {
		return nil, c.roundTripError(ctx, handle, err)
	}

	if resp.IsError() {
		c.logger.Debug("endpoint rejected request",
			logger.Field{Key: "request_id", Value: req.ID},
			logger.Field{Key: "kind", Value: string(resp.Error.Kind)})
		return nil, fromRemote(resp.Error)
	}

	return checkResult(resp.Image, img, op, params)
}

// roundTripError classifies a failed exchange. Timeouts and cancellations
// leave a response possibly still in flight, so the handle is discarded.
func (c *Client) roundTripError(ctx context.Context, handle transport.Handle, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		c.abandon(handle, "canceled")
		return newError(KindCanceled, "process", "request abandoned by caller", err)
	case errors.Is(err, context.DeadlineExceeded):
		c.abandon(handle, "timeout")
		return newError(KindTimeout, "process", "no response before deadline", err)
	case errors.Is(err, context.Canceled):
		c.abandon(handle, "canceled")
		return newError(KindCanceled, "process", "request abandoned", err)
	case errors.Is(err, transport.ErrClosed) && !c.holds(handle):
		return newError(KindNotConnected, "process", "disconnected during request", err)
	default:
		c.logger.Warn("round trip failed", logger.Field{Key: "error", Value: err.Error()})
		return newError(KindProcessing, "process", "transport failure", err)
	}
}

// checkResult verifies the endpoint's image against what op must produce.
func checkResult(out, in *imagebuf.ImageBuffer, op operation.Operation, params operation.Params) (*imagebuf.ImageBuffer, error) {
	if out == nil {
		return nil, newError(KindProcessing, "process", "endpoint returned no image", nil)
	}

	if err := out.Validate(); err != nil {
		return nil, newError(KindProcessing, "process", "endpoint returned a malformed image", err)
	}

	want := operation.ExpectedShape(op, params, operation.Shape{Width: in.Width, Height: in.Height, Channels: in.Channels})
	got := operation.Shape{Width: out.Width, Height: out.Height, Channels: out.Channels}
	if got != want {
		return nil, newError(KindProcessing, "process",
			fmt.Sprintf("endpoint returned %dx%dx%d, expected %dx%dx%d",
				got.Width, got.Height, got.Channels, want.Width, want.Height, want.Channels), nil)
	}

	return out, nil
}
