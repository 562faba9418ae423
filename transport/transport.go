// Package transport moves protocol frames between the delegate client and a
// remote processing endpoint. A Transport dials endpoints; the resulting Handle
// is the live resource that carries request/response round trips.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/cyberinferno/imgdelegate/protocol"
)

var (
	// ErrInvalidEndpoint is returned (wrapped) for malformed endpoint strings.
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	// ErrClosed is returned by a Handle after Close.
	ErrClosed = errors.New("transport handle closed")
	// ErrResponseMismatch is returned when a response answers a different request.
	ErrResponseMismatch = errors.New("response does not match request")
)

// Transport opens handles to remote endpoints.
type Transport interface {
	// Dial connects to endpoint.
	//
	// Parameters:
	//   - ctx: Bounds the connection attempt
	//   - endpoint: "host:port" or "tcp://host:port"
	//
	// Returns:
	//   - A live Handle, or an error (wrapping ErrInvalidEndpoint for bad input)
	Dial(ctx context.Context, endpoint string) (Handle, error)
}

// Handle is an open connection to one endpoint. RoundTrip calls are
// serialized; Close may be called concurrently to abort one in flight.
type Handle interface {
	// RoundTrip sends req and waits for its response. The ctx deadline bounds
	// the whole exchange; when ctx ends first the returned error wraps ctx.Err().
	RoundTrip(ctx context.Context, req *protocol.Request) (*protocol.Response, error)

	// Close releases the handle. Safe to call more than once.
	Close() error

	// RemoteAddr returns the address the handle talks to.
	RemoteAddr() string
}

// ParseEndpoint validates endpoint and returns the "host:port" to dial.
//
// Parameters:
//   - endpoint: "host:port" or "tcp://host:port"; the host may be empty
//     only for the scheme-less form (":9000" listens on all interfaces)
//
// Returns:
//   - The dial address, or an error wrapping ErrInvalidEndpoint
func ParseEndpoint(endpoint string) (string, error) {
	addr := strings.TrimSpace(endpoint)
	if addr == "" {
		return "", fmt.Errorf("%w: empty endpoint", ErrInvalidEndpoint)
	}

	if scheme, rest, ok := strings.Cut(addr, "://"); ok {
		if !strings.EqualFold(scheme, "tcp") {
			return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, scheme)
		}
		addr = strings.TrimSuffix(rest, "/")
		if strings.HasPrefix(addr, ":") {
			return "", fmt.Errorf("%w: missing host in %q", ErrInvalidEndpoint, endpoint)
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, endpoint, err)
	}

	if strings.ContainsAny(host, "/ ") {
		return "", fmt.Errorf("%w: bad host %q", ErrInvalidEndpoint, host)
	}

	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return "", fmt.Errorf("%w: bad port %q", ErrInvalidEndpoint, port)
	}

	return net.JoinHostPort(host, port), nil
}
