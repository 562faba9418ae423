package delegate

import (
	"time"

	"github.com/cyberinferno/imgdelegate/cacher"
	"github.com/cyberinferno/imgdelegate/imagebuf"
	"github.com/cyberinferno/imgdelegate/logger"
	"github.com/cyberinferno/imgdelegate/transport"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

type clientOptions struct {
	transport      transport.Transport
	tcpConfig      transport.TCPConfig
	connectTimeout time.Duration
	requestTimeout time.Duration
	logger         logger.Logger
	cache          cacher.Cacher[*imagebuf.ImageBuffer]
	cacheTTL       time.Duration
}

func defaultOptions() *clientOptions {
	return &clientOptions{
		tcpConfig:      transport.DefaultTCPConfig(),
		connectTimeout: DefaultConnectTimeout,
		requestTimeout: DefaultRequestTimeout,
		logger:         logger.NewNopLogger(),
	}
}

// Option configures a Client.
type Option func(*clientOptions)

// WithTransport replaces the default TCP transport.
func WithTransport(t transport.Transport) Option {
	return func(o *clientOptions) {
		o.transport = t
	}
}

// WithConnectTimeout bounds Connect. Zero or negative leaves only the
// caller's context as a bound.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(o *clientOptions) {
		o.connectTimeout = timeout
		o.tcpConfig.ConnectionTimeout = timeout
	}
}

// WithRequestTimeout bounds each Process call. The caller's context deadline
// applies as well; whichever is earlier wins. Zero or negative disables the
// client-side bound.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(o *clientOptions) {
		o.requestTimeout = timeout
	}
}

// WithCompression gzips request bodies on the default TCP transport.
// It has no effect together with WithTransport.
func WithCompression(enabled bool) Option {
	return func(o *clientOptions) {
		o.tcpConfig.Compress = enabled
	}
}

// WithLogger sets the client's logger.
func WithLogger(l logger.Logger) Option {
	return func(o *clientOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithResultCache serves repeated identical requests from c. Entries live for ttl.
func WithResultCache(c cacher.Cacher[*imagebuf.ImageBuffer], ttl time.Duration) Option {
	return func(o *clientOptions) {
		o.cache = c
		o.cacheTTL = ttl
	}
}
