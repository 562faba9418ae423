// Package config loads YAML settings for delegate clients, the result cache
// and the processing server, and builds the runtime components from them.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/cyberinferno/imgdelegate/batch"
	"github.com/cyberinferno/imgdelegate/cacher"
	"github.com/cyberinferno/imgdelegate/delegate"
	"github.com/cyberinferno/imgdelegate/imagebuf"
	"github.com/cyberinferno/imgdelegate/logger"
	"github.com/cyberinferno/imgdelegate/tcpserver"
	"github.com/cyberinferno/imgdelegate/transport"
)

// Cache backends.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Log formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config is the root of the YAML document.
type Config struct {
	Client ClientConfig `yaml:"client"`
	Server ServerConfig `yaml:"server"`
	Cache  CacheConfig  `yaml:"cache"`
	Log    LogConfig    `yaml:"log"`
}

// ClientConfig configures delegate clients. Endpoint and Workers are used by
// NewRunner; the rest apply to every client built from ClientOptions.
type ClientConfig struct {
	Endpoint       string   `yaml:"endpoint"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	RequestTimeout Duration `yaml:"request_timeout"`
	Compress       bool     `yaml:"compress"`
	Workers        int      `yaml:"workers"` // clients opened by NewRunner
}

// ServerConfig configures the processing server built by NewServer.
type ServerConfig struct {
	Name        string   `yaml:"name"`
	Address     string   `yaml:"address"`
	IdleTimeout Duration `yaml:"idle_timeout"`
}

// CacheConfig selects and tunes the result cache built by NewCache.
type CacheConfig struct {
	Type            string      `yaml:"type"` // none/memory/redis
	TTL             Duration    `yaml:"ttl"`
	CleanupInterval Duration    `yaml:"cleanup_interval"`
	Redis           RedisConfig `yaml:"redis"`
}

// RedisConfig holds the connection settings for the redis cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// LogConfig configures the logger built by NewLogger.
type LogConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"` // json/console
	Service string `yaml:"service"`
}

// Duration reads YAML strings such as "250ms" or "30s".
type Duration struct{ time.Duration }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dd, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dd
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Default returns the settings used for anything a file leaves out.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			ConnectTimeout: Duration{delegate.DefaultConnectTimeout},
			RequestTimeout: Duration{delegate.DefaultRequestTimeout},
			Workers:        1,
		},
		Server: ServerConfig{
			Name:    "imgdelegate",
			Address: ":7400",
		},
		Cache: CacheConfig{
			Type:            CacheNone,
			TTL:             Duration{10 * time.Minute},
			CleanupInterval: Duration{time.Minute},
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "imgdelegate:",
			},
		},
		Log: LogConfig{
			Level:   "info",
			Format:  FormatJSON,
			Service: "imgdelegate",
		},
	}
}

// Load reads path and overlays it on Default.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse overlays YAML data on Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Client.Endpoint != "" {
		if _, err := transport.ParseEndpoint(c.Client.Endpoint); err != nil {
			errs = append(errs, fmt.Errorf("client.endpoint: %w", err))
		}
	}
	if c.Client.ConnectTimeout.Duration < 0 {
		errs = append(errs, errors.New("client.connect_timeout must not be negative"))
	}
	if c.Client.RequestTimeout.Duration < 0 {
		errs = append(errs, errors.New("client.request_timeout must not be negative"))
	}
	if c.Client.Workers < 1 {
		errs = append(errs, fmt.Errorf("client.workers must be at least 1, got %d", c.Client.Workers))
	}

	switch c.Cache.Type {
	case CacheNone, CacheMemory:
	case CacheRedis:
		if c.Cache.Redis.Addr == "" {
			errs = append(errs, errors.New("cache.redis.addr is required for the redis cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.type %q is not one of none, memory, redis", c.Cache.Type))
	}
	if c.Cache.TTL.Duration < 0 {
		errs = append(errs, errors.New("cache.ttl must not be negative"))
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != FormatJSON && c.Log.Format != FormatConsole {
		errs = append(errs, fmt.Errorf("log.format %q is not one of json, console", c.Log.Format))
	}

	return errors.Join(errs...)
}

// NewLogger builds the configured logger. w receives JSON output; console
// output always goes to stderr.
func (c *Config) NewLogger(w io.Writer) (logger.Logger, error) {
	level, err := logger.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}

	if c.Log.Format == FormatConsole {
		return logger.NewConsoleLogger(c.Log.Service, level), nil
	}

	return logger.NewZerologLogger(w, c.Log.Service, level), nil
}

// NewCache builds the configured result cache, or nil for CacheNone.
func (c *Config) NewCache() (cacher.Cacher[*imagebuf.ImageBuffer], error) {
	switch c.Cache.Type {
	case CacheNone:
		return nil, nil
	case CacheMemory:
		return cacher.NewMemoryCacher[*imagebuf.ImageBuffer](c.Cache.TTL.Duration, c.Cache.CleanupInterval.Duration), nil
	case CacheRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     c.Cache.Redis.Addr,
			Password: c.Cache.Redis.Password,
			DB:       c.Cache.Redis.DB,
		})
		return cacher.NewRedisCacher[*imagebuf.ImageBuffer](client, c.Cache.Redis.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown cache type %q", c.Cache.Type)
	}
}

// ClientOptions returns delegate options for the client section.
// results may be nil to disable caching.
func (c *Config) ClientOptions(l logger.Logger, results cacher.Cacher[*imagebuf.ImageBuffer]) []delegate.Option {
	opts := []delegate.Option{
		delegate.WithConnectTimeout(c.Client.ConnectTimeout.Duration),
		delegate.WithRequestTimeout(c.Client.RequestTimeout.Duration),
		delegate.WithCompression(c.Client.Compress),
		delegate.WithLogger(l),
	}

	if results != nil {
		opts = append(opts, delegate.WithResultCache(results, c.Cache.TTL.Duration))
	}

	return opts
}

// NewRunner connects Workers clients to Endpoint and returns a batch Runner
// over them.
//
// Parameters:
//   - ctx: Bounds the connection attempts
//   - l: Logger shared by the clients
//   - results: Result cache shared by the clients; may be nil
//
// Returns:
//   - The Runner
//   - A function that disconnects every client
//   - An error if Endpoint is empty or any client fails to connect; clients
//     already connected are disconnected first
func (c *Config) NewRunner(ctx context.Context, l logger.Logger, results cacher.Cacher[*imagebuf.ImageBuffer]) (*batch.Runner, func(), error) {
	if c.Client.Endpoint == "" {
		return nil, nil, errors.New("client.endpoint is required for batch runs")
	}

	opts := c.ClientOptions(l, results)
	clients := make([]*delegate.Client, 0, c.Client.Workers)
	closeAll := func() {
		for _, client := range clients {
			client.Disconnect()
		}
	}

	for i := 0; i < c.Client.Workers; i++ {
		client := delegate.New(opts...)
		if _, err := client.Connect(ctx, c.Client.Endpoint); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("connect worker %d: %w", i, err)
		}
		clients = append(clients, client)
	}

	processors := make([]batch.Processor, len(clients))
	for i, client := range clients {
		processors[i] = client
	}

	return batch.NewRunner(processors...), closeAll, nil
}

// NewServer builds a processing server for the server section.
func (c *Config) NewServer(handler tcpserver.Handler, l logger.Logger) *tcpserver.TCPServer {
	s := tcpserver.NewTCPServer(c.Server.Name, c.Server.Address, handler, l)
	s.IdleTimeout = c.Server.IdleTimeout.Duration
	return s
}
