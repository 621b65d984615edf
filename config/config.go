// Package config loads the directory settings from the environment and builds
// the store and remote client they describe.
package config

import (
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/agentuity/character-directory/logger"
	"github.com/agentuity/character-directory/remote"
	"github.com/agentuity/character-directory/store"
	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/xhit/go-str2duration/v2"
)

// Cache backend names accepted by DIRECTORY_CACHE_BACKEND.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds every setting read from the environment.
type Config struct {
	APIBaseURL    string        `env:"DIRECTORY_API_BASE_URL"`
	CacheBackend  string        `env:"DIRECTORY_CACHE_BACKEND" envDefault:"sqlite"`
	CachePath     string        `env:"DIRECTORY_CACHE_PATH" envDefault:"directory-cache.db"`
	RedisURL      string        `env:"DIRECTORY_REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisPrefix   string        `env:"DIRECTORY_REDIS_PREFIX" envDefault:"directory"`
	CacheTTL      time.Duration `env:"DIRECTORY_CACHE_TTL" envDefault:"24h"`
	QueryTimeout  time.Duration `env:"DIRECTORY_CACHE_QUERY_TIMEOUT" envDefault:"5s"`
	SweepInterval time.Duration `env:"DIRECTORY_SWEEP_INTERVAL" envDefault:"1h"`
	HTTPTimeout   time.Duration `env:"DIRECTORY_HTTP_TIMEOUT" envDefault:"30s"`
	HTTPRetries   int           `env:"DIRECTORY_HTTP_RETRIES" envDefault:"3"`
}

// parseDuration accepts day and week units ("1d", "2w3d") on top of the
// time.ParseDuration syntax.
func parseDuration(v string) (any, error) {
	return str2duration.ParseDuration(strings.TrimSpace(v))
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	opts := env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(time.Duration(0)): parseDuration,
		},
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, errors.Wrap(err, "parse env")
	}
	cfg.CacheBackend = strings.ToLower(strings.TrimSpace(cfg.CacheBackend))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return errors.New("DIRECTORY_API_BASE_URL is required")
	}
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.Newf("DIRECTORY_API_BASE_URL %q is not an absolute URL", c.APIBaseURL)
	}
	switch c.CacheBackend {
	case BackendSQLite:
		if c.CachePath == "" {
			return errors.New("DIRECTORY_CACHE_PATH is required for the sqlite backend")
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return errors.New("DIRECTORY_REDIS_URL is required for the redis backend")
		}
	case BackendMemory:
	default:
		return errors.Newf("unknown DIRECTORY_CACHE_BACKEND %q", c.CacheBackend)
	}
	if c.CacheTTL <= 0 {
		return errors.New("DIRECTORY_CACHE_TTL must be positive")
	}
	if c.QueryTimeout <= 0 {
		return errors.New("DIRECTORY_CACHE_QUERY_TIMEOUT must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.New("DIRECTORY_SWEEP_INTERVAL must be positive")
	}
	if c.HTTPTimeout <= 0 {
		return errors.New("DIRECTORY_HTTP_TIMEOUT must be positive")
	}
	if c.HTTPRetries < 0 {
		return errors.New("DIRECTORY_HTTP_RETRIES must not be negative")
	}
	return nil
}

// redisBackend closes the client it was built with.
type redisBackend struct {
	store.Backend
	client *redis.Client
}

func (r *redisBackend) Close() error {
	return errors.CombineErrors(r.Backend.Close(), r.client.Close())
}

// NewBackend builds the configured cache backend. Nothing is opened yet.
func (c *Config) NewBackend() (store.Backend, error) {
	switch c.CacheBackend {
	case BackendSQLite:
		return store.NewSQLite(c.CachePath, store.WithQueryTimeout(c.QueryTimeout)), nil
	case BackendRedis:
		client, err := store.ParseRedisURL(c.RedisURL, c.QueryTimeout)
		if err != nil {
			return nil, err
		}
		return &redisBackend{
			Backend: store.NewRedis(client, store.WithPrefix(c.RedisPrefix), store.WithQueryTimeout(c.QueryTimeout)),
			client:  client,
		}, nil
	case BackendMemory:
		return store.NewMemory(), nil
	}
	return nil, errors.Newf("unknown cache backend %q", c.CacheBackend)
}

// NewStore builds the cache store over the configured backend.
func (c *Config) NewStore(log logger.Logger) (*store.Store, error) {
	backend, err := c.NewBackend()
	if err != nil {
		return nil, err
	}
	return store.New(backend,
		store.WithTTL(c.CacheTTL),
		store.WithLogger(logger.WithKV(log, "backend", c.CacheBackend)),
	), nil
}

// NewSource builds the remote catalog client.
func (c *Config) NewSource(log logger.Logger) *remote.Client {
	return remote.New(c.APIBaseURL,
		remote.WithTimeout(c.HTTPTimeout),
		remote.WithRetries(c.HTTPRetries),
		remote.WithLogger(log),
	)
}
