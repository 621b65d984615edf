package config

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentuity/character-directory/character"
	"github.com/agentuity/character-directory/logger"
	"github.com/agentuity/character-directory/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DIRECTORY_API_BASE_URL", "https://example.com/api")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/api", cfg.APIBaseURL)
	assert.Equal(t, BackendSQLite, cfg.CacheBackend)
	assert.Equal(t, "directory-cache.db", cfg.CachePath)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, "directory", cfg.RedisPrefix)
	assert.Equal(t, 24*time.Hour, cfg.CacheTTL)
	assert.Equal(t, 5*time.Second, cfg.QueryTimeout)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 3, cfg.HTTPRetries)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DIRECTORY_API_BASE_URL", "http://localhost:8080")
	t.Setenv("DIRECTORY_CACHE_BACKEND", " Memory ")
	t.Setenv("DIRECTORY_CACHE_TTL", "1d12h")
	t.Setenv("DIRECTORY_SWEEP_INTERVAL", "90m")
	t.Setenv("DIRECTORY_HTTP_RETRIES", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.CacheBackend)
	assert.Equal(t, 36*time.Hour, cfg.CacheTTL)
	assert.Equal(t, 90*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 0, cfg.HTTPRetries)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing url", map[string]string{}, "DIRECTORY_API_BASE_URL is required"},
		{"relative url", map[string]string{"DIRECTORY_API_BASE_URL": "/api"}, "not an absolute URL"},
		{"unknown backend", map[string]string{"DIRECTORY_API_BASE_URL": "http://x", "DIRECTORY_CACHE_BACKEND": "etcd"}, "unknown DIRECTORY_CACHE_BACKEND"},
		{"bad duration", map[string]string{"DIRECTORY_API_BASE_URL": "http://x", "DIRECTORY_CACHE_TTL": "soon"}, "parse env"},
		{"zero ttl", map[string]string{"DIRECTORY_API_BASE_URL": "http://x", "DIRECTORY_CACHE_TTL": "0s"}, "DIRECTORY_CACHE_TTL must be positive"},
		{"negative retries", map[string]string{"DIRECTORY_API_BASE_URL": "http://x", "DIRECTORY_HTTP_RETRIES": "-1"}, "must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DIRECTORY_API_BASE_URL", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func roundTrip(t *testing.T, cfg *Config) {
	t.Helper()
	ctx := context.Background()
	s, err := cfg.NewStore(logger.NewTestLogger())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SavePage(ctx, 1, []character.Minimal{{ID: 1, FirstName: "A"}}))
	got, err := s.GetPage(ctx, 1)
	require.NoError(t, err)
	assert.True(t, got.Found)
	assert.Equal(t, cfg.CacheTTL, s.TTL())
}

func TestNewStoreBackends(t *testing.T) {
	base := Config{
		APIBaseURL:    "http://x",
		RedisPrefix:   "directory",
		CacheTTL:      time.Hour,
		QueryTimeout:  time.Second,
		SweepInterval: time.Minute,
		HTTPTimeout:   time.Second,
	}

	t.Run("memory", func(t *testing.T) {
		cfg := base
		cfg.CacheBackend = BackendMemory
		roundTrip(t, &cfg)
	})
	t.Run("sqlite", func(t *testing.T) {
		cfg := base
		cfg.CacheBackend = BackendSQLite
		cfg.CachePath = filepath.Join(t.TempDir(), "cache.db")
		roundTrip(t, &cfg)
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := base
		cfg.CacheBackend = BackendRedis
		cfg.RedisURL = "redis://" + mr.Addr() + "/0"
		roundTrip(t, &cfg)
		assert.True(t, mr.Exists("directory:"+string(store.TablePages)))
	})
}

func TestNewStoreTagsLogsWithBackend(t *testing.T) {
	cfg := Config{
		CacheBackend: BackendSQLite,
		CachePath:    filepath.Join(t.TempDir(), "missing", "cache.db"),
		CacheTTL:     time.Hour,
		QueryTimeout: time.Second,
	}
	log := logger.NewTestLogger()
	s, err := cfg.NewStore(log)
	require.NoError(t, err)
	defer s.Close()

	assert.Empty(t, s.GetAllCachedPages(context.Background()).Records)
	logs := log.Logs()
	require.NotEmpty(t, logs)
	for _, entry := range logs {
		assert.Equal(t, BackendSQLite, entry.Metadata["backend"], entry.Formatted())
	}
}

func TestNewBackendRejectsBadRedisURL(t *testing.T) {
	cfg := Config{CacheBackend: BackendRedis, RedisURL: "not-a-url"}
	_, err := cfg.NewBackend()
	assert.Error(t, err)
}

func TestNewSource(t *testing.T) {
	cfg := Config{APIBaseURL: "http://x", HTTPTimeout: time.Second, HTTPRetries: 1}
	assert.NotNil(t, cfg.NewSource(logger.NewNop()))
}
