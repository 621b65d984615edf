package store

import (
	"context"
	"fmt"
	"time"
)

// Table names one of the three logical tables of the store.
type Table string

const (
	// TablePages holds one entry per page number.
	TablePages Table = "pages"
	// TableDetails holds one entry per character id.
	TableDetails Table = "details"
	// TableMetadata holds string keyed values such as the total page count.
	TableMetadata Table = "metadata"
)

// Tables lists every table in a fixed order.
func Tables() []Table {
	return []Table{TablePages, TableDetails, TableMetadata}
}

// Entry is the unit a Backend stores. Data is msgpack encoded by the Store;
// SavedAt is the write time in epoch milliseconds.
type Entry struct {
	Key     string
	SavedAt int64
	Data    []byte
}

// Backend is the storage engine under a Store. Implementations only move
// entries around: freshness, validation and encoding belong to the Store.
// Every method is atomic at the entry level.
type Backend interface {
	// Open prepares the schema. It must be safe to call more than once.
	Open(ctx context.Context) error
	Get(ctx context.Context, table Table, key string) (Entry, bool, error)
	// Put inserts or wholesale replaces the entry with the same key.
	Put(ctx context.Context, table Table, entry Entry) error
	Delete(ctx context.Context, table Table, keys ...string) error
	Scan(ctx context.Context, table Table) ([]Entry, error)
	Clear(ctx context.Context, tables ...Table) error
	Close() error
}

// purger is implemented by backends that can drop entries saved at or before
// cutoff in bulk, without scanning them first.
type purger interface {
	PurgeBefore(ctx context.Context, table Table, cutoff int64) (int, error)
}

// DefaultQueryTimeout is the per-operation timeout for backends that perform
// I/O (SQLite, Redis).
const DefaultQueryTimeout = 5 * time.Second

type backendConfig struct {
	queryTimeout time.Duration
	prefix       string
}

// BackendOption configures a Backend implementation.
type BackendOption func(*backendConfig)

func applyBackendOptions(opts []BackendOption) backendConfig {
	cfg := backendConfig{queryTimeout: DefaultQueryTimeout, prefix: "directory"}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithQueryTimeout sets the per-operation timeout for I/O-backed backends.
// Defaults to DefaultQueryTimeout (5 seconds).
func WithQueryTimeout(d time.Duration) BackendOption {
	return func(c *backendConfig) {
		if d > 0 {
			c.queryTimeout = d
		}
	}
}

// WithPrefix sets the key prefix used by the Redis backend. Defaults to "directory".
func WithPrefix(p string) BackendOption {
	return func(c *backendConfig) { c.prefix = p }
}

func checkTable(table Table) error {
	switch table {
	case TablePages, TableDetails, TableMetadata:
		return nil
	}
	return fmt.Errorf("unknown table %q", table)
}
