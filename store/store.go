package store

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentuity/character-directory/character"
	"github.com/agentuity/character-directory/logger"
	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long an entry stays fresh after it was written.
const DefaultTTL = 24 * time.Hour

// Metadata keys written by the loader.
const (
	MetaTotalPages = "totalPages"
	MetaLastUpdate = "lastUpdate"
)

// CachedPage is the stored form of one page.
type CachedPage struct {
	Page    int                 `msgpack:"page"`
	Data    []character.Minimal `msgpack:"data"`
	SavedAt int64               `msgpack:"-"`
}

// CachedDetail is the stored form of one detail record.
type CachedDetail struct {
	character.Detail
	SavedAt int64 `msgpack:"-"`
}

// CachedMetadata is the stored form of one metadata value.
type CachedMetadata struct {
	Key     string    `msgpack:"key"`
	Value   MetaValue `msgpack:"value"`
	SavedAt int64     `msgpack:"-"`
}

// MetaValue holds either a string or an integer.
type MetaValue struct {
	Str     string `msgpack:"s,omitempty"`
	Num     int64  `msgpack:"n,omitempty"`
	Numeric bool   `msgpack:"i,omitempty"`
}

// StringValue returns a string MetaValue.
func StringValue(s string) MetaValue { return MetaValue{Str: s} }

// IntValue returns an integer MetaValue.
func IntValue(n int64) MetaValue { return MetaValue{Num: n, Numeric: true} }

// Int returns the integer form of the value. String values that parse as
// integers are accepted.
func (v MetaValue) Int() (int64, bool) {
	if v.Numeric {
		return v.Num, true
	}
	n, err := strconv.ParseInt(v.Str, 10, 64)
	return n, err == nil
}

func (v MetaValue) String() string {
	if v.Numeric {
		return strconv.FormatInt(v.Num, 10)
	}
	return v.Str
}

// Lookup is the result of a read. Evicted is set when a stale entry was found
// and deleted as part of the read; Found is false in that case.
type Lookup[T any] struct {
	Value   T
	Found   bool
	Evicted bool
}

// CachedPages is the merged content of every fresh page.
type CachedPages struct {
	Records  []character.Minimal
	LastPage int
}

type config struct {
	ttl time.Duration
	now func() time.Time
	log logger.Logger
}

// Option configures a Store.
type Option func(*config)

// WithTTL sets the freshness window. Defaults to DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log logger.Logger) Option {
	return func(c *config) { c.log = log }
}

// Store is the persistent page/detail/metadata cache. A single Store is meant
// to be created at startup and shared; it is safe for concurrent use.
type Store struct {
	backend Backend
	ttl     time.Duration
	now     func() time.Time
	log     logger.Logger

	init   singleflight.Group
	ready  atomic.Bool
	closed atomic.Bool
	once   sync.Once
}

// New returns a Store over backend. The backend is opened lazily by the first
// operation.
func New(backend Backend, opts ...Option) *Store {
	cfg := config{ttl: DefaultTTL, now: time.Now, log: logger.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Store{
		backend: backend,
		ttl:     cfg.ttl,
		now:     cfg.now,
		log:     cfg.log.WithPrefix("[store]"),
	}
}

// TTL returns the freshness window.
func (s *Store) TTL() time.Duration { return s.ttl }

// ensure opens the backend once. Concurrent first callers share a single
// in-flight Open; a failed Open is attempted again by the next caller.
func (s *Store) ensure(ctx context.Context) error {
	if s.closed.Load() {
		return &StorageError{Op: "open", Err: ErrClosed}
	}
	if s.ready.Load() {
		return nil
	}
	_, err, _ := s.init.Do("open", func() (any, error) {
		if s.ready.Load() {
			return nil, nil
		}
		s.log.Debug("initializing cache store")
		if err := s.backend.Open(context.WithoutCancel(ctx)); err != nil {
			return nil, err
		}
		s.ready.Store(true)
		return nil, nil
	})
	if err != nil {
		return &StorageError{Op: "open", Err: err}
	}
	return nil
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

func (s *Store) isFresh(savedAt int64) bool {
	return s.nowMillis()-savedAt < s.ttl.Milliseconds()
}

func (s *Store) put(ctx context.Context, op string, table Table, key string, val any) error {
	if err := s.ensure(ctx); err != nil {
		return err
	}
	data, err := msgpack.Marshal(val)
	if err != nil {
		return &StorageError{Op: op, Table: table, Err: errors.Wrap(err, "encode")}
	}
	if err := s.backend.Put(ctx, table, Entry{Key: key, SavedAt: s.nowMillis(), Data: data}); err != nil {
		return &StorageError{Op: op, Table: table, Err: err}
	}
	return nil
}

// evict deletes a stale entry found by a read. A failed delete is logged; the
// entry is reported as absent either way.
func (s *Store) evict(ctx context.Context, table Table, keys ...string) {
	if err := s.backend.Delete(ctx, table, keys...); err != nil {
		s.log.Warn("error removing expired %s entries %v: %s", table, keys, err)
		return
	}
	s.log.Debug("removed expired %s entries %v", table, keys)
}

func lookup[T any](ctx context.Context, s *Store, op string, table Table, key string) (Lookup[T], error) {
	var res Lookup[T]
	if err := s.ensure(ctx); err != nil {
		return res, err
	}
	entry, ok, err := s.backend.Get(ctx, table, key)
	if err != nil {
		return res, &StorageError{Op: op, Table: table, Err: err}
	}
	if !ok {
		return res, nil
	}
	if !s.isFresh(entry.SavedAt) {
		s.evict(ctx, table, key)
		res.Evicted = true
		return res, nil
	}
	if err := msgpack.Unmarshal(entry.Data, &res.Value); err != nil {
		return Lookup[T]{}, &StorageError{Op: op, Table: table, Err: errors.Wrap(err, "decode")}
	}
	res.Found = true
	return res, nil
}

func pageKey(page int) string { return strconv.Itoa(page) }

// SavePage stores records as the full content of page, replacing any
// previous entry for it.
func (s *Store) SavePage(ctx context.Context, page int, records []character.Minimal) error {
	if page < 1 {
		return &ValidationError{Field: "page", Reason: "must be >= 1"}
	}
	if records == nil {
		records = []character.Minimal{}
	}
	if err := s.put(ctx, "save page", TablePages, pageKey(page), CachedPage{Page: page, Data: records}); err != nil {
		return err
	}
	s.log.Trace("saved page %d (%d records)", page, len(records))
	return nil
}

// GetPage returns the records of page if a fresh entry exists. A stale entry
// is deleted and reported through Lookup.Evicted.
func (s *Store) GetPage(ctx context.Context, page int) (Lookup[[]character.Minimal], error) {
	res, err := lookup[CachedPage](ctx, s, "get page", TablePages, pageKey(page))
	if err != nil {
		return Lookup[[]character.Minimal]{}, err
	}
	return Lookup[[]character.Minimal]{Value: res.Value.Data, Found: res.Found, Evicted: res.Evicted}, nil
}

// GetAllCachedPages returns every fresh page flattened in ascending page
// order together with the highest fresh page number (0 without any). Stale
// pages found during the scan are deleted. Failures are logged and produce
// the empty result.
func (s *Store) GetAllCachedPages(ctx context.Context) CachedPages {
	empty := CachedPages{Records: []character.Minimal{}}
	if err := s.ensure(ctx); err != nil {
		s.log.Error("error fetching cached pages: %s", err)
		return empty
	}
	entries, err := s.backend.Scan(ctx, TablePages)
	if err != nil {
		s.log.Error("error fetching cached pages: %s", err)
		return empty
	}
	var (
		pages   []CachedPage
		expired []string
	)
	for _, entry := range entries {
		if !s.isFresh(entry.SavedAt) {
			expired = append(expired, entry.Key)
			continue
		}
		var page CachedPage
		if err := msgpack.Unmarshal(entry.Data, &page); err != nil {
			s.log.Error("error processing cached page %s: %s", entry.Key, err)
			return empty
		}
		page.SavedAt = entry.SavedAt
		pages = append(pages, page)
	}
	if len(expired) > 0 {
		s.evict(ctx, TablePages, expired...)
	}
	slices.SortFunc(pages, func(a, b CachedPage) int { return a.Page - b.Page })
	result := empty
	for _, page := range pages {
		result.Records = append(result.Records, page.Data...)
		result.LastPage = max(result.LastPage, page.Page)
	}
	return result
}

// SaveCharacterDetail stores detail keyed by its id, replacing any previous
// entry. The id must be positive.
func (s *Store) SaveCharacterDetail(ctx context.Context, detail character.Detail) error {
	if detail.ID <= 0 {
		return &ValidationError{Field: "id", Reason: "character detail must have a valid id"}
	}
	if err := s.put(ctx, "save detail", TableDetails, strconv.Itoa(detail.ID), CachedDetail{Detail: detail}); err != nil {
		s.log.Error("error saving character %d: %s", detail.ID, err)
		return err
	}
	s.log.Debug("saved character %d", detail.ID)
	return nil
}

// GetCharacterDetail returns the stored record for id if it is fresh.
func (s *Store) GetCharacterDetail(ctx context.Context, id int) (Lookup[character.Detail], error) {
	if id <= 0 {
		return Lookup[character.Detail]{}, &ValidationError{Field: "id", Reason: "must be a positive integer"}
	}
	res, err := lookup[CachedDetail](ctx, s, "get detail", TableDetails, strconv.Itoa(id))
	if err != nil {
		return Lookup[character.Detail]{}, err
	}
	if res.Found {
		s.log.Trace("retrieved character %d from cache", id)
	}
	return Lookup[character.Detail]{Value: res.Value.Detail, Found: res.Found, Evicted: res.Evicted}, nil
}

// SaveMetadata stores value under key.
func (s *Store) SaveMetadata(ctx context.Context, key string, value MetaValue) error {
	if key == "" {
		return &ValidationError{Field: "key", Reason: "must not be empty"}
	}
	return s.put(ctx, "save metadata", TableMetadata, key, CachedMetadata{Key: key, Value: value})
}

// GetMetadata returns the value stored under key if it is fresh.
func (s *Store) GetMetadata(ctx context.Context, key string) (Lookup[MetaValue], error) {
	res, err := lookup[CachedMetadata](ctx, s, "get metadata", TableMetadata, key)
	if err != nil {
		return Lookup[MetaValue]{}, err
	}
	return Lookup[MetaValue]{Value: res.Value.Value, Found: res.Found, Evicted: res.Evicted}, nil
}

// CleanExpiredData deletes every stale entry from all tables and returns how
// many were removed.
func (s *Store) CleanExpiredData(ctx context.Context) (int, error) {
	if err := s.ensure(ctx); err != nil {
		return 0, err
	}
	cutoff := s.nowMillis() - s.ttl.Milliseconds()
	var removed int
	for _, table := range Tables() {
		if p, ok := s.backend.(purger); ok {
			n, err := p.PurgeBefore(ctx, table, cutoff)
			if err != nil {
				return removed, &StorageError{Op: "clean expired", Table: table, Err: err}
			}
			removed += n
			continue
		}
		entries, err := s.backend.Scan(ctx, table)
		if err != nil {
			return removed, &StorageError{Op: "clean expired", Table: table, Err: err}
		}
		var stale []string
		for _, entry := range entries {
			if !s.isFresh(entry.SavedAt) {
				stale = append(stale, entry.Key)
			}
		}
		if len(stale) == 0 {
			continue
		}
		if err := s.backend.Delete(ctx, table, stale...); err != nil {
			return removed, &StorageError{Op: "clean expired", Table: table, Err: err}
		}
		removed += len(stale)
	}
	if removed > 0 {
		s.log.Debug("cleaned %d expired entries", removed)
	}
	return removed, nil
}

// ClearAllData empties every table.
func (s *Store) ClearAllData(ctx context.Context) error {
	if err := s.ensure(ctx); err != nil {
		return err
	}
	if err := s.backend.Clear(ctx, Tables()...); err != nil {
		return &StorageError{Op: "clear", Err: err}
	}
	s.log.Info("cleared all cached data")
	return nil
}

// Close releases the backend. Further operations fail with ErrClosed.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		err = s.backend.Close()
	})
	return err
}
