package store

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentuity/character-directory/character"
	"github.com/agentuity/character-directory/logger"
	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type backendFactory func(t *testing.T) Backend

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(t *testing.T) Backend { return NewMemory() },
		"sqlite": func(t *testing.T) Backend {
			return NewSQLite(filepath.Join(t.TempDir(), "cache.db"))
		},
		"sqlite-memory": func(t *testing.T) Backend { return NewSQLite(":memory:") },
		"redis": func(t *testing.T) Backend {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return NewRedis(client, WithPrefix("test"))
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s *Store, clock *testClock)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			clock := newTestClock()
			s := New(factory(t), WithClock(clock.Now))
			t.Cleanup(func() { s.Close() })
			fn(t, s, clock)
		})
	}
}

func minimal(ids ...int) []character.Minimal {
	out := make([]character.Minimal, 0, len(ids))
	for _, id := range ids {
		out = append(out, character.Minimal{ID: id, FirstName: "First", LastName: "Last", Profession: "Developer"})
	}
	return out
}

func fullDetail(id int) character.Detail {
	return character.Detail{
		ID:          id,
		FirstName:   "Marcy",
		LastName:    "Karadzas",
		Gender:      "F",
		Profession:  "Developer",
		Image:       "https://example.com/img.jpg",
		Email:       "marcy@example.com",
		Age:         21,
		Country:     "Loompalandia",
		Height:      99,
		Description: "a description",
		Quote:       "a quote",
		Favorite:    character.Favorite{Color: "red", Food: "Chocolat", RandomString: "xyz", Song: "la"},
	}
}

func TestStorePageRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, _ *testClock) {
		ctx := context.Background()
		res, err := s.GetPage(ctx, 1)
		require.NoError(t, err)
		assert.False(t, res.Found)
		assert.False(t, res.Evicted)

		require.NoError(t, s.SavePage(ctx, 1, minimal(1, 2, 3)))
		first, err := s.GetPage(ctx, 1)
		require.NoError(t, err)
		assert.True(t, first.Found)
		assert.Equal(t, minimal(1, 2, 3), first.Value)

		second, err := s.GetPage(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, first, second)

		require.NoError(t, s.SavePage(ctx, 1, minimal(9)))
		replaced, err := s.GetPage(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, minimal(9), replaced.Value)
	})
}

func TestStoreSavePageValidation(t *testing.T) {
	s := New(NewMemory())
	err := s.SavePage(context.Background(), 0, minimal(1))
	assert.True(t, IsValidationError(err))
}

func TestStoreFreshnessBoundary(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, clock *testClock) {
		ctx := context.Background()
		require.NoError(t, s.SavePage(ctx, 1, minimal(1)))

		clock.Advance(DefaultTTL - time.Millisecond)
		res, err := s.GetPage(ctx, 1)
		require.NoError(t, err)
		assert.True(t, res.Found)

		clock.Advance(2 * time.Millisecond)
		res, err = s.GetPage(ctx, 1)
		require.NoError(t, err)
		assert.False(t, res.Found)
		assert.True(t, res.Evicted)

		// The stale entry is gone, not just hidden.
		res, err = s.GetPage(ctx, 1)
		require.NoError(t, err)
		assert.False(t, res.Found)
		assert.False(t, res.Evicted)
	})
}

func TestStoreGetAllCachedPages(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, clock *testClock) {
		ctx := context.Background()
		empty := s.GetAllCachedPages(ctx)
		assert.Empty(t, empty.Records)
		assert.Equal(t, 0, empty.LastPage)

		require.NoError(t, s.SavePage(ctx, 1, minimal(1, 2)))
		clock.Advance(2 * time.Hour)
		require.NoError(t, s.SavePage(ctx, 3, minimal(5, 6)))
		require.NoError(t, s.SavePage(ctx, 2, minimal(3, 4)))

		all := s.GetAllCachedPages(ctx)
		assert.Equal(t, minimal(1, 2, 3, 4, 5, 6), all.Records)
		assert.Equal(t, 3, all.LastPage)

		// Page 1 expires first and is purged by the scan.
		clock.Advance(DefaultTTL - time.Hour)
		all = s.GetAllCachedPages(ctx)
		assert.Equal(t, minimal(3, 4, 5, 6), all.Records)
		assert.Equal(t, 3, all.LastPage)
		res, err := s.GetPage(ctx, 1)
		require.NoError(t, err)
		assert.False(t, res.Found)
		assert.False(t, res.Evicted)
	})
}

func TestStoreDetailRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, clock *testClock) {
		ctx := context.Background()
		d := fullDetail(4)
		require.NoError(t, s.SaveCharacterDetail(ctx, d))
		res, err := s.GetCharacterDetail(ctx, 4)
		require.NoError(t, err)
		require.True(t, res.Found)
		assert.Equal(t, d, res.Value)

		missing, err := s.GetCharacterDetail(ctx, 5)
		require.NoError(t, err)
		assert.False(t, missing.Found)

		clock.Advance(DefaultTTL)
		res, err = s.GetCharacterDetail(ctx, 4)
		require.NoError(t, err)
		assert.False(t, res.Found)
		assert.True(t, res.Evicted)
	})
}

func TestStoreDetailValidation(t *testing.T) {
	s := New(NewMemory())
	ctx := context.Background()
	err := s.SaveCharacterDetail(ctx, character.Detail{FirstName: "no id"})
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "id", ve.Field)

	_, err = s.GetCharacterDetail(ctx, -1)
	assert.True(t, IsValidationError(err))
}

func TestStoreMetadata(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, clock *testClock) {
		ctx := context.Background()
		require.NoError(t, s.SaveMetadata(ctx, MetaTotalPages, IntValue(20)))
		require.NoError(t, s.SaveMetadata(ctx, "label", StringValue("loompa")))

		res, err := s.GetMetadata(ctx, MetaTotalPages)
		require.NoError(t, err)
		require.True(t, res.Found)
		n, ok := res.Value.Int()
		assert.True(t, ok)
		assert.EqualValues(t, 20, n)

		res, err = s.GetMetadata(ctx, "label")
		require.NoError(t, err)
		assert.Equal(t, "loompa", res.Value.String())
		_, ok = res.Value.Int()
		assert.False(t, ok)

		clock.Advance(DefaultTTL + time.Millisecond)
		res, err = s.GetMetadata(ctx, MetaTotalPages)
		require.NoError(t, err)
		assert.False(t, res.Found)
		assert.True(t, res.Evicted)
	})
}

func TestStoreCleanExpiredData(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, clock *testClock) {
		ctx := context.Background()
		require.NoError(t, s.SavePage(ctx, 1, minimal(1)))
		require.NoError(t, s.SaveCharacterDetail(ctx, fullDetail(1)))
		require.NoError(t, s.SaveMetadata(ctx, MetaTotalPages, IntValue(3)))
		clock.Advance(time.Hour)
		require.NoError(t, s.SavePage(ctx, 2, minimal(2)))

		clock.Advance(DefaultTTL - time.Hour)
		removed, err := s.CleanExpiredData(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, removed)

		res, err := s.GetPage(ctx, 2)
		require.NoError(t, err)
		assert.True(t, res.Found)
		page1, err := s.GetPage(ctx, 1)
		require.NoError(t, err)
		assert.False(t, page1.Found)
		assert.False(t, page1.Evicted)
	})
}

func TestStoreClearAllData(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, _ *testClock) {
		ctx := context.Background()
		require.NoError(t, s.SavePage(ctx, 1, minimal(1)))
		require.NoError(t, s.SaveCharacterDetail(ctx, fullDetail(1)))
		require.NoError(t, s.SaveMetadata(ctx, MetaLastUpdate, IntValue(1)))
		require.NoError(t, s.ClearAllData(ctx))

		assert.Empty(t, s.GetAllCachedPages(ctx).Records)
		d, err := s.GetCharacterDetail(ctx, 1)
		require.NoError(t, err)
		assert.False(t, d.Found)
		m, err := s.GetMetadata(ctx, MetaLastUpdate)
		require.NoError(t, err)
		assert.False(t, m.Found)
	})
}

type countingBackend struct {
	Backend
	opens atomic.Int32
	fail  atomic.Bool
}

func (b *countingBackend) Open(ctx context.Context) error {
	b.opens.Add(1)
	time.Sleep(10 * time.Millisecond)
	if b.fail.Load() {
		return errors.New("disk unavailable")
	}
	return b.Backend.Open(ctx)
}

func TestStoreLazyInitSingleFlight(t *testing.T) {
	backend := &countingBackend{Backend: NewMemory()}
	s := New(backend)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(page int) {
			defer wg.Done()
			assert.NoError(t, s.SavePage(ctx, page, minimal(page)))
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 1, backend.opens.Load())
	assert.Len(t, s.GetAllCachedPages(ctx).Records, 20)
	assert.EqualValues(t, 1, backend.opens.Load())
}

func TestStoreInitFailureIsRetried(t *testing.T) {
	backend := &countingBackend{Backend: NewMemory()}
	backend.fail.Store(true)
	log := logger.NewTestLogger()
	s := New(backend, WithLogger(log))
	ctx := context.Background()

	err := s.SavePage(ctx, 1, minimal(1))
	assert.True(t, IsStorageError(err))

	// Reads degrade to the empty result and log.
	all := s.GetAllCachedPages(ctx)
	assert.Empty(t, all.Records)
	assert.Equal(t, 1, log.Count("ERROR", "error fetching cached pages"))

	backend.fail.Store(false)
	require.NoError(t, s.SavePage(ctx, 1, minimal(1)))
	assert.EqualValues(t, 3, backend.opens.Load())
}

func TestSQLiteOpenUnwritablePath(t *testing.T) {
	backend := NewSQLite(filepath.Join(t.TempDir(), "missing", "cache.db"))
	ctx := context.Background()

	err := backend.Open(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite schema")

	// A failed open leaves nothing behind, so the next attempt fails the same way.
	err = backend.Open(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite schema")
	assert.NoError(t, backend.Close())
}

func TestStoreClosed(t *testing.T) {
	s := New(NewMemory())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	err := s.SavePage(context.Background(), 1, minimal(1))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSweeperRemovesExpired(t *testing.T) {
	clock := newTestClock()
	s := New(NewMemory(), WithClock(clock.Now))
	ctx := context.Background()
	require.NoError(t, s.SavePage(ctx, 1, minimal(1)))
	clock.Advance(DefaultTTL)

	sweeper := NewSweeper(ctx, s, 10*time.Millisecond, logger.NewTestLogger())
	defer sweeper.Stop()

	assert.Eventually(t, func() bool {
		entries, err := s.backend.Scan(ctx, TablePages)
		return err == nil && len(entries) == 0
	}, time.Second, 10*time.Millisecond)
	sweeper.Stop()
}
