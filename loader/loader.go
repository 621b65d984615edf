// Package loader coordinates the persistent store and the remote catalog. It
// owns the in-memory projection used by the view: the merged list, pagination
// cursors, loading and error flags, the filter and the detail cache.
//
// Page loads are serialized: while one is pending, further page loads fail
// with ErrBusy. Detail loads are independent and may overlap. Results of a
// request that no longer matches the current intent (a Reset happened, or a
// different detail was selected meanwhile) never overwrite visible state.
package loader

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/agentuity/character-directory/character"
	"github.com/agentuity/character-directory/logger"
	"github.com/agentuity/character-directory/remote"
	"github.com/agentuity/character-directory/store"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Source is the remote catalog. *remote.Client satisfies it.
type Source interface {
	GetPage(ctx context.Context, page int) (*remote.PageResponse, error)
	GetDetail(ctx context.Context, id int) (json.RawMessage, error)
}

var _ Source = (*remote.Client)(nil)

var (
	// ErrInvalidID is returned for detail requests whose id is missing or not a
	// positive number. No cache or network call is made.
	ErrInvalidID = character.ErrInvalidID
	// ErrBusy is returned while another page load is pending.
	ErrBusy = errors.New("a page load is already in progress")
	// ErrNoMore is returned by LoadNextPage once the last page was reached.
	ErrNoMore = errors.New("no more pages to load")
	// ErrFiltered is returned by LoadNextPage while a filter is active.
	ErrFiltered = errors.New("infinite scroll is paused while filtering")
	// ErrSuperseded is returned when a page load finished after a Reset; its
	// result was not applied.
	ErrSuperseded = errors.New("load superseded by a reset")
)

// PageResult is the outcome of one page fetch.
type PageResult struct {
	Data      []character.Minimal
	FromCache bool
	Page      int
	Total     int
}

// DetailResult is the outcome of one detail fetch. Current is false when the
// view selected another record while this one was loading; the record was
// still added to the details cache.
type DetailResult struct {
	Data    character.Detail
	Source  string
	Current bool
}

// FromCache reports whether no network call was needed.
func (r DetailResult) FromCache() bool {
	return r.Source == SourceMemory || r.Source == SourceCache
}

type options struct {
	log      logger.Logger
	now      func() time.Time
	registry prometheus.Registerer
}

// Option configures an Orchestrator.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithClock replaces time.Now for LastFetch and lastUpdate stamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMetrics registers the load counters on reg instead of a private registry.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// Orchestrator merges cache and network results into a single State.
type Orchestrator struct {
	store   *store.Store
	source  Source
	log     logger.Logger
	now     func() time.Time
	metrics *metrics

	mu         sync.Mutex
	state      State
	generation uint64

	// persist is held shared by write-backs and exclusively by ClearCache, so a
	// clear cannot interleave with a write-back that checked the generation.
	persist sync.RWMutex
}

// New returns an Orchestrator reading through st to source.
func New(st *store.Store, source Source, opts ...Option) *Orchestrator {
	o := options{log: logger.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}
	return &Orchestrator{
		store:   st,
		source:  source,
		log:     o.log.WithPrefix("[loader]"),
		now:     o.now,
		metrics: newMetrics(o.registry),
		state:   initialState(),
	}
}

// Snapshot returns a copy of the current state.
func (o *Orchestrator) Snapshot() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.clone()
}

// Init hydrates the list from every fresh cached page. When the cache has
// nothing, page 1 is loaded through LoadPage. Init does nothing if records are
// already loaded or a page load is pending.
func (o *Orchestrator) Init(ctx context.Context) error {
	o.mu.Lock()
	if len(o.state.Data) > 0 || o.state.Loading {
		o.mu.Unlock()
		return nil
	}
	gen := o.generation
	o.mu.Unlock()

	o.log.Debug("initializing from cache")
	cached := o.store.GetAllCachedPages(ctx)
	if len(cached.Records) == 0 {
		o.log.Info("no cache found, loading from API")
		_, err := o.LoadPage(ctx, 1)
		return err
	}
	total, totalFound := o.cachedTotalPages(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.generation || len(o.state.Data) > 0 || o.state.Loading {
		return nil
	}
	o.state.Data = append(o.state.Data, character.RemoveDuplicates(o.state.Data, cached.Records)...)
	o.state.CurrentPage = cached.LastPage + 1
	o.state.HasMore = true
	if totalFound {
		o.state.TotalPages = total
	}
	o.log.Info("loaded %d records from cache (pages 1-%d)", len(o.state.Data), cached.LastPage)
	return nil
}

// currentGeneration returns the generation new loads belong to.
func (o *Orchestrator) currentGeneration() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.generation
}

// persistFor runs write if gen is still the current generation. Results of
// loads started before a Reset or ClearCache are never written back.
func (o *Orchestrator) persistFor(gen uint64, write func()) bool {
	o.persist.RLock()
	defer o.persist.RUnlock()
	if o.currentGeneration() != gen {
		return false
	}
	write()
	return true
}

// cachedTotalPages reads the stored total page count.
func (o *Orchestrator) cachedTotalPages(ctx context.Context) (int, bool) {
	res, err := o.store.GetMetadata(ctx, store.MetaTotalPages)
	if err != nil {
		o.log.Warn("error with cache operation: %s", err)
		return 0, false
	}
	if !res.Found {
		return 0, false
	}
	n, ok := res.Value.Int()
	if !ok {
		return 0, false
	}
	return int(n), true
}

// FetchPage returns page from the store when fresh, otherwise from the
// source, writing the result back. It does not touch State.
func (o *Orchestrator) FetchPage(ctx context.Context, page int) (PageResult, error) {
	return o.fetchPage(ctx, page, o.currentGeneration())
}

func (o *Orchestrator) fetchPage(ctx context.Context, page int, gen uint64) (PageResult, error) {
	if page < 1 {
		return PageResult{}, errors.Newf("invalid page %d", page)
	}
	cached, err := o.store.GetPage(ctx, page)
	switch {
	case err != nil:
		o.log.Warn("error reading cached page %d, falling back to API: %s", page, err)
	case cached.Found:
		total, ok := o.cachedTotalPages(ctx)
		if !ok {
			total = 1
		}
		o.log.Debug("loading page %d from cache", page)
		return PageResult{Data: cached.Value, FromCache: true, Page: page, Total: total}, nil
	case cached.Evicted:
		o.log.Debug("cached page %d expired", page)
	}

	o.log.Debug("fetching page %d from API", page)
	resp, err := o.source.GetPage(ctx, page)
	if err != nil {
		return PageResult{}, err
	}
	records := character.ExtractMinimal(resp.Results)
	if !o.persistFor(gen, func() { o.writePage(ctx, page, records, resp.Total) }) {
		o.log.Debug("page %d superseded, not caching", page)
	}
	return PageResult{Data: records, FromCache: false, Page: page, Total: resp.Total}, nil
}

// writePage persists a fetched page and its metadata. The writes run
// concurrently and are joined; failures are logged and otherwise ignored.
func (o *Orchestrator) writePage(ctx context.Context, page int, records []character.Minimal, total int) {
	var g errgroup.Group
	g.Go(func() error {
		return errors.Wrapf(o.store.SavePage(ctx, page, records), "page %d", page)
	})
	g.Go(func() error {
		return errors.Wrap(o.store.SaveMetadata(ctx, store.MetaTotalPages, store.IntValue(int64(total))), store.MetaTotalPages)
	})
	g.Go(func() error {
		return errors.Wrap(o.store.SaveMetadata(ctx, store.MetaLastUpdate, store.IntValue(o.now().UnixMilli())), store.MetaLastUpdate)
	})
	if err := g.Wait(); err != nil {
		o.log.Warn("error with cache operation: %s", err)
		return
	}
	o.log.Trace("saved page %d to cache", page)
}

// begin marks a page load as pending. With next set, the page is taken from
// CurrentPage after checking the infinite-scroll gates.
func (o *Orchestrator) begin(page int, next bool) (int, uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Loading {
		return 0, 0, ErrBusy
	}
	if next {
		if o.state.HasActiveFilter() {
			return 0, 0, ErrFiltered
		}
		if !o.state.HasMore {
			return 0, 0, ErrNoMore
		}
		page = o.state.CurrentPage
	}
	o.state.Loading = true
	o.state.Error = ""
	return page, o.generation, nil
}

// LoadPage fetches page and merges its records into State.
func (o *Orchestrator) LoadPage(ctx context.Context, page int) (PageResult, error) {
	page, gen, err := o.begin(page, false)
	if err != nil {
		return PageResult{}, err
	}
	return o.load(ctx, page, gen)
}

// LoadNextPage loads CurrentPage. It is the infinite-scroll trigger and
// refuses to run while a load is pending (ErrBusy), while a filter is active
// (ErrFiltered) or when no pages remain (ErrNoMore).
func (o *Orchestrator) LoadNextPage(ctx context.Context) (PageResult, error) {
	page, gen, err := o.begin(0, true)
	if err != nil {
		return PageResult{}, err
	}
	return o.load(ctx, page, gen)
}

func (o *Orchestrator) load(ctx context.Context, page int, gen uint64) (PageResult, error) {
	res, err := o.fetchPage(ctx, page, gen)

	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.generation {
		return res, ErrSuperseded
	}
	o.state.Loading = false
	if err != nil {
		o.metrics.pageLoads.WithLabelValues(SourceError).Inc()
		o.state.Error = err.Error()
		o.log.Error("error loading page %d: %s", page, err)
		return PageResult{}, err
	}
	if res.FromCache {
		o.metrics.pageLoads.WithLabelValues(SourceCache).Inc()
	} else {
		o.metrics.pageLoads.WithLabelValues(SourceNetwork).Inc()
	}
	o.state.Data = append(o.state.Data, character.RemoveDuplicates(o.state.Data, res.Data)...)
	if len(res.Data) > 0 {
		o.state.CurrentPage = page + 1
	}
	o.state.TotalPages = res.Total
	o.state.HasMore = page < res.Total && len(res.Data) > 0
	o.state.LastFetch = o.now()
	return res, nil
}

// CanLoadMore reports whether LoadNextPage would start a load.
func (o *Orchestrator) CanLoadMore() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.state.Loading && o.state.HasMore && !o.state.HasActiveFilter()
}

// SetFilter sets the text filter. Base data is untouched.
func (o *Orchestrator) SetFilter(text string) {
	o.mu.Lock()
	o.state.Filter = text
	o.mu.Unlock()
}

// Filtered returns the loaded records matching the current filter.
func (o *Orchestrator) Filtered() []character.Minimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.clone().Filtered()
}

// ClearError clears the page and detail error messages.
func (o *Orchestrator) ClearError() {
	o.mu.Lock()
	o.state.Error = ""
	o.state.DetailError = ""
	o.mu.Unlock()
}

// Select records which detail the view is showing; 0 clears the selection.
// In-flight loads for other ids stop affecting the visible detail state.
func (o *Orchestrator) Select(id int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.SelectedID == id {
		return
	}
	o.state.SelectedID = id
	o.state.LoadingDetailID = 0
	o.state.DetailError = ""
}

// Detail returns the record for id from the in-memory details cache.
func (o *Orchestrator) Detail(id int) (character.Detail, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, ok := o.state.DetailsCache[id]
	return d, ok
}

// LoadDetailParam parses a route parameter and loads the matching detail.
func (o *Orchestrator) LoadDetailParam(ctx context.Context, raw string) (DetailResult, error) {
	id, err := character.ParseID(raw)
	if err != nil {
		return DetailResult{}, err
	}
	return o.LoadDetail(ctx, id)
}

// LoadDetail selects id and loads its record: from the in-memory cache, then
// the store, then the source. Network records are validated before use and
// written back to the store on a best effort basis.
func (o *Orchestrator) LoadDetail(ctx context.Context, id int) (DetailResult, error) {
	if id <= 0 {
		return DetailResult{}, errors.Wrapf(ErrInvalidID, "%d", id)
	}

	o.mu.Lock()
	if o.state.SelectedID != id {
		o.state.SelectedID = id
		o.state.DetailError = ""
	}
	if d, ok := o.state.DetailsCache[id]; ok {
		o.state.LoadingDetailID = 0
		o.state.DetailError = ""
		o.mu.Unlock()
		o.metrics.detailLoads.WithLabelValues(SourceMemory).Inc()
		return DetailResult{Data: d, Source: SourceMemory, Current: true}, nil
	}
	o.state.LoadingDetailID = id
	o.state.DetailError = ""
	gen := o.generation
	o.mu.Unlock()

	d, source, err := o.fetchDetail(ctx, id, gen)

	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.generation {
		return DetailResult{Data: d, Source: source}, errors.CombineErrors(ErrSuperseded, err)
	}
	current := o.state.SelectedID == id
	if err != nil {
		o.metrics.detailLoads.WithLabelValues(SourceError).Inc()
		if current {
			o.state.LoadingDetailID = 0
			o.state.DetailError = err.Error()
		}
		o.log.Error("error loading character %d: %s", id, err)
		return DetailResult{}, err
	}
	o.metrics.detailLoads.WithLabelValues(source).Inc()
	o.state.DetailsCache[id] = d
	if current {
		o.state.LoadingDetailID = 0
	}
	return DetailResult{Data: d, Source: source, Current: current}, nil
}

func (o *Orchestrator) fetchDetail(ctx context.Context, id int, gen uint64) (character.Detail, string, error) {
	cached, err := o.store.GetCharacterDetail(ctx, id)
	switch {
	case err != nil:
		o.log.Warn("error reading cached character %d, falling back to API: %s", id, err)
	case cached.Found:
		o.log.Debug("loading character %d from cache", id)
		return cached.Value, SourceCache, nil
	}

	o.log.Debug("fetching character %d from API", id)
	raw, err := o.source.GetDetail(ctx, id)
	if err != nil {
		return character.Detail{}, "", err
	}
	d, err := character.DecodeDetail(id, raw)
	if err != nil {
		o.log.Error("API response invalid for character %d: %s", id, err)
		return character.Detail{}, "", err
	}
	saved := o.persistFor(gen, func() {
		if err := o.store.SaveCharacterDetail(ctx, d); err != nil {
			o.log.Warn("error caching character %d: %s", id, err)
		}
	})
	if !saved {
		o.log.Debug("character %d superseded, not caching", id)
	}
	return d, SourceNetwork, nil
}

// Reset discards the in-memory state. Loads still in flight are neither
// applied nor written back to the store.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	o.generation++
	o.state = initialState()
	o.mu.Unlock()
}

// ClearCache empties the persistent store and resets the in-memory state.
// Loads in flight when it is called do not repopulate the store.
func (o *Orchestrator) ClearCache(ctx context.Context) error {
	o.persist.Lock()
	defer o.persist.Unlock()
	if err := o.store.ClearAllData(ctx); err != nil {
		return err
	}
	o.Reset()
	return nil
}
