package store

import (
	"context"
	"sync"
	"time"

	"github.com/agentuity/character-directory/logger"
)

// DefaultSweepInterval is how often a Sweeper runs CleanExpiredData.
const DefaultSweepInterval = time.Hour

// Sweeper periodically removes expired entries from a Store, off the request
// path.
type Sweeper struct {
	store     *Store
	interval  time.Duration
	log       logger.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	once      sync.Once
}

// NewSweeper starts a background goroutine sweeping store every interval
// until parent is done or Stop is called.
func NewSweeper(parent context.Context, store *Store, interval time.Duration, log logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if log == nil {
		log = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Sweeper{
		store:    store,
		interval: interval,
		log:      log.WithPrefix("[sweeper]"),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.waitGroup.Add(1)
	go s.run()
	return s
}

func (s *Sweeper) run() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.CleanExpiredData(s.ctx)
			if err != nil {
				s.log.Error("error cleaning expired data: %s", err)
				continue
			}
			if n > 0 {
				s.log.Info("removed %d expired entries", n)
			}
		}
	}
}

// Stop ends the background goroutine and waits for it to exit.
func (s *Sweeper) Stop() {
	s.once.Do(func() {
		s.cancel()
		s.waitGroup.Wait()
	})
}
