package profile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ferama/profcache/pkg/backend"
	"github.com/ferama/profcache/pkg/cache"
	"github.com/ferama/profcache/pkg/metrics"
	"github.com/ferama/profcache/pkg/oneinflight"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTable = "profiles"

	// upper bound for a backend load shared by many callers
	loadTimeout = 15 * time.Second
)

var (
	ErrNotFound = errors.New("profile not found")
)

// Fetcher loads a single row by id. backend.Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, table string, id string, out any) error
}

// Service looks profiles up in the cache first and in the backend on a miss
type Service struct {
	cache   *cache.TTLCache[*Profile]
	fetcher Fetcher
	table   string

	inflight *oneinflight.OneInFlight[*Profile]

	// a load stores its result only if no invalidation happened since it
	// started. epoch is bumped by InvalidateAll, gens by Invalidate.
	mu    sync.Mutex
	epoch uint64
	gens  map[string]uint64
}

func NewService(c *cache.TTLCache[*Profile], fetcher Fetcher, table string) *Service {
	if table == "" {
		table = DefaultTable
	}
	return &Service{
		cache:    c,
		fetcher:  fetcher,
		table:    table,
		inflight: oneinflight.New[*Profile](),
		gens:     make(map[string]uint64),
	}
}

func (s *Service) generation(userID string) (uint64, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch, s.gens[userID]
}

// Get returns the profile of userID. The returned value is shared with the
// cache and must not be modified.
func (s *Service) Get(ctx context.Context, userID string) (*Profile, error) {
	if p, ok := s.cache.Get(userID); ok {
		return p, nil
	}

	epoch, gen := s.generation(userID)
	// callers arriving after an invalidation never join an older load
	key := fmt.Sprintf("%d/%d/%s", epoch, gen, userID)

	p, shared, err := s.inflight.RunContext(ctx, key, func(lctx context.Context) (*Profile, error) {
		return s.load(lctx, userID, epoch, gen)
	})
	if shared {
		log.Debug().Msgf("[profile] shared load for %s", userID)
	}
	return p, err
}

func (s *Service) load(ctx context.Context, userID string, epoch uint64, gen uint64) (*Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()

	start := time.Now()
	p := new(Profile)
	err := s.fetcher.Fetch(ctx, s.table, userID, p)
	metrics.Instance().FetchLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, userID)
		}
		if errors.Is(err, context.Canceled) {
			log.Debug().Msgf("[profile] load of %s canceled", userID)
			return nil, err
		}
		metrics.Instance().FetchErrors.Inc()
		log.Error().Err(err).Msgf("[profile] cannot load %s", userID)
		return nil, fmt.Errorf("cannot load profile %s: %w", userID, err)
	}

	s.mu.Lock()
	if s.epoch == epoch && s.gens[userID] == gen {
		s.cache.Set(userID, p)
	} else {
		log.Debug().Msgf("[profile] %s invalidated while loading, not cached", userID)
	}
	s.mu.Unlock()

	return p, nil
}

// Refresh drops the cached profile and loads a fresh one
func (s *Service) Refresh(ctx context.Context, userID string) (*Profile, error) {
	s.Invalidate(userID)
	return s.Get(ctx, userID)
}

// Invalidate must be called when the profile of userID changed
func (s *Service) Invalidate(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gens[userID]++
	s.cache.Invalidate(userID)
}

// InvalidateAll drops every cached profile. Used on bulk changes like
// role updates.
func (s *Service) InvalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.epoch++
	// older generations are all outdated by the new epoch
	clear(s.gens)
	s.cache.Clear()
}

type Stats struct {
	TTL     time.Duration `json:"-"`
	TTLText string        `json:"ttl"`
	Entries int           `json:"entries"`
	Keys    []string      `json:"keys"`
}

func (s *Service) Stats() Stats {
	return Stats{
		TTL:     s.cache.TTL(),
		TTLText: s.cache.TTL().String(),
		Entries: s.cache.Len(),
		Keys:    s.cache.Keys(),
	}
}
