// Package aggregate fans a market read out to every registered venue adapter
// and merges the results into one normalized list.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oddgrid/sim-engine/internal/metrics"
	"github.com/oddgrid/sim-engine/internal/model"
	"github.com/oddgrid/sim-engine/internal/venue"
)

// DefaultTimeout bounds a single adapter call.
const DefaultTimeout = 8 * time.Second

// ErrMarketNotFound is returned by LookupMarket when no registered venue
// knows the id.
var ErrMarketNotFound = errors.New("aggregate: market not found")

type registration struct {
	venue   string
	adapter venue.Adapter
}

// Service merges market listings from many venues. Adapters are registered
// once at startup; ListAllMarkets may be called concurrently afterwards.
type Service struct {
	mu       sync.RWMutex
	adapters []registration
	timeout  time.Duration
	log      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithTimeout sets the per-adapter deadline. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger used for timeouts.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// New creates an empty aggregation service.
func New(opts ...Option) *Service {
	s := &Service{
		timeout: DefaultTimeout,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "aggregate")
	return s
}

// Register appends an adapter under a venue slug. Registration order is the
// order of ListAllMarkets output.
func (s *Service) Register(venueSlug string, a venue.Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapters = append(s.adapters, registration{venue: venueSlug, adapter: a})
}

// Venues returns the registered venue slugs in registration order.
func (s *Service) Venues() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, len(s.adapters))
	for i, r := range s.adapters {
		out[i] = r.venue
	}
	return out
}

func (s *Service) snapshot() []registration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]registration(nil), s.adapters...)
}

// ListAllMarkets calls every adapter concurrently and concatenates their
// results in registration order. It never fails: an adapter that errors
// internally or misses its deadline contributes nothing.
func (s *Service) ListAllMarkets(ctx context.Context) []model.Market {
	regs := s.snapshot()
	results := make([][]model.Market, len(regs))

	var g errgroup.Group
	for i, r := range regs {
		g.Go(func() error {
			results[i] = s.fetch(ctx, r)
			return nil
		})
	}
	_ = g.Wait() // goroutines never return errors

	total := 0
	for _, r := range results {
		total += len(r)
	}
	all := make([]model.Market, 0, total)
	for _, r := range results {
		all = append(all, r...)
	}
	return all
}

// fetch runs one adapter under the per-adapter deadline. The adapter runs in
// its own goroutine so one that ignores ctx still cannot hold up the merge.
func (s *Service) fetch(ctx context.Context, r registration) []model.Market {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.VenueFetchLatency.WithLabelValues(r.venue).Observe(time.Since(start).Seconds())
	}()

	done := make(chan []model.Market, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				s.log.Error("adapter panicked", "venue", r.venue, "panic", fmt.Sprint(p))
				metrics.VenueFetchFailures.WithLabelValues(r.venue, "panic").Inc()
				done <- nil
			}
		}()
		done <- r.adapter.ListMarkets(ctx)
	}()

	select {
	case markets := <-done:
		return markets
	case <-ctx.Done():
		s.log.Warn("adapter timed out", "venue", r.venue, "timeout", s.timeout)
		metrics.VenueFetchFailures.WithLabelValues(r.venue, "timeout").Inc()
		return nil
	}
}

// LookupMarket resolves a venue-qualified market id. Adapters implementing
// venue.MarketGetter are asked directly; others are listed and scanned.
func (s *Service) LookupMarket(ctx context.Context, id string) (*model.Market, error) {
	venueSlug, externalID, err := model.ParseMarketID(id)
	if err != nil {
		return nil, err
	}

	var reg *registration
	for _, r := range s.snapshot() {
		if r.venue == venueSlug {
			reg = &r
			break
		}
	}
	if reg == nil {
		return nil, fmt.Errorf("%w: unknown venue %q", ErrMarketNotFound, venueSlug)
	}

	if getter, ok := reg.adapter.(venue.MarketGetter); ok {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		m, err := getter.GetMarket(ctx, externalID)
		if errors.Is(err, venue.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, id)
		}
		if err != nil {
			return nil, fmt.Errorf("lookup %s: %w", id, err)
		}
		return m, nil
	}

	for _, m := range s.fetch(ctx, *reg) {
		if m.ID == id {
			return &m, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, id)
}
