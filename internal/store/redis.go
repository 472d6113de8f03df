package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oddgrid/sim-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache. Writes
// go to the primary store and invalidate the cache; reads check Redis first
// then fall back to the primary. Balances and everything inside InTx always
// hit the primary.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertVenue(ctx context.Context, v model.Venue) error {
	if err := s.primary.UpsertVenue(ctx, v); err != nil {
		return err
	}
	s.rdb.Del(ctx, venuesKey())
	return nil
}

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.NativeMarket) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus) error {
	if err := s.primary.UpdateMarketStatus(ctx, id, status); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

// InTx passes through to the primary and bumps the account's positions
// version once the unit has committed. Entries cached under an older
// version are never read again.
func (s *CachedStore) InTx(ctx context.Context, accountID string, fn func(tx Tx) error) error {
	if err := s.primary.InTx(ctx, accountID, fn); err != nil {
		return err
	}
	s.rdb.Incr(ctx, positionsVersionKey(accountID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.NativeMarket, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.NativeMarket
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	// Cache miss: read from primary.
	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) ListVenues(ctx context.Context) ([]model.Venue, error) {
	data, err := s.rdb.Get(ctx, venuesKey()).Bytes()
	if err == nil {
		var venues []model.Venue
		if json.Unmarshal(data, &venues) == nil {
			return venues, nil
		}
	}

	venues, err := s.primary.ListVenues(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(venues); err == nil {
		s.rdb.Set(ctx, venuesKey(), data, s.ttl)
	}
	return venues, nil
}

// ListPositions reads the version before the primary, so a read that races
// a commit can only fill a slot the commit has already retired.
func (s *CachedStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	version, err := s.rdb.Get(ctx, positionsVersionKey(accountID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return s.primary.ListPositions(ctx, accountID)
	}
	key := positionsKey(accountID, version)

	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context, limit int) ([]model.NativeMarket, error) {
	return s.primary.ListMarkets(ctx, limit)
}

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account, opening model.Balance) error {
	return s.primary.CreateAccount(ctx, a, opening)
}

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, id)
}

func (s *CachedStore) GetBalance(ctx context.Context, accountID, currency string) (*model.Balance, error) {
	return s.primary.GetBalance(ctx, accountID, currency)
}

func (s *CachedStore) ListOrders(ctx context.Context, accountID string) ([]model.Order, error) {
	return s.primary.ListOrders(ctx, accountID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.NativeMarket) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string { return fmt.Sprintf("oddgrid:market:%s", id) }
func positionsKey(id string, version int64) string {
	return fmt.Sprintf("oddgrid:positions:%s:%d", id, version)
}
func positionsVersionKey(id string) string { return fmt.Sprintf("oddgrid:positions:%s:version", id) }
func venuesKey() string { return "oddgrid:venues" }
