package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddgrid/sim-engine/internal/model"
)

type balanceKey struct {
	account  string
	currency string
}

type positionKey struct {
	account string
	market  string
	outcome string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	venues    map[string]model.Venue
	markets   map[string]*model.NativeMarket
	accounts  map[string]*model.Account
	balances  map[balanceKey]model.Balance
	positions map[positionKey]model.Position
	orders    []model.Order

	// Per-account transaction locks.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		venues:    make(map[string]model.Venue),
		markets:   make(map[string]*model.NativeMarket),
		accounts:  make(map[string]*model.Account),
		balances:  make(map[balanceKey]model.Balance),
		positions: make(map[positionKey]model.Position),
		locks:     make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) UpsertVenue(_ context.Context, v model.Venue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.venues[v.Slug] = v
	return nil
}

func (s *MemoryStore) ListVenues(_ context.Context) ([]model.Venue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	venues := make([]model.Venue, 0, len(s.venues))
	for _, v := range s.venues {
		venues = append(venues, v)
	}
	sort.Slice(venues, func(i, j int) bool { return venues[i].Slug < venues[j].Slug })
	return venues, nil
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.NativeMarket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("%w: market %s", ErrConflict, m.ID)
	}
	for _, existing := range s.markets {
		if existing.Venue == m.Venue && existing.ExternalID == m.ExternalID {
			return fmt.Errorf("%w: market %s/%s", ErrConflict, m.Venue, m.ExternalID)
		}
	}

	// Store a copy to avoid external mutation.
	copy := *m
	s.markets[m.ID] = &copy
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.NativeMarket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context, limit int) ([]model.NativeMarket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.NativeMarket, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		if !markets[i].CreatedAt.Equal(markets[j].CreatedAt) {
			return markets[i].CreatedAt.After(markets[j].CreatedAt)
		}
		return markets[i].ID < markets[j].ID
	})
	if limit > 0 && len(markets) > limit {
		markets = markets[:limit]
	}
	return markets, nil
}

func (s *MemoryStore) UpdateMarketStatus(_ context.Context, id string, status model.MarketStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	m.Status = status
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account, opening model.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("%w: account %s", ErrConflict, a.ID)
	}
	copy := *a
	s.accounts[a.ID] = &copy
	opening.AccountID = a.ID
	s.balances[balanceKey{a.ID, opening.Currency}] = opening
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) GetBalance(_ context.Context, accountID, currency string) (*model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[balanceKey{accountID, currency}]
	if !ok {
		return nil, fmt.Errorf("%w: balance %s/%s", ErrNotFound, accountID, currency)
	}
	return &b, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for k, p := range s.positions {
		if k.account == accountID {
			positions = append(positions, p)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].MarketID != positions[j].MarketID {
			return positions[i].MarketID < positions[j].MarketID
		}
		return positions[i].Outcome < positions[j].Outcome
	})
	return positions, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, accountID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.AccountID == accountID {
			result = append(result, o)
		}
	}
	return result, nil
}

// InTx serializes units per account with a dedicated mutex. Writes are
// staged on the memTx and published together only when fn succeeds.
func (s *MemoryStore) InTx(ctx context.Context, accountID string, fn func(tx Tx) error) error {
	l := s.accountLock(accountID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		s:         s,
		accountID: accountID,
		balances:  make(map[balanceKey]model.Balance),
		positions: make(map[positionKey]model.Position),
	}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, b := range tx.balances {
		s.balances[k] = b
	}
	for k, p := range tx.positions {
		s.positions[k] = p
	}
	s.orders = append(s.orders, tx.orders...)
	return nil
}

func (s *MemoryStore) accountLock(accountID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[accountID] = l
	}
	return l
}

// memTx buffers writes for one InTx call. Reads see the buffer first.
type memTx struct {
	s         *MemoryStore
	accountID string
	balances  map[balanceKey]model.Balance
	positions map[positionKey]model.Position
	orders    []model.Order
}

func (tx *memTx) checkAccount(accountID string) error {
	if accountID != tx.accountID {
		return fmt.Errorf("store: transaction for account %s cannot touch account %s", tx.accountID, accountID)
	}
	return nil
}

func (tx *memTx) LockBalance(_ context.Context, accountID, currency string) (*model.Balance, error) {
	if err := tx.checkAccount(accountID); err != nil {
		return nil, err
	}
	k := balanceKey{accountID, currency}
	if b, ok := tx.balances[k]; ok {
		return &b, nil
	}

	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	b, ok := tx.s.balances[k]
	if !ok {
		return nil, fmt.Errorf("%w: balance %s/%s", ErrNotFound, accountID, currency)
	}
	return &b, nil
}

func (tx *memTx) SetBalance(ctx context.Context, accountID, currency string, amount decimal.Decimal) error {
	b, err := tx.LockBalance(ctx, accountID, currency)
	if err != nil {
		return err
	}
	b.Amount = amount
	b.UpdatedAt = time.Now().UTC()
	tx.balances[balanceKey{accountID, currency}] = *b
	return nil
}

func (tx *memTx) LockPosition(_ context.Context, accountID, marketID, outcome string) (*model.Position, error) {
	if err := tx.checkAccount(accountID); err != nil {
		return nil, err
	}
	k := positionKey{accountID, marketID, outcome}
	if p, ok := tx.positions[k]; ok {
		return &p, nil
	}

	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	p, ok := tx.s.positions[k]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (tx *memTx) PutPosition(_ context.Context, p *model.Position) error {
	if err := tx.checkAccount(p.AccountID); err != nil {
		return err
	}
	tx.positions[positionKey{p.AccountID, p.MarketID, p.Outcome}] = *p
	return nil
}

func (tx *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	if err := tx.checkAccount(o.AccountID); err != nil {
		return err
	}
	tx.orders = append(tx.orders, *o)
	return nil
}
