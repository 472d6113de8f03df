// Package store defines the persistence interface for the engine.
// Implementations include PostgreSQL (source of truth), SQLite (local
// single-file persistence), Redis (read-through cache), and in-memory
// (for testing and development).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/oddgrid/sim-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a create would duplicate an existing row.
	ErrConflict = errors.New("store: already exists")
)

// Store is the persistence interface. Reads outside InTx see only committed
// state.
type Store interface {
	// --- Venues ---

	// UpsertVenue inserts a venue or updates its display name.
	UpsertVenue(ctx context.Context, v model.Venue) error

	// ListVenues returns all venues ordered by slug.
	ListVenues(ctx context.Context) ([]model.Venue, error)

	// --- Native markets ---

	// CreateMarket persists a new native market. Duplicate (venue, external
	// id) pairs return ErrConflict.
	CreateMarket(ctx context.Context, m *model.NativeMarket) error

	// GetMarket retrieves a native market by its store ID.
	GetMarket(ctx context.Context, id string) (*model.NativeMarket, error)

	// ListMarkets returns at most limit markets, newest first.
	ListMarkets(ctx context.Context, limit int) ([]model.NativeMarket, error)

	// UpdateMarketStatus changes a native market's lifecycle status.
	UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus) error

	// --- Accounts ---

	// CreateAccount creates an account together with its opening balance.
	CreateAccount(ctx context.Context, a *model.Account, opening model.Balance) error

	// GetAccount retrieves an account by ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// GetBalance returns the committed balance for (account, currency).
	GetBalance(ctx context.Context, accountID, currency string) (*model.Balance, error)

	// ListPositions returns all positions of an account.
	ListPositions(ctx context.Context, accountID string) ([]model.Position, error)

	// ListOrders returns the account's orders, oldest first.
	ListOrders(ctx context.Context, accountID string) ([]model.Order, error)

	// --- Transactional unit ---

	// InTx runs fn as one atomic unit scoped to accountID. Calls for the
	// same account are serialized; calls for different accounts are not.
	// If fn returns an error nothing it wrote becomes visible.
	InTx(ctx context.Context, accountID string, fn func(tx Tx) error) error
}

// Tx is the read-modify-write view of one account handed to InTx callbacks.
type Tx interface {
	// LockBalance reads the balance row and holds it until the unit ends.
	LockBalance(ctx context.Context, accountID, currency string) (*model.Balance, error)

	// SetBalance overwrites the balance amount.
	SetBalance(ctx context.Context, accountID, currency string, amount decimal.Decimal) error

	// LockPosition reads the position row, returning (nil, nil) when the
	// account holds no position in that outcome yet.
	LockPosition(ctx context.Context, accountID, marketID, outcome string) (*model.Position, error)

	// PutPosition inserts or replaces a position.
	PutPosition(ctx context.Context, p *model.Position) error

	// InsertOrder appends an immutable order record.
	InsertOrder(ctx context.Context, o *model.Order) error
}
