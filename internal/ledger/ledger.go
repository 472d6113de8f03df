// Package ledger executes simulated fills against account state.
//
// A fill debits the account's cash balance, creates or grows the position
// in the traded outcome with a size-weighted average price, and appends an
// immutable order record. The three writes happen inside one store
// transaction scoped to the account, so concurrent orders for the same
// account serialize and a failure part-way leaves no trace. Orders for
// different accounts never block each other.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/oddgrid/sim-engine/internal/aggregate"
	"github.com/oddgrid/sim-engine/internal/metrics"
	"github.com/oddgrid/sim-engine/internal/model"
	"github.com/oddgrid/sim-engine/internal/store"
)

// DefaultStartingBalance is credited to every new account.
var DefaultStartingBalance = decimal.NewFromInt(10000)

const maxDisplayName = 64

// divisionPlaces is the scale of every quotient the ledger stores. Prices
// finer than this are rejected up front.
const divisionPlaces = 32

// MarketLookup resolves a venue-qualified market id. Unknown markets are
// reported with an error wrapping aggregate.ErrMarketNotFound.
type MarketLookup interface {
	LookupMarket(ctx context.Context, id string) (*model.Market, error)
}

// Notifier is told about every committed fill.
type Notifier interface {
	OrderFilled(exec Execution)
}

// OrderRequest is one simulated buy. Side and Outcome default to BUY and YES.
type OrderRequest struct {
	AccountID   string
	MarketID    string
	Probability decimal.Decimal
	StakeAmount decimal.Decimal
	Side        model.Side
	Outcome     string
}

// Fill is the price, share count and cash cost of an accepted order.
type Fill struct {
	Price  decimal.Decimal `json:"price"`
	Shares decimal.Decimal `json:"shares"`
	Cost   decimal.Decimal `json:"cost"`
}

// Execution is everything an accepted order changed.
type Execution struct {
	Order    model.Order    `json:"order"`
	Fill     Fill           `json:"fill"`
	Balance  model.Balance  `json:"balance"`
	Position model.Position `json:"position"`
}

// Ledger places orders and answers account reads.
type Ledger struct {
	store           store.Store
	markets         MarketLookup
	notifier        Notifier
	log             *slog.Logger
	startingBalance decimal.Decimal
	now             func() time.Time
	newID           func() string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the ledger's logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

// WithNotifier registers a receiver for committed fills.
func WithNotifier(n Notifier) Option {
	return func(l *Ledger) { l.notifier = n }
}

// WithStartingBalance overrides the cash credited by OpenAccount.
func WithStartingBalance(amount decimal.Decimal) Option {
	return func(l *Ledger) {
		if amount.IsPositive() {
			l.startingBalance = amount
		}
	}
}

// New creates a ledger over st, resolving markets through markets.
func New(st store.Store, markets MarketLookup, opts ...Option) *Ledger {
	l := &Ledger{
		store:           st,
		markets:         markets,
		log:             slog.Default(),
		startingBalance: DefaultStartingBalance,
		now:             func() time.Time { return time.Now().UTC() },
		newID:           uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With("component", "ledger")
	return l
}

// PlaceOrder validates req, checks the market is tradable, and applies the
// fill atomically. Errors match one of ErrValidation, ErrNotFound, ErrState,
// ErrInsufficientBalance or ErrInternal.
func (l *Ledger) PlaceOrder(ctx context.Context, req OrderRequest) (*Execution, error) {
	start := time.Now()

	exec, err := l.placeOrder(ctx, req)
	if err != nil {
		kind := Kind(err)
		metrics.OrderRejections.WithLabelValues(kind).Inc()
		if kind == KindInternal {
			l.log.Error("order failed", "account", req.AccountID, "market", req.MarketID, "err", err)
		} else {
			l.log.Info("order rejected", "account", req.AccountID, "market", req.MarketID, "kind", kind, "err", err)
		}
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(exec.Order.Outcome, string(exec.Order.Side)).Inc()
	metrics.OrderLatency.Observe(time.Since(start).Seconds())

	l.log.Info("order filled",
		"order", exec.Order.ID,
		"account", exec.Order.AccountID,
		"market", exec.Order.MarketID,
		"price", exec.Fill.Price.String(),
		"shares", exec.Fill.Shares.String(),
		"cost", exec.Fill.Cost.String(),
		"balance", exec.Balance.Amount.String(),
	)

	if l.notifier != nil {
		l.notifier.OrderFilled(*exec)
	}
	return exec, nil
}

func (l *Ledger) placeOrder(ctx context.Context, req OrderRequest) (*Execution, error) {
	req, err := normalize(req)
	if err != nil {
		return nil, err
	}

	market, err := l.markets.LookupMarket(ctx, req.MarketID)
	if errors.Is(err, aggregate.ErrMarketNotFound) {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, req.MarketID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lookup market: %w", ErrInternal, err)
	}
	if market.Status != model.MarketStatusOpen {
		return nil, fmt.Errorf("%w: market %s is %s", ErrState, market.ID, market.Status)
	}
	if market.Type != model.MarketTypeYesNo {
		return nil, fmt.Errorf("%w: market %s is %s, only %s is tradable", ErrState, market.ID, market.Type, model.MarketTypeYesNo)
	}

	var exec *Execution
	err = l.store.InTx(ctx, req.AccountID, func(tx store.Tx) error {
		var err error
		exec, err = l.apply(ctx, tx, req)
		return err
	})
	if err != nil {
		if Kind(err) == KindInternal && !errors.Is(err, ErrInternal) {
			err = fmt.Errorf("%w: %w", ErrInternal, err)
		}
		return nil, err
	}
	return exec, nil
}

// normalize fills defaults and rejects malformed requests without touching
// any state.
func normalize(req OrderRequest) (OrderRequest, error) {
	req.AccountID = strings.TrimSpace(req.AccountID)
	req.MarketID = strings.TrimSpace(req.MarketID)
	if req.Side == "" {
		req.Side = model.SideBuy
	}
	if req.Outcome == "" {
		req.Outcome = model.OutcomeYes
	}

	if req.AccountID == "" {
		return req, validationf("account id is required")
	}
	if req.MarketID == "" {
		return req, validationf("marketId is required")
	}
	if _, _, err := model.ParseMarketID(req.MarketID); err != nil {
		return req, validationf("%v", err)
	}
	if !req.Probability.IsPositive() || req.Probability.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return req, validationf("probability must be strictly between 0 and 1, got %s", req.Probability)
	}
	if !req.Probability.Equal(req.Probability.Truncate(divisionPlaces)) {
		return req, validationf("probability has more than %d decimal places", divisionPlaces)
	}
	if !req.StakeAmount.IsPositive() {
		return req, validationf("stakeAmount must be positive, got %s", req.StakeAmount)
	}
	if !sharesFor(req.StakeAmount, req.Probability).IsPositive() {
		return req, validationf("stakeAmount %s buys no shares at %s", req.StakeAmount, req.Probability)
	}
	if req.Side != model.SideBuy || req.Outcome != model.OutcomeYes {
		return req, validationf("unsupported order leg %s %s", req.Side, req.Outcome)
	}
	return req, nil
}

// apply runs inside the account's transaction. Any error rolls back every
// write made here.
func (l *Ledger) apply(ctx context.Context, tx store.Tx, req OrderRequest) (*Execution, error) {
	now := l.now()
	price := req.Probability
	cost := req.StakeAmount
	shares := sharesFor(cost, price)

	bal, err := tx.LockBalance(ctx, req.AccountID, model.SettlementCurrency)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no %s balance for account %s", ErrNotFound, model.SettlementCurrency, req.AccountID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lock balance: %w", ErrInternal, err)
	}
	if bal.Amount.LessThan(cost) {
		return nil, &InsufficientBalanceError{Available: bal.Amount, Required: cost}
	}

	prev, err := tx.LockPosition(ctx, req.AccountID, req.MarketID, req.Outcome)
	if err != nil {
		return nil, fmt.Errorf("%w: lock position: %w", ErrInternal, err)
	}
	pos := nextPosition(prev, req, shares, price, now)
	if !pos.AvgPrice.IsPositive() || pos.AvgPrice.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, validationf("average price %s of position %s/%s leaves (0, 1)", pos.AvgPrice, req.MarketID, req.Outcome)
	}

	newAmount := bal.Amount.Sub(cost)
	if err := tx.SetBalance(ctx, req.AccountID, model.SettlementCurrency, newAmount); err != nil {
		return nil, fmt.Errorf("%w: debit balance: %w", ErrInternal, err)
	}
	if err := tx.PutPosition(ctx, &pos); err != nil {
		return nil, fmt.Errorf("%w: upsert position: %w", ErrInternal, err)
	}

	order := model.Order{
		ID:        l.newID(),
		AccountID: req.AccountID,
		MarketID:  req.MarketID,
		Side:      req.Side,
		Outcome:   req.Outcome,
		Price:     price,
		Size:      shares,
		Cost:      cost,
		Status:    model.OrderStatusFilled,
		CreatedAt: now,
	}
	if err := tx.InsertOrder(ctx, &order); err != nil {
		return nil, fmt.Errorf("%w: record order: %w", ErrInternal, err)
	}

	return &Execution{
		Order: order,
		Fill:  Fill{Price: price, Shares: shares, Cost: cost},
		Balance: model.Balance{
			AccountID: req.AccountID,
			Currency:  model.SettlementCurrency,
			Amount:    newAmount,
			UpdatedAt: now,
		},
		Position: pos,
	}, nil
}

// nextPosition grows prev by one fill, keeping AvgPrice the size-weighted
// mean of every fill price.
func nextPosition(prev *model.Position, req OrderRequest, shares, price decimal.Decimal, now time.Time) model.Position {
	if prev == nil {
		return model.Position{
			AccountID: req.AccountID,
			MarketID:  req.MarketID,
			Outcome:   req.Outcome,
			Size:      shares,
			AvgPrice:  price,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	next := *prev
	next.Size = prev.Size.Add(shares)
	if next.Size.IsZero() {
		next.AvgPrice = price
	} else {
		next.AvgPrice = prev.Size.Mul(prev.AvgPrice).Add(shares.Mul(price)).DivRound(next.Size, divisionPlaces)
	}
	next.UpdatedAt = now
	return next
}

// sharesFor is the share count a stake buys at price.
func sharesFor(cost, price decimal.Decimal) decimal.Decimal {
	return cost.DivRound(price, divisionPlaces)
}

// --- Accounts and reads ---

// OpenAccount provisions an account with the starting cash balance.
func (l *Ledger) OpenAccount(ctx context.Context, displayName string) (*model.Account, *model.Balance, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = "Trader"
	}
	if len(displayName) > maxDisplayName {
		return nil, nil, validationf("displayName longer than %d characters", maxDisplayName)
	}

	now := l.now()
	acct := &model.Account{ID: l.newID(), DisplayName: displayName, CreatedAt: now}
	bal := model.Balance{
		AccountID: acct.ID,
		Currency:  model.SettlementCurrency,
		Amount:    l.startingBalance,
		UpdatedAt: now,
	}
	if err := l.store.CreateAccount(ctx, acct, bal); err != nil {
		return nil, nil, fmt.Errorf("%w: create account: %w", ErrInternal, err)
	}

	l.log.Info("account opened", "account", acct.ID, "balance", bal.Amount.String())
	return acct, &bal, nil
}

// Account returns the account with id.
func (l *Ledger) Account(ctx context.Context, id string) (*model.Account, error) {
	acct, err := l.store.GetAccount(ctx, id)
	if err != nil {
		return nil, storeErr(err, "account "+id)
	}
	return acct, nil
}

// Balance returns the account's committed settlement-currency balance.
func (l *Ledger) Balance(ctx context.Context, accountID string) (*model.Balance, error) {
	bal, err := l.store.GetBalance(ctx, accountID, model.SettlementCurrency)
	if err != nil {
		return nil, storeErr(err, "balance for "+accountID)
	}
	return bal, nil
}

// Positions returns every position the account holds.
func (l *Ledger) Positions(ctx context.Context, accountID string) ([]model.Position, error) {
	positions, err := l.store.ListPositions(ctx, accountID)
	if err != nil {
		return nil, storeErr(err, "positions for "+accountID)
	}
	return positions, nil
}

// Orders returns the account's order history, oldest first.
func (l *Ledger) Orders(ctx context.Context, accountID string) ([]model.Order, error) {
	orders, err := l.store.ListOrders(ctx, accountID)
	if err != nil {
		return nil, storeErr(err, "orders for "+accountID)
	}
	return orders, nil
}

func storeErr(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return fmt.Errorf("%w: read %s: %w", ErrInternal, what, err)
}
