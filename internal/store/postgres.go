package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/oddgrid/sim-engine/internal/model"
)

//go:embed schema.sql
var postgresSchema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates any missing tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertVenue(ctx context.Context, v model.Venue) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO venues (slug, name) VALUES ($1, $2)
		 ON CONFLICT (slug) DO UPDATE SET name = EXCLUDED.name`,
		v.Slug, v.Name)
	return err
}

func (s *PostgresStore) ListVenues(ctx context.Context) ([]model.Venue, error) {
	rows, err := s.pool.Query(ctx, `SELECT slug, name FROM venues ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var venues []model.Venue
	for rows.Next() {
		var v model.Venue
		if err := rows.Scan(&v.Slug, &v.Name); err != nil {
			return nil, err
		}
		venues = append(venues, v)
	}
	return venues, rows.Err()
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.NativeMarket) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, venue, external_id, title, description, resolution_rule, type, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.Venue, m.ExternalID, m.Title, m.Description, m.ResolutionRule,
		string(m.Type), string(m.Status), m.CreatedAt, m.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: market %s/%s", ErrConflict, m.Venue, m.ExternalID)
	}
	return err
}

const marketColumns = `id, venue, external_id, title, description, resolution_rule, type, status, created_at, updated_at`

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.NativeMarket, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1`, id)
	m, err := scanNativeMarket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context, limit int) ([]model.NativeMarket, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.NativeMarket
	for rows.Next() {
		m, err := scanNativeMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET status = $2, updated_at = $3 WHERE id = $1`,
		id, string(status), time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account, opening model.Balance) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO accounts (id, display_name, created_at) VALUES ($1, $2, $3)`,
		a.ID, a.DisplayName, a.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: account %s", ErrConflict, a.ID)
	}
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO balances (account_id, currency, amount, updated_at) VALUES ($1, $2, $3::NUMERIC, $4)`,
		a.ID, opening.Currency, opening.Amount.String(), opening.UpdatedAt)
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, display_name, created_at FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.DisplayName, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return &a, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, accountID, currency string) (*model.Balance, error) {
	return getBalance(ctx, s.pool, accountID, currency, "")
}

func (s *PostgresStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, market_id, outcome, size::TEXT, avg_price::TEXT, created_at, updated_at
		 FROM positions WHERE account_id = $1 ORDER BY market_id, outcome`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListOrders(ctx context.Context, accountID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, market_id, side, outcome, price::TEXT, size::TEXT, cost::TEXT, status, created_at
		 FROM orders WHERE account_id = $1 ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var side, status, priceS, sizeS, costS string
		if err := rows.Scan(&o.ID, &o.AccountID, &o.MarketID, &side, &o.Outcome,
			&priceS, &sizeS, &costS, &status, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Side = model.Side(side)
		o.Status = model.OrderStatus(status)
		o.Price, _ = decimal.NewFromString(priceS)
		o.Size, _ = decimal.NewFromString(sizeS)
		o.Cost, _ = decimal.NewFromString(costS)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// InTx opens a database transaction and takes a transaction-scoped advisory
// lock on the account before fn runs, so units for the same account queue
// behind each other even before any row exists. Row locks (FOR UPDATE) on
// the balance and position rows keep other writers out until commit.
func (s *PostgresStore) InTx(ctx context.Context, accountID string, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, accountID); err != nil {
		return fmt.Errorf("lock account %s: %w", accountID, err)
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockBalance(ctx context.Context, accountID, currency string) (*model.Balance, error) {
	return getBalance(ctx, t.tx, accountID, currency, " FOR UPDATE")
}

func (t *pgTx) SetBalance(ctx context.Context, accountID, currency string, amount decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE balances SET amount = $3::NUMERIC, updated_at = $4
		 WHERE account_id = $1 AND currency = $2`,
		accountID, currency, amount.String(), time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: balance %s/%s", ErrNotFound, accountID, currency)
	}
	return nil
}

func (t *pgTx) LockPosition(ctx context.Context, accountID, marketID, outcome string) (*model.Position, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT account_id, market_id, outcome, size::TEXT, avg_price::TEXT, created_at, updated_at
		 FROM positions WHERE account_id = $1 AND market_id = $2 AND outcome = $3
		 FOR UPDATE`, accountID, marketID, outcome)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (t *pgTx) PutPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (account_id, market_id, outcome, size, avg_price, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7)
		 ON CONFLICT (account_id, market_id, outcome)
		 DO UPDATE SET size = EXCLUDED.size, avg_price = EXCLUDED.avg_price, updated_at = EXCLUDED.updated_at`,
		p.AccountID, p.MarketID, p.Outcome, p.Size.String(), p.AvgPrice.String(), p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (id, account_id, market_id, side, outcome, price, size, cost, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		o.ID, o.AccountID, o.MarketID, string(o.Side), o.Outcome,
		o.Price.String(), o.Size.String(), o.Cost.String(), string(o.Status), o.CreatedAt,
	)
	return err
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getBalance(ctx context.Context, q querier, accountID, currency, suffix string) (*model.Balance, error) {
	var b model.Balance
	var amountS string
	err := q.QueryRow(ctx,
		`SELECT account_id, currency, amount::TEXT, updated_at
		 FROM balances WHERE account_id = $1 AND currency = $2`+suffix,
		accountID, currency).
		Scan(&b.AccountID, &b.Currency, &amountS, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: balance %s/%s", ErrNotFound, accountID, currency)
	}
	if err != nil {
		return nil, fmt.Errorf("get balance %s/%s: %w", accountID, currency, err)
	}
	b.Amount, _ = decimal.NewFromString(amountS)
	return &b, nil
}

// rowScanner reads a single row; pgx.Row and pgx.Rows both satisfy it.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanNativeMarket(row rowScanner) (*model.NativeMarket, error) {
	var m model.NativeMarket
	var typ, status string
	if err := row.Scan(&m.ID, &m.Venue, &m.ExternalID, &m.Title, &m.Description, &m.ResolutionRule,
		&typ, &status, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Type = model.MarketType(typ)
	m.Status = model.MarketStatus(status)
	return &m, nil
}

func scanPosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var sizeS, avgS string
	if err := row.Scan(&p.AccountID, &p.MarketID, &p.Outcome, &sizeS, &avgS, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Size, _ = decimal.NewFromString(sizeS)
	p.AvgPrice, _ = decimal.NewFromString(avgS)
	return &p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
