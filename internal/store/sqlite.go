package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/oddgrid/sim-engine/internal/model"
)

// SQLiteStore implements Store on a single SQLite file. Decimals are kept
// as TEXT and timestamps as unix nanoseconds.
//
// The pool is capped at one connection, so every transactional unit holds
// the database exclusively until it commits or rolls back.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS venues (
  slug TEXT PRIMARY KEY,
  name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS markets (
  id TEXT PRIMARY KEY,
  venue TEXT NOT NULL,
  external_id TEXT NOT NULL,
  title TEXT NOT NULL,
  description TEXT,
  resolution_rule TEXT,
  type TEXT NOT NULL,
  status TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  UNIQUE(venue, external_id)
);
CREATE INDEX IF NOT EXISTS idx_markets_created ON markets(created_at);

CREATE TABLE IF NOT EXISTS accounts (
  id TEXT PRIMARY KEY,
  display_name TEXT NOT NULL,
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS balances (
  account_id TEXT NOT NULL REFERENCES accounts(id),
  currency TEXT NOT NULL,
  amount TEXT NOT NULL,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY(account_id, currency)
);

CREATE TABLE IF NOT EXISTS positions (
  account_id TEXT NOT NULL REFERENCES accounts(id),
  market_id TEXT NOT NULL,
  outcome TEXT NOT NULL,
  size TEXT NOT NULL,
  avg_price TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY(account_id, market_id, outcome)
);

CREATE TABLE IF NOT EXISTS orders (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  account_id TEXT NOT NULL REFERENCES accounts(id),
  market_id TEXT NOT NULL,
  side TEXT NOT NULL,
  outcome TEXT NOT NULL,
  price TEXT NOT NULL,
  size TEXT NOT NULL,
  cost TEXT NOT NULL,
  status TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_account ON orders(account_id);
`)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertVenue(ctx context.Context, v model.Venue) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO venues(slug, name) VALUES(?, ?)
		 ON CONFLICT(slug) DO UPDATE SET name = excluded.name`,
		v.Slug, v.Name)
	return err
}

func (s *SQLiteStore) ListVenues(ctx context.Context) ([]model.Venue, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT slug, name FROM venues ORDER BY slug`)
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

func (s *SQLiteStore) CreateMarket(ctx context.Context, m *model.NativeMarket) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO markets(id, venue, external_id, title, description, resolution_rule, type, status, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Venue, m.ExternalID, m.Title, nullString(m.Description), nullString(m.ResolutionRule),
		string(m.Type), string(m.Status), m.CreatedAt.UnixNano(), m.UpdatedAt.UnixNano())
	if isSQLiteConstraint(err) {
		return fmt.Errorf("%w: market %s/%s", ErrConflict, m.Venue, m.ExternalID)
	}
	return err
}

const sqliteMarketColumns = `id, venue, external_id, title, description, resolution_rule, type, status, created_at, updated_at`

func (s *SQLiteStore) GetMarket(ctx context.Context, id string) (*model.NativeMarket, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteMarketColumns+` FROM markets WHERE id = ?`, id)
	m, err := scanSQLiteMarket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *SQLiteStore) ListMarkets(ctx context.Context, limit int) ([]model.NativeMarket, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteMarketColumns+` FROM markets ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.NativeMarket
	for rows.Next() {
		m, err := scanSQLiteMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *SQLiteStore) UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE markets SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().UnixNano(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, a *model.Account, opening model.Balance) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO accounts(id, display_name, created_at) VALUES(?, ?, ?)`,
		a.ID, a.DisplayName, a.CreatedAt.UnixNano())
	if isSQLiteConstraint(err) {
		return fmt.Errorf("%w: account %s", ErrConflict, a.ID)
	}
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO balances(account_id, currency, amount, updated_at) VALUES(?, ?, ?, ?)`,
		a.ID, opening.Currency, opening.Amount.String(), opening.UpdatedAt.UnixNano())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, created_at FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.DisplayName, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	a.CreatedAt = fromNanos(created)
	return &a, nil
}

func (s *SQLiteStore) GetBalance(ctx context.Context, accountID, currency string) (*model.Balance, error) {
	return sqliteBalance(ctx, s.db, accountID, currency)
}

func (s *SQLiteStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, market_id, outcome, size, avg_price, created_at, updated_at
		 FROM positions WHERE account_id = ? ORDER BY market_id, outcome`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanSQLitePosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *SQLiteStore) ListOrders(ctx context.Context, accountID string) ([]model.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, market_id, side, outcome, price, size, cost, status, created_at
		 FROM orders WHERE account_id = ? ORDER BY seq`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var side, status, priceS, sizeS, costS string
		var created int64
		if err := rows.Scan(&o.ID, &o.AccountID, &o.MarketID, &side, &o.Outcome,
			&priceS, &sizeS, &costS, &status, &created); err != nil {
			return nil, err
		}
		o.Side = model.Side(side)
		o.Status = model.OrderStatus(status)
		o.Price, _ = decimal.NewFromString(priceS)
		o.Size, _ = decimal.NewFromString(sizeS)
		o.Cost, _ = decimal.NewFromString(costS)
		o.CreatedAt = fromNanos(created)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *SQLiteStore) InTx(ctx context.Context, _ string, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) LockBalance(ctx context.Context, accountID, currency string) (*model.Balance, error) {
	return sqliteBalance(ctx, t.tx, accountID, currency)
}

func (t *sqliteTx) SetBalance(ctx context.Context, accountID, currency string, amount decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE balances SET amount = ?, updated_at = ? WHERE account_id = ? AND currency = ?`,
		amount.String(), time.Now().UTC().UnixNano(), accountID, currency)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: balance %s/%s", ErrNotFound, accountID, currency)
	}
	return nil
}

func (t *sqliteTx) LockPosition(ctx context.Context, accountID, marketID, outcome string) (*model.Position, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT account_id, market_id, outcome, size, avg_price, created_at, updated_at
		 FROM positions WHERE account_id = ? AND market_id = ? AND outcome = ?`,
		accountID, marketID, outcome)
	p, err := scanSQLitePosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (t *sqliteTx) PutPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO positions(account_id, market_id, outcome, size, avg_price, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(account_id, market_id, outcome)
		 DO UPDATE SET size = excluded.size, avg_price = excluded.avg_price, updated_at = excluded.updated_at`,
		p.AccountID, p.MarketID, p.Outcome, p.Size.String(), p.AvgPrice.String(),
		p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano())
	return err
}

func (t *sqliteTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO orders(id, account_id, market_id, side, outcome, price, size, cost, status, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.AccountID, o.MarketID, string(o.Side), o.Outcome,
		o.Price.String(), o.Size.String(), o.Cost.String(), string(o.Status), o.CreatedAt.UnixNano())
	return err
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteBalance(ctx context.Context, q sqlQuerier, accountID, currency string) (*model.Balance, error) {
	var b model.Balance
	var amountS string
	var updated int64
	err := q.QueryRowContext(ctx,
		`SELECT account_id, currency, amount, updated_at FROM balances WHERE account_id = ? AND currency = ?`,
		accountID, currency).
		Scan(&b.AccountID, &b.Currency, &amountS, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: balance %s/%s", ErrNotFound, accountID, currency)
	}
	if err != nil {
		return nil, fmt.Errorf("get balance %s/%s: %w", accountID, currency, err)
	}
	b.Amount, _ = decimal.NewFromString(amountS)
	b.UpdatedAt = fromNanos(updated)
	return &b, nil
}

func scanSQLiteMarket(row rowScanner) (*model.NativeMarket, error) {
	var m model.NativeMarket
	var desc, rule sql.NullString
	var typ, status string
	var created, updated int64
	if err := row.Scan(&m.ID, &m.Venue, &m.ExternalID, &m.Title, &desc, &rule,
		&typ, &status, &created, &updated); err != nil {
		return nil, err
	}
	if desc.Valid {
		m.Description = &desc.String
	}
	if rule.Valid {
		m.ResolutionRule = &rule.String
	}
	m.Type = model.MarketType(typ)
	m.Status = model.MarketStatus(status)
	m.CreatedAt = fromNanos(created)
	m.UpdatedAt = fromNanos(updated)
	return &m, nil
}

func scanSQLitePosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var sizeS, avgS string
	var created, updated int64
	if err := row.Scan(&p.AccountID, &p.MarketID, &p.Outcome, &sizeS, &avgS, &created, &updated); err != nil {
		return nil, err
	}
	p.Size, _ = decimal.NewFromString(sizeS)
	p.AvgPrice, _ = decimal.NewFromString(avgS)
	p.CreatedAt = fromNanos(created)
	p.UpdatedAt = fromNanos(updated)
	return &p, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func isSQLiteConstraint(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
