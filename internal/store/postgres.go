package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradesim/exchange-core/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (username, cash, initial_cash, banned, created_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5)`,
		a.Username, a.Cash.String(), a.InitialCash.String(), a.Banned, a.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.ErrAccountExists
		}
		return fmt.Errorf("create account %s: %w", a.Username, err)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, username string) (*model.Account, error) {
	var a model.Account
	var cash, initialCash string

	err := s.pool.QueryRow(ctx,
		`SELECT username, cash::TEXT, initial_cash::TEXT, banned, created_at
		 FROM accounts WHERE username = $1`, username).
		Scan(&a.Username, &cash, &initialCash, &a.Banned, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account %s: %w", username, err)
	}
	a.Cash, _ = decimal.NewFromString(cash)
	a.InitialCash, _ = decimal.NewFromString(initialCash)

	rows, err := s.pool.Query(ctx,
		`SELECT symbol, quantity, average_cost::TEXT
		 FROM holdings WHERE username = $1 ORDER BY symbol`, username)
	if err != nil {
		return nil, fmt.Errorf("get holdings %s: %w", username, err)
	}
	defer rows.Close()

	for rows.Next() {
		var h model.Holding
		var avgCost string
		if err := rows.Scan(&h.Symbol, &h.Quantity, &avgCost); err != nil {
			return nil, err
		}
		h.AverageCost, _ = decimal.NewFromString(avgCost)
		a.Holdings = append(a.Holdings, h)
	}
	return &a, rows.Err()
}

// SaveAccount rewrites the account row and its holdings in one transaction,
// so a crash never leaves cash and holdings from different commits.
func (s *PostgresStore) SaveAccount(ctx context.Context, a *model.Account) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx,
		`UPDATE accounts
		 SET cash = $2::NUMERIC, banned = $3
		 WHERE username = $1`,
		a.Username, a.Cash.String(), a.Banned,
	)
	if err != nil {
		return fmt.Errorf("save account %s: %w", a.Username, err)
	}
	if cmd.RowsAffected() == 0 {
		return model.ErrAccountNotFound
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM holdings WHERE username = $1`, a.Username); err != nil {
		return err
	}
	for _, h := range a.Holdings {
		if _, err := tx.Exec(ctx,
			`INSERT INTO holdings (username, symbol, quantity, average_cost)
			 VALUES ($1, $2, $3, $4::NUMERIC)`,
			a.Username, h.Symbol, h.Quantity, h.AverageCost.String(),
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT username, cash::TEXT, initial_cash::TEXT, banned, created_at
		 FROM accounts ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		var a model.Account
		var cash, initialCash string
		if err := rows.Scan(&a.Username, &cash, &initialCash, &a.Banned, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Cash, _ = decimal.NewFromString(cash)
		a.InitialCash, _ = decimal.NewFromString(initialCash)
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hRows, err := s.pool.Query(ctx,
		`SELECT username, symbol, quantity, average_cost::TEXT
		 FROM holdings ORDER BY username, symbol`)
	if err != nil {
		return nil, err
	}
	defer hRows.Close()

	byUser := make(map[string][]model.Holding)
	for hRows.Next() {
		var username, avgCost string
		var h model.Holding
		if err := hRows.Scan(&username, &h.Symbol, &h.Quantity, &avgCost); err != nil {
			return nil, err
		}
		h.AverageCost, _ = decimal.NewFromString(avgCost)
		byUser[username] = append(byUser[username], h)
	}
	if err := hRows.Err(); err != nil {
		return nil, err
	}

	for i := range accounts {
		accounts[i].Holdings = byUser[accounts[i].Username]
	}
	return accounts, nil
}

func (s *PostgresStore) InsertTransaction(ctx context.Context, t *model.Transaction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transactions (id, username, kind, symbol, price, quantity, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
		t.ID, t.Username, string(t.Kind), t.Symbol,
		t.Price.String(), t.Quantity, t.Timestamp,
	)
	return err
}

func (s *PostgresStore) TransactionsByUser(ctx context.Context, username string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, username, kind, symbol, price::TEXT, quantity, timestamp
		 FROM transactions WHERE username = $1 ORDER BY timestamp`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var kind, price string
		if err := rows.Scan(&t.ID, &t.Username, &kind, &t.Symbol, &price, &t.Quantity, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Kind = model.TxKind(kind)
		t.Price, _ = decimal.NewFromString(price)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (s *PostgresStore) CreateListing(ctx context.Context, l *model.Listing) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO p2p_orders (id, seller, symbol, quantity, total_price, average_cost, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
		l.ID, l.Seller, l.Symbol, l.Quantity,
		l.TotalPrice.String(), l.AverageCost.String(), l.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	var l model.Listing
	var totalPrice, avgCost string

	err := s.pool.QueryRow(ctx,
		`SELECT id, seller, symbol, quantity, total_price::TEXT, average_cost::TEXT, created_at
		 FROM p2p_orders WHERE id = $1`, id).
		Scan(&l.ID, &l.Seller, &l.Symbol, &l.Quantity, &totalPrice, &avgCost, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrListingNotFound
		}
		return nil, fmt.Errorf("get listing %s: %w", id, err)
	}
	l.TotalPrice, _ = decimal.NewFromString(totalPrice)
	l.AverageCost, _ = decimal.NewFromString(avgCost)
	return &l, nil
}

func (s *PostgresStore) DeleteListing(ctx context.Context, id string) error {
	cmd, err := s.pool.Exec(ctx, `DELETE FROM p2p_orders WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return model.ErrListingNotFound
	}
	return nil
}

func (s *PostgresStore) ListListings(ctx context.Context) ([]model.Listing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, seller, symbol, quantity, total_price::TEXT, average_cost::TEXT, created_at
		 FROM p2p_orders ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		var l model.Listing
		var totalPrice, avgCost string
		if err := rows.Scan(&l.ID, &l.Seller, &l.Symbol, &l.Quantity, &totalPrice, &avgCost, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.TotalPrice, _ = decimal.NewFromString(totalPrice)
		l.AverageCost, _ = decimal.NewFromString(avgCost)
		listings = append(listings, l)
	}
	return listings, rows.Err()
}
