// Package store defines the persistence interface for the exchange core.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"

	"github.com/tradesim/exchange-core/internal/model"
)

// Store persists the durable ledger state: one record per account, an
// append-only transaction log per account, and the live P2P listing rows.
// Leaderboard and price history are derived, never stored.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists a new account. Returns model.ErrAccountExists
	// if the username is taken.
	CreateAccount(ctx context.Context, a *model.Account) error

	// GetAccount retrieves an account by username.
	GetAccount(ctx context.Context, username string) (*model.Account, error)

	// SaveAccount overwrites the account's cash, holdings, and ban flag.
	SaveAccount(ctx context.Context, a *model.Account) error

	// ListAccounts returns every account, banned ones included.
	ListAccounts(ctx context.Context) ([]model.Account, error)

	// --- Immutable transaction log ---

	// InsertTransaction appends an immutable ledger record.
	InsertTransaction(ctx context.Context, tx *model.Transaction) error

	// TransactionsByUser returns a user's history, oldest first.
	TransactionsByUser(ctx context.Context, username string) ([]model.Transaction, error)

	// --- P2P listings ---

	// CreateListing persists a live escrowed listing.
	CreateListing(ctx context.Context, l *model.Listing) error

	// GetListing retrieves a listing by id.
	GetListing(ctx context.Context, id string) (*model.Listing, error)

	// DeleteListing removes a listing row after a fill or cancellation.
	DeleteListing(ctx context.Context, id string) error

	// ListListings returns all live listings, newest first.
	ListListings(ctx context.Context) ([]model.Listing, error)
}
