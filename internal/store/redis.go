package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradesim/exchange-core/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for hot account and history reads. Writes go to the primary store
// and invalidate the cache; reads check Redis first then fall back.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.cacheAccount(ctx, a)
	return nil
}

func (s *CachedStore) SaveAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.SaveAccount(ctx, a); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, accountKey(a.Username))
	return nil
}

func (s *CachedStore) InsertTransaction(ctx context.Context, tx *model.Transaction) error {
	if err := s.primary.InsertTransaction(ctx, tx); err != nil {
		return err
	}
	s.rdb.Del(ctx, historyKey(tx.Username))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, username string) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(username)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetAccount(ctx, username)
	if err != nil {
		return nil, err
	}

	s.cacheAccount(ctx, a)
	return a, nil
}

func (s *CachedStore) TransactionsByUser(ctx context.Context, username string) ([]model.Transaction, error) {
	data, err := s.rdb.Get(ctx, historyKey(username)).Bytes()
	if err == nil {
		var txs []model.Transaction
		if json.Unmarshal(data, &txs) == nil {
			return txs, nil
		}
	}

	txs, err := s.primary.TransactionsByUser(ctx, username)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(txs); err == nil {
		s.rdb.Set(ctx, historyKey(username), data, s.ttl)
	}
	return txs, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return s.primary.ListAccounts(ctx)
}

func (s *CachedStore) CreateListing(ctx context.Context, l *model.Listing) error {
	return s.primary.CreateListing(ctx, l)
}

func (s *CachedStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	return s.primary.GetListing(ctx, id)
}

func (s *CachedStore) DeleteListing(ctx context.Context, id string) error {
	return s.primary.DeleteListing(ctx, id)
}

func (s *CachedStore) ListListings(ctx context.Context) ([]model.Listing, error) {
	return s.primary.ListListings(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cacheAccount(ctx context.Context, a *model.Account) {
	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, accountKey(a.Username), data, s.ttl)
	}
}

func accountKey(username string) string { return fmt.Sprintf("account:%s", username) }
func historyKey(username string) string { return fmt.Sprintf("history:%s", username) }
