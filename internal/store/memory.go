package store

import (
	"context"
	"sort"
	"sync"

	"github.com/tradesim/exchange-core/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*model.Account
	txLog    []model.Transaction
	listings map[string]*model.Listing
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*model.Account),
		listings: make(map[string]*model.Listing),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.Username]; ok {
		return model.ErrAccountExists
	}
	s.accounts[a.Username] = a.Clone()
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, username string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[username]
	if !ok {
		return nil, model.ErrAccountNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) SaveAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.Username]; !ok {
		return model.ErrAccountNotFound
	}
	s.accounts[a.Username] = a.Clone()
	return nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, *a.Clone())
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Username < accounts[j].Username
	})
	return accounts, nil
}

func (s *MemoryStore) InsertTransaction(_ context.Context, tx *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.txLog = append(s.txLog, *tx)
	return nil
}

func (s *MemoryStore) TransactionsByUser(_ context.Context, username string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, tx := range s.txLog {
		if tx.Username == username {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (s *MemoryStore) CreateListing(_ context.Context, l *model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *l
	s.listings[l.ID] = &cp
	return nil
}

func (s *MemoryStore) GetListing(_ context.Context, id string) (*model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, model.ErrListingNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) DeleteListing(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.listings[id]; !ok {
		return model.ErrListingNotFound
	}
	delete(s.listings, id)
	return nil
}

func (s *MemoryStore) ListListings(_ context.Context) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	listings := make([]model.Listing, 0, len(s.listings))
	for _, l := range s.listings {
		listings = append(listings, *l)
	}
	sort.Slice(listings, func(i, j int) bool {
		if listings[i].CreatedAt.Equal(listings[j].CreatedAt) {
			return listings[i].ID < listings[j].ID
		}
		return listings[i].CreatedAt.After(listings[j].CreatedAt)
	})
	return listings, nil
}
