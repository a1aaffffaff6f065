// Package ledger is the single authoritative owner of account state. Every
// cash or holding mutation anywhere in the service goes through Apply or
// ApplyPair: a serialized read-modify-write against one account (or two,
// locked in a fixed global order), validated against the ledger invariants
// and committed all-or-nothing with write-through persistence.
//
// Mutations to the same account never interleave; mutations to different
// accounts proceed in parallel. There is no global lock on the hot path.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradesim/exchange-core/internal/model"
	"github.com/tradesim/exchange-core/internal/store"
)

// Mutation receives a working copy of an account, applies changes to it,
// and returns nil to commit or an error to discard every change.
type Mutation func(a *model.Account) error

// PairMutation mutates two accounts in one atomic commit.
type PairMutation func(a, b *model.Account) error

// Ledger serializes mutations per account. Each account has its own lock;
// two-account operations acquire both locks in lexicographic username
// order, so opposite-direction transfers cannot deadlock.
type Ledger struct {
	store        store.Store
	startingCash decimal.Decimal

	mu      sync.Mutex
	entries map[string]*entry

	// onChange, when set, is invoked after every committed mutation with
	// the new account state. Used by the API layer for realtime pushes.
	onChange func(a *model.Account)
}

type entry struct {
	mu   sync.Mutex
	acct *model.Account // nil until loaded from the store
}

// New creates a ledger backed by st. startingCash is granted to every
// account at registration.
func New(st store.Store, startingCash decimal.Decimal) *Ledger {
	return &Ledger{
		store:        st,
		startingCash: startingCash,
		entries:      make(map[string]*entry),
	}
}

// OnChange registers the committed-state notification hook. Must be called
// before the ledger starts taking traffic.
func (l *Ledger) OnChange(fn func(a *model.Account)) {
	l.onChange = fn
}

// StartingCash returns the registration grant.
func (l *Ledger) StartingCash() decimal.Decimal {
	return l.startingCash
}

// entryFor returns the lock entry for username, creating a stub if needed.
// The account itself is loaded lazily under the entry lock, never the map
// lock, so a slow store read cannot stall unrelated accounts.
func (l *Ledger) entryFor(username string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[username]
	if !ok {
		e = &entry{}
		l.entries[username] = e
	}
	return e
}

// load populates e.acct from the store. Caller holds e.mu.
func (l *Ledger) load(ctx context.Context, username string, e *entry) error {
	if e.acct != nil {
		return nil
	}
	a, err := l.store.GetAccount(ctx, username)
	if err != nil {
		return err
	}
	e.acct = a
	return nil
}

// Register creates an account with the starting cash grant.
func (l *Ledger) Register(ctx context.Context, username string) (*model.Account, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, err
	}

	e := l.entryFor(username)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.acct != nil {
		return nil, model.ErrAccountExists
	}

	a := &model.Account{
		Username:    username,
		Cash:        l.startingCash,
		InitialCash: l.startingCash,
		CreatedAt:   time.Now().UTC(),
	}
	if err := l.store.CreateAccount(ctx, a); err != nil {
		return nil, err
	}
	e.acct = a

	slog.Info("account registered", "username", username, "cash", a.Cash.String())
	return a.Clone(), nil
}

// Get returns a copy of the account's committed state.
func (l *Ledger) Get(ctx context.Context, username string) (*model.Account, error) {
	e := l.entryFor(username)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := l.load(ctx, username, e); err != nil {
		return nil, err
	}
	return e.acct.Clone(), nil
}

// Apply runs fn against a working copy of the account and commits the
// result if fn succeeds and the invariants hold. A failed mutation leaves
// the account byte-for-byte unchanged. Banned accounts reject all
// mutations.
func (l *Ledger) Apply(ctx context.Context, username string, fn Mutation) (*model.Account, error) {
	e := l.entryFor(username)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := l.load(ctx, username, e); err != nil {
		return nil, err
	}
	if e.acct.Banned {
		return nil, model.ErrAccountBanned
	}

	work := e.acct.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	if err := validate(work); err != nil {
		return nil, err
	}

	if err := l.store.SaveAccount(ctx, work); err != nil {
		return nil, fmt.Errorf("commit %s: %w", username, err)
	}
	e.acct = work
	l.notify(work)
	return work.Clone(), nil
}

// ApplyPair runs fn against working copies of two distinct accounts and
// commits both or neither. Locks are taken in lexicographic username
// order regardless of argument order.
func (l *Ledger) ApplyPair(ctx context.Context, userA, userB string, fn PairMutation) error {
	if userA == userB {
		return model.ErrSelfTransferNotAllowed
	}

	first, second := userA, userB
	if second < first {
		first, second = second, first
	}

	e1 := l.entryFor(first)
	e2 := l.entryFor(second)

	e1.mu.Lock()
	defer e1.mu.Unlock()
	e2.mu.Lock()
	defer e2.mu.Unlock()

	if err := l.load(ctx, first, e1); err != nil {
		return err
	}
	if err := l.load(ctx, second, e2); err != nil {
		return err
	}

	ea, eb := e1, e2
	if first != userA {
		ea, eb = e2, e1
	}
	if ea.acct.Banned || eb.acct.Banned {
		return model.ErrAccountBanned
	}

	workA := ea.acct.Clone()
	workB := eb.acct.Clone()
	if err := fn(workA, workB); err != nil {
		return err
	}
	if err := validate(workA); err != nil {
		return err
	}
	if err := validate(workB); err != nil {
		return err
	}

	if err := l.store.SaveAccount(ctx, workA); err != nil {
		return fmt.Errorf("commit %s: %w", userA, err)
	}
	if err := l.store.SaveAccount(ctx, workB); err != nil {
		// Restore the first side so the pair stays all-or-nothing.
		if rbErr := l.store.SaveAccount(ctx, ea.acct); rbErr != nil {
			slog.Error("pair rollback failed", "username", userA, "err", rbErr)
		}
		return fmt.Errorf("commit %s: %w", userB, err)
	}
	ea.acct = workA
	eb.acct = workB
	l.notify(workA)
	l.notify(workB)
	return nil
}

// SetBanned flips the ban flag. Unlike Apply this is permitted on banned
// accounts (it is how they get unbanned); history is preserved either way.
func (l *Ledger) SetBanned(ctx context.Context, username string, banned bool) error {
	e := l.entryFor(username)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := l.load(ctx, username, e); err != nil {
		return err
	}

	work := e.acct.Clone()
	work.Banned = banned
	if err := l.store.SaveAccount(ctx, work); err != nil {
		return err
	}
	e.acct = work
	l.notify(work)

	slog.Info("ban flag updated", "username", username, "banned", banned)
	return nil
}

// Snapshot returns the committed state of every account. The write-through
// store reflects every commit, so this is a consistent read-side view.
func (l *Ledger) Snapshot(ctx context.Context) ([]model.Account, error) {
	return l.store.ListAccounts(ctx)
}

// Record appends an immutable transaction to the account's history.
func (l *Ledger) Record(ctx context.Context, username string, kind model.TxKind, symbol string, price decimal.Decimal, quantity int64) {
	tx := &model.Transaction{
		ID:        uuid.New().String(),
		Username:  username,
		Kind:      kind,
		Symbol:    symbol,
		Price:     price,
		Quantity:  quantity,
		Timestamp: time.Now().UTC(),
	}
	if err := l.store.InsertTransaction(ctx, tx); err != nil {
		slog.Error("transaction append failed", "username", username, "kind", kind, "err", err)
	}
}

// History returns the account's transaction log, oldest first.
func (l *Ledger) History(ctx context.Context, username string) ([]model.Transaction, error) {
	if _, err := l.Get(ctx, username); err != nil {
		return nil, err
	}
	return l.store.TransactionsByUser(ctx, username)
}

// Lookup implements the account-directory capability: does the recipient
// exist, and may they receive funds.
func (l *Ledger) Lookup(ctx context.Context, username string) (exists, banned bool, err error) {
	a, err := l.Get(ctx, username)
	if errors.Is(err, model.ErrAccountNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return true, a.Banned, nil
}

func (l *Ledger) notify(a *model.Account) {
	if l.onChange != nil {
		l.onChange(a.Clone())
	}
}

// validate enforces the commit invariants: cash never negative, no
// zero-or-negative holdings retained.
func validate(a *model.Account) error {
	if a.Cash.IsNegative() {
		return model.ErrInsufficientFunds
	}
	for _, h := range a.Holdings {
		if h.Quantity <= 0 {
			return model.ErrInsufficientShares
		}
	}
	return nil
}
