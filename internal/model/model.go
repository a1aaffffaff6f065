// Package model defines the core domain types shared across the exchange core.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"errors"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// Error taxonomy. Every mutating operation fails with one of these and
// leaves all involved accounts unchanged.
var (
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInsufficientShares     = errors.New("insufficient shares")
	ErrListingAlreadyFilled   = errors.New("listing already filled")
	ErrListingNotFound        = errors.New("listing not found")
	ErrSelfTradeNotAllowed    = errors.New("cannot fill your own listing")
	ErrSelfTransferNotAllowed = errors.New("cannot transfer to yourself")
	ErrRecipientNotFound      = errors.New("recipient not found")
	ErrAccountBanned          = errors.New("account is banned")
	ErrInvalidQuantity        = errors.New("quantity must be a positive whole number of shares")
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrAccountExists          = errors.New("account already exists")
	ErrAccountNotFound        = errors.New("account not found")
	ErrSymbolNotFound         = errors.New("symbol not listed")
	ErrNotListingOwner        = errors.New("only the seller may cancel a listing")
	ErrInvalidSymbol          = errors.New("symbol must be 1-8 uppercase letters")
	ErrInvalidUsername        = errors.New("username must be 3-24 word characters")
)

var usernameRE = regexp.MustCompile(`^[a-zA-Z0-9_]{3,24}$`)

// ValidateUsername checks the identity key format used by the ledger.
func ValidateUsername(username string) error {
	if !usernameRE.MatchString(username) {
		return ErrInvalidUsername
	}
	return nil
}

var symbolRE = regexp.MustCompile(`^[A-Z]{1,8}$`)

// ValidateSymbol checks the ticker format used by the price oracle.
func ValidateSymbol(symbol string) error {
	if !symbolRE.MatchString(symbol) {
		return ErrInvalidSymbol
	}
	return nil
}

// TxKind identifies one kind of ledger event.
type TxKind string

const (
	TxBuy         TxKind = "BUY"
	TxSell        TxKind = "SELL"
	TxTransferIn  TxKind = "TRANSFER_IN"
	TxTransferOut TxKind = "TRANSFER_OUT"
	TxP2PBuy      TxKind = "P2P_BUY"
	TxP2PSell     TxKind = "P2P_SELL"
)

// Holding is one position in an account's portfolio. AverageCost is the
// quantity-weighted mean purchase price of all unclosed buy lots; sells
// reduce Quantity but never touch AverageCost.
type Holding struct {
	Symbol      string          `json:"symbol" db:"symbol"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost" db:"average_cost"`
}

// Account is the durable per-user record: cash, holdings, starting-cash
// baseline and ban flag. Invariants on every commit: Cash >= 0 and every
// holding Quantity > 0 (zero-quantity holdings are removed, never kept).
type Account struct {
	Username    string          `json:"username" db:"username"`
	Cash        decimal.Decimal `json:"cash" db:"cash"`
	Holdings    []Holding       `json:"holdings"`
	InitialCash decimal.Decimal `json:"initial_cash" db:"initial_cash"`
	Banned      bool            `json:"banned" db:"banned"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Holding returns the position for symbol, or nil if the account holds none.
func (a *Account) Holding(symbol string) *Holding {
	for i := range a.Holdings {
		if a.Holdings[i].Symbol == symbol {
			return &a.Holdings[i]
		}
	}
	return nil
}

// HeldQuantity returns the share count for symbol (0 if not held).
func (a *Account) HeldQuantity(symbol string) int64 {
	if h := a.Holding(symbol); h != nil {
		return h.Quantity
	}
	return 0
}

// AddShares merges quantity shares at unitPrice into the account, blending
// the average cost: (oldQty*oldAvg + qty*price) / (oldQty+qty).
func (a *Account) AddShares(symbol string, quantity int64, unitPrice decimal.Decimal) {
	if h := a.Holding(symbol); h != nil {
		oldQty := decimal.NewFromInt(h.Quantity)
		newQty := decimal.NewFromInt(quantity)
		total := oldQty.Mul(h.AverageCost).Add(newQty.Mul(unitPrice))
		h.Quantity += quantity
		h.AverageCost = total.Div(oldQty.Add(newQty))
		return
	}
	a.Holdings = append(a.Holdings, Holding{
		Symbol:      symbol,
		Quantity:    quantity,
		AverageCost: unitPrice,
	})
}

// RemoveShares decrements the position, deleting it when it reaches zero.
// The caller must have verified the account holds at least quantity.
func (a *Account) RemoveShares(symbol string, quantity int64) {
	for i := range a.Holdings {
		if a.Holdings[i].Symbol != symbol {
			continue
		}
		a.Holdings[i].Quantity -= quantity
		if a.Holdings[i].Quantity <= 0 {
			a.Holdings = append(a.Holdings[:i], a.Holdings[i+1:]...)
		}
		return
	}
}

// Clone returns a deep copy safe for mutation outside the ledger lock.
func (a *Account) Clone() *Account {
	cp := *a
	cp.Holdings = make([]Holding, len(a.Holdings))
	copy(cp.Holdings, a.Holdings)
	return &cp
}

// Stock is one tradable instrument as published by the price oracle.
// Read-only to the ledger.
type Stock struct {
	Symbol        string          `json:"symbol"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Volume        int64           `json:"volume"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Volatility    decimal.Decimal `json:"volatility"`
}

// Transaction is an immutable, append-only record of one ledger event.
// Symbol carries the ticker for trades and the counterparty username for
// transfers. Never mutated or deleted.
type Transaction struct {
	ID        string          `json:"id" db:"id"`
	Username  string          `json:"username" db:"username"`
	Kind      TxKind          `json:"kind" db:"kind"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Quantity  int64           `json:"quantity" db:"quantity"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Listing is an escrowed peer-to-peer offer. The quantity has already been
// deducted from the seller's holding at creation; the listing owns those
// shares until it is filled or cancelled. Fills are all-or-nothing.
type Listing struct {
	ID          string          `json:"id" db:"id"`
	Seller      string          `json:"seller" db:"seller"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	TotalPrice  decimal.Decimal `json:"total_price" db:"total_price"`
	AverageCost decimal.Decimal `json:"average_cost" db:"average_cost"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// UnitPrice is the per-share fill price buyers blend into their average cost.
func (l *Listing) UnitPrice() decimal.Decimal {
	return l.TotalPrice.Div(decimal.NewFromInt(l.Quantity))
}

// RankedEntry is one leaderboard row. Derived on demand, never persisted.
type RankedEntry struct {
	Rank          int             `json:"rank"`
	Username      string          `json:"username"`
	Equity        decimal.Decimal `json:"equity"`
	ReturnPercent decimal.Decimal `json:"return_percent"`
}
