// Package exchange executes market buys and sells against the simulated
// market at the oracle price.
package exchange

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/tradesim/exchange-core/internal/ledger"
	"github.com/tradesim/exchange-core/internal/metrics"
	"github.com/tradesim/exchange-core/internal/model"
	"github.com/tradesim/exchange-core/internal/oracle"
)

// Service is the market trade executor. The simulated market is the sole
// source and sink of shares: Buy mints them against cash, Sell burns them
// for cash, both at the price visible at the instant of the atomic commit.
type Service struct {
	ledger *ledger.Ledger
	oracle *oracle.Oracle
}

// New creates an exchange bound to a ledger and a price oracle.
func New(l *ledger.Ledger, o *oracle.Oracle) *Service {
	return &Service{ledger: l, oracle: o}
}

// Fill is the committed result of a market trade.
type Fill struct {
	Username string          `json:"username"`
	Kind     model.TxKind    `json:"kind"`
	Symbol   string          `json:"symbol"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Total    decimal.Decimal `json:"total"`
	Account  *model.Account  `json:"account"`
}

// Buy purchases quantity shares of symbol at the current oracle price.
// The price is read inside the account mutation, never earlier in the
// request, so the affordability check and the debit see the same tick.
func (s *Service) Buy(ctx context.Context, username, symbol string, quantity int64) (*Fill, error) {
	if quantity <= 0 {
		return nil, model.ErrInvalidQuantity
	}
	if err := model.ValidateSymbol(symbol); err != nil {
		return nil, err
	}

	var price, total decimal.Decimal
	acct, err := s.ledger.Apply(ctx, username, func(a *model.Account) error {
		var ok bool
		price, ok = s.oracle.Price(symbol)
		if !ok {
			return model.ErrSymbolNotFound
		}
		total = price.Mul(decimal.NewFromInt(quantity))
		if a.Cash.LessThan(total) {
			return model.ErrInsufficientFunds
		}
		a.Cash = a.Cash.Sub(total)
		a.AddShares(symbol, quantity, price)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.ledger.Record(ctx, username, model.TxBuy, symbol, price, quantity)
	metrics.TradesTotal.WithLabelValues(string(model.TxBuy)).Inc()

	slog.Info("market buy",
		"username", username,
		"symbol", symbol,
		"quantity", quantity,
		"price", price.String(),
		"total", total.String(),
	)

	return &Fill{
		Username: username,
		Kind:     model.TxBuy,
		Symbol:   symbol,
		Quantity: quantity,
		Price:    price,
		Total:    total,
		Account:  acct,
	}, nil
}

// Sell disposes quantity shares of symbol at the current oracle price.
// The holding's average cost is left untouched; it is meaningless once the
// quantity reaches zero and the holding is removed.
func (s *Service) Sell(ctx context.Context, username, symbol string, quantity int64) (*Fill, error) {
	if quantity <= 0 {
		return nil, model.ErrInvalidQuantity
	}
	if err := model.ValidateSymbol(symbol); err != nil {
		return nil, err
	}

	var price, total decimal.Decimal
	acct, err := s.ledger.Apply(ctx, username, func(a *model.Account) error {
		var ok bool
		price, ok = s.oracle.Price(symbol)
		if !ok {
			return model.ErrSymbolNotFound
		}
		if a.HeldQuantity(symbol) < quantity {
			return model.ErrInsufficientShares
		}
		total = price.Mul(decimal.NewFromInt(quantity))
		a.Cash = a.Cash.Add(total)
		a.RemoveShares(symbol, quantity)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.ledger.Record(ctx, username, model.TxSell, symbol, price, quantity)
	metrics.TradesTotal.WithLabelValues(string(model.TxSell)).Inc()

	slog.Info("market sell",
		"username", username,
		"symbol", symbol,
		"quantity", quantity,
		"price", price.String(),
		"total", total.String(),
	)

	return &Fill{
		Username: username,
		Kind:     model.TxSell,
		Symbol:   symbol,
		Quantity: quantity,
		Price:    price,
		Total:    total,
		Account:  acct,
	}, nil
}
