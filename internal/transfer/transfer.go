// Package transfer moves cash directly between two accounts.
package transfer

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/tradesim/exchange-core/internal/ledger"
	"github.com/tradesim/exchange-core/internal/metrics"
	"github.com/tradesim/exchange-core/internal/model"
)

// Directory resolves a username to existence and ban status. The ledger
// satisfies this; the indirection keeps identity lookup injectable.
type Directory interface {
	Lookup(ctx context.Context, username string) (exists, banned bool, err error)
}

// Service executes peer cash transfers as a single two-account commit:
// debit and credit land together or not at all.
type Service struct {
	ledger    *ledger.Ledger
	directory Directory
}

// New creates a transfer service. directory may be the ledger itself.
func New(l *ledger.Ledger, directory Directory) *Service {
	return &Service{ledger: l, directory: directory}
}

// Transfer moves amount from sender to recipient. The recipient must exist
// and not be banned; the sender must cover the amount. Both sides get a
// transaction record carrying the counterparty's username.
func (s *Service) Transfer(ctx context.Context, sender, recipient string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return model.ErrInvalidAmount
	}
	if sender == recipient {
		return model.ErrSelfTransferNotAllowed
	}

	exists, banned, err := s.directory.Lookup(ctx, recipient)
	if err != nil {
		return err
	}
	if !exists {
		return model.ErrRecipientNotFound
	}
	if banned {
		return model.ErrAccountBanned
	}

	err = s.ledger.ApplyPair(ctx, sender, recipient, func(from, to *model.Account) error {
		if from.Cash.LessThan(amount) {
			return model.ErrInsufficientFunds
		}
		from.Cash = from.Cash.Sub(amount)
		to.Cash = to.Cash.Add(amount)
		return nil
	})
	if err != nil {
		return err
	}

	s.ledger.Record(ctx, sender, model.TxTransferOut, recipient, amount, 0)
	s.ledger.Record(ctx, recipient, model.TxTransferIn, sender, amount, 0)
	metrics.TransfersTotal.Inc()

	slog.Info("transfer committed",
		"sender", sender,
		"recipient", recipient,
		"amount", amount.String(),
	)
	return nil
}
