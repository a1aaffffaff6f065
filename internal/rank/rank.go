// Package rank derives the leaderboard from account state and the latest
// published prices. Pure read-side projection: it mutates nothing.
package rank

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/tradesim/exchange-core/internal/ledger"
	"github.com/tradesim/exchange-core/internal/model"
	"github.com/tradesim/exchange-core/internal/oracle"
)

var hundred = decimal.NewFromInt(100)

// Engine computes ranked equity snapshots.
type Engine struct {
	ledger *ledger.Ledger
	oracle *oracle.Oracle
}

// New creates a leaderboard engine.
func New(l *ledger.Ledger, o *oracle.Oracle) *Engine {
	return &Engine{ledger: l, oracle: o}
}

// Rank returns every non-banned account ordered by total equity, highest
// first, ties broken by username. Equity is cash plus holdings valued at
// the latest tick; holdings in symbols the oracle no longer lists count
// as zero rather than failing.
func (e *Engine) Rank(ctx context.Context) ([]model.RankedEntry, error) {
	accounts, err := e.ledger.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]model.RankedEntry, 0, len(accounts))
	for _, a := range accounts {
		if a.Banned {
			continue
		}

		equity := a.Cash
		for _, h := range a.Holdings {
			price, ok := e.oracle.Price(h.Symbol)
			if !ok {
				continue // delisted: worth zero
			}
			equity = equity.Add(price.Mul(decimal.NewFromInt(h.Quantity)))
		}

		returnPct := decimal.Zero
		if a.InitialCash.IsPositive() {
			returnPct = equity.Sub(a.InitialCash).Div(a.InitialCash).Mul(hundred).Round(2)
		}

		entries = append(entries, model.RankedEntry{
			Username:      a.Username,
			Equity:        equity,
			ReturnPercent: returnPct,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Equity.Equal(entries[j].Equity) {
			return entries[i].Username < entries[j].Username
		}
		return entries[i].Equity.GreaterThan(entries[j].Equity)
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}
