// Package oracle simulates the equities market: it owns the tradable stock
// set and produces a new price for every symbol on each tick.
//
// Each tick draws a uniform random drift within ±volatility and applies
//
//	newPrice = max(MinPrice, price × (1 + drift))
//
// Day change is recomputed against the day's opening price (back-solved from
// the cumulative change) rather than the previous tick, so repeated ticks do
// not compound rounding error. The oracle is a pure generator: it never
// fails, only clamps, and it never touches an account.
//
// All monetary values use shopspring/decimal — never float64 for money.
package oracle

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradesim/exchange-core/internal/model"
)

var (
	// MinPrice is the positive price floor. Prevents zero or negative
	// prices regardless of drift or shock.
	MinPrice = decimal.NewFromFloat(0.01)

	// DefaultVolatility bounds the per-tick drift for symbols that do not
	// override it (0.5% of price per tick).
	DefaultVolatility = decimal.NewFromFloat(0.005)

	// PriceScale is the number of decimal places prices are rounded to.
	PriceScale int32 = 2

	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Oracle publishes an immutable stock snapshot per tick. Reads are
// lock-free against the latest published snapshot; all writes (ticks,
// volatility changes, admin shocks) serialize on one mutex and go through
// the same publish path.
type Oracle struct {
	mu       sync.Mutex
	rand     *rand.Rand
	interval time.Duration

	snapshot atomic.Pointer[[]model.Stock]

	subMu sync.RWMutex
	subs  []chan []model.Stock
}

// New creates an oracle seeded with the given stocks.
func New(stocks []model.Stock, interval time.Duration) *Oracle {
	o := &Oracle{
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		interval: interval,
	}
	snap := make([]model.Stock, len(stocks))
	copy(snap, stocks)
	for i := range snap {
		if snap[i].Volatility.LessThanOrEqual(decimal.Zero) {
			snap[i].Volatility = DefaultVolatility
		}
	}
	o.snapshot.Store(&snap)
	return o
}

// Run ticks at the configured interval until ctx is cancelled.
// Must be called in a goroutine.
func (o *Oracle) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Tick()
		}
	}
}

// Tick advances every symbol one step and publishes the new snapshot.
func (o *Oracle) Tick() {
	o.mu.Lock()
	defer o.mu.Unlock()

	cur := *o.snapshot.Load()
	next := make([]model.Stock, len(cur))
	copy(next, cur)

	for i := range next {
		vol := next[i].Volatility.InexactFloat64()
		drift := (o.rand.Float64()*2 - 1) * vol
		next[i] = advance(next[i], decimal.NewFromFloat(drift), o.rand.Int63n(1_000_000))
	}

	o.publish(next)
}

// advance applies one price step and reconciles the day-change fields.
func advance(s model.Stock, drift decimal.Decimal, tickVolume int64) model.Stock {
	newPrice := s.Price.Mul(one.Add(drift)).Round(PriceScale)
	if newPrice.LessThan(MinPrice) {
		newPrice = MinPrice
	}

	// Back-solve the day's open from the cumulative change, then restate
	// change against it. Clamp near zero: a stock down ~100% on the day
	// has an open too small to divide by safely.
	open := s.Price.Sub(s.Change)
	change := newPrice.Sub(open)
	percent := decimal.Zero
	if open.GreaterThanOrEqual(MinPrice) {
		percent = change.Div(open).Mul(hundred).Round(2)
	}

	s.Price = newPrice
	s.Change = change
	s.ChangePercent = percent
	s.Volume += tickVolume
	if newPrice.GreaterThan(s.High) {
		s.High = newPrice
	}
	if s.Low.IsZero() || newPrice.LessThan(s.Low) {
		s.Low = newPrice
	}
	return s
}

// Stocks returns the latest published snapshot.
func (o *Oracle) Stocks() []model.Stock {
	snap := *o.snapshot.Load()
	out := make([]model.Stock, len(snap))
	copy(out, snap)
	return out
}

// Price returns the current price for symbol from the latest published
// tick. The second return is false for delisted or unknown symbols.
func (o *Oracle) Price(symbol string) (decimal.Decimal, bool) {
	for _, s := range *o.snapshot.Load() {
		if s.Symbol == symbol {
			return s.Price, true
		}
	}
	return decimal.Zero, false
}

// SetVolatility overrides the per-tick drift bound for one symbol.
// Takes effect from the next published tick.
func (o *Oracle) SetVolatility(symbol string, volatility decimal.Decimal) error {
	if volatility.LessThanOrEqual(decimal.Zero) {
		return model.ErrInvalidAmount
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	cur := *o.snapshot.Load()
	next := make([]model.Stock, len(cur))
	copy(next, cur)
	for i := range next {
		if next[i].Symbol == symbol {
			next[i].Volatility = volatility
			o.publish(next)
			return nil
		}
	}
	return model.ErrSymbolNotFound
}

// ApplyShock forces a one-off percentage move on one symbol through the
// regular publish path, so no reader ever sees a half-applied price.
func (o *Oracle) ApplyShock(symbol string, percent decimal.Decimal) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	cur := *o.snapshot.Load()
	next := make([]model.Stock, len(cur))
	copy(next, cur)
	for i := range next {
		if next[i].Symbol == symbol {
			next[i] = advance(next[i], percent.Div(hundred), 0)
			slog.Info("price shock applied",
				"symbol", symbol,
				"percent", percent.String(),
				"price", next[i].Price.String(),
			)
			o.publish(next)
			return nil
		}
	}
	return model.ErrSymbolNotFound
}

// Subscribe returns a channel receiving each published snapshot. Slow
// subscribers miss ticks rather than blocking the publisher.
func (o *Oracle) Subscribe() <-chan []model.Stock {
	ch := make(chan []model.Stock, 8)
	o.subMu.Lock()
	o.subs = append(o.subs, ch)
	o.subMu.Unlock()
	return ch
}

// publish stores the snapshot and fans it out. Callers hold o.mu.
func (o *Oracle) publish(next []model.Stock) {
	o.snapshot.Store(&next)

	o.subMu.RLock()
	defer o.subMu.RUnlock()
	for _, ch := range o.subs {
		out := make([]model.Stock, len(next))
		copy(out, next)
		select {
		case ch <- out:
		default:
		}
	}
}
