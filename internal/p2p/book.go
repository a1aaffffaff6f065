// Package p2p implements the peer-to-peer share marketplace: escrowed
// fixed-price listings with all-or-nothing fills.
//
// A listing owns its shares. Creating one deducts the quantity from the
// seller's holding in the same commit; the shares come back only through
// Cancel, or change owner through Fill. Shares of a symbol across all
// accounts plus all live listings stay constant under every operation.
package p2p

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradesim/exchange-core/internal/ledger"
	"github.com/tradesim/exchange-core/internal/metrics"
	"github.com/tradesim/exchange-core/internal/model"
	"github.com/tradesim/exchange-core/internal/store"
)

// Event describes a listing lifecycle change pushed to subscribers.
type Event struct {
	Type    string // "listing_created", "listing_filled", "listing_cancelled"
	Listing model.Listing
}

// Book is the live listing index and the only component that moves shares
// between accounts and listings. A fill claims the listing under the book
// lock before touching any account, so a listing is filled at most once:
// the first committer wins and later attempts see ListingAlreadyFilled.
type Book struct {
	ledger *ledger.Ledger
	store  store.Store

	mu     sync.Mutex
	live   map[string]*model.Listing
	filled map[string]struct{}

	onEvent func(Event)
}

// NewBook creates a book backed by the ledger and store.
func NewBook(l *ledger.Ledger, st store.Store) *Book {
	return &Book{
		ledger: l,
		store:  st,
		live:   make(map[string]*model.Listing),
		filled: make(map[string]struct{}),
	}
}

// OnEvent registers the listing event hook. Must be set before traffic.
func (b *Book) OnEvent(fn func(Event)) {
	b.onEvent = fn
}

// Restore loads persisted listings into the live index after a restart.
func (b *Book) Restore(ctx context.Context) error {
	listings, err := b.store.ListListings(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range listings {
		l := listings[i]
		b.live[l.ID] = &l
	}
	metrics.ActiveListings.Set(float64(len(b.live)))
	return nil
}

// CreateListing escrows quantity shares of symbol from the seller and puts
// the listing on the market at totalPrice for the whole lot.
func (b *Book) CreateListing(ctx context.Context, seller, symbol string, quantity int64, totalPrice decimal.Decimal) (*model.Listing, error) {
	if quantity <= 0 {
		return nil, model.ErrInvalidQuantity
	}
	if totalPrice.LessThanOrEqual(decimal.Zero) {
		return nil, model.ErrInvalidAmount
	}
	if err := model.ValidateSymbol(symbol); err != nil {
		return nil, err
	}

	// Escrow: the shares leave the seller's holding now, in one commit.
	// Their average cost rides along on the listing so cancellation can
	// restore the position exactly.
	var escrowedCost decimal.Decimal
	_, err := b.ledger.Apply(ctx, seller, func(a *model.Account) error {
		h := a.Holding(symbol)
		if h == nil || h.Quantity < quantity {
			return model.ErrInsufficientShares
		}
		escrowedCost = h.AverageCost
		a.RemoveShares(symbol, quantity)
		return nil
	})
	if err != nil {
		return nil, err
	}

	listing := &model.Listing{
		ID:          uuid.New().String(),
		Seller:      seller,
		Symbol:      symbol,
		Quantity:    quantity,
		TotalPrice:  totalPrice,
		AverageCost: escrowedCost,
		CreatedAt:   time.Now().UTC(),
	}

	if err := b.store.CreateListing(ctx, listing); err != nil {
		// Undo the escrow; the shares must not vanish.
		if rbErr := b.returnEscrow(ctx, listing); rbErr != nil {
			slog.Error("escrow return failed", "id", listing.ID, "seller", seller, "err", rbErr)
		}
		return nil, err
	}

	b.mu.Lock()
	cp := *listing
	b.live[listing.ID] = &cp
	metrics.ActiveListings.Set(float64(len(b.live)))
	b.mu.Unlock()

	slog.Info("listing created",
		"id", listing.ID,
		"seller", seller,
		"symbol", symbol,
		"quantity", quantity,
		"total_price", totalPrice.String(),
	)
	b.emit(Event{Type: "listing_created", Listing: *listing})
	return listing, nil
}

// Fill transfers the whole listing to buyer: buyer pays the total price,
// receives the shares at totalPrice/quantity blended into their average
// cost, and the seller is credited the proceeds. One atomic commit spans
// listing removal and both account mutations.
func (b *Book) Fill(ctx context.Context, buyer, listingID string) (*model.Listing, error) {
	listing, err := b.claim(buyer, listingID)
	if err != nil {
		return nil, err
	}

	unitPrice := listing.UnitPrice()
	err = b.ledger.ApplyPair(ctx, buyer, listing.Seller, func(bAcct, sAcct *model.Account) error {
		if bAcct.Cash.LessThan(listing.TotalPrice) {
			return model.ErrInsufficientFunds
		}
		bAcct.Cash = bAcct.Cash.Sub(listing.TotalPrice)
		bAcct.AddShares(listing.Symbol, listing.Quantity, unitPrice)
		sAcct.Cash = sAcct.Cash.Add(listing.TotalPrice)
		return nil
	})
	if err != nil {
		b.reinstate(listing)
		return nil, err
	}

	b.mu.Lock()
	b.filled[listingID] = struct{}{}
	metrics.ActiveListings.Set(float64(len(b.live)))
	b.mu.Unlock()

	if err := b.store.DeleteListing(ctx, listingID); err != nil {
		slog.Error("listing row cleanup failed", "id", listingID, "err", err)
	}

	b.ledger.Record(ctx, buyer, model.TxP2PBuy, listing.Symbol, unitPrice, listing.Quantity)
	b.ledger.Record(ctx, listing.Seller, model.TxP2PSell, listing.Symbol, unitPrice, listing.Quantity)
	metrics.TradesTotal.WithLabelValues(string(model.TxP2PBuy)).Inc()

	slog.Info("listing filled",
		"id", listingID,
		"buyer", buyer,
		"seller", listing.Seller,
		"symbol", listing.Symbol,
		"quantity", listing.Quantity,
		"total_price", listing.TotalPrice.String(),
	)
	b.emit(Event{Type: "listing_filled", Listing: *listing})
	return listing, nil
}

// Cancel takes the listing off the market and returns the escrowed shares
// to the seller at their original average cost. Only the seller may cancel.
func (b *Book) Cancel(ctx context.Context, seller, listingID string) error {
	b.mu.Lock()
	listing, ok := b.live[listingID]
	if !ok {
		_, wasFilled := b.filled[listingID]
		b.mu.Unlock()
		if wasFilled {
			return model.ErrListingAlreadyFilled
		}
		return model.ErrListingNotFound
	}
	if listing.Seller != seller {
		b.mu.Unlock()
		return model.ErrNotListingOwner
	}
	claimed := *listing
	delete(b.live, listingID)
	b.mu.Unlock()

	if err := b.returnEscrow(ctx, &claimed); err != nil {
		b.reinstate(&claimed)
		return err
	}

	b.mu.Lock()
	metrics.ActiveListings.Set(float64(len(b.live)))
	b.mu.Unlock()

	if err := b.store.DeleteListing(ctx, listingID); err != nil {
		slog.Error("listing row cleanup failed", "id", listingID, "err", err)
	}

	slog.Info("listing cancelled", "id", listingID, "seller", seller)
	b.emit(Event{Type: "listing_cancelled", Listing: claimed})
	return nil
}

// Listings returns the live listings, newest first. Served from the claim
// index, not the store, so a just-claimed listing is already gone.
func (b *Book) Listings(_ context.Context) ([]model.Listing, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	listings := make([]model.Listing, 0, len(b.live))
	for _, l := range b.live {
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

// Listing returns one listing by id. Live listings come from the claim
// index; a filled one reports ListingAlreadyFilled. Rows the index does
// not know about (persisted by another instance) resolve via the store.
func (b *Book) Listing(ctx context.Context, listingID string) (*model.Listing, error) {
	b.mu.Lock()
	if l, ok := b.live[listingID]; ok {
		cp := *l
		b.mu.Unlock()
		return &cp, nil
	}
	_, wasFilled := b.filled[listingID]
	b.mu.Unlock()

	if wasFilled {
		return nil, model.ErrListingAlreadyFilled
	}
	return b.store.GetListing(ctx, listingID)
}

// claim atomically removes the listing from the live index. Exactly one
// concurrent caller succeeds; the rest observe ListingAlreadyFilled.
func (b *Book) claim(buyer, listingID string) (*model.Listing, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	listing, ok := b.live[listingID]
	if !ok {
		if _, wasFilled := b.filled[listingID]; wasFilled {
			return nil, model.ErrListingAlreadyFilled
		}
		return nil, model.ErrListingNotFound
	}
	if listing.Seller == buyer {
		return nil, model.ErrSelfTradeNotAllowed
	}
	claimed := *listing
	delete(b.live, listingID)
	return &claimed, nil
}

// reinstate puts a claimed listing back after a failed fill or cancel, so
// a rejected attempt leaves the market exactly as it found it.
func (b *Book) reinstate(listing *model.Listing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *listing
	b.live[listing.ID] = &cp
}

// returnEscrow merges the listing's shares back into the seller's holding
// at the average cost captured when they were escrowed.
func (b *Book) returnEscrow(ctx context.Context, listing *model.Listing) error {
	_, err := b.ledger.Apply(ctx, listing.Seller, func(a *model.Account) error {
		a.AddShares(listing.Symbol, listing.Quantity, listing.AverageCost)
		return nil
	})
	return err
}

func (b *Book) emit(e Event) {
	if b.onEvent != nil {
		b.onEvent(e)
	}
}
