// Package api exposes the ledger and exchange operations over HTTP and
// pushes realtime events over WebSocket. Callers always receive either a
// committed account snapshot or a typed error; there are no silent no-ops.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tradesim/exchange-core/internal/exchange"
	"github.com/tradesim/exchange-core/internal/ledger"
	"github.com/tradesim/exchange-core/internal/metrics"
	"github.com/tradesim/exchange-core/internal/model"
	"github.com/tradesim/exchange-core/internal/oracle"
	"github.com/tradesim/exchange-core/internal/p2p"
	"github.com/tradesim/exchange-core/internal/rank"
	"github.com/tradesim/exchange-core/internal/transfer"
)

// AdminCheck is the injected capability check for admin endpoints. The
// ledger never embeds usernames or credentials; whoever wires the server
// decides what counts as an admin request.
type AdminCheck func(r *http.Request) bool

// Service binds the core components to HTTP handlers.
type Service struct {
	ledger    *ledger.Ledger
	exchange  *exchange.Service
	book      *p2p.Book
	transfers *transfer.Service
	ranker    *rank.Engine
	oracle    *oracle.Oracle
	hub       *WSHub
	isAdmin   AdminCheck
}

// NewService creates the API service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(l *ledger.Ledger, ex *exchange.Service, book *p2p.Book, tr *transfer.Service, rk *rank.Engine, o *oracle.Oracle, hub *WSHub, isAdmin AdminCheck) *Service {
	if isAdmin == nil {
		isAdmin = func(*http.Request) bool { return false }
	}
	return &Service{
		ledger:    l,
		exchange:  ex,
		book:      book,
		transfers: tr,
		ranker:    rk,
		oracle:    o,
		hub:       hub,
		isAdmin:   isAdmin,
	}
}

// Routes mounts every handler on a chi router.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()

	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Get("/stocks", s.ListStocks)
	r.Get("/stocks/{symbol}", s.GetStock)

	r.Post("/accounts", s.Register)
	r.Get("/accounts/{username}", s.GetAccount)
	r.Get("/accounts/{username}/transactions", s.GetHistory)

	r.Post("/trade", s.Trade)

	r.Get("/p2p/listings", s.ListListings)
	r.Post("/p2p/listings", s.CreateListing)
	r.Get("/p2p/listings/{listingID}", s.GetListing)
	r.Post("/p2p/listings/{listingID}/fill", s.FillListing)
	r.Delete("/p2p/listings/{listingID}", s.CancelListing)

	r.Post("/transfers", s.Transfer)
	r.Get("/leaderboard", s.Leaderboard)

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/stocks/{symbol}/volatility", s.SetVolatility)
		r.Post("/stocks/{symbol}/shock", s.ApplyShock)
		r.Post("/accounts/{username}/ban", s.SetBanned)
	})

	return r
}

// --- Request types ---

// RegisterRequest is the JSON body for POST /accounts.
type RegisterRequest struct {
	Username string `json:"username"`
}

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	Username string `json:"username"`
	Symbol   string `json:"symbol"`
	Side     string `json:"side"` // "BUY" or "SELL"
	Quantity int64  `json:"quantity"`
}

// CreateListingRequest is the JSON body for POST /p2p/listings.
type CreateListingRequest struct {
	Seller     string          `json:"seller"`
	Symbol     string          `json:"symbol"`
	Quantity   int64           `json:"quantity"`
	TotalPrice decimal.Decimal `json:"total_price"`
}

// FillRequest is the JSON body for POST /p2p/listings/{listingID}/fill.
type FillRequest struct {
	Buyer string `json:"buyer"`
}

// TransferRequest is the JSON body for POST /transfers.
type TransferRequest struct {
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
}

// --- Market handlers ---

// ListStocks handles GET /api/v1/stocks
func (s *Service) ListStocks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.oracle.Stocks())
}

// GetStock handles GET /api/v1/stocks/{symbol}
func (s *Service) GetStock(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	for _, st := range s.oracle.Stocks() {
		if st.Symbol == symbol {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	writeDomainError(w, model.ErrSymbolNotFound)
}

// --- Account handlers ---

// Register handles POST /api/v1/accounts
func (s *Service) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	acct, err := s.ledger.Register(r.Context(), req.Username)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// GetAccount handles GET /api/v1/accounts/{username}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.ledger.Get(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// GetHistory handles GET /api/v1/accounts/{username}/transactions
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	txs, err := s.ledger.History(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// --- Trade handler ---

// Trade handles POST /api/v1/trade
func (s *Service) Trade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var fill *exchange.Fill
	var err error
	switch req.Side {
	case "BUY":
		fill, err = s.exchange.Buy(r.Context(), req.Username, req.Symbol, req.Quantity)
	case "SELL":
		fill, err = s.exchange.Sell(r.Context(), req.Username, req.Symbol, req.Quantity)
	default:
		writeError(w, "side must be BUY or SELL", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fill)
}

// --- P2P handlers ---

// ListListings handles GET /api/v1/p2p/listings
func (s *Service) ListListings(w http.ResponseWriter, r *http.Request) {
	listings, err := s.book.Listings(r.Context())
	if err != nil {
		writeError(w, "failed to list listings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, listings)
}

// GetListing handles GET /api/v1/p2p/listings/{listingID}
func (s *Service) GetListing(w http.ResponseWriter, r *http.Request) {
	listing, err := s.book.Listing(r.Context(), chi.URLParam(r, "listingID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// CreateListing handles POST /api/v1/p2p/listings
func (s *Service) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req CreateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	listing, err := s.book.CreateListing(r.Context(), req.Seller, req.Symbol, req.Quantity, req.TotalPrice)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, listing)
}

// FillListing handles POST /api/v1/p2p/listings/{listingID}/fill
func (s *Service) FillListing(w http.ResponseWriter, r *http.Request) {
	var req FillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	listing, err := s.book.Fill(r.Context(), req.Buyer, chi.URLParam(r, "listingID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// CancelListing handles DELETE /api/v1/p2p/listings/{listingID}?seller=...
func (s *Service) CancelListing(w http.ResponseWriter, r *http.Request) {
	seller := r.URL.Query().Get("seller")
	if seller == "" {
		writeError(w, "seller query parameter is required", http.StatusBadRequest)
		return
	}

	if err := s.book.Cancel(r.Context(), seller, chi.URLParam(r, "listingID")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Transfer handler ---

// Transfer handles POST /api/v1/transfers
func (s *Service) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.transfers.Transfer(r.Context(), req.Sender, req.Recipient, req.Amount); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Leaderboard handler ---

// Leaderboard handles GET /api/v1/leaderboard
func (s *Service) Leaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ranker.Rank(r.Context())
	if err != nil {
		writeError(w, "failed to compute leaderboard", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.RankedEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Admin handlers ---

func (s *Service) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.isAdmin(r) {
			writeError(w, "admin authorization required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetVolatility handles POST /api/v1/admin/stocks/{symbol}/volatility
func (s *Service) SetVolatility(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Volatility decimal.Decimal `json:"volatility"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.oracle.SetVolatility(chi.URLParam(r, "symbol"), req.Volatility); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ApplyShock handles POST /api/v1/admin/stocks/{symbol}/shock
func (s *Service) ApplyShock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Percent decimal.Decimal `json:"percent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.oracle.ApplyShock(chi.URLParam(r, "symbol"), req.Percent); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SetBanned handles POST /api/v1/admin/accounts/{username}/ban
func (s *Service) SetBanned(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Banned bool `json:"banned"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.ledger.SetBanned(r.Context(), chi.URLParam(r, "username"), req.Banned); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeDomainError maps ledger errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrInvalidQuantity),
		errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrInvalidSymbol),
		errors.Is(err, model.ErrInvalidUsername):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrAccountNotFound),
		errors.Is(err, model.ErrRecipientNotFound),
		errors.Is(err, model.ErrListingNotFound),
		errors.Is(err, model.ErrSymbolNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrInsufficientShares),
		errors.Is(err, model.ErrListingAlreadyFilled),
		errors.Is(err, model.ErrSelfTradeNotAllowed),
		errors.Is(err, model.ErrSelfTransferNotAllowed),
		errors.Is(err, model.ErrAccountExists),
		errors.Is(err, model.ErrNotListingOwner):
		status = http.StatusConflict
	case errors.Is(err, model.ErrAccountBanned):
		status = http.StatusForbidden
	}
	if status == http.StatusConflict || status == http.StatusForbidden {
		metrics.RejectionsTotal.WithLabelValues(err.Error()).Inc()
	}
	writeError(w, err.Error(), status)
}
