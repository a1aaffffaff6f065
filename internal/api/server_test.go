package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tradesim/exchange-core/internal/api"
	"github.com/tradesim/exchange-core/internal/exchange"
	"github.com/tradesim/exchange-core/internal/ledger"
	"github.com/tradesim/exchange-core/internal/model"
	"github.com/tradesim/exchange-core/internal/oracle"
	"github.com/tradesim/exchange-core/internal/p2p"
	"github.com/tradesim/exchange-core/internal/rank"
	"github.com/tradesim/exchange-core/internal/store"
	"github.com/tradesim/exchange-core/internal/transfer"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const testAdminToken = "test-admin-token"

// newTestEnv assembles the full service over a memory store with one
// stock at a fixed price of 100.
func newTestEnv(t *testing.T) (chi.Router, *ledger.Ledger) {
	t.Helper()
	ms := store.NewMemoryStore()
	l := ledger.New(ms, d(1000))
	o := oracle.New([]model.Stock{{
		Symbol:     "SBER",
		Name:       "Sberbank",
		Price:      d(100),
		High:       d(100),
		Low:        d(100),
		Volatility: d(0.005),
	}}, time.Minute)
	book := p2p.NewBook(l, ms)

	isAdmin := func(r *http.Request) bool {
		return r.Header.Get("Authorization") == "Bearer "+testAdminToken
	}
	svc := api.NewService(l, exchange.New(l, o), book, transfer.New(l, l), rank.New(l, o), o, nil, isAdmin)
	return svc.Routes(), l
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func register(t *testing.T, router chi.Router, username string) {
	t.Helper()
	w := doJSON(t, router, "POST", "/accounts", api.RegisterRequest{Username: username})
	if w.Code != http.StatusCreated {
		t.Fatalf("register %s: %d %s", username, w.Code, w.Body.String())
	}
}

// --- Accounts ---

func TestRegister(t *testing.T) {
	router, _ := newTestEnv(t)

	w := doJSON(t, router, "POST", "/accounts", api.RegisterRequest{Username: "alice"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var acct model.Account
	json.Unmarshal(w.Body.Bytes(), &acct)
	if acct.Username != "alice" || !acct.Cash.Equal(d(1000)) {
		t.Errorf("unexpected account: %+v", acct)
	}
}

func TestRegister_Duplicate(t *testing.T) {
	router, _ := newTestEnv(t)
	register(t, router, "alice")

	w := doJSON(t, router, "POST", "/accounts", api.RegisterRequest{Username: "alice"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate, got %d", w.Code)
	}
}

func TestRegister_InvalidUsername(t *testing.T) {
	router, _ := newTestEnv(t)

	w := doJSON(t, router, "POST", "/accounts", api.RegisterRequest{Username: "x"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for short username, got %d", w.Code)
	}
}

func TestGetAccount_NotFound(t *testing.T) {
	router, _ := newTestEnv(t)

	req := httptest.NewRequest("GET", "/accounts/nobody", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestGetHistory_EmptyIsArray(t *testing.T) {
	router, _ := newTestEnv(t)
	register(t, router, "alice")

	req := httptest.NewRequest("GET", "/accounts/alice/transactions", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := bytes.TrimSpace(w.Body.Bytes()); string(body) != "[]" {
		t.Errorf("expected empty JSON array, got %s", body)
	}
}

// --- Stocks ---

func TestListStocks(t *testing.T) {
	router, _ := newTestEnv(t)

	req := httptest.NewRequest("GET", "/stocks", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var stocks []model.Stock
	json.Unmarshal(w.Body.Bytes(), &stocks)
	if len(stocks) != 1 || stocks[0].Symbol != "SBER" {
		t.Errorf("unexpected stocks: %v", stocks)
	}
}

func TestGetStock_NotFound(t *testing.T) {
	router, _ := newTestEnv(t)

	req := httptest.NewRequest("GET", "/stocks/GHOST", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- Trades ---

func TestTrade_BuyThenSell(t *testing.T) {
	router, _ := newTestEnv(t)
	register(t, router, "alice")

	w := doJSON(t, router, "POST", "/trade", api.TradeRequest{
		Username: "alice", Symbol: "SBER", Side: "BUY", Quantity: 5,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("buy: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var fill exchange.Fill
	json.Unmarshal(w.Body.Bytes(), &fill)
	if !fill.Total.Equal(d(500)) || fill.Account.HeldQuantity("SBER") != 5 {
		t.Errorf("unexpected fill: %+v", fill)
	}

	w = doJSON(t, router, "POST", "/trade", api.TradeRequest{
		Username: "alice", Symbol: "SBER", Side: "SELL", Quantity: 5,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("sell: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	json.Unmarshal(w.Body.Bytes(), &fill)
	if !fill.Account.Cash.Equal(d(1000)) {
		t.Errorf("round trip should restore cash, got %s", fill.Account.Cash)
	}
}

func TestTrade_InvalidSide(t *testing.T) {
	router, _ := newTestEnv(t)
	register(t, router, "alice")

	w := doJSON(t, router, "POST", "/trade", api.TradeRequest{
		Username: "alice", Symbol: "SBER", Side: "HOLD", Quantity: 5,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid side, got %d", w.Code)
	}
}

func TestTrade_InsufficientFunds(t *testing.T) {
	router, _ := newTestEnv(t)
	register(t, router, "alice")

	w := doJSON(t, router, "POST", "/trade", api.TradeRequest{
		Username: "alice", Symbol: "SBER", Side: "BUY", Quantity: 11,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for insufficient funds, got %d: %s", w.Code, w.Body.String())
	}
}

func TestTrade_BannedAccount(t *testing.T) {
	router, l := newTestEnv(t)
	register(t, router, "alice")
	l.SetBanned(context.Background(), "alice", true)

	w := doJSON(t, router, "POST", "/trade", api.TradeRequest{
		Username: "alice", Symbol: "SBER", Side: "BUY", Quantity: 1,
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for banned account, got %d", w.Code)
	}
}

// --- P2P ---

func TestP2P_FullLifecycle(t *testing.T) {
	router, _ := newTestEnv(t)
	register(t, router, "seller")
	register(t, router, "buyer")

	// Seller buys 4 shares on the market, then lists them at a markup.
	doJSON(t, router, "POST", "/trade", api.TradeRequest{
		Username: "seller", Symbol: "SBER", Side: "BUY", Quantity: 4,
	})

	w := doJSON(t, router, "POST", "/p2p/listings", api.CreateListingRequest{
		Seller: "seller", Symbol: "SBER", Quantity: 4, TotalPrice: d(600),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create listing: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var listing model.Listing
	json.Unmarshal(w.Body.Bytes(), &listing)

	// Visible on the market.
	req := httptest.NewRequest("GET", "/p2p/listings", nil)
	lw := httptest.NewRecorder()
	router.ServeHTTP(lw, req)
	var listings []model.Listing
	json.Unmarshal(lw.Body.Bytes(), &listings)
	if len(listings) != 1 {
		t.Fatalf("expected 1 live listing, got %d", len(listings))
	}

	// Buyer fills it.
	w = doJSON(t, router, "POST", "/p2p/listings/"+listing.ID+"/fill", api.FillRequest{Buyer: "buyer"})
	if w.Code != http.StatusOK {
		t.Fatalf("fill: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Second fill conflicts.
	w = doJSON(t, router, "POST", "/p2p/listings/"+listing.ID+"/fill", api.FillRequest{Buyer: "buyer"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for double fill, got %d", w.Code)
	}
}

func TestP2P_GetListing(t *testing.T) {
	router, _ := newTestEnv(t)
	register(t, router, "seller")
	register(t, router, "buyer")

	doJSON(t, router, "POST", "/trade", api.TradeRequest{
		Username: "seller", Symbol: "SBER", Side: "BUY", Quantity: 2,
	})
	w := doJSON(t, router, "POST", "/p2p/listings", api.CreateListingRequest{
		Seller: "seller", Symbol: "SBER", Quantity: 2, TotalPrice: d(300),
	})
	var listing model.Listing
	json.Unmarshal(w.Body.Bytes(), &listing)

	req := httptest.NewRequest("GET", "/p2p/listings/"+listing.ID, nil)
	gw := httptest.NewRecorder()
	router.ServeHTTP(gw, req)
	if gw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", gw.Code, gw.Body.String())
	}
	var got model.Listing
	json.Unmarshal(gw.Body.Bytes(), &got)
	if got.ID != listing.ID || got.Seller != "seller" {
		t.Errorf("unexpected listing: %+v", got)
	}

	req = httptest.NewRequest("GET", "/p2p/listings/no-such-id", nil)
	gw = httptest.NewRecorder()
	router.ServeHTTP(gw, req)
	if gw.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown listing, got %d", gw.Code)
	}

	doJSON(t, router, "POST", "/p2p/listings/"+listing.ID+"/fill", api.FillRequest{Buyer: "buyer"})
	req = httptest.NewRequest("GET", "/p2p/listings/"+listing.ID, nil)
	gw = httptest.NewRecorder()
	router.ServeHTTP(gw, req)
	if gw.Code != http.StatusConflict {
		t.Errorf("expected 409 for filled listing, got %d", gw.Code)
	}
}

func TestP2P_CancelRequiresSeller(t *testing.T) {
	router, _ := newTestEnv(t)
	register(t, router, "seller")
	register(t, router, "mallory")

	doJSON(t, router, "POST", "/trade", api.TradeRequest{
		Username: "seller", Symbol: "SBER", Side: "BUY", Quantity: 2,
	})
	w := doJSON(t, router, "POST", "/p2p/listings", api.CreateListingRequest{
		Seller: "seller", Symbol: "SBER", Quantity: 2, TotalPrice: d(300),
	})
	var listing model.Listing
	json.Unmarshal(w.Body.Bytes(), &listing)

	req := httptest.NewRequest("DELETE", "/p2p/listings/"+listing.ID+"?seller=mallory", nil)
	rw := httptest.NewRecorder()
	router.ServeHTTP(rw, req)
	if rw.Code != http.StatusConflict {
		t.Errorf("expected 409 for non-owner cancel, got %d", rw.Code)
	}

	req = httptest.NewRequest("DELETE", "/p2p/listings/"+listing.ID+"?seller=seller", nil)
	rw = httptest.NewRecorder()
	router.ServeHTTP(rw, req)
	if rw.Code != http.StatusNoContent {
		t.Errorf("expected 204 for owner cancel, got %d: %s", rw.Code, rw.Body.String())
	}
}

// --- Transfers ---

func TestTransfer(t *testing.T) {
	router, l := newTestEnv(t)
	register(t, router, "alice")
	register(t, router, "bob")

	w := doJSON(t, router, "POST", "/transfers", api.TransferRequest{
		Sender: "alice", Recipient: "bob", Amount: d(300),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	a, _ := l.Get(context.Background(), "alice")
	b, _ := l.Get(context.Background(), "bob")
	if !a.Cash.Equal(d(700)) || !b.Cash.Equal(d(1300)) {
		t.Errorf("unexpected balances: %s / %s", a.Cash, b.Cash)
	}
}

func TestTransfer_RecipientMissing(t *testing.T) {
	router, _ := newTestEnv(t)
	register(t, router, "alice")

	w := doJSON(t, router, "POST", "/transfers", api.TransferRequest{
		Sender: "alice", Recipient: "nobody", Amount: d(10),
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestTransfer_Self(t *testing.T) {
	router, _ := newTestEnv(t)
	register(t, router, "alice")

	w := doJSON(t, router, "POST", "/transfers", api.TransferRequest{
		Sender: "alice", Recipient: "alice", Amount: d(10),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

// --- Leaderboard ---

func TestLeaderboard(t *testing.T) {
	router, _ := newTestEnv(t)
	register(t, router, "alice")
	register(t, router, "bob")

	doJSON(t, router, "POST", "/transfers", api.TransferRequest{
		Sender: "alice", Recipient: "bob", Amount: d(100),
	})

	req := httptest.NewRequest("GET", "/leaderboard", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var entries []model.RankedEntry
	json.Unmarshal(w.Body.Bytes(), &entries)
	if len(entries) != 2 || entries[0].Username != "bob" || entries[0].Rank != 1 {
		t.Errorf("unexpected leaderboard: %v", entries)
	}
}

// --- Admin ---

func adminReq(t *testing.T, router chi.Router, token, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(body)
	req := httptest.NewRequest("POST", path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAdmin_RequiresToken(t *testing.T) {
	router, _ := newTestEnv(t)

	body := map[string]any{"percent": d(10)}
	if w := adminReq(t, router, "", "/admin/stocks/SBER/shock", body); w.Code != http.StatusForbidden {
		t.Errorf("no token: expected 403, got %d", w.Code)
	}
	if w := adminReq(t, router, "wrong", "/admin/stocks/SBER/shock", body); w.Code != http.StatusForbidden {
		t.Errorf("bad token: expected 403, got %d", w.Code)
	}
	if w := adminReq(t, router, testAdminToken, "/admin/stocks/SBER/shock", body); w.Code != http.StatusOK {
		t.Errorf("good token: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAdmin_BanAndUnban(t *testing.T) {
	router, l := newTestEnv(t)
	register(t, router, "alice")

	w := adminReq(t, router, testAdminToken, "/admin/accounts/alice/ban", map[string]bool{"banned": true})
	if w.Code != http.StatusOK {
		t.Fatalf("ban: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	a, _ := l.Get(context.Background(), "alice")
	if !a.Banned {
		t.Error("account not banned")
	}

	w = adminReq(t, router, testAdminToken, "/admin/accounts/alice/ban", map[string]bool{"banned": false})
	if w.Code != http.StatusOK {
		t.Fatalf("unban: expected 200, got %d", w.Code)
	}
	a, _ = l.Get(context.Background(), "alice")
	if a.Banned {
		t.Error("account still banned")
	}
}

func TestAdmin_SetVolatility(t *testing.T) {
	router, _ := newTestEnv(t)

	w := adminReq(t, router, testAdminToken, "/admin/stocks/SBER/volatility", map[string]any{"volatility": d(0.02)})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = adminReq(t, router, testAdminToken, "/admin/stocks/GHOST/volatility", map[string]any{"volatility": d(0.02)})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown symbol, got %d", w.Code)
	}
}
