package transfer_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tradesim/exchange-core/internal/ledger"
	"github.com/tradesim/exchange-core/internal/model"
	"github.com/tradesim/exchange-core/internal/store"
	"github.com/tradesim/exchange-core/internal/transfer"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestEnv(t *testing.T) (*transfer.Service, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(store.NewMemoryStore(), d(1000))
	return transfer.New(l, l), l
}

func register(t *testing.T, l *ledger.Ledger, username string) {
	t.Helper()
	if _, err := l.Register(context.Background(), username); err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
}

func TestTransfer_MovesCashAtomically(t *testing.T) {
	svc, l := newTestEnv(t)
	register(t, l, "alice")
	register(t, l, "bob")

	if err := svc.Transfer(context.Background(), "alice", "bob", d(250)); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	a, _ := l.Get(context.Background(), "alice")
	b, _ := l.Get(context.Background(), "bob")
	if !a.Cash.Equal(d(750)) {
		t.Errorf("expected sender cash 750, got %s", a.Cash)
	}
	if !b.Cash.Equal(d(1250)) {
		t.Errorf("expected recipient cash 1250, got %s", b.Cash)
	}
}

func TestTransfer_RecordsBothSides(t *testing.T) {
	svc, l := newTestEnv(t)
	register(t, l, "alice")
	register(t, l, "bob")

	svc.Transfer(context.Background(), "alice", "bob", d(100))

	aliceTxs, _ := l.History(context.Background(), "alice")
	bobTxs, _ := l.History(context.Background(), "bob")

	if len(aliceTxs) != 1 || aliceTxs[0].Kind != model.TxTransferOut || aliceTxs[0].Symbol != "bob" {
		t.Errorf("unexpected sender record: %+v", aliceTxs)
	}
	if len(bobTxs) != 1 || bobTxs[0].Kind != model.TxTransferIn || bobTxs[0].Symbol != "alice" {
		t.Errorf("unexpected recipient record: %+v", bobTxs)
	}
	if !aliceTxs[0].Price.Equal(d(100)) {
		t.Errorf("expected recorded amount 100, got %s", aliceTxs[0].Price)
	}
}

func TestTransfer_InsufficientFunds(t *testing.T) {
	svc, l := newTestEnv(t)
	register(t, l, "alice")
	register(t, l, "bob")

	err := svc.Transfer(context.Background(), "alice", "bob", d(1001))
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	a, _ := l.Get(context.Background(), "alice")
	b, _ := l.Get(context.Background(), "bob")
	if !a.Cash.Equal(d(1000)) || !b.Cash.Equal(d(1000)) {
		t.Errorf("failed transfer altered balances: %s / %s", a.Cash, b.Cash)
	}
}

func TestTransfer_SelfTransfer(t *testing.T) {
	svc, l := newTestEnv(t)
	register(t, l, "alice")

	if err := svc.Transfer(context.Background(), "alice", "alice", d(10)); !errors.Is(err, model.ErrSelfTransferNotAllowed) {
		t.Errorf("expected ErrSelfTransferNotAllowed, got %v", err)
	}
}

func TestTransfer_RecipientNotFound(t *testing.T) {
	svc, l := newTestEnv(t)
	register(t, l, "alice")

	if err := svc.Transfer(context.Background(), "alice", "nobody", d(10)); !errors.Is(err, model.ErrRecipientNotFound) {
		t.Errorf("expected ErrRecipientNotFound, got %v", err)
	}
}

func TestTransfer_BannedRecipient(t *testing.T) {
	svc, l := newTestEnv(t)
	register(t, l, "alice")
	register(t, l, "bob")
	l.SetBanned(context.Background(), "bob", true)

	if err := svc.Transfer(context.Background(), "alice", "bob", d(10)); !errors.Is(err, model.ErrAccountBanned) {
		t.Errorf("expected ErrAccountBanned, got %v", err)
	}
}

func TestTransfer_BannedSender(t *testing.T) {
	svc, l := newTestEnv(t)
	register(t, l, "alice")
	register(t, l, "bob")
	l.SetBanned(context.Background(), "alice", true)

	if err := svc.Transfer(context.Background(), "alice", "bob", d(10)); !errors.Is(err, model.ErrAccountBanned) {
		t.Errorf("expected ErrAccountBanned, got %v", err)
	}
}

func TestTransfer_InvalidAmount(t *testing.T) {
	svc, l := newTestEnv(t)
	register(t, l, "alice")
	register(t, l, "bob")

	if err := svc.Transfer(context.Background(), "alice", "bob", decimal.Zero); !errors.Is(err, model.ErrInvalidAmount) {
		t.Errorf("zero amount: expected ErrInvalidAmount, got %v", err)
	}
	if err := svc.Transfer(context.Background(), "alice", "bob", d(-5)); !errors.Is(err, model.ErrInvalidAmount) {
		t.Errorf("negative amount: expected ErrInvalidAmount, got %v", err)
	}
}
