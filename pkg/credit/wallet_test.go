package credit

import (
	"errors"
	"testing"
	"time"
)

func testClock() time.Time {
	return time.Unix(1700000000, 0).UTC()
}

func mustWallet(test *testing.T, seed CreditAmount) *Wallet {
	test.Helper()
	wallet, err := NewWallet("wallet_unit", seed, testClock())
	if err != nil {
		test.Fatalf("new wallet: %v", err)
	}
	return wallet
}

func TestWalletRejectsEmptyID(test *testing.T) {
	test.Parallel()
	if _, err := NewWallet("  ", 10, testClock()); !errors.Is(err, ErrInvalidWalletID) {
		test.Fatalf("expected ErrInvalidWalletID, got %v", err)
	}
}

func TestWalletDebitInsufficient(test *testing.T) {
	test.Parallel()
	wallet := mustWallet(test, 3)
	err := wallet.Debit(5, testClock())
	var shortfall InsufficientCreditsError
	if !errors.As(err, &shortfall) {
		test.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if shortfall.Required != 5 || shortfall.Available != 3 {
		test.Fatalf("unexpected shortfall: %+v", shortfall)
	}
	if wallet.Snapshot().AvailableCredits != 3 {
		test.Fatalf("failed debit mutated the wallet: %+v", wallet.Snapshot())
	}
}

func TestWalletDebitConsumeKeepsTotal(test *testing.T) {
	test.Parallel()
	wallet := mustWallet(test, 100)
	if err := wallet.Debit(40, testClock()); err != nil {
		test.Fatalf("debit: %v", err)
	}
	wallet.Consume(40, testClock())
	state := wallet.Snapshot()
	if state.AvailableCredits != 60 || state.UsedCredits != 40 {
		test.Fatalf("unexpected state: %+v", state)
	}
}

func TestWalletRefundRestoresPool(test *testing.T) {
	test.Parallel()
	wallet := mustWallet(test, 100)
	if err := wallet.Debit(40, testClock()); err != nil {
		test.Fatalf("debit: %v", err)
	}
	wallet.Refund(40, testClock())
	state := wallet.Snapshot()
	if state.AvailableCredits != 100 || state.UsedCredits != 0 {
		test.Fatalf("refund not exact: %+v", state)
	}
}

func TestWalletResetKeepsIDWhenSnapshotOmitsIt(test *testing.T) {
	test.Parallel()
	wallet := mustWallet(test, 100)
	wallet.Reset(WalletState{AvailableCredits: 7, UsedCredits: 2}, testClock())
	state := wallet.Snapshot()
	if state.AvailableCredits != 7 || state.UsedCredits != 2 {
		test.Fatalf("reset did not apply: %+v", state)
	}
	if state.WalletID != "wallet_unit" {
		test.Fatalf("reset dropped the wallet id: %q", state.WalletID)
	}
}
