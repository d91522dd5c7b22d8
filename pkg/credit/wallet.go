package credit

import (
	"fmt"
	"strings"
	"time"
)

// Wallet holds the authoritative-as-known credit balance. Pure data and
// mutation rules; the Ledger owns the instance and serializes access.
type Wallet struct {
	state WalletState
}

// NewWallet seeds a wallet with its starting balance.
func NewWallet(walletID string, seed CreditAmount, now time.Time) (*Wallet, error) {
	if strings.TrimSpace(walletID) == "" {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidWalletID)
	}
	if seed < 0 {
		return nil, fmt.Errorf("%w: negative seed balance", ErrInvalidCreditAmount)
	}
	return &Wallet{state: WalletState{
		AvailableCredits: seed,
		UsedCredits:      0,
		WalletID:         walletID,
		LastUpdated:      now,
	}}, nil
}

// Snapshot returns the current wallet state.
func (wallet *Wallet) Snapshot() WalletState {
	return wallet.state
}

// Debit moves amount out of the spendable pool for a new reservation.
func (wallet *Wallet) Debit(amount CreditAmount, now time.Time) error {
	if amount > wallet.state.AvailableCredits {
		return InsufficientCreditsError{
			Required:  amount,
			Available: wallet.state.AvailableCredits,
		}
	}
	wallet.state.AvailableCredits -= amount
	wallet.state.LastUpdated = now
	return nil
}

// Consume converts an already-debited reservation amount into a confirmed spend.
func (wallet *Wallet) Consume(amount CreditAmount, now time.Time) {
	wallet.state.UsedCredits += amount
	wallet.state.LastUpdated = now
}

// Refund returns a released reservation amount to the spendable pool.
func (wallet *Wallet) Refund(amount CreditAmount, now time.Time) {
	wallet.state.AvailableCredits += amount
	wallet.state.LastUpdated = now
}

// Credit applies a confirmed purchase to the spendable pool.
func (wallet *Wallet) Credit(amount CreditAmount, now time.Time) {
	wallet.state.AvailableCredits += amount
	wallet.state.LastUpdated = now
}

// Reset atomically replaces both counters from an authoritative snapshot.
func (wallet *Wallet) Reset(state WalletState, now time.Time) {
	wallet.state.AvailableCredits = state.AvailableCredits
	wallet.state.UsedCredits = state.UsedCredits
	if strings.TrimSpace(state.WalletID) != "" {
		wallet.state.WalletID = state.WalletID
	}
	wallet.state.LastUpdated = now
}
