package credit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PaymentProcessor collects payment for a credit purchase before the ledger
// applies it. The two-phase shape (request, external confirmation, apply)
// survives even when the processor confirms instantly.
type PaymentProcessor interface {
	Collect(ctx context.Context, amount CreditAmount) error
}

// instantPaymentProcessor confirms every purchase immediately.
type instantPaymentProcessor struct{}

func (instantPaymentProcessor) Collect(_ context.Context, _ CreditAmount) error {
	return nil
}

// Ledger orchestrates reservation, consumption, refund, and purchase of
// credits against the Wallet it owns. All wallet and reservation mutation
// happens under one mutex; backend completions flow back in through Settle
// and never touch the wallet directly.
type Ledger struct {
	mu           sync.Mutex
	costs        CostTable
	wallet       *Wallet
	guard        Authorizer
	reservations map[ReservationID]*Reservation

	journal  Journal
	logger   OperationLogger
	payments PaymentProcessor
	nowFn    func() time.Time

	notifyMu    sync.Mutex
	subscribers []Subscriber
}

// NewLedger wires a Ledger. A nil cost table selects the platform defaults.
func NewLedger(costs CostTable, options ...LedgerOption) (*Ledger, error) {
	if costs == nil {
		costs = DefaultCostTable()
	}
	for kind, cost := range costs {
		if cost <= 0 {
			return nil, fmt.Errorf("%w: non-positive cost for kind %q", ErrInvalidLedgerConfig, kind)
		}
	}
	ledger := &Ledger{
		costs:        costs,
		reservations: make(map[ReservationID]*Reservation),
		journal:      NopJournal{},
		payments:     instantPaymentProcessor{},
		nowFn:        func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		if option != nil {
			option(ledger)
		}
	}
	return ledger, nil
}

// Subscribe registers a notification subscriber. Subscribers are never
// removed for the lifetime of the ledger; registration order is delivery order.
func (ledger *Ledger) Subscribe(subscriber Subscriber) {
	if subscriber == nil {
		return
	}
	ledger.notifyMu.Lock()
	defer ledger.notifyMu.Unlock()
	ledger.subscribers = append(ledger.subscribers, subscriber)
}

// Attach installs the authenticated session's wallet. Called by the session
// manager on login; until then every ledger operation fails.
func (ledger *Ledger) Attach(ctx context.Context, guard Authorizer, walletID string, seed CreditAmount) error {
	if guard == nil {
		return fmt.Errorf("%w: nil session", ErrInvalidLedgerConfig)
	}
	now := ledger.nowFn()
	wallet, err := NewWallet(walletID, seed, now)
	if err != nil {
		return err
	}
	ledger.mu.Lock()
	ledger.guard = guard
	ledger.wallet = wallet
	ledger.reservations = make(map[ReservationID]*Reservation)
	state := wallet.Snapshot()
	ledger.notifyMu.Lock()
	ledger.mu.Unlock()
	ledger.deliverBalanceChanged(state)
	ledger.notifyMu.Unlock()

	ledger.recordEntry(ctx, JournalEntry{
		WalletID:  walletID,
		Type:      EntrySeed,
		Amount:    seed,
		CreatedAt: now,
	})
	ledger.logOperation(ctx, OperationLog{Operation: operationAttach, WalletID: walletID, Amount: seed})
	return nil
}

// Detach drops the wallet and all reservation bookkeeping. Called on logout.
func (ledger *Ledger) Detach(ctx context.Context) {
	ledger.mu.Lock()
	var walletID string
	if ledger.wallet != nil {
		walletID = ledger.wallet.Snapshot().WalletID
	}
	ledger.guard = nil
	ledger.wallet = nil
	ledger.reservations = make(map[ReservationID]*Reservation)
	ledger.mu.Unlock()
	ledger.logOperation(ctx, OperationLog{Operation: operationDetach, WalletID: walletID})
}

// Balance returns the current wallet snapshot. Pure read, no side effects.
func (ledger *Ledger) Balance() (WalletState, error) {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	if err := ledger.requireSessionLocked(); err != nil {
		return WalletState{}, err
	}
	return ledger.wallet.Snapshot(), nil
}

// OutstandingHolds sums the amounts of all currently held reservations.
func (ledger *Ledger) OutstandingHolds() CreditAmount {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	var held CreditAmount
	for _, reservation := range ledger.reservations {
		if reservation.State == ReservationHeld {
			held += reservation.Amount
		}
	}
	return held
}

// EstimateCost returns the fixed cost for an operation kind. Pure lookup.
func (ledger *Ledger) EstimateCost(kind OperationKind) CreditAmount {
	return ledger.costs.Cost(kind)
}

// Reserve earmarks amount for an in-flight operation. The spendable pool is
// debited immediately so concurrent reserves cannot over-commit funds.
func (ledger *Ledger) Reserve(ctx context.Context, amount CreditAmount, kind OperationKind) (ReservationID, error) {
	if amount <= 0 {
		return ReservationID{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidCreditAmount)
	}

	ledger.mu.Lock()
	if err := ledger.requireSessionLocked(); err != nil {
		ledger.mu.Unlock()
		return ReservationID{}, err
	}
	now := ledger.nowFn()
	walletID := ledger.wallet.Snapshot().WalletID
	if err := ledger.wallet.Debit(amount, now); err != nil {
		available := ledger.wallet.Snapshot().AvailableCredits
		ledger.notifyMu.Lock()
		ledger.mu.Unlock()
		ledger.deliverInsufficientCredits(amount, available)
		ledger.notifyMu.Unlock()
		ledger.logOperation(ctx, OperationLog{
			Operation: operationReserve,
			WalletID:  walletID,
			Kind:      kind,
			Amount:    amount,
			Error:     err,
		})
		return ReservationID{}, err
	}
	reservationID := ReservationID{value: uuid.NewString()}
	ledger.reservations[reservationID] = &Reservation{
		ID:        reservationID,
		Amount:    amount,
		Kind:      kind,
		State:     ReservationHeld,
		CreatedAt: now,
	}
	ledger.mu.Unlock()

	ledger.recordEntry(ctx, JournalEntry{
		WalletID:      walletID,
		Type:          EntryHold,
		Amount:        amount,
		ReservationID: reservationID.String(),
		OperationKind: kind,
		CreatedAt:     now,
	})
	ledger.logOperation(ctx, OperationLog{
		Operation:     operationReserve,
		WalletID:      walletID,
		ReservationID: reservationID.String(),
		Kind:          kind,
		Amount:        amount,
	})
	return reservationID, nil
}

// Settle finalizes a held reservation: Success consumes the full reserved
// amount, Failure refunds it. Settling an unknown or already-settled
// reservation is a logged warning, never an error; each reservation settles
// at most once.
func (ledger *Ledger) Settle(ctx context.Context, reservationID ReservationID, outcome Outcome) error {
	return ledger.settle(ctx, reservationID, outcome, -1)
}

// SettleUsage finalizes a held reservation against the credits the backend
// actually declared. On Success the declared usage (capped at the reserved
// amount) is consumed and any remainder refunded, so free backends refund the
// whole hold. Failure refunds everything regardless of usage.
func (ledger *Ledger) SettleUsage(ctx context.Context, reservationID ReservationID, outcome Outcome, used CreditAmount) error {
	if used < 0 {
		return fmt.Errorf("%w: negative usage", ErrInvalidCreditAmount)
	}
	return ledger.settle(ctx, reservationID, outcome, used)
}

func (ledger *Ledger) settle(ctx context.Context, reservationID ReservationID, outcome Outcome, used CreditAmount) error {
	if _, err := NewOutcome(string(outcome)); err != nil {
		return err
	}

	ledger.mu.Lock()
	if err := ledger.requireSessionLocked(); err != nil {
		ledger.mu.Unlock()
		return err
	}
	walletID := ledger.wallet.Snapshot().WalletID
	reservation, known := ledger.reservations[reservationID]
	if !known || reservation.State != ReservationHeld {
		ledger.mu.Unlock()
		warnErr := ErrUnknownReservation
		if known {
			warnErr = ErrReservationSettled
		}
		ledger.logOperation(ctx, OperationLog{
			Operation:     operationSettle,
			WalletID:      walletID,
			ReservationID: reservationID.String(),
			Status:        operationStatusWarn,
			Error:         warnErr,
		})
		return nil
	}
	now := ledger.nowFn()
	amount := reservation.Amount
	consumed := amount
	if used >= 0 && used < amount {
		consumed = used
	}
	refunded := amount - consumed
	if outcome == OutcomeSuccess {
		reservation.State = ReservationConsumed
		ledger.wallet.Consume(consumed, now)
		if refunded > 0 {
			ledger.wallet.Refund(refunded, now)
		}
	} else {
		reservation.State = ReservationReleased
		consumed = 0
		refunded = amount
		ledger.wallet.Refund(amount, now)
	}
	state := ledger.wallet.Snapshot()
	kind := reservation.Kind
	ledger.notifyMu.Lock()
	ledger.mu.Unlock()
	ledger.deliverBalanceChanged(state)
	ledger.notifyMu.Unlock()

	if consumed > 0 {
		ledger.recordEntry(ctx, JournalEntry{
			WalletID:      walletID,
			Type:          EntrySpend,
			Amount:        consumed,
			ReservationID: reservationID.String(),
			OperationKind: kind,
			CreatedAt:     now,
		})
	}
	if refunded > 0 {
		ledger.recordEntry(ctx, JournalEntry{
			WalletID:      walletID,
			Type:          EntryReverseHold,
			Amount:        refunded,
			ReservationID: reservationID.String(),
			OperationKind: kind,
			CreatedAt:     now,
		})
	}
	ledger.logOperation(ctx, OperationLog{
		Operation:     operationSettle,
		WalletID:      walletID,
		ReservationID: reservationID.String(),
		Kind:          kind,
		Amount:        consumed,
	})
	return nil
}

// Purchase runs the two-phase purchase flow: the payment processor confirms,
// then the credits land in the spendable pool. Callers that must not block
// run it on their own goroutine; completion is observable via the
// purchase-completed notification either way.
func (ledger *Ledger) Purchase(ctx context.Context, amount CreditAmount) error {
	if amount <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidCreditAmount)
	}
	ledger.mu.Lock()
	if err := ledger.requireSessionLocked(); err != nil {
		ledger.mu.Unlock()
		return err
	}
	walletID := ledger.wallet.Snapshot().WalletID
	ledger.mu.Unlock()

	// Phase one: external payment confirmation, outside the ledger lock.
	if err := ledger.payments.Collect(ctx, amount); err != nil {
		declined := fmt.Errorf("%w: %v", ErrPaymentDeclined, err)
		ledger.logOperation(ctx, OperationLog{
			Operation: operationPurchase,
			WalletID:  walletID,
			Amount:    amount,
			Error:     declined,
		})
		ledger.notifyPurchaseCompleted(false, ledger.currentAvailable())
		return declined
	}

	// Phase two: apply the confirmed purchase.
	ledger.mu.Lock()
	if err := ledger.requireSessionLocked(); err != nil {
		var available CreditAmount
		if ledger.wallet != nil {
			available = ledger.wallet.Snapshot().AvailableCredits
		}
		ledger.notifyMu.Lock()
		ledger.mu.Unlock()
		ledger.deliverPurchaseCompleted(false, available)
		ledger.notifyMu.Unlock()
		ledger.logOperation(ctx, OperationLog{
			Operation: operationPurchase,
			WalletID:  walletID,
			Amount:    amount,
			Status:    operationStatusWarn,
			Error:     fmt.Errorf("payment collected but not applied: %w", err),
		})
		return err
	}
	now := ledger.nowFn()
	ledger.wallet.Credit(amount, now)
	state := ledger.wallet.Snapshot()
	ledger.notifyMu.Lock()
	ledger.mu.Unlock()
	ledger.deliverPurchaseCompleted(true, state.AvailableCredits)
	ledger.deliverBalanceChanged(state)
	ledger.notifyMu.Unlock()

	ledger.recordEntry(ctx, JournalEntry{
		WalletID:  walletID,
		Type:      EntryPurchase,
		Amount:    amount,
		CreatedAt: now,
	})
	ledger.logOperation(ctx, OperationLog{
		Operation: operationPurchase,
		WalletID:  walletID,
		Amount:    amount,
	})
	return nil
}

// Resync atomically replaces the wallet counters from an authoritative
// server snapshot and notifies subscribers.
func (ledger *Ledger) Resync(ctx context.Context, state WalletState) error {
	ledger.mu.Lock()
	if err := ledger.requireSessionLocked(); err != nil {
		ledger.mu.Unlock()
		return err
	}
	now := ledger.nowFn()
	ledger.wallet.Reset(state, now)
	snapshot := ledger.wallet.Snapshot()
	ledger.notifyMu.Lock()
	ledger.mu.Unlock()
	ledger.deliverBalanceChanged(snapshot)
	ledger.notifyMu.Unlock()

	ledger.logOperation(ctx, OperationLog{
		Operation: operationResync,
		WalletID:  snapshot.WalletID,
		Amount:    snapshot.AvailableCredits,
	})
	return nil
}

func (ledger *Ledger) requireSessionLocked() error {
	if ledger.wallet == nil || ledger.guard == nil || !ledger.guard.Valid() {
		return ErrNotAuthenticated
	}
	return nil
}

func (ledger *Ledger) currentAvailable() CreditAmount {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	if ledger.wallet == nil {
		return 0
	}
	return ledger.wallet.Snapshot().AvailableCredits
}

func (ledger *Ledger) recordEntry(ctx context.Context, entry JournalEntry) {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	if entry.MetadataJSON == "" {
		entry.MetadataJSON = "{}"
	}
	if err := ledger.journal.RecordEntry(ctx, entry); err != nil {
		ledger.logOperation(ctx, OperationLog{
			Operation: entry.Type.String(),
			WalletID:  entry.WalletID,
			Amount:    entry.Amount,
			Status:    operationStatusWarn,
			Error:     WrapError("ledger", "journal", "record", err),
		})
	}
}

func (ledger *Ledger) logOperation(ctx context.Context, entry OperationLog) {
	if ledger.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	ledger.logger.LogOperation(ctx, entry)
}

// The deliver* helpers require notifyMu to be held. Operations that mutate
// the wallet acquire notifyMu before releasing mu, so subscribers observe
// balance changes in mutation order. Lock order is always mu before notifyMu.

func (ledger *Ledger) deliverBalanceChanged(state WalletState) {
	for _, subscriber := range ledger.subscribers {
		subscriber.OnBalanceChanged(state)
	}
}

func (ledger *Ledger) deliverInsufficientCredits(required CreditAmount, available CreditAmount) {
	for _, subscriber := range ledger.subscribers {
		subscriber.OnInsufficientCredits(required, available)
	}
}

func (ledger *Ledger) deliverPurchaseCompleted(success bool, newBalance CreditAmount) {
	for _, subscriber := range ledger.subscribers {
		subscriber.OnPurchaseCompleted(success, newBalance)
	}
}

func (ledger *Ledger) notifyPurchaseCompleted(success bool, newBalance CreditAmount) {
	ledger.notifyMu.Lock()
	defer ledger.notifyMu.Unlock()
	ledger.deliverPurchaseCompleted(success, newBalance)
}
