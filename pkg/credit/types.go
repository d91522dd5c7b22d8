package credit

import (
	"fmt"
	"strings"
	"time"
)

// CreditAmount is an integer quantity of platform credits.
type CreditAmount int64

// NewCreditAmount validates an amount and ensures it is strictly positive.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCreditAmount)
	}
	return CreditAmount(raw), nil
}

// Int64 returns the raw credit count.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// OperationKind names a billable AI operation. The set is open: the five
// kinds below have configured costs, anything else bills at the default rate.
type OperationKind string

const (
	KindImageGeneration  OperationKind = "image_generation"
	KindImageEnhancement OperationKind = "image_enhancement"
	KindVideoProcessing  OperationKind = "video_processing"
	KindAudioEnhancement OperationKind = "audio_enhancement"
	KindCodeGeneration   OperationKind = "code_generation"
)

// NewOperationKind validates and normalizes an operation kind.
func NewOperationKind(raw string) (OperationKind, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidOperationKind)
	}
	return OperationKind(trimmed), nil
}

// String returns the kind identifier.
func (kind OperationKind) String() string {
	return string(kind)
}

// ReservationID identifies an in-flight credit reservation.
type ReservationID struct {
	value string
}

// NewReservationID validates and normalizes a reservation id.
func NewReservationID(raw string) (ReservationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationID{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return ReservationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ReservationID) String() string {
	return id.value
}

// ReservationState defines the reservation lifecycle.
type ReservationState string

const (
	ReservationHeld     ReservationState = "held"
	ReservationConsumed ReservationState = "consumed"
	ReservationReleased ReservationState = "released"
)

// String returns the state identifier.
func (state ReservationState) String() string {
	return string(state)
}

// Reservation is a hold against available credits pending operation outcome.
type Reservation struct {
	ID        ReservationID
	Amount    CreditAmount
	Kind      OperationKind
	State     ReservationState
	CreatedAt time.Time
}

// Outcome is the terminal result of a settled operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// NewOutcome validates a settle outcome.
func NewOutcome(raw string) (Outcome, error) {
	switch Outcome(raw) {
	case OutcomeSuccess, OutcomeFailure:
		return Outcome(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOutcome, raw)
}

// WalletState is a point-in-time snapshot of the credit wallet.
type WalletState struct {
	AvailableCredits CreditAmount
	UsedCredits      CreditAmount
	WalletID         string
	LastUpdated      time.Time
}

// Authorizer reports whether ledger mutations are currently permitted.
// The session manager's Session satisfies it.
type Authorizer interface {
	Valid() bool
}
