package dispatch

import (
	"context"
	"sync"

	"github.com/xenolabs/creditcore/pkg/credit"
)

// ErrorKind classifies the failure carried by a delivered result.
type ErrorKind string

const (
	ErrorNone               ErrorKind = ""
	ErrorBackendUnavailable ErrorKind = "backend_unavailable"
	ErrorBackendTimeout     ErrorKind = "backend_timeout"
	ErrorBackendFailed      ErrorKind = "backend_failed"
	ErrorCancelled          ErrorKind = "cancelled"
)

// Result is the single terminal outcome of a dispatched operation.
type Result struct {
	Success     bool
	Payload     string
	ErrorKind   ErrorKind
	Reason      string
	CreditsUsed credit.CreditAmount
	RequestID   string
}

// Operation is the handle returned by Dispatch. Exactly one Result is
// delivered per operation; Done closes when it lands.
type Operation struct {
	id            string
	kind          credit.OperationKind
	backendName   string
	reservationID credit.ReservationID

	cancelCtx  context.CancelFunc
	finishOnce sync.Once
	finish     func(outcome credit.Outcome, used credit.CreditAmount, result Result)
	done       chan struct{}
	result     Result
}

// ID returns the operation correlation id.
func (operation *Operation) ID() string {
	return operation.id
}

// Kind returns the operation kind.
func (operation *Operation) Kind() credit.OperationKind {
	return operation.kind
}

// BackendName returns the adapter the operation ran on.
func (operation *Operation) BackendName() string {
	return operation.backendName
}

// Done closes once the terminal result has been delivered.
func (operation *Operation) Done() <-chan struct{} {
	return operation.done
}

// Result returns the delivered result once Done has closed.
func (operation *Operation) Result() (Result, bool) {
	select {
	case <-operation.done:
		return operation.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the result is delivered or the context expires.
func (operation *Operation) Wait(ctx context.Context) (Result, error) {
	select {
	case <-operation.done:
		return operation.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel aborts the operation before the adapter completes: the reservation
// is refunded exactly once and a cancelled result is delivered. A late
// adapter completion after Cancel is a no-op.
func (operation *Operation) Cancel() {
	operation.cancelCtx()
	operation.finish(credit.OutcomeFailure, 0, Result{
		Success:   false,
		ErrorKind: ErrorCancelled,
		Reason:    "operation cancelled",
		RequestID: operation.id,
	})
}
