// Package dispatch is the top-level entry point for AI operations: it
// reserves the estimated cost, invokes the chosen backend adapter
// asynchronously, and settles the reservation when the completion arrives.
// Adapters never mutate wallet state; every completion flows back through
// the ledger's settle path.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenolabs/creditcore/pkg/backend"
	"github.com/xenolabs/creditcore/pkg/credit"
)

const (
	defaultOperationTimeout = 2 * time.Minute
	settleTimeout           = 10 * time.Second
)

// Dispatcher error values.
var (
	ErrUnknownBackend          = errors.New("unknown backend")
	ErrInvalidDispatcherConfig = errors.New("invalid dispatcher config")
)

// Request describes one operation to dispatch. A zero Cost bills the
// ledger's estimate for the kind.
type Request struct {
	Kind    credit.OperationKind
	Backend backend.Choice
	Payload string
	Model   string
	Cost    credit.CreditAmount
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithOperationTimeout bounds each adapter call.
func WithOperationTimeout(timeout time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if timeout > 0 {
			dispatcher.timeout = timeout
		}
	}
}

// WithLogger wires a zap logger.
func WithLogger(logger *zap.Logger) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if logger != nil {
			dispatcher.logger = logger
		}
	}
}

// Dispatcher multiplexes operations across the configured backends while the
// credit ledger guards spending.
type Dispatcher struct {
	ledger   *credit.Ledger
	backends map[backend.Choice]backend.Backend
	timeout  time.Duration
	logger   *zap.Logger
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(ledger *credit.Ledger, backends map[backend.Choice]backend.Backend, options ...DispatcherOption) (*Dispatcher, error) {
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidDispatcherConfig)
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("%w: no backends configured", ErrInvalidDispatcherConfig)
	}
	dispatcher := &Dispatcher{
		ledger:   ledger,
		backends: backends,
		timeout:  defaultOperationTimeout,
		logger:   zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(dispatcher)
		}
	}
	return dispatcher, nil
}

// Dispatch reserves the operation cost and starts the adapter call. It
// returns immediately; the caller observes completion through the handle.
// Authentication, validation, and reservation failures are synchronous —
// no backend call is made and no handle is returned.
func (dispatcher *Dispatcher) Dispatch(ctx context.Context, request Request) (*Operation, error) {
	kind, err := credit.NewOperationKind(request.Kind.String())
	if err != nil {
		return nil, err
	}
	adapter, configured := dispatcher.backends[request.Backend]
	if !configured {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, request.Backend)
	}
	cost := request.Cost
	if cost <= 0 {
		cost = dispatcher.ledger.EstimateCost(kind)
	}
	reservationID, err := dispatcher.ledger.Reserve(ctx, cost, kind)
	if err != nil {
		return nil, err
	}

	operationCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatcher.timeout)
	operation := &Operation{
		id:            uuid.NewString(),
		kind:          kind,
		backendName:   adapter.Name(),
		reservationID: reservationID,
		cancelCtx:     cancel,
		done:          make(chan struct{}),
	}
	operation.finish = func(outcome credit.Outcome, used credit.CreditAmount, result Result) {
		operation.finishOnce.Do(func() {
			dispatcher.settle(operation, outcome, used)
			operation.result = result
			close(operation.done)
		})
	}

	dispatcher.logger.Info("operation dispatched",
		zap.String("operation_id", operation.id),
		zap.String("kind", kind.String()),
		zap.String("backend", adapter.Name()),
		zap.Int64("reserved", cost.Int64()),
	)
	go dispatcher.run(operationCtx, cancel, operation, adapter, request, cost)
	return operation, nil
}

func (dispatcher *Dispatcher) run(ctx context.Context, cancel context.CancelFunc, operation *Operation, adapter backend.Backend, request Request, cost credit.CreditAmount) {
	defer cancel()

	result, err := adapter.Execute(ctx, backend.Request{
		Operation: operation.kind.String(),
		Payload:   request.Payload,
		Model:     request.Model,
	})
	if err != nil {
		kind := classifyError(err)
		operation.finish(credit.OutcomeFailure, 0, Result{
			Success:   false,
			ErrorKind: kind,
			Reason:    err.Error(),
			RequestID: operation.id,
		})
		dispatcher.logger.Warn("operation failed",
			zap.String("operation_id", operation.id),
			zap.String("backend", operation.backendName),
			zap.String("error_kind", string(kind)),
			zap.Error(err),
		)
		return
	}

	requestID := result.RequestID
	if requestID == "" {
		requestID = operation.id
	}
	// An undeclared (or nonsensical) usage figure bills the full reserved
	// cost rather than treating the work as free.
	creditsUsed := cost
	if result.CreditsUsed != nil && *result.CreditsUsed >= 0 {
		creditsUsed = credit.CreditAmount(*result.CreditsUsed)
	}
	operation.finish(credit.OutcomeSuccess, creditsUsed, Result{
		Success:     true,
		Payload:     result.Payload,
		CreditsUsed: creditsUsed,
		RequestID:   requestID,
	})
	dispatcher.logger.Info("operation completed",
		zap.String("operation_id", operation.id),
		zap.String("backend", operation.backendName),
		zap.Int64("credits_used", creditsUsed.Int64()),
	)
}

// settle runs inside the operation's finish-once section, so each
// reservation settles through exactly one terminal outcome. The ledger's own
// idempotence backstops any settle that still slips through twice.
func (dispatcher *Dispatcher) settle(operation *Operation, outcome credit.Outcome, used credit.CreditAmount) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	var err error
	if outcome == credit.OutcomeSuccess {
		err = dispatcher.ledger.SettleUsage(ctx, operation.reservationID, outcome, used)
	} else {
		err = dispatcher.ledger.Settle(ctx, operation.reservationID, outcome)
	}
	if err != nil {
		dispatcher.logger.Warn("settle failed",
			zap.String("operation_id", operation.id),
			zap.String("reservation_id", operation.reservationID.String()),
			zap.Error(err),
		)
	}
}

func classifyError(err error) ErrorKind {
	switch {
	case errors.Is(err, backend.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorBackendTimeout
	case errors.Is(err, context.Canceled):
		return ErrorCancelled
	case errors.Is(err, backend.ErrUnavailable):
		return ErrorBackendUnavailable
	default:
		return ErrorBackendFailed
	}
}
