package credit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// LedgerOption configures a Ledger instance.
type LedgerOption func(*Ledger)

// OperationLogger records domain-level events emitted by ledger operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation     string
	WalletID      string
	ReservationID string
	Kind          OperationKind
	Amount        CreditAmount
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) LedgerOption {
	return func(ledger *Ledger) {
		ledger.logger = logger
	}
}

// WithJournal wires the append-only entry store.
func WithJournal(journal Journal) LedgerOption {
	return func(ledger *Ledger) {
		if journal != nil {
			ledger.journal = journal
		}
	}
}

// WithPaymentProcessor wires the purchase collaborator.
func WithPaymentProcessor(payments PaymentProcessor) LedgerOption {
	return func(ledger *Ledger) {
		if payments != nil {
			ledger.payments = payments
		}
	}
}

// WithClock overrides the wall clock, mainly for tests.
func WithClock(now func() time.Time) LedgerOption {
	return func(ledger *Ledger) {
		if now != nil {
			ledger.nowFn = now
		}
	}
}

// ZapOperationLogger emits operation logs through a zap logger.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps a zap logger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	return &ZapOperationLogger{logger: logger}
}

// LogOperation writes one structured line per ledger operation.
func (zapLogger *ZapOperationLogger) LogOperation(_ context.Context, entry OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("wallet_id", entry.WalletID),
		zap.String("status", entry.Status),
		zap.Int64("amount", entry.Amount.Int64()),
	}
	if entry.ReservationID != "" {
		fields = append(fields, zap.String("reservation_id", entry.ReservationID))
	}
	if entry.Kind != "" {
		fields = append(fields, zap.String("kind", entry.Kind.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	switch entry.Status {
	case operationStatusError:
		zapLogger.logger.Error("ledger operation", fields...)
	case operationStatusWarn:
		zapLogger.logger.Warn("ledger operation", fields...)
	default:
		zapLogger.logger.Info("ledger operation", fields...)
	}
}
