package credit

import (
	"context"
	"time"
)

// EntryType enumerates journal entry kinds.
type EntryType string

const (
	EntryHold        EntryType = "hold"
	EntryReverseHold EntryType = "reverse_hold"
	EntrySpend       EntryType = "spend"
	EntryPurchase    EntryType = "purchase"
	EntrySeed        EntryType = "seed"
)

// String returns the entry type identifier.
func (entryType EntryType) String() string {
	return string(entryType)
}

// JournalEntry is a single immutable line in the credit journal.
type JournalEntry struct {
	EntryID       string
	WalletID      string
	Type          EntryType
	Amount        CreditAmount
	ReservationID string
	OperationKind OperationKind
	MetadataJSON  string
	CreatedAt     time.Time
}

// Journal is the append-only persistence contract used by the Ledger.
// Journal failures never block ledger operations; they are logged and dropped.
type Journal interface {
	RecordEntry(ctx context.Context, entry JournalEntry) error
}

// NopJournal discards entries. Default when no store is wired.
type NopJournal struct{}

// RecordEntry drops the entry.
func (NopJournal) RecordEntry(_ context.Context, _ JournalEntry) error {
	return nil
}
