package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JournalEntry mirrors the journal_entries table.
type JournalEntry struct {
	EntryID       string         `gorm:"type:uuid;primaryKey"`
	WalletID      string         `gorm:"not null;index:idx_journal_wallet_created,priority:1"`
	Type          string         `gorm:"not null"`
	Amount        int64          `gorm:"not null"`
	ReservationID *string        `gorm:"index"`
	OperationKind *string        `gorm:""`
	Metadata      datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_journal_wallet_created,priority:2"`
}

func (JournalEntry) TableName() string { return "journal_entries" }

func (entry *JournalEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}
