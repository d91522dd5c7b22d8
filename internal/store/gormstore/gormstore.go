// Package gormstore persists the credit journal through GORM, backed by
// sqlite on the desktop and postgres when the daemon runs against a shared
// database.
package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/xenolabs/creditcore/pkg/credit"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectEntry     = "entry"
	errorCodeDuplicate    = "duplicate"
	errorCodeInsert       = "insert"
	errorCodeList         = "list"
	errorCodeMigrate      = "migrate"
)

// ErrDuplicateEntry flags a journal entry id collision.
var ErrDuplicateEntry = errors.New("duplicate journal entry")

// Store implements credit.Journal using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the journal schema.
func (store *Store) Migrate() error {
	if err := store.db.AutoMigrate(&JournalEntry{}); err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeMigrate, err)
	}
	return nil
}

// RecordEntry appends one immutable journal line.
func (store *Store) RecordEntry(ctx context.Context, entry credit.JournalEntry) error {
	var reservationID *string
	if entry.ReservationID != "" {
		value := entry.ReservationID
		reservationID = &value
	}
	var operationKind *string
	if entry.OperationKind != "" {
		value := entry.OperationKind.String()
		operationKind = &value
	}
	metadata := entry.MetadataJSON
	if metadata == "" {
		metadata = defaultMetadataJSON
	}
	model := JournalEntry{
		EntryID:       entry.EntryID,
		WalletID:      entry.WalletID,
		Type:          entry.Type.String(),
		Amount:        entry.Amount.Int64(),
		ReservationID: reservationID,
		OperationKind: operationKind,
		Metadata:      datatypes.JSON(metadata),
		CreatedAt:     entry.CreatedAt,
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ErrDuplicateEntry)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

// ListEntries returns the newest journal lines for a wallet.
func (store *Store) ListEntries(ctx context.Context, walletID string, limit int) ([]credit.JournalEntry, error) {
	var rows []JournalEntry
	err := store.db.WithContext(ctx).
		Where("wallet_id = ?", walletID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]credit.JournalEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, mapJournalEntry(row))
	}
	return entries, nil
}

func mapJournalEntry(row JournalEntry) credit.JournalEntry {
	entry := credit.JournalEntry{
		EntryID:      row.EntryID,
		WalletID:     row.WalletID,
		Type:         credit.EntryType(row.Type),
		Amount:       credit.CreditAmount(row.Amount),
		MetadataJSON: string(row.Metadata),
		CreatedAt:    row.CreatedAt,
	}
	if row.ReservationID != nil {
		entry.ReservationID = *row.ReservationID
	}
	if row.OperationKind != nil {
		entry.OperationKind = credit.OperationKind(*row.OperationKind)
	}
	return entry
}

func wrapStoreError(subject string, code string, err error) error {
	return credit.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
