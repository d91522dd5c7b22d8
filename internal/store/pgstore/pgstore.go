// Package pgstore persists the credit journal in postgres through a pgx
// connection pool. It carries the same contract as gormstore and is the
// store of choice when several daemon instances share one database.
package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenolabs/creditcore/pkg/credit"
)

const (
	constraintJournalPrimary = "journal_entries_pkey"
	pgUniqueViolationCode    = "23505"
	errorOperationStore      = "store"
	errorSubjectEntry        = "entry"
	errorSubjectSchema       = "schema"
	errorCodeDuplicate       = "duplicate"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeMigrate         = "migrate"

	sqlCreateSchema = `
		create table if not exists journal_entries (
			entry_id uuid primary key,
			wallet_id text not null,
			type text not null,
			amount bigint not null,
			reservation_id text,
			operation_kind text,
			metadata jsonb not null default '{}'::jsonb,
			created_at timestamptz not null default now()
		);
		create index if not exists idx_journal_wallet_created
			on journal_entries (wallet_id, created_at desc);
	`

	sqlInsertEntry = `
		insert into journal_entries(
			entry_id, wallet_id, type, amount, reservation_id, operation_kind, metadata, created_at
		)
		values(
			$1, $2, $3, $4,
			nullif($5,''), nullif($6,''),
			coalesce(nullif($7,''),'{}')::jsonb,
			to_timestamp($8)
		)
	`

	sqlListEntries = `
		select
			entry_id::text,
			wallet_id,
			type,
			amount,
			coalesce(reservation_id,''),
			coalesce(operation_kind,''),
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from journal_entries
		where wallet_id = $1
		order by created_at desc
		limit $2
	`
)

// ErrDuplicateEntry flags a journal entry id collision.
var ErrDuplicateEntry = errors.New("duplicate journal entry")

// Store implements credit.Journal using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the journal table and indexes when absent.
func (store *Store) EnsureSchema(ctx context.Context) error {
	if _, err := store.pool.Exec(ctx, sqlCreateSchema); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

// RecordEntry appends one immutable journal line.
func (store *Store) RecordEntry(ctx context.Context, entry credit.JournalEntry) error {
	entryID := entry.EntryID
	if entryID == "" {
		entryID = uuid.NewString()
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := store.pool.Exec(ctx, sqlInsertEntry,
		entryID,
		entry.WalletID,
		entry.Type.String(),
		entry.Amount.Int64(),
		entry.ReservationID,
		entry.OperationKind.String(),
		entry.MetadataJSON,
		createdAt.Unix(),
	)
	if isEntryConflict(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ErrDuplicateEntry)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

// ListEntries returns the newest journal lines for a wallet.
func (store *Store) ListEntries(ctx context.Context, walletID string, limit int) ([]credit.JournalEntry, error) {
	rows, err := store.pool.Query(ctx, sqlListEntries, walletID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func scanEntries(rows pgx.Rows) ([]credit.JournalEntry, error) {
	entries := make([]credit.JournalEntry, 0, 32)
	for rows.Next() {
		var (
			entryIDValue     string
			walletIDValue    string
			entryTypeValue   string
			amountValue      int64
			reservationValue string
			kindValue        string
			metadataValue    string
			createdAtUnixUTC int64
		)
		if err := rows.Scan(
			&entryIDValue,
			&walletIDValue,
			&entryTypeValue,
			&amountValue,
			&reservationValue,
			&kindValue,
			&metadataValue,
			&createdAtUnixUTC,
		); err != nil {
			return nil, err
		}
		entries = append(entries, credit.JournalEntry{
			EntryID:       entryIDValue,
			WalletID:      walletIDValue,
			Type:          credit.EntryType(entryTypeValue),
			Amount:        credit.CreditAmount(amountValue),
			ReservationID: reservationValue,
			OperationKind: credit.OperationKind(kindValue),
			MetadataJSON:  metadataValue,
			CreatedAt:     time.Unix(createdAtUnixUTC, 0).UTC(),
		})
	}
	return entries, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return credit.WrapError(errorOperationStore, subject, code, err)
}

func isEntryConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintJournalPrimary
	}
	return false
}
