package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/receiptvault/ingest/constants"
	"github.com/receiptvault/ingest/internal/common"
	"github.com/receiptvault/ingest/internal/entity"
)

// sqliteSchema mirrors the postgres migration for local mode and tests.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS receipts (
    id                     TEXT PRIMARY KEY,
    user_id                TEXT NOT NULL,
    content_hash           TEXT NOT NULL,
    store_name             TEXT NOT NULL DEFAULT '',
    store_address          TEXT NOT NULL DEFAULT '',
    store_phone            TEXT NOT NULL DEFAULT '',
    postal_code            TEXT NOT NULL DEFAULT '',
    country                TEXT NOT NULL DEFAULT '',
    total                  REAL,
    subtotal               REAL,
    tax                    REAL,
    tip                    REAL,
    purchase_date          TIMESTAMP,
    receipt_type           TEXT NOT NULL DEFAULT '',
    transaction_id         TEXT NOT NULL DEFAULT '',
    ocr_provider           TEXT NOT NULL DEFAULT '',
    ocr_confidence         REAL NOT NULL DEFAULT 0,
    extraction_strategy    TEXT NOT NULL DEFAULT '',
    location_confidence    REAL NOT NULL DEFAULT 0,
    status                 TEXT NOT NULL,
    requires_manual_review BOOLEAN NOT NULL DEFAULT 0,
    created_at             TIMESTAMP NOT NULL,
    processed_at           TIMESTAMP,
    updated_at             TIMESTAMP NOT NULL,
    UNIQUE (user_id, content_hash)
);

CREATE TABLE IF NOT EXISTS items (
    id         TEXT PRIMARY KEY,
    receipt_id TEXT NOT NULL REFERENCES receipts (id) ON DELETE CASCADE,
    name       TEXT NOT NULL,
    quantity   REAL NOT NULL DEFAULT 1,
    price      REAL
);
`

// SQLiteReceiptRepository implements ReceiptRepository on an embedded SQLite
// database. Used for local single-binary mode and persistence tests.
type SQLiteReceiptRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (and initializes) a SQLite database at dsn, e.g.
// "file:receipts.db" or "file::memory:?cache=shared".
func OpenSQLite(ctx context.Context, dsn string, logger *slog.Logger) (*SQLiteReceiptRepository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteReceiptRepository{db: db, logger: logger}, nil
}

func (r *SQLiteReceiptRepository) Close() error { return r.db.Close() }

const sqliteInsertReceipt = `INSERT INTO receipts (
	id, user_id, content_hash, store_name, store_address, store_phone,
	postal_code, country, total, subtotal, tax, tip, purchase_date, receipt_type,
	transaction_id, ocr_provider, ocr_confidence, extraction_strategy, location_confidence,
	status, requires_manual_review, created_at, processed_at, updated_at
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

const sqliteSelectReceipt = `SELECT
	id, user_id, content_hash, store_name, store_address, store_phone,
	postal_code, country, total, subtotal, tax, tip, purchase_date, receipt_type,
	transaction_id, ocr_provider, ocr_confidence, extraction_strategy, location_confidence,
	status, requires_manual_review, created_at, processed_at, updated_at
FROM receipts`

func (r *SQLiteReceiptRepository) Create(ctx context.Context, rec *entity.Receipt) (*entity.Receipt, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err = tx.ExecContext(ctx, sqliteInsertReceipt,
		rec.ID.String(), rec.UserID.String(), rec.ContentHash, rec.StoreName, rec.StoreAddress, rec.StorePhone,
		rec.PostalCode, rec.Country, rec.Total, rec.Subtotal, rec.Tax, rec.Tip,
		rec.PurchaseDate, rec.ReceiptType, rec.TransactionID, rec.OCRProvider,
		rec.OCRConfidence, rec.ExtractionStrategy, rec.LocationConfidence,
		string(rec.Status), rec.RequiresManualReview, rec.CreatedAt, rec.ProcessedAt, rec.UpdatedAt,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			existing, lookupErr := r.GetByUserAndHash(ctx, rec.UserID, rec.ContentHash)
			if lookupErr != nil {
				return nil, false, lookupErr
			}
			r.logger.Info("repository.receipt.deduplicated",
				"user_id", rec.UserID, "existing_id", existing.ID)
			return existing, true, nil
		}
		return nil, false, err
	}

	for i := range rec.Items {
		it := &rec.Items[i]
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		it.ReceiptID = rec.ID
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO items (id, receipt_id, name, quantity, price) VALUES (?,?,?,?,?)`,
			it.ID.String(), it.ReceiptID.String(), it.Name, it.Quantity, it.Price); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return rec, false, nil
}

func (r *SQLiteReceiptRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Receipt, error) {
	row := r.db.QueryRowContext(ctx, sqliteSelectReceipt+` WHERE id = ?`, id.String())
	rec, err := scanSQLiteReceipt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, err
	}
	if err := r.loadItems(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *SQLiteReceiptRepository) GetByUserAndHash(ctx context.Context, userID uuid.UUID, contentHash string) (*entity.Receipt, error) {
	row := r.db.QueryRowContext(ctx,
		sqliteSelectReceipt+` WHERE user_id = ? AND content_hash = ?`,
		userID.String(), contentHash)
	rec, err := scanSQLiteReceipt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := r.loadItems(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *SQLiteReceiptRepository) List(ctx context.Context, userID uuid.UUID, fromDate, toDate *time.Time) ([]*entity.Receipt, error) {
	q := sqliteSelectReceipt + ` WHERE user_id = ?`
	args := []any{userID.String()}
	if fromDate != nil {
		q += ` AND purchase_date >= ?`
		args = append(args, *fromDate)
	}
	if toDate != nil {
		q += ` AND purchase_date <= ?`
		args = append(args, *toDate)
	}
	q += ` ORDER BY purchase_date, created_at`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*entity.Receipt
	for rows.Next() {
		rec, err := scanSQLiteReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, rec := range out {
		if err := r.loadItems(ctx, rec); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *SQLiteReceiptRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status constants.ReceiptStatus) error {
	var current string
	err := r.db.QueryRowContext(ctx, `SELECT status FROM receipts WHERE id = ?`, id.String()).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return pgx.ErrNoRows
		}
		return err
	}
	if !constants.ReceiptStatus(current).CanTransition(status) {
		return fmt.Errorf("status transition %s -> %s not allowed: %w", current, status, common.ErrInvalidInput)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE receipts SET status = ?, processed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(status), time.Now().UTC(), time.Now().UTC(), id.String(), current)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *SQLiteReceiptRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM receipts WHERE id = ?`, id.String())
	return err
}

func (r *SQLiteReceiptRepository) loadItems(ctx context.Context, rec *entity.Receipt) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, receipt_id, name, quantity, price FROM items WHERE receipt_id = ? ORDER BY id`,
		rec.ID.String())
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	rec.Items = rec.Items[:0]
	for rows.Next() {
		var it entity.Item
		var id, receiptID string
		if err := rows.Scan(&id, &receiptID, &it.Name, &it.Quantity, &it.Price); err != nil {
			return err
		}
		it.ID, _ = uuid.Parse(id)
		it.ReceiptID, _ = uuid.Parse(receiptID)
		rec.Items = append(rec.Items, it)
	}
	return rows.Err()
}

func scanSQLiteReceipt(row rowScanner) (*entity.Receipt, error) {
	var rec entity.Receipt
	var id, userID, status string
	err := row.Scan(
		&id, &userID, &rec.ContentHash, &rec.StoreName, &rec.StoreAddress, &rec.StorePhone,
		&rec.PostalCode, &rec.Country, &rec.Total, &rec.Subtotal, &rec.Tax, &rec.Tip,
		&rec.PurchaseDate, &rec.ReceiptType, &rec.TransactionID, &rec.OCRProvider,
		&rec.OCRConfidence, &rec.ExtractionStrategy, &rec.LocationConfidence,
		&status, &rec.RequiresManualReview, &rec.CreatedAt, &rec.ProcessedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.ID, _ = uuid.Parse(id)
	rec.UserID, _ = uuid.Parse(userID)
	rec.Status = constants.ReceiptStatus(status)
	return &rec, nil
}

func isSQLiteUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
