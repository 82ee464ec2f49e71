package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/receiptvault/ingest/constants"
	"github.com/receiptvault/ingest/internal/common"
	"github.com/receiptvault/ingest/internal/entity"
)

// Postgres raises 23505 on a (user_id, content_hash) conflict; the repository
// translates that into the fetch-existing path instead of surfacing an error.
const uniqueViolation = "23505"

type ReceiptRepository interface {
	// Create persists the receipt with its items. If identical content was
	// already ingested for the user, the existing receipt is returned with
	// deduplicated=true and nothing is written.
	Create(ctx context.Context, rec *entity.Receipt) (*entity.Receipt, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Receipt, error)
	// GetByUserAndHash returns (nil, nil) when no matching receipt exists.
	GetByUserAndHash(ctx context.Context, userID uuid.UUID, contentHash string) (*entity.Receipt, error)
	List(ctx context.Context, userID uuid.UUID, fromDate, toDate *time.Time) ([]*entity.Receipt, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status constants.ReceiptStatus) error
	// Delete removes the receipt; items cascade with it.
	Delete(ctx context.Context, id uuid.UUID) error
}

type receiptRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewReceiptRepository(pool *pgxpool.Pool, logger *slog.Logger) ReceiptRepository {
	return &receiptRepository{
		pool:   pool,
		logger: logger,
	}
}

const receiptColumns = `id, user_id, content_hash, store_name, store_address, store_phone,
	postal_code, country, total, subtotal, tax, tip, purchase_date, receipt_type,
	transaction_id, ocr_provider, ocr_confidence, extraction_strategy, location_confidence,
	status, requires_manual_review, created_at, processed_at, updated_at`

const insertReceiptSQL = `INSERT INTO receipts (` + receiptColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`

const insertItemSQL = `INSERT INTO items (id, receipt_id, name, quantity, price)
	VALUES ($1,$2,$3,$4,$5)`

func (r *receiptRepository) Create(ctx context.Context, rec *entity.Receipt) (*entity.Receipt, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err = tx.Exec(ctx, insertReceiptSQL,
		rec.ID, rec.UserID, rec.ContentHash, rec.StoreName, rec.StoreAddress, rec.StorePhone,
		rec.PostalCode, rec.Country, rec.Total, rec.Subtotal, rec.Tax, rec.Tip,
		rec.PurchaseDate, rec.ReceiptType, rec.TransactionID, rec.OCRProvider,
		rec.OCRConfidence, rec.ExtractionStrategy, rec.LocationConfidence,
		string(rec.Status), rec.RequiresManualReview, rec.CreatedAt, rec.ProcessedAt, rec.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			existing, lookupErr := r.GetByUserAndHash(ctx, rec.UserID, rec.ContentHash)
			if lookupErr != nil {
				return nil, false, lookupErr
			}
			r.logger.Info("repository.receipt.deduplicated",
				"user_id", rec.UserID, "existing_id", existing.ID)
			return existing, true, nil
		}
		r.logger.Error("repository.receipt.create_failed", "receipt_id", rec.ID, "error", err)
		return nil, false, err
	}

	for i := range rec.Items {
		it := &rec.Items[i]
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		it.ReceiptID = rec.ID
		if _, err := tx.Exec(ctx, insertItemSQL, it.ID, it.ReceiptID, it.Name, it.Quantity, it.Price); err != nil {
			r.logger.Error("repository.item.create_failed", "receipt_id", rec.ID, "error", err)
			return nil, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return rec, false, nil
}

func (r *receiptRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Receipt, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE id = $1`, id)
	rec, err := scanReceipt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		r.logger.Error("repository.receipt.get_failed", "receipt_id", id, "error", err)
		return nil, err
	}
	if err := r.loadItems(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *receiptRepository) GetByUserAndHash(ctx context.Context, userID uuid.UUID, contentHash string) (*entity.Receipt, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE user_id = $1 AND content_hash = $2`,
		userID, contentHash)
	rec, err := scanReceipt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("repository.receipt.lookup_failed", "user_id", userID, "error", err)
		return nil, err
	}
	if err := r.loadItems(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *receiptRepository) List(ctx context.Context, userID uuid.UUID, fromDate, toDate *time.Time) ([]*entity.Receipt, error) {
	q := `SELECT ` + receiptColumns + ` FROM receipts WHERE user_id = $1`
	args := []any{userID}
	if fromDate != nil {
		args = append(args, *fromDate)
		q += ` AND purchase_date >= $2`
	}
	if toDate != nil {
		args = append(args, *toDate)
		if fromDate != nil {
			q += ` AND purchase_date <= $3`
		} else {
			q += ` AND purchase_date <= $2`
		}
	}
	q += ` ORDER BY purchase_date, created_at`

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		r.logger.Error("repository.receipt.list_failed", "user_id", userID, "error", err)
		return nil, err
	}
	defer rows.Close()

	var out []*entity.Receipt
	for rows.Next() {
		rec, err := scanReceipt(rows)
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

func (r *receiptRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status constants.ReceiptStatus) error {
	var current string
	if err := r.pool.QueryRow(ctx, `SELECT status FROM receipts WHERE id = $1`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pgx.ErrNoRows
		}
		r.logger.Error("repository.receipt.update_status_failed", "receipt_id", id, "error", err)
		return err
	}
	if !constants.ReceiptStatus(current).CanTransition(status) {
		return fmt.Errorf("status transition %s -> %s not allowed: %w", current, status, common.ErrInvalidInput)
	}

	// The status predicate makes the update a no-op if a concurrent writer
	// already moved the receipt past current.
	tag, err := r.pool.Exec(ctx,
		`UPDATE receipts SET status = $2, processed_at = $3, updated_at = $3 WHERE id = $1 AND status = $4`,
		id, string(status), time.Now().UTC(), current)
	if err != nil {
		r.logger.Error("repository.receipt.update_status_failed", "receipt_id", id, "error", err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *receiptRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM receipts WHERE id = $1`, id)
	if err != nil {
		r.logger.Error("repository.receipt.delete_failed", "receipt_id", id, "error", err)
	}
	return err
}

func (r *receiptRepository) loadItems(ctx context.Context, rec *entity.Receipt) error {
	rows, err := r.pool.Query(ctx,
		`SELECT id, receipt_id, name, quantity, price FROM items WHERE receipt_id = $1 ORDER BY id`,
		rec.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	rec.Items = rec.Items[:0]
	for rows.Next() {
		var it entity.Item
		if err := rows.Scan(&it.ID, &it.ReceiptID, &it.Name, &it.Quantity, &it.Price); err != nil {
			return err
		}
		rec.Items = append(rec.Items, it)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*entity.Receipt, error) {
	var rec entity.Receipt
	var status string
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.ContentHash, &rec.StoreName, &rec.StoreAddress, &rec.StorePhone,
		&rec.PostalCode, &rec.Country, &rec.Total, &rec.Subtotal, &rec.Tax, &rec.Tip,
		&rec.PurchaseDate, &rec.ReceiptType, &rec.TransactionID, &rec.OCRProvider,
		&rec.OCRConfidence, &rec.ExtractionStrategy, &rec.LocationConfidence,
		&status, &rec.RequiresManualReview, &rec.CreatedAt, &rec.ProcessedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = constants.ReceiptStatus(status)
	return &rec, nil
}
