package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/hotelier/internal/invoice/domain"
	"github.com/smallbiznis/hotelier/pkg/db/option"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() invoicedomain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice) error {
	return tx.WithContext(ctx).Create(invoice).Error
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	return takeOne(db.WithContext(ctx).Where("id = ?", id))
}

func (r *repo) GetForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	return takeOne(option.WithForUpdate().Apply(tx.WithContext(ctx)).Where("id = ?", id))
}

func (r *repo) GetByBillID(ctx context.Context, db *gorm.DB, billID string) (*invoicedomain.Invoice, error) {
	return takeOne(db.WithContext(ctx).Unscoped().
		Where("bill_id = ? AND document_type = ?", billID, invoicedomain.DocumentTypeInvoice))
}

func (r *repo) ListByStatus(ctx context.Context, db *gorm.DB, status invoicedomain.Status, limit int) ([]invoicedomain.Invoice, error) {
	var items []invoicedomain.Invoice
	stmt := db.WithContext(ctx).Where("status = ?", status).Order("prefix asc, sequential_number asc")
	err := option.WithLimit(limit).Apply(stmt).Find(&items).Error
	return items, err
}

func (r *repo) ListByBuyer(ctx context.Context, db *gorm.DB, buyerID string, limit int) ([]invoicedomain.Invoice, error) {
	var items []invoicedomain.Invoice
	stmt := db.WithContext(ctx).Where("buyer_id = ?", buyerID).Order("created_at desc, id desc")
	err := option.WithLimit(limit).Apply(stmt).Find(&items).Error
	return items, err
}

// ListDueForRetry returns pending documents whose backoff elapsed, plus
// documents that were never attempted and have been waiting since before
// neverAttemptedBefore. Lower numbers come first.
func (r *repo) ListDueForRetry(ctx context.Context, db *gorm.DB, now time.Time, neverAttemptedBefore time.Time, limit int) ([]invoicedomain.Invoice, error) {
	var items []invoicedomain.Invoice
	stmt := db.WithContext(ctx).
		Where("status = ?", invoicedomain.StatusPending).
		Where("(next_attempt_at IS NOT NULL AND next_attempt_at <= ?) OR (next_attempt_at IS NULL AND attempt_count = 0 AND created_at <= ?)",
			now, neverAttemptedBefore).
		Order("prefix asc, sequential_number asc")
	err := option.WithLimit(limit).Apply(stmt).Find(&items).Error
	return items, err
}

func (r *repo) ListCreditNotes(ctx context.Context, db *gorm.DB, originalID snowflake.ID) ([]invoicedomain.Invoice, error) {
	var items []invoicedomain.Invoice
	err := db.WithContext(ctx).
		Where("original_invoice_id = ? AND document_type = ?", originalID, invoicedomain.DocumentTypeCreditNote).
		Order("sequential_number asc").
		Find(&items).Error
	return items, err
}

// SumCredited adds up credit notes that are pending or sent. Hidden rows still
// count; soft delete does not undo a fiscal document.
func (r *repo) SumCredited(ctx context.Context, tx *gorm.DB, originalID snowflake.ID) (decimal.Decimal, error) {
	var amounts []decimal.Decimal
	err := tx.WithContext(ctx).Unscoped().
		Model(&invoicedomain.Invoice{}).
		Where("original_invoice_id = ? AND document_type = ? AND status IN ?",
			originalID,
			invoicedomain.DocumentTypeCreditNote,
			[]invoicedomain.Status{invoicedomain.StatusPending, invoicedomain.StatusSent},
		).
		Pluck("total_amount", &amounts).Error
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, amount := range amounts {
		total = total.Add(amount)
	}
	return total, nil
}

func (r *repo) ListSentBetween(ctx context.Context, db *gorm.DB, from, to time.Time) ([]invoicedomain.Invoice, error) {
	var items []invoicedomain.Invoice
	err := db.WithContext(ctx).Unscoped().
		Where("status = ? AND sent_to_taxxa_at >= ? AND sent_to_taxxa_at < ?", invoicedomain.StatusSent, from, to).
		Order("sent_to_taxxa_at asc").
		Find(&items).Error
	return items, err
}

func (r *repo) CountByStatus(ctx context.Context, db *gorm.DB, status invoicedomain.Status) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&invoicedomain.Invoice{}).Where("status = ?", status).Count(&count).Error
	return count, err
}

func (r *repo) MarkSent(ctx context.Context, tx *gorm.DB, id snowflake.ID, resp invoicedomain.FiscalResponse) (bool, error) {
	return transition(ctx, tx, id, map[string]any{
		"status":               invoicedomain.StatusSent,
		"invoice_number":       resp.InvoiceNumber,
		"cufe":                 resp.CUFE,
		"qr_code":              resp.QRCode,
		"taxxa_transaction_id": resp.TransactionID,
		"sent_to_taxxa_at":     resp.SentAt,
		"taxxa_response":       resp.Raw,
		"next_attempt_at":      nil,
		"updated_at":           resp.SentAt,
	})
}

func (r *repo) MarkFailed(ctx context.Context, tx *gorm.DB, id snowflake.ID, diag invoicedomain.Diagnostic, at time.Time) (bool, error) {
	return transition(ctx, tx, id, map[string]any{
		"status":             invoicedomain.StatusFailed,
		"failed_at":          at,
		"last_error_code":    diag.Code,
		"last_error_message": diag.Message,
		"taxxa_response":     diag.Raw,
		"next_attempt_at":    nil,
		"updated_at":         at,
	})
}

func (r *repo) RecordRetryable(ctx context.Context, tx *gorm.DB, id snowflake.ID, diag invoicedomain.Diagnostic, nextAttemptAt time.Time, at time.Time) (bool, error) {
	return transition(ctx, tx, id, map[string]any{
		"attempt_count":      gorm.Expr("attempt_count + 1"),
		"last_error_code":    diag.Code,
		"last_error_message": diag.Message,
		"taxxa_response":     diag.Raw,
		"next_attempt_at":    nextAttemptAt,
		"updated_at":         at,
	})
}

func (r *repo) MarkCancelled(ctx context.Context, tx *gorm.DB, id snowflake.ID, reason string, at time.Time) (bool, error) {
	return transition(ctx, tx, id, map[string]any{
		"status":          invoicedomain.StatusCancelled,
		"cancelled_at":    at,
		"cancel_reason":   reason,
		"next_attempt_at": nil,
		"updated_at":      at,
	})
}

func (r *repo) FlagReconciliation(ctx context.Context, tx *gorm.DB, id snowflake.ID, note string, raw datatypes.JSON, at time.Time) error {
	return tx.WithContext(ctx).Model(&invoicedomain.Invoice{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"reconciliation_required": true,
			"reconciliation_note":     note,
			"taxxa_response":          raw,
			"updated_at":              at,
		}).Error
}

func (r *repo) SoftDelete(ctx context.Context, tx *gorm.DB, id snowflake.ID) error {
	return tx.WithContext(ctx).Where("id = ?", id).Delete(&invoicedomain.Invoice{}).Error
}

func (r *repo) AppendAttempt(ctx context.Context, tx *gorm.DB, attempt *invoicedomain.SubmissionAttempt) error {
	return tx.WithContext(ctx).Create(attempt).Error
}

func (r *repo) NextAttemptNumber(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) (int, error) {
	var next int
	err := tx.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(attempt), 0) + 1
		 FROM submission_attempts
		 WHERE invoice_id = ?`,
		invoiceID,
	).Scan(&next).Error
	return next, err
}

func (r *repo) ListAttempts(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]invoicedomain.SubmissionAttempt, error) {
	var items []invoicedomain.SubmissionAttempt
	err := db.WithContext(ctx).Where("invoice_id = ?", invoiceID).Order("attempt asc").Find(&items).Error
	return items, err
}

func transition(ctx context.Context, tx *gorm.DB, id snowflake.ID, updates map[string]any) (bool, error) {
	result := tx.WithContext(ctx).Model(&invoicedomain.Invoice{}).
		Where("id = ? AND status = ?", id, invoicedomain.StatusPending).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func takeOne(stmt *gorm.DB) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := stmt.Take(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}
