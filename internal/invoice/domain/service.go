package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type CreateInvoiceRequest struct {
	BillID         string          `json:"bill_id"`
	Buyer          Buyer           `json:"buyer"`
	Seller         *Seller         `json:"seller,omitempty"`
	NetAmount      decimal.Decimal `json:"net_amount"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Currency       string          `json:"currency"`
	OrderReference string          `json:"order_reference"`
	// ResolutionID pins the allocation to a specific authorization.
	ResolutionID snowflake.ID `json:"resolution_id,omitempty"`
}

// DraftRequest is the lower-level input shared by invoices and credit notes.
type DraftRequest struct {
	DocumentType      DocumentType
	Prefix            string
	ResolutionID      snowflake.ID
	BillID            *string
	Buyer             Buyer
	Seller            Seller
	NetAmount         decimal.Decimal
	TaxAmount         decimal.Decimal
	TotalAmount       decimal.Decimal
	Currency          string
	OrderReference    string
	OriginalInvoiceID *snowflake.ID
	CreditReason      *string
	// Guard runs inside the allocation transaction before the number is
	// reserved; returning an error aborts without consuming a number.
	Guard func(ctx context.Context, tx *gorm.DB) error
}

type ListInvoiceRequest struct {
	Status  Status `form:"status"`
	BuyerID string `form:"buyer_id"`
	Limit   int    `form:"limit"`
}

type Repository interface {
	Create(ctx context.Context, tx *gorm.DB, invoice *Invoice) error
	Get(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	GetForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Invoice, error)
	GetByBillID(ctx context.Context, db *gorm.DB, billID string) (*Invoice, error)
	ListByStatus(ctx context.Context, db *gorm.DB, status Status, limit int) ([]Invoice, error)
	ListByBuyer(ctx context.Context, db *gorm.DB, buyerID string, limit int) ([]Invoice, error)
	ListDueForRetry(ctx context.Context, db *gorm.DB, now time.Time, neverAttemptedBefore time.Time, limit int) ([]Invoice, error)
	ListCreditNotes(ctx context.Context, db *gorm.DB, originalID snowflake.ID) ([]Invoice, error)
	SumCredited(ctx context.Context, tx *gorm.DB, originalID snowflake.ID) (decimal.Decimal, error)
	ListSentBetween(ctx context.Context, db *gorm.DB, from, to time.Time) ([]Invoice, error)
	CountByStatus(ctx context.Context, db *gorm.DB, status Status) (int64, error)

	// Conditional transitions. Each only touches a row still in pending and
	// reports whether it did.
	MarkSent(ctx context.Context, tx *gorm.DB, id snowflake.ID, resp FiscalResponse) (bool, error)
	MarkFailed(ctx context.Context, tx *gorm.DB, id snowflake.ID, diag Diagnostic, at time.Time) (bool, error)
	RecordRetryable(ctx context.Context, tx *gorm.DB, id snowflake.ID, diag Diagnostic, nextAttemptAt time.Time, at time.Time) (bool, error)
	MarkCancelled(ctx context.Context, tx *gorm.DB, id snowflake.ID, reason string, at time.Time) (bool, error)
	FlagReconciliation(ctx context.Context, tx *gorm.DB, id snowflake.ID, note string, raw datatypes.JSON, at time.Time) error
	SoftDelete(ctx context.Context, tx *gorm.DB, id snowflake.ID) error

	AppendAttempt(ctx context.Context, tx *gorm.DB, attempt *SubmissionAttempt) error
	NextAttemptNumber(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) (int, error)
	ListAttempts(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]SubmissionAttempt, error)
}

type Service interface {
	CreateInvoiceForBill(ctx context.Context, req CreateInvoiceRequest) (*Invoice, error)
	CreateDraft(ctx context.Context, req DraftRequest) (*Invoice, error)
	Get(ctx context.Context, id snowflake.ID) (*Invoice, error)
	List(ctx context.Context, req ListInvoiceRequest) ([]Invoice, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]Invoice, error)
	ListByBuyer(ctx context.Context, buyerID string, limit int) ([]Invoice, error)
	ListAttempts(ctx context.Context, id snowflake.ID) ([]SubmissionAttempt, error)
	// ListDueForRetry returns pending documents whose backoff elapsed and
	// never-attempted ones older than grace.
	ListDueForRetry(ctx context.Context, grace time.Duration, limit int) ([]Invoice, error)
	CountByStatus(ctx context.Context, status Status) (int64, error)

	MarkSent(ctx context.Context, id snowflake.ID, resp FiscalResponse, attempt *SubmissionAttempt) (*Invoice, error)
	MarkFailed(ctx context.Context, id snowflake.ID, diag Diagnostic, attempt *SubmissionAttempt) (*Invoice, error)
	RecordRetryable(ctx context.Context, id snowflake.ID, diag Diagnostic, nextAttemptAt time.Time, attempt *SubmissionAttempt) (*Invoice, error)
	FlagReconciliation(ctx context.Context, id snowflake.ID, resp FiscalResponse, attempt *SubmissionAttempt) (*Invoice, error)

	Cancel(ctx context.Context, id snowflake.ID, reason string) (*Invoice, error)
	Delete(ctx context.Context, id snowflake.ID) error
	RevenueReport(ctx context.Context, from, to time.Time) (*RevenueReport, error)
}

var (
	ErrInvalidInvoiceID          = errors.New("invalid_invoice_id")
	ErrInvoiceNotFound           = errors.New("invoice_not_found")
	ErrInvalidBillID             = errors.New("invalid_bill_id")
	ErrInvalidBuyer              = errors.New("invalid_buyer")
	ErrNegativeAmount            = errors.New("negative_amount")
	ErrAmountMismatch            = errors.New("amount_mismatch")
	ErrAmountPrecision           = errors.New("amount_precision")
	ErrInvalidCurrency           = errors.New("invalid_currency")
	ErrInvalidStatus             = errors.New("invalid_status")
	ErrInvalidTransition         = errors.New("invalid_transition")
	ErrConflictingFiscalResponse = errors.New("conflicting_fiscal_response")
	ErrInvoiceNotTerminal        = errors.New("invoice_not_terminal")
	ErrInvalidTimeRange          = errors.New("invalid_time_range")
	ErrSequenceConflict          = errors.New("sequence_conflict")
	ErrMissingCUFE               = errors.New("missing_cufe")
)

// CentPrecision reports whether d fits the two-decimal fiscal amount columns
// without rounding.
func CentPrecision(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}

// CodeRetryBudgetExhausted is recorded as the last error when a document runs
// out of retryable attempts.
const CodeRetryBudgetExhausted = "retry_budget_exhausted"
