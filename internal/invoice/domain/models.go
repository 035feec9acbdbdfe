// Package domain contains the fiscal document models: invoices, credit notes
// and the per-attempt submission audit.
package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	resolutiondomain "github.com/smallbiznis/hotelier/internal/resolution/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

type DocumentType = resolutiondomain.DocumentType

const (
	DocumentTypeInvoice    = resolutiondomain.DocumentTypeInvoice
	DocumentTypeCreditNote = resolutiondomain.DocumentTypeCreditNote
)

// Buyer is copied onto the document at issuance and never refreshed.
type Buyer struct {
	ID    string `gorm:"type:varchar(64);index" json:"id"`
	Name  string `gorm:"type:varchar(255);not null" json:"name"`
	TaxID string `gorm:"type:varchar(32);not null" json:"tax_id"`
	Email string `gorm:"type:varchar(255)" json:"email"`
}

type Seller struct {
	Name  string `gorm:"type:varchar(255)" json:"name"`
	TaxID string `gorm:"type:varchar(32)" json:"tax_id"`
	Email string `gorm:"type:varchar(255)" json:"email"`
}

// Invoice is one fiscal document. Credit notes share the table and are told
// apart by DocumentType.
type Invoice struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	DocumentType DocumentType `gorm:"type:varchar(16);not null;default:'invoice'" json:"document_type"`

	Prefix           string `gorm:"type:varchar(10);not null;uniqueIndex:ux_invoices_prefix_number" json:"prefix"`
	SequentialNumber int64  `gorm:"not null;uniqueIndex:ux_invoices_prefix_number;index" json:"sequential_number"`

	ResolutionID        snowflake.ID `gorm:"not null" json:"resolution_id"`
	ResolutionNumber    string       `gorm:"type:varchar(64);not null" json:"resolution_number"`
	ResolutionFrom      int64        `gorm:"not null" json:"resolution_from"`
	ResolutionTo        int64        `gorm:"not null" json:"resolution_to"`
	ResolutionStartDate time.Time    `gorm:"not null" json:"resolution_start_date"`
	ResolutionEndDate   time.Time    `gorm:"not null" json:"resolution_end_date"`

	Buyer  Buyer  `gorm:"embedded;embeddedPrefix:buyer_" json:"buyer"`
	Seller Seller `gorm:"embedded;embeddedPrefix:seller_" json:"seller"`

	NetAmount   decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"net_amount"`
	TaxAmount   decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"tax_amount"`
	TotalAmount decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"total_amount"`
	Currency    string          `gorm:"type:varchar(3);not null;default:'COP'" json:"currency"`

	Status Status `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`

	InvoiceNumber      *string        `gorm:"type:varchar(64)" json:"invoice_number,omitempty"`
	CUFE               *string        `gorm:"column:cufe;type:varchar(128)" json:"cufe,omitempty"`
	QRCode             *string        `gorm:"column:qr_code;type:text" json:"qr_code,omitempty"`
	TaxxaTransactionID *string        `gorm:"type:varchar(128)" json:"taxxa_transaction_id,omitempty"`
	SentToTaxxaAt      *time.Time     `gorm:"index" json:"sent_to_taxxa_at,omitempty"`
	TaxxaResponse      datatypes.JSON `json:"taxxa_response,omitempty"`

	AttemptCount     int        `gorm:"not null;default:0" json:"attempt_count"`
	NextAttemptAt    *time.Time `gorm:"index" json:"next_attempt_at,omitempty"`
	LastErrorCode    *string    `gorm:"type:varchar(64)" json:"last_error_code,omitempty"`
	LastErrorMessage *string    `gorm:"type:text" json:"last_error_message,omitempty"`

	OrderReference string  `gorm:"type:varchar(128)" json:"order_reference"`
	BillID         *string `gorm:"type:varchar(64);uniqueIndex" json:"bill_id,omitempty"`

	OriginalInvoiceID *snowflake.ID `gorm:"index" json:"original_invoice_id,omitempty"`
	CreditReason      *string       `gorm:"type:varchar(8)" json:"credit_reason,omitempty"`

	ReconciliationRequired bool    `gorm:"not null;default:false" json:"reconciliation_required"`
	ReconciliationNote     *string `gorm:"type:text" json:"reconciliation_note,omitempty"`

	CancelledAt  *time.Time     `json:"cancelled_at,omitempty"`
	CancelReason *string        `gorm:"type:text" json:"cancel_reason,omitempty"`
	FailedAt     *time.Time     `json:"failed_at,omitempty"`
	CreatedAt    time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Invoice) TableName() string { return "invoices" }

// Number is the externally visible fiscal number, e.g. FEH1042.
func (i Invoice) Number() string {
	return fmt.Sprintf("%s%d", i.Prefix, i.SequentialNumber)
}

func (i Invoice) IsCreditNote() bool {
	return i.DocumentType == DocumentTypeCreditNote
}

type AttemptOutcome string

const (
	OutcomeAccepted          AttemptOutcome = "accepted"
	OutcomeRejectedPermanent AttemptOutcome = "rejected_permanent"
	OutcomeRejectedRetryable AttemptOutcome = "rejected_retryable"
	OutcomeLateAccepted      AttemptOutcome = "late_accepted"
)

// SubmissionAttempt is an append-only row per provider round trip. Attempt
// numbers and correlation ids let operators tell out-of-order completion
// apart from numbering faults.
type SubmissionAttempt struct {
	ID            snowflake.ID   `gorm:"primaryKey" json:"id"`
	InvoiceID     snowflake.ID   `gorm:"not null;uniqueIndex:ux_submission_attempt" json:"invoice_id"`
	Attempt       int            `gorm:"not null;uniqueIndex:ux_submission_attempt" json:"attempt"`
	CorrelationID string         `gorm:"type:varchar(32);not null" json:"correlation_id"`
	Outcome       AttemptOutcome `gorm:"type:varchar(32);not null" json:"outcome"`
	Code          string         `gorm:"type:varchar(64)" json:"code,omitempty"`
	Message       string         `gorm:"type:text" json:"message,omitempty"`
	Payload       datatypes.JSON `json:"payload,omitempty"`
	StatusBefore  Status         `gorm:"type:varchar(16);not null" json:"status_before"`
	StatusAfter   Status         `gorm:"type:varchar(16);not null" json:"status_after"`
	DurationMs    int64          `gorm:"not null;default:0" json:"duration_ms"`
	CreatedAt     time.Time      `gorm:"not null;index" json:"created_at"`
}

func (SubmissionAttempt) TableName() string { return "submission_attempts" }

// FiscalResponse holds the fields the provider returns on acceptance.
type FiscalResponse struct {
	InvoiceNumber string
	CUFE          string
	QRCode        string
	TransactionID string
	Raw           datatypes.JSON
	SentAt        time.Time
}

// Same reports whether two acceptances carry identical fiscal data.
func (r FiscalResponse) Same(inv Invoice) bool {
	return deref(inv.CUFE) == r.CUFE &&
		deref(inv.InvoiceNumber) == r.InvoiceNumber &&
		deref(inv.QRCode) == r.QRCode &&
		deref(inv.TaxxaTransactionID) == r.TransactionID
}

// Diagnostic is the recorded reason for a rejection.
type Diagnostic struct {
	Code    string
	Message string
	Raw     datatypes.JSON
}

func (d Diagnostic) Same(inv Invoice) bool {
	return deref(inv.LastErrorCode) == d.Code && deref(inv.LastErrorMessage) == d.Message
}

// RevenueReport aggregates accepted documents in a period.
type RevenueReport struct {
	From     time.Time       `json:"from"`
	To       time.Time       `json:"to"`
	Currency string          `json:"currency"`
	Count    int             `json:"count"`
	Net      decimal.Decimal `json:"net"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"total"`
	Credited decimal.Decimal `json:"credited"`
	NetTotal decimal.Decimal `json:"net_total"`
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
