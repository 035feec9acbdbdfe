package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/hotelier/internal/invoice/domain"
)

type Service interface {
	// Submit drives one provider attempt for a pending document.
	Submit(ctx context.Context, invoiceID snowflake.ID) (*invoicedomain.Invoice, error)
	CreateAndSubmit(ctx context.Context, req invoicedomain.CreateInvoiceRequest) (*invoicedomain.Invoice, error)
	// Cancel withdraws a pending document unless a submission holds it.
	Cancel(ctx context.Context, invoiceID snowflake.ID, reason string) (*invoicedomain.Invoice, error)
	RetryDue(ctx context.Context, limit int) (RetrySummary, error)
	PendingBacklog(ctx context.Context) (int64, error)
}

type RetrySummary struct {
	Scanned   int  `json:"scanned"`
	Accepted  int  `json:"accepted"`
	Retrying  int  `json:"retrying"`
	Failed    int  `json:"failed"`
	Skipped   int  `json:"skipped"`
	Errored   int  `json:"errored"`
	Throttled bool `json:"throttled"`
}

// ReconciliationEntry is pushed for every acceptance that arrived after the
// document left pending.
type ReconciliationEntry struct {
	InvoiceID     string          `json:"invoice_id"`
	Number        string          `json:"number"`
	Status        string          `json:"status"`
	CUFE          string          `json:"cufe"`
	TransactionID string          `json:"transaction_id"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	DetectedAt    time.Time       `json:"detected_at"`
}

type ReconciliationQueue interface {
	Push(ctx context.Context, entry ReconciliationEntry) error
	Length(ctx context.Context) (int64, error)
}

var (
	ErrSubmissionInFlight = errors.New("submission_in_flight")
	ErrLateAcceptance     = errors.New("late_acceptance")
	ErrProviderThrottled  = errors.New("provider_throttled")
)
