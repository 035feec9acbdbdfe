// Package domain holds the provider-neutral fiscal submission contract.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindInvoice    Kind = "invoice"
	KindCreditNote Kind = "credit_note"
)

type Party struct {
	ID    string
	Name  string
	TaxID string
	Email string
}

// Document is the canonical outbound representation of an issued number.
type Document struct {
	InvoiceID     string
	CorrelationID string
	Kind          Kind

	Prefix string
	Number int64

	ResolutionNumber string
	ResolutionFrom   int64
	ResolutionTo     int64
	ResolutionStart  time.Time
	ResolutionEnd    time.Time

	IssuedAt       time.Time
	Buyer          Party
	Seller         Party
	Net            decimal.Decimal
	Tax            decimal.Decimal
	Total          decimal.Decimal
	Currency       string
	OrderReference string

	// Set for credit notes only.
	OriginalNumber   string
	OriginalCUFE     string
	OriginalIssuedAt time.Time
	CreditReason     string
}

// FullNumber is prefix plus sequential number, e.g. FEH1042.
func (d Document) FullNumber() string {
	return fmt.Sprintf("%s%d", d.Prefix, d.Number)
}
