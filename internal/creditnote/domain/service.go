package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/hotelier/internal/invoice/domain"
)

// Reason is a DIAN credit note concept code.
type Reason string

const (
	ReasonPartialReturn Reason = "1"
	ReasonVoid          Reason = "2"
	ReasonDiscount      Reason = "3"
	ReasonPriceAdjust   Reason = "4"
	ReasonEarlyPayment  Reason = "5"
	ReasonOther         Reason = "6"
)

var reasonNames = map[Reason]string{
	ReasonPartialReturn: "partial_return",
	ReasonVoid:          "void",
	ReasonDiscount:      "discount",
	ReasonPriceAdjust:   "price_adjustment",
	ReasonEarlyPayment:  "early_payment_discount",
	ReasonOther:         "other",
}

func (r Reason) Valid() bool {
	_, ok := reasonNames[r]
	return ok
}

func (r Reason) Name() string {
	return reasonNames[r]
}

type IssueRequest struct {
	OriginalInvoiceID snowflake.ID    `json:"original_invoice_id"`
	CreditReason      Reason          `json:"credit_reason"`
	Amount            decimal.Decimal `json:"amount"`
	Submit            bool            `json:"submit"`
}

type Service interface {
	Issue(ctx context.Context, req IssueRequest) (*invoicedomain.Invoice, error)
	ListForInvoice(ctx context.Context, originalID snowflake.ID) ([]invoicedomain.Invoice, error)
}

var (
	ErrOriginalNotFound      = errors.New("original_not_found")
	ErrInvalidOriginalState  = errors.New("invalid_original_state")
	ErrInvalidCreditReason   = errors.New("invalid_credit_reason")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrAmountExceedsOriginal = errors.New("amount_exceeds_original")
)
