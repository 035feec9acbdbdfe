package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/hotelier/internal/config"
	creditnotedomain "github.com/smallbiznis/hotelier/internal/creditnote/domain"
	invoicedomain "github.com/smallbiznis/hotelier/internal/invoice/domain"
	"github.com/smallbiznis/hotelier/internal/observability/logger"
	"github.com/smallbiznis/hotelier/internal/observability/metrics"
	submissiondomain "github.com/smallbiznis/hotelier/internal/submission/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Cfg        config.Config
	Invoices   invoicedomain.Service
	Repo       invoicedomain.Repository
	Submission submissiondomain.Service `optional:"true"`
	Metrics    *metrics.FiscalMetrics    `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	prefix     string
	invoices   invoicedomain.Service
	repo       invoicedomain.Repository
	submission submissiondomain.Service
	metrics    *metrics.FiscalMetrics
}

func NewService(p Params) creditnotedomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("creditnote.service"),
		prefix:     strings.ToUpper(strings.TrimSpace(p.Cfg.CreditNotePrefix)),
		invoices:   p.Invoices,
		repo:       p.Repo,
		submission: p.Submission,
		metrics:    p.Metrics,
	}
}

// Issue creates a pending credit note against a sent invoice. Every check
// runs before a number is reserved, and the cumulative bound is re-checked
// under the original's row lock in the allocation transaction.
func (s *Service) Issue(ctx context.Context, req creditnotedomain.IssueRequest) (*invoicedomain.Invoice, error) {
	invoice, err := s.issue(ctx, req)
	if err != nil {
		s.metrics.IncCreditNote("rejected")
		return nil, err
	}
	s.metrics.IncCreditNote("issued")

	if !req.Submit || s.submission == nil {
		return invoice, nil
	}
	submitted, err := s.submission.Submit(ctx, invoice.ID)
	if submitted == nil {
		submitted = invoice
	}
	return submitted, err
}

func (s *Service) issue(ctx context.Context, req creditnotedomain.IssueRequest) (*invoicedomain.Invoice, error) {
	if !req.CreditReason.Valid() {
		return nil, creditnotedomain.ErrInvalidCreditReason
	}
	// Sub-cent amounts are rejected, never rounded: rounding could turn one
	// into a zero note or hide an excess over the original's total.
	if !req.Amount.IsPositive() || !invoicedomain.CentPrecision(req.Amount) {
		return nil, creditnotedomain.ErrInvalidAmount
	}
	amount := req.Amount.Round(2)

	original, err := s.loadOriginal(ctx, req.OriginalInvoiceID)
	if err != nil {
		return nil, err
	}
	if err := checkOriginal(original, amount, decimal.Zero); err != nil {
		return nil, err
	}

	net, tax := splitAmount(original, amount)
	reason := string(req.CreditReason)
	originalID := original.ID

	invoice, err := s.invoices.CreateDraft(ctx, invoicedomain.DraftRequest{
		DocumentType:      invoicedomain.DocumentTypeCreditNote,
		Prefix:            s.prefix,
		Buyer:             original.Buyer,
		Seller:            original.Seller,
		NetAmount:         net,
		TaxAmount:         tax,
		TotalAmount:       amount,
		Currency:          original.Currency,
		OrderReference:    original.OrderReference,
		OriginalInvoiceID: &originalID,
		CreditReason:      &reason,
		Guard: func(ctx context.Context, tx *gorm.DB) error {
			locked, err := s.repo.GetForUpdate(ctx, tx, originalID)
			if err != nil {
				return err
			}
			if locked == nil {
				return creditnotedomain.ErrOriginalNotFound
			}
			credited, err := s.repo.SumCredited(ctx, tx, originalID)
			if err != nil {
				return err
			}
			return checkOriginal(locked, amount, credited)
		},
	})
	if err != nil {
		return nil, err
	}

	logger.WithInvoice(logger.WithContext(ctx, s.log), invoice.ID.String(), invoice.Prefix, invoice.SequentialNumber).
		Info("credit note issued",
			zap.String("original_number", original.Number()),
			zap.String("reason", req.CreditReason.Name()),
			zap.String("amount", amount.StringFixed(2)),
		)
	return invoice, nil
}

func (s *Service) ListForInvoice(ctx context.Context, originalID snowflake.ID) ([]invoicedomain.Invoice, error) {
	if _, err := s.loadOriginal(ctx, originalID); err != nil {
		return nil, err
	}
	return s.repo.ListCreditNotes(ctx, s.db, originalID)
}

func (s *Service) loadOriginal(ctx context.Context, id snowflake.ID) (*invoicedomain.Invoice, error) {
	if id == 0 {
		return nil, creditnotedomain.ErrOriginalNotFound
	}
	original, err := s.repo.Get(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if original == nil || original.IsCreditNote() {
		return nil, creditnotedomain.ErrOriginalNotFound
	}
	return original, nil
}

func checkOriginal(original *invoicedomain.Invoice, amount, credited decimal.Decimal) error {
	if original.IsCreditNote() {
		return creditnotedomain.ErrOriginalNotFound
	}
	if original.Status != invoicedomain.StatusSent {
		return fmt.Errorf("%w: original %s is %s", creditnotedomain.ErrInvalidOriginalState, original.Number(), original.Status)
	}
	if credited.Add(amount).GreaterThan(original.TotalAmount) {
		return fmt.Errorf("%w: %s credited of %s, requested %s",
			creditnotedomain.ErrAmountExceedsOriginal,
			credited.StringFixed(2),
			original.TotalAmount.StringFixed(2),
			amount.StringFixed(2),
		)
	}
	return nil
}

// splitAmount divides a credited total into net and tax using the original
// invoice's tax ratio. A full credit mirrors the original exactly.
func splitAmount(original *invoicedomain.Invoice, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if amount.Equal(original.TotalAmount) {
		return original.NetAmount, original.TaxAmount
	}
	if original.TotalAmount.IsZero() {
		return amount, decimal.Zero
	}
	tax := amount.Mul(original.TaxAmount).Div(original.TotalAmount).Round(2)
	return amount.Sub(tax), tax
}
