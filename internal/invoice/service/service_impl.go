package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/hotelier/internal/audit/domain"
	"github.com/smallbiznis/hotelier/internal/clock"
	"github.com/smallbiznis/hotelier/internal/config"
	invoicedomain "github.com/smallbiznis/hotelier/internal/invoice/domain"
	"github.com/smallbiznis/hotelier/internal/observability/logger"
	sequencedomain "github.com/smallbiznis/hotelier/internal/sequence/domain"
	"github.com/smallbiznis/hotelier/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Cfg       config.Config
	Clock     clock.Clock
	Repo      invoicedomain.Repository
	Allocator sequencedomain.Allocator
	AuditSvc  auditdomain.Service `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID     *snowflake.Node
	cfg       config.Config
	clock     clock.Clock
	repo      invoicedomain.Repository
	allocator sequencedomain.Allocator
	auditSvc  auditdomain.Service
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("invoice.service"),

		genID:     p.GenID,
		cfg:       p.Cfg,
		clock:     p.Clock,
		repo:      p.Repo,
		allocator: p.Allocator,
		auditSvc:  p.AuditSvc,
	}
}

// CreateInvoiceForBill issues the pending invoice for a settled bill. A bill
// maps to at most one invoice; repeating the call returns the stored one.
func (s *Service) CreateInvoiceForBill(ctx context.Context, req invoicedomain.CreateInvoiceRequest) (*invoicedomain.Invoice, error) {
	billID := strings.TrimSpace(req.BillID)
	if billID == "" {
		return nil, invoicedomain.ErrInvalidBillID
	}

	existing, err := s.repo.GetByBillID(ctx, s.db, billID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	seller := invoicedomain.Seller{
		Name:  s.cfg.Seller.Name,
		TaxID: s.cfg.Seller.TaxID,
		Email: s.cfg.Seller.Email,
	}
	if req.Seller != nil {
		seller = *req.Seller
	}

	invoice, err := s.CreateDraft(ctx, invoicedomain.DraftRequest{
		DocumentType:   invoicedomain.DocumentTypeInvoice,
		Prefix:         s.cfg.InvoicePrefix,
		ResolutionID:   req.ResolutionID,
		BillID:         &billID,
		Buyer:          req.Buyer,
		Seller:         seller,
		NetAmount:      req.NetAmount,
		TaxAmount:      req.TaxAmount,
		TotalAmount:    req.TotalAmount,
		Currency:       req.Currency,
		OrderReference: req.OrderReference,
	})
	if errors.Is(err, invoicedomain.ErrSequenceConflict) {
		// A concurrent call for the same bill won. Our transaction rolled back
		// together with the number it reserved.
		if other, lookupErr := s.repo.GetByBillID(ctx, s.db, billID); lookupErr == nil && other != nil {
			return other, nil
		}
	}
	return invoice, err
}

// CreateDraft validates the document, reserves the next number and persists
// the pending row in one transaction.
func (s *Service) CreateDraft(ctx context.Context, req invoicedomain.DraftRequest) (*invoicedomain.Invoice, error) {
	req, err := s.normalizeDraft(req)
	if err != nil {
		return nil, err
	}

	var invoice invoicedomain.Invoice
	err = db.RetryTx(ctx, s.db, db.DefaultTxAttempts, func(tx *gorm.DB) error {
		if req.Guard != nil {
			if err := req.Guard(ctx, tx); err != nil {
				return err
			}
		}

		allocation, err := s.allocator.Allocate(ctx, tx, sequencedomain.AllocateRequest{
			Prefix:       req.Prefix,
			ResolutionID: req.ResolutionID,
		})
		if err != nil {
			return err
		}

		now := s.clock.Now()
		invoice = invoicedomain.Invoice{
			ID:                  s.genID.Generate(),
			DocumentType:        req.DocumentType,
			Prefix:              allocation.Prefix,
			SequentialNumber:    allocation.Number,
			ResolutionID:        allocation.ResolutionID,
			ResolutionNumber:    allocation.ResolutionNumber,
			ResolutionFrom:      allocation.RangeFrom,
			ResolutionTo:        allocation.RangeTo,
			ResolutionStartDate: allocation.ValidFrom,
			ResolutionEndDate:   allocation.ValidTo,
			Buyer:               req.Buyer,
			Seller:              req.Seller,
			NetAmount:           req.NetAmount,
			TaxAmount:           req.TaxAmount,
			TotalAmount:         req.TotalAmount,
			Currency:            req.Currency,
			Status:              invoicedomain.StatusPending,
			OrderReference:      req.OrderReference,
			BillID:              req.BillID,
			OriginalInvoiceID:   req.OriginalInvoiceID,
			CreditReason:        req.CreditReason,
			CreatedAt:           now,
			UpdatedAt:           now,
		}

		if err := s.repo.Create(ctx, tx, &invoice); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return fmt.Errorf("%w: %s", invoicedomain.ErrSequenceConflict, invoice.Number())
			}
			return err
		}

		return s.auditTx(ctx, tx, auditAction(invoice, "created"), &invoice, map[string]any{
			"resolution_number": invoice.ResolutionNumber,
		})
	})
	if err != nil {
		return nil, err
	}

	logger.WithInvoice(logger.WithContext(ctx, s.log), invoice.ID.String(), invoice.Prefix, invoice.SequentialNumber).
		Info("fiscal document created",
			zap.String("document_type", string(invoice.DocumentType)),
			zap.String("total_amount", invoice.TotalAmount.StringFixed(2)),
		)
	return &invoice, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*invoicedomain.Invoice, error) {
	if id == 0 {
		return nil, invoicedomain.ErrInvalidInvoiceID
	}
	invoice, err := s.repo.Get(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return invoice, nil
}

func (s *Service) List(ctx context.Context, req invoicedomain.ListInvoiceRequest) ([]invoicedomain.Invoice, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 250 {
		limit = 250
	}
	if buyerID := strings.TrimSpace(req.BuyerID); buyerID != "" {
		items, err := s.repo.ListByBuyer(ctx, s.db, buyerID, limit)
		if err != nil {
			return nil, err
		}
		if req.Status == "" {
			return items, nil
		}
		filtered := make([]invoicedomain.Invoice, 0, len(items))
		for _, item := range items {
			if item.Status == req.Status {
				filtered = append(filtered, item)
			}
		}
		return filtered, nil
	}
	status := req.Status
	if status == "" {
		status = invoicedomain.StatusPending
	}
	return s.ListByStatus(ctx, status, limit)
}

func (s *Service) ListByStatus(ctx context.Context, status invoicedomain.Status, limit int) ([]invoicedomain.Invoice, error) {
	if !status.Valid() {
		return nil, invoicedomain.ErrInvalidStatus
	}
	return s.repo.ListByStatus(ctx, s.db, status, limit)
}

func (s *Service) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]invoicedomain.Invoice, error) {
	buyerID = strings.TrimSpace(buyerID)
	if buyerID == "" {
		return nil, invoicedomain.ErrInvalidBuyer
	}
	return s.repo.ListByBuyer(ctx, s.db, buyerID, limit)
}

func (s *Service) ListAttempts(ctx context.Context, id snowflake.ID) ([]invoicedomain.SubmissionAttempt, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListAttempts(ctx, s.db, id)
}

func (s *Service) ListDueForRetry(ctx context.Context, grace time.Duration, limit int) ([]invoicedomain.Invoice, error) {
	if limit <= 0 {
		limit = 50
	}
	if grace < 0 {
		grace = 0
	}
	now := s.clock.Now()
	return s.repo.ListDueForRetry(ctx, s.db, now, now.Add(-grace), limit)
}

func (s *Service) CountByStatus(ctx context.Context, status invoicedomain.Status) (int64, error) {
	if !status.Valid() {
		return 0, invoicedomain.ErrInvalidStatus
	}
	return s.repo.CountByStatus(ctx, s.db, status)
}

// MarkSent records acceptance. Repeating it with the same fiscal data is a
// no-op; different data for an already sent document is a conflict.
func (s *Service) MarkSent(ctx context.Context, id snowflake.ID, resp invoicedomain.FiscalResponse, attempt *invoicedomain.SubmissionAttempt) (*invoicedomain.Invoice, error) {
	if strings.TrimSpace(resp.CUFE) == "" {
		return nil, invoicedomain.ErrMissingCUFE
	}
	if resp.SentAt.IsZero() {
		resp.SentAt = s.clock.Now()
	}

	var (
		updated   *invoicedomain.Invoice
		unchanged bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.loadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if invoice.Status == invoicedomain.StatusSent {
			if !resp.Same(*invoice) {
				return invoicedomain.ErrConflictingFiscalResponse
			}
			updated, unchanged = invoice, true
			return nil
		}
		next, err := invoicedomain.NextStatus(invoice.Status, invoicedomain.TriggerAccept)
		if err != nil {
			return err
		}

		ok, err := s.repo.MarkSent(ctx, tx, id, resp)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: accept lost race on %s", invoicedomain.ErrInvalidTransition, invoice.Number())
		}
		if err := s.appendAttempt(ctx, tx, invoice, next, invoicedomain.OutcomeAccepted, attempt); err != nil {
			return err
		}
		if err := s.auditTx(ctx, tx, auditAction(*invoice, "sent"), invoice, map[string]any{
			"cufe":                 resp.CUFE,
			"taxxa_transaction_id": resp.TransactionID,
		}); err != nil {
			return err
		}

		updated, err = s.repo.Get(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !unchanged {
		s.invoiceLog(ctx, updated).Info("fiscal document accepted", zap.String("cufe", resp.CUFE))
	}
	return updated, nil
}

// MarkFailed records a permanent rejection or an exhausted retry budget. The
// number stays consumed.
func (s *Service) MarkFailed(ctx context.Context, id snowflake.ID, diag invoicedomain.Diagnostic, attempt *invoicedomain.SubmissionAttempt) (*invoicedomain.Invoice, error) {
	trigger := invoicedomain.TriggerRejectPermanent
	outcome := invoicedomain.OutcomeRejectedPermanent
	if diag.Code == invoicedomain.CodeRetryBudgetExhausted {
		trigger = invoicedomain.TriggerExhaustBudget
		outcome = invoicedomain.OutcomeRejectedRetryable
	}

	var (
		updated   *invoicedomain.Invoice
		unchanged bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.loadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if invoice.Status == invoicedomain.StatusFailed && diag.Same(*invoice) {
			updated, unchanged = invoice, true
			return nil
		}
		next, err := invoicedomain.NextStatus(invoice.Status, trigger)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		ok, err := s.repo.MarkFailed(ctx, tx, id, diag, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: fail lost race on %s", invoicedomain.ErrInvalidTransition, invoice.Number())
		}
		if err := s.appendAttempt(ctx, tx, invoice, next, outcome, attempt); err != nil {
			return err
		}
		if err := s.auditTx(ctx, tx, auditAction(*invoice, "failed"), invoice, map[string]any{
			"code":    diag.Code,
			"message": diag.Message,
		}); err != nil {
			return err
		}

		updated, err = s.repo.Get(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !unchanged {
		s.invoiceLog(ctx, updated).Warn("fiscal document failed",
			zap.String("code", diag.Code),
			zap.String("message", diag.Message),
		)
	}
	return updated, nil
}

// RecordRetryable keeps the document pending and schedules the next attempt.
func (s *Service) RecordRetryable(ctx context.Context, id snowflake.ID, diag invoicedomain.Diagnostic, nextAttemptAt time.Time, attempt *invoicedomain.SubmissionAttempt) (*invoicedomain.Invoice, error) {
	var updated *invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.loadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := invoicedomain.NextStatus(invoice.Status, invoicedomain.TriggerRejectRetryable)
		if err != nil {
			return err
		}

		ok, err := s.repo.RecordRetryable(ctx, tx, id, diag, nextAttemptAt, s.clock.Now())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: retry lost race on %s", invoicedomain.ErrInvalidTransition, invoice.Number())
		}
		if err := s.appendAttempt(ctx, tx, invoice, next, invoicedomain.OutcomeRejectedRetryable, attempt); err != nil {
			return err
		}

		updated, err = s.repo.Get(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.invoiceLog(ctx, updated).Info("fiscal submission will be retried",
		zap.String("code", diag.Code),
		zap.Int("attempt_count", updated.AttemptCount),
		zap.Time("next_attempt_at", nextAttemptAt),
	)
	return updated, nil
}

// FlagReconciliation records an acceptance that arrived after the document
// left pending. Status is never changed; an operator must reconcile.
func (s *Service) FlagReconciliation(ctx context.Context, id snowflake.ID, resp invoicedomain.FiscalResponse, attempt *invoicedomain.SubmissionAttempt) (*invoicedomain.Invoice, error) {
	var updated *invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.loadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}

		note := fmt.Sprintf("provider accepted %s while %s: cufe=%s invoice_number=%s transaction_id=%s",
			invoice.Number(), invoice.Status, resp.CUFE, resp.InvoiceNumber, resp.TransactionID)
		if err := s.repo.FlagReconciliation(ctx, tx, id, note, resp.Raw, s.clock.Now()); err != nil {
			return err
		}
		if err := s.appendAttempt(ctx, tx, invoice, invoice.Status, invoicedomain.OutcomeLateAccepted, attempt); err != nil {
			return err
		}
		if err := s.auditTx(ctx, tx, auditAction(*invoice, "reconciliation_required"), invoice, map[string]any{
			"status": string(invoice.Status),
			"cufe":   resp.CUFE,
		}); err != nil {
			return err
		}

		updated, err = s.repo.Get(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.invoiceLog(ctx, updated).Error("late provider acceptance requires reconciliation",
		zap.String("status", string(updated.Status)),
		zap.String("cufe", resp.CUFE),
	)
	return updated, nil
}

// Cancel withdraws a pending document before it is accepted. The number is
// consumed and never reissued.
func (s *Service) Cancel(ctx context.Context, id snowflake.ID, reason string) (*invoicedomain.Invoice, error) {
	reason = strings.TrimSpace(reason)

	var updated *invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.loadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := invoicedomain.NextStatus(invoice.Status, invoicedomain.TriggerCancel); err != nil {
			return err
		}

		ok, err := s.repo.MarkCancelled(ctx, tx, id, reason, s.clock.Now())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: cancel lost race on %s", invoicedomain.ErrInvalidTransition, invoice.Number())
		}
		metadata := map[string]any{"previous_status": string(invoice.Status)}
		if reason != "" {
			metadata["reason"] = reason
		}
		if err := s.auditTx(ctx, tx, auditAction(*invoice, "cancelled"), invoice, metadata); err != nil {
			return err
		}

		updated, err = s.repo.Get(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.invoiceLog(ctx, updated).Info("fiscal document cancelled")
	return updated, nil
}

// Delete hides a terminal document from listings. The row and its number
// remain for audit.
func (s *Service) Delete(ctx context.Context, id snowflake.ID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.loadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !invoice.Status.Terminal() {
			return invoicedomain.ErrInvoiceNotTerminal
		}
		if err := s.repo.SoftDelete(ctx, tx, id); err != nil {
			return err
		}
		return s.auditTx(ctx, tx, auditAction(*invoice, "deleted"), invoice, map[string]any{
			"status": string(invoice.Status),
		})
	})
}

// RevenueReport sums accepted invoices in [from, to) and subtracts accepted
// credit notes.
func (s *Service) RevenueReport(ctx context.Context, from, to time.Time) (*invoicedomain.RevenueReport, error) {
	if from.IsZero() || to.IsZero() || !from.Before(to) {
		return nil, invoicedomain.ErrInvalidTimeRange
	}

	items, err := s.repo.ListSentBetween(ctx, s.db, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}

	report := &invoicedomain.RevenueReport{
		From:     from.UTC(),
		To:       to.UTC(),
		Currency: s.cfg.Currency,
		Net:      decimal.Zero,
		Tax:      decimal.Zero,
		Total:    decimal.Zero,
		Credited: decimal.Zero,
	}
	for _, item := range items {
		if item.IsCreditNote() {
			report.Credited = report.Credited.Add(item.TotalAmount)
			continue
		}
		report.Count++
		report.Net = report.Net.Add(item.NetAmount)
		report.Tax = report.Tax.Add(item.TaxAmount)
		report.Total = report.Total.Add(item.TotalAmount)
	}
	report.NetTotal = report.Total.Sub(report.Credited)
	return report, nil
}

func (s *Service) normalizeDraft(req invoicedomain.DraftRequest) (invoicedomain.DraftRequest, error) {
	if req.DocumentType == "" {
		req.DocumentType = invoicedomain.DocumentTypeInvoice
	}
	req.Prefix = strings.ToUpper(strings.TrimSpace(req.Prefix))
	if req.Prefix == "" {
		return req, sequencedomain.ErrInvalidPrefix
	}

	req.Buyer.ID = strings.TrimSpace(req.Buyer.ID)
	req.Buyer.Name = strings.TrimSpace(req.Buyer.Name)
	req.Buyer.TaxID = strings.TrimSpace(req.Buyer.TaxID)
	req.Buyer.Email = strings.TrimSpace(req.Buyer.Email)
	if req.Buyer.Name == "" || req.Buyer.TaxID == "" {
		return req, invoicedomain.ErrInvalidBuyer
	}

	if err := ValidateAmounts(req.NetAmount, req.TaxAmount, req.TotalAmount); err != nil {
		return req, err
	}

	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		req.Currency = s.cfg.Currency
	}
	if !currencyPattern.MatchString(req.Currency) {
		return req, invoicedomain.ErrInvalidCurrency
	}
	req.OrderReference = strings.TrimSpace(req.OrderReference)
	return req, nil
}

// ValidateAmounts enforces non-negative cent amounts with total = net + tax.
func ValidateAmounts(net, tax, total decimal.Decimal) error {
	if net.IsNegative() || tax.IsNegative() || total.IsNegative() {
		return invoicedomain.ErrNegativeAmount
	}
	if !invoicedomain.CentPrecision(net) || !invoicedomain.CentPrecision(tax) || !invoicedomain.CentPrecision(total) {
		return invoicedomain.ErrAmountPrecision
	}
	if !net.Add(tax).Equal(total) {
		return invoicedomain.ErrAmountMismatch
	}
	return nil
}

func (s *Service) loadForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	if id == 0 {
		return nil, invoicedomain.ErrInvalidInvoiceID
	}
	invoice, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return invoice, nil
}

func (s *Service) appendAttempt(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice, after invoicedomain.Status, outcome invoicedomain.AttemptOutcome, attempt *invoicedomain.SubmissionAttempt) error {
	if attempt == nil {
		return nil
	}
	number, err := s.repo.NextAttemptNumber(ctx, tx, invoice.ID)
	if err != nil {
		return err
	}
	if attempt.ID == 0 {
		attempt.ID = s.genID.Generate()
	}
	if attempt.Outcome == "" {
		attempt.Outcome = outcome
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = s.clock.Now()
	}
	attempt.InvoiceID = invoice.ID
	attempt.Attempt = number
	attempt.StatusBefore = invoice.Status
	attempt.StatusAfter = after
	return s.repo.AppendAttempt(ctx, tx, attempt)
}

func (s *Service) auditTx(ctx context.Context, tx *gorm.DB, action string, invoice *invoicedomain.Invoice, extra map[string]any) error {
	if s.auditSvc == nil || invoice == nil {
		return nil
	}
	metadata := map[string]any{
		"prefix":            invoice.Prefix,
		"sequential_number": invoice.SequentialNumber,
		"number":            invoice.Number(),
		"total_amount":      invoice.TotalAmount.StringFixed(2),
		"currency":          invoice.Currency,
	}
	if invoice.BillID != nil {
		metadata["bill_id"] = *invoice.BillID
	}
	if invoice.OriginalInvoiceID != nil {
		metadata["original_invoice_id"] = invoice.OriginalInvoiceID.String()
	}
	for key, value := range extra {
		if key == "" {
			continue
		}
		metadata[key] = value
	}

	targetType := "invoice"
	if invoice.IsCreditNote() {
		targetType = "credit_note"
	}
	targetID := invoice.ID.String()
	return s.auditSvc.AuditLogTx(ctx, tx, action, targetType, &targetID, metadata)
}

func (s *Service) invoiceLog(ctx context.Context, invoice *invoicedomain.Invoice) *zap.Logger {
	log := logger.WithContext(ctx, s.log)
	if invoice == nil {
		return log
	}
	return logger.WithInvoice(log, invoice.ID.String(), invoice.Prefix, invoice.SequentialNumber)
}

func auditAction(invoice invoicedomain.Invoice, verb string) string {
	if invoice.IsCreditNote() {
		return "credit_note." + verb
	}
	return "invoice." + verb
}
