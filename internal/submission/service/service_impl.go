package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/hotelier/internal/clock"
	"github.com/smallbiznis/hotelier/internal/config"
	invoicedomain "github.com/smallbiznis/hotelier/internal/invoice/domain"
	"github.com/smallbiznis/hotelier/internal/observability/logger"
	"github.com/smallbiznis/hotelier/internal/observability/metrics"
	fiscaldomain "github.com/smallbiznis/hotelier/internal/providers/fiscal/domain"
	"github.com/smallbiznis/hotelier/internal/ratelimit"
	submissiondomain "github.com/smallbiznis/hotelier/internal/submission/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const lockMargin = 30 * time.Second

type Params struct {
	fx.In

	Log      *zap.Logger
	Cfg      config.Config
	Policy   *config.FiscalPolicyHolder
	Clock    clock.Clock
	Invoices invoicedomain.Service
	Provider fiscaldomain.Provider
	Locker   ratelimit.InFlightLocker
	Queue    submissiondomain.ReconciliationQueue
	Throttle *ratelimit.ProviderThrottle `optional:"true"`
	Metrics  *metrics.FiscalMetrics      `optional:"true"`
}

type Service struct {
	log      *zap.Logger
	policy   *config.FiscalPolicyHolder
	clock    clock.Clock
	invoices invoicedomain.Service
	provider fiscaldomain.Provider
	locker   ratelimit.InFlightLocker
	queue    submissiondomain.ReconciliationQueue
	throttle *ratelimit.ProviderThrottle
	metrics  *metrics.FiscalMetrics
	lockTTL  time.Duration
}

func NewService(p Params) submissiondomain.Service {
	policy := p.Policy
	if policy == nil {
		policy = config.NewStaticFiscalPolicyHolder(config.DefaultFiscalPolicy())
	}
	timeout := p.Cfg.Taxxa.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{
		log:      p.Log.Named("submission.service"),
		policy:   policy,
		clock:    p.Clock,
		invoices: p.Invoices,
		provider: p.Provider,
		locker:   p.Locker,
		queue:    p.Queue,
		throttle: p.Throttle,
		metrics:  p.Metrics,
		// a submission may spend one timeout on the token and one on the document
		lockTTL: 2*timeout + lockMargin,
	}
}

func (s *Service) Submit(ctx context.Context, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	if invoiceID == 0 {
		return nil, invoicedomain.ErrInvalidInvoiceID
	}
	release, err := s.acquire(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	defer release()

	return s.submitLocked(ctx, invoiceID)
}

func (s *Service) CreateAndSubmit(ctx context.Context, req invoicedomain.CreateInvoiceRequest) (*invoicedomain.Invoice, error) {
	invoice, err := s.invoices.CreateInvoiceForBill(ctx, req)
	if err != nil {
		return nil, err
	}
	if invoice.Status != invoicedomain.StatusPending {
		return invoice, nil
	}
	submitted, err := s.Submit(ctx, invoice.ID)
	if submitted == nil {
		submitted = invoice
	}
	return submitted, err
}

// Cancel takes the same in-flight lock as Submit so a cancel cannot slip in
// between a provider call and the recording of its outcome on this node.
func (s *Service) Cancel(ctx context.Context, invoiceID snowflake.ID, reason string) (*invoicedomain.Invoice, error) {
	if invoiceID == 0 {
		return nil, invoicedomain.ErrInvalidInvoiceID
	}
	release, err := s.acquire(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	defer release()

	return s.invoices.Cancel(ctx, invoiceID, reason)
}

// RetryDue resubmits pending documents whose backoff has elapsed. Documents
// locked by another submission are skipped; a throttled provider ends the
// sweep early.
func (s *Service) RetryDue(ctx context.Context, limit int) (submissiondomain.RetrySummary, error) {
	var summary submissiondomain.RetrySummary

	due, err := s.invoices.ListDueForRetry(ctx, s.policy.Get().SubmissionGrace, limit)
	if err != nil {
		return summary, err
	}
	summary.Scanned = len(due)

	for _, invoice := range due {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		updated, err := s.Submit(ctx, invoice.ID)
		switch {
		case errors.Is(err, submissiondomain.ErrSubmissionInFlight):
			summary.Skipped++
			continue
		case errors.Is(err, submissiondomain.ErrProviderThrottled):
			summary.Throttled = true
			return summary, nil
		case errors.Is(err, invoicedomain.ErrInvalidTransition):
			summary.Skipped++
			continue
		}
		if updated == nil {
			summary.Errored++
			s.log.Warn("retry submission failed",
				zap.String("invoice_id", invoice.ID.String()),
				zap.String("number", invoice.Number()),
				zap.Error(err),
			)
			continue
		}

		switch updated.Status {
		case invoicedomain.StatusSent:
			summary.Accepted++
		case invoicedomain.StatusFailed:
			summary.Failed++
		case invoicedomain.StatusPending:
			summary.Retrying++
		default:
			summary.Skipped++
		}
	}
	return summary, nil
}

func (s *Service) PendingBacklog(ctx context.Context) (int64, error) {
	count, err := s.invoices.CountByStatus(ctx, invoicedomain.StatusPending)
	if err != nil {
		return 0, err
	}
	s.metrics.SetPendingBacklog(count)
	return count, nil
}

func (s *Service) acquire(ctx context.Context, invoiceID snowflake.ID) (func(), error) {
	key := ratelimit.SubmissionLockKey(invoiceID.String())
	token, ok, err := s.locker.TryLock(ctx, key, s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire submission lock: %w", err)
	}
	if !ok {
		return nil, submissiondomain.ErrSubmissionInFlight
	}
	return func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.log.Warn("release submission lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

func (s *Service) submitLocked(ctx context.Context, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	invoice, err := s.invoices.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	switch invoice.Status {
	case invoicedomain.StatusSent:
		return invoice, nil
	case invoicedomain.StatusFailed, invoicedomain.StatusCancelled:
		return invoice, fmt.Errorf("%w: submit from %s", invoicedomain.ErrInvalidTransition, invoice.Status)
	}

	if ok, wait := s.throttle.Allow(ctx, s.provider.Name()); !ok {
		return invoice, fmt.Errorf("%w: retry in %s", submissiondomain.ErrProviderThrottled, wait)
	}

	doc, err := s.document(ctx, invoice)
	if err != nil {
		return invoice, err
	}

	log := logger.WithInvoice(logger.WithContext(ctx, s.log), invoice.ID.String(), invoice.Prefix, invoice.SequentialNumber).
		With(zap.String("correlation_id", doc.CorrelationID))
	log.Info("submitting fiscal document", zap.Int("attempt_count", invoice.AttemptCount))

	outcome := s.provider.Submit(ctx, doc)
	s.metrics.IncSubmissionOutcome(string(outcome.Kind))

	attempt := &invoicedomain.SubmissionAttempt{
		CorrelationID: doc.CorrelationID,
		Code:          outcome.Code,
		Message:       outcome.Message,
		Payload:       rawPayload(outcome.Raw),
		DurationMs:    outcome.Duration.Milliseconds(),
	}

	switch outcome.Kind {
	case fiscaldomain.OutcomeAccepted:
		return s.applyAccepted(ctx, invoice, outcome, attempt)
	case fiscaldomain.OutcomeRejectedPermanent:
		return s.applyPermanent(ctx, invoice, outcome, attempt)
	default:
		return s.applyRetryable(ctx, invoice, outcome, attempt)
	}
}

func (s *Service) applyAccepted(ctx context.Context, invoice *invoicedomain.Invoice, outcome fiscaldomain.Outcome, attempt *invoicedomain.SubmissionAttempt) (*invoicedomain.Invoice, error) {
	resp := invoicedomain.FiscalResponse{
		InvoiceNumber: outcome.Acceptance.InvoiceNumber,
		CUFE:          outcome.Acceptance.CUFE,
		QRCode:        outcome.Acceptance.QRCode,
		TransactionID: outcome.Acceptance.TransactionID,
		Raw:           attempt.Payload,
		SentAt:        s.clock.Now(),
	}

	updated, err := s.invoices.MarkSent(ctx, invoice.ID, resp, attempt)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, invoicedomain.ErrInvalidTransition) {
		return invoice, err
	}

	// The document left pending while the provider was working on it.
	flagged, flagErr := s.invoices.FlagReconciliation(ctx, invoice.ID, resp, attempt)
	if flagErr != nil {
		return invoice, errors.Join(submissiondomain.ErrLateAcceptance, flagErr)
	}
	s.metrics.IncReconciliation()

	entry := submissiondomain.ReconciliationEntry{
		InvoiceID:     flagged.ID.String(),
		Number:        flagged.Number(),
		Status:        string(flagged.Status),
		CUFE:          resp.CUFE,
		TransactionID: resp.TransactionID,
		CorrelationID: attempt.CorrelationID,
		Payload:       json.RawMessage(attempt.Payload),
		DetectedAt:    s.clock.Now(),
	}
	if err := s.queue.Push(ctx, entry); err != nil {
		s.log.Error("push reconciliation entry", zap.String("invoice_id", entry.InvoiceID), zap.Error(err))
	}
	return flagged, fmt.Errorf("%w: %s accepted while %s", submissiondomain.ErrLateAcceptance, flagged.Number(), flagged.Status)
}

func (s *Service) applyPermanent(ctx context.Context, invoice *invoicedomain.Invoice, outcome fiscaldomain.Outcome, attempt *invoicedomain.SubmissionAttempt) (*invoicedomain.Invoice, error) {
	diag := invoicedomain.Diagnostic{Code: outcome.Code, Message: outcome.Message, Raw: attempt.Payload}
	updated, err := s.invoices.MarkFailed(ctx, invoice.ID, diag, attempt)
	if err != nil {
		return s.afterLostRace(ctx, invoice, err)
	}
	return updated, outcome.Err()
}

func (s *Service) applyRetryable(ctx context.Context, invoice *invoicedomain.Invoice, outcome fiscaldomain.Outcome, attempt *invoicedomain.SubmissionAttempt) (*invoicedomain.Invoice, error) {
	policy := s.policy.Get()
	attempts := invoice.AttemptCount + 1

	if policy.BudgetExhausted(attempts) {
		diag := invoicedomain.Diagnostic{
			Code:    invoicedomain.CodeRetryBudgetExhausted,
			Message: fmt.Sprintf("%d retryable rejections, last %s: %s", attempts, outcome.Code, outcome.Message),
			Raw:     attempt.Payload,
		}
		updated, err := s.invoices.MarkFailed(ctx, invoice.ID, diag, attempt)
		if err != nil {
			return s.afterLostRace(ctx, invoice, err)
		}
		return updated, &fiscaldomain.RejectionError{
			Code:      invoicedomain.CodeRetryBudgetExhausted,
			Message:   diag.Message,
			Permanent: true,
			Raw:       outcome.Raw,
		}
	}

	diag := invoicedomain.Diagnostic{Code: outcome.Code, Message: outcome.Message, Raw: attempt.Payload}
	next := s.clock.Now().Add(policy.BackoffFor(attempts))
	updated, err := s.invoices.RecordRetryable(ctx, invoice.ID, diag, next, attempt)
	if err != nil {
		return s.afterLostRace(ctx, invoice, err)
	}
	return updated, outcome.Err()
}

// afterLostRace handles a rejection that arrived after the document was
// cancelled; there is nothing left to record on the document.
func (s *Service) afterLostRace(ctx context.Context, invoice *invoicedomain.Invoice, err error) (*invoicedomain.Invoice, error) {
	if !errors.Is(err, invoicedomain.ErrInvalidTransition) {
		return invoice, err
	}
	current, getErr := s.invoices.Get(ctx, invoice.ID)
	if getErr != nil {
		return invoice, err
	}
	s.log.Warn("rejection arrived after document left pending",
		zap.String("invoice_id", current.ID.String()),
		zap.String("status", string(current.Status)),
	)
	return current, err
}

func (s *Service) document(ctx context.Context, invoice *invoicedomain.Invoice) (fiscaldomain.Document, error) {
	doc := fiscaldomain.Document{
		InvoiceID:        invoice.ID.String(),
		CorrelationID:    ulid.Make().String(),
		Kind:             fiscaldomain.KindInvoice,
		Prefix:           invoice.Prefix,
		Number:           invoice.SequentialNumber,
		ResolutionNumber: invoice.ResolutionNumber,
		ResolutionFrom:   invoice.ResolutionFrom,
		ResolutionTo:     invoice.ResolutionTo,
		ResolutionStart:  invoice.ResolutionStartDate,
		ResolutionEnd:    invoice.ResolutionEndDate,
		IssuedAt:         invoice.CreatedAt,
		Buyer: fiscaldomain.Party{
			ID:    invoice.Buyer.ID,
			Name:  invoice.Buyer.Name,
			TaxID: invoice.Buyer.TaxID,
			Email: invoice.Buyer.Email,
		},
		Seller: fiscaldomain.Party{
			Name:  invoice.Seller.Name,
			TaxID: invoice.Seller.TaxID,
			Email: invoice.Seller.Email,
		},
		Net:            invoice.NetAmount,
		Tax:            invoice.TaxAmount,
		Total:          invoice.TotalAmount,
		Currency:       invoice.Currency,
		OrderReference: invoice.OrderReference,
	}
	if !invoice.IsCreditNote() {
		return doc, nil
	}

	doc.Kind = fiscaldomain.KindCreditNote
	if invoice.CreditReason != nil {
		doc.CreditReason = *invoice.CreditReason
	}
	if invoice.OriginalInvoiceID == nil {
		return doc, fmt.Errorf("credit note %s has no original invoice", invoice.Number())
	}
	original, err := s.invoices.Get(ctx, *invoice.OriginalInvoiceID)
	if err != nil {
		return doc, fmt.Errorf("load original of %s: %w", invoice.Number(), err)
	}
	doc.OriginalNumber = original.Number()
	if original.InvoiceNumber != nil && *original.InvoiceNumber != "" {
		doc.OriginalNumber = *original.InvoiceNumber
	}
	if original.CUFE != nil {
		doc.OriginalCUFE = *original.CUFE
	}
	doc.OriginalIssuedAt = original.CreatedAt
	return doc, nil
}

// rawPayload keeps provider bodies storable in a JSON column.
func rawPayload(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return datatypes.JSON(raw)
	}
	wrapped, err := json.Marshal(map[string]string{"raw": string(raw)})
	if err != nil {
		return nil
	}
	return datatypes.JSON(wrapped)
}
