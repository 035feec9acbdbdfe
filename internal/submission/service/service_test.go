package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	auditrepository "github.com/smallbiznis/hotelier/internal/audit/repository"
	auditservice "github.com/smallbiznis/hotelier/internal/audit/service"
	"github.com/smallbiznis/hotelier/internal/clock"
	"github.com/smallbiznis/hotelier/internal/config"
	invoicedomain "github.com/smallbiznis/hotelier/internal/invoice/domain"
	invoicerepository "github.com/smallbiznis/hotelier/internal/invoice/repository"
	invoiceservice "github.com/smallbiznis/hotelier/internal/invoice/service"
	"github.com/smallbiznis/hotelier/internal/observability/metrics"
	fiscaldomain "github.com/smallbiznis/hotelier/internal/providers/fiscal/domain"
	"github.com/smallbiznis/hotelier/internal/ratelimit"
	sequencerepository "github.com/smallbiznis/hotelier/internal/sequence/repository"
	sequenceservice "github.com/smallbiznis/hotelier/internal/sequence/service"
	submissiondomain "github.com/smallbiznis/hotelier/internal/submission/domain"
	"github.com/smallbiznis/hotelier/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

// scriptedProvider replays outcomes in order and repeats the last one.
type scriptedProvider struct {
	mu       sync.Mutex
	outcomes []fiscaldomain.Outcome
	calls    []fiscaldomain.Document
	before   func(doc fiscaldomain.Document)
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Submit(_ context.Context, doc fiscaldomain.Document) fiscaldomain.Outcome {
	p.mu.Lock()
	p.calls = append(p.calls, doc)
	idx := len(p.calls) - 1
	if idx >= len(p.outcomes) {
		idx = len(p.outcomes) - 1
	}
	outcome := p.outcomes[idx]
	before := p.before
	p.mu.Unlock()

	if before != nil {
		before(doc)
	}
	return outcome
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type memoryQueue struct {
	mu      sync.Mutex
	entries []submissiondomain.ReconciliationEntry
}

func (q *memoryQueue) Push(_ context.Context, entry submissiondomain.ReconciliationEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entry)
	return nil
}

func (q *memoryQueue) Length(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.entries)), nil
}

type fixture struct {
	clock    *clock.FakeClock
	invoices invoicedomain.Service
	provider *scriptedProvider
	queue    *memoryQueue
	locker   *ratelimit.LocalLocker
	registry *prometheus.Registry
	accel    *testutil.TimeAccelerator
	svc      submissiondomain.Service
}

func newFixture(t *testing.T, policy config.FiscalPolicy, outcomes ...fiscaldomain.Outcome) *fixture {
	t.Helper()

	conn := testutil.OpenDB(t)
	node := testutil.Node(t)
	fake := clock.NewFakeClock(now)
	testutil.SeedWindow(t, conn, node, testutil.Window{
		Prefix:    "FEH",
		From:      1,
		To:        100,
		ValidFrom: now.AddDate(0, -1, 0),
		ValidTo:   now.AddDate(1, 0, 0),
	})

	audit := auditservice.NewService(auditservice.Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  auditrepository.Provide(),
		Clock: fake,
	})
	invoices := invoiceservice.NewService(invoiceservice.ServiceParam{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Cfg: config.Config{
			InvoicePrefix: "FEH",
			Currency:      "COP",
			Seller:        config.SellerConfig{Name: "Hotel Andino SAS", TaxID: "900123456"},
		},
		Clock: fake,
		Repo:  invoicerepository.Provide(),
		Allocator: sequenceservice.NewAllocator(sequenceservice.Params{
			Log:   zap.NewNop(),
			Repo:  sequencerepository.Provide(),
			Clock: fake,
		}),
		AuditSvc: audit,
	})

	registry := prometheus.NewRegistry()
	provider := &scriptedProvider{outcomes: outcomes}
	queue := &memoryQueue{}
	locker := ratelimit.NewLocalLocker(fake)
	svc := NewService(Params{
		Log:      zap.NewNop(),
		Cfg:      config.Config{Taxxa: config.TaxxaConfig{Timeout: 5 * time.Second}},
		Policy:   config.NewStaticFiscalPolicyHolder(policy),
		Clock:    fake,
		Invoices: invoices,
		Provider: provider,
		Locker:   locker,
		Queue:    queue,
		Metrics:  metrics.NewFiscalMetricsForTest(registry),
	})

	return &fixture{
		clock:    fake,
		invoices: invoices,
		provider: provider,
		queue:    queue,
		locker:   locker,
		registry: registry,
		accel:    testutil.NewTimeAccelerator(conn),
		svc:      svc,
	}
}

func (f *fixture) createPending(t *testing.T, billID string) *invoicedomain.Invoice {
	t.Helper()
	invoice, err := f.invoices.CreateInvoiceForBill(context.Background(), billRequest(billID))
	require.NoError(t, err)
	return invoice
}

func billRequest(billID string) invoicedomain.CreateInvoiceRequest {
	return invoicedomain.CreateInvoiceRequest{
		BillID: billID,
		Buyer: invoicedomain.Buyer{
			ID:    "guest-3",
			Name:  "Carlos Ruiz",
			TaxID: "79888111",
		},
		NetAmount:   decimal.NewFromInt(200000),
		TaxAmount:   decimal.NewFromInt(38000),
		TotalAmount: decimal.NewFromInt(238000),
	}
}

func accepted(cufe string) fiscaldomain.Outcome {
	return fiscaldomain.Accepted(fiscaldomain.Acceptance{
		InvoiceNumber: "FEH1",
		CUFE:          cufe,
		QRCode:        "qr-" + cufe,
		TransactionID: "tx-" + cufe,
	}, []byte(`{"rerror":0}`))
}

func TestSubmitAcceptedMarksSent(t *testing.T) {
	f := newFixture(t, config.DefaultFiscalPolicy(), accepted("cufe-1"))
	ctx := context.Background()
	invoice := f.createPending(t, "bill-1")

	sent, err := f.svc.Submit(ctx, invoice.ID)
	require.NoError(t, err)

	assert.Equal(t, invoicedomain.StatusSent, sent.Status)
	require.NotNil(t, sent.CUFE)
	assert.Equal(t, "cufe-1", *sent.CUFE)
	assert.JSONEq(t, `{"rerror":0}`, string(sent.TaxxaResponse))

	attempts, err := f.invoices.ListAttempts(ctx, invoice.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, invoicedomain.OutcomeAccepted, attempts[0].Outcome)
	assert.Len(t, attempts[0].CorrelationID, 26)
	assert.Equal(t, f.provider.calls[0].CorrelationID, attempts[0].CorrelationID)
	assert.Equal(t, invoicedomain.StatusPending, attempts[0].StatusBefore)
	assert.Equal(t, invoicedomain.StatusSent, attempts[0].StatusAfter)

	assert.Equal(t, int64(1), f.provider.calls[0].Number)
	assert.Equal(t, fiscaldomain.KindInvoice, f.provider.calls[0].Kind)
	count, err := promtestutil.GatherAndCount(f.registry, "hotelier_submission_outcomes_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSubmitSentDocumentIsNoop(t *testing.T) {
	f := newFixture(t, config.DefaultFiscalPolicy(), accepted("cufe-1"))
	ctx := context.Background()
	invoice := f.createPending(t, "bill-1")

	_, err := f.svc.Submit(ctx, invoice.ID)
	require.NoError(t, err)
	again, err := f.svc.Submit(ctx, invoice.ID)
	require.NoError(t, err)

	assert.Equal(t, invoicedomain.StatusSent, again.Status)
	assert.Equal(t, 1, f.provider.callCount())
}

func TestSubmitPermanentRejectionFails(t *testing.T) {
	f := newFixture(t, config.DefaultFiscalPolicy(),
		fiscaldomain.Permanent("1302", "document_duplicated: exists", []byte(`{"rerror":1302}`)))
	ctx := context.Background()
	invoice := f.createPending(t, "bill-1")

	failed, err := f.svc.Submit(ctx, invoice.ID)
	require.Error(t, err)
	assert.True(t, fiscaldomain.IsPermanentRejection(err))

	assert.Equal(t, invoicedomain.StatusFailed, failed.Status)
	require.NotNil(t, failed.LastErrorCode)
	assert.Equal(t, "1302", *failed.LastErrorCode)

	// the number stays consumed
	next := f.createPending(t, "bill-2")
	assert.Equal(t, int64(2), next.SequentialNumber)

	_, err = f.svc.Submit(ctx, invoice.ID)
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidTransition)
	assert.Equal(t, 1, f.provider.callCount())
}

func TestSubmitRetryableSchedulesBackoff(t *testing.T) {
	f := newFixture(t, config.DefaultFiscalPolicy(),
		fiscaldomain.Retryable(fiscaldomain.CodeTimeout, "deadline exceeded", nil))
	ctx := context.Background()
	invoice := f.createPending(t, "bill-1")

	pending, err := f.svc.Submit(ctx, invoice.ID)
	require.Error(t, err)
	assert.True(t, fiscaldomain.IsRetryableRejection(err))

	assert.Equal(t, invoicedomain.StatusPending, pending.Status)
	assert.Equal(t, 1, pending.AttemptCount)
	require.NotNil(t, pending.NextAttemptAt)
	assert.True(t, pending.NextAttemptAt.Equal(now.Add(time.Minute)))

	f.clock.Advance(2 * time.Minute)
	pending, err = f.svc.Submit(ctx, invoice.ID)
	require.Error(t, err)
	assert.Equal(t, 2, pending.AttemptCount)
	assert.True(t, pending.NextAttemptAt.Equal(now.Add(2*time.Minute).Add(2*time.Minute)))
}

func TestSubmitRetryBudgetExhaustion(t *testing.T) {
	policy := config.DefaultFiscalPolicy()
	policy.MaxRetryableAttempts = 2
	f := newFixture(t, policy, fiscaldomain.Retryable("http_503", "Service Unavailable", nil))
	ctx := context.Background()
	invoice := f.createPending(t, "bill-1")

	pending, err := f.svc.Submit(ctx, invoice.ID)
	require.Error(t, err)
	assert.Equal(t, invoicedomain.StatusPending, pending.Status)

	failed, err := f.svc.Submit(ctx, invoice.ID)
	require.Error(t, err)
	assert.True(t, fiscaldomain.IsPermanentRejection(err))
	assert.Equal(t, invoicedomain.StatusFailed, failed.Status)
	require.NotNil(t, failed.LastErrorCode)
	assert.Equal(t, invoicedomain.CodeRetryBudgetExhausted, *failed.LastErrorCode)

	attempts, err := f.invoices.ListAttempts(ctx, invoice.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "http_503", attempts[1].Code)
	assert.Equal(t, invoicedomain.StatusFailed, attempts[1].StatusAfter)
}

func TestLateAcceptanceAfterCancelIsFlagged(t *testing.T) {
	f := newFixture(t, config.DefaultFiscalPolicy(), accepted("cufe-late"))
	ctx := context.Background()
	invoice := f.createPending(t, "bill-1")

	// Another node cancels through the store while the provider is working.
	f.provider.before = func(fiscaldomain.Document) {
		_, err := f.invoices.Cancel(ctx, invoice.ID, "guest disputed")
		require.NoError(t, err)
	}

	flagged, err := f.svc.Submit(ctx, invoice.ID)
	require.ErrorIs(t, err, submissiondomain.ErrLateAcceptance)

	assert.Equal(t, invoicedomain.StatusCancelled, flagged.Status)
	assert.True(t, flagged.ReconciliationRequired)
	require.NotNil(t, flagged.ReconciliationNote)
	assert.Contains(t, *flagged.ReconciliationNote, "cufe-late")
	assert.Nil(t, flagged.CUFE)

	require.Len(t, f.queue.entries, 1)
	assert.Equal(t, "cufe-late", f.queue.entries[0].CUFE)
	assert.Equal(t, "cancelled", f.queue.entries[0].Status)

	attempts, err := f.invoices.ListAttempts(ctx, invoice.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, invoicedomain.OutcomeLateAccepted, attempts[0].Outcome)
}

func TestSubmitInFlightGuard(t *testing.T) {
	f := newFixture(t, config.DefaultFiscalPolicy(), accepted("cufe-1"))
	ctx := context.Background()
	invoice := f.createPending(t, "bill-1")

	token, ok, err := f.locker.TryLock(ctx, ratelimit.SubmissionLockKey(invoice.ID.String()), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.Submit(ctx, invoice.ID)
	assert.ErrorIs(t, err, submissiondomain.ErrSubmissionInFlight)
	_, err = f.svc.Cancel(ctx, invoice.ID, "walk-in")
	assert.ErrorIs(t, err, submissiondomain.ErrSubmissionInFlight)
	assert.Zero(t, f.provider.callCount())

	require.NoError(t, f.locker.Release(ctx, ratelimit.SubmissionLockKey(invoice.ID.String()), token))
	sent, err := f.svc.Submit(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusSent, sent.Status)
}

func TestSubmitReleasesLockAfterRejection(t *testing.T) {
	f := newFixture(t, config.DefaultFiscalPolicy(),
		fiscaldomain.Retryable(fiscaldomain.CodeTransport, "connection refused", nil),
		accepted("cufe-2"))
	ctx := context.Background()
	invoice := f.createPending(t, "bill-1")

	_, err := f.svc.Submit(ctx, invoice.ID)
	require.Error(t, err)

	sent, err := f.svc.Submit(ctx, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusSent, sent.Status)
}

func TestCancelPendingThroughOrchestrator(t *testing.T) {
	f := newFixture(t, config.DefaultFiscalPolicy(), accepted("cufe-1"))
	ctx := context.Background()
	invoice := f.createPending(t, "bill-1")

	cancelled, err := f.svc.Cancel(ctx, invoice.ID, "duplicate folio")
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusCancelled, cancelled.Status)

	_, err = f.svc.Submit(ctx, invoice.ID)
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidTransition)
	assert.Zero(t, f.provider.callCount())
}

func TestCreateAndSubmit(t *testing.T) {
	f := newFixture(t, config.DefaultFiscalPolicy(), accepted("cufe-1"))

	invoice, err := f.svc.CreateAndSubmit(context.Background(), billRequest("bill-1"))
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusSent, invoice.Status)

	again, err := f.svc.CreateAndSubmit(context.Background(), billRequest("bill-1"))
	require.NoError(t, err)
	assert.Equal(t, invoice.ID, again.ID)
	assert.Equal(t, 1, f.provider.callCount())
}

func TestCreateAndSubmitReturnsPendingOnRetryable(t *testing.T) {
	f := newFixture(t, config.DefaultFiscalPolicy(),
		fiscaldomain.Retryable(fiscaldomain.CodeCircuitOpen, "provider circuit is open", nil))

	invoice, err := f.svc.CreateAndSubmit(context.Background(), billRequest("bill-1"))
	require.Error(t, err)
	require.NotNil(t, invoice)
	assert.Equal(t, invoicedomain.StatusPending, invoice.Status)
}

func TestRetryDueSweepsOnlyDueDocuments(t *testing.T) {
	f := newFixture(t, config.DefaultFiscalPolicy(),
		fiscaldomain.Retryable(fiscaldomain.CodeTimeout, "deadline exceeded", nil),
		accepted("cufe-1"))
	ctx := context.Background()

	retried := f.createPending(t, "bill-1")
	_, err := f.svc.Submit(ctx, retried.ID)
	require.Error(t, err)

	fresh := f.createPending(t, "bill-2")

	// backoff not elapsed and fresh document still inside the grace period
	summary, err := f.svc.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Scanned)

	f.clock.Advance(90 * time.Second)
	summary, err = f.svc.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, submissiondomain.RetrySummary{Scanned: 1, Accepted: 1}, summary)

	stored, err := f.invoices.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusPending, stored.Status)

	f.clock.Advance(time.Minute)
	summary, err = f.svc.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, submissiondomain.RetrySummary{Scanned: 1, Accepted: 1}, summary)
}

func TestRetryDueSkipsLockedDocuments(t *testing.T) {
	f := newFixture(t, config.DefaultFiscalPolicy(), accepted("cufe-1"))
	ctx := context.Background()
	invoice := f.createPending(t, "bill-1")
	f.clock.Advance(10 * time.Minute)

	_, ok, err := f.locker.TryLock(ctx, ratelimit.SubmissionLockKey(invoice.ID.String()), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	summary, err := f.svc.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, submissiondomain.RetrySummary{Scanned: 1, Skipped: 1}, summary)
}

func TestPendingBacklog(t *testing.T) {
	f := newFixture(t, config.DefaultFiscalPolicy(), accepted("cufe-1"))
	f.createPending(t, "bill-1")
	f.createPending(t, "bill-2")

	count, err := f.svc.PendingBacklog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	gauge, err := promtestutil.GatherAndCount(f.registry, "hotelier_invoices_pending")
	require.NoError(t, err)
	assert.Equal(t, 1, gauge)
}

func TestSubmitUnknownInvoice(t *testing.T) {
	f := newFixture(t, config.DefaultFiscalPolicy(), accepted("cufe-1"))

	_, err := f.svc.Submit(context.Background(), snowflake.ID(12345))
	assert.ErrorIs(t, err, invoicedomain.ErrInvoiceNotFound)

	_, err = f.svc.Submit(context.Background(), 0)
	assert.True(t, errors.Is(err, invoicedomain.ErrInvalidInvoiceID))
}

func TestRawPayloadWrapsNonJSON(t *testing.T) {
	assert.Nil(t, rawPayload(nil))
	assert.JSONEq(t, `{"a":1}`, string(rawPayload([]byte(`{"a":1}`))))
	assert.JSONEq(t, `{"raw":"<html>"}`, string(rawPayload([]byte("<html>"))))
}
