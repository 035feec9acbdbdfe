package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	auditrepository "github.com/smallbiznis/hotelier/internal/audit/repository"
	auditservice "github.com/smallbiznis/hotelier/internal/audit/service"
	"github.com/smallbiznis/hotelier/internal/clock"
	"github.com/smallbiznis/hotelier/internal/config"
	invoicedomain "github.com/smallbiznis/hotelier/internal/invoice/domain"
	"github.com/smallbiznis/hotelier/internal/invoice/repository"
	sequencedomain "github.com/smallbiznis/hotelier/internal/sequence/domain"
	sequencerepository "github.com/smallbiznis/hotelier/internal/sequence/repository"
	sequenceservice "github.com/smallbiznis/hotelier/internal/sequence/service"
	"github.com/smallbiznis/hotelier/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var now = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db    *gorm.DB
	clock *clock.FakeClock
	svc   invoicedomain.Service
	accel *testutil.TimeAccelerator
}

func newFixture(t *testing.T, from, to int64) *fixture {
	t.Helper()

	conn := testutil.OpenDB(t)
	node := testutil.Node(t)
	fake := clock.NewFakeClock(now)
	testutil.SeedWindow(t, conn, node, testutil.Window{
		Prefix:    "FEH",
		From:      from,
		To:        to,
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
	allocator := sequenceservice.NewAllocator(sequenceservice.Params{
		Log:   zap.NewNop(),
		Repo:  sequencerepository.Provide(),
		Clock: fake,
	})
	svc := NewService(ServiceParam{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Cfg: config.Config{
			InvoicePrefix: "FEH",
			Currency:      "COP",
			Seller:        config.SellerConfig{Name: "Hotel Andino SAS", TaxID: "900123456"},
		},
		Clock:     fake,
		Repo:      repository.Provide(),
		Allocator: allocator,
		AuditSvc:  audit,
	})
	return &fixture{db: conn, clock: fake, svc: svc, accel: testutil.NewTimeAccelerator(conn)}
}

func billRequest(billID string, net, tax int64) invoicedomain.CreateInvoiceRequest {
	return invoicedomain.CreateInvoiceRequest{
		BillID: billID,
		Buyer: invoicedomain.Buyer{
			ID:    "guest-17",
			Name:  "Laura Gomez",
			TaxID: "1020304050",
			Email: "laura@example.com",
		},
		NetAmount:      decimal.NewFromInt(net),
		TaxAmount:      decimal.NewFromInt(tax),
		TotalAmount:    decimal.NewFromInt(net + tax),
		OrderReference: "folio-" + billID,
	}
}

func acceptance(cufe string) invoicedomain.FiscalResponse {
	return invoicedomain.FiscalResponse{
		InvoiceNumber: "FEH1000",
		CUFE:          cufe,
		QRCode:        "https://catalogo-vpfe.dian.gov.co/document/searchqr?documentkey=" + cufe,
		TransactionID: "tx-" + cufe,
		Raw:           datatypes.JSON(`{"rerror":0}`),
		SentAt:        now,
	}
}

func TestCreateInvoiceForBillAllocatesAndSnapshots(t *testing.T) {
	f := newFixture(t, 1000, 1999)
	ctx := context.Background()

	invoice, err := f.svc.CreateInvoiceForBill(ctx, billRequest("bill-1", 100000, 19000))
	require.NoError(t, err)

	assert.Equal(t, invoicedomain.StatusPending, invoice.Status)
	assert.Equal(t, "FEH", invoice.Prefix)
	assert.Equal(t, int64(1000), invoice.SequentialNumber)
	assert.Equal(t, "FEH1000", invoice.Number())
	assert.Equal(t, int64(1000), invoice.ResolutionFrom)
	assert.Equal(t, int64(1999), invoice.ResolutionTo)
	assert.Equal(t, "COP", invoice.Currency)
	assert.Equal(t, "Hotel Andino SAS", invoice.Seller.Name)
	assert.Equal(t, "1020304050", invoice.Buyer.TaxID)
	assert.Nil(t, invoice.CUFE)

	stored, err := f.svc.Get(ctx, invoice.ID)
	require.NoError(t, err)
	assert.True(t, stored.TotalAmount.Equal(decimal.NewFromInt(119000)))
}

func TestCreateInvoiceForBillIsIdempotentPerBill(t *testing.T) {
	f := newFixture(t, 1, 100)
	ctx := context.Background()

	first, err := f.svc.CreateInvoiceForBill(ctx, billRequest("bill-9", 500, 95))
	require.NoError(t, err)
	again, err := f.svc.CreateInvoiceForBill(ctx, billRequest("bill-9", 500, 95))
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	seq, err := f.accel.SequenceState(ctx, "FEH")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq.LastNumber)
}

func TestCreateInvoiceForBillValidatesBeforeAllocating(t *testing.T) {
	f := newFixture(t, 1, 100)
	ctx := context.Background()

	mismatch := billRequest("bill-2", 100, 19)
	mismatch.TotalAmount = decimal.NewFromInt(120)
	_, err := f.svc.CreateInvoiceForBill(ctx, mismatch)
	assert.ErrorIs(t, err, invoicedomain.ErrAmountMismatch)

	negative := billRequest("bill-3", -100, 0)
	_, err = f.svc.CreateInvoiceForBill(ctx, negative)
	assert.ErrorIs(t, err, invoicedomain.ErrNegativeAmount)

	noBuyer := billRequest("bill-4", 100, 19)
	noBuyer.Buyer.TaxID = ""
	_, err = f.svc.CreateInvoiceForBill(ctx, noBuyer)
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidBuyer)

	_, err = f.svc.CreateInvoiceForBill(ctx, billRequest(" ", 100, 19))
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidBillID)

	seq, err := f.accel.SequenceState(ctx, "FEH")
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq.LastNumber)
}

func TestCreateInvoiceForBillExhaustedWritesNothing(t *testing.T) {
	f := newFixture(t, 1, 1)
	ctx := context.Background()

	_, err := f.svc.CreateInvoiceForBill(ctx, billRequest("bill-a", 10, 0))
	require.NoError(t, err)

	_, err = f.svc.CreateInvoiceForBill(ctx, billRequest("bill-b", 10, 0))
	assert.ErrorIs(t, err, sequencedomain.ErrResolutionExhausted)

	var count int64
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestMarkSentIsIdempotent(t *testing.T) {
	f := newFixture(t, 1000, 1999)
	ctx := context.Background()

	invoice, err := f.svc.CreateInvoiceForBill(ctx, billRequest("bill-1", 100, 19))
	require.NoError(t, err)

	sent, err := f.svc.MarkSent(ctx, invoice.ID, acceptance("cufe-1"), &invoicedomain.SubmissionAttempt{CorrelationID: "01J0000000000000000000000A"})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusSent, sent.Status)
	require.NotNil(t, sent.CUFE)
	assert.Equal(t, "cufe-1", *sent.CUFE)
	assert.Nil(t, sent.NextAttemptAt)

	again, err := f.svc.MarkSent(ctx, invoice.ID, acceptance("cufe-1"), &invoicedomain.SubmissionAttempt{CorrelationID: "01J0000000000000000000000B"})
	require.NoError(t, err)
	assert.Equal(t, sent.UpdatedAt, again.UpdatedAt)

	attempts, err := f.svc.ListAttempts(ctx, invoice.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, 1, attempts[0].Attempt)
	assert.Equal(t, invoicedomain.StatusPending, attempts[0].StatusBefore)
	assert.Equal(t, invoicedomain.StatusSent, attempts[0].StatusAfter)

	_, err = f.svc.MarkSent(ctx, invoice.ID, acceptance("cufe-other"), nil)
	assert.ErrorIs(t, err, invoicedomain.ErrConflictingFiscalResponse)

	_, err = f.svc.MarkSent(ctx, invoice.ID, invoicedomain.FiscalResponse{}, nil)
	assert.ErrorIs(t, err, invoicedomain.ErrMissingCUFE)
}

func TestTerminalStatesRejectFurtherTransitions(t *testing.T) {
	f := newFixture(t, 1, 100)
	ctx := context.Background()

	invoice, err := f.svc.CreateInvoiceForBill(ctx, billRequest("bill-1", 100, 19))
	require.NoError(t, err)

	diag := invoicedomain.Diagnostic{Code: "1302", Message: "document_duplicated"}
	failed, err := f.svc.MarkFailed(ctx, invoice.ID, diag, &invoicedomain.SubmissionAttempt{CorrelationID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusFailed, failed.Status)
	require.NotNil(t, failed.FailedAt)

	again, err := f.svc.MarkFailed(ctx, invoice.ID, diag, nil)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusFailed, again.Status)

	_, err = f.svc.MarkSent(ctx, invoice.ID, acceptance("late"), nil)
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidTransition)

	_, err = f.svc.Cancel(ctx, invoice.ID, "guest left")
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidTransition)

	_, err = f.svc.RecordRetryable(ctx, invoice.ID, diag, now.Add(time.Minute), nil)
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidTransition)
}

func TestRecordRetryableKeepsPending(t *testing.T) {
	f := newFixture(t, 1, 100)
	ctx := context.Background()

	invoice, err := f.svc.CreateInvoiceForBill(ctx, billRequest("bill-1", 100, 19))
	require.NoError(t, err)

	next := now.Add(2 * time.Minute)
	updated, err := f.svc.RecordRetryable(ctx, invoice.ID, invoicedomain.Diagnostic{Code: "http_503", Message: "unavailable"}, next, &invoicedomain.SubmissionAttempt{CorrelationID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusPending, updated.Status)
	assert.Equal(t, 1, updated.AttemptCount)
	require.NotNil(t, updated.NextAttemptAt)
	assert.True(t, updated.NextAttemptAt.Equal(next))
	require.NotNil(t, updated.LastErrorCode)
	assert.Equal(t, "http_503", *updated.LastErrorCode)

	updated, err = f.svc.RecordRetryable(ctx, invoice.ID, invoicedomain.Diagnostic{Code: "timeout"}, next.Add(time.Minute), &invoicedomain.SubmissionAttempt{CorrelationID: "c2"})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.AttemptCount)

	attempts, err := f.svc.ListAttempts(ctx, invoice.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, 2, attempts[1].Attempt)
	assert.Equal(t, invoicedomain.OutcomeRejectedRetryable, attempts[1].Outcome)
}

func TestCancelPendingOnly(t *testing.T) {
	f := newFixture(t, 1, 100)
	ctx := context.Background()

	invoice, err := f.svc.CreateInvoiceForBill(ctx, billRequest("bill-1", 100, 19))
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, invoice.ID, "duplicate folio")
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelReason)
	assert.Equal(t, "duplicate folio", *cancelled.CancelReason)

	_, err = f.svc.Cancel(ctx, invoice.ID, "again")
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidTransition)

	next, err := f.svc.CreateInvoiceForBill(ctx, billRequest("bill-2", 100, 19))
	require.NoError(t, err)
	assert.Equal(t, invoice.SequentialNumber+1, next.SequentialNumber)
}

func TestFlagReconciliationKeepsStatus(t *testing.T) {
	f := newFixture(t, 1, 100)
	ctx := context.Background()

	invoice, err := f.svc.CreateInvoiceForBill(ctx, billRequest("bill-1", 100, 19))
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, invoice.ID, "walked out")
	require.NoError(t, err)

	flagged, err := f.svc.FlagReconciliation(ctx, invoice.ID, acceptance("cufe-late"), &invoicedomain.SubmissionAttempt{CorrelationID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusCancelled, flagged.Status)
	assert.True(t, flagged.ReconciliationRequired)
	require.NotNil(t, flagged.ReconciliationNote)
	assert.Contains(t, *flagged.ReconciliationNote, "cufe-late")
	assert.Nil(t, flagged.CUFE)

	attempts, err := f.svc.ListAttempts(ctx, invoice.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, invoicedomain.OutcomeLateAccepted, attempts[0].Outcome)
}

func TestDeleteOnlyTerminal(t *testing.T) {
	f := newFixture(t, 1, 100)
	ctx := context.Background()

	invoice, err := f.svc.CreateInvoiceForBill(ctx, billRequest("bill-1", 100, 19))
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Delete(ctx, invoice.ID), invoicedomain.ErrInvoiceNotTerminal)

	_, err = f.svc.MarkSent(ctx, invoice.ID, acceptance("cufe-1"), nil)
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, invoice.ID))

	_, err = f.svc.Get(ctx, invoice.ID)
	assert.ErrorIs(t, err, invoicedomain.ErrInvoiceNotFound)

	again, err := f.svc.CreateInvoiceForBill(ctx, billRequest("bill-1", 100, 19))
	require.NoError(t, err)
	assert.Equal(t, invoice.ID, again.ID)
}

func TestRevenueReport(t *testing.T) {
	f := newFixture(t, 1, 100)
	ctx := context.Background()

	a, err := f.svc.CreateInvoiceForBill(ctx, billRequest("bill-a", 1000, 190))
	require.NoError(t, err)
	b, err := f.svc.CreateInvoiceForBill(ctx, billRequest("bill-b", 500, 95))
	require.NoError(t, err)
	_, err = f.svc.CreateInvoiceForBill(ctx, billRequest("bill-c", 700, 133))
	require.NoError(t, err)

	_, err = f.svc.MarkSent(ctx, a.ID, acceptance("cufe-a"), nil)
	require.NoError(t, err)
	_, err = f.svc.MarkSent(ctx, b.ID, acceptance("cufe-b"), nil)
	require.NoError(t, err)

	report, err := f.svc.RevenueReport(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count)
	assert.True(t, report.Net.Equal(decimal.NewFromInt(1500)))
	assert.True(t, report.Tax.Equal(decimal.NewFromInt(285)))
	assert.True(t, report.Total.Equal(decimal.NewFromInt(1785)))
	assert.True(t, report.NetTotal.Equal(decimal.NewFromInt(1785)))

	_, err = f.svc.RevenueReport(ctx, now, now)
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidTimeRange)
}

func TestValidateAmounts(t *testing.T) {
	assert.NoError(t, ValidateAmounts(decimal.RequireFromString("84033.61"), decimal.RequireFromString("15966.39"), decimal.NewFromInt(100000)))
	assert.ErrorIs(t, ValidateAmounts(decimal.NewFromInt(1), decimal.NewFromInt(1), decimal.NewFromInt(3)), invoicedomain.ErrAmountMismatch)
	assert.ErrorIs(t, ValidateAmounts(decimal.NewFromInt(1), decimal.NewFromInt(-1), decimal.Zero), invoicedomain.ErrNegativeAmount)
	assert.ErrorIs(t, ValidateAmounts(decimal.RequireFromString("0.005"), decimal.RequireFromString("0.005"), decimal.RequireFromString("0.01")), invoicedomain.ErrAmountPrecision)
	assert.NoError(t, ValidateAmounts(decimal.RequireFromString("10.500"), decimal.RequireFromString("1.5"), decimal.NewFromInt(12)))
}
