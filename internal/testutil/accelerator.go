package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/hotelier/internal/invoice/domain"
	resolutiondomain "github.com/smallbiznis/hotelier/internal/resolution/domain"
	sequencedomain "github.com/smallbiznis/hotelier/internal/sequence/domain"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// Window describes a numbering authorization to seed.
type Window struct {
	Prefix       string
	DocumentType resolutiondomain.DocumentType
	From         int64
	To           int64
	ValidFrom    time.Time
	ValidTo      time.Time
	LastNumber   int64
}

// SeedWindow writes an active resolution and its counter directly, bypassing
// the admin service.
func SeedWindow(t testing.TB, db *gorm.DB, node *snowflake.Node, w Window) resolutiondomain.Resolution {
	t.Helper()

	if w.DocumentType == "" {
		w.DocumentType = resolutiondomain.DocumentTypeInvoice
	}
	if w.LastNumber == 0 {
		w.LastNumber = w.From - 1
	}
	now := time.Now().UTC()
	resolution := resolutiondomain.Resolution{
		ID:               node.Generate(),
		Prefix:           w.Prefix,
		DocumentType:     w.DocumentType,
		ResolutionNumber: "18760000001",
		RangeFrom:        w.From,
		RangeTo:          w.To,
		ValidFrom:        w.ValidFrom.UTC(),
		ValidTo:          w.ValidTo.UTC(),
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, db.Create(&resolution).Error)
	require.NoError(t, db.Create(&sequencedomain.Sequence{
		Prefix:           w.Prefix,
		ResolutionID:     resolution.ID,
		ResolutionNumber: resolution.ResolutionNumber,
		RangeFrom:        w.From,
		RangeTo:          w.To,
		ValidFrom:        resolution.ValidFrom,
		ValidTo:          resolution.ValidTo,
		LastNumber:       w.LastNumber,
		UpdatedAt:        now,
	}).Error)
	return resolution
}

// TimeAccelerator moves persisted timestamps so retry and expiry paths can be
// exercised without waiting.
type TimeAccelerator struct {
	db *gorm.DB
}

func NewTimeAccelerator(db *gorm.DB) *TimeAccelerator {
	return &TimeAccelerator{db: db}
}

// MakeDue pulls next_attempt_at of a pending document into the past.
func (ta *TimeAccelerator) MakeDue(ctx context.Context, invoiceID snowflake.ID, at time.Time) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET next_attempt_at = ?
		 WHERE id = ? AND status = ?`,
		at.Add(-time.Second),
		invoiceID,
		invoicedomain.StatusPending,
	).Error
}

// AgeDocument moves created_at back so never-attempted documents pass the
// submission grace period.
func (ta *TimeAccelerator) AgeDocument(ctx context.Context, invoiceID snowflake.ID, by time.Duration) error {
	var invoice invoicedomain.Invoice
	if err := ta.db.WithContext(ctx).Where("id = ?", invoiceID).Take(&invoice).Error; err != nil {
		return err
	}
	return ta.db.WithContext(ctx).Exec(
		`UPDATE invoices SET created_at = ? WHERE id = ?`,
		invoice.CreatedAt.Add(-by),
		invoiceID,
	).Error
}

// ExpireWindow ends the validity of a prefix's counter before at.
func (ta *TimeAccelerator) ExpireWindow(ctx context.Context, prefix string, at time.Time) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE invoice_sequences
		 SET valid_to = ?
		 WHERE prefix = ?`,
		at.Add(-time.Hour),
		prefix,
	).Error
}

// SetLastNumber positions a counter, e.g. one short of exhaustion.
func (ta *TimeAccelerator) SetLastNumber(ctx context.Context, prefix string, last int64) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE invoice_sequences SET last_number = ? WHERE prefix = ?`,
		last,
		prefix,
	).Error
}

// SequenceState reads the counter for assertions.
func (ta *TimeAccelerator) SequenceState(ctx context.Context, prefix string) (*sequencedomain.Sequence, error) {
	var seq sequencedomain.Sequence
	err := ta.db.WithContext(ctx).Where("prefix = ?", prefix).Take(&seq).Error
	if err != nil {
		return nil, err
	}
	return &seq, nil
}
