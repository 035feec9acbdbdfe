package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	sequencedomain "github.com/smallbiznis/hotelier/internal/sequence/domain"
	"github.com/smallbiznis/hotelier/pkg/db/option"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() sequencedomain.Repository {
	return &repo{}
}

func (r *repo) Increment(ctx context.Context, tx *gorm.DB, prefix string, resolutionID snowflake.ID, at time.Time) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`UPDATE invoice_sequences
		 SET last_number = last_number + 1, updated_at = ?
		 WHERE prefix = ? AND resolution_id = ? AND last_number < range_to
		   AND valid_from <= ? AND valid_to >= ?`,
		at,
		prefix,
		resolutionID,
		at,
		at,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, prefix string) (*sequencedomain.Sequence, error) {
	var seq sequencedomain.Sequence
	err := db.WithContext(ctx).Where("prefix = ?", prefix).Take(&seq).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &seq, nil
}

func (r *repo) Reset(ctx context.Context, tx *gorm.DB, seq sequencedomain.Sequence) (*sequencedomain.Sequence, error) {
	var existing sequencedomain.Sequence
	err := option.WithForUpdate().Apply(tx.WithContext(ctx)).
		Where("prefix = ?", seq.Prefix).
		Take(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		seq.LastNumber = seq.RangeFrom - 1
		if err := tx.WithContext(ctx).Create(&seq).Error; err != nil {
			return nil, err
		}
		return &seq, nil
	case err != nil:
		return nil, err
	}

	seq.LastNumber = existing.LastNumber
	if seq.LastNumber < seq.RangeFrom-1 {
		seq.LastNumber = seq.RangeFrom - 1
	}
	err = tx.WithContext(ctx).Model(&sequencedomain.Sequence{}).
		Where("prefix = ?", seq.Prefix).
		Updates(map[string]any{
			"resolution_id":     seq.ResolutionID,
			"resolution_number": seq.ResolutionNumber,
			"range_from":        seq.RangeFrom,
			"range_to":          seq.RangeTo,
			"valid_from":        seq.ValidFrom,
			"valid_to":          seq.ValidTo,
			"last_number":       seq.LastNumber,
			"updated_at":        seq.UpdatedAt,
		}).Error
	if err != nil {
		return nil, err
	}
	return &seq, nil
}
