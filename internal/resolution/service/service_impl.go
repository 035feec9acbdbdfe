package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/hotelier/internal/audit/domain"
	"github.com/smallbiznis/hotelier/internal/clock"
	resolutiondomain "github.com/smallbiznis/hotelier/internal/resolution/domain"
	sequencedomain "github.com/smallbiznis/hotelier/internal/sequence/domain"
	"github.com/smallbiznis/hotelier/pkg/db/option"
	"github.com/smallbiznis/hotelier/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var prefixPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{0,9}$`)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	SeqRepo  sequencedomain.Repository
	AuditSvc auditdomain.Service
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     repository.Repository[resolutiondomain.Resolution]
	seqRepo  sequencedomain.Repository
	auditSvc auditdomain.Service
}

func NewService(p Params) resolutiondomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("resolution.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     repository.ProvideStore[resolutiondomain.Resolution](p.DB),
		seqRepo:  p.SeqRepo,
		auditSvc: p.AuditSvc,
	}
}

// Configure replaces the active window for a prefix. The previous resolution
// is kept as history and the counter continues from the highest number ever
// issued, so a new window can extend but never rewind numbering.
func (s *Service) Configure(ctx context.Context, req resolutiondomain.ConfigureRequest) (*resolutiondomain.Resolution, error) {
	req, err := normalizeConfigureRequest(req)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	resolution := resolutiondomain.Resolution{
		ID:               s.genID.Generate(),
		Prefix:           req.Prefix,
		DocumentType:     req.DocumentType,
		ResolutionNumber: req.ResolutionNumber,
		RangeFrom:        req.RangeFrom,
		RangeTo:          req.RangeTo,
		ValidFrom:        req.ValidFrom,
		ValidTo:          req.ValidTo,
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	var seq *sequencedomain.Sequence
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTrx(tx)

		previous, err := repo.FindOne(ctx, &resolutiondomain.Resolution{Prefix: req.Prefix, Active: true}, option.WithForUpdate())
		if err != nil {
			return err
		}
		if previous != nil && previous.DocumentType != req.DocumentType {
			return resolutiondomain.ErrDocumentTypeConflict
		}

		current, err := s.seqRepo.Get(ctx, tx, req.Prefix)
		if err != nil {
			return err
		}
		if current != nil && req.RangeTo <= current.LastNumber {
			return resolutiondomain.ErrRangeBelowIssued
		}

		if err := tx.WithContext(ctx).Model(&resolutiondomain.Resolution{}).
			Where("prefix = ? AND active = ?", req.Prefix, true).
			Updates(map[string]any{"active": false, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("deactivate previous resolution: %w", err)
		}
		if err := repo.Create(ctx, &resolution); err != nil {
			return fmt.Errorf("insert resolution: %w", err)
		}

		seq, err = s.seqRepo.Reset(ctx, tx, sequencedomain.Sequence{
			Prefix:           resolution.Prefix,
			ResolutionID:     resolution.ID,
			ResolutionNumber: resolution.ResolutionNumber,
			RangeFrom:        resolution.RangeFrom,
			RangeTo:          resolution.RangeTo,
			ValidFrom:        resolution.ValidFrom,
			ValidTo:          resolution.ValidTo,
			UpdatedAt:        now,
		})
		if err != nil {
			return fmt.Errorf("reset sequence: %w", err)
		}

		if s.auditSvc == nil {
			return nil
		}
		targetID := resolution.ID.String()
		metadata := map[string]any{
			"prefix":            resolution.Prefix,
			"document_type":     string(resolution.DocumentType),
			"resolution_number": resolution.ResolutionNumber,
			"range_from":        resolution.RangeFrom,
			"range_to":          resolution.RangeTo,
			"valid_from":        resolution.ValidFrom.Format(time.RFC3339),
			"valid_to":          resolution.ValidTo.Format(time.RFC3339),
			"next_number":       seq.LastNumber + 1,
		}
		if previous != nil {
			metadata["previous_resolution_id"] = previous.ID.String()
		}
		return s.auditSvc.AuditLogTx(ctx, tx, "resolution.configured", "resolution", &targetID, metadata)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("resolution configured",
		zap.String("prefix", resolution.Prefix),
		zap.String("resolution_number", resolution.ResolutionNumber),
		zap.Int64("range_from", resolution.RangeFrom),
		zap.Int64("range_to", resolution.RangeTo),
		zap.Int64("next_number", seq.LastNumber+1),
	)
	return &resolution, nil
}

func (s *Service) Active(ctx context.Context, prefix string) (*resolutiondomain.Resolution, error) {
	prefix, err := normalizePrefix(prefix)
	if err != nil {
		return nil, err
	}
	resolution, err := s.repo.FindOne(ctx, &resolutiondomain.Resolution{Prefix: prefix, Active: true})
	if err != nil {
		return nil, err
	}
	if resolution == nil {
		return nil, resolutiondomain.ErrNoActiveResolution
	}
	return resolution, nil
}

func (s *Service) List(ctx context.Context, prefix string) ([]resolutiondomain.Resolution, error) {
	prefix, err := normalizePrefix(prefix)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.Find(ctx, &resolutiondomain.Resolution{Prefix: prefix}, option.WithSortBy("created_at", "desc"))
	if err != nil {
		return nil, err
	}
	out := make([]resolutiondomain.Resolution, 0, len(items))
	for _, item := range items {
		out = append(out, *item)
	}
	return out, nil
}

func (s *Service) Usage(ctx context.Context, prefix string) (*resolutiondomain.Usage, error) {
	prefix, err := normalizePrefix(prefix)
	if err != nil {
		return nil, err
	}
	seq, err := s.seqRepo.Get(ctx, s.db, prefix)
	if err != nil {
		return nil, err
	}
	if seq == nil {
		return nil, resolutiondomain.ErrNoActiveResolution
	}
	return &resolutiondomain.Usage{
		Prefix:           seq.Prefix,
		ResolutionNumber: seq.ResolutionNumber,
		RangeFrom:        seq.RangeFrom,
		RangeTo:          seq.RangeTo,
		LastNumber:       seq.LastNumber,
		Remaining:        seq.Remaining(),
		ExpiresAt:        seq.ValidTo,
		Expired:          s.clock.Now().After(seq.ValidTo),
	}, nil
}

func normalizeConfigureRequest(req resolutiondomain.ConfigureRequest) (resolutiondomain.ConfigureRequest, error) {
	prefix, err := normalizePrefix(req.Prefix)
	if err != nil {
		return req, err
	}
	req.Prefix = prefix

	if req.DocumentType == "" {
		req.DocumentType = resolutiondomain.DocumentTypeInvoice
	}
	if !req.DocumentType.Valid() {
		return req, resolutiondomain.ErrInvalidDocumentType
	}

	req.ResolutionNumber = strings.TrimSpace(req.ResolutionNumber)
	if req.ResolutionNumber == "" {
		return req, resolutiondomain.ErrInvalidResolutionNumber
	}

	if req.RangeFrom < 1 || req.RangeFrom > req.RangeTo {
		return req, resolutiondomain.ErrInvalidRange
	}

	if req.ValidFrom.IsZero() || req.ValidTo.IsZero() {
		return req, resolutiondomain.ErrInvalidValidity
	}
	req.ValidFrom = startOfDay(req.ValidFrom)
	req.ValidTo = endOfDay(req.ValidTo)
	if req.ValidFrom.After(req.ValidTo) {
		return req, resolutiondomain.ErrInvalidValidity
	}
	return req, nil
}

func normalizePrefix(prefix string) (string, error) {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if !prefixPattern.MatchString(prefix) {
		return "", resolutiondomain.ErrInvalidPrefix
	}
	return prefix, nil
}

// Authorizations are granted by calendar day.
func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func endOfDay(t time.Time) time.Time {
	return startOfDay(t).Add(24*time.Hour - time.Microsecond)
}
