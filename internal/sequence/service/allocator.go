package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/hotelier/internal/clock"
	"github.com/smallbiznis/hotelier/internal/observability/metrics"
	sequencedomain "github.com/smallbiznis/hotelier/internal/sequence/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Repo    sequencedomain.Repository
	Clock   clock.Clock
	Metrics *metrics.FiscalMetrics `optional:"true"`
}

type Allocator struct {
	log     *zap.Logger
	repo    sequencedomain.Repository
	clock   clock.Clock
	metrics *metrics.FiscalMetrics
}

func NewAllocator(p Params) sequencedomain.Allocator {
	return &Allocator{
		log:     p.Log.Named("sequence.allocator"),
		repo:    p.Repo,
		clock:   p.Clock,
		metrics: p.Metrics,
	}
}

// Allocate reserves the next number for req.Prefix inside tx.
//
// The window is read first to check validity and pin the resolution, then a
// single conditional update bumps last_number only if the pinned resolution is
// still current and the range has room. Concurrent callers serialize on that
// row; the loser of a race simply sees the incremented value. The number read
// back afterwards is the one this transaction owns.
func (a *Allocator) Allocate(ctx context.Context, tx *gorm.DB, req sequencedomain.AllocateRequest) (sequencedomain.Allocation, error) {
	start := time.Now()
	prefix := strings.ToUpper(strings.TrimSpace(req.Prefix))
	if prefix == "" {
		return sequencedomain.Allocation{}, sequencedomain.ErrInvalidPrefix
	}

	allocation, err := a.allocate(ctx, tx, prefix, req)
	a.metrics.ObserveAllocation(prefix, allocationResult(err), time.Since(start))
	if err != nil {
		return sequencedomain.Allocation{}, err
	}

	a.log.Debug("number allocated",
		zap.String("prefix", prefix),
		zap.Int64("number", allocation.Number),
		zap.String("resolution_number", allocation.ResolutionNumber),
	)
	return allocation, nil
}

func (a *Allocator) allocate(ctx context.Context, tx *gorm.DB, prefix string, req sequencedomain.AllocateRequest) (sequencedomain.Allocation, error) {
	now := a.clock.Now()

	current, err := a.repo.Get(ctx, tx, prefix)
	if err != nil {
		return sequencedomain.Allocation{}, fmt.Errorf("load sequence: %w", err)
	}
	if current == nil {
		return sequencedomain.Allocation{}, sequencedomain.ErrNoActiveResolution
	}
	if err := checkWindow(*current, req, now); err != nil {
		return sequencedomain.Allocation{}, err
	}

	ok, err := a.repo.Increment(ctx, tx, prefix, current.ResolutionID, now)
	if err != nil {
		return sequencedomain.Allocation{}, fmt.Errorf("reserve number: %w", err)
	}

	reserved, err := a.repo.Get(ctx, tx, prefix)
	if err != nil {
		return sequencedomain.Allocation{}, fmt.Errorf("read reserved number: %w", err)
	}
	if reserved == nil {
		return sequencedomain.Allocation{}, sequencedomain.ErrNoActiveResolution
	}
	if !ok {
		// The window moved, filled up or was re-dated between the read and
		// the update.
		if reserved.ResolutionID != current.ResolutionID {
			return sequencedomain.Allocation{}, sequencedomain.ErrResolutionMismatch
		}
		if err := checkWindow(*reserved, req, now); err != nil {
			return sequencedomain.Allocation{}, err
		}
		return sequencedomain.Allocation{}, sequencedomain.ErrResolutionExhausted
	}

	return sequencedomain.Allocation{
		Prefix:           prefix,
		Number:           reserved.LastNumber,
		ResolutionID:     reserved.ResolutionID,
		ResolutionNumber: reserved.ResolutionNumber,
		RangeFrom:        reserved.RangeFrom,
		RangeTo:          reserved.RangeTo,
		ValidFrom:        reserved.ValidFrom,
		ValidTo:          reserved.ValidTo,
	}, nil
}

func checkWindow(seq sequencedomain.Sequence, req sequencedomain.AllocateRequest, now time.Time) error {
	if req.ResolutionID != 0 && req.ResolutionID != seq.ResolutionID {
		return sequencedomain.ErrResolutionMismatch
	}
	if now.Before(seq.ValidFrom) {
		return sequencedomain.ErrResolutionNotYetValid
	}
	if now.After(seq.ValidTo) {
		return sequencedomain.ErrResolutionExpired
	}
	if seq.LastNumber >= seq.RangeTo {
		return sequencedomain.ErrResolutionExhausted
	}
	return nil
}

func allocationResult(err error) string {
	switch {
	case err == nil:
		return metrics.AllocationResultOK
	case errors.Is(err, sequencedomain.ErrResolutionExhausted):
		return metrics.AllocationResultExhausted
	case errors.Is(err, sequencedomain.ErrNoActiveResolution):
		return metrics.AllocationResultNoActive
	case errors.Is(err, sequencedomain.ErrResolutionExpired), errors.Is(err, sequencedomain.ErrResolutionNotYetValid):
		return metrics.AllocationResultOutOfWindow
	case errors.Is(err, sequencedomain.ErrResolutionMismatch):
		return metrics.AllocationResultMismatch
	default:
		return metrics.AllocationResultError
	}
}

// IsFatal reports whether err means no number can be issued until an
// operator configures a new resolution.
func IsFatal(err error) bool {
	return errors.Is(err, sequencedomain.ErrResolutionExhausted) ||
		errors.Is(err, sequencedomain.ErrNoActiveResolution) ||
		errors.Is(err, sequencedomain.ErrResolutionExpired) ||
		errors.Is(err, sequencedomain.ErrResolutionNotYetValid) ||
		errors.Is(err, sequencedomain.ErrResolutionMismatch)
}
