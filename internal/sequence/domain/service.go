package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type AllocateRequest struct {
	Prefix string
	// ResolutionID pins the allocation to a specific resolution. Zero means
	// whatever resolution is active for the prefix.
	ResolutionID snowflake.ID
}

// Allocator reserves numbers inside the caller's transaction. The reservation
// is only durable once that transaction commits.
type Allocator interface {
	Allocate(ctx context.Context, tx *gorm.DB, req AllocateRequest) (Allocation, error)
}

type Repository interface {
	// Increment advances last_number by one when the window still has room and
	// is valid at the given time, and reports whether a row was updated.
	Increment(ctx context.Context, tx *gorm.DB, prefix string, resolutionID snowflake.ID, at time.Time) (bool, error)
	Get(ctx context.Context, db *gorm.DB, prefix string) (*Sequence, error)
	// Reset points the counter at a new window without ever lowering last_number.
	Reset(ctx context.Context, tx *gorm.DB, seq Sequence) (*Sequence, error)
}

var (
	ErrNoActiveResolution    = errors.New("no_active_resolution")
	ErrResolutionExhausted   = errors.New("resolution_exhausted")
	ErrResolutionExpired     = errors.New("resolution_expired")
	ErrResolutionNotYetValid = errors.New("resolution_not_yet_valid")
	ErrResolutionMismatch    = errors.New("resolution_mismatch")
	ErrInvalidPrefix         = errors.New("invalid_prefix")
)
