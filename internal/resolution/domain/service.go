package domain

import (
	"context"
	"errors"
	"time"

	sequencedomain "github.com/smallbiznis/hotelier/internal/sequence/domain"
)

type ConfigureRequest struct {
	Prefix           string       `json:"prefix"`
	DocumentType     DocumentType `json:"document_type"`
	ResolutionNumber string       `json:"resolution_number"`
	RangeFrom        int64        `json:"range_from"`
	RangeTo          int64        `json:"range_to"`
	ValidFrom        time.Time    `json:"valid_from"`
	ValidTo          time.Time    `json:"valid_to"`
}

type Service interface {
	Configure(ctx context.Context, req ConfigureRequest) (*Resolution, error)
	Active(ctx context.Context, prefix string) (*Resolution, error)
	List(ctx context.Context, prefix string) ([]Resolution, error)
	Usage(ctx context.Context, prefix string) (*Usage, error)
}

var (
	ErrInvalidPrefix           = errors.New("invalid_prefix")
	ErrInvalidDocumentType     = errors.New("invalid_document_type")
	ErrInvalidResolutionNumber = errors.New("invalid_resolution_number")
	ErrInvalidRange            = errors.New("invalid_range")
	ErrInvalidValidity         = errors.New("invalid_validity")
	ErrRangeBelowIssued        = errors.New("range_below_issued")
	ErrDocumentTypeConflict    = errors.New("document_type_conflict")
	ErrNoActiveResolution      = sequencedomain.ErrNoActiveResolution
)
