// Package domain holds the tax authority numbering authorizations.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type DocumentType string

const (
	DocumentTypeInvoice    DocumentType = "invoice"
	DocumentTypeCreditNote DocumentType = "credit_note"
)

func (t DocumentType) Valid() bool {
	return t == DocumentTypeInvoice || t == DocumentTypeCreditNote
}

// Resolution authorizes a prefix to issue numbers in [RangeFrom, RangeTo]
// between ValidFrom and ValidTo. At most one resolution per prefix is active.
type Resolution struct {
	ID               snowflake.ID `gorm:"primaryKey" json:"id"`
	Prefix           string       `gorm:"type:varchar(10);not null;index" json:"prefix"`
	DocumentType     DocumentType `gorm:"type:varchar(16);not null" json:"document_type"`
	ResolutionNumber string       `gorm:"type:varchar(64);not null" json:"resolution_number"`
	RangeFrom        int64        `gorm:"not null" json:"range_from"`
	RangeTo          int64        `gorm:"not null" json:"range_to"`
	ValidFrom        time.Time    `gorm:"not null" json:"valid_from"`
	ValidTo          time.Time    `gorm:"not null" json:"valid_to"`
	Active           bool         `gorm:"not null;default:false;index" json:"active"`
	CreatedAt        time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time    `gorm:"not null" json:"updated_at"`
}

func (Resolution) TableName() string { return "resolutions" }

// CoversDate reports whether at falls inside the validity window.
func (r Resolution) CoversDate(at time.Time) bool {
	return !at.Before(r.ValidFrom) && !at.After(r.ValidTo)
}

// Usage summarizes how much of the active window has been consumed.
type Usage struct {
	Prefix           string    `json:"prefix"`
	ResolutionNumber string    `json:"resolution_number"`
	RangeFrom        int64     `json:"range_from"`
	RangeTo          int64     `json:"range_to"`
	LastNumber       int64     `json:"last_number"`
	Remaining        int64     `json:"remaining"`
	ExpiresAt        time.Time `json:"expires_at"`
	Expired          bool      `json:"expired"`
}
