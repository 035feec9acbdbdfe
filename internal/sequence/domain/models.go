// Package domain describes the per-prefix numbering counter.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Sequence is the only shared mutable row in the numbering engine. It carries
// a copy of the active resolution window so a reservation is one conditional
// update on a single row.
type Sequence struct {
	Prefix           string       `gorm:"primaryKey;type:varchar(10)"`
	ResolutionID     snowflake.ID `gorm:"not null"`
	ResolutionNumber string       `gorm:"type:varchar(64);not null"`
	RangeFrom        int64        `gorm:"not null"`
	RangeTo          int64        `gorm:"not null"`
	ValidFrom        time.Time    `gorm:"not null"`
	ValidTo          time.Time    `gorm:"not null"`
	LastNumber       int64        `gorm:"not null;default:0"`
	UpdatedAt        time.Time    `gorm:"not null"`
}

func (Sequence) TableName() string { return "invoice_sequences" }

// Remaining is how many numbers the current window can still hand out.
func (s Sequence) Remaining() int64 {
	if s.LastNumber >= s.RangeTo {
		return 0
	}
	if s.LastNumber < s.RangeFrom-1 {
		return s.RangeTo - s.RangeFrom + 1
	}
	return s.RangeTo - s.LastNumber
}

// Allocation is a reserved number plus the resolution snapshot it was drawn from.
type Allocation struct {
	Prefix           string
	Number           int64
	ResolutionID     snowflake.ID
	ResolutionNumber string
	RangeFrom        int64
	RangeTo          int64
	ValidFrom        time.Time
	ValidTo          time.Time
}
