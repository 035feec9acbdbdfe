package option

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// QueryOption mutates a query before it is executed.
type QueryOption interface {
	Apply(db *gorm.DB) *gorm.DB
}

type queryFunc func(db *gorm.DB) *gorm.DB

func (f queryFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

// WithSortBy orders by column; direction other than "asc" sorts descending.
func WithSortBy(column, direction string) QueryOption {
	dir := "desc"
	if strings.EqualFold(strings.TrimSpace(direction), "asc") {
		dir = "asc"
	}
	return queryFunc(func(db *gorm.DB) *gorm.DB {
		return db.Order(fmt.Sprintf("%s %s", column, dir))
	})
}

func WithLimit(limit int) QueryOption {
	return queryFunc(func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	})
}

// WithCondition adds a raw where clause, e.g. WithCondition("valid_to >= ?", now).
func WithCondition(query string, args ...any) QueryOption {
	return queryFunc(func(db *gorm.DB) *gorm.DB {
		return db.Where(query, args...)
	})
}

// WithForUpdate locks the selected rows until the transaction ends.
// SQLite has no row locks; the clause is skipped there.
func WithForUpdate() QueryOption {
	return queryFunc(func(db *gorm.DB) *gorm.DB {
		if db.Dialector != nil && db.Dialector.Name() == "sqlite" {
			return db
		}
		return db.Clauses(forUpdate)
	})
}
