package db

import (
	"context"

	"gorm.io/gorm"
)

// DefaultTxAttempts bounds how often a contended transaction is replayed.
const DefaultTxAttempts = 3

// RetryTx runs fn in a transaction and replays it when the database reports
// serialization, deadlock or lock timeout failures.
func RetryTx(ctx context.Context, conn *gorm.DB, attempts int, fn func(tx *gorm.DB) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = conn.WithContext(ctx).Transaction(fn)
		if err == nil || !IsRetryableTxErr(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}
