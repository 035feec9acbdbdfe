package service

import (
	"context"
	"encoding/json"

	redis "github.com/redis/go-redis/v9"
	submissiondomain "github.com/smallbiznis/hotelier/internal/submission/domain"
	"go.uber.org/zap"
)

const reconciliationKey = "fiscal:reconciliation"

// NewReconciliationQueue returns a redis list queue, or a log-only queue when
// redis is not configured. The reconciliation flag on the document row is the
// durable record either way.
func NewReconciliationQueue(client *redis.Client, log *zap.Logger) submissiondomain.ReconciliationQueue {
	log = log.Named("submission.reconciliation")
	if client == nil {
		return &logQueue{log: log}
	}
	return &redisQueue{client: client, log: log}
}

type redisQueue struct {
	client *redis.Client
	log    *zap.Logger
}

func (q *redisQueue) Push(ctx context.Context, entry submissiondomain.ReconciliationEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, reconciliationKey, data).Err(); err != nil {
		return err
	}
	q.log.Warn("document queued for reconciliation",
		zap.String("invoice_id", entry.InvoiceID),
		zap.String("number", entry.Number),
		zap.String("status", entry.Status),
	)
	return nil
}

func (q *redisQueue) Length(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, reconciliationKey).Result()
}

type logQueue struct {
	log *zap.Logger
}

func (q *logQueue) Push(_ context.Context, entry submissiondomain.ReconciliationEntry) error {
	q.log.Warn("document requires reconciliation",
		zap.String("invoice_id", entry.InvoiceID),
		zap.String("number", entry.Number),
		zap.String("status", entry.Status),
		zap.String("cufe", entry.CUFE),
	)
	return nil
}

func (q *logQueue) Length(context.Context) (int64, error) {
	return 0, nil
}
