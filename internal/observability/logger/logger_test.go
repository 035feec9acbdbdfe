package logger

import (
	"context"
	"testing"

	"github.com/smallbiznis/hotelier/internal/auditcontext"
	obscontext "github.com/smallbiznis/hotelier/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = auditcontext.WithActor(ctx, "operator", "ana")
	ctx = auditcontext.WithInvoiceID(ctx, "123")

	WithContext(ctx, base).Info("hello")

	entries := logs.All()
	assert.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "operator", fields["actor_type"])
	assert.Equal(t, "ana", fields["actor_id"])
	assert.Equal(t, "123", fields["invoice_id"])
	assert.Equal(t, "", fields["trace_id"])
}

func TestOperationAndTableFromSQL(t *testing.T) {
	sql := "UPDATE invoice_sequences SET last_number = last_number + 1 WHERE prefix = ?"
	assert.Equal(t, "UPDATE", operationFromSQL(sql))
	assert.Equal(t, "invoice_sequences", tableFromSQL(sql))
	assert.Equal(t, "invoices", tableFromSQL(`SELECT * FROM "invoices" WHERE id = 1`))
	assert.Equal(t, "UNKNOWN", operationFromSQL(""))
}
