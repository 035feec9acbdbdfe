package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffFor(t *testing.T) {
	policy := DefaultFiscalPolicy()

	assert.Equal(t, time.Minute, policy.BackoffFor(0))
	assert.Equal(t, time.Minute, policy.BackoffFor(1))
	assert.Equal(t, 2*time.Minute, policy.BackoffFor(2))
	assert.Equal(t, 16*time.Minute, policy.BackoffFor(5))
	assert.Equal(t, 30*time.Minute, policy.BackoffFor(6))
	assert.Equal(t, 30*time.Minute, policy.BackoffFor(40))
}

func TestBudgetExhausted(t *testing.T) {
	policy := DefaultFiscalPolicy()

	assert.False(t, policy.BudgetExhausted(4))
	assert.True(t, policy.BudgetExhausted(5))
	assert.True(t, policy.BudgetExhausted(6))
}

func TestValidateFiscalPolicy(t *testing.T) {
	assert.NoError(t, validateFiscalPolicy(DefaultFiscalPolicy()))

	noBudget := DefaultFiscalPolicy()
	noBudget.MaxRetryableAttempts = 0
	assert.Error(t, validateFiscalPolicy(noBudget))

	successCode := DefaultFiscalPolicy()
	successCode.PermanentCodes = append(successCode.PermanentCodes, PermanentCode{Code: 0, Reason: "ok"})
	assert.Error(t, validateFiscalPolicy(successCode))

	duplicated := DefaultFiscalPolicy()
	duplicated.PermanentCodes = append(duplicated.PermanentCodes, PermanentCode{Code: CodeDocumentVoided, Reason: "again"})
	assert.Error(t, validateFiscalPolicy(duplicated))

	inverted := DefaultFiscalPolicy()
	inverted.RetryMaxDelay = time.Second
	assert.Error(t, validateFiscalPolicy(inverted))
}

func TestStaticHolder(t *testing.T) {
	policy := DefaultFiscalPolicy()
	policy.MaxRetryableAttempts = 2

	holder := NewStaticFiscalPolicyHolder(policy)
	assert.Equal(t, 2, holder.Get().MaxRetryableAttempts)
}
