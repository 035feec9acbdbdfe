package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Provider error codes that mean resubmitting the same number cannot succeed.
const (
	CodeContingencyActive  = 1301
	CodeDocumentDuplicated = 1302
	CodeDocumentVoided     = 1303
)

// FiscalPolicy is the operator-controlled submission policy.
//
// MaxRetryableAttempts is the retry budget: the number of retryable provider
// rejections an invoice may accumulate before it is escalated to failed.
type FiscalPolicy struct {
	MaxRetryableAttempts int             `mapstructure:"maxRetryableAttempts"`
	RetryBaseDelay       time.Duration   `mapstructure:"retryBaseDelay"`
	RetryMaxDelay        time.Duration   `mapstructure:"retryMaxDelay"`
	SubmissionGrace      time.Duration   `mapstructure:"submissionGrace"`
	PermanentCodes       []PermanentCode `mapstructure:"permanentCodes"`
}

type PermanentCode struct {
	Code   int    `mapstructure:"code"`
	Reason string `mapstructure:"reason"`
}

func DefaultFiscalPolicy() FiscalPolicy {
	return FiscalPolicy{
		MaxRetryableAttempts: 5,
		RetryBaseDelay:       time.Minute,
		RetryMaxDelay:        30 * time.Minute,
		SubmissionGrace:      2 * time.Minute,
		PermanentCodes: []PermanentCode{
			{Code: CodeContingencyActive, Reason: "contingency_active"},
			{Code: CodeDocumentDuplicated, Reason: "document_duplicated"},
			{Code: CodeDocumentVoided, Reason: "document_voided"},
		},
	}
}

// BackoffFor returns the delay before the next attempt once attempts
// retryable rejections have been recorded.
func (p FiscalPolicy) BackoffFor(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := p.RetryBaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= p.RetryMaxDelay {
			return p.RetryMaxDelay
		}
	}
	if delay > p.RetryMaxDelay {
		return p.RetryMaxDelay
	}
	return delay
}

// BudgetExhausted reports whether attempts has consumed the retry budget.
func (p FiscalPolicy) BudgetExhausted(attempts int) bool {
	return attempts >= p.MaxRetryableAttempts
}

type FiscalPolicyHolder struct {
	current atomic.Value // holds FiscalPolicy
}

// NewStaticFiscalPolicyHolder returns a holder that never reloads.
func NewStaticFiscalPolicyHolder(policy FiscalPolicy) *FiscalPolicyHolder {
	holder := &FiscalPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func NewFiscalPolicyHolder() (*FiscalPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("fiscal")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/hotelier")
	v.AddConfigPath(".")

	v.SetEnvPrefix("HOTELIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultFiscalPolicy()
	v.SetDefault("fiscal.maxRetryableAttempts", defaults.MaxRetryableAttempts)
	v.SetDefault("fiscal.retryBaseDelay", defaults.RetryBaseDelay)
	v.SetDefault("fiscal.retryMaxDelay", defaults.RetryMaxDelay)
	v.SetDefault("fiscal.submissionGrace", defaults.SubmissionGrace)
	v.SetDefault("fiscal.permanentCodes", defaults.PermanentCodes)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	var policy FiscalPolicy
	if err := v.UnmarshalKey("fiscal", &policy); err != nil {
		return nil, err
	}
	if err := validateFiscalPolicy(policy); err != nil {
		return nil, err
	}

	holder := NewStaticFiscalPolicyHolder(policy)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated FiscalPolicy
		if err := v.UnmarshalKey("fiscal", &updated); err != nil {
			log.Printf("[fiscal-policy] reload failed: %v", err)
			return
		}
		if err := validateFiscalPolicy(updated); err != nil {
			log.Printf("[fiscal-policy] invalid policy ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[fiscal-policy] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *FiscalPolicyHolder) Get() FiscalPolicy {
	return h.current.Load().(FiscalPolicy)
}

func validateFiscalPolicy(p FiscalPolicy) error {
	if p.MaxRetryableAttempts < 1 {
		return errors.New("fiscal.maxRetryableAttempts must be at least 1")
	}
	if p.RetryBaseDelay <= 0 {
		return errors.New("fiscal.retryBaseDelay must be positive")
	}
	if p.RetryMaxDelay < p.RetryBaseDelay {
		return errors.New("fiscal.retryMaxDelay must be >= retryBaseDelay")
	}
	seen := make(map[int]struct{}, len(p.PermanentCodes))
	for _, pc := range p.PermanentCodes {
		if pc.Code == 0 {
			return errors.New("fiscal.permanentCodes: code 0 means success and cannot be permanent")
		}
		if _, dup := seen[pc.Code]; dup {
			return fmt.Errorf("fiscal.permanentCodes: duplicated code %d", pc.Code)
		}
		seen[pc.Code] = struct{}{}
	}
	return nil
}
