package fiscal

import (
	"strconv"
	"strings"

	"github.com/smallbiznis/hotelier/internal/config"
	fiscaldomain "github.com/smallbiznis/hotelier/internal/providers/fiscal/domain"
)

// Classifier maps provider error codes onto permanence using the live fiscal
// policy. Codes missing from the table are retryable.
type Classifier struct {
	policy *config.FiscalPolicyHolder
}

func NewClassifier(policy *config.FiscalPolicyHolder) *Classifier {
	if policy == nil {
		policy = config.NewStaticFiscalPolicyHolder(config.DefaultFiscalPolicy())
	}
	return &Classifier{policy: policy}
}

// Classify turns a non-zero provider code into a rejection outcome.
func (c *Classifier) Classify(code int, message string, raw []byte) fiscaldomain.Outcome {
	message = strings.TrimSpace(message)
	if reason, ok := c.PermanentReason(code); ok {
		if message == "" {
			message = reason
		} else {
			message = reason + ": " + message
		}
		return fiscaldomain.Permanent(strconv.Itoa(code), message, raw)
	}
	return fiscaldomain.Retryable(strconv.Itoa(code), message, raw)
}

func (c *Classifier) PermanentReason(code int) (string, bool) {
	for _, pc := range c.policy.Get().PermanentCodes {
		if pc.Code == code {
			return pc.Reason, true
		}
	}
	return "", false
}

var _ fiscaldomain.Classifier = (*Classifier)(nil)
