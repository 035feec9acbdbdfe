package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type OutcomeKind string

const (
	OutcomeAccepted          OutcomeKind = "accepted"
	OutcomeRejectedPermanent OutcomeKind = "rejected_permanent"
	OutcomeRejectedRetryable OutcomeKind = "rejected_retryable"
)

// Diagnostic codes produced locally rather than by the provider.
const (
	CodeTransport           = "transport_error"
	CodeTimeout             = "timeout"
	CodeCircuitOpen         = "circuit_open"
	CodeMalformedResponse   = "malformed_response"
	CodeMalformedAcceptance = "malformed_acceptance"
	CodeTokenRejected       = "token_rejected"
	CodeUnconfigured        = "provider_unconfigured"
)

// Acceptance is what the provider returns once the authority validated the document.
type Acceptance struct {
	InvoiceNumber string
	CUFE          string
	QRCode        string
	TransactionID string
}

// Outcome is the classified result of a single submission.
type Outcome struct {
	Kind       OutcomeKind
	Acceptance Acceptance
	Code       string
	Message    string
	Raw        []byte
	Duration   time.Duration
}

func Accepted(acc Acceptance, raw []byte) Outcome {
	return Outcome{Kind: OutcomeAccepted, Acceptance: acc, Raw: raw}
}

func Permanent(code, message string, raw []byte) Outcome {
	return Outcome{Kind: OutcomeRejectedPermanent, Code: code, Message: message, Raw: raw}
}

func Retryable(code, message string, raw []byte) Outcome {
	return Outcome{Kind: OutcomeRejectedRetryable, Code: code, Message: message, Raw: raw}
}

func (o Outcome) IsAccepted() bool { return o.Kind == OutcomeAccepted }

// Err converts a rejection into a *RejectionError. Accepted outcomes return nil.
func (o Outcome) Err() error {
	if o.Kind == OutcomeAccepted {
		return nil
	}
	return &RejectionError{
		Code:      o.Code,
		Message:   o.Message,
		Permanent: o.Kind == OutcomeRejectedPermanent,
		Raw:       o.Raw,
	}
}

// Provider submits documents to a fiscal authority gateway. Submit never
// returns transport errors; they are folded into a retryable outcome.
type Provider interface {
	Name() string
	Submit(ctx context.Context, doc Document) Outcome
}

// RejectionError reports a provider rejection to callers.
type RejectionError struct {
	Code      string
	Message   string
	Permanent bool
	Raw       []byte
}

func (e *RejectionError) Error() string {
	kind := "retryable"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Message == "" {
		return fmt.Sprintf("provider rejected (%s): %s", kind, e.Code)
	}
	return fmt.Sprintf("provider rejected (%s): %s: %s", kind, e.Code, e.Message)
}

func IsPermanentRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej) && rej.Permanent
}

func IsRetryableRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej) && !rej.Permanent
}

// ErrCircuitOpen is returned by a CircuitGuard that refuses to call out.
var ErrCircuitOpen = errors.New("circuit_open")

// Classifier decides permanence for provider error codes.
type Classifier interface {
	Classify(code int, message string, raw []byte) Outcome
}

// CircuitGuard wraps outbound calls; an error from fn counts as a failure.
type CircuitGuard interface {
	Execute(fn func() error) error
}
