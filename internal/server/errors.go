package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/hotelier/internal/audit/domain"
	creditnotedomain "github.com/smallbiznis/hotelier/internal/creditnote/domain"
	invoicedomain "github.com/smallbiznis/hotelier/internal/invoice/domain"
	fiscaldomain "github.com/smallbiznis/hotelier/internal/providers/fiscal/domain"
	resolutiondomain "github.com/smallbiznis/hotelier/internal/resolution/domain"
	sequencedomain "github.com/smallbiznis/hotelier/internal/sequence/domain"
	submissiondomain "github.com/smallbiznis/hotelier/internal/submission/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Code    string            `json:"code,omitempty"`
	Errors  []ValidationError `json:"errors,omitempty"`
	// Invoice carries the document when the failure left it in a known state.
	Invoice *invoicedomain.Invoice `json:"invoice,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

// invoiceError attaches the current document to a failed operation so the
// client sees where the invoice ended up.
type invoiceError struct {
	err     error
	invoice *invoicedomain.Invoice
}

func (e *invoiceError) Error() string { return e.err.Error() }
func (e *invoiceError) Unwrap() error { return e.err }

func withInvoice(err error, invoice *invoicedomain.Invoice) error {
	if err == nil || invoice == nil {
		return err
	}
	return &invoiceError{err: err, invoice: invoice}
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	status, payload := mapDomainError(err)
	var invErr *invoiceError
	if errors.As(err, &invErr) {
		payload.Invoice = invErr.invoice
	}
	return status, payload
}

func mapDomainError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	var rejection *fiscaldomain.RejectionError
	if errors.As(err, &rejection) {
		if rejection.Permanent {
			return http.StatusUnprocessableEntity, errorPayload{
				Type:    "provider_rejected_permanent",
				Message: rejection.Message,
				Code:    rejection.Code,
			}
		}
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "provider_rejected_retryable",
			Message: rejection.Message,
			Code:    rejection.Code,
		}
	}

	if code, ok := fiscalConflictCode(err); ok {
		return http.StatusConflict, errorPayload{
			Type:    code,
			Message: err.Error(),
		}
	}

	if code, ok := businessRuleCode(err); ok {
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    code,
			Message: err.Error(),
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, submissiondomain.ErrProviderThrottled):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "provider_throttled",
			Message: "provider rate limit reached, retry later",
		}
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// fiscalConflictCode covers errors caused by the current state of a shared
// resource: the numbering window or the document lifecycle.
func fiscalConflictCode(err error) (string, bool) {
	for _, candidate := range []error{
		sequencedomain.ErrResolutionExhausted,
		sequencedomain.ErrResolutionExpired,
		sequencedomain.ErrResolutionNotYetValid,
		sequencedomain.ErrResolutionMismatch,
		sequencedomain.ErrNoActiveResolution,
		resolutiondomain.ErrRangeBelowIssued,
		resolutiondomain.ErrDocumentTypeConflict,
		invoicedomain.ErrInvalidTransition,
		invoicedomain.ErrConflictingFiscalResponse,
		invoicedomain.ErrInvoiceNotTerminal,
		invoicedomain.ErrSequenceConflict,
		submissiondomain.ErrSubmissionInFlight,
		submissiondomain.ErrLateAcceptance,
	} {
		if errors.Is(err, candidate) {
			return candidate.Error(), true
		}
	}
	return "", false
}

func businessRuleCode(err error) (string, bool) {
	for _, candidate := range []error{
		creditnotedomain.ErrInvalidOriginalState,
		creditnotedomain.ErrAmountExceedsOriginal,
	} {
		if errors.Is(err, candidate) {
			return candidate.Error(), true
		}
	}
	return "", false
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, invoicedomain.ErrInvalidInvoiceID),
		errors.Is(err, invoicedomain.ErrInvalidBillID),
		errors.Is(err, invoicedomain.ErrInvalidBuyer),
		errors.Is(err, invoicedomain.ErrNegativeAmount),
		errors.Is(err, invoicedomain.ErrAmountMismatch),
		errors.Is(err, invoicedomain.ErrAmountPrecision),
		errors.Is(err, invoicedomain.ErrInvalidCurrency),
		errors.Is(err, invoicedomain.ErrInvalidStatus),
		errors.Is(err, invoicedomain.ErrInvalidTimeRange),
		errors.Is(err, resolutiondomain.ErrInvalidPrefix),
		errors.Is(err, sequencedomain.ErrInvalidPrefix),
		errors.Is(err, resolutiondomain.ErrInvalidDocumentType),
		errors.Is(err, resolutiondomain.ErrInvalidResolutionNumber),
		errors.Is(err, resolutiondomain.ErrInvalidRange),
		errors.Is(err, resolutiondomain.ErrInvalidValidity),
		errors.Is(err, creditnotedomain.ErrInvalidCreditReason),
		errors.Is(err, creditnotedomain.ErrInvalidAmount),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange),
		errors.Is(err, auditdomain.ErrInvalidAction):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, invoicedomain.ErrInvoiceNotFound),
		errors.Is(err, creditnotedomain.ErrOriginalNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

// validationErrorCode returns the sentinel text. Domain errors are often
// wrapped with detail, so the innermost matching sentinel wins.
func validationErrorCode(err error) string {
	if errors.Is(err, ErrInvalidRequest) {
		return "invalid_request"
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	switch code {
	case "negative_amount", "amount_mismatch", "amount_precision":
		return "amount"
	default:
		return ""
	}
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "amount_mismatch":
		return "total must equal net plus tax"
	case "negative_amount":
		return "amounts must not be negative"
	case "amount_precision":
		return "amounts must have at most two decimals"
	default:
		return "invalid value"
	}
}

// classifyErrorForLog feeds the request logger a stable type and code.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapDomainError(err)
	code := payload.Code
	if code == "" && len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}
