package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	creditnotedomain "github.com/smallbiznis/hotelier/internal/creditnote/domain"
)

type issueCreditNoteRequest struct {
	CreditReason string          `json:"credit_reason"`
	Amount       decimal.Decimal `json:"amount"`
	Submit       bool            `json:"submit"`
}

func (s *Server) IssueCreditNote(c *gin.Context) {
	originalID, ok := invoiceIDParam(c)
	if !ok {
		return
	}
	var body issueCreditNoteRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	note, err := s.creditNoteSvc.Issue(c.Request.Context(), creditnotedomain.IssueRequest{
		OriginalInvoiceID: originalID,
		CreditReason:      creditnotedomain.Reason(strings.TrimSpace(body.CreditReason)),
		Amount:            body.Amount,
		Submit:            body.Submit,
	})
	if !body.Submit {
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": note})
		return
	}
	s.respondSubmission(c, http.StatusCreated, note, err)
}

func (s *Server) ListCreditNotes(c *gin.Context) {
	originalID, ok := invoiceIDParam(c)
	if !ok {
		return
	}

	items, err := s.creditNoteSvc.ListForInvoice(c.Request.Context(), originalID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}
