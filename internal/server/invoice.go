package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/hotelier/internal/invoice/domain"
	"github.com/smallbiznis/hotelier/internal/observability/logger"
	fiscaldomain "github.com/smallbiznis/hotelier/internal/providers/fiscal/domain"
	"go.uber.org/zap"
)

type createInvoiceRequest struct {
	BillID         string                `json:"bill_id"`
	Buyer          invoicedomain.Buyer   `json:"buyer"`
	Seller         *invoicedomain.Seller `json:"seller"`
	NetAmount      decimal.Decimal       `json:"net_amount"`
	TaxAmount      decimal.Decimal       `json:"tax_amount"`
	TotalAmount    decimal.Decimal       `json:"total_amount"`
	Currency       string                `json:"currency"`
	OrderReference string                `json:"order_reference"`
	ResolutionID   string                `json:"resolution_id"`
}

type cancelInvoiceRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) CreateInvoice(c *gin.Context) {
	var body createInvoiceRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	submit, err := parseOptionalBool(c.Query("submit"))
	if err != nil {
		AbortWithError(c, newValidationError("submit", "invalid_submit", "submit must be a boolean"))
		return
	}

	req := invoicedomain.CreateInvoiceRequest{
		BillID:         strings.TrimSpace(body.BillID),
		Buyer:          body.Buyer,
		Seller:         body.Seller,
		NetAmount:      body.NetAmount,
		TaxAmount:      body.TaxAmount,
		TotalAmount:    body.TotalAmount,
		Currency:       body.Currency,
		OrderReference: body.OrderReference,
	}
	if strings.TrimSpace(body.ResolutionID) != "" {
		id, err := parseSnowflakeID(body.ResolutionID)
		if err != nil {
			AbortWithError(c, newValidationError("resolution_id", "invalid_resolution_id", "invalid resolution_id"))
			return
		}
		req.ResolutionID = id
	}

	ctx := c.Request.Context()
	if submit == nil || !*submit {
		invoice, err := s.invoiceSvc.CreateInvoiceForBill(ctx, req)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": invoice})
		return
	}

	invoice, err := s.submissionSvc.CreateAndSubmit(ctx, req)
	s.respondSubmission(c, http.StatusCreated, invoice, err)
}

func (s *Server) ListInvoices(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"), 50)
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}
	status := invoicedomain.Status(strings.ToLower(strings.TrimSpace(c.Query("status"))))
	if status != "" && !status.Valid() {
		AbortWithError(c, invoicedomain.ErrInvalidStatus)
		return
	}

	items, err := s.invoiceSvc.List(c.Request.Context(), invoicedomain.ListInvoiceRequest{
		Status:  status,
		BuyerID: strings.TrimSpace(c.Query("buyer_id")),
		Limit:   limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) GetInvoiceByID(c *gin.Context) {
	id, ok := invoiceIDParam(c)
	if !ok {
		return
	}

	item, err := s.invoiceSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) ListInvoiceAttempts(c *gin.Context) {
	id, ok := invoiceIDParam(c)
	if !ok {
		return
	}

	attempts, err := s.invoiceSvc.ListAttempts(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": attempts})
}

func (s *Server) SubmitInvoice(c *gin.Context) {
	id, ok := invoiceIDParam(c)
	if !ok {
		return
	}

	invoice, err := s.submissionSvc.Submit(c.Request.Context(), id)
	s.respondSubmission(c, http.StatusOK, invoice, err)
}

func (s *Server) CancelInvoice(c *gin.Context) {
	id, ok := invoiceIDParam(c)
	if !ok {
		return
	}
	var body cancelInvoiceRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	invoice, err := s.submissionSvc.Cancel(c.Request.Context(), id, body.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": invoice})
}

func (s *Server) DeleteInvoice(c *gin.Context) {
	id, ok := invoiceIDParam(c)
	if !ok {
		return
	}

	if err := s.invoiceSvc.Delete(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) RevenueReport(c *gin.Context) {
	from, err := parseOptionalTime(c.Query("from"), false)
	if err != nil || from == nil {
		AbortWithError(c, newValidationError("from", "invalid_from", "from must be RFC3339 or YYYY-MM-DD"))
		return
	}
	to, err := parseOptionalTime(c.Query("to"), true)
	if err != nil || to == nil {
		AbortWithError(c, newValidationError("to", "invalid_to", "to must be RFC3339 or YYYY-MM-DD"))
		return
	}

	report, err := s.invoiceSvc.RevenueReport(c.Request.Context(), *from, *to)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": report})
}

// respondSubmission renders the outcome of a provider round trip. A retryable
// rejection leaves the document pending, so the client gets 202 with the row.
func (s *Server) respondSubmission(c *gin.Context, okStatus int, invoice *invoicedomain.Invoice, err error) {
	if err == nil {
		c.JSON(okStatus, gin.H{"data": invoice})
		return
	}
	if fiscaldomain.IsRetryableRejection(err) && invoice != nil && invoice.Status == invoicedomain.StatusPending {
		logger.WithContext(c.Request.Context(), s.log).Info("submission deferred",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("number", invoice.Number()),
			zap.Error(err),
		)
		_, payload := mapError(err)
		c.JSON(http.StatusAccepted, gin.H{"data": invoice, "error": payload})
		return
	}
	AbortWithError(c, withInvoice(err, invoice))
}

func invoiceIDParam(c *gin.Context) (snowflake.ID, bool) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return 0, false
	}
	return id, true
}
