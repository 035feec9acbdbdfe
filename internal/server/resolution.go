package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	resolutiondomain "github.com/smallbiznis/hotelier/internal/resolution/domain"
)

type configureResolutionRequest struct {
	DocumentType     string `json:"document_type"`
	ResolutionNumber string `json:"resolution_number"`
	RangeFrom        int64  `json:"range_from"`
	RangeTo          int64  `json:"range_to"`
	ValidFrom        string `json:"valid_from"`
	ValidTo          string `json:"valid_to"`
}

func (s *Server) ConfigureResolution(c *gin.Context) {
	var body configureResolutionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	validFrom, err := parseOptionalTime(body.ValidFrom, false)
	if err != nil || validFrom == nil {
		AbortWithError(c, newValidationError("valid_from", "invalid_valid_from", "valid_from must be RFC3339 or YYYY-MM-DD"))
		return
	}
	validTo, err := parseOptionalTime(body.ValidTo, true)
	if err != nil || validTo == nil {
		AbortWithError(c, newValidationError("valid_to", "invalid_valid_to", "valid_to must be RFC3339 or YYYY-MM-DD"))
		return
	}

	docType := resolutiondomain.DocumentType(strings.ToLower(strings.TrimSpace(body.DocumentType)))
	if docType == "" {
		docType = resolutiondomain.DocumentTypeInvoice
	}

	res, err := s.resolutionSvc.Configure(c.Request.Context(), resolutiondomain.ConfigureRequest{
		Prefix:           c.Param("prefix"),
		DocumentType:     docType,
		ResolutionNumber: body.ResolutionNumber,
		RangeFrom:        body.RangeFrom,
		RangeTo:          body.RangeTo,
		ValidFrom:        *validFrom,
		ValidTo:          *validTo,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (s *Server) GetResolution(c *gin.Context) {
	prefix := c.Param("prefix")
	ctx := c.Request.Context()

	active, err := s.resolutionSvc.Active(ctx, prefix)
	if errors.Is(err, resolutiondomain.ErrNoActiveResolution) {
		AbortWithError(c, ErrNotFound)
		return
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}
	history, err := s.resolutionSvc.List(ctx, prefix)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": active, "history": history})
}

func (s *Server) GetResolutionUsage(c *gin.Context) {
	usage, err := s.resolutionSvc.Usage(c.Request.Context(), c.Param("prefix"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": usage})
}

type retryDueRequest struct {
	Limit int `json:"limit"`
}

// RetryDueSubmissions runs one retry sweep on demand.
func (s *Server) RetryDueSubmissions(c *gin.Context) {
	var body retryDueRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	if body.Limit < 0 || body.Limit > maxListLimit {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}

	started := time.Now()
	summary, err := s.submissionSvc.RetryDue(c.Request.Context(), body.Limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summary, "duration_ms": time.Since(started).Milliseconds()})
}
