package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/hotelier/internal/audit/domain"
	auditcontext "github.com/smallbiznis/hotelier/internal/auditcontext"
	obscontext "github.com/smallbiznis/hotelier/internal/observability/context"
)

const HeaderOperator = "X-Operator-ID"

// OperatorContext stamps the calling operator on the request context so
// audit entries and logs carry it. Requests without the header act as system.
func OperatorContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		operator := strings.TrimSpace(c.GetHeader(HeaderOperator))
		if operator == "" {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeOperator), operator)
		ctx = obscontext.WithActor(ctx, string(auditdomain.ActorTypeOperator), operator)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// AdminTokenRequired checks a static bearer token. An empty token leaves the
// admin surface open, which is only acceptable outside production.
func (s *Server) AdminTokenRequired() gin.HandlerFunc {
	expected := strings.TrimSpace(s.cfg.AdminToken)
	return func(c *gin.Context) {
		if expected == "" {
			if s.cfg.IsProduction() {
				AbortWithError(c, ErrForbidden)
				return
			}
			c.Next()
			return
		}

		parts := strings.Fields(strings.TrimSpace(c.GetHeader("Authorization")))
		if len(parts) != 2 || parts[0] != "Bearer" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(expected)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}
