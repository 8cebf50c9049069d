package server

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/relaybill/relaybill/internal/principalctx"
	"github.com/relaybill/relaybill/internal/quota"
)

// PrincipalRequired resolves the calling principal from the gateway-set
// header. Authentication happens upstream at the API gateway; by the time a
// request reaches this service the header is trusted.
func (s *Server) PrincipalRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("X-Principal-Id"))
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		principalID, err := snowflake.ParseString(raw)
		if err != nil || principalID == 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := principalctx.WithPrincipalID(c.Request.Context(), principalID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// ActorRequired gates admin routes on an elevated actor identity. The actor
// string lands in every audit row written below the handler.
func (s *Server) ActorRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := strings.TrimSpace(c.GetHeader("X-Admin-Actor"))
		if actor == "" {
			AbortWithError(c, ErrForbidden)
			return
		}

		ctx := principalctx.WithActor(c.Request.Context(), actor)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func principalFromRequest(c *gin.Context) (snowflake.ID, bool) {
	return principalctx.PrincipalIDFromContext(c.Request.Context())
}

// setQuotaHeaders exposes the most constrained window. Headers are set even
// on rejection so clients can back off until the reset time.
func setQuotaHeaders(c *gin.Context, results []quota.Result) {
	if len(results) == 0 {
		return
	}
	tightest := results[0]
	for _, result := range results[1:] {
		if result.Remaining < tightest.Remaining {
			tightest = result
		}
	}
	c.Header("RateLimit-Limit", strconv.FormatInt(tightest.Limit, 10))
	c.Header("RateLimit-Remaining", strconv.FormatInt(tightest.Remaining, 10))
	c.Header("RateLimit-Reset", strconv.FormatInt(tightest.ResetAt.Unix(), 10))
}

// formatCredits renders integer milli-credits as decimal credits. Display
// conversion happens only here; everything below the HTTP layer is integer.
func formatCredits(milliCredits int64) string {
	sign := ""
	if milliCredits < 0 {
		sign = "-"
		milliCredits = -milliCredits
	}
	return fmt.Sprintf("%s%d.%03d", sign, milliCredits/1000, milliCredits%1000)
}
