package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

const maxWebhookBodyBytes = 1 << 20

// HandleBillingWebhook accepts provider deliveries. 2xx tells the provider
// to stop retrying, so duplicates and ignored event types still return 200;
// only errors where redelivery can help surface as 5xx.
func (s *Server) HandleBillingWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	outcome, err := s.webhookProc.Process(
		c.Request.Context(),
		c.Param("provider"),
		c.GetHeader("Relay-Billing-Signature"),
		payload,
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": string(outcome)})
}
