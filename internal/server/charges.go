package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/relaybill/relaybill/internal/billing"
)

type chargeRequest struct {
	CorrelationID string         `json:"correlation_id"`
	ResourceType  string         `json:"resource_type"`
	ResourceName  string         `json:"resource_name"`
	Quantity      int64          `json:"quantity"`
	RoutingMode   string         `json:"routing_mode"`
	Tier          string         `json:"tier"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type authorizeRequest struct {
	ResourceType      string `json:"resource_type"`
	ResourceName      string `json:"resource_name"`
	EstimatedQuantity int64  `json:"estimated_quantity"`
	RoutingMode       string `json:"routing_mode"`
	Tier              string `json:"tier"`
}

type finalizeRequest struct {
	PoolID         snowflake.ID   `json:"pool_id,string"`
	ResourceType   string         `json:"resource_type"`
	ResourceName   string         `json:"resource_name"`
	ActualQuantity int64          `json:"actual_quantity"`
	RoutingMode    string         `json:"routing_mode"`
	Tier           string         `json:"tier"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type chargeResponse struct {
	CorrelationID  string `json:"correlation_id"`
	PoolID         string `json:"pool_id"`
	CreditsCharged int64  `json:"credits_charged"`
	Remaining      int64  `json:"remaining"`
	Overdraft      bool   `json:"overdraft"`
	Replayed       bool   `json:"replayed"`
}

// Charge authorizes and settles in one round trip, the path for
// non-streaming completions where the final quantity is known up front.
func (s *Server) Charge(c *gin.Context) {
	principalID, ok := principalFromRequest(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req chargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}
	if err := validateChargeFields(req.CorrelationID, req.ResourceType, req.Quantity); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set("pricing_key", req.ResourceType)

	result, err := s.orchestrator.Charge(c.Request.Context(), billing.ChargeRequest{
		PrincipalID:   principalID,
		CorrelationID: req.CorrelationID,
		ResourceType:  req.ResourceType,
		ResourceName:  req.ResourceName,
		Quantity:      req.Quantity,
		RoutingMode:   req.RoutingMode,
		Tier:          req.Tier,
		Metadata:      req.Metadata,
	})
	setQuotaHeaders(c, result.QuotaResults)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.writeChargeResult(c, result)
}

// AuthorizeCharge is the pre-flight half of the streaming path. It consumes
// one quota slot and reports whether the estimate fits the balance.
func (s *Server) AuthorizeCharge(c *gin.Context) {
	principalID, ok := principalFromRequest(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req authorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}
	if strings.TrimSpace(req.ResourceType) == "" {
		AbortWithError(c, newValidationError("resource_type", "invalid_resource_type", "resource type is required"))
		return
	}
	c.Set("pricing_key", req.ResourceType)

	auth, err := s.orchestrator.Authorize(c.Request.Context(), billing.AuthorizeRequest{
		PrincipalID:       principalID,
		ResourceType:      req.ResourceType,
		ResourceName:      req.ResourceName,
		EstimatedQuantity: req.EstimatedQuantity,
		RoutingMode:       req.RoutingMode,
		Tier:              req.Tier,
	})
	setQuotaHeaders(c, auth.QuotaResults)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"pool_id":           auth.PoolID.String(),
		"owner_type":        auth.OwnerType,
		"estimated_credits": auth.EstimatedCredits,
		"balance":           auth.Balance,
	})
}

// FinalizeCharge settles the actual cost for a previously authorized call.
func (s *Server) FinalizeCharge(c *gin.Context) {
	principalID, ok := principalFromRequest(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}
	correlationID := strings.TrimSpace(c.Param("correlation_id"))

	var req finalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}
	if err := validateChargeFields(correlationID, req.ResourceType, req.ActualQuantity); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set("pricing_key", req.ResourceType)

	result, err := s.orchestrator.Finalize(c.Request.Context(), billing.FinalizeRequest{
		PrincipalID:    principalID,
		PoolID:         req.PoolID,
		CorrelationID:  correlationID,
		ResourceType:   req.ResourceType,
		ResourceName:   req.ResourceName,
		ActualQuantity: req.ActualQuantity,
		RoutingMode:    req.RoutingMode,
		Tier:           req.Tier,
		Metadata:       req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.writeChargeResult(c, result)
}

// GetAttribution looks up the recorded outcome for a correlation ID, the
// read side of client retry logic.
func (s *Server) GetAttribution(c *gin.Context) {
	record, err := s.ledgerSvc.FindAttributionByCorrelationID(c.Request.Context(), c.Param("correlation_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// GetBalance reports the caller's pool and allocation without consuming
// quota.
func (s *Server) GetBalance(c *gin.Context) {
	principalID, ok := principalFromRequest(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	balance, err := s.orchestrator.Balance(c.Request.Context(), principalID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Header("Credits-Remaining", formatCredits(balance.AllocationRemaining))
	c.JSON(http.StatusOK, balance)
}

// GetQuotaUsage reads the current window counters without incrementing.
func (s *Server) GetQuotaUsage(c *gin.Context) {
	principalID, ok := principalFromRequest(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	results, err := s.quotaEnf.Usage(c.Request.Context(), principalID, c.Query("tier"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	setQuotaHeaders(c, results)
	c.JSON(http.StatusOK, gin.H{"windows": results})
}

func (s *Server) writeChargeResult(c *gin.Context, result billing.ChargeResult) {
	c.Header("Cost-Incurred", formatCredits(result.CreditsCharged))
	c.Header("Credits-Remaining", formatCredits(result.Remaining))
	c.JSON(http.StatusOK, chargeResponse{
		CorrelationID:  result.CorrelationID,
		PoolID:         result.PoolID.String(),
		CreditsCharged: result.CreditsCharged,
		Remaining:      result.Remaining,
		Overdraft:      result.Overdraft,
		Replayed:       result.Replayed,
	})
}

func validateChargeFields(correlationID, resourceType string, quantity int64) error {
	if strings.TrimSpace(correlationID) == "" {
		return newValidationError("correlation_id", "invalid_correlation_id", "correlation id is required")
	}
	if strings.TrimSpace(resourceType) == "" {
		return newValidationError("resource_type", "invalid_resource_type", "resource type is required")
	}
	if quantity < 0 {
		return newValidationError("quantity", "invalid_quantity", "quantity must not be negative")
	}
	return nil
}
