package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/relaybill/relaybill/internal/audit/domain"
	ledgerdomain "github.com/relaybill/relaybill/internal/ledger/domain"
	"github.com/relaybill/relaybill/internal/principalctx"
	subscriptiondomain "github.com/relaybill/relaybill/internal/subscription/domain"
)

type createAllocationRequest struct {
	PrincipalID snowflake.ID `json:"principal_id"`
	Credits     int64        `json:"credits"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
}

type grantCreditsRequest struct {
	Credits       int64  `json:"credits"`
	Reason        string `json:"reason"`
	SourceEventID string `json:"source_event_id"`
}

type refundRequest struct {
	PoolID        snowflake.ID   `json:"pool_id,string"`
	PrincipalID   snowflake.ID   `json:"principal_id,string"`
	Credits       int64          `json:"credits"`
	CorrelationID string         `json:"correlation_id"`
	ResourceType  string         `json:"resource_type"`
	ResourceName  string         `json:"resource_name"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type resetQuotaRequest struct {
	Window string `json:"window"`
}

// CreateAllocation carves a per-principal budget out of a pool. The acting
// operator is recorded as allocated_by and in the audit trail.
func (s *Server) CreateAllocation(c *gin.Context) {
	poolID, err := parseSnowflakeParam(c, "pool_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req createAllocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}

	actor, _ := principalctx.ActorFromContext(c.Request.Context())
	allocationID, err := s.ledgerSvc.Allocate(
		c.Request.Context(), poolID, req.PrincipalID, req.Credits, actor, req.ExpiresAt,
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"allocation_id": allocationID.String()})
}

// GrantCredits tops up a pool outside the invoice flow, for promotional or
// correction grants. The source event ID keeps retried requests exactly-once.
func (s *Server) GrantCredits(c *gin.Context) {
	poolID, err := parseSnowflakeParam(c, "pool_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req grantCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}

	applied, err := s.ledgerSvc.Credit(
		c.Request.Context(), poolID, req.Credits, req.Reason, req.SourceEventID,
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if applied {
		s.recordAudit(c, "ledger.credit_grant", "credit_pool", poolID.String(), map[string]any{
			"credits":         req.Credits,
			"reason":          req.Reason,
			"source_event_id": req.SourceEventID,
		})
	}
	c.JSON(http.StatusOK, gin.H{"applied": applied})
}

func (s *Server) GetPoolBalance(c *gin.Context) {
	poolID, err := parseSnowflakeParam(c, "pool_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var principalID snowflake.ID
	if raw := strings.TrimSpace(c.Query("principal_id")); raw != "" {
		principalID, err = snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, newValidationError("principal_id", "invalid_principal", "malformed principal id"))
			return
		}
	}

	balance, err := s.ledgerSvc.GetBalance(c.Request.Context(), poolID, principalID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

// CreateRefund reverses recorded usage. Amounts above recorded usage are
// clamped, and the response says so.
func (s *Server) CreateRefund(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}

	result, err := s.ledgerSvc.Refund(c.Request.Context(), ledgerdomain.RefundRequest{
		PoolID:        req.PoolID,
		PrincipalID:   req.PrincipalID,
		Amount:        req.Credits,
		CorrelationID: req.CorrelationID,
		ResourceType:  req.ResourceType,
		ResourceName:  req.ResourceName,
		Metadata:      req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ResetQuota zeroes the current window for one principal.
func (s *Server) ResetQuota(c *gin.Context) {
	principalID, err := parseSnowflakeParam(c, "principal_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req resetQuotaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}

	if err := s.quotaEnf.ForceReset(c.Request.Context(), principalID, req.Window); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *Server) GetReconciliationReport(c *gin.Context) {
	report, err := s.reconcileSvc.Report(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) ListSubscriptions(c *gin.Context) {
	filter := subscriptiondomain.ListFilter{
		Status: subscriptiondomain.Status(strings.TrimSpace(c.Query("status"))),
	}
	if raw := strings.TrimSpace(c.Query("principal_id")); raw != "" {
		principalID, err := snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, newValidationError("principal_id", "invalid_principal", "malformed principal id"))
			return
		}
		filter.PrincipalID = principalID
	}

	records, err := s.subs.List(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": records})
}

func (s *Server) ListAuditLogs(c *gin.Context) {
	var req auditdomain.ListAuditLogRequest
	if err := c.ShouldBindQuery(&req.Pagination); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid pagination"))
		return
	}
	req.Action = strings.TrimSpace(c.Query("action"))
	req.TargetType = strings.TrimSpace(c.Query("target_type"))
	req.TargetID = strings.TrimSpace(c.Query("target_id"))
	if raw := strings.TrimSpace(c.Query("principal_id")); raw != "" {
		principalID, err := snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, newValidationError("principal_id", "invalid_principal", "malformed principal id"))
			return
		}
		req.PrincipalID = &principalID
	}

	resp, err := s.auditSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) recordAudit(c *gin.Context, action, targetType, targetID string, metadata map[string]any) {
	target := targetID
	_ = s.auditSvc.Record(c.Request.Context(), nil, action, targetType, &target, metadata)
}

func parseSnowflakeParam(c *gin.Context, name string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param(name)))
	if err != nil || id == 0 {
		return 0, newValidationError(name, "invalid_"+name, "malformed identifier")
	}
	return id, nil
}
