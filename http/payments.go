package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
	"github.com/XavierOP877/x402-avalanche--sub001/settlement"
)

func (s *Server) handleSupported(c *gin.Context) {
	resp, err := s.svc.Supported(c.Request.Context())
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if resp.Extensions == nil {
		resp.Extensions = []string{}
	}
	c.JSON(http.StatusOK, resp)
}

// handleVerify answers with a VerifyResponse. When the chain or the upstream
// facilitator cannot be reached the body is still a VerifyResponse, with 503.
func (s *Server) handleVerify(c *gin.Context) {
	var req x402.VerifyRequest
	if !s.bind(c, paymentBody, &req) {
		return
	}
	resp, err := s.svc.Verify(c.Request.Context(), req)
	if err != nil {
		if !x402.IsKind(err, x402.KindUpstreamUnavailable) {
			s.abortWithError(c, err)
			return
		}
		reason := x402.CodeOf(err)
		if reason == "" {
			reason = x402.ReasonUpstreamUnavailable
		}
		s.logger.Warn("verify upstream unavailable",
			zap.String("requestId", requestID(c)),
			zap.String("facilitatorId", req.FacilitatorID),
			zap.Error(err))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, x402.Invalid(reason, ""))
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleSettle broadcasts a verified payment. The pending record is returned
// with 202 unless wait=true asks to block for the on-chain outcome.
func (s *Server) handleSettle(c *gin.Context) {
	wait := false
	if raw := c.Query("wait"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.abortWithError(c, x402.NewValidationError("invalid_wait", "wait must be a boolean"))
			return
		}
		wait = v
	}

	var req x402.VerifyRequest
	if !s.bind(c, paymentBody, &req) {
		return
	}
	rec, err := s.svc.Settle(c.Request.Context(), req)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if !wait {
		c.JSON(http.StatusAccepted, rec)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.settleWait)
	defer cancel()
	final, err := s.svc.Submitter().Wait(ctx, rec.TxHash)
	if err != nil {
		if x402.IsKind(err, x402.KindSettlementTimeout) {
			s.logger.Info("settlement still pending after wait",
				zap.String("requestId", requestID(c)), zap.String("txHash", rec.TxHash))
			c.AbortWithStatusJSON(http.StatusGatewayTimeout, gin.H{
				"error":  publicMessage(err),
				"code":   x402.CodeOf(err),
				"txHash": rec.TxHash,
			})
			return
		}
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, final)
}

func (s *Server) handleGetSettlement(c *gin.Context) {
	rec, err := s.svc.Submitter().Get(c.Request.Context(), c.Param("txHash"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type confirmRequest struct {
	TxHash      string  `json:"txHash"`
	Success     bool    `json:"success"`
	BlockNumber *uint64 `json:"blockNumber,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

// handleConfirm applies an externally observed outcome. Confirming a record
// that already reached a terminal state returns it unchanged.
func (s *Server) handleConfirm(c *gin.Context) {
	var req confirmRequest
	if !s.bind(c, confirmBody, &req) {
		return
	}
	rec, err := s.svc.Submitter().Confirm(c.Request.Context(), settlement.Confirmation{
		TxHash:      req.TxHash,
		Success:     req.Success,
		BlockNumber: req.BlockNumber,
		Reason:      req.Reason,
	})
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
