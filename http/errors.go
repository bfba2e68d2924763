package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
)

const genericError = "Internal server error"

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch x402.KindOf(err) {
	case x402.KindValidation:
		return http.StatusBadRequest
	case x402.KindNotFound:
		return http.StatusNotFound
	case x402.KindPreconditionFailed:
		return http.StatusConflict
	case x402.KindUpstreamUnavailable, x402.KindTransient:
		return http.StatusServiceUnavailable
	case x402.KindSettlementTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage is what a client may see. Crypto and internal failures are
// reduced to a generic message.
func publicMessage(err error) string {
	var e *x402.Error
	if !errors.As(err, &e) {
		return genericError
	}
	switch e.Kind {
	case x402.KindCrypto, x402.KindInternal:
		return genericError
	}
	return e.Message
}

// abortWithError logs err against the request id and writes the translated
// response.
func (s *Server) abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	fields := []zap.Field{
		zap.String("requestId", requestID(c)),
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Int("status", status),
		zap.String("kind", x402.KindOf(err).String()),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", fields...)
	} else {
		s.logger.Info("request rejected", fields...)
	}

	body := gin.H{"error": publicMessage(err)}
	if code := x402.CodeOf(err); code != "" && x402.KindOf(err) != x402.KindCrypto {
		body["code"] = code
	}
	c.AbortWithStatusJSON(status, body)
}
