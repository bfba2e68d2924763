package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
)

// Server exposes a Service over HTTP.
type Server struct {
	svc    Service
	logger *zap.Logger
	engine *gin.Engine
	mcp    http.Handler

	settleWait      time.Duration
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithSettleWaitTimeout bounds how long POST /settle?wait=true blocks.
func WithSettleWaitTimeout(d time.Duration) Option {
	return func(s *Server) { s.settleWait = d }
}

// WithTimeouts sets the read, write and graceful shutdown timeouts.
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
		s.shutdownTimeout = shutdown
	}
}

// WithMCPHandler mounts an MCP SSE handler at /mcp/sse.
func WithMCPHandler(h http.Handler) Option {
	return func(s *Server) { s.mcp = h }
}

// NewServer builds the router.
func NewServer(svc Service, opts ...Option) *Server {
	s := &Server{
		svc:             svc,
		logger:          zap.NewNop(),
		settleWait:      60 * time.Second,
		readTimeout:     15 * time.Second,
		writeTimeout:    90 * time.Second,
		shutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	router := gin.New()
	router.Use(requestIDMiddleware(), recovery(s.logger), accessLog(s.logger))
	s.routes(router)
	s.engine = router
	return s
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/health", s.handleHealth)
	r.GET("/supported", s.handleSupported)
	r.POST("/verify", s.handleVerify)
	r.POST("/settle", s.handleSettle)

	r.GET("/settlement/:txHash", s.handleGetSettlement)
	r.POST("/settlement/confirm", s.handleConfirm)

	f := r.Group("/facilitator")
	f.POST("/create", s.handleCreateFacilitator)
	f.GET("/list", s.handleListFacilitators)
	f.GET("/active", s.handleActiveFacilitators)
	f.GET("/my", s.handleMyFacilitator)
	f.GET("/search", s.handleSearchFacilitators)
	f.POST("/update-status", s.handleUpdateStatus)
	f.POST("/encrypt-system", s.handleEncryptSystem)
	f.GET("/:id", s.handleGetFacilitator)

	e := r.Group("/explorer")
	e.GET("/logs", s.handleExplorerLogs)
	e.GET("/recent", s.handleExplorerRecent)
	e.GET("/facilitator/:id/history", s.handleFacilitatorHistory)
	e.GET("/transaction/:txHash", s.handleTransaction)

	if s.mcp != nil {
		r.Any("/mcp/sse", gin.WrapH(s.mcp))
	}
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is cancelled, then drains
// in-flight requests within the shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown incomplete", zap.Error(err))
		srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.svc.Ping(c.Request.Context()); err != nil {
		s.logger.Warn("health check failed", zap.String("requestId", requestID(c)), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"networks": s.svc.Networks(),
		"proxy":    s.svc.Proxied(),
	})
}

// bind reads the request body and decodes it through schema.
func (s *Server) bind(c *gin.Context, schema bodySchema, out interface{}) bool {
	raw, err := c.GetRawData()
	if err != nil {
		err = x402.NewValidationError("invalid_body", "failed to read request body")
	} else {
		err = schema.decode(raw, out)
	}
	if err != nil {
		s.abortWithError(c, err)
		return false
	}
	return true
}
