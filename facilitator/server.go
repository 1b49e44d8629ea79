package facilitator

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/niklabh/x402-go"
)

// wireRequest is the JSON body of POST /verify and POST /settle.
type wireRequest struct {
	X402Version         int                     `json:"x402Version"`
	PaymentPayload      x402.PaymentPayload     `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirement `json:"paymentRequirements"`
}

// Server exposes a facilitator engine over HTTP: POST /verify, POST /settle
// and GET /supported. Verification and settlement run under separate
// deadlines since settlement blocks on chain confirmation.
type Server struct {
	engine   Interface
	logger   zerolog.Logger
	timeouts x402.TimeoutConfig
}

// NewServer wraps an engine with the HTTP surface.
func NewServer(engine Interface, logger zerolog.Logger, timeouts x402.TimeoutConfig) *Server {
	return &Server{
		engine:   engine,
		logger:   logger,
		timeouts: timeouts,
	}
}

// Router builds the gin router with all facilitator routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.POST("/verify", s.handleVerify)
	router.POST("/settle", s.handleSettle)
	router.GET("/supported", s.handleSupported)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return router
}

// requestLogger tags every request with an id and logs its outcome.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.NewString()
		c.Set("request_id", requestID)
		c.Header("X-Request-Id", requestID)

		start := time.Now()
		c.Next()

		s.logger.Info().
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) handleVerify(c *gin.Context) {
	var req wireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeouts.VerifyTimeout)
	defer cancel()

	resp, err := s.engine.Verify(ctx, req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.logError(c, "verify failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification error"})
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSettle(c *gin.Context) {
	var req wireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeouts.SettleTimeout)
	defer cancel()

	resp, err := s.engine.Settle(ctx, req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.logError(c, "settle failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement error"})
		return
	}

	if !resp.Success {
		s.logger.Warn().
			Str("request_id", c.GetString("request_id")).
			Str("reason", resp.ErrorReason).
			Str("network", resp.Network).
			Str("payer", resp.Payer).
			Msg("settlement rejected")
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSupported(c *gin.Context) {
	resp, err := s.engine.Supported(c.Request.Context())
	if err != nil {
		s.logError(c, "supported failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) logError(c *gin.Context, msg string, err error) {
	s.logger.Error().
		Str("request_id", c.GetString("request_id")).
		Err(err).
		Msg(msg)
}
