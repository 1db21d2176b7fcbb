package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/signalhub/internal/auth"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	userIDContextKey   = "signalhub_user_id"
	usernameContextKey = "signalhub_username"
)

var (
	errMissingGateway       = errors.New("gateway dependency required")
	errMissingValidator     = errors.New("token validator dependency required")
	errInvalidAuthorization = errors.New("authorization token missing or invalid")
)

// TokenValidator authenticates HTTP requests and upgrade requests.
type TokenValidator interface {
	ValidateRequest(r *http.Request) (auth.Claims, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Gateway        *Gateway
	Validator      TokenValidator
	AllowedOrigins []string
	SendQueueSize  int
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving health, status, admin, and WebSocket routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}
	if deps.Validator == nil {
		return nil, errMissingValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := normalizeOrigins(deps.AllowedOrigins)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(origins))

	handler := &httpHandler{
		gateway:       deps.Gateway,
		validator:     deps.Validator,
		sendQueueSize: deps.SendQueueSize,
		logger:        logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(origins),
		},
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", handler.handleWebSocket)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/status/buffer", handler.handleBufferStatus)
	protected.GET("/status/voice", handler.handleVoiceStatus)
	protected.POST("/admin/flush", handler.handleFlush)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 || containsWildcard(origins) {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 || containsWildcard(origins) {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		allowed[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

func normalizeOrigins(origins []string) []string {
	normalized := make([]string, 0, len(origins))
	for _, origin := range origins {
		if trimmed := strings.TrimRight(strings.TrimSpace(origin), "/"); trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}

type httpHandler struct {
	gateway       *Gateway
	validator     TokenValidator
	sendQueueSize int
	upgrader      websocket.Upgrader
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": h.gateway.Hub().ConnectionCount(),
	})
}

func (h *httpHandler) handleBufferStatus(c *gin.Context) {
	status, err := h.gateway.buffer.GetBufferStatus(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to read buffer status", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "buffer_status_unavailable"})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleVoiceStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.gateway.voice.GetStats())
}

func (h *httpHandler) handleFlush(c *gin.Context) {
	summary, err := h.gateway.buffer.FlushAll(c.Request.Context())
	if err != nil {
		h.logger.Error("manual flush failed",
			zap.String("requested_by", c.GetString(userIDContextKey)),
			zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "flush_failed"})
		return
	}
	h.logger.Info("manual flush completed",
		zap.String("requested_by", c.GetString(userIDContextKey)),
		zap.Int("delivered", summary.Delivered),
		zap.Bool("skipped", summary.Skipped))
	c.JSON(http.StatusOK, summary)
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		h.logTokenFailure(err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", claims.UserID), zap.Error(err))
		return
	}

	session := NewSession(uuid.NewString(), claims.UserID, claims.Username, conn, h.sendQueueSize, h.logger)
	h.gateway.Connect(session)
	defer h.gateway.Disconnect(session)

	go session.WritePump()
	session.ReadPump(c.Request.Context(), func(ctx context.Context, envelope Envelope) {
		h.gateway.HandleEvent(ctx, session, envelope)
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		h.logTokenFailure(err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Set(usernameContextKey, claims.Username)
	c.Next()
}

func (h *httpHandler) logTokenFailure(err error) {
	if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrMissingToken) {
		h.logger.Info("token validation failed", zap.Error(err))
		return
	}
	h.logger.Warn("token validation failed", zap.Error(err))
}
