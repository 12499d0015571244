// Package api provides the HTTP server for the gateway: routing, CORS,
// gateway authentication, health reporting, and hot-reload plumbing for the
// handler core.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/modelbridge/modelbridge/internal/api/handlers"
	claudehandlers "github.com/modelbridge/modelbridge/internal/api/handlers/claude"
	openaihandlers "github.com/modelbridge/modelbridge/internal/api/handlers/openai"
	"github.com/modelbridge/modelbridge/internal/api/middleware"
	"github.com/modelbridge/modelbridge/internal/config"
	"github.com/modelbridge/modelbridge/internal/conversation"
	"github.com/modelbridge/modelbridge/internal/logging"
	"github.com/modelbridge/modelbridge/internal/metrics"
	"github.com/modelbridge/modelbridge/internal/router"
)

// Server is the gateway's HTTP front. It owns the Gin engine, the underlying
// http.Server, and the shared handler core.
type Server struct {
	engine        *gin.Engine
	server        *http.Server
	base          *handlers.BaseHandler
	cfg           *config.Config
	requestLogger *logging.FileRequestLogger
	store         *conversation.Store
}

// NewServer creates and initializes the API server.
func NewServer(cfg *config.Config, base *handlers.BaseHandler, store *conversation.Store) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(middleware.CorrelationID())

	requestLogger := logging.NewFileRequestLogger(cfg.RequestLog, "logs")
	engine.Use(middleware.RequestLogging(requestLogger))
	engine.Use(corsMiddleware())

	s := &Server{
		engine:        engine,
		base:          base,
		cfg:           cfg,
		requestLogger: requestLogger,
		store:         store,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}
	return s
}

func (s *Server) setupRoutes() {
	claudeH := claudehandlers.NewHandler(s.base)
	openaiH := openaihandlers.NewHandler(s.base)

	v1 := s.engine.Group("/v1")
	v1.Use(AuthMiddleware(s))
	{
		v1.GET("/models", s.unifiedModelsHandler(openaiH, claudeH))
		v1.POST("/chat/completions", openaiH.ChatCompletions)
		v1.POST("/completions", openaiH.Completions)
		v1.POST("/messages", claudeH.Messages)
	}

	s.engine.GET("/healthz", s.healthzHandler)

	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "ModelBridge API Gateway",
			"version": "1.0.0",
			"endpoints": []string{
				"POST /v1/messages",
				"POST /v1/chat/completions",
				"POST /v1/completions",
				"GET /v1/models",
				"GET /healthz",
			},
		})
	})
}

// unifiedModelsHandler routes GET /v1/models by User-Agent: claude-cli
// clients get the Claude listing shape, everyone else the OpenAI shape.
func (s *Server) unifiedModelsHandler(openaiH *openaihandlers.Handler, claudeH *claudehandlers.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.HasPrefix(c.GetHeader("User-Agent"), "claude-cli") {
			claudeH.Models(c)
			return
		}
		openaiH.Models(c)
	}
}

// healthzHandler reports breaker states, backend resource counts, store size,
// and the process counters.
func (s *Server) healthzHandler(c *gin.Context) {
	backends := gin.H{}
	for provider, client := range s.base.Backends() {
		backends[provider] = gin.H{
			"active_resources": client.ActiveResources(),
			"streaming":        client.SupportsStreaming(),
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"breakers":      s.base.Breakers().States(),
		"backends":      backends,
		"conversations": s.store.Len(),
		"counters":      metrics.Snapshot(),
	})
}

// Start begins serving. It blocks until the listener fails or is shut down.
func (s *Server) Start() error {
	log.Debugf("starting API server on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping API server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	log.Debug("API server stopped")
	return nil
}

// UpdateConfig applies a hot-reloaded configuration: routing table, runtime
// toggles, and log settings. Backend credentials and the port require a
// restart and are left as loaded.
func (s *Server) UpdateConfig(cfg *config.Config) {
	if s.requestLogger != nil && s.cfg.RequestLog != cfg.RequestLog {
		s.requestLogger.SetEnabled(cfg.RequestLog)
		log.Debugf("request logging updated from %t to %t", s.cfg.RequestLog, cfg.RequestLog)
	}
	if s.cfg.Debug != cfg.Debug {
		logging.SetDebug(cfg.Debug)
		log.Debugf("debug mode updated from %t to %t", s.cfg.Debug, cfg.Debug)
	}

	configured := make([]string, 0, 2)
	for provider := range s.base.Backends() {
		configured = append(configured, provider)
	}
	s.base.Table().Replace(cfg.Routes, defaultProvider(cfg), defaultModel(cfg), configured)

	s.cfg = cfg
	s.base.UpdateConfig(cfg)
	log.Info("server configuration updated")
}

func defaultProvider(cfg *config.Config) string {
	if cfg.Azure.BaseURL != "" {
		return router.ProviderAzure
	}
	if cfg.Bedrock.Enabled() {
		return router.ProviderBedrock
	}
	return router.ProviderAzure
}

func defaultModel(cfg *config.Config) string {
	if cfg.Azure.BaseURL != "" {
		return cfg.Azure.Deployment
	}
	return cfg.Bedrock.Model
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Api-Key, X-Correlation-Id, X-Conversation-Id")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// AuthMiddleware authenticates callers against the configured gateway keys.
// An empty key list leaves the gateway open.
func AuthMiddleware(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := s.base.Config()
		if cfg.AllowLocalhostUnauthenticated && strings.HasPrefix(c.Request.RemoteAddr, "127.0.0.1:") {
			c.Next()
			return
		}
		if len(cfg.APIKeys) == 0 {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		apiKeyHeader := c.GetHeader("X-Api-Key")
		apiKeyQuery, _ := c.GetQuery("key")

		if authHeader == "" && apiKeyHeader == "" && apiKeyQuery == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing API key"})
			return
		}

		apiKey := authHeader
		if parts := strings.Split(authHeader, " "); len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			apiKey = parts[1]
		}

		for i := range cfg.APIKeys {
			if cfg.APIKeys[i] == apiKey || cfg.APIKeys[i] == apiKeyHeader || cfg.APIKeys[i] == apiKeyQuery {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
	}
}
