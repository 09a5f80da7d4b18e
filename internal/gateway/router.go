package gateway

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bizmatters/collab/event-relay/internal/auth"
	"github.com/bizmatters/collab/event-relay/internal/health"
	"github.com/bizmatters/collab/event-relay/internal/logging"
)

// RouterConfig collects the dependencies of NewRouter
type RouterConfig struct {
	Handler    *Handler
	JWTManager *auth.JWTManager
	AdminRole  string
	Health     *health.Status
	DB         health.Pinger
	Logger     *zap.Logger
}

// NewRouter builds the workspace API engine
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(Correlation(cfg.Logger))
	router.Use(logging.Middleware(cfg.Logger))

	if cfg.Health != nil {
		cfg.Health.RegisterRoutes(router, cfg.DB)
	}

	api := router.Group("/api")
	api.Use(auth.RequireAuth(cfg.JWTManager, cfg.Logger), Actor())
	{
		api.DELETE("/workspaces/:workspaceId/channels/:channelId", cfg.Handler.DeleteChannel)
		api.DELETE("/workspaces/:workspaceId", auth.RequireRole(cfg.AdminRole), cfg.Handler.DeleteWorkspace)
	}

	admin := router.Group("/admin")
	admin.Use(auth.RequireAuth(cfg.JWTManager, cfg.Logger), Actor(), auth.RequireRole(cfg.AdminRole))
	{
		admin.GET("/outbox/exhausted", cfg.Handler.ListExhaustedEvents)
		admin.GET("/outbox/stats", cfg.Handler.OutboxStats)
	}

	return router
}
