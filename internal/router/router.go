package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/handler"
	"github.com/stemsi/exstem-live/internal/middleware"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Auth      *handler.AuthHandler
	WS        *handler.WSHandler
	Violation *handler.ViolationHandler
	System    *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.GinMode != gin.TestMode {
		router.Use(gin.Logger())
	}

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Apply brotli middleware globally; upgrades pass through untouched.
	router.Use(middleware.Brotli())

	router.GET("/healthz", handlers.System.Health)

	// ─── 1. Dev Group (Public, Rate Limited) ───────────────────────────
	devLimiter := middleware.NewRateLimiter(30, time.Minute)
	dev := router.Group("/api/v1/dev")
	dev.Use(devLimiter.Middleware())
	{
		dev.POST("/token", handlers.Auth.DevToken)
	}

	// ─── 2. Candidate Group (JWT) ──────────────────────────────────────
	api := router.Group("/api/v1")
	api.Use(middleware.RequireStudentJWT(authService))
	{
		api.GET("/auth/me", handlers.Auth.Me)
		api.GET("/tests/:test_id/violations", handlers.Violation.List)
	}

	// ─── 3. WebSocket (Query Token) ────────────────────────────────────
	router.GET("/ws/assessment", middleware.StudentWSAuth(authService), handlers.WS.AssessmentStream)

	return router
}
