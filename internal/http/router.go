// Package httpapi wires the HTTP transport (Gin) to the engine, the admin
// service and the middleware stack: tracing, correlation ids, redacted
// access logs, panic recovery, compression, metrics, idempotency, rate
// limiting, CORS and security headers.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	_ "github.com/tbourn/changuard/docs"
	"github.com/tbourn/changuard/internal/config"
	"github.com/tbourn/changuard/internal/http/handlers"
	"github.com/tbourn/changuard/internal/http/middleware"
	"github.com/tbourn/changuard/internal/kv"
)

// Deps are the collaborators RegisterRoutes mounts.
type Deps struct {
	// DB backs the admin API and the health check.
	DB *gorm.DB
	// Store holds idempotency keys and, when Shared is set, the inbound rate
	// limit counters. Nil disables replay detection.
	Store kv.Store
	// Shared reports that Store is visible to every instance.
	Shared bool

	Engine   handlers.Engine
	Verifier handlers.Verifier
	Admin    handlers.AdminService
}

// degradable is implemented by stores that can fall back to a local copy.
type degradable interface{ Degraded() bool }

// RegisterRoutes attaches all middleware and HTTP endpoints to r and mounts
// the API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with secret scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter and gzip
//  6. Metrics
//  7. Idempotency validator (before rate limiter to allow bypass on replay)
//  8. Rate limiter (per client IP, bypass on replay)
//  9. CORS and Security headers
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-Admin-Token", "X-Telegram-Bot-Api-Secret-Token"},
	}))
	r.Use(middleware.Recovery())

	r.Use(limitBody(1 << 20))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{
		MaxLen: 200,
		Store:  deps.Store,
		TTL:    cfg.IdempotencyTTL,
	}))

	var limiter middleware.Limiter
	if deps.Shared && deps.Store != nil {
		limiter = middleware.NewSharedLimiter(deps.Store, cfg.RateBurst)
	} else {
		limiter = middleware.NewLocalLimiter(cfg.RateRPS, cfg.RateBurst)
	}
	r.Use(middleware.RateLimit(limiter, middleware.KeyByClientIP()))

	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", health(deps))

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := handlers.New(deps.Engine, deps.Verifier, deps.Admin)
	api := groupWithPrefix(r, cfg.APIBasePath)
	if deps.Engine != nil {
		api.POST("/events", h.PostEvent)
		api.POST("/reverify", h.Reverify)
		api.POST("/groups/:id/rescan", h.Rescan)
	}
	if deps.Verifier != nil {
		api.POST("/evaluate", h.Evaluate)
		api.POST("/forget", h.Forget)
	}
	if deps.Admin != nil {
		api.GET("/groups", h.ListGroups)
		api.GET("/groups/:id", h.GetGroup)
		api.PUT("/groups/:id", h.UpsertGroup)
		api.PATCH("/groups/:id/enabled", h.SetGroupEnabled)
		api.DELETE("/groups/:id", h.DeleteGroup)
		api.PUT("/groups/:id/channels/:channel_id", h.LinkChannel)
		api.DELETE("/groups/:id/channels/:channel_id", h.UnlinkChannel)
		api.PUT("/channels/:id", h.UpsertChannel)
		api.GET("/audit", h.ListAudit)
	}
}

// corsMiddleware allows every origin when none are configured, otherwise
// echoes allow-listed origins.
func corsMiddleware(origins []string) []gin.HandlerFunc {
	methods := []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	headers := []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderIdempotencyKey}
	expose := []string{"X-Request-ID", "Content-Length", "ETag", "Retry-After"}

	if len(origins) == 0 {
		return []gin.HandlerFunc{
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(cors.Config{
				AllowAllOrigins:  true,
				AllowMethods:     methods,
				AllowHeaders:     headers,
				ExposeHeaders:    expose,
				AllowCredentials: false,
				MaxAge:           12 * time.Hour,
			}),
		}
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(cors.Config{
			AllowOrigins:     origins,
			AllowMethods:     methods,
			AllowHeaders:     headers,
			ExposeHeaders:    expose,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}),
	}
}

// HealthResponse reports dependency status.
type HealthResponse struct {
	Status string `json:"status" example:"ok"`
	DB     string `json:"db" example:"ok"`
	Store  string `json:"store" example:"ok"`
}

// health godoc
// @ID          health
// @Summary     Liveness and dependency status
// @Description 503 when the database is unreachable. A failing shared store only degrades the engine.
// @Tags        Ops
// @Produce     json
// @Success     200  {object}  httpapi.HealthResponse
// @Failure     503  {object}  httpapi.HealthResponse
// @Router      /health [get]
func health(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		resp := HealthResponse{Status: "ok", DB: "ok", Store: "ok"}
		status := http.StatusOK

		if deps.DB != nil {
			sqlDB, err := deps.DB.DB()
			if err == nil {
				err = sqlDB.PingContext(ctx)
			}
			if err != nil {
				resp.DB, resp.Status = "down", "down"
				status = http.StatusServiceUnavailable
			}
		}

		d, canDegrade := deps.Store.(degradable)
		switch {
		case deps.Store == nil:
			resp.Store = "none"
		case canDegrade && d.Degraded():
			resp.Store = "degraded"
		case deps.Store.Ping(ctx) != nil:
			resp.Store = "down"
		}
		if resp.Store != "ok" && resp.Store != "none" && status == http.StatusOK {
			resp.Status = "degraded"
		}
		c.JSON(status, resp)
	}
}

// limitBody caps the request body size using http.MaxBytesReader.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
