package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"whatsapp-crm/internal/api"
	"whatsapp-crm/internal/config"
	"whatsapp-crm/internal/metrics"
	"whatsapp-crm/internal/middleware"
	"whatsapp-crm/internal/webhook"
	"whatsapp-crm/internal/ws"
)

type routerDeps struct {
	db        *gorm.DB
	flowCache api.FlowCache
	hub       *ws.Hub
	webhook   *webhook.Handler
	campaigns api.Campaigns
	sender    api.Sender
}

// newRouter installs middleware in order (tracing, request id, access log,
// recovery, metrics, CORS) and mounts every route.
func newRouter(cfg *config.Config, d routerDeps) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true

	if cfg.OTEL.Enabled {
		r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	}
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(metrics.Middleware())
	r.Use(corsMiddleware(cfg.CORSAllowedOrigins))

	r.NoRoute(func(c *gin.Context) {
		api.Fail(c, http.StatusNotFound, api.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		api.Fail(c, http.StatusMethodNotAllowed, api.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", healthHandler(d.db))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", d.hub.ServeWs)

	d.webhook.Register(r)

	g := r.Group("/api")
	api.NewAutomationHandler(d.db, d.flowCache, d.hub).Register(g)
	api.NewBroadcastHandler(d.db, d.campaigns).Register(g)
	api.NewContactHandler(d.db).Register(g)
	api.NewDashboardHandler(d.db, d.sender).Register(g)

	return r
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	c := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, "Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	return cors.New(c)
}

func healthHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			_ = c.Error(err)
			api.Fail(c, http.StatusServiceUnavailable, api.ErrCodeUnavailable, "database unreachable")
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
