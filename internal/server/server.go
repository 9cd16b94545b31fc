// Package server assembles the gin engine: the signaling upgrade route, the
// status surface and the not-found handler.
package server

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-webinar/signaling/config"
	"github.com/aura-webinar/signaling/internal/middleware"
	"github.com/aura-webinar/signaling/internal/realtime"
	"github.com/aura-webinar/signaling/internal/status"
	"github.com/aura-webinar/signaling/pkg/response"
)

// Endpoints lists the routes served, as reported by the 404 body.
var Endpoints = []string{
	"GET /health",
	"GET /metrics",
	"GET /status",
	"GET /ws (websocket upgrade)",
}

// Deps are the running components the engine routes to.
type Deps struct {
	Config *config.Config
	Logger *zap.Logger
	Hub    *realtime.Hub
	Router *realtime.Router
	Status *status.Handler
}

// New builds the HTTP engine.
func New(d Deps) *gin.Engine {
	if d.Config.Server.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(d.Logger, "/status", "/health", "/metrics"))

	upgrader := realtime.Upgrader(d.Config.Server.IsProduction(), d.Config.Server.FrontendOrigin)
	r.GET("/ws", realtime.ServeWs(d.Hub, d.Router, upgrader, d.Logger))

	// Status endpoints are readable from any origin.
	probes := r.Group("/", middleware.CORS("*"))
	{
		probes.GET("/health", d.Status.Health)
		probes.GET("/metrics", d.Status.Metrics)
		probes.GET("/status", d.Status.Status)
		probes.OPTIONS("/health", func(*gin.Context) {})
		probes.OPTIONS("/metrics", func(*gin.Context) {})
		probes.OPTIONS("/status", func(*gin.Context) {})
	}

	r.NoRoute(func(c *gin.Context) {
		response.NotFound(c, "not found", Endpoints)
	})
	return r
}
