// Package status serves the health, metrics and liveness endpoints.
package status

import (
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aura-webinar/signaling/config"
	"github.com/aura-webinar/signaling/internal/metrics"
	"github.com/aura-webinar/signaling/internal/ratelimit"
	"github.com/aura-webinar/signaling/internal/realtime"
	"github.com/aura-webinar/signaling/internal/relay"
	"github.com/aura-webinar/signaling/internal/rooms"
	"github.com/aura-webinar/signaling/pkg/response"
)

// Handler reads counters from the running components. It never takes the
// router path's locks for longer than a map copy.
type Handler struct {
	hub     *realtime.Hub
	rooms   *rooms.Manager
	metrics *metrics.Metrics
	limiter *ratelimit.Limiter
	relay   *relay.Service
	cfg     *config.Config
}

// NewHandler creates a status handler.
func NewHandler(hub *realtime.Hub, rm *rooms.Manager, m *metrics.Metrics, l *ratelimit.Limiter, rs *relay.Service, cfg *config.Config) *Handler {
	return &Handler{hub: hub, rooms: rm, metrics: m, limiter: l, relay: rs, cfg: cfg}
}

// RoomStats is the room section of the health report.
type RoomStats struct {
	Active  int            `json:"active"`
	Created int64          `json:"created"`
	Evicted int64          `json:"evicted"`
	Members map[string]int `json:"members"`
}

// MemoryStats is a sample of the Go runtime's memory counters.
type MemoryStats struct {
	AllocBytes     uint64 `json:"allocBytes"`
	HeapInuseBytes uint64 `json:"heapInuseBytes"`
	SysBytes       uint64 `json:"sysBytes"`
	NumGC          uint32 `json:"numGC"`
	Goroutines     int    `json:"goroutines"`
}

// RelayStats describes the relay credential service.
type RelayStats struct {
	Configured       bool  `json:"configured"`
	Cached           int   `json:"cached"`
	ProviderFailures int64 `json:"providerFailures"`
}

// ConfigView is the subset of configuration reported by /health.
type ConfigView struct {
	Mode                 string `json:"mode"`
	MaxParticipants      int    `json:"maxParticipants"`
	MaxMsgLen            int    `json:"maxMsgLen"`
	HistoryCap           int    `json:"historyCap"`
	InactiveRoomTTLSec   int64  `json:"inactiveRoomTtlSeconds"`
	CleanupIntervalSec   int64  `json:"cleanupIntervalSeconds"`
	ProbeIntervalSec     int64  `json:"probeIntervalSeconds"`
	RateLimitWindowSec   int64  `json:"rateLimitWindowSeconds"`
	DefaultRateLimit     int    `json:"defaultRateLimit"`
	RelayServers         int    `json:"relayServers"`
	RelayProviderEnabled bool   `json:"relayProviderEnabled"`
}

// HealthReport is the body of GET /health.
type HealthReport struct {
	Status      string           `json:"status"`
	Timestamp   string           `json:"timestamp"`
	Metrics     metrics.Snapshot `json:"metrics"`
	Rooms       RoomStats        `json:"rooms"`
	RateLimited int              `json:"rateLimitedConnections"`
	Relay       RelayStats       `json:"relay"`
	Memory      MemoryStats      `json:"memory"`
	Config      ConfigView       `json:"config"`
}

// MetricsReport is the body of GET /metrics.
type MetricsReport struct {
	metrics.Snapshot
	RoomsActive  int   `json:"roomsActive"`
	RoomsCreated int64 `json:"roomsCreated"`
	RoomsEvicted int64 `json:"roomsEvicted"`
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	response.OK(c, HealthReport{
		Status:      "healthy",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Metrics:     h.metrics.Snapshot(),
		Rooms:       h.roomStats(),
		RateLimited: h.limiter.Connections(),
		Relay:       h.relayStats(),
		Memory:      readMemory(),
		Config:      h.configView(),
	})
}

// Metrics handles GET /metrics.
func (h *Handler) Metrics(c *gin.Context) {
	response.OK(c, MetricsReport{
		Snapshot:     h.metrics.Snapshot(),
		RoomsActive:  h.rooms.Count(),
		RoomsCreated: h.rooms.Created(),
		RoomsEvicted: h.rooms.Evicted(),
	})
}

// Status handles GET /status.
func (h *Handler) Status(c *gin.Context) {
	response.Text(c, "OK")
}

func (h *Handler) roomStats() RoomStats {
	return RoomStats{
		Active:  h.rooms.Count(),
		Created: h.rooms.Created(),
		Evicted: h.rooms.Evicted(),
		Members: h.hub.RoomSizes(),
	}
}

func (h *Handler) relayStats() RelayStats {
	if h.relay == nil {
		return RelayStats{}
	}
	return RelayStats{
		Configured:       h.relay.Configured(),
		Cached:           h.relay.Cached(),
		ProviderFailures: h.relay.ProviderFailures(),
	}
}

func (h *Handler) configView() ConfigView {
	cfg := h.cfg
	return ConfigView{
		Mode:                 cfg.Server.Mode,
		MaxParticipants:      cfg.Room.MaxParticipants,
		MaxMsgLen:            cfg.Room.MaxMsgLen,
		HistoryCap:           cfg.Room.HistoryCap,
		InactiveRoomTTLSec:   int64(cfg.Room.InactiveTTL / time.Second),
		CleanupIntervalSec:   int64(cfg.Room.CleanupInterval / time.Second),
		ProbeIntervalSec:     int64(cfg.Liveness.ProbeInterval / time.Second),
		RateLimitWindowSec:   int64(cfg.RateLimit.Window / time.Second),
		DefaultRateLimit:     cfg.RateLimit.DefaultLimit,
		RelayServers:         len(cfg.Relay.Servers),
		RelayProviderEnabled: cfg.Relay.ProviderEnabled(),
	}
}

func readMemory() MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return MemoryStats{
		AllocBytes:     ms.Alloc,
		HeapInuseBytes: ms.HeapInuse,
		SysBytes:       ms.Sys,
		NumGC:          ms.NumGC,
		Goroutines:     runtime.NumGoroutine(),
	}
}
