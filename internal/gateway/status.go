package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/ansgw/internal/observability"
	"github.com/danmuck/ansgw/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// StatusAPI is the read-only HTTP surface of a running gateway.
type StatusAPI struct {
	name    string
	server  *Server
	ready   func() bool
	started time.Time
	router  *gin.Engine
}

func NewStatusAPI(name string, server *Server, ready func() bool) *StatusAPI {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger, name))
	r.Use(observability.RequestMetricsMiddleware(name))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	api := &StatusAPI{
		name:    name,
		server:  server,
		ready:   ready,
		started: time.Now(),
		router:  r,
	}
	api.registerRoutes()
	return api
}

func (a *StatusAPI) Router() *gin.Engine {
	return a.router
}

func (a *StatusAPI) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.started).String(),
			"gateway": a.name,
			"version": protocol.ServerVersion,
		})
	})

	a.router.GET("/ready", func(c *gin.Context) {
		ready := a.ready == nil || a.ready()
		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"ready":   ready,
			"uptime":  time.Since(a.started).String(),
			"gateway": a.name,
		})
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router.GET("/info", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.server.ServerInfo())
	})

	a.router.GET("/peers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"peers": a.server.Peers().Snapshot()})
	})

	a.router.GET("/boards", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"boards": a.server.Boards().Snapshot()})
	})

	a.router.GET("/boards/:handle", func(c *gin.Context) {
		handle, err := strconv.ParseUint(c.Param("handle"), 0, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "handle must be a u32"})
			return
		}
		snap, ok := a.server.Boards().Lookup(uint32(handle))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such board"})
			return
		}
		c.JSON(http.StatusOK, snap)
	})
}
