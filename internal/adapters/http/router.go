package http

import (
	"cmp"
	"context"
	"net/http"
	"slices"

	"github.com/dkeye/Nearby/internal/adapters/signal"
	"github.com/dkeye/Nearby/internal/app/orch"
	"github.com/dkeye/Nearby/internal/config"
	"github.com/dkeye/Nearby/internal/core"
	"github.com/dkeye/Nearby/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(context.Context) error

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, checks map[string]HealthCheck) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		status := http.StatusOK
		report := gin.H{}
		for name, check := range checks {
			if err := check(c.Request.Context()); err != nil {
				status = http.StatusServiceUnavailable
				report[name] = err.Error()
				continue
			}
			report[name] = "ok"
		}
		report["connections"] = o.Hub.ConnCount()
		c.JSON(status, report)
	})

	api := r.Group("/api")

	api.GET("/rooms", func(c *gin.Context) {
		rooms := o.Hub.Rooms()
		slices.SortFunc(rooms, func(a, b core.RoomInfo) int { return cmp.Compare(a.ID, b.ID) })
		c.JSON(http.StatusOK, gin.H{"rooms": rooms})
	})

	api.GET("/presence/:conn", func(c *gin.Context) {
		p, ok, err := o.Registry.Presence(c.Request.Context(), domain.ConnectionID(c.Param("conn")))
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Msg("presence lookup failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
			return
		}
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"entity":       p.Entity.String(),
			"conn":         p.Conn,
			"connected_at": p.ConnectedAt.UnixMilli(),
			"last_active":  p.LastActive.UnixMilli(),
		})
	})

	ctrl := signal.NewSignalWSController(o, signal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		PongWait:   cfg.PongWait,
		SendBuffer: cfg.SendBuffer,
	})
	api.GET("/ws", func(c *gin.Context) {
		ctrl.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
