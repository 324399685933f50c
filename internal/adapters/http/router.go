// Package http exposes the session lifecycle API over gin.
package http

import (
	"github.com/gin-gonic/gin"

	"github.com/liveclass/coordinator/internal/app"
	"github.com/liveclass/coordinator/internal/config"
)

func SetupRouter(cfg *config.Config, coord *app.Coordinator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	h := &Handlers{coord: coord}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	sessions := api.Group("/sessions")

	sessions.POST("/start", h.Start)
	sessions.POST("/:meetingID/join", h.Join)
	sessions.POST("/:meetingID/leave", h.Leave)
	sessions.POST("/:meetingID/end", h.End)
	sessions.GET("/:meetingID/status", h.Status)

	return r
}
