package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/callrelay/config"
	"github.com/mossy-p/callrelay/internal/metrics"
	"github.com/mossy-p/callrelay/internal/middleware"
	"github.com/mossy-p/callrelay/internal/relay"
)

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Relay    *relay.Relay
	Presence PresenceReader
	Metrics  *metrics.Metrics
	Log      *zap.Logger
}

// NewRouter wires every route of the relay.
func NewRouter(cfg *config.Config, d Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(d.Log.Named("http")))

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(d.Metrics.Handler()))

	rooms := NewRooms(d.Relay, d.Presence, d.Log.Named("rooms"))
	api := router.Group("/api")
	{
		api.GET("/rooms/:room", rooms.GetRoom)
		api.GET("/presence/:email", rooms.GetPresence)

		// Operator eviction (requires JWT)
		api.DELETE("/rooms/:room", middleware.OperatorAuth(cfg.JWTSecret), rooms.DeleteRoom)
	}

	signaling := NewSignaling(d.Relay, cfg.WebSocket, d.Metrics, d.Log.Named("ws"))
	router.GET("/ws/signal", signaling.Handle)

	return router
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()))
	}
}
