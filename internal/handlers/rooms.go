package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/callrelay/internal/models"
	presence "github.com/mossy-p/callrelay/internal/redis"
	"github.com/mossy-p/callrelay/internal/relay"
)

// PresenceReader looks up the last known status of a participant.
type PresenceReader interface {
	Status(ctx context.Context, email string) (models.Presence, error)
}

// Rooms serves the read-only room/presence API and the operator eviction.
type Rooms struct {
	relay    *relay.Relay
	presence PresenceReader
	log      *zap.Logger
}

func NewRooms(r *relay.Relay, p PresenceReader, log *zap.Logger) *Rooms {
	return &Rooms{relay: r, presence: p, log: log}
}

// GetRoom returns the live occupancy of a room (public).
func (h *Rooms) GetRoom(c *gin.Context) {
	c.JSON(http.StatusOK, h.relay.Room(c.Param("room")))
}

// DeleteRoom disconnects every member of a room (operator only).
func (h *Rooms) DeleteRoom(c *gin.Context) {
	room := c.Param("room")

	n := h.relay.Evict(room)
	if n == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	h.log.Info("room deleted by operator",
		zap.String("room", room),
		zap.String("operator", c.GetString("operator")))
	c.JSON(http.StatusOK, gin.H{"room": room, "evicted": n})
}

// GetPresence returns the mirrored status of an email (public).
func (h *Rooms) GetPresence(c *gin.Context) {
	if h.presence == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Presence tracking disabled"})
		return
	}

	p, err := h.presence.Status(c.Request.Context(), c.Param("email"))
	switch {
	case errors.Is(err, presence.ErrNoPresence):
		c.JSON(http.StatusNotFound, gin.H{"error": "No presence recorded"})
	case err != nil:
		h.log.Error("presence lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Presence lookup failed"})
	default:
		c.JSON(http.StatusOK, p)
	}
}
