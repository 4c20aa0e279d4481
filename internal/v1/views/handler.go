// Package views serves the read-only HTTP side-channel over the session
// and room registries. Nothing here mutates core state.
package views

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentroom/agentroom/internal/v1/room"
	"github.com/agentroom/agentroom/internal/v1/session"
)

// Handler exposes registry snapshots as JSON endpoints.
type Handler struct {
	sessions  *session.Registry
	rooms     *room.Registry
	startedAt time.Time
}

// NewHandler creates a views handler. startedAt stamps /health and /stats.
func NewHandler(sessions *session.Registry, rooms *room.Registry, startedAt time.Time) *Handler {
	return &Handler{sessions: sessions, rooms: rooms, startedAt: startedAt}
}

// RegisterRoutes attaches all read-view endpoints to the router.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.Health)
	r.GET("/stats", h.Stats)
	r.GET("/rooms", h.Rooms)
	r.GET("/rooms/:id", h.RoomMembers)
	r.GET("/rooms/:id/permissions", h.RoomPermissions)
	r.GET("/users", h.Users)
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"uptime":    time.Since(h.startedAt).Round(time.Second).String(),
		"startedAt": h.startedAt.UTC().Format(time.RFC3339),
	})
}

// Stats reports registry counters.
func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connections":   h.sessions.Count(),
		"authenticated": h.sessions.AuthenticatedCount(),
		"rooms":         h.rooms.Count(),
		"startedAt":     h.startedAt.UTC().Format(time.RFC3339),
		"uptime":        time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// Rooms lists all rooms.
func (h *Handler) Rooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.rooms.ListRooms("")})
}

// RoomMembers lists one room's members, or 404.
func (h *Handler) RoomMembers(c *gin.Context) {
	roomID := c.Param("id")
	members, err := h.rooms.GetMembers(roomID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Message})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"room_id": roomID,
		"members": members,
	})
}

// RoomPermissions reports one room's permission table and config, or 404.
func (h *Handler) RoomPermissions(c *gin.Context) {
	roomID := c.Param("id")
	perms, config, err := h.rooms.GetRoomConfig(roomID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Message})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"room_id":     roomID,
		"permissions": perms,
		"config":      config,
	})
}

// Users lists authenticated sessions.
func (h *Handler) Users(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": h.sessions.ListOnline()})
}
