package http

import (
	"net/http"
	"time"

	"github.com/dkeye/Swarm/internal/core"
	"github.com/dkeye/Swarm/internal/domain"
	"github.com/gin-gonic/gin"
)

type MembersResponse struct {
	Swarm   domain.SwarmID       `json:"swarm"`
	Members []domain.Participant `json:"members"`
}

type TimeResponse struct {
	ServerNanos int64 `json:"server_ns"`
}

// RegisterAPI mounts the read-only hub endpoints on g.
func RegisterAPI(g *gin.RouterGroup, rooms core.RoomManager, now func() time.Time) {
	g.GET("/swarms", func(c *gin.Context) {
		c.JSON(http.StatusOK, rooms.List())
	})
	g.GET("/swarms/:id/members", func(c *gin.Context) {
		handlerMembers(c, rooms)
	})
	g.GET("/time", func(c *gin.Context) {
		c.JSON(http.StatusOK, TimeResponse{ServerNanos: now().UnixNano()})
	})
}

func handlerMembers(c *gin.Context, rooms core.RoomManager) {
	id := domain.SwarmID(c.Param("id"))
	if err := id.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	room, ok := rooms.GetRoom(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown swarm"})
		return
	}
	c.JSON(http.StatusOK, MembersResponse{
		Swarm:   id,
		Members: room.MembersSnapshot(),
	})
}
