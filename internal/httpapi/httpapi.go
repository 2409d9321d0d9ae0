// Package httpapi is the REST control plane: room create/stop/stats and a
// health check, plus an ambient Prometheus /metrics endpoint, built on
// gin-gonic/gin and gin-contrib/cors.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/n0remac/sfu-control/internal/apperr"
	"github.com/n0remac/sfu-control/internal/registry"
)

// Options configures the router, bound from config.Config and the
// registry built earlier in boot order.
type Options struct {
	Log           *zap.SugaredLogger
	Registry      *registry.Registry
	Host          string
	WebsocketPort int
}

type createRoomRequest struct {
	PostID     string `json:"post_id"`
	HostUserID string `json:"host_user_id"`
}

type createRoomResponse struct {
	RoomID       string `json:"room_id"`
	WebsocketURL string `json:"websocket_url"`
	Status       string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

const maxFieldBytes = 256

// NewRouter builds the gin engine with every endpoint wired, CORS wide
// open, and a 30-second request timeout applied uniformly.
func NewRouter(opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(opts.Log))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept"},
	}))
	r.Use(requestTimeout(30 * time.Second))

	h := &handler{opts: opts}

	r.POST("/room/create", h.createRoom)
	r.POST("/room/:room_id/stop", h.stopRoom)
	r.GET("/room/:room_id/stats", h.roomStats)
	r.GET("/stats", h.serverStats)
	r.GET("/health", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type handler struct {
	opts Options
}

func (h *handler) createRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}
	if req.PostID == "" || req.HostUserID == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "post_id and host_user_id are required"})
		return
	}
	if len(req.PostID) > maxFieldBytes || len(req.HostUserID) > maxFieldBytes {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "post_id and host_user_id must be at most 256 bytes"})
		return
	}

	room, err := h.opts.Registry.CreateRoom(req.PostID, req.HostUserID)
	if err != nil {
		writeErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, createRoomResponse{
		RoomID:       room.ID,
		WebsocketURL: websocketURL(h.opts.Host, h.opts.WebsocketPort, room.ID, "host"),
		Status:       "created",
	})
}

func (h *handler) stopRoom(c *gin.Context) {
	roomID := c.Param("room_id")
	if _, ok := h.opts.Registry.GetRoom(roomID); !ok {
		c.JSON(http.StatusNotFound, errorResponse{Error: "room not found"})
		return
	}
	h.opts.Registry.StopRoom(roomID)
	c.JSON(http.StatusOK, gin.H{"status": "stopped", "room_id": roomID})
}

func (h *handler) roomStats(c *gin.Context) {
	roomID := c.Param("room_id")
	stats, err := h.opts.Registry.RoomStats(roomID)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *handler) serverStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.opts.Registry.ServerStats())
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func writeErr(c *gin.Context, err error) {
	ae, ok := apperr.As(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(ae.Kind.HTTPStatus(), errorResponse{Error: ae.Message})
}

func websocketURL(host string, port int, roomID, role string) string {
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return "ws://" + host + ":" + strconv.Itoa(port) + "/room/" + roomID + "/" + role
}

func requestLogger(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debugw("http request", "method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "duration", time.Since(start))
	}
}

func requestTimeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
