package roomhandler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"roomcollabgo/internal/services/rooms"
	"roomcollabgo/internal/services/store"
	"roomcollabgo/pkg/protocol"
)

type Handler struct {
	store    store.IStore
	registry rooms.IRoomRegistry
}

func New(st store.IStore, reg rooms.IRoomRegistry) *Handler {
	return &Handler{store: st, registry: reg}
}

func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/health", h.health)
	r.GET("/api/rooms", h.list)
	r.GET("/api/rooms/:id", h.info)
	r.POST("/api/rooms", h.create)
}

// @Summary		Health check
// @Tags			Health
// @Success		200	{object}	HealthResponse
// @Router			/health [get]
func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "OK", Timestamp: time.Now().UTC()})
}

// @Summary		List rooms
// @Description	All rooms, most recently active first, with their live member count.
// @Tags			Rooms
// @Success		200	{array}		RoomResponse
// @Failure		500	{object}	ErrorResponse
// @Router			/api/rooms [get]
func (h *Handler) list(c *gin.Context) {
	list, err := h.store.ListRooms(c.Request.Context())
	if err != nil {
		zap.L().Error("rooms.list", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to fetch rooms"})
		return
	}
	out := make([]RoomResponse, 0, len(list))
	for _, r := range list {
		out = append(out, h.withMembers(c, r))
	}
	c.JSON(http.StatusOK, out)
}

// @Summary		Get room details
// @Description	Returns a room and the members currently connected to it.
// @Tags			Rooms
// @Param			id	path		string	true	"Room ID"	default(1)
// @Success		200	{object}	RoomDetailResponse
// @Failure		404	{object}	ErrorResponse
// @Router			/api/rooms/{id} [get]
func (h *Handler) info(c *gin.Context) {
	room, err := h.store.GetRoom(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "room not found"})
		return
	}
	if err != nil {
		zap.L().Error("rooms.get", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to fetch room"})
		return
	}
	members, err := h.registry.Members(c.Request.Context(), room.ID)
	if err != nil {
		zap.L().Warn("rooms.members", zap.String("room", room.ID), zap.Error(err))
		members = []protocol.Member{}
	}
	c.JSON(http.StatusOK, RoomDetailResponse{
		RoomResponse: RoomResponse{
			Room:          *room,
			ActiveMembers: len(members),
			Capacity:      h.registry.Capacity(),
		},
		Members: members,
	})
}

// @Summary		Create a room
// @Description	The id defaults to the name.
// @Tags			Rooms
// @Param			body	body		CreateRoomBody	true	"Room payload"
// @Success		201		{object}	RoomResponse
// @Failure		400		{object}	ErrorResponse
// @Failure		409		{object}	ErrorResponse
// @Router			/api/rooms [post]
func (h *Handler) create(c *gin.Context) {
	var body CreateRoomBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	name := strings.TrimSpace(body.Name)
	id := strings.TrimSpace(body.ID)
	if id == "" {
		id = name
	}
	if name == "" || id == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "name is required"})
		return
	}

	room, err := h.store.CreateRoom(c.Request.Context(), protocol.Room{
		ID:          id,
		Name:        name,
		Description: strings.TrimSpace(body.Description),
	})
	if errors.Is(err, store.ErrRoomExists) {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "room already exists"})
		return
	}
	if err != nil {
		zap.L().Error("rooms.create", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to create room"})
		return
	}
	c.JSON(http.StatusCreated, RoomResponse{Room: *room, Capacity: h.registry.Capacity()})
}

func (h *Handler) withMembers(c *gin.Context, r protocol.Room) RoomResponse {
	n, err := h.registry.Count(c.Request.Context(), r.ID)
	if err != nil {
		zap.L().Warn("rooms.count", zap.String("room", r.ID), zap.Error(err))
	}
	return RoomResponse{Room: r, ActiveMembers: n, Capacity: h.registry.Capacity()}
}
