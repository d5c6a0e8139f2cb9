package roomhandler

import (
	"time"

	"roomcollabgo/pkg/protocol"
)

type CreateRoomBody struct {
	ID          string `json:"id"          binding:"omitempty,max=64"   example:"lunar"`
	Name        string `json:"name"        binding:"required,max=128"   example:"Lunar survey"`
	Description string `json:"description" binding:"max=1024"           example:"South pole landing sites"`
} // @name CreateRoomRequest

type RoomResponse struct {
	protocol.Room
	ActiveMembers int `json:"active_members" example:"2"`
	Capacity      int `json:"capacity"       example:"3"`
} // @name Room

type RoomDetailResponse struct {
	RoomResponse
	Members []protocol.Member `json:"members"`
} // @name RoomDetail

type HealthResponse struct {
	Status    string    `json:"status"    example:"OK"`
	Timestamp time.Time `json:"timestamp" example:"2025-07-27T16:05:05Z"`
} // @name HealthResponse

type ErrorResponse struct {
	Error string `json:"error"`
} // @name ErrorResponse
