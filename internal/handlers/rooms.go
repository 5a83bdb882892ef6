package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/callrelay/internal/middleware"
	"github.com/mossy-p/callrelay/internal/models"
	"github.com/rs/zerolog/log"
)

// CreateRoom opens a waiting room owned by the authenticated caller
func (h *Handler) CreateRoom(c *gin.Context) {
	name := c.GetString(middleware.ContextDisplayName)
	if name == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	room := &models.Room{
		ID:       req.ID,
		Kind:     req.Kind,
		Caller:   name,
		Password: req.Password,
	}

	var err error
	if room.ID != "" {
		err = h.rooms.CreateRoom(c.Request.Context(), room)
	} else {
		// no id requested: keep drawing until one is free
		for i := 0; i < createAttempts; i++ {
			if room.ID, err = h.newRoomID(); err != nil {
				break
			}
			err = h.rooms.CreateRoom(c.Request.Context(), room)
			if !errors.Is(err, models.ErrRoomExists) {
				break
			}
		}
	}
	if err != nil {
		writeError(c, err)
		return
	}

	h.metrics.RoomsCreated.Inc()
	log.Info().Str("room", room.ID).Str("type", string(room.Kind)).Str("caller", name).Msg("Room created")
	c.JSON(http.StatusCreated, room.Public())
}

// JoinRoom looks up a waiting room by id and password
func (h *Handler) JoinRoom(c *gin.Context) {
	roomID := c.Param("roomId")

	var req models.JoinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	room, err := h.rooms.FindWaitingRoom(c.Request.Context(), roomID, req.Password)
	if err != nil {
		result := models.ErrorCode(err)
		if result == "" {
			result = "error"
		}
		h.metrics.Joins.WithLabelValues(result).Inc()
		writeError(c, err)
		return
	}

	h.metrics.Joins.WithLabelValues("ok").Inc()
	c.JSON(http.StatusOK, room.Public())
}

// UpdateRoom applies a partial, optionally conditional update. The room
// password must accompany the request.
func (h *Handler) UpdateRoom(c *gin.Context) {
	roomID := c.Param("roomId")

	var upd models.RoomUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		badRequest(c, err.Error())
		return
	}
	if (upd.Status != "" && !upd.Status.Valid()) || (upd.ExpectStatus != "" && !upd.ExpectStatus.Valid()) {
		badRequest(c, "Invalid room status")
		return
	}

	if _, err := h.rooms.Authorize(c.Request.Context(), roomID, c.GetHeader(models.RoomPasswordHeader)); err != nil {
		writeError(c, err)
		return
	}

	room, err := h.rooms.UpdateRoom(c.Request.Context(), roomID, upd)
	if err != nil {
		writeError(c, err)
		return
	}

	if upd.Status != "" {
		h.metrics.RoomUpdates.WithLabelValues(string(upd.Status)).Inc()
	}
	log.Debug().Str("room", roomID).Str("status", string(room.Status)).Msg("Room updated")
	c.JSON(http.StatusOK, room.Public())
}

// AppendCandidate relays one connectivity candidate
func (h *Handler) AppendCandidate(c *gin.Context) {
	roomID := c.Param("roomId")

	var req models.AppendCandidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	if _, err := h.rooms.Authorize(c.Request.Context(), roomID, c.GetHeader(models.RoomPasswordHeader)); err != nil {
		writeError(c, err)
		return
	}

	cand, err := h.candidates.AppendCandidate(c.Request.Context(), roomID, req.Sender, req.Candidate)
	if err != nil {
		writeError(c, err)
		return
	}

	h.metrics.Candidates.Inc()
	c.JSON(http.StatusCreated, cand)
}
