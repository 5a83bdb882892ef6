// Package handlers serves the relay gateway: room registry, candidate relay
// and the realtime feed over HTTP and websocket.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/callrelay/internal/metrics"
	"github.com/mossy-p/callrelay/internal/models"
	"github.com/mossy-p/callrelay/internal/signaling"
	"github.com/rs/zerolog/log"
)

const (
	defaultTokenTTL = 24 * time.Hour
	createAttempts  = 5
)

// RoomStore is the room registry the gateway fronts.
type RoomStore interface {
	CreateRoom(ctx context.Context, room *models.Room) error
	FindWaitingRoom(ctx context.Context, id, password string) (*models.Room, error)
	Authorize(ctx context.Context, id, password string) (*models.Room, error)
	UpdateRoom(ctx context.Context, id string, upd models.RoomUpdate) (*models.Room, error)
}

// CandidateStore is the candidate relay the gateway fronts.
type CandidateStore interface {
	AppendCandidate(ctx context.Context, roomID, sender, payload string) (*models.Candidate, error)
}

// EventSource opens per-room event subscriptions.
type EventSource interface {
	Subscribe(ctx context.Context, roomID string) (*signaling.Subscription, error)
}

type Handler struct {
	rooms      RoomStore
	candidates CandidateStore
	events     EventSource
	jwtSecret  string
	tokenTTL   time.Duration
	metrics    *metrics.Metrics
	newRoomID  func() (string, error)
}

type Option func(*Handler)

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

func WithTokenTTL(ttl time.Duration) Option {
	return func(h *Handler) {
		if ttl > 0 {
			h.tokenTTL = ttl
		}
	}
}

func WithRoomIDGenerator(fn func() (string, error)) Option {
	return func(h *Handler) { h.newRoomID = fn }
}

func New(rooms RoomStore, candidates CandidateStore, events EventSource, jwtSecret string, opts ...Option) *Handler {
	h := &Handler{
		rooms:      rooms,
		candidates: candidates,
		events:     events,
		jwtSecret:  jwtSecret,
		tokenTTL:   defaultTokenTTL,
		newRoomID:  models.NewRoomID,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = metrics.New()
	}
	return h
}

// writeError maps the error taxonomy onto HTTP statuses. The code field lets
// clients recover the sentinel.
func writeError(c *gin.Context, err error) {
	code := models.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case models.CodeInvalidRoomID:
		status = http.StatusBadRequest
	case models.CodeRoomNotFound:
		status = http.StatusNotFound
	case models.CodeRoomExists, models.CodeStatusConflict:
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(status, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": code})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "code": "invalid_request"})
}
