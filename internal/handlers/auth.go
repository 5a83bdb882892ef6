package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mossy-p/callrelay/internal/identity"
	"github.com/mossy-p/callrelay/internal/middleware"
	"github.com/rs/zerolog/log"
)

// AnonymousRequest optionally picks the display name
type AnonymousRequest struct {
	Name string `json:"name" binding:"max=64"`
}

// AnonymousResponse represents the issued identity
type AnonymousResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// Anonymous issues a token for a fresh anonymous identity. Without a name the
// caller gets a random one.
func (h *Handler) Anonymous(c *gin.Context) {
	var req AnonymousRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "Invalid request body")
		return
	}

	name := req.Name
	if name == "" {
		var err error
		if name, err = identity.RandomName(); err != nil {
			writeError(c, err)
			return
		}
	}

	userID := uuid.New().String()
	token, err := middleware.IssueToken(h.jwtSecret, userID, name, h.tokenTTL)
	if err != nil {
		log.Error().Err(err).Msg("Failed to generate token")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to generate token",
		})
		return
	}

	log.Debug().Str("user", userID).Str("name", name).Msg("anonymous identity issued")
	c.JSON(http.StatusOK, AnonymousResponse{
		Token:  token,
		UserID: userID,
		Name:   name,
	})
}
