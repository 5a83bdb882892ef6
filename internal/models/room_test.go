package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRoomID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"482913", true},
		{"000000", true},
		{"48291", false},
		{"4829130", false},
		{"48291a", false},
		{"", false},
		{"４８２９１３", false},
		{"48 913", false},
	}
	for _, tt := range tests {
		err := ValidateRoomID(tt.id)
		if tt.valid {
			assert.NoError(t, err, tt.id)
		} else {
			assert.True(t, errors.Is(err, ErrInvalidRoomID), tt.id)
		}
	}
}

func TestNewRoomID(t *testing.T) {
	for i := 0; i < 50; i++ {
		id, err := NewRoomID()
		require.NoError(t, err)
		require.NoError(t, ValidateRoomID(id))
	}
}

func TestRoomStatusRank(t *testing.T) {
	assert.Less(t, RoomStatusWaiting.Rank(), RoomStatusNegotiating.Rank())
	assert.Less(t, RoomStatusNegotiating.Rank(), RoomStatusActive.Rank())
	assert.Less(t, RoomStatusActive.Rank(), RoomStatusEnded.Rank())
	assert.False(t, RoomStatus("paused").Valid())
}

func TestRoomUpdate(t *testing.T) {
	room := Room{ID: "482913", Status: RoomStatusWaiting, Caller: "a"}
	upd := RoomUpdate{Status: RoomStatusNegotiating, Offer: "o", Callee: "b"}

	assert.False(t, upd.SatisfiedBy(room))
	upd.Apply(&room)
	assert.True(t, upd.SatisfiedBy(room))
	assert.Equal(t, "a", room.Caller)
	assert.Equal(t, "b", room.Callee)
	assert.Empty(t, room.Answer)
}

func TestRoomPublic(t *testing.T) {
	room := Room{ID: "482913", Password: "p1"}
	assert.Empty(t, room.Public().Password)
	assert.Equal(t, "p1", room.Password)
	assert.Empty(t, NewRoomEvent(room).Room.Password)
}

func TestEventKey(t *testing.T) {
	room := Room{ID: "482913", Status: RoomStatusNegotiating, Offer: "offer-1"}
	a := NewRoomEvent(room)
	b := NewRoomEvent(room)
	assert.Equal(t, a.Key(), b.Key())

	room.Answer = "answer-1"
	assert.NotEqual(t, a.Key(), NewRoomEvent(room).Key())

	c1 := NewCandidateEvent(Candidate{ID: "1-0", RoomID: "482913", Sender: "x", Payload: "c"})
	c2 := NewCandidateEvent(Candidate{ID: "2-0", RoomID: "482913", Sender: "x", Payload: "c"})
	assert.Equal(t, c1.Key(), c2.Key(), "sequence id is not part of the logical identity")
	assert.NotEqual(t, a.Key(), c1.Key())
}

func TestErrorCodes(t *testing.T) {
	wrapped := fmt.Errorf("join: %w", ErrRoomNotFound)
	assert.Equal(t, CodeRoomNotFound, ErrorCode(wrapped))
	assert.Equal(t, "", ErrorCode(ErrMediaAccessDenied))

	for _, code := range []string{CodeInvalidRoomID, CodeRoomNotFound, CodeRoomExists, CodeStatusConflict} {
		assert.Equal(t, code, ErrorCode(ErrorForCode(code)))
	}
	assert.Nil(t, ErrorForCode("rate_limited"))
}
