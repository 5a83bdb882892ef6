package models

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

const (
	// RoomIDLength is the number of digits in a shareable room identifier.
	RoomIDLength = 6
	roomIDDigits = "0123456789"
)

// RoomStatus is the lifecycle stage of a room record.
// Records move monotonically waiting -> negotiating -> active -> ended.
type RoomStatus string

const (
	RoomStatusWaiting     RoomStatus = "waiting"
	RoomStatusNegotiating RoomStatus = "negotiating"
	RoomStatusActive      RoomStatus = "active"
	RoomStatusEnded       RoomStatus = "ended"
)

// Rank orders statuses along the lifecycle. Unknown statuses rank -1.
func (s RoomStatus) Rank() int {
	switch s {
	case RoomStatusWaiting:
		return 0
	case RoomStatusNegotiating:
		return 1
	case RoomStatusActive:
		return 2
	case RoomStatusEnded:
		return 3
	}
	return -1
}

func (s RoomStatus) Valid() bool { return s.Rank() >= 0 }

// CallKind selects which local tracks a call carries.
type CallKind string

const (
	CallKindVideo CallKind = "video"
	CallKindVoice CallKind = "voice"
)

func (k CallKind) Valid() bool { return k == CallKindVideo || k == CallKindVoice }

// Room is the shared rendezvous record for one call attempt.
// Empty Callee, Offer and Answer mean "not yet set".
type Room struct {
	ID        string     `json:"id"`
	Status    RoomStatus `json:"status"`
	Kind      CallKind   `json:"type"`
	Caller    string     `json:"caller"`
	Callee    string     `json:"callee,omitempty"`
	Password  string     `json:"room_password,omitempty"`
	Offer     string     `json:"offer,omitempty"`
	Answer    string     `json:"answer,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Public returns a copy safe to fan out to subscribers: the shared secret is stripped.
func (r Room) Public() Room {
	r.Password = ""
	return r
}

// RoomUpdate is a partial update of a room record. Zero fields are left untouched.
type RoomUpdate struct {
	Status RoomStatus `json:"status,omitempty"`
	Callee string     `json:"callee,omitempty"`
	Offer  string     `json:"offer,omitempty"`
	Answer string     `json:"answer,omitempty"`

	// ExpectStatus, when set, makes the update conditional on the stored status.
	ExpectStatus RoomStatus `json:"expectStatus,omitempty"`
}

// SatisfiedBy reports whether every target field already holds in room.
func (u RoomUpdate) SatisfiedBy(room Room) bool {
	if u.Status != "" && room.Status != u.Status {
		return false
	}
	if u.Callee != "" && room.Callee != u.Callee {
		return false
	}
	if u.Offer != "" && room.Offer != u.Offer {
		return false
	}
	if u.Answer != "" && room.Answer != u.Answer {
		return false
	}
	return true
}

// Apply copies the set fields of u onto room.
func (u RoomUpdate) Apply(room *Room) {
	if u.Status != "" {
		room.Status = u.Status
	}
	if u.Callee != "" {
		room.Callee = u.Callee
	}
	if u.Offer != "" {
		room.Offer = u.Offer
	}
	if u.Answer != "" {
		room.Answer = u.Answer
	}
}

// ValidateRoomID rejects anything that is not exactly RoomIDLength ASCII digits.
func ValidateRoomID(id string) error {
	if len(id) != RoomIDLength {
		return fmt.Errorf("%w: %q", ErrInvalidRoomID, id)
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return fmt.Errorf("%w: %q", ErrInvalidRoomID, id)
		}
	}
	return nil
}

// NewRoomID generates a random numeric room identifier.
func NewRoomID() (string, error) {
	code := make([]byte, RoomIDLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(roomIDDigits))))
		if err != nil {
			return "", err
		}
		code[i] = roomIDDigits[n.Int64()]
	}
	return string(code), nil
}

// CreateRoomRequest is the request body for creating a room.
type CreateRoomRequest struct {
	ID       string   `json:"id,omitempty"`
	Kind     CallKind `json:"type" binding:"required,oneof=video voice"`
	Password string   `json:"room_password" binding:"required"`
}

// JoinRoomRequest carries the shared secret for a join attempt.
type JoinRoomRequest struct {
	Password string `json:"room_password" binding:"required"`
}

// AppendCandidateRequest is the request body for relaying a candidate.
type AppendCandidateRequest struct {
	Sender    string `json:"sender" binding:"required"`
	Candidate string `json:"candidate" binding:"required"`
}
