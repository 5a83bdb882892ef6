package models

import (
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// SignalType represents the kind of change carried by a signaling event
type SignalType string

// RoomPasswordHeader carries the room secret on gateway requests that act on
// an existing room.
const RoomPasswordHeader = "X-Room-Password"

const (
	SignalTypeRoom      SignalType = "room"
	SignalTypeCandidate SignalType = "candidate"
	SignalTypeError     SignalType = "error"
)

// Candidate is one entry of the append-only candidate relay.
type Candidate struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	Sender    string    `json:"sender"`
	Payload   string    `json:"candidate"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is a change notification for one room: either the current room
// record after an update, or a freshly appended candidate.
type Event struct {
	Type      SignalType `json:"type"`
	RoomID    string     `json:"roomId"`
	Room      *Room      `json:"room,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// NewRoomEvent wraps a room snapshot. The password never leaves the registry.
func NewRoomEvent(room Room) Event {
	pub := room.Public()
	return Event{Type: SignalTypeRoom, RoomID: room.ID, Room: &pub}
}

// NewCandidateEvent wraps a relay entry.
func NewCandidateEvent(c Candidate) Event {
	return Event{Type: SignalTypeCandidate, RoomID: c.RoomID, Candidate: &c}
}

// Key is the logical identity of the event: room id, kind and a hash of the
// payload that matters to the negotiator. Redelivered copies share a key.
func (e Event) Key() string {
	h := xxhash.New()
	switch {
	case e.Room != nil:
		_, _ = h.WriteString(string(e.Room.Status))
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(e.Room.Offer)
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(e.Room.Answer)
	case e.Candidate != nil:
		_, _ = h.WriteString(e.Candidate.Sender)
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(e.Candidate.Payload)
	default:
		_, _ = h.WriteString(e.Error)
	}
	return e.RoomID + ":" + string(e.Type) + ":" + strconv.FormatUint(h.Sum64(), 16)
}
