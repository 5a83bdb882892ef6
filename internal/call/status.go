package call

import (
	"errors"
	"fmt"

	"github.com/mossy-p/callrelay/internal/models"
	"github.com/mossy-p/callrelay/internal/negotiator"
)

// Status is one user-visible update of a call.
type Status struct {
	State   negotiator.State
	Message string
	Err     error
}

// StatusMessage turns a call error into the string shown to the user.
func StatusMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, models.ErrMediaAccessDenied):
		return "Could not access camera or microphone"
	case errors.Is(err, models.ErrInvalidRoomID):
		return fmt.Sprintf("Room ID must be %d digits", models.RoomIDLength)
	case errors.Is(err, ErrRoomTaken):
		return "Room is already taken"
	case errors.Is(err, models.ErrRoomNotFound):
		return "Room not found or wrong password"
	case errors.Is(err, models.ErrSignalingWriteFailed):
		return "Could not reach the call service"
	case errors.Is(err, models.ErrConnectivityFailed):
		return "Connection failed. Start a new call to retry"
	}
	return "Call failed: " + err.Error()
}

func stateMessage(s negotiator.State, role negotiator.Role, roomID string) string {
	switch s {
	case negotiator.StateNew:
		return "Starting"
	case negotiator.StateMediaReady:
		if role == negotiator.RoleInitiator {
			return "Waiting for someone to join room " + roomID
		}
		return "Joining room " + roomID
	case negotiator.StateOfferSent:
		return "Calling"
	case negotiator.StateOfferReceived:
		return "Answering"
	case negotiator.StateAnswerExchanged:
		return "Connecting"
	case negotiator.StateConnected:
		return "Connected"
	case negotiator.StateClosed:
		return "Call ended"
	case negotiator.StateFailed:
		return "Connection failed"
	}
	return s.String()
}
