package models

import "errors"

var (
	// ErrMediaAccessDenied local capture failed; fatal to the attempt.
	ErrMediaAccessDenied = errors.New("media access denied")
	// ErrInvalidRoomID malformed identifier, rejected before any relay call.
	ErrInvalidRoomID = errors.New("invalid room id")
	// ErrRoomNotFound join target missing, wrong password, or already taken.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomExists a live record already holds the identifier.
	ErrRoomExists = errors.New("room already exists")
	// ErrStatusConflict a conditional or backwards status update was rejected.
	ErrStatusConflict = errors.New("room status conflict")
	// ErrSignalingWriteFailed a registry or relay write was rejected.
	ErrSignalingWriteFailed = errors.New("signaling write failed")
	// ErrConnectivityFailed the transport reported failed/disconnected or never connected.
	ErrConnectivityFailed = errors.New("connectivity failed")
)

// Error codes carried in gateway error responses.
const (
	CodeInvalidRoomID  = "invalid_room_id"
	CodeRoomNotFound   = "room_not_found"
	CodeRoomExists     = "room_exists"
	CodeStatusConflict = "status_conflict"
)

var errorCodes = []struct {
	code string
	err  error
}{
	{CodeInvalidRoomID, ErrInvalidRoomID},
	{CodeRoomNotFound, ErrRoomNotFound},
	{CodeRoomExists, ErrRoomExists},
	{CodeStatusConflict, ErrStatusConflict},
}

// ErrorCode returns the wire code of the sentinel err wraps, or "".
func ErrorCode(err error) string {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return ""
}

// ErrorForCode is the inverse of ErrorCode. Unknown codes give nil.
func ErrorForCode(code string) error {
	for _, e := range errorCodes {
		if e.code == code {
			return e.err
		}
	}
	return nil
}
