package presence

import "errors"

var (
	ErrRoomFull          = errors.New("room is full")
	ErrNameTaken         = errors.New("display name already taken in room")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrStopped           = errors.New("coordinator stopped")
)

// UserMessage returns the text shown to a user whose join failed with err.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrRoomFull):
		return "This room is currently full"
	case errors.Is(err, ErrNameTaken):
		return "Name not available"
	default:
		return "Unable to join room"
	}
}
