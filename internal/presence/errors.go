package presence

import "errors"

// These errors never reach the wire. Handlers return them so the dispatcher
// can log why a request was dropped.
var (
	ErrNotJoined    = errors.New("connection has not joined")
	ErrOutOfBounds  = errors.New("position outside the world")
	ErrTargetGone   = errors.New("relay target not connected")
	ErrEmptyChat    = errors.New("empty chat message")
	ErrUnknownEvent = errors.New("unknown event")
)
