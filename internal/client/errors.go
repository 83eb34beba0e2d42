package client

import "errors"

var (
	ErrNotConnected   = errors.New("not connected")
	ErrSendQueueFull  = errors.New("send queue full")
	ErrNotJoined      = errors.New("not joined")
	ErrBlocked        = errors.New("cell not walkable")
	ErrThrottled      = errors.New("moving too fast")
	ErrNoWelcome      = errors.New("connection closed before welcome")
	ErrAlreadyStarted = errors.New("client already connected")
)
