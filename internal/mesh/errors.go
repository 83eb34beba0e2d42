package mesh

import "errors"

var (
	ErrCameraOff  = errors.New("local camera is off")
	ErrNoDevices  = errors.New("no media devices configured")
	ErrBadPayload = errors.New("malformed negotiation payload")
)
