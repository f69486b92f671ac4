package domain

import "errors"

var (
	ErrRoomFull     = errors.New("room has no free seat")
	ErrRoomNotFound = errors.New("room not found")
	ErrConnNotFound = errors.New("connection not found")

	// Media acquisition taxonomy, returned synchronously to the join caller.
	ErrMediaDenied   = errors.New("capture permission denied")
	ErrMediaNotFound = errors.New("no capture device")
	ErrMediaBusy     = errors.New("capture device busy")
)
