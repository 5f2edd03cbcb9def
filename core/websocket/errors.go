package websocket

import "errors"

var (
	ErrFrameTooLarge = errors.New("websocket: frame too large")
	ErrProtocol      = errors.New("websocket: protocol error")
	ErrHubClosed     = errors.New("websocket: hub closed")
	ErrHubFull       = errors.New("websocket: hub full")
	ErrUnknownClient = errors.New("websocket: unknown client")
)
