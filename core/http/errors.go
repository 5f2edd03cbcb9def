package http

import "errors"

// Error definitions. Every decode error is fatal to the connection that produced it.
var (
	ErrLineTooLarge    = errors.New("http: line too large")
	ErrProtocol        = errors.New("http: protocol error")
	ErrBodyTooLarge    = errors.New("http: body too large")
	ErrUnsupportedBody = errors.New("http: unsupported body type")
)
