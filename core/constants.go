package core

import "errors"

// HTTP header constants
const (
	HeaderContentType      = "Content-Type"
	HeaderContentLength    = "Content-Length"
	HeaderTransferEncoding = "Transfer-Encoding"
	HeaderConnection       = "Connection"
)

const defaultContentType = "text/html; charset=utf-8"

// Close statuses passed to close handlers besides WebSocket close codes.
const (
	StatusServerClose = 0
	StatusClientClose = -1
)

// Error definitions
var (
	ErrCloseHandlerSet   = errors.New("core: close handler already set")
	ErrReceiveHandlerSet = errors.New("core: receive handler already set")
	ErrNotText           = errors.New("core: websocket send requires a text payload")
	ErrNotUpgrade        = errors.New("core: not a websocket upgrade request")
	ErrResponseStarted   = errors.New("core: response already started")
	ErrServerClosed      = errors.New("core: server closed")
)
