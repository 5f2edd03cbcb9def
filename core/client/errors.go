package client

import (
	"errors"
	"fmt"
)

// Operations reported in Error.Op.
const (
	OpDial   = "dial"
	OpWrite  = "write"
	OpRead   = "read"
	OpDecode = "decode"
)

var ErrTruncated = errors.New("client: connection closed before the response completed")

// Error is a failed exchange, tagged with the step that failed.
type Error struct {
	Op   string
	Addr string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("client: %s %s", e.Op, e.Addr)
	}
	return fmt.Sprintf("client: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
