package http

import (
	"fmt"
	"io"
	"strings"

	"github.com/searchktools/httpkit/core/codec"
)

// EncodeBody turns a handler supplied body into bytes. It returns the
// content type implied by the body's encoding, or "" for raw bodies.
// Readers are drained and closed when they implement io.Closer.
func EncodeBody(body any) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		return []byte(b), "", nil
	case []byte:
		return b, "", nil
	case []string:
		return []byte(strings.Join(b, "")), "", nil
	case io.Reader:
		data, err := io.ReadAll(b)
		if c, ok := b.(io.Closer); ok {
			c.Close()
		}
		if err != nil {
			return nil, "", err
		}
		return data, "", nil
	}

	c := codec.ForValue(body)
	if c == nil {
		return nil, "", fmt.Errorf("%w: %T", ErrUnsupportedBody, body)
	}
	data, err := c.Encode(body)
	if err != nil {
		return nil, "", err
	}
	return data, c.ContentType(), nil
}
