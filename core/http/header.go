package http

import (
	"net/textproto"
	"sort"

	"golang.org/x/net/http/httpguts"
)

// Header maps canonical header names to their single, already merged value.
type Header map[string]string

// Get returns the value for key, compared case-insensitively.
func (h Header) Get(key string) string {
	return h[textproto.CanonicalMIMEHeaderKey(key)]
}

// Has reports whether key is present.
func (h Header) Has(key string) bool {
	_, ok := h[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// Set replaces any existing value for key.
func (h Header) Set(key, value string) {
	h[textproto.CanonicalMIMEHeaderKey(key)] = value
}

// Add appends value to key, combining repeated headers with ", ".
func (h Header) Add(key, value string) {
	key = textproto.CanonicalMIMEHeaderKey(key)
	if old, ok := h[key]; ok && old != "" {
		if value == "" {
			return
		}
		value = old + ", " + value
	}
	h[key] = value
}

// Del removes key.
func (h Header) Del(key string) {
	delete(h, textproto.CanonicalMIMEHeaderKey(key))
}

// Clone returns a copy of h; a nil header clones to an empty one.
func (h Header) Clone() Header {
	c := make(Header, len(h)+2)
	for k, v := range h {
		c[k] = v
	}
	return c
}

// HasToken reports whether the comma separated value of key contains token.
func (h Header) HasToken(key, token string) bool {
	v, ok := h[textproto.CanonicalMIMEHeaderKey(key)]
	if !ok {
		return false
	}
	return httpguts.HeaderValuesContainsToken([]string{v}, token)
}

// AppendTo writes the header lines in key order.
func (h Header) AppendTo(b []byte) []byte {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		b = append(b, k...)
		b = append(b, ": "...)
		b = append(b, h[k]...)
		b = append(b, "\r\n"...)
	}
	return b
}
