// Package httptypes defines the logical HTTP request/response model shared
// by the HTTP mediator and the TLS MITM bridge.
package httptypes

import (
	"strconv"
	"strings"
)

// Header is a case-insensitive multimap that preserves first-occurrence
// insertion order, per spec §3's HttpRequest/HttpResponse invariant.
type Header struct {
	order  []string
	values map[string][]string
}

// NewHeader returns an empty Header.
func NewHeader() *Header {
	return &Header{values: make(map[string][]string)}
}

func canon(name string) string {
	return strings.ToLower(name)
}

// Add appends a value for name, recording name in insertion order the first
// time it's seen.
func (h *Header) Add(name, value string) {
	key := canon(name)
	if _, ok := h.values[key]; !ok {
		h.order = append(h.order, key)
	}
	h.values[key] = append(h.values[key], value)
}

// Set replaces all values for name with a single value.
func (h *Header) Set(name, value string) {
	key := canon(name)
	if _, ok := h.values[key]; !ok {
		h.order = append(h.order, key)
	}
	h.values[key] = []string{value}
}

// Get returns the first value for name, or "" if absent.
func (h *Header) Get(name string) string {
	vs := h.values[canon(name)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Values returns all values for name in insertion order.
func (h *Header) Values(name string) []string {
	return h.values[canon(name)]
}

// Has reports whether name has any recorded value.
func (h *Header) Has(name string) bool {
	_, ok := h.values[canon(name)]
	return ok
}

// Del removes name entirely.
func (h *Header) Del(name string) {
	key := canon(name)
	if _, ok := h.values[key]; !ok {
		return
	}
	delete(h.values, key)
	for i, k := range h.order {
		if k == key {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Names returns header names in first-insertion order.
func (h *Header) Names() []string {
	out := make([]string, len(h.order))
	copy(out, h.order)
	return out
}

// Request is the logical HTTP request built by the mediator from the raw
// guest byte stream.
type Request struct {
	Method  string
	Target  string
	Version string
	Host    string
	Scheme  string
	Header  *Header
	Body    []byte

	// RemoteIP is the host-resolved IP the request will actually connect to,
	// pinned for the lifetime of the owning flow (rebind defense, spec §4.6).
	RemoteIP string
	Port     int
}

// Response is the logical HTTP response, either synthesized locally (403 or
// 502) or relayed from the real origin.
type Response struct {
	StatusCode int
	Status     string
	Version    string
	Header     *Header
	Body       []byte
}

// NewSyntheticResponse builds a response the core produces entirely on its
// own, without contacting any upstream (spec glossary: "synthetic response").
func NewSyntheticResponse(status int, statusText string, body string) *Response {
	h := NewHeader()
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Connection", "keep-alive")
	return &Response{
		StatusCode: status,
		Status:     statusText,
		Version:    "HTTP/1.1",
		Header:     h,
		Body:       []byte(body),
	}
}

