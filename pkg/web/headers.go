package web

import (
	"net/textproto"
	"strings"
)

// Header is a single name/value pair.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header multimap. Insertion order is preserved and
// lookups are case-insensitive. Names are stored in canonical Name-Case.
// Mounted apps see headers in the order they were added.
type Headers struct {
	items []Header
}

// NewHeaders creates a header set from the given pairs, in order.
func NewHeaders(items ...Header) *Headers {
	h := &Headers{items: make([]Header, 0, len(items))}
	for _, item := range items {
		h.Add(item.Name, item.Value)
	}
	return h
}

// CanonicalName converts a header name to Name-Case.
func CanonicalName(name string) string {
	return textproto.CanonicalMIMEHeaderKey(name)
}

// Add appends a header value, keeping existing values for the same name.
func (h *Headers) Add(name, value string) {
	h.items = append(h.items, Header{Name: CanonicalName(name), Value: value})
}

// Set replaces all values of name with a single value. The header keeps the
// position of its first occurrence.
func (h *Headers) Set(name, value string) {
	name = CanonicalName(name)
	for i, item := range h.items {
		if strings.EqualFold(item.Name, name) {
			h.items[i].Value = value
			h.delFrom(name, i+1)
			return
		}
	}
	h.items = append(h.items, Header{Name: name, Value: value})
}

// SetDefault sets name only if it is not already present.
func (h *Headers) SetDefault(name, value string) {
	if !h.Has(name) {
		h.Add(name, value)
	}
}

// Get returns the first value of name, or "".
func (h *Headers) Get(name string) string {
	for _, item := range h.items {
		if strings.EqualFold(item.Name, name) {
			return item.Value
		}
	}
	return ""
}

// Values returns all values of name in insertion order.
func (h *Headers) Values(name string) []string {
	var out []string
	for _, item := range h.items {
		if strings.EqualFold(item.Name, name) {
			out = append(out, item.Value)
		}
	}
	return out
}

// Has reports whether name is present.
func (h *Headers) Has(name string) bool {
	for _, item := range h.items {
		if strings.EqualFold(item.Name, name) {
			return true
		}
	}
	return false
}

// Del removes every value of name.
func (h *Headers) Del(name string) {
	h.delFrom(name, 0)
}

func (h *Headers) delFrom(name string, start int) {
	kept := h.items[:start]
	for _, item := range h.items[start:] {
		if !strings.EqualFold(item.Name, name) {
			kept = append(kept, item)
		}
	}
	h.items = kept
}

// Items returns a copy of all headers in insertion order.
func (h *Headers) Items() []Header {
	if h == nil {
		return nil
	}
	out := make([]Header, len(h.items))
	copy(out, h.items)
	return out
}

// Len returns the number of header lines.
func (h *Headers) Len() int {
	if h == nil {
		return 0
	}
	return len(h.items)
}
