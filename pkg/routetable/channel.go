package routetable

import (
	"errors"
	"fmt"
	"strings"
)

// RootScope is the scope of the root path.
const RootScope = "/"

var (
	// ErrEmptyChannel is returned when a channel identifier is empty
	ErrEmptyChannel = errors.New("channel identifier cannot be empty")
	// ErrMissingSeparator is returned when a channel identifier has no ':'
	ErrMissingSeparator = errors.New("channel identifier must be of the form scope:event")
	// ErrInvalidScope is returned when the scope part is not a valid path
	ErrInvalidScope = errors.New("invalid channel scope")
	// ErrEmptyEvent is returned when the event part is empty
	ErrEmptyEvent = errors.New("channel event cannot be empty")
)

// ParseChannel splits a channel identifier into its scope and event parts.
// The split happens at the final ':'.
func ParseChannel(id string) (scope, event string, err error) {
	if id == "" {
		return "", "", ErrEmptyChannel
	}

	i := strings.LastIndexByte(id, ':')
	if i < 0 {
		return "", "", ErrMissingSeparator
	}

	scope, event = id[:i], id[i+1:]
	if err := ValidateScope(scope); err != nil {
		return "", "", fmt.Errorf("%w: %q", err, id)
	}
	if event == "" {
		return "", "", fmt.Errorf("%w: %q", ErrEmptyEvent, id)
	}

	return scope, event, nil
}

// ValidateScope checks that scope is "/" or a slash-separated path with no
// trailing slash, no empty segments and no ':'.
func ValidateScope(scope string) error {
	switch {
	case scope == RootScope:
		return nil
	case !strings.HasPrefix(scope, "/"):
		return fmt.Errorf("%w: must begin with '/'", ErrInvalidScope)
	case strings.HasSuffix(scope, "/"):
		return fmt.Errorf("%w: trailing '/'", ErrInvalidScope)
	case strings.Contains(scope, "//"):
		return fmt.Errorf("%w: empty segment", ErrInvalidScope)
	case strings.ContainsRune(scope, ':'):
		return fmt.Errorf("%w: contains ':'", ErrInvalidScope)
	}
	return nil
}

// FormatChannel joins a scope and an event into a channel identifier.
func FormatChannel(scope, event string) string {
	return scope + ":" + event
}

// ScopeOf returns the scope part of a channel identifier, or "" if the
// identifier has no ':'.
func ScopeOf(id string) string {
	i := strings.LastIndexByte(id, ':')
	if i < 0 {
		return ""
	}
	return id[:i]
}

// IsRoutable reports whether id names a path-addressable channel, i.e. one
// that belongs in a RouteTable. Bus-internal channels such as "web:request"
// are not routable.
func IsRoutable(id string) bool {
	return strings.HasPrefix(id, "/") && strings.ContainsRune(id, ':')
}

// JoinScope appends a path segment to a scope.
func JoinScope(scope, segment string) string {
	if scope == RootScope || scope == "" {
		return RootScope + segment
	}
	return scope + "/" + segment
}
