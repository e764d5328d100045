package storage

import "errors"

var (
	// ErrNotFound is returned when a key does not exist. Callers that treat
	// absence as "empty history" must check for it explicitly.
	ErrNotFound = errors.New("key not found")

	// ErrUnavailable wraps connection and timeout failures against the
	// durable backend. Callers must treat it as "temporarily unknown",
	// never as "empty".
	ErrUnavailable = errors.New("storage backend unavailable")
)

// IsUnavailable reports whether err represents a backend outage rather
// than an absent key.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
