package registry

import "errors"

var (
	// ErrConflict is returned when registering an identifier that is already known.
	ErrConflict = errors.New("node already registered")
	// ErrMissingFields is returned when a required field is empty.
	ErrMissingFields = errors.New("missing required fields")
	// ErrInvalidFormat is returned for malformed endpoints or timestamps.
	ErrInvalidFormat = errors.New("invalid format")
)
