package of

import "errors"

// Sentinel errors for inspection with errors.Is. Callers wrap them with
// the node path and property name.
var (
	// ErrNotFound is returned when a phandle or path does not resolve.
	ErrNotFound = errors.New("node not found")

	// ErrConfigMissing is returned when a required property is absent.
	ErrConfigMissing = errors.New("required property missing")

	// ErrConfigMalformed is returned when a property's length or content
	// violates its fixed layout.
	ErrConfigMalformed = errors.New("malformed property")
)
