package fman

import "errors"

var (
	// ErrResourceUnavailable is returned when a register window cannot be
	// opened or mapped.
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrUnknownMAC is returned for a MAC node whose compatible string is
	// not a known variant.
	ErrUnknownMAC = errors.New("unknown MAC variant")
)
