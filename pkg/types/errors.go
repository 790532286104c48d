package types

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind buckets venue failures into the cases callers act on.
type ErrorKind string

const (
	ErrUnauthorized       ErrorKind = "UNAUTHORIZED"
	ErrRateLimited        ErrorKind = "RATE_LIMITED"
	ErrNetworkUnavailable ErrorKind = "NETWORK_UNAVAILABLE"
	ErrVenueRejected      ErrorKind = "VENUE_REJECTED"
	ErrUnknown            ErrorKind = "UNKNOWN"
)

// VenueError carries the venue, the failed operation and the kind the
// failure classified into. It wraps the underlying cause, if any.
type VenueError struct {
	Venue string
	Op    string
	Kind  ErrorKind
	Err   error
}

func (e *VenueError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Venue, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Venue, e.Op, e.Kind, e.Err)
}

func (e *VenueError) Unwrap() error { return e.Err }

// NewVenueError builds a classified venue failure.
func NewVenueError(venue, op string, kind ErrorKind, err error) *VenueError {
	return &VenueError{Venue: venue, Op: op, Kind: kind, Err: err}
}

// KindOf extracts the classification from err. Errors that never went
// through a driver or the coordinator report ErrUnknown.
func KindOf(err error) ErrorKind {
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return ErrUnknown
}

// Classify wraps err as a VenueError, keeping an existing classification
// when a driver already made one. Deadline and transport failures map to
// ErrNetworkUnavailable, everything else to ErrUnknown.
func Classify(venue, op string, err error) *VenueError {
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve
	}
	kind := ErrUnknown
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = ErrNetworkUnavailable
	case errors.Is(err, context.Canceled):
		kind = ErrNetworkUnavailable
	case errors.As(err, &netErr):
		kind = ErrNetworkUnavailable
	}
	return &VenueError{Venue: venue, Op: op, Kind: kind, Err: err}
}
