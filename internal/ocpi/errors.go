package ocpi

import "errors"

// Error taxonomy shared by every coordinator. Callers wrap these with fmt.Errorf("%w")
// and the HTTP layer classifies them with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrBadRequest          = errors.New("bad request")
	ErrConflict            = errors.New("conflict")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrInternal            = errors.New("internal error")
)

// Refinements of the taxonomy above, used where the wire status differs.
var (
	ErrUnsupportedVersion = errors.New("no mutually supported version")
	ErrUnknownLocation    = errors.New("unknown location")
	ErrUnknownSession     = errors.New("unknown session")
	ErrUnknownReservation = errors.New("unknown reservation")
	ErrNotSupported       = errors.New("not supported")
)
