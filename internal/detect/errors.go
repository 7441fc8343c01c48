package detect

import "errors"

var (
	// ErrRangeNotFound indicates no range with the given ID is registered
	ErrRangeNotFound = errors.New("scan range not found")

	// ErrInvalidRange indicates a range whose start is not below its stop
	ErrInvalidRange = errors.New("invalid scan range")

	// ErrInvalidParams indicates detection parameters outside their valid domain
	ErrInvalidParams = errors.New("invalid detection parameters")
)
