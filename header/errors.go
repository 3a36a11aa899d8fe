package header

import "errors"

// Sentinel errors this package returns. Callers that need the engine's
// richer streamform.Error taxonomy wrap these with errors.Is checks; see
// wrapErr in the root package's driver.go.
var (
	errInvalidContentType = errors.New("header: invalid content-type")
	errInvalidBoundary    = errors.New("header: invalid boundary")
	errInvalidHeader      = errors.New("header: invalid part header")
)

// ErrInvalidBoundary is returned (wrapped) by ExtractBoundary.
var ErrInvalidBoundary = errInvalidBoundary

// ErrInvalidHeader is returned (wrapped) by ParseHeaderBlock and ParsePart.
var ErrInvalidHeader = errInvalidHeader
