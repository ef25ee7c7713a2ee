// Package errors provides the structured command-rejection error used across
// livetable, with codes that map onto gRPC status categories and HTTP statuses.
package errors

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unclassified error.
	CodeUnknown Code = "UNKNOWN"

	// CodeInvalidTransition reports stage machine or combat lifecycle misuse.
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	// CodeForbidden reports a permission filter denial.
	CodeForbidden Code = "FORBIDDEN"
	// CodeOutOfBounds reports a grid coordinate outside the map.
	CodeOutOfBounds Code = "OUT_OF_BOUNDS"
	// CodeNotFound reports an unknown entry, token, session or campaign.
	CodeNotFound Code = "NOT_FOUND"
	// CodeValidation reports a malformed command payload.
	CodeValidation Code = "VALIDATION_ERROR"

	// CodeUnavailable reports an unknown outcome: timeouts, closed channels.
	CodeUnavailable Code = "UNAVAILABLE"
	// CodeInternal reports an infrastructure failure such as persistence.
	CodeInternal Code = "INTERNAL"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeValidation:
		return codes.InvalidArgument
	case CodeInvalidTransition:
		return codes.FailedPrecondition
	case CodeForbidden:
		return codes.PermissionDenied
	case CodeOutOfBounds:
		return codes.OutOfRange
	case CodeNotFound:
		return codes.NotFound
	case CodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// HTTPStatus maps domain codes to HTTP status codes for REST surfaces.
func (c Code) HTTPStatus() int {
	switch c.GRPCCode() {
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.FailedPrecondition:
		return http.StatusConflict
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a client may retry after re-syncing.
func (c Code) Retryable() bool {
	return c == CodeUnavailable
}
