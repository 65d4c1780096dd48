package api

import (
	"errors"
	"net/http"

	"tradecore/pkg/exception"
)

// ErrorCode represents unified API error codes.
type ErrorCode string

const (
	ErrorCodeInvalidArgument     ErrorCode = "INVALID_ARGUMENT"
	ErrorCodeApprovalRequired    ErrorCode = "APPROVAL_REQUIRED"
	ErrorCodeIdempotencyConflict ErrorCode = "IDEMPOTENCY_CONFLICT"
	ErrorCodeInvalidTransition   ErrorCode = "INVALID_TRANSITION"
	ErrorCodeUnavailable         ErrorCode = "UNAVAILABLE"
	ErrorCodeInternalError       ErrorCode = "INTERNAL_ERROR"
)

var errorMappings = []struct {
	target error
	status int
	code   ErrorCode
}{
	{exception.ErrControlMissingActor, http.StatusBadRequest, ErrorCodeInvalidArgument},
	{exception.ErrControlMissingKey, http.StatusBadRequest, ErrorCodeInvalidArgument},
	{exception.ErrControlUnknownCommand, http.StatusBadRequest, ErrorCodeInvalidArgument},
	{exception.ErrInvalidArgument, http.StatusBadRequest, ErrorCodeInvalidArgument},
	{exception.ErrControlApproverRequired, http.StatusForbidden, ErrorCodeApprovalRequired},
	{exception.ErrControlApproverIsActor, http.StatusForbidden, ErrorCodeApprovalRequired},
	{exception.ErrControlIdempotencyConflict, http.StatusConflict, ErrorCodeIdempotencyConflict},
	{exception.ErrControlInvalidTransition, http.StatusConflict, ErrorCodeInvalidTransition},
	{exception.ErrControlKilled, http.StatusConflict, ErrorCodeInvalidTransition},
	{exception.ErrLedgerClosed, http.StatusServiceUnavailable, ErrorCodeUnavailable},
}

// MapErrorToHTTP maps errors to HTTP status codes and error responses.
func MapErrorToHTTP(err error) (int, ErrorResponse) {
	if err == nil {
		return http.StatusOK, ErrorResponse{}
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, ErrorResponse{Code: string(m.code), Message: err.Error()}
		}
	}
	return http.StatusInternalServerError, ErrorResponse{
		Code:    string(ErrorCodeInternalError),
		Message: err.Error(),
	}
}
