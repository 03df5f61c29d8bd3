package errors

import (
	"fmt"
	"net/http"
)

// Domain-specific error codes for consistent API and RPC responses. Kinds
// follow the seven-way classification the request pipeline and dispatcher
// use to decide retryability and log severity: authentication, permission,
// bad input, not found, conflict, overload, and transient/fatal.

// Authentication errors
var (
	ErrAuthInvalidCredentials = &AppError{Code: "AUTH_INVALID_CREDENTIALS", Message: "Invalid username or password", HTTPStatus: http.StatusUnauthorized, RPCCode: -32001}
	ErrAuthSessionExpired     = &AppError{Code: "AUTH_SESSION_EXPIRED", Message: "Session has expired", HTTPStatus: http.StatusUnauthorized, RPCCode: -32001}
	ErrAuthClientBlocked      = &AppError{Code: "AUTH_CLIENT_BLOCKED", Message: "Client is temporarily blocked after too many failed authentications", HTTPStatus: http.StatusForbidden, RPCCode: -32001}
)

// Permission errors
var (
	ErrPermissionDenied  = &AppError{Code: "PERMISSION_DENIED", Message: "Permission denied", HTTPStatus: http.StatusForbidden, RPCCode: -32002}
	ErrAdminRequired     = &AppError{Code: "ADMIN_REQUIRED", Message: "Administrator privileges required", HTTPStatus: http.StatusForbidden, RPCCode: -32002}
	ErrReadOnlyForbidden = &AppError{Code: "READ_ONLY_FORBIDDEN", Message: "Operation not permitted for a read-only account", HTTPStatus: http.StatusForbidden, RPCCode: -32002}
)

// Bad input errors
var (
	ErrBadParams    = &AppError{Code: "BAD_PARAMS", Message: "Invalid method parameters", HTTPStatus: http.StatusBadRequest, RPCCode: -32602}
	ErrMethodUnknown = &AppError{Code: "METHOD_UNKNOWN", Message: "Unknown method", HTTPStatus: http.StatusNotFound, RPCCode: -32601}
	ErrParseError   = &AppError{Code: "PARSE_ERROR", Message: "Invalid request payload", HTTPStatus: http.StatusBadRequest, RPCCode: -32700}
)

// Not found errors
var (
	ErrObjectNotFound  = &AppError{Code: "OBJECT_NOT_FOUND", Message: "Object not found", HTTPStatus: http.StatusNotFound, RPCCode: -32003}
	ErrChannelNotFound = &AppError{Code: "CHANNEL_NOT_FOUND", Message: "Channel not found", HTTPStatus: http.StatusNotFound, RPCCode: -32003}
)

// Conflict / unaccomplishable errors
var (
	ErrVersionConflict    = &AppError{Code: "VERSION_CONFLICT", Message: "Resource was modified concurrently", HTTPStatus: http.StatusConflict, RPCCode: -32004}
	ErrUnaccomplishable   = &AppError{Code: "UNACCOMPLISHABLE", Message: "Request cannot be carried out as specified", HTTPStatus: http.StatusUnprocessableEntity, RPCCode: -32004}
	ErrTooManySessions    = &AppError{Code: "TOO_MANY_SESSIONS", Message: "Too many sessions for this client", HTTPStatus: http.StatusConflict, RPCCode: -32004}
)

// Overload errors
var (
	ErrOverloaded  = &AppError{Code: "OVERLOADED", Message: "Server is overloaded, try again later", HTTPStatus: http.StatusServiceUnavailable, RPCCode: -32005}
	ErrRateLimited = &AppError{Code: "RATE_LIMITED", Message: "Too many requests", HTTPStatus: http.StatusTooManyRequests, RPCCode: -32005}
)

// Transient / fatal backend errors
var (
	ErrBackendUnavailable = &AppError{Code: "BACKEND_UNAVAILABLE", Message: "Backend is temporarily unavailable", HTTPStatus: http.StatusServiceUnavailable, RPCCode: -32006}
	ErrRedisUnavailable   = &AppError{Code: "REDIS_UNAVAILABLE", Message: "Redis fabric is unavailable", HTTPStatus: http.StatusServiceUnavailable, RPCCode: -32006}
	ErrFatal              = &AppError{Code: "FATAL", Message: "An unrecoverable error occurred", HTTPStatus: http.StatusInternalServerError, RPCCode: -32603}
)

// Helper functions for dynamic errors

// NewNotFound returns a NotFound error with a custom message.
func NewNotFound(format string, args ...any) error {
	return &AppError{
		Code:       ErrObjectNotFound.Code,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: ErrObjectNotFound.HTTPStatus,
		RPCCode:    ErrObjectNotFound.RPCCode,
	}
}

// NewBadParams returns a bad-params error with a custom message.
func NewBadParams(format string, args ...any) error {
	return &AppError{
		Code:       ErrBadParams.Code,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: ErrBadParams.HTTPStatus,
		RPCCode:    ErrBadParams.RPCCode,
	}
}

// NewInternalError returns an AppError for internal errors.
func NewInternalError(format string, args ...any) error {
	return &AppError{
		Code:       ErrInternalServer.Code,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: ErrInternalServer.HTTPStatus,
		RPCCode:    -32603,
	}
}
