// Package errors provides standardized error handling shared by the HTTP
// request pipeline and the JSON-RPC dispatcher.
//
// # Core Types
//
//   - AppError: error carrying both an HTTP status and a JSON-RPC error code
//   - ErrorResponse: JSON structure for HTTP API error responses
//
// # Usage
//
// Using predefined errors:
//
//	if sess == nil {
//	    return errors.ErrAuthSessionExpired
//	}
//
// Wrapping errors with context:
//
//	if err := redisClient.Get(ctx, key).Err(); err != nil {
//	    return errors.Wrap(errors.ErrRedisUnavailable, "failed to load session", err)
//	}
//
// Responding to HTTP requests:
//
//	func handler(w http.ResponseWriter, r *http.Request) {
//	    if err := doSomething(); err != nil {
//	        errors.RespondWithError(w, err)
//	        return
//	    }
//	}
//
// Responding to JSON-RPC calls uses RespondRPCError instead, which renders
// the same AppError as an RPC error object using its RPCCode.
//
// # Error Categories
//
// Domain-specific errors are defined in domain.go, grouped by the seven
// kinds the request pipeline classifies every failure into: Authentication,
// Permission, Bad input, Not found, Conflict/Unaccomplishable, Overload, and
// Transient/Fatal.
package errors
