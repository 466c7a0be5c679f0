package oauth

import (
	"errors"
	"fmt"
	"net/http"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrClientNotFound indicates the client_id is unknown within the
	// organization, or the client has been disabled.
	ErrClientNotFound = errors.New("client not found")

	// ErrCodeNotFound indicates the authorization code does not exist, has
	// expired, or has already been consumed.
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrTokenNotFound indicates no token matches the given hash within the
	// organization.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenRevoked indicates the token exists but has been revoked. For
	// refresh tokens this is the replay signal that triggers lineage
	// revocation.
	ErrTokenRevoked = errors.New("token revoked")

	// ErrSubjectNotFound indicates the subject directory has no profile for
	// the given subject in the organization.
	ErrSubjectNotFound = errors.New("subject not found")
)

// ---------------------------------------------------------------------------
// OAuth error taxonomy (RFC 6749 §5.2, RFC 7662)
// ---------------------------------------------------------------------------

// OAuth error codes. Each maps to a fixed HTTP status via ErrorStatus.
const (
	ErrorInvalidRequest       = "invalid_request"
	ErrorInvalidClient        = "invalid_client"
	ErrorInvalidGrant         = "invalid_grant"
	ErrorInvalidScope         = "invalid_scope"
	ErrorUnauthorizedClient   = "unauthorized_client"
	ErrorUnsupportedGrantType = "unsupported_grant_type"
	ErrorServerError          = "server_error"
)

// Error is the OAuth 2.0 error response object returned by the token and
// introspection endpoints.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates an OAuth error with the given code and description.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// Errorf creates an OAuth error with a formatted description.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

// ErrorStatus returns the HTTP status code for an OAuth error code.
// Request, grant, and scope errors are 400; client authentication failures
// are 401; unauthorized_client is 403; anything unexpected is 500.
func ErrorStatus(code string) int {
	switch code {
	case ErrorInvalidRequest, ErrorInvalidGrant, ErrorInvalidScope, ErrorUnsupportedGrantType:
		return http.StatusBadRequest
	case ErrorInvalidClient:
		return http.StatusUnauthorized
	case ErrorUnauthorizedClient:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// AsError converts any error into an *Error suitable for a wire response.
// Internal errors (store failures, timeouts) are collapsed into an opaque
// server_error so backend detail never reaches the caller.
func AsError(err error) *Error {
	var oerr *Error
	if errors.As(err, &oerr) {
		return oerr
	}
	return NewError(ErrorServerError, "internal server error")
}
