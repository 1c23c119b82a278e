package auth

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Authentication errors.
var (
	// ErrMissingToken indicates the request carries no bearer token.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidAuthorizationHeader indicates the Authorization header is not a bearer token.
	ErrInvalidAuthorizationHeader = errors.New("invalid authorization header")

	// ErrInvalidToken indicates the token does not match the configured hash.
	ErrInvalidToken = errors.New("invalid API token")
)

// ErrorCode is the machine-readable code of an API error body.
type ErrorCode string

const (
	// ErrorUnauthorized maps to HTTP 401
	ErrorUnauthorized ErrorCode = "unauthorized"

	// ErrorMalformedAuthorization maps to HTTP 400
	ErrorMalformedAuthorization ErrorCode = "malformed_authorization"
)

// AuthError represents an authentication failure returned to the client.
type AuthError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"-"`
}

func (e *AuthError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// NewAuthError creates a new AuthError from a standard error.
func NewAuthError(err error) *AuthError {
	switch {
	case errors.Is(err, ErrInvalidAuthorizationHeader):
		return &AuthError{
			Code:       ErrorMalformedAuthorization,
			Message:    err.Error(),
			HTTPStatus: http.StatusBadRequest,
		}

	default:
		return &AuthError{
			Code:       ErrorUnauthorized,
			Message:    err.Error(),
			HTTPStatus: http.StatusUnauthorized,
		}
	}
}

// writeAuthError writes an authentication error response.
func writeAuthError(w http.ResponseWriter, err error) {
	authErr := NewAuthError(err)

	w.Header().Set("Content-Type", "application/json")
	if authErr.HTTPStatus == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="bastion"`)
	}
	w.WriteHeader(authErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]*AuthError{"error": authErr})
}
