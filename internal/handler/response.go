package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/prn-tf/bastion/internal/domain"
	"github.com/prn-tf/bastion/internal/service"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// APIError is the JSON error body.
type APIError struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	HTTPStatusCode int    `json:"-"`
}

// ErrorResponse wraps an APIError.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// errorFor maps service and domain errors to API errors.
func errorFor(err error) APIError {
	switch {
	case errors.Is(err, domain.ErrMalformedIdentifier):
		return APIError{Code: "malformed_identifier", Message: err.Error(), HTTPStatusCode: http.StatusBadRequest}
	case errors.Is(err, domain.ErrReasonTooLong),
		errors.Is(err, domain.ErrInvalidDuration),
		errors.Is(err, domain.ErrUnknownPunishmentType),
		errors.Is(err, domain.ErrMissingTarget):
		return APIError{Code: "invalid_punishment", Message: err.Error(), HTTPStatusCode: http.StatusBadRequest}
	case errors.Is(err, domain.ErrNotLiftable):
		return APIError{Code: "not_liftable", Message: err.Error(), HTTPStatusCode: http.StatusBadRequest}
	case errors.Is(err, domain.ErrIdentityNotFound):
		return APIError{Code: "identity_not_found", Message: err.Error(), HTTPStatusCode: http.StatusNotFound}
	case errors.Is(err, domain.ErrPunishmentNotFound):
		return APIError{Code: "punishment_not_found", Message: err.Error(), HTTPStatusCode: http.StatusNotFound}
	case errors.Is(err, service.ErrSessionNotFound):
		return APIError{Code: "session_not_found", Message: err.Error(), HTTPStatusCode: http.StatusNotFound}
	case errors.Is(err, domain.ErrDirectoryUnavailable):
		return APIError{Code: "directory_unavailable", Message: err.Error(), HTTPStatusCode: http.StatusServiceUnavailable}
	case errors.Is(err, domain.ErrDurableStore):
		return APIError{Code: "store_failure", Message: "durable store failure", HTTPStatusCode: http.StatusInternalServerError}
	default:
		return APIError{Code: "internal_error", Message: "internal error", HTTPStatusCode: http.StatusInternalServerError}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, apiErr APIError) {
	writeJSON(w, apiErr.HTTPStatusCode, ErrorResponse{Error: apiErr})
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeError(w, APIError{Code: "bad_request", Message: fmt.Sprintf(format, args...), HTTPStatusCode: http.StatusBadRequest})
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
