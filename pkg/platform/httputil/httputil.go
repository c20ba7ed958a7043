package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	dErrors "signupflow/pkg/domain-errors"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the JSON body of every error reply. Code carries the
// numeric API code when the handler defines one.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	Code             int    `json:"code,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps a domain error onto a status code and JSON body. Internal
// errors never leak their description.
func WriteError(w http.ResponseWriter, err error) {
	WriteErrorCode(w, err, 0)
}

// WriteErrorCode is WriteError with a numeric API code attached.
func WriteErrorCode(w http.ResponseWriter, err error, numeric int) {
	code := dErrors.CodeOf(err)
	resp := ErrorResponse{Error: string(code), Code: numeric}

	var de *dErrors.Error
	if errors.As(err, &de) && code != dErrors.CodeInternal && code != dErrors.CodeStoreUnavailable {
		resp.ErrorDescription = de.Message
	}
	WriteJSON(w, StatusFor(code), resp)
}

// StatusFor maps error codes to HTTP statuses.
func StatusFor(code dErrors.Code) int {
	switch code {
	case dErrors.CodeBadRequest, dErrors.CodeInvalidInput, dErrors.CodeValidation,
		dErrors.CodeInvalidParameter, dErrors.CodeMalformedMessage:
		return http.StatusBadRequest
	case dErrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case dErrors.CodeForbidden:
		return http.StatusForbidden
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeConflict, dErrors.CodeAlreadyVerified:
		return http.StatusConflict
	case dErrors.CodeExpired:
		return http.StatusGone
	case dErrors.CodeMaxAttempts, dErrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case dErrors.CodeNotifierFailure:
		return http.StatusBadGateway
	case dErrors.CodeStoreUnavailable, dErrors.CodeTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// DecodeJSON reads a bounded JSON body into a new T, rejecting unknown
// fields and trailing data.
func DecodeJSON[T any](r *http.Request) (*T, error) {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	var v T
	if err := dec.Decode(&v); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid JSON body")
	}
	if dec.More() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "unexpected data after JSON body")
	}
	return &v, nil
}
