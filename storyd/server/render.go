package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Oudwins/storyd/internals/faults"
)

type JsonResponseStatus string

const (
	JsonResponseStatusSuccess JsonResponseStatus = "success"
	JsonResponseStatusFailed  JsonResponseStatus = "failed"
)

type JsonResponseErrorCode string

const (
	JsonResponseErrorCodeInvalidJson      JsonResponseErrorCode = "invalid_json"
	JsonResponseErrorCodeValidationFailed JsonResponseErrorCode = "validation_failed"
	JsonResponseErrorCodeInternal         JsonResponseErrorCode = "internal"
	JsonResponseErrorCodeNotFound         JsonResponseErrorCode = "not_found"
	JsonResponseErrorCodeAuthRequired     JsonResponseErrorCode = "auth_required"
	JsonResponseErrorCodeConflict         JsonResponseErrorCode = "conflict"
	JsonResponseErrorCodeOutOfOrder       JsonResponseErrorCode = "out_of_order"
	JsonResponseErrorCodeForbidden        JsonResponseErrorCode = "forbidden"
	JsonResponseErrorCodeSegmentNotReady  JsonResponseErrorCode = "segment_not_ready"
)

type ErrorResponse struct {
	Status  JsonResponseStatus    `json:"status"`
	Code    JsonResponseErrorCode `json:"code"`
	Message string                `json:"message"`
	Errors  map[string][]string   `json:"errors,omitempty"`
}

func JsonResponseError(code JsonResponseErrorCode, message string, errors map[string][]string) *ErrorResponse {
	return &ErrorResponse{
		Status:  JsonResponseStatusFailed,
		Code:    code,
		Message: message,
		Errors:  errors,
	}
}

type RenderOption = func(w http.ResponseWriter, r *http.Request)

type Renderer struct {
}

func (r *Renderer) Status(status int) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}
}

var Render = Renderer{}

func RenderJSON(w http.ResponseWriter, r *http.Request, payload any, opts ...RenderOption) {
	w.Header().Set("Content-Type", "application/json")
	for _, opt := range opts {
		opt(w, r)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// StatusFor maps an error to its HTTP status and response code.
func StatusFor(err error) (int, JsonResponseErrorCode) {
	switch faults.KindOf(err) {
	case faults.KindNotFound:
		return http.StatusNotFound, JsonResponseErrorCodeNotFound
	case faults.KindConflict:
		return http.StatusConflict, JsonResponseErrorCodeConflict
	case faults.KindOutOfOrder:
		return http.StatusBadRequest, JsonResponseErrorCodeOutOfOrder
	case faults.KindPathViolation, faults.KindForbidden:
		return http.StatusForbidden, JsonResponseErrorCodeForbidden
	}
	return http.StatusInternalServerError, JsonResponseErrorCodeInternal
}

// RenderError writes err as a JSON error. Internal errors are logged and
// their message is not exposed.
func RenderError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := StatusFor(err)
	message := err.Error()
	var fault *faults.Error
	if errors.As(err, &fault) {
		message = fault.Message
	}
	if status == http.StatusInternalServerError {
		LoggerFrom(r.Context()).Error("Request failed", slog.String("error", err.Error()))
		message = "Internal server error"
	}
	RenderJSON(w, r, JsonResponseError(code, message, nil), Render.Status(status))
}
