package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/kvrt/internal/batch"
	"github.com/samcharles93/kvrt/internal/errs"
	"github.com/samcharles93/kvrt/internal/inference"
	"github.com/samcharles93/kvrt/internal/kvcache"
	"github.com/samcharles93/kvrt/internal/sessionstore"
)

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrNotFound       = errors.New("not_found")
)

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error ResponseError `json:"error"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// classify maps an engine error onto an HTTP status and error type.
func classify(err error) (int, string) {
	var fatal *inference.FatalError
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, inference.ErrInvalidBatch),
		errors.Is(err, batch.ErrConsumed),
		errors.Is(err, kvcache.ErrInvalidSeq):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, ErrNotFound), errors.Is(err, sessionstore.ErrNotFound):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, errs.ErrCacheSlotUnavailable):
		return http.StatusConflict, "no_kv_slot"
	case errors.Is(err, kvcache.ErrPositionConflict):
		return http.StatusConflict, "position_conflict"
	case errors.Is(err, inference.ErrBusy):
		return http.StatusConflict, "context_busy"
	case errors.Is(err, errs.ErrCorruptState):
		return http.StatusUnprocessableEntity, "corrupt_state"
	case errors.Is(err, errs.ErrCapacityExceeded):
		return http.StatusRequestEntityTooLarge, "capacity_exceeded"
	case errors.As(err, &fatal):
		return http.StatusInternalServerError, "fatal_decode_error"
	case errors.Is(err, errs.ErrInvalidHandle):
		return http.StatusGone, "invalid_handle"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return writeJSON(c, status, ErrorBody{Error: ResponseError{Message: msg, Type: errType}})
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeErr(c *echo.Context, err error) error {
	status, typ := classify(err)
	return writeError(c, status, typ, err.Error())
}
