// Package render writes JSON responses and maps classified errors to HTTP statuses.
package render

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"libracirc/internal/errkind"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DateLayout is the wire format of calendar dates.
const DateLayout = "2006-01-02"

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// Decode reads a JSON request body into v.
func Decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errkind.ErrInvalid.With("malformed request body: %v", err)
	}
	return nil
}

// ErrorDetail is the wire form of a classified error.
type ErrorDetail struct {
	Kind      string `json:"kind"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type errorBody struct {
	Error ErrorDetail `json:"error"`
}

// Status maps err to an HTTP status code.
func Status(err error) int {
	switch errkind.KindOf(err) {
	case errkind.NotFound:
		return http.StatusNotFound
	case errkind.PreconditionFailed:
		if errors.Is(err, errkind.ErrInvalid) {
			return http.StatusBadRequest
		}
		return http.StatusConflict
	case errkind.ConflictRetryable:
		return http.StatusServiceUnavailable
	case errkind.Unauthorized:
		return http.StatusUnauthorized
	case errkind.RateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Detail describes err for a client. The message of a storage failure is withheld.
func Detail(err error) ErrorDetail {
	detail := ErrorDetail{
		Kind:      errkind.KindOf(err).String(),
		Code:      errkind.CodeOf(err),
		Retryable: errkind.Retryable(err),
	}

	var kerr *errkind.Error
	switch {
	case Status(err) == http.StatusInternalServerError:
		detail.Message = errkind.ErrStorage.Message
	case errors.As(err, &kerr):
		detail.Message = kerr.Message
	default:
		detail.Message = err.Error()
	}
	return detail
}

// Error writes err as an error body. Storage failures are logged.
func Error(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := Status(err)
	if status == http.StatusInternalServerError && logger != nil {
		logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}

	detail := Detail(err)
	if detail.Retryable {
		w.Header().Set("Retry-After", "1")
	}
	JSON(w, status, errorBody{Error: detail})
}

// ParseDate parses a YYYY-MM-DD value. The empty string yields the zero time.
func ParseDate(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(DateLayout, value)
	if err != nil {
		return time.Time{}, errkind.ErrInvalid.With("%s must be a YYYY-MM-DD date", field)
	}
	return t, nil
}

// QueryInt reads an integer query parameter, returning def when it is absent.
func QueryInt(r *http.Request, key string, def int) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errkind.ErrInvalid.With("%s must be a non-negative integer", key)
	}
	return n, nil
}
