// Package apperr carries the request-boundary error taxonomy and its HTTP mapping.
package apperr

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/reelcast/backend/internal/models"
)

type Kind string

const (
	KindUnauthenticated     Kind = "UNAUTHENTICATED"
	KindForbidden           Kind = "FORBIDDEN"
	KindValidation          Kind = "VALIDATION_ERROR"
	KindRateLimited         Kind = "RATE_LIMIT_EXCEEDED"
	KindQuotaExceeded       Kind = "QUOTA_EXCEEDED"
	KindNotFound            Kind = "NOT_FOUND"
	KindConflict            Kind = "CONFLICT"
	KindUpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
	KindUnauthorized        Kind = "UNAUTHORIZED"
	KindInternal            Kind = "INTERNAL_ERROR"
)

// FieldError is one failing input location.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Error struct {
	Kind       Kind
	Message    string
	Fields     []FieldError
	Metric     models.Metric
	Limit      int64
	RetryAfter int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

func Unauthenticated(msg string) *Error { return &Error{Kind: KindUnauthenticated, Message: msg} }
func Forbidden(msg string) *Error       { return &Error{Kind: KindForbidden, Message: msg} }
func NotFound(msg string) *Error        { return &Error{Kind: KindNotFound, Message: msg} }
func Conflict(msg string) *Error        { return &Error{Kind: KindConflict, Message: msg} }
func Unauthorized(msg string) *Error    { return &Error{Kind: KindUnauthorized, Message: msg} }

func Validation(fields []FieldError) *Error {
	return &Error{Kind: KindValidation, Message: "input validation failed", Fields: fields}
}

func RateLimited(retryAfter int) *Error {
	return &Error{Kind: KindRateLimited, Message: "too many requests", RetryAfter: retryAfter}
}

func QuotaExceeded(metric models.Metric, limit int64) *Error {
	return &Error{
		Kind:    KindQuotaExceeded,
		Message: "monthly " + string(metric) + " limit of " + strconv.FormatInt(limit, 10) + " reached",
		Metric:  metric,
		Limit:   limit,
	}
}

func Upstream(msg string, err error) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Message: msg, Err: err}
}

type body struct {
	Error payload `json:"error"`
}

type payload struct {
	Code    Kind          `json:"code"`
	Message string        `json:"message"`
	Fields  []FieldError  `json:"fields,omitempty"`
	Metric  models.Metric `json:"metric,omitempty"`
	Limit   *int64        `json:"limit,omitempty"`
	Details any           `json:"details,omitempty"`
}

var statusByKind = map[Kind]int{
	KindUnauthenticated:     http.StatusUnauthorized,
	KindForbidden:           http.StatusForbidden,
	KindValidation:          http.StatusBadRequest,
	KindRateLimited:         http.StatusTooManyRequests,
	KindQuotaExceeded:       http.StatusTooManyRequests,
	KindNotFound:            http.StatusNotFound,
	KindConflict:            http.StatusConflict,
	KindUpstreamUnavailable: http.StatusServiceUnavailable,
	KindUnauthorized:        http.StatusUnauthorized,
}

// Status returns the HTTP status for k.
func Status(k Kind) int {
	if s, ok := statusByKind[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Write maps err onto a JSON error response. Errors outside the taxonomy are
// logged and reported as INTERNAL_ERROR without their text.
func Write(w http.ResponseWriter, log *slog.Logger, err error) {
	WriteWithDetails(w, log, err, nil)
}

// WriteWithDetails is Write with an extra details object in the body.
func WriteWithDetails(w http.ResponseWriter, log *slog.Logger, err error, details any) {
	if log == nil {
		log = slog.Default()
	}
	e, ok := As(err)
	if !ok {
		log.Error("unhandled error", "error", err)
		e = &Error{Kind: KindInternal, Message: "internal error"}
	} else if e.Kind == KindUpstreamUnavailable {
		log.Warn("upstream unavailable", "error", err)
	}
	p := payload{Code: e.Kind, Message: e.Message, Fields: e.Fields, Metric: e.Metric, Details: details}
	if e.Kind == KindQuotaExceeded {
		limit := e.Limit
		p.Limit = &limit
	}
	if e.Kind == KindRateLimited && e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	WriteJSON(w, Status(e.Kind), body{Error: p})
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
