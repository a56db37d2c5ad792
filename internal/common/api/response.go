package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Response is the standard API response envelope
type Response[T any] struct {
	Data  T      `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// Error represents an API error
type Error struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Page wraps a list result with its window.
type Page[T any] struct {
	Items   []T   `json:"items"`
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	Total   int64 `json:"total"`
	HasMore bool  `json:"has_more"`
}

// NewPage builds a Page and derives HasMore.
func NewPage[T any](items []T, p PageParams, total int64) Page[T] {
	if items == nil {
		items = []T{}
	}
	return Page[T]{
		Items:   items,
		Limit:   p.Limit,
		Offset:  p.Offset,
		Total:   total,
		HasMore: int64(p.Offset+len(items)) < total,
	}
}

const (
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeServiceUnavail    = "SERVICE_UNAVAILABLE"
	ErrCodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	ErrCodeInvalidState      = "INVALID_STATE"
	ErrCodeBelowMinimum      = "BELOW_MINIMUM"
	ErrCodeAlreadyApproved   = "ALREADY_APPROVED"
	ErrCodeContention        = "CONTENTION"
)

// Failure describes how one class of error is rendered. RetryAfter, when
// set, is sent in seconds and marks the request as safe to repeat.
type Failure struct {
	Status     int
	Code       string
	RetryAfter int
}

// Write renders f with message.
func (f Failure) Write(w http.ResponseWriter, message string) {
	if f.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(f.RetryAfter))
	}
	WriteError(w, f.Status, f.Code, message)
}

var (
	FailureBadRequest = Failure{Status: http.StatusBadRequest, Code: ErrCodeBadRequest}
	FailureForbidden  = Failure{Status: http.StatusForbidden, Code: ErrCodeForbidden}
	FailureNotFound   = Failure{Status: http.StatusNotFound, Code: ErrCodeNotFound}
	FailureInternal   = Failure{Status: http.StatusInternalServerError, Code: ErrCodeInternalError}
	FailureDisabled   = Failure{Status: http.StatusServiceUnavailable, Code: ErrCodeServiceUnavail}
)

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteData writes a successful data response
func WriteData[T any](w http.ResponseWriter, status int, data T) {
	WriteJSON(w, status, Response[T]{Data: data})
}

// WriteError writes an error response
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, Response[any]{Error: &Error{Code: code, Message: message}})
}

// ValidationError writes a 422 naming each offending field. Decode errors
// come through here too and carry no field details.
func ValidationError(w http.ResponseWriter, err error) {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		WriteError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
		return
	}
	details := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		details[jsonName(fe)] = describe(fe)
	}
	WriteJSON(w, http.StatusUnprocessableEntity, Response[any]{Error: &Error{
		Code:    ErrCodeValidation,
		Message: "request failed validation",
		Details: details,
	}})
}

func jsonName(fe validator.FieldError) string {
	// Namespace is "Request.items[0].amount" once the tag name func is set.
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte", "min":
		return "must be at least " + fe.Param()
	case "lte", "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "dive":
		return "has an invalid element"
	default:
		return fmt.Sprintf("failed %q", fe.Tag())
	}
}

// Validate is a shared validator instance. Field names in errors follow the
// json tags so they match what the client sent.
var Validate = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

// DecodeAndValidate decodes JSON and validates the result. An empty body
// decodes as an empty object so handlers with optional bodies still validate.
func DecodeAndValidate(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding body: %w", err)
	}
	return Validate.Struct(v)
}

// PageParams is the limit/offset window read from the query string.
type PageParams struct {
	Limit  int
	Offset int
}

// GetPageParams reads limit and offset, clamping limit to maxLimit.
func GetPageParams(r *http.Request, defaultLimit, maxLimit int) PageParams {
	p := PageParams{Limit: defaultLimit}
	q := r.URL.Query()
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 {
		p.Limit = min(l, maxLimit)
	}
	if o, err := strconv.Atoi(q.Get("offset")); err == nil && o >= 0 {
		p.Offset = o
	}
	return p
}
