package api

import (
	"context"
	"errors"
	"fmt"
)

// Failure modes of a request. Status failures other than 401, 403 and 404
// are reported as *ServerError or *HTTPError.
var (
	ErrInvalidURL       = errors.New("invalid URL")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrInvalidResponse  = errors.New("invalid response from server")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrDecode           = errors.New("decode response")
)

// ServerError is a 5xx response.
type ServerError struct {
	Code int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error (HTTP %d)", e.Code)
}

// HTTPError is a non-2xx response outside the other categories. Body holds
// the raw response body.
type HTTPError struct {
	Code int
	Body []byte
}

func (e *HTTPError) Error() string {
	if len(e.Body) > 0 {
		return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("HTTP %d", e.Code)
}

// statusError classifies a non-2xx status.
func statusError(code int, body []byte) error {
	switch {
	case code == 401:
		return ErrUnauthorized
	case code == 403:
		return ErrForbidden
	case code == 404:
		return ErrNotFound
	case code >= 500 && code <= 599:
		return &ServerError{Code: code}
	default:
		return &HTTPError{Code: code, Body: body}
	}
}

// Describe renders err as a sentence suitable for showing to a user.
func Describe(err error) string {
	var serverErr *ServerError
	var httpErr *HTTPError

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidURL):
		return "Invalid URL"
	case errors.Is(err, ErrNotAuthenticated):
		return "Not authenticated"
	case errors.Is(err, ErrInvalidResponse):
		return "Invalid response from server"
	case errors.Is(err, ErrUnauthorized):
		return "Session expired. Please sign in again."
	case errors.Is(err, ErrForbidden):
		return "Access denied"
	case errors.Is(err, ErrNotFound):
		return "Resource not found"
	case errors.As(err, &serverErr):
		return fmt.Sprintf("Server error (%d)", serverErr.Code)
	case errors.As(err, &httpErr):
		return fmt.Sprintf("Request failed (%d)", httpErr.Code)
	case errors.Is(err, ErrDecode):
		return "Could not read the server response"
	case errors.Is(err, context.DeadlineExceeded):
		return "Request timed out"
	case errors.Is(err, context.Canceled):
		return "Request cancelled"
	default:
		return err.Error()
	}
}
