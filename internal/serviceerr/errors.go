package serviceerr

import (
	"errors"
	"fmt"
	"net/http"
)

var ErrNetworkFailure = errors.New("network failure")
var ErrAuthExpired = errors.New("authorization expired")
var ErrBusiness = errors.New("business error")
var ErrAuthRequired = errors.New("authentication required")
var ErrForcedLogout = errors.New("forced logout")
var ErrNotReady = errors.New("session not ready")

// HTTPError is returned for non-2xx responses of non-auth endpoints.
type HTTPError struct {
	StatusCode int
	Message    string
	Body       map[string]any
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// Is makes a 401 match ErrAuthExpired and every other status ErrBusiness.
func (e *HTTPError) Is(target error) bool {
	if e.StatusCode == http.StatusUnauthorized {
		return target == ErrAuthExpired
	}
	return target == ErrBusiness
}

// BusinessError carries a server message meant for inline display.
type BusinessError struct {
	Message string
}

func (e *BusinessError) Error() string {
	if e.Message == "" {
		return ErrBusiness.Error()
	}
	return e.Message
}

func (e *BusinessError) Unwrap() error {
	return ErrBusiness
}
