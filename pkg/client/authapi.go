package client

import (
	"slices"
	"strings"
)

const (
	LoginPath                  = "/auth/login"
	RefreshPath                = "/auth/refresh"
	LogoutPath                 = "/auth/logout"
	RegisterPath               = "/auth/register"
	SendEmailVerificationPath  = "/auth/send-email-verification-otp"
	VerifyEmailOTPPath         = "/auth/verify-email-otp"
	SendResetOTPPath           = "/auth/send-reset-otp"
	VerifyOTPResetPasswordPath = "/auth/verify-otp-reset-password"
)

var authAPIPaths = []string{
	LoginPath,
	RefreshPath,
	LogoutPath,
	RegisterPath,
	SendEmailVerificationPath,
	VerifyEmailOTPPath,
	SendResetOTPPath,
	VerifyOTPResetPasswordPath,
}

// IsAuthAPI reports whether path, relative to the API base URL, is one of the
// authentication endpoints. Failures of those endpoints are business errors
// for the caller to render: they are never refreshed-and-retried and never
// reach the error surface. Only exact paths match, so a business route that
// merely ends in an auth path is not exempted.
func IsAuthAPI(path string) bool {
	path, _, _ = strings.Cut(path, "?")
	path, _, _ = strings.Cut(path, "#")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}

	return slices.Contains(authAPIPaths, path)
}

// isAuthAPI classifies a path as passed to Send. Absolute URLs count only when
// they point under the base URL.
func (c *Client) isAuthAPI(path string) bool {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		rest, ok := strings.CutPrefix(path, c.baseURL)
		if !ok {
			return false
		}
		path = rest
	}
	return IsAuthAPI(path)
}
