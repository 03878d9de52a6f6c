package session

import (
	"context"
	"fmt"
	"net/http"

	"github.com/openkcm/session-client/pkg/client"
)

type Registration struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type PasswordReset struct {
	Email       string `json:"email"`
	OTP         string `json:"otp"`
	NewPassword string `json:"newPassword"`
}

// The account flows below are auth API calls: the parsed body is returned
// verbatim and only transport failures produce an error.

func (m *Manager) Register(ctx context.Context, r Registration) (client.Body, error) {
	return m.authCall(ctx, client.RegisterPath, r)
}

func (m *Manager) SendEmailVerificationOTP(ctx context.Context, email string) (client.Body, error) {
	return m.authCall(ctx, client.SendEmailVerificationPath, map[string]string{"email": email})
}

func (m *Manager) VerifyEmailOTP(ctx context.Context, email, otp string) (client.Body, error) {
	return m.authCall(ctx, client.VerifyEmailOTPPath, map[string]string{"email": email, "otp": otp})
}

func (m *Manager) SendResetOTP(ctx context.Context, email string) (client.Body, error) {
	return m.authCall(ctx, client.SendResetOTPPath, map[string]string{"email": email})
}

func (m *Manager) VerifyOTPResetPassword(ctx context.Context, r PasswordReset) (client.Body, error) {
	return m.authCall(ctx, client.VerifyOTPResetPasswordPath, r)
}

func (m *Manager) authCall(ctx context.Context, path string, body any) (client.Body, error) {
	resp, err := m.client.Send(ctx, path,
		client.WithMethod(http.MethodPost),
		client.WithBody(body),
	)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", path, err)
	}
	return resp.Body, nil
}
