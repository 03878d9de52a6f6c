// Package errorsurface is the single place where failures are reported to the
// user interface.
package errorsurface

import (
	"context"
	"sync"

	slogctx "github.com/veqryn/slog-context"
)

const DefaultMessage = "Something went wrong. Please try again."

// Report is one user-visible failure.
type Report struct {
	Message string
	// Is401 marks failures that should send the user to the login screen
	// once acknowledged.
	Is401 bool
}

type Func func(ctx context.Context, report Report)

// Surface holds at most one registered callback and the latest report.
type Surface struct {
	mu      sync.Mutex
	fn      Func
	latest  *Report
	reports int
}

func New() *Surface {
	return &Surface{}
}

// Register installs fn as the callback, replacing any previous one.
// Passing nil unregisters.
func (s *Surface) Register(fn Func) {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
}

// Report records the failure and forwards it to the registered callback.
// An empty message is replaced by DefaultMessage.
func (s *Surface) Report(ctx context.Context, message string, is401 bool) {
	if message == "" {
		message = DefaultMessage
	}
	report := Report{Message: message, Is401: is401}

	s.mu.Lock()
	s.latest = &report
	s.reports++
	fn := s.fn
	s.mu.Unlock()

	if fn == nil {
		slogctx.Warn(ctx, "No error surface registered", "message", message, "is401", is401)
		return
	}
	fn(ctx, report)
}

// Latest returns the most recent unacknowledged report.
func (s *Surface) Latest() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return Report{}, false
	}
	return *s.latest, true
}

// Acknowledge dismisses the latest report and tells whether the user should
// now be redirected to login.
func (s *Surface) Acknowledge() (redirectToLogin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return false
	}
	redirectToLogin = s.latest.Is401
	s.latest = nil
	return redirectToLogin
}

// Count returns how many reports were made since creation.
func (s *Surface) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reports
}
