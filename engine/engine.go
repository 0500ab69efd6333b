package engine

import (
	"context"

	"github.com/use-agent/shepherd/models"
)

// Automation is the browser automation capability a job drives.
type Automation interface {
	// Open starts an isolated session positioned on target. The session is
	// owned by a single job and never shared.
	Open(ctx context.Context, target string) (Session, error)
}

// Session is one exclusive browser session.
type Session interface {
	// Perform runs a single step. A nil error is success; failures are
	// returned as *models.StepError whose code tells recoverable from fatal.
	// The returned string is the step output ("extract" steps only).
	Perform(ctx context.Context, step models.StepSpec) (string, error)

	// Screenshot renders the current page as PNG.
	Screenshot(ctx context.Context) ([]byte, error)

	// Close releases the session. It is safe to call more than once.
	Close() error
}

// SessionCounter is implemented by automations that can report how many
// sessions are currently open.
type SessionCounter interface {
	ActiveSessions() int
}
