package retry

import (
	"fmt"
	"time"

	"github.com/use-agent/shepherd/config"
	"github.com/use-agent/shepherd/models"
)

// Decision is the outcome of Policy.Decide.
type Decision struct {
	// Retry is false when the policy gives up.
	Retry bool

	// After is the backoff before the next attempt. Zero when giving up.
	After time.Duration

	// Reason explains a give-up decision.
	Reason string
}

// GiveUp reports whether the decision ends the job.
func (d Decision) GiveUp() bool { return !d.Retry }

// Policy is exponential backoff with a cap, bounded by attempts and total
// job duration. Decide is a pure function of its inputs.
type Policy struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	MaxJobDuration time.Duration
}

// FromConfig builds a Policy from configuration.
func FromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		BaseDelay:      cfg.BaseDelay,
		MaxDelay:       cfg.MaxDelay,
		MaxAttempts:    cfg.MaxAttempts,
		MaxJobDuration: cfg.MaxJobDuration,
	}
}

// Decide returns what to do after attempt number attempt (1-based) of a
// step ended with kind, elapsed after the job started.
func (p Policy) Decide(kind models.StepOutcome, attempt int, elapsed time.Duration) Decision {
	switch kind {
	case models.OutcomeSuccess:
		return Decision{Reason: "step succeeded"}
	case models.OutcomeFatal:
		return Decision{Reason: "fatal failure"}
	case models.OutcomeRecoverable:
	default:
		return Decision{Reason: fmt.Sprintf("unknown outcome %q", kind)}
	}

	if p.MaxJobDuration > 0 && elapsed >= p.MaxJobDuration {
		return Decision{Reason: fmt.Sprintf("job exceeded max duration %s", p.MaxJobDuration)}
	}
	if attempt >= p.MaxAttempts {
		return Decision{Reason: fmt.Sprintf("gave up after %d attempts", attempt)}
	}

	return Decision{Retry: true, After: p.Backoff(attempt)}
}

// Backoff is BaseDelay doubled for every attempt after the first, capped
// at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
