package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/use-agent/shepherd/engine"
	"github.com/use-agent/shepherd/models"
)

// Outcome is the tagged result of one step attempt.
type Outcome struct {
	Kind     models.StepOutcome
	Code     string
	Err      error
	Output   string
	Duration time.Duration
}

// Failed reports whether the attempt did not succeed.
func (o Outcome) Failed() bool { return o.Kind != models.OutcomeSuccess }

// Message is the API-facing description of a failed outcome.
func (o Outcome) Message() string {
	var se *models.StepError
	if errors.As(o.Err, &se) {
		return se.Message
	}
	if o.Err != nil {
		return o.Err.Error()
	}
	return ""
}

// recoverableCodes are failures plausibly transient: the page may be slow,
// the network flaky, or the browser tab may have died.
var recoverableCodes = map[string]struct{}{
	models.ErrCodeTimeout:         {},
	models.ErrCodeNavigation:      {},
	models.ErrCodeElementNotFound: {},
	models.ErrCodeRender:          {},
	models.ErrCodeBrowserCrash:    {},
	models.ErrCodeInternal:        {},
}

// fatalCodes are failures a retry cannot fix.
var fatalCodes = map[string]struct{}{
	models.ErrCodeAuthRejected:     {},
	models.ErrCodeStructureChanged: {},
	models.ErrCodeInvalidStep:      {},
}

// Executor runs single steps against a session.
type Executor struct{}

// New creates an Executor.
func New() *Executor {
	return &Executor{}
}

type result struct {
	output string
	err    error
}

// Run executes step on session under a hard wall-clock timeout and
// classifies the result. It never returns raw capability errors to the
// caller; they are folded into the Outcome.
func (e *Executor) Run(ctx context.Context, step models.StepSpec, session engine.Session, timeout time.Duration) Outcome {
	start := time.Now()

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: models.NewStepError(models.ErrCodeBrowserCrash,
					fmt.Sprintf("automation panicked: %v", r), nil)}
			}
		}()
		out, err := session.Perform(stepCtx, step)
		done <- result{output: out, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-stepCtx.Done():
		// The call is abandoned at the deadline. Its goroutine drains into
		// the buffered channel whenever the session gives up.
		select {
		case res = <-done:
		default:
			if ctx.Err() == nil {
				slog.Warn("step still running at its deadline, abandoning call",
					"step", step.ID, "action", step.Action, "timeout", timeout)
			}
			res = result{err: models.NewStepError(models.ErrCodeTimeout,
				fmt.Sprintf("step exceeded %s", timeout), stepCtx.Err())}
		}
	}

	o := Classify(step, res.err)
	o.Output = res.output
	o.Duration = time.Since(start)
	if res.err == nil && stepCtx.Err() == context.DeadlineExceeded && o.Duration > timeout {
		// Finished, but only after the budget ran out.
		o = Classify(step, models.NewStepError(models.ErrCodeTimeout,
			fmt.Sprintf("step exceeded %s", timeout), context.DeadlineExceeded))
		o.Duration = time.Since(start)
	}
	return o
}

// Classify maps a step error to an outcome. Timeouts are recoverable
// unless the step is non-idempotent; unknown errors are recoverable and
// bounded by the retry policy.
func Classify(step models.StepSpec, err error) Outcome {
	if err == nil {
		return Outcome{Kind: models.OutcomeSuccess}
	}

	code := models.CodeOf(err)
	if code == "" {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			code = models.ErrCodeTimeout
		default:
			code = models.ErrCodeInternal
		}
	}

	if code == models.ErrCodeTimeout {
		if step.NonIdempotent {
			return Outcome{Kind: models.OutcomeFatal, Code: code, Err: err}
		}
		return Outcome{Kind: models.OutcomeRecoverable, Code: code, Err: err}
	}
	if _, ok := fatalCodes[code]; ok {
		return Outcome{Kind: models.OutcomeFatal, Code: code, Err: err}
	}
	if _, ok := recoverableCodes[code]; ok {
		return Outcome{Kind: models.OutcomeRecoverable, Code: code, Err: err}
	}
	return Outcome{Kind: models.OutcomeRecoverable, Code: code, Err: err}
}
