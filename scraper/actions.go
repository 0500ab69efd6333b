package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/use-agent/shepherd/extract"
	"github.com/use-agent/shepherd/models"
)

// missingElementError marks a selector that never appeared.
type missingElementError struct {
	selector string
	err      error
}

func (e *missingElementError) Error() string {
	return fmt.Sprintf("element %q not found: %v", e.selector, e.err)
}

func (e *missingElementError) Unwrap() error { return e.err }

// perform dispatches one step. p is already bound to the step's context.
func perform(ctx context.Context, p *rod.Page, target string, step models.StepSpec) (string, error) {
	if err := validate(step); err != nil {
		return "", err
	}

	switch step.Action {
	case models.ActionNavigate:
		return "", navigate(p, resolve(target, step.URL))
	case models.ActionClick:
		el, err := find(ctx, p, step.Selector)
		if err != nil {
			return "", err
		}
		return "", el.Click(proto.InputMouseButtonLeft, 1)
	case models.ActionFill:
		el, err := find(ctx, p, step.Selector)
		if err != nil {
			return "", err
		}
		if err := el.SelectAllText(); err != nil {
			return "", err
		}
		return "", el.Input(step.Value)
	case models.ActionWait:
		if step.Selector != "" {
			_, err := find(ctx, p, step.Selector)
			return "", err
		}
		return "", pause(ctx, step.Milliseconds)
	case models.ActionWaitURL:
		return "", p.Wait(rod.Eval(`(s) => window.location.href.includes(s)`, step.URL))
	case models.ActionScroll:
		return "", scroll(ctx, p, step)
	case models.ActionSleep:
		return "", pause(ctx, step.Milliseconds)
	case models.ActionExecuteJS:
		res, err := p.Eval(step.Value)
		if err != nil {
			return "", err
		}
		return res.Value.Str(), nil
	case models.ActionExtract:
		if _, err := find(ctx, p, step.Selector); err != nil {
			return "", err
		}
		doc, err := p.HTML()
		if err != nil {
			return "", err
		}
		out, err := extract.Extract(doc, extract.Query{
			Selector: step.Selector,
			Attr:     step.Attr,
			Format:   step.Format,
			BaseURL:  target,
		})
		if errors.Is(err, extract.ErrNoMatch) {
			return "", &missingElementError{selector: step.Selector, err: err}
		}
		return out, err
	}
	return "", models.NewStepError(models.ErrCodeInvalidStep, "unknown action "+step.Action, nil)
}

// validate rejects steps that can never succeed; such failures are fatal.
func validate(step models.StepSpec) error {
	need := func(field, value string) error {
		if value == "" {
			return models.NewStepError(models.ErrCodeInvalidStep,
				fmt.Sprintf("%s step requires %s", step.Action, field), nil)
		}
		return nil
	}
	switch step.Action {
	case models.ActionNavigate, models.ActionWaitURL:
		return need("url", step.URL)
	case models.ActionClick, models.ActionFill, models.ActionExtract:
		return need("selector", step.Selector)
	case models.ActionExecuteJS:
		return need("value", step.Value)
	}
	return nil
}

// find waits for sel to appear. It gives up before the step deadline so a
// missing element is reported as such rather than as a step timeout.
func find(ctx context.Context, p *rod.Page, sel string) (*rod.Element, error) {
	lookupCtx, cancel := lookupContext(ctx)
	defer cancel()
	el, err := p.Context(lookupCtx).Element(sel)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &missingElementError{selector: sel, err: err}
	}
	return el.Context(ctx), nil
}

// lookupContext spends at most four fifths of the remaining step budget.
func lookupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return context.WithCancel(ctx)
	}
	remaining := time.Until(deadline)
	return context.WithTimeout(ctx, remaining-remaining/5)
}

// scroll moves the page by whole viewports.
func scroll(ctx context.Context, p *rod.Page, step models.StepSpec) error {
	amount := step.Amount
	if amount <= 0 {
		amount = 1
	}
	res, err := p.Eval(`() => window.innerHeight`)
	if err != nil {
		return fmt.Errorf("failed to get viewport height: %w", err)
	}
	delta := float64(res.Value.Int())
	if step.Direction == "up" {
		delta = -delta
	}
	for i := 0; i < amount; i++ {
		if err := p.Mouse.Scroll(0, delta, 0); err != nil {
			return fmt.Errorf("scroll step %d failed: %w", i, err)
		}
		// Let lazy-loaded content trigger.
		if err := pause(ctx, 100); err != nil {
			return err
		}
	}
	return nil
}

func pause(ctx context.Context, ms int) error {
	if ms <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolve makes ref absolute against the job target.
func resolve(target, ref string) string {
	base, err := url.Parse(target)
	if err != nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

// categorizeError wraps raw rod and context errors into StepErrors.
func categorizeError(err error, msg string) error {
	var stepErr *models.StepError
	if errors.As(err, &stepErr) {
		return err
	}
	var navErr *rod.NavigationError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.NewStepError(models.ErrCodeTimeout, msg, err)
	case errors.Is(err, context.Canceled):
		return models.NewStepError(models.ErrCodeCancelled, msg, err)
	case errors.As(err, &navErr):
		return models.NewStepError(models.ErrCodeNavigation, msg, err)
	default:
		return models.NewStepError(models.ErrCodeRender, msg, err)
	}
}
