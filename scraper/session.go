package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/ysmood/gson"

	"github.com/use-agent/shepherd/config"
	"github.com/use-agent/shepherd/layout"
	"github.com/use-agent/shepherd/models"
)

// probeTimeout bounds the anchor and rejection checks made after a step.
const probeTimeout = 2 * time.Second

// session is one job's private browser context and page.
type session struct {
	incognito *rod.Browser
	page      *rod.Page
	router    *rod.HijackRouter
	target    string
	layouts   *layout.Memory

	onClose   func()
	closeOnce sync.Once
}

// newSession creates the incognito context and page. Stealth scripts and
// resource blocking are installed before any navigation so they apply to
// every document the page loads.
func newSession(browser *rod.Browser, cfg config.BrowserConfig) (*session, error) {
	incognito, err := browser.Incognito()
	if err != nil {
		return nil, models.NewStepError(models.ErrCodeBrowserCrash, "failed to create incognito context", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = incognito.Close()
		return nil, models.NewStepError(models.ErrCodeBrowserCrash, "failed to create page", err)
	}
	sess := &session{incognito: incognito, page: page}

	if cfg.Stealth {
		if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
			slog.Warn("stealth injection failed, proceeding without stealth", "error", err)
		}
	}
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             cfg.WindowWidth,
			Height:            cfg.WindowHeight,
			DeviceScaleFactor: 1,
		}); err != nil {
			slog.Warn("failed to set viewport", "error", err)
		}
	}
	if cfg.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: cfg.UserAgent}); err != nil {
			slog.Warn("failed to set user agent", "error", err)
		}
	}
	sess.router = setupHijack(page, cfg.BlockedResourceTypes)
	return sess, nil
}

// open navigates to the job's target page.
func (s *session) open(ctx context.Context, target string) error {
	s.target = target
	if u, err := url.Parse(target); err == nil && u.Hostname() != "" {
		_ = proto.NetworkSetExtraHTTPHeaders{
			Headers: toHeadersMap(map[string]string{
				"Referer": "https://www.google.com/search?q=" + url.QueryEscape(u.Hostname()),
			}),
		}.Call(s.page)
	}
	return navigate(s.page.Context(ctx), target)
}

// Perform runs one step on the page bound to ctx.
func (s *session) Perform(ctx context.Context, step models.StepSpec) (string, error) {
	var before uint64
	if step.Selector != "" && s.layouts != nil {
		before = s.fingerprint()
	}

	p := s.page.Context(ctx)
	out, err := perform(ctx, p, s.target, step)
	if err != nil {
		return "", s.classify(step, err)
	}
	if before != 0 {
		s.layouts.Remember(layout.Key(s.target, step.ID), before)
	}
	if step.RejectSelector != "" && s.has(step.RejectSelector) {
		return "", models.NewStepError(models.ErrCodeAuthRejected,
			fmt.Sprintf("rejection marker %q present after %s", step.RejectSelector, step.Action), nil)
	}
	return out, nil
}

// Screenshot captures the visible viewport.
func (s *session) Screenshot(ctx context.Context) ([]byte, error) {
	return s.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

// Close tears down the page and its incognito context.
func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.router != nil {
			_ = s.router.Stop()
		}
		if cerr := s.page.Close(); cerr != nil {
			slog.Debug("failed to close page", "error", cerr)
		}
		err = s.incognito.Close()
		if s.onClose != nil {
			s.onClose()
		}
	})
	return err
}

// has reports whether sel matches an element right now, using a fresh
// short deadline so it works after the step's own context has expired.
func (s *session) has(sel string) bool {
	ok, _, err := s.page.Timeout(probeTimeout).Has(sel)
	return err == nil && ok
}

// classify maps a raw step failure to a StepError. A missing element is a
// structure change when the step's anchor is still on the page or, for
// steps without an anchor, when the fully loaded page no longer resembles
// the one the step last succeeded on.
func (s *session) classify(step models.StepSpec, err error) error {
	var missing *missingElementError
	if !errors.As(err, &missing) {
		return categorizeError(err, fmt.Sprintf("%s step failed", step.Action))
	}
	switch {
	case step.Anchor != "":
		if s.has(step.Anchor) {
			return models.NewStepError(models.ErrCodeStructureChanged,
				fmt.Sprintf("element %q missing while anchor %q is present", missing.selector, step.Anchor), err)
		}
	case s.layoutDrifted(step):
		return models.NewStepError(models.ErrCodeStructureChanged,
			fmt.Sprintf("element %q missing and page layout differs from the last successful run", missing.selector), err)
	}
	return models.NewStepError(models.ErrCodeElementNotFound,
		fmt.Sprintf("element %q not found", missing.selector), err)
}

// layoutDrifted compares the loaded page with the layout remembered for
// step. A page still loading never counts as drifted.
func (s *session) layoutDrifted(step models.StepSpec) bool {
	if s.layouts == nil {
		return false
	}
	before, ok := s.layouts.Get(layout.Key(s.target, step.ID))
	if !ok {
		return false
	}
	res, err := s.page.Timeout(probeTimeout).Eval(`() => document.readyState`)
	if err != nil || res.Value.Str() != "complete" {
		return false
	}
	return layout.Drifted(before, s.fingerprint())
}

// fingerprint returns the layout fingerprint of the current page, or 0.
func (s *session) fingerprint() uint64 {
	doc, err := s.page.Timeout(probeTimeout).HTML()
	if err != nil {
		return 0
	}
	return layout.Fingerprint(doc)
}

// navigate loads u, waits for the DOM to settle and rejects 401/403 pages.
func navigate(p *rod.Page, u string) error {
	if err := p.Navigate(u); err != nil {
		return categorizeError(err, "navigation to "+u+" failed")
	}
	if err := p.WaitDOMStable(300*time.Millisecond, 0.1); err != nil {
		slog.Debug("WaitDOMStable did not converge, proceeding with current DOM", "error", err)
	}

	// NavigationHistory and response events conflict with the hijack router
	// on newer Chromium, so the status comes from the performance API.
	res, err := p.Eval(`() => {
		try {
			const entries = performance.getEntriesByType("navigation");
			if (entries.length > 0) return entries[0].responseStatus || 0;
		} catch(e) {}
		return 0;
	}`)
	if err == nil {
		switch status := res.Value.Int(); status {
		case 401, 403:
			return models.NewStepError(models.ErrCodeAuthRejected,
				fmt.Sprintf("%s answered with status %d", u, status), nil)
		}
	}
	return nil
}

// toHeadersMap converts a plain string map to the proto.NetworkHeaders type
// (map[string]gson.JSON) required by NetworkSetExtraHTTPHeaders.
func toHeadersMap(headers map[string]string) proto.NetworkHeaders {
	m := make(proto.NetworkHeaders, len(headers))
	for k, v := range headers {
		m[k] = gson.New(v)
	}
	return m
}
