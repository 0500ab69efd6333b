package scraper

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"

	"github.com/use-agent/shepherd/config"
	"github.com/use-agent/shepherd/engine"
	"github.com/use-agent/shepherd/layout"
	"github.com/use-agent/shepherd/models"
)

// Scraper owns the browser process and hands out one isolated session per
// job. It is safe for concurrent use.
type Scraper struct {
	browser  *rod.Browser
	cfg      config.BrowserConfig
	layouts  *layout.Memory
	sessions atomic.Int32
}

var (
	_ engine.Automation     = (*Scraper)(nil)
	_ engine.SessionCounter = (*Scraper)(nil)
)

// New launches the browser described by cfg.
func New(cfg config.BrowserConfig) (*Scraper, error) {
	l := launcher.New().
		Headless(cfg.Headless).
		NoSandbox(cfg.NoSandbox)

	if cfg.BrowserBin != "" {
		l = l.Bin(cfg.BrowserBin)
	}
	if cfg.Proxy != "" {
		l = l.Proxy(cfg.Proxy)
	}

	// Hide the usual automation fingerprints.
	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "TranslateUI")
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		return nil, models.NewStepError(models.ErrCodeBrowserCrash, "failed to launch browser", err)
	}
	slog.Info("browser launched", "controlURL", controlURL, "headless", cfg.Headless)

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, models.NewStepError(models.ErrCodeBrowserCrash, "failed to connect to browser", err)
	}

	sc := &Scraper{browser: browser, cfg: cfg}
	if cfg.LayoutTTL > 0 {
		sc.layouts = layout.NewMemory(cfg.LayoutTTL)
	}
	return sc, nil
}

// Open creates an incognito context and page for one job and navigates
// it to target.
func (s *Scraper) Open(ctx context.Context, target string) (engine.Session, error) {
	sess, err := newSession(s.browser, s.cfg)
	if err != nil {
		return nil, err
	}
	sess.layouts = s.layouts
	s.sessions.Add(1)
	sess.onClose = func() { s.sessions.Add(-1) }

	if err := sess.open(ctx, target); err != nil {
		_ = sess.Close()
		return nil, err
	}
	return sess, nil
}

// ActiveSessions returns the number of open sessions.
func (s *Scraper) ActiveSessions() int { return int(s.sessions.Load()) }

// Close kills the browser process.
func (s *Scraper) Close() {
	slog.Info("scraper shutting down: closing browser")
	if err := s.browser.Close(); err != nil {
		slog.Warn("failed to close browser", "error", err)
	}
}
