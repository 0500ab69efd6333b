package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// CaptureFailed is the locator returned when the capture itself failed.
const CaptureFailed = "capture-failed"

// captureTimeout bounds a single screenshot.
const captureTimeout = 15 * time.Second

// Snapshotter renders the current state of a page.
type Snapshotter interface {
	Screenshot(ctx context.Context) ([]byte, error)
}

// FailureContext identifies the failed attempt being captured.
type FailureContext struct {
	JobID   string
	StepID  string
	Attempt int
	At      time.Time
	Source  Snapshotter
}

// Capturer writes one diagnostic file per failed attempt under Root.
// It is safe for concurrent use.
type Capturer struct {
	Root string
}

// NewCapturer creates a Capturer rooted at dir.
func NewCapturer(dir string) *Capturer {
	return &Capturer{Root: dir}
}

// Capture persists a screenshot for fc and returns its locator (the file
// path). It never fails: any error is logged and CaptureFailed is returned
// so that the original step failure stays the one reported.
func (c *Capturer) Capture(ctx context.Context, fc FailureContext) string {
	if fc.At.IsZero() {
		fc.At = time.Now()
	}
	log := slog.With("job_id", fc.JobID, "step", fc.StepID, "attempt", fc.Attempt)

	if fc.Source == nil {
		log.Warn("diagnostic capture skipped: no session to snapshot")
		return CaptureFailed
	}

	shotCtx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()

	png, err := screenshot(shotCtx, fc.Source)
	if err != nil {
		log.Warn("diagnostic capture failed: screenshot", "error", err)
		return CaptureFailed
	}

	path := c.Path(fc)
	if err := writeFile(path, png); err != nil {
		log.Warn("diagnostic capture failed: write", "path", path, "error", err)
		return CaptureFailed
	}

	log.Info("diagnostic artifact saved", "path", path, "bytes", len(png))
	return path
}

// Path returns the file location for fc:
// <root>/<job>/<step>-a<attempt>-<utc timestamp>.png
func (c *Capturer) Path(fc FailureContext) string {
	name := fmt.Sprintf("%s-a%d-%s.png",
		sanitize(fc.StepID), fc.Attempt, fc.At.UTC().Format("20060102T150405.000000000"))
	return filepath.Join(c.Root, sanitize(fc.JobID), name)
}

// screenshot shields the caller from a panicking snapshotter.
func screenshot(ctx context.Context, s Snapshotter) (png []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("screenshot panicked: %v", r)
		}
	}()
	png, err = s.Screenshot(ctx)
	if err == nil && len(png) == 0 {
		err = fmt.Errorf("empty screenshot")
	}
	return png, err
}

// writeFile writes data through a temp file + rename so a reader never
// sees a partial artifact.
func writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".capture-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitize(s string) string {
	s = strings.ReplaceAll(unsafeChars.ReplaceAllString(s, "_"), "..", "_")
	if s == "" || s == "." {
		return "_"
	}
	return s
}
