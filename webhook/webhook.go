package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/use-agent/shepherd/models"
)

// Event is the payload sent to webhook endpoints.
type Event struct {
	Type      string             `json:"type"` // "job.succeeded", "job.failed", "job.cancelled"
	JobID     string             `json:"job_id"`
	Timestamp int64              `json:"timestamp"`
	Data      models.JobSnapshot `json:"data"`
}

// ForSnapshot builds the terminal event for snap.
func ForSnapshot(snap models.JobSnapshot) *Event {
	return &Event{
		Type:      "job." + string(snap.State),
		JobID:     snap.ID,
		Timestamp: time.Now().Unix(),
		Data:      snap,
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Deliver sends a webhook event synchronously.
// The request body is signed with HMAC-SHA256 if secret is non-empty.
// Header: X-Shepherd-Signature: sha256=<hex>
func Deliver(ctx context.Context, url, secret string, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Shepherd-Webhook/1.0")

	if secret != "" {
		req.Header.Set("X-Shepherd-Signature", "sha256="+Sign(secret, body))
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: deliver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Notifier delivers events asynchronously with retries.
type Notifier struct {
	// Delays is the wait before each attempt; the first is usually 0.
	Delays []time.Duration
}

// NewNotifier returns a Notifier retrying after 1s, 5s and 30s.
func NewNotifier() *Notifier {
	return &Notifier{Delays: []time.Duration{0, 1 * time.Second, 5 * time.Second, 30 * time.Second}}
}

// DeliverAsync sends event in the background, retrying per n.Delays.
// The returned channel is closed once delivery succeeded or gave up.
func (n *Notifier) DeliverAsync(url, secret string, event *Event) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for attempt, delay := range n.Delays {
			if delay > 0 {
				time.Sleep(delay)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := Deliver(ctx, url, secret, event)
			cancel()
			if err == nil {
				slog.Info("webhook delivered",
					"url", url,
					"event", event.Type,
					"job_id", event.JobID,
					"attempt", attempt+1,
				)
				return
			}
			slog.Warn("webhook delivery failed",
				"url", url,
				"event", event.Type,
				"job_id", event.JobID,
				"attempt", attempt+1,
				"error", err,
			)
		}
		slog.Error("webhook delivery exhausted all retries",
			"url", url,
			"event", event.Type,
			"job_id", event.JobID,
		)
	}()
	return done
}
