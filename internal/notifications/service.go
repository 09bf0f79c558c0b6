package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"snapsync/internal/config"
)

const userAgent = "SnapSync-Go/0.1.0"

// Service defines the push notification surface exposed to the daemon and
// syncer.
type Service interface {
	NotifyDrainCompleted(ctx context.Context, uploaded, failed int, duration time.Duration) error
	NotifyAssetFailed(ctx context.Context, assetID int64, retries int, reason string) error
	NotifyError(ctx context.Context, err error, context string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := &http.Client{Timeout: timeout}
	return &ntfyService{
		endpoint: topic,
		client:   client,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) NotifyDrainCompleted(ctx context.Context, uploaded, failed int, duration time.Duration) error {
	duration = duration.Round(time.Second)
	if duration < 0 {
		duration = 0
	}
	durationText := duration.String()
	if duration == 0 {
		durationText = "0s"
	}

	var title string
	var message string
	if failed == 0 {
		title = "SnapSync - Drain Complete"
		message = fmt.Sprintf("Drain complete: %d assets uploaded in %s", uploaded, durationText)
	} else {
		title = "SnapSync - Drain Complete (with errors)"
		message = fmt.Sprintf("Drain complete: %d uploaded, %d failed in %s", uploaded, failed, durationText)
	}

	data := payload{
		title:   title,
		message: message,
		tags:    []string{"snapsync", "drain", "completed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyAssetFailed(ctx context.Context, assetID int64, retries int, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown"
	}
	data := payload{
		title:    "SnapSync - Asset Failed",
		message:  fmt.Sprintf("Asset %d parked after %d attempts: %s", assetID, retries, reason),
		tags:     []string{"snapsync", "asset", "failed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyError(ctx context.Context, err error, contextLabel string) error {
	var builder strings.Builder
	builder.WriteString("Error")
	if contextLabel = strings.TrimSpace(contextLabel); contextLabel != "" {
		builder.WriteString(" with ")
		builder.WriteString(contextLabel)
	}
	builder.WriteString(": ")
	if err != nil {
		builder.WriteString(strings.TrimSpace(err.Error()))
	} else {
		builder.WriteString("unknown")
	}

	data := payload{
		title:    "SnapSync - Error",
		message:  builder.String(),
		tags:     []string{"snapsync", "error", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "SnapSync - Test",
		message:  "Notification system test",
		tags:     []string{"snapsync", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyDrainCompleted(context.Context, int, int, time.Duration) error { return nil }
func (noopService) NotifyAssetFailed(context.Context, int64, int, string) error         { return nil }
func (noopService) NotifyError(context.Context, error, string) error                    { return nil }
func (noopService) TestNotification(context.Context) error                              { return nil }
