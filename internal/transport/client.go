package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"snapsync/internal/config"
	"snapsync/internal/logging"
	"snapsync/internal/store"
)

const userAgent = "SnapSync-Go/0.1.0"

// Sentinel markers for upload failure classification. The syncer uses them to
// decide between retry and terminal failure.
var (
	// ErrTransient covers failures worth retrying: connection problems,
	// server-side errors, throttling.
	ErrTransient = errors.New("transient upload failure")
	// ErrTimeout covers attempts that exceeded the per-request deadline.
	// Timeouts are retryable.
	ErrTimeout = errors.New("upload timeout")
	// ErrPermanent covers rejections that will not succeed on retry, such as
	// authentication failures and malformed payloads.
	ErrPermanent = errors.New("permanent upload failure")
)

// Retryable reports whether an upload error is worth another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout)
}

// Result carries the server's acknowledgement of a stored asset.
type Result struct {
	ServerID string
}

// Uploader delivers a single asset payload to the remote collector.
type Uploader interface {
	Upload(ctx context.Context, asset *store.Asset) (Result, error)
}

// Client is the HTTP implementation of Uploader. It posts multipart bodies to
// the configured endpoint and classifies failures with the sentinel errors
// above.
type Client struct {
	endpoint string
	token    string
	timeout  time.Duration
	client   *http.Client
	logger   *slog.Logger
}

// NewClient builds an upload client from the remote section of the config.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	timeout := cfg.UploadTimeout()
	return &Client{
		endpoint: strings.TrimSpace(cfg.Remote.Endpoint),
		token:    strings.TrimSpace(cfg.Remote.Token),
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
		logger:   logging.NewComponentLogger(logger, "transport"),
	}
}

type uploadResponse struct {
	ServerID string `json:"serverId"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

// Upload posts the asset payload and metadata as one multipart request. The
// request runs under its own deadline independent of the caller's context
// lifetime.
func (c *Client) Upload(ctx context.Context, asset *store.Asset) (Result, error) {
	if c.endpoint == "" {
		return Result{}, fmt.Errorf("%w: upload endpoint not configured", ErrPermanent)
	}
	if asset == nil {
		return Result{}, fmt.Errorf("%w: nil asset", ErrPermanent)
	}

	requestID := uuid.NewString()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, contentType, err := c.buildBody(asset)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		body.Close()
		return Result{}, fmt.Errorf("%w: build upload request: %v", ErrPermanent, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Request-ID", requestID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return Result{}, fmt.Errorf("%w: asset %d after %s: %v", ErrTimeout, asset.ID, time.Since(started).Round(time.Millisecond), err)
		}
		return Result{}, fmt.Errorf("%w: asset %d: %v", ErrTransient, asset.ID, err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return Result{}, fmt.Errorf("%w: server returned %d: %s", ErrTransient, resp.StatusCode, summarize(payload))
	case resp.StatusCode >= 400:
		return Result{}, fmt.Errorf("%w: server returned %d: %s", ErrPermanent, resp.StatusCode, summarize(payload))
	}

	var parsed uploadResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return Result{}, fmt.Errorf("%w: decode upload response: %v", ErrTransient, err)
	}
	if parsed.Status == "error" {
		return Result{}, fmt.Errorf("%w: server rejected asset: %s", ErrPermanent, summarizeMessage(parsed.Message))
	}
	if strings.TrimSpace(parsed.ServerID) == "" {
		return Result{}, fmt.Errorf("%w: upload response missing server id", ErrTransient)
	}

	if c.logger != nil {
		c.logger.Debug("asset uploaded",
			logging.Int64(logging.FieldAssetID, asset.ID),
			logging.String(logging.FieldServerID, parsed.ServerID),
			logging.String("request_id", requestID),
			logging.Duration("elapsed", time.Since(started)))
	}
	return Result{ServerID: strings.TrimSpace(parsed.ServerID)}, nil
}

// buildBody assembles the multipart request body. The payload file is piped
// into the request as it is read rather than buffered in memory, so large
// captures do not double their footprint. Errors while streaming surface
// through the request itself and classify as transient.
func (c *Client) buildBody(asset *store.Asset) (io.ReadCloser, string, error) {
	file, err := os.Open(asset.PayloadPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", fmt.Errorf("%w: payload missing at %s", ErrPermanent, asset.PayloadPath)
		}
		return nil, "", fmt.Errorf("%w: open payload: %v", ErrTransient, err)
	}

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		defer file.Close()
		err := writeParts(writer, asset, file)
		if closeErr := writer.Close(); err == nil {
			err = closeErr
		}
		pw.CloseWithError(err)
	}()

	return pr, writer.FormDataContentType(), nil
}

func writeParts(writer *multipart.Writer, asset *store.Asset, file *os.File) error {
	fields := map[string]string{
		"contentType": asset.ContentType,
		"sizeBytes":   strconv.FormatInt(asset.SizeBytes, 10),
	}
	if asset.Latitude != nil {
		fields["latitude"] = strconv.FormatFloat(*asset.Latitude, 'f', -1, 64)
	}
	if asset.Longitude != nil {
		fields["longitude"] = strconv.FormatFloat(*asset.Longitude, 'f', -1, 64)
	}
	if asset.Category != "" {
		fields["category"] = asset.Category
	}
	if asset.Owner != "" {
		fields["owner"] = asset.Owner
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return fmt.Errorf("encode field %s: %w", name, err)
		}
	}

	part, err := writer.CreateFormFile("payload", filepath.Base(asset.PayloadPath))
	if err != nil {
		return fmt.Errorf("encode payload part: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeoutErr interface{ Timeout() bool }
	return errors.As(err, &timeoutErr) && timeoutErr.Timeout()
}

func summarize(body []byte) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "no response body"
	}
	if len(text) > 256 {
		text = text[:256]
	}
	return text
}

func summarizeMessage(message string) string {
	message = strings.TrimSpace(message)
	if message == "" {
		return "no reason given"
	}
	return message
}
