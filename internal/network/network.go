package network

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"snapsync/internal/config"
	"snapsync/internal/logging"
)

// Signal answers whether the remote collector is reachable right now. Drains
// consult it before reserving anything; an offline answer turns the drain
// into a no-op.
type Signal interface {
	IsOnline(ctx context.Context) bool
}

// Probe checks reachability with a HEAD request against the configured probe
// URL. Any HTTP response counts as online, including error statuses: a server
// that answers 500 is reachable, and the upload attempt itself decides what
// to do with that.
type Probe struct {
	url     string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// NewProbe builds a reachability probe from the remote section of the config.
func NewProbe(cfg *config.Config, logger *slog.Logger) *Probe {
	url := strings.TrimSpace(cfg.Remote.ProbeURL)
	if url == "" {
		url = strings.TrimSpace(cfg.Remote.Endpoint)
	}
	timeout := cfg.ProbeTimeout()
	return &Probe{
		url:     url,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		logger:  logging.NewComponentLogger(logger, "network"),
	}
}

func (p *Probe) IsOnline(ctx context.Context) bool {
	if p == nil || p.url == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		if p.logger != nil {
			p.logger.Debug("reachability probe failed", logging.Error(err))
		}
		return false
	}
	resp.Body.Close()
	return true
}

// Static is a fixed reachability answer, used by tests and by forced drains
// that skip the probe.
type Static bool

func (s Static) IsOnline(context.Context) bool { return bool(s) }
