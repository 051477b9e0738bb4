// Package provider implements the upstream status source for tracker health.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"trackerwatch/internal/trackers"
)

var (
	// ErrUnavailable indicates a transient upstream failure (network error,
	// timeout, bad gateway). Callers retry on the next cycle.
	ErrUnavailable = errors.New("status provider unavailable")

	// ErrUnknownTracker indicates the tracker is not served by the provider.
	// This is a configuration problem, not a transient one.
	ErrUnknownTracker = errors.New("unknown tracker")
)

// Observation is one successful status read: the mapped state plus the
// free-form message line the status service attaches to it.
type Observation struct {
	Status  trackers.Status
	Message string
}

// StatusProvider supplies the current status for a named tracker.
type StatusProvider interface {
	Fetch(ctx context.Context, code trackers.Code) (Observation, error)
}

// Config configures the HTTP provider.
type Config struct {
	// BaseDomain is the status service domain. Each tracker is served at
	// https://<code>.<BaseDomain>/api/status/. Default: trackerstatus.info.
	BaseDomain string

	// BaseURL, when set, replaces the subdomain scheme entirely: requests go
	// to <BaseURL>/<code>/api/status/. Used for tests and local mirrors.
	BaseURL string

	Timeout time.Duration
}

const (
	defaultBaseDomain = "trackerstatus.info"
	defaultTimeout    = 10 * time.Second

	// The per-tracker endpoint returns a small JSON object; anything bigger
	// than this is a broken upstream.
	maxResponseBytes = 1 << 16
)

// HTTP is the trackerstatus.info client. One instance is shared by the
// poller; rate limiting happens in the caller, not here.
type HTTP struct {
	base    string
	baseURL string
	client  *http.Client
}

func NewHTTP(cfg Config) *HTTP {
	base := cfg.BaseDomain
	if base == "" {
		base = defaultBaseDomain
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTP{
		base:    base,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTP) statusURL(code trackers.Code) string {
	if p.baseURL != "" {
		return fmt.Sprintf("%s/%s/api/status/", p.baseURL, code)
	}
	return fmt.Sprintf("https://%s.%s/api/status/", code, p.base)
}

// statusPayload is the per-tracker API response. The status code arrives as
// a JSON string ("0"/"1"/"2") on some trackers and a number on others.
type statusPayload struct {
	Status  flexInt `json:"Status"`
	Message string  `json:"Message"`
}

type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*f = flexInt(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

func (p *HTTP) Fetch(ctx context.Context, code trackers.Code) (Observation, error) {
	if !trackers.Known(code) {
		return Observation{}, fmt.Errorf("%w: %s", ErrUnknownTracker, code)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.statusURL(code), nil)
	if err != nil {
		return Observation{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Observation{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// The provider dropped this tracker from its catalog.
		return Observation{}, fmt.Errorf("%w: %s (upstream 404)", ErrUnknownTracker, code)
	case resp.StatusCode != http.StatusOK:
		return Observation{}, fmt.Errorf("%w: upstream status %d", ErrUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Observation{}, fmt.Errorf("%w: reading body: %v", ErrUnavailable, err)
	}

	var payload statusPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Observation{}, fmt.Errorf("%w: decoding body: %v", ErrUnavailable, err)
	}

	st, err := trackers.FromAPICode(int(payload.Status))
	if err != nil {
		return Observation{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return Observation{Status: st, Message: strings.TrimSpace(payload.Message)}, nil
}
