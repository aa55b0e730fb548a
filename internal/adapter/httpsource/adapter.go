// Package httpsource fetches platform signals from a REST connector service.
package httpsource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/stratumai/trustgate/internal/resilience"
	"github.com/stratumai/trustgate/internal/signal"
)

// Config holds connector client settings.
type Config struct {
	BaseURL        string
	Timeout        time.Duration
	MaxConcurrency int64
	RatePerSecond  float64
	Burst          int
	RetryAttempts  int
}

// DefaultConfig returns default configuration
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		Timeout:        10 * time.Second,
		MaxConcurrency: 10,
		RatePerSecond:  20,
		Burst:          10,
		RetryAttempts:  3,
	}
}

// Adapter implements signal.Source against the connector API.
type Adapter struct {
	config  Config
	client  *http.Client
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	retry   resilience.RetryConfig
}

var _ signal.Source = (*Adapter)(nil)

// NewAdapter creates a connector client.
func NewAdapter(config Config, logger zerolog.Logger) *Adapter {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 10
	}
	limit := rate.Inf
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = config.RetryAttempts
	retry.OnRetry = resilience.LogRetries(logger.With().Str("component", "httpsource").Logger(), "fetch signal")

	return &Adapter{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		sem:     semaphore.NewWeighted(config.MaxConcurrency),
		limiter: rate.NewLimiter(limit, config.Burst),
		retry:   retry,
	}
}

func (a *Adapter) GetPlatformSignal(ctx context.Context, tenantID, platform string, date time.Time) (*signal.PlatformSignal, error) {
	var s signal.PlatformSignal
	found, err := a.fetch(ctx, a.path(tenantID, platform, "signals", date), &s)
	if err != nil || !found {
		return nil, err
	}
	fill(&s.TenantID, tenantID)
	fill(&s.Platform, platform)
	if s.Date.IsZero() {
		s.Date = signal.Day(date)
	}
	return &s, nil
}

func (a *Adapter) GetVarianceSignal(ctx context.Context, tenantID, platform string, date time.Time) (*signal.VarianceSignal, error) {
	var v signal.VarianceSignal
	found, err := a.fetch(ctx, a.path(tenantID, platform, "variance", date), &v)
	if err != nil || !found {
		return nil, err
	}
	fill(&v.TenantID, tenantID)
	fill(&v.Platform, platform)
	if v.Date.IsZero() {
		v.Date = signal.Day(date)
	}
	return &v, nil
}

func (a *Adapter) path(tenantID, platform, kind string, date time.Time) string {
	return fmt.Sprintf("%s/v1/tenants/%s/platforms/%s/%s/%s",
		strings.TrimSuffix(a.config.BaseURL, "/"),
		url.PathEscape(tenantID),
		url.PathEscape(platform),
		kind,
		signal.Day(date).Format(signal.DateLayout),
	)
}

// fetch GETs u into out, reporting false when the connector answers 404.
func (a *Adapter) fetch(ctx context.Context, u string, out any) (bool, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return false, eris.Wrap(err, "httpsource: semaphore acquire")
	}
	defer a.sem.Release(1)

	return resilience.Do(ctx, a.retry, func(ctx context.Context) (bool, error) {
		if err := a.limiter.Wait(ctx); err != nil {
			return false, eris.Wrap(err, "httpsource: rate limit")
		}
		return a.get(ctx, u, out)
	})
}

func (a *Adapter) get(ctx context.Context, u string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, eris.Wrap(err, "httpsource: create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return false, eris.Wrap(err, "httpsource: http request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, resilience.NewTransientError(eris.Wrap(err, "httpsource: read response"), 0)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resilience.IsTransientStatus(resp.StatusCode):
		return false, resilience.NewTransientError(
			eris.Errorf("httpsource: status %d: %s", resp.StatusCode, snippet(body)), resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return false, eris.Errorf("httpsource: status %d: %s", resp.StatusCode, snippet(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return false, eris.Wrap(err, "httpsource: parse response")
	}
	return true, nil
}

func fill(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
