// Package carbonintensity reads grid carbon intensity from the UK
// national API (api.carbonintensity.org.uk). The API reports half-hour
// periods; callers working at hour granularity get the mean of the two
// periods covering the hour.
package carbonintensity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stfc-cloud/carbonledger/internal/cache"
	"github.com/stfc-cloud/carbonledger/internal/clock"
	"github.com/stfc-cloud/carbonledger/internal/config"
	"github.com/stfc-cloud/carbonledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const timeLayout = "2006-01-02T15:04Z"

// Reading is one resolved intensity value. Estimated marks values
// produced by the configured fallback rather than the live grid feed;
// rows priced with an estimated reading carry the flag all the way to
// the store.
type Reading struct {
	GPerKWh   float64
	Estimated bool
	At        time.Time
}

// ForecastPoint is one half-hour forecast period.
type ForecastPoint struct {
	From     time.Time
	To       time.Time
	Forecast float64
}

// Provider resolves grid intensity. Current and At never return an
// error: on any upstream failure they fall back to the configured
// constant and mark the reading estimated.
type Provider interface {
	Current(ctx context.Context) Reading
	At(ctx context.Context, ts time.Time) Reading
	Forecast(ctx context.Context, hours int) ([]ForecastPoint, error)
}

// HTTPClient allows substituting http.Client in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type apiPeriod struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Intensity struct {
		Forecast *float64 `json:"forecast"`
		Actual   *float64 `json:"actual"`
	} `json:"intensity"`
}

type apiResponse struct {
	Data []apiPeriod `json:"data"`
}

type Client struct {
	baseURL    string
	httpClient HTTPClient
	log        *zap.Logger
	clk        clock.Clock
	metrics    *metrics.Metrics

	fallback float64
	retries  int
	cacheTTL time.Duration
	cache    cache.Cache[string, []apiPeriod]
}

type ClientParam struct {
	fx.In

	Cfg     config.Config
	Log     *zap.Logger
	Clock   clock.Clock
	Metrics *metrics.Metrics `optional:"true"`
}

func NewClient(p ClientParam) Provider {
	return &Client{
		baseURL:    p.Cfg.CarbonIntensityBaseURL,
		httpClient: &http.Client{Timeout: p.Cfg.CarbonIntensityTimeout},
		log:        p.Log.Named("carbonintensity"),
		clk:        p.Clock,
		metrics:    p.Metrics,
		fallback:   p.Cfg.FallbackIntensityGPerKWh,
		retries:    p.Cfg.CarbonIntensityRetries,
		cacheTTL:   p.Cfg.CarbonIntensityCacheTTL,
		cache:      cache.NewTTLCacheWithNow[string, []apiPeriod](p.Clock.Now),
	}
}

// WithHTTPClient swaps the transport. Tests use it with httptest.
func (c *Client) WithHTTPClient(h HTTPClient) *Client {
	c.httpClient = h
	return c
}

func (c *Client) Current(ctx context.Context) Reading {
	periods, err := c.fetch(ctx, "/intensity")
	if err != nil {
		return c.fallbackReading(c.clk.Now(), err)
	}
	value, ok := meanIntensity(periods)
	if !ok {
		return c.fallbackReading(c.clk.Now(), fmt.Errorf("no intensity periods in response"))
	}
	return Reading{GPerKWh: value, At: c.clk.Now()}
}

// At resolves intensity for the hour containing ts by averaging the
// half-hour periods the API reports for [hour, hour+1h).
func (c *Client) At(ctx context.Context, ts time.Time) Reading {
	hour := ts.UTC().Truncate(time.Hour)
	path := fmt.Sprintf("/intensity/%s/%s",
		hour.Format(timeLayout),
		hour.Add(time.Hour).Format(timeLayout),
	)

	periods, err := c.fetch(ctx, path)
	if err != nil {
		return c.fallbackReading(hour, err)
	}
	value, ok := meanIntensity(periods)
	if !ok {
		return c.fallbackReading(hour, fmt.Errorf("no intensity periods for %s", hour))
	}
	return Reading{GPerKWh: value, At: hour}
}

func (c *Client) Forecast(ctx context.Context, hours int) ([]ForecastPoint, error) {
	if hours <= 0 || hours > 48 {
		return nil, fmt.Errorf("forecast horizon out of range: %d", hours)
	}

	now := c.clk.Now().UTC().Truncate(30 * time.Minute)
	path := fmt.Sprintf("/intensity/%s/%s",
		now.Format(timeLayout),
		now.Add(time.Duration(hours)*time.Hour).Format(timeLayout),
	)

	periods, err := c.fetch(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("fetch forecast: %w", err)
	}

	points := make([]ForecastPoint, 0, len(periods))
	for _, p := range periods {
		if p.Intensity.Forecast == nil {
			continue
		}
		from, err := time.Parse(timeLayout, p.From)
		if err != nil {
			continue
		}
		to, err := time.Parse(timeLayout, p.To)
		if err != nil {
			continue
		}
		points = append(points, ForecastPoint{From: from, To: to, Forecast: *p.Intensity.Forecast})
	}
	return points, nil
}

func (c *Client) fallbackReading(at time.Time, cause error) Reading {
	c.log.Warn("intensity unavailable, using fallback",
		zap.Float64("fallback_g_per_kwh", c.fallback),
		zap.Error(cause),
	)
	if c.metrics != nil {
		c.metrics.IncIntensityFallback(context.Background())
	}
	return Reading{GPerKWh: c.fallback, Estimated: true, At: at}
}

func (c *Client) fetch(ctx context.Context, path string) ([]apiPeriod, error) {
	if periods, ok := c.cache.Get(path); ok {
		return periods, nil
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		periods, err := c.doRequest(ctx, path)
		if err == nil {
			c.cache.Set(path, periods, c.cacheTTL)
			return periods, nil
		}
		lastErr = err
		c.log.Debug("intensity request failed",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, lastErr
}

func (c *Client) doRequest(ctx context.Context, path string) ([]apiPeriod, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return body.Data, nil
}

// meanIntensity averages actual values across periods, falling back to
// the per-period forecast when the actual is not yet published.
func meanIntensity(periods []apiPeriod) (float64, bool) {
	sum, n := 0.0, 0
	for _, p := range periods {
		switch {
		case p.Intensity.Actual != nil:
			sum += *p.Intensity.Actual
			n++
		case p.Intensity.Forecast != nil:
			sum += *p.Intensity.Forecast
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}
