package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/poiesic/medrag/core"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// BingConfig configures the Bing Web Search v7 adapter.
type BingConfig struct {
	Endpoint      string
	APIKey        string
	Count         int
	Market        string
	QuerySuffix   string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// DefaultBingConfig returns the settings the medical assistant uses.
func DefaultBingConfig() BingConfig {
	return BingConfig{
		Endpoint:      "https://api.bing.microsoft.com/v7.0/search",
		Count:         3,
		Market:        "zh-CN",
		QuerySuffix:   " 医疗健康",
		Timeout:       DefaultTimeout,
		RatePerSecond: 2,
		Burst:         2,
	}
}

// ErrNoAPIKey means the searcher has no subscription key configured.
var ErrNoAPIKey = errors.New("bing api key not configured")

// BingSearcher implements WebSearcher on the Bing Web Search API.
type BingSearcher struct {
	cfg     BingConfig
	client  *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// BingOption configures a BingSearcher.
type BingOption func(*BingSearcher)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) BingOption {
	return func(b *BingSearcher) {
		b.client = client
	}
}

// WithBingLogger sets the logger; nil selects slog.Default().
func WithBingLogger(logger *slog.Logger) BingOption {
	return func(b *BingSearcher) {
		if logger == nil {
			logger = slog.Default()
		}
		b.logger = logger
	}
}

// NewBingSearcher creates a Bing adapter guarded by a rate limiter and a
// circuit breaker.
func NewBingSearcher(cfg BingConfig, opts ...BingOption) *BingSearcher {
	defaults := DefaultBingConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaults.Endpoint
	}
	if cfg.Count <= 0 {
		cfg.Count = defaults.Count
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = defaults.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaults.Burst
	}

	b := &BingSearcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "bing")

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "bing-search",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return b
}

type bingResponse struct {
	WebPages struct {
		Value []struct {
			Name    string `json:"name"`
			URL     string `json:"url"`
			Snippet string `json:"snippet"`
		} `json:"value"`
	} `json:"webPages"`
}

// Search queries Bing for query plus the configured suffix.
func (b *BingSearcher) Search(ctx context.Context, query string) ([]WebResult, error) {
	if b.cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: %w", core.ErrFallbackUnavailable, ErrNoAPIKey)
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.do(ctx, query)
	})
	if err != nil {
		return nil, err
	}
	return res.([]WebResult), nil
}

func (b *BingSearcher) do(ctx context.Context, query string) ([]WebResult, error) {
	params := url.Values{}
	params.Set("q", query+b.cfg.QuerySuffix)
	params.Set("count", strconv.Itoa(b.cfg.Count))
	if b.cfg.Market != "" {
		params.Set("mkt", b.cfg.Market)
	}
	params.Set("responseFilter", "Webpages")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.Endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build bing request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", b.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bing request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("bing returned status %d: %s", resp.StatusCode, body)
	}

	var payload bingResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode bing response: %w", err)
	}

	results := make([]WebResult, 0, len(payload.WebPages.Value))
	for _, v := range payload.WebPages.Value {
		if len(results) == b.cfg.Count {
			break
		}
		results = append(results, WebResult{Title: v.Name, Snippet: v.Snippet, URL: v.URL})
	}
	b.logger.Debug("bing search", "query", query, "results", len(results))
	return results, nil
}

var _ WebSearcher = (*BingSearcher)(nil)
