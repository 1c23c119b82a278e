package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/prn-tf/bastion/internal/config"
	"github.com/prn-tf/bastion/internal/domain"
	"github.com/prn-tf/bastion/internal/metrics"
)

const tracerName = "github.com/prn-tf/bastion/internal/directory"

// maxBodyBytes bounds the profile payload read from the directory.
const maxBodyBytes = 1 << 20

// HTTPClient queries an Ashcon-style directory at {base}/user/{identifier}.
type HTTPClient struct {
	baseURL   string
	userAgent string
	http      *http.Client
	limiter   *rate.Limiter
	tracer    trace.Tracer
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.http = c }
}

// WithLimiter replaces the rate limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(h *HTTPClient) { h.limiter = l }
}

// WithMetrics records lookup outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *HTTPClient) { h.metrics = m }
}

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(h *HTTPClient) { h.tracer = t }
}

// NewHTTPClient creates a rate limited directory client.
func NewHTTPClient(cfg config.DirectoryConfig, logger zerolog.Logger, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		http:      &http.Client{Timeout: cfg.Timeout},
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		tracer:    otel.Tracer(tracerName),
		logger:    logger.With().Str("component", "directory").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup fetches the profile for a username or stable id.
func (c *HTTPClient) Lookup(ctx context.Context, key string) (*Profile, error) {
	ctx, span := c.tracer.Start(ctx, "directory.Lookup",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("directory.key", key)),
	)
	defer span.End()

	start := time.Now()
	profile, outcome, err := c.lookup(ctx, key)
	c.metrics.ObserveDirectory(outcome, time.Since(start))

	span.SetAttributes(attribute.String("directory.outcome", outcome))
	if err != nil && !errors.Is(err, domain.ErrIdentityNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		c.logger.Warn().Err(err).Str("key", key).Msg("directory lookup failed")
	}
	return profile, err
}

func (c *HTTPClient) lookup(ctx context.Context, key string) (*Profile, string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, "rate_limited", fmt.Errorf("%w: %v", domain.ErrDirectoryUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/user/"+url.PathEscape(key), nil)
	if err != nil {
		return nil, "error", fmt.Errorf("%w: %v", domain.ErrDirectoryUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "error", fmt.Errorf("%w: %v", domain.ErrDirectoryUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusNoContent:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, "not_found", domain.NewDomainError(domain.ErrIdentityNotFound, "unknown to the directory", key)
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, "error", fmt.Errorf("%w: unexpected status %d", domain.ErrDirectoryUnavailable, resp.StatusCode)
	}

	var profile Profile
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&profile); err != nil {
		return nil, "error", fmt.Errorf("%w: decode profile: %v", domain.ErrDirectoryUnavailable, err)
	}
	if profile.UUID == uuid.Nil || profile.Username == "" {
		return nil, "error", fmt.Errorf("%w: incomplete profile for %q", domain.ErrDirectoryUnavailable, key)
	}
	profile.normalize()

	return &profile, "ok", nil
}

var _ Client = (*HTTPClient)(nil)
