package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the broker's metric instruments.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Login flow
	LoginsStarted      metric.Int64Counter
	CallbacksProcessed metric.Int64Counter
	StateMismatches    metric.Int64Counter
	StateTokenExchange metric.Int64Counter
	StateTokenReplays  metric.Int64Counter

	// Refresh path
	TokensRefreshed metric.Int64Counter

	// Verification
	TokenVerificationFailed metric.Int64Counter

	// Service token cache
	ServiceTokenCacheHits   metric.Int64Counter
	ServiceTokenCacheMisses metric.Int64Counter

	// Identity provider calls
	IdPCallDuration metric.Float64Histogram

	// Security
	RateLimitExceeded metric.Int64Counter
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	httpMeter := inst.Meter("http")
	brokerMeter := inst.Meter("broker")
	securityMeter := inst.Meter("security")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"auth.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating http.requests.total: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"auth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating http.request.duration: %w", err)
	}

	m.LoginsStarted, err = brokerMeter.Int64Counter(
		"auth.logins.started",
		metric.WithDescription("Number of login flows initiated"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating logins.started: %w", err)
	}

	m.CallbacksProcessed, err = brokerMeter.Int64Counter(
		"auth.callbacks.processed",
		metric.WithDescription("Number of provider callbacks processed"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating callbacks.processed: %w", err)
	}

	m.StateMismatches, err = brokerMeter.Int64Counter(
		"auth.state.mismatches",
		metric.WithDescription("Number of callbacks rejected for state mismatch"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating state.mismatches: %w", err)
	}

	m.StateTokenExchange, err = brokerMeter.Int64Counter(
		"auth.state_token.exchanged",
		metric.WithDescription("Number of state tokens exchanged for credentials"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating state_token.exchanged: %w", err)
	}

	m.StateTokenReplays, err = brokerMeter.Int64Counter(
		"auth.state_token.replays",
		metric.WithDescription("Number of state token replay or expiry rejections"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating state_token.replays: %w", err)
	}

	m.TokensRefreshed, err = brokerMeter.Int64Counter(
		"auth.tokens.refreshed",
		metric.WithDescription("Number of refresh attempts by outcome"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating tokens.refreshed: %w", err)
	}

	m.TokenVerificationFailed, err = brokerMeter.Int64Counter(
		"auth.token.verification_failed",
		metric.WithDescription("Number of access token verification failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating token.verification_failed: %w", err)
	}

	m.ServiceTokenCacheHits, err = brokerMeter.Int64Counter(
		"auth.service_token.cache_hits",
		metric.WithDescription("Service token requests served from cache"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating service_token.cache_hits: %w", err)
	}

	m.ServiceTokenCacheMisses, err = brokerMeter.Int64Counter(
		"auth.service_token.cache_misses",
		metric.WithDescription("Service token requests requiring upstream acquisition"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating service_token.cache_misses: %w", err)
	}

	m.IdPCallDuration, err = brokerMeter.Float64Histogram(
		"auth.idp.call.duration",
		metric.WithDescription("Identity provider call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating idp.call.duration: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"auth.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating rate_limit.exceeded: %w", err)
	}

	return m, nil
}

// Helper methods for common recording patterns.

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordLoginStarted records a login flow initiation.
func (m *Metrics) RecordLoginStarted(ctx context.Context) {
	m.LoginsStarted.Add(ctx, 1)
}

// RecordCallback records a processed provider callback.
func (m *Metrics) RecordCallback(ctx context.Context, success bool) {
	m.CallbacksProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}

// RecordStateMismatch records a callback rejected for state mismatch.
func (m *Metrics) RecordStateMismatch(ctx context.Context) {
	m.StateMismatches.Add(ctx, 1)
}

// RecordStateTokenExchange records a successful state token exchange.
func (m *Metrics) RecordStateTokenExchange(ctx context.Context) {
	m.StateTokenExchange.Add(ctx, 1)
}

// RecordStateTokenReplay records a rejected state token exchange.
func (m *Metrics) RecordStateTokenReplay(ctx context.Context) {
	m.StateTokenReplays.Add(ctx, 1)
}

// RecordTokenRefresh records a refresh attempt. Outcome is one of
// "ok", "invalid_grant", "upstream_error".
func (m *Metrics) RecordTokenRefresh(ctx context.Context, outcome string, rotated bool) {
	m.TokensRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Bool("rotated", rotated),
	))
}

// RecordVerificationFailure records an access token verification failure.
func (m *Metrics) RecordVerificationFailure(ctx context.Context, reason string) {
	m.TokenVerificationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordServiceTokenCache records a cache hit or miss on the service
// token cache.
func (m *Metrics) RecordServiceTokenCache(ctx context.Context, hit bool) {
	if hit {
		m.ServiceTokenCacheHits.Add(ctx, 1)
		return
	}
	m.ServiceTokenCacheMisses.Add(ctx, 1)
}

// RecordIdPCall records a call to the identity provider.
func (m *Metrics) RecordIdPCall(ctx context.Context, operation string, durationMs float64, err error) {
	m.IdPCallDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Bool("error", err != nil),
	))
}

// RecordRateLimitExceeded records a rate limit violation.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}
