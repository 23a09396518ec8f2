// Package engine decides whether a request may proceed based on where its
// source IP resolves to and whether it arrives through an anonymizing network.
//
// One evaluation walks a fixed sequence of states:
//
//	start -> geo lookup -> policy eval -> [fraud lookup] -> decide
//
// Any state may finish early with a verdict. Every verdict produces exactly
// one structured log record; provider failures never escape as errors.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"geogate/internal/geoblock/metrics"
	"geogate/internal/geoblock/models"
	"geogate/internal/geoblock/policy"
	"geogate/internal/geoblock/ports"
	"geogate/internal/geoblock/providers"
	"geogate/internal/geoblock/region"
	"geogate/pkg/platform/middleware/metadata"
	"geogate/pkg/requestcontext"
)

const tracerName = "geogate/internal/geoblock/engine"

type state int

const (
	stateStart state = iota
	stateGeoLookup
	statePolicyEval
	stateFraudLookup
	stateDecide
	stateDone
)

// Engine is immutable after New and safe for concurrent use.
type Engine struct {
	policy *policy.Policy
	geo    ports.GeoLocator
	fraud  ports.FraudChecker

	geoBlocking    bool
	fraudDetection bool
	geoProvider    string
	fraudProvider  string

	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

// WithGeoBlocking turns the whole engine on or off. Off means every request
// is allowed with reason DISABLED and no provider is called.
func WithGeoBlocking(enabled bool) Option {
	return func(e *Engine) {
		e.geoBlocking = enabled
	}
}

// WithFraudDetection controls the VPN/proxy/Tor lookup after a passing policy check.
func WithFraudDetection(enabled bool) Option {
	return func(e *Engine) {
		e.fraudDetection = enabled
	}
}

// WithProviderNames labels provider metrics and spans.
func WithProviderNames(geo, fraud string) Option {
	return func(e *Engine) {
		if geo != "" {
			e.geoProvider = geo
		}
		if fraud != "" {
			e.fraudProvider = fraud
		}
	}
}

// New wires an engine. Both features start enabled.
func New(p *policy.Policy, geo ports.GeoLocator, fraud ports.FraudChecker, opts ...Option) (*Engine, error) {
	if p == nil {
		return nil, errors.New("policy is required")
	}
	if geo == nil {
		return nil, errors.New("geo locator is required")
	}

	e := &Engine{
		policy:         p,
		geo:            geo,
		fraud:          fraud,
		geoBlocking:    true,
		fraudDetection: true,
		geoProvider:    "geo",
		fraudProvider:  "fraud",
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.fraudDetection && e.fraud == nil {
		return nil, errors.New("fraud checker is required when fraud detection is enabled")
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	return e, nil
}

// evaluation is the per-request scratch state. Pointers stay nil for lookups
// that did not happen or did not succeed.
type evaluation struct {
	requestID string
	ip        string
	geo       *models.GeoResult
	state     string
	fraud     *models.FraudSignal
	verdict   models.Verdict
}

// Evaluate returns the verdict for a request with the given headers and
// transport peer address. The error is non-nil only when ctx ends before a
// verdict is reached; no verdict is logged in that case.
func (e *Engine) Evaluate(ctx context.Context, headers http.Header, peerAddr string) (models.Verdict, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "geoblock.evaluate")
	defer span.End()

	ev := &evaluation{requestID: requestcontext.RequestID(ctx)}
	for st := stateStart; st != stateDone; {
		next, err := e.step(ctx, st, ev, headers, peerAddr)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "evaluation abandoned")
			return models.Verdict{}, err
		}
		st = next
	}

	span.SetAttributes(
		attribute.String("geoblock.reason", string(ev.verdict.Reason)),
		attribute.Bool("geoblock.allowed", ev.verdict.Allowed),
	)
	e.emit(ctx, ev, time.Since(start))
	return ev.verdict, nil
}

func (e *Engine) step(ctx context.Context, st state, ev *evaluation, headers http.Header, peerAddr string) (state, error) {
	switch st {
	case stateStart:
		if !e.geoBlocking {
			ev.verdict = models.Allow(models.ReasonDisabled, "geo blocking disabled")
			return stateDone, nil
		}
		ev.ip = metadata.ClientIP(headers, peerAddr)
		return stateGeoLookup, nil

	case stateGeoLookup:
		geo, err := e.resolve(ctx, ev.ip)
		if ctx.Err() != nil {
			return stateDone, ctx.Err()
		}
		if err != nil {
			if providers.IsNotConfigured(err) {
				ev.verdict = models.Allow(models.ReasonGeoSkipped, err.Error())
				return stateDone, nil
			}
			ev.verdict = e.fallback("geolocation: " + err.Error())
			return stateDone, nil
		}
		ev.geo = &geo
		ev.state = region.Value(region.Normalize(geo.StateCode, geo.StateName))
		return statePolicyEval, nil

	case statePolicyEval:
		if e.policy.IsBlocked(ev.geo.CountryCode, ev.state) {
			ev.verdict = models.Deny(models.ReasonRegionBlocked, describeRegion(ev.geo.CountryCode, ev.state))
			return stateDone, nil
		}
		if !e.fraudDetection {
			return stateDecide, nil
		}
		return stateFraudLookup, nil

	case stateFraudLookup:
		signal, err := e.check(ctx, ev.ip)
		if ctx.Err() != nil {
			return stateDone, ctx.Err()
		}
		if err != nil {
			if providers.IsNotConfigured(err) {
				ev.verdict = models.Allow(models.ReasonFraudSkipped, err.Error())
				return stateDone, nil
			}
			ev.verdict = e.fallback("fraud signal: " + err.Error())
			return stateDone, nil
		}
		ev.fraud = &signal
		return stateDecide, nil

	case stateDecide:
		if ev.fraud != nil && ev.fraud.Suspicious() {
			ev.verdict = models.Deny(models.ReasonFraudDetected, describeSignal(*ev.fraud))
			return stateDone, nil
		}
		ev.verdict = models.Allow(models.ReasonClean, "")
		return stateDone, nil
	}

	return stateDone, fmt.Errorf("unknown evaluation state %d", st)
}

func (e *Engine) fallback(detail string) models.Verdict {
	if e.policy.Fallback() == models.FallbackBlock {
		return models.Deny(models.ReasonFallbackBlock, detail)
	}
	return models.Allow(models.ReasonFallbackAllow, detail)
}

func (e *Engine) resolve(ctx context.Context, ip string) (models.GeoResult, error) {
	ctx, span := e.tracer.Start(ctx, "geoblock.geo_lookup",
		trace.WithAttributes(attribute.String("geoblock.provider", e.geoProvider)))
	defer span.End()

	start := time.Now()
	geo, err := e.geo.Resolve(ctx, ip)
	e.observe(span, e.geoProvider, time.Since(start), err)
	return geo, err
}

func (e *Engine) check(ctx context.Context, ip string) (models.FraudSignal, error) {
	ctx, span := e.tracer.Start(ctx, "geoblock.fraud_lookup",
		trace.WithAttributes(attribute.String("geoblock.provider", e.fraudProvider)))
	defer span.End()

	start := time.Now()
	signal, err := e.fraud.Check(ctx, ip)
	e.observe(span, e.fraudProvider, time.Since(start), err)
	return signal, err
}

func (e *Engine) observe(span trace.Span, provider string, elapsed time.Duration, err error) {
	e.metrics.ObserveProvider(provider, elapsed)
	if err == nil {
		return
	}
	category := providers.GetCategory(err)
	e.metrics.IncrementProviderError(provider, string(category))
	span.SetAttributes(attribute.String("geoblock.error_category", string(category)))
	span.RecordError(err)
}

func (e *Engine) emit(ctx context.Context, ev *evaluation, elapsed time.Duration) {
	v := ev.verdict
	e.metrics.ObserveVerdict(string(v.Reason), v.Allowed, elapsed)

	attrs := []any{
		"request_id", ev.requestID,
		"ip", ev.ip,
	}
	if ua := requestcontext.UserAgent(ctx); ua != "" {
		attrs = append(attrs, "user_agent", ua)
	}
	if ev.geo != nil {
		attrs = append(attrs,
			"country", ev.geo.CountryCode,
			"state", ev.state,
			"city", region.Value(ev.geo.City),
		)
	}
	if ev.fraud != nil {
		attrs = append(attrs,
			"vpn", ev.fraud.IsVPN,
			"proxy", ev.fraud.IsProxy,
			"tor", ev.fraud.IsTor,
		)
	}
	attrs = append(attrs,
		"reason", string(v.Reason),
		"allowed", v.Allowed,
	)
	if v.Detail != "" {
		attrs = append(attrs, "detail", v.Detail)
	}
	attrs = append(attrs, "duration_ms", elapsed.Milliseconds())

	e.logger.InfoContext(ctx, "geo access verdict", attrs...)
}

func describeRegion(country, state string) string {
	if state == "" {
		return "country=" + country
	}
	return "country=" + country + " state=" + state
}

func describeSignal(s models.FraudSignal) string {
	return fmt.Sprintf("vpn=%t proxy=%t tor=%t", s.IsVPN, s.IsProxy, s.IsTor)
}
