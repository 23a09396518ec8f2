// Package guard puts a circuit breaker in front of a provider. While the
// breaker is open, calls fail fast as ErrorUpstreamUnavailable so the
// engine's fallback applies without waiting on a dead upstream.
package guard

import (
	"context"
	"log/slog"

	"geogate/internal/geoblock/models"
	"geogate/internal/geoblock/ports"
	"geogate/internal/geoblock/providers"
	"geogate/pkg/platform/circuit"
)

// StateObserver is told about every breaker transition.
type StateObserver interface {
	SetCircuitState(provider string, open bool)
}

type Option func(*guard)

func WithLogger(logger *slog.Logger) Option {
	return func(g *guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func WithObserver(o StateObserver) Option {
	return func(g *guard) {
		g.observer = o
	}
}

type guard struct {
	providerID string
	breaker    *circuit.Breaker
	logger     *slog.Logger
	observer   StateObserver
}

func newGuard(providerID string, breaker *circuit.Breaker, opts []Option) *guard {
	if breaker == nil {
		breaker = circuit.New(providerID)
	}
	g := &guard{
		providerID: providerID,
		breaker:    breaker,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *guard) allow() error {
	if g.breaker.Allow() {
		return nil
	}
	return providers.Unavailable(g.providerID, "circuit open", nil)
}

// record feeds the outcome into the breaker. Only unavailability counts as a
// failure; a caller that gave up says nothing about the upstream.
func (g *guard) record(ctx context.Context, err error) {
	var change circuit.StateChange
	switch {
	case err == nil:
		_, change = g.breaker.RecordSuccess()
	case ctx.Err() != nil:
		return
	case providers.IsUnavailable(err):
		_, change = g.breaker.RecordFailure()
	default:
		return
	}

	if change.Opened {
		g.logger.WarnContext(ctx, "provider circuit opened", "provider", g.providerID, "error", err)
	}
	if change.Closed {
		g.logger.InfoContext(ctx, "provider circuit closed", "provider", g.providerID)
	}
	if g.observer != nil && (change.Opened || change.Closed) {
		g.observer.SetCircuitState(g.providerID, change.Opened)
	}
}

// GeoLocator guards a geolocation provider.
type GeoLocator struct {
	next ports.GeoLocator
	*guard
}

// NewGeoLocator wraps next. A nil breaker gets the package defaults.
func NewGeoLocator(next ports.GeoLocator, providerID string, breaker *circuit.Breaker, opts ...Option) *GeoLocator {
	return &GeoLocator{next: next, guard: newGuard(providerID, breaker, opts)}
}

func (g *GeoLocator) Resolve(ctx context.Context, ip string) (models.GeoResult, error) {
	if err := g.allow(); err != nil {
		return models.GeoResult{}, err
	}
	geo, err := g.next.Resolve(ctx, ip)
	g.record(ctx, err)
	return geo, err
}

// FraudChecker guards a fraud-signal provider.
type FraudChecker struct {
	next ports.FraudChecker
	*guard
}

func NewFraudChecker(next ports.FraudChecker, providerID string, breaker *circuit.Breaker, opts ...Option) *FraudChecker {
	return &FraudChecker{next: next, guard: newGuard(providerID, breaker, opts)}
}

func (f *FraudChecker) Check(ctx context.Context, ip string) (models.FraudSignal, error) {
	if err := f.allow(); err != nil {
		return models.FraudSignal{}, err
	}
	signal, err := f.next.Check(ctx, ip)
	f.record(ctx, err)
	return signal, err
}
