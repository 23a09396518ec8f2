// Package ports defines the provider interfaces consumed by the decision engine.
// Clients, decorators and test doubles all satisfy these.
package ports

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks GeoLocator,FraudChecker

import (
	"context"

	"geogate/internal/geoblock/models"
)

// GeoLocator resolves an IP address to a location.
type GeoLocator interface {
	// Resolve returns the location for ip, or a *providers.ProviderError.
	Resolve(ctx context.Context, ip string) (models.GeoResult, error)
}

// FraudChecker reports anonymizing-network signals for an IP address.
type FraudChecker interface {
	// Check returns VPN/proxy/Tor flags for ip, or a *providers.ProviderError.
	Check(ctx context.Context, ip string) (models.FraudSignal, error)
}
