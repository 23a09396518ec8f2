// Package geolite resolves IP addresses offline from a MaxMind GeoLite2 or
// GeoIP2 City database.
package geolite

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"

	"github.com/oschwald/geoip2-golang"

	"geogate/internal/geoblock/models"
	"geogate/internal/geoblock/providers"
)

const ProviderID = "geolite"

// Provider wraps a memory-mapped MMDB reader. A Provider without a database
// reports ErrorNotConfigured for every lookup.
type Provider struct {
	reader *geoip2.Reader
	path   string
}

// Open loads the database at path. An empty or missing path is not an error;
// the provider then behaves as not configured.
func Open(path string) (*Provider, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return &Provider{}, nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return &Provider{path: path}, nil
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geolite database %s: %w", path, err)
	}
	return &Provider{reader: reader, path: path}, nil
}

func (p *Provider) ID() string {
	return ProviderID
}

// Configured reports whether a database is loaded.
func (p *Provider) Configured() bool {
	return p.reader != nil
}

func (p *Provider) Close() error {
	if p.reader == nil {
		return nil
	}
	return p.reader.Close()
}

// Resolve maps the City record of ip. ctx is unused because the lookup is a
// local memory read.
func (p *Provider) Resolve(_ context.Context, ip string) (models.GeoResult, error) {
	if p.reader == nil {
		if p.path == "" {
			return models.GeoResult{}, providers.NotConfigured(ProviderID, "database path not set")
		}
		return models.GeoResult{}, providers.NotConfigured(ProviderID, "database "+p.path+" not found")
	}

	addr := net.ParseIP(ip)
	if addr == nil {
		return models.GeoResult{}, providers.Malformed(ProviderID, fmt.Sprintf("invalid ip %q", ip), nil)
	}

	record, err := p.reader.City(addr)
	if err != nil {
		return models.GeoResult{}, providers.Malformed(ProviderID, "lookup failed", err)
	}
	return fromRecord(record)
}

func fromRecord(record *geoip2.City) (models.GeoResult, error) {
	country := strings.ToUpper(record.Country.IsoCode)
	if country == "" {
		return models.GeoResult{}, providers.Malformed(ProviderID, "record has no country", nil)
	}

	geo := models.GeoResult{CountryCode: country}
	if len(record.Subdivisions) > 0 {
		sub := record.Subdivisions[0]
		geo.StateCode = optional(sub.IsoCode)
		geo.StateName = optional(sub.Names["en"])
	}
	geo.City = optional(record.City.Names["en"])
	return geo, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
