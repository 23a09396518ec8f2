package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"geogate/internal/geoblock/models"
	pkgstrings "geogate/pkg/platform/strings"
)

// Source supplies rules at startup.
type Source interface {
	Name() string
	Rules(ctx context.Context) (Rules, error)
}

// LoadOption configures Load.
type LoadOption func(*loadOptions)

type loadOptions struct {
	useDefaults bool
	logger      *slog.Logger
}

// WithDefaults applies DefaultRules when every source came back empty.
func WithDefaults(enabled bool) LoadOption {
	return func(o *loadOptions) {
		o.useDefaults = enabled
	}
}

// WithLogger logs the effective policy once it is built.
func WithLogger(logger *slog.Logger) LoadOption {
	return func(o *loadOptions) {
		o.logger = logger
	}
}

// Load merges every source in order and freezes the result.
func Load(ctx context.Context, fallback models.FallbackMode, sources []Source, opts ...LoadOption) (*Policy, error) {
	o := loadOptions{useDefaults: true}
	for _, opt := range opts {
		opt(&o)
	}

	var merged Rules
	for _, src := range sources {
		if src == nil {
			continue
		}
		rules, err := src.Rules(ctx)
		if err != nil {
			return nil, fmt.Errorf("load rules from %s: %w", src.Name(), err)
		}
		merged = merged.Merge(rules)
	}

	usedDefaults := false
	if merged.Empty() && o.useDefaults {
		merged = DefaultRules()
		usedDefaults = true
	}

	p, err := New(merged, fallback)
	if err != nil {
		return nil, err
	}

	if o.logger != nil {
		countries, regions, allowed := p.Summary()
		o.logger.InfoContext(ctx, "geo policy loaded",
			"blocked_countries", countries,
			"blocked_regions", regions,
			"allowed_countries", allowed,
			"default_deny", p.DefaultDeny(),
			"fallback", string(p.Fallback()),
			"defaults", usedDefaults,
		)
	}
	return p, nil
}

// -----------------------------------------------------------------------------
// YAML file source
// -----------------------------------------------------------------------------

// fileRules is the on-disk layout:
//
//	blocked_countries: [MX]
//	blocked_regions: [US-MI, US-ID]
//	allowed_countries: []
type fileRules struct {
	BlockedCountries []string `yaml:"blocked_countries"`
	BlockedRegions   []string `yaml:"blocked_regions"`
	AllowedCountries []string `yaml:"allowed_countries"`
}

// FileSource reads rules from a YAML file.
type FileSource struct {
	Path string
}

func (s FileSource) Name() string {
	return "file " + s.Path
}

func (s FileSource) Rules(_ context.Context) (Rules, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return Rules{}, fmt.Errorf("rules file %s does not exist: %w", s.Path, err)
		}
		return Rules{}, fmt.Errorf("read rules file %s: %w", s.Path, err)
	}
	return ParseYAML(data)
}

// ParseYAML decodes the rules file layout.
func ParseYAML(data []byte) (Rules, error) {
	var raw fileRules
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Rules{}, fmt.Errorf("parse rules: %w", err)
	}
	return fromLists(raw.BlockedCountries, raw.BlockedRegions, raw.AllowedCountries)
}

// -----------------------------------------------------------------------------
// Environment list source
// -----------------------------------------------------------------------------

// ListSource holds comma separated lists, typically straight from env vars.
type ListSource struct {
	BlockedCountries string
	BlockedRegions   string
	AllowedCountries string
}

func (s ListSource) Name() string {
	return "environment"
}

func (s ListSource) Rules(_ context.Context) (Rules, error) {
	return fromLists(
		pkgstrings.SplitList(s.BlockedCountries),
		pkgstrings.SplitList(s.BlockedRegions),
		pkgstrings.SplitList(s.AllowedCountries),
	)
}

func fromLists(blockedCountries, blockedRegions, allowedCountries []string) (Rules, error) {
	var rules Rules
	rules.BlockedCountries = pkgstrings.DedupeAndTrimUpper(blockedCountries)
	rules.AllowedCountries = pkgstrings.DedupeAndTrimUpper(allowedCountries)
	for _, entry := range pkgstrings.DedupeAndTrimUpper(blockedRegions) {
		r, err := ParseRule(entry)
		if err != nil {
			return Rules{}, err
		}
		rules.BlockedRegions = append(rules.BlockedRegions, r)
	}
	return rules, nil
}
