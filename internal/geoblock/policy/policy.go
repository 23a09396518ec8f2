// Package policy holds the region allow/block rules and evaluates them.
//
// A Policy is built once from Rules and never mutated afterwards, so any
// number of concurrent evaluations may share one pointer without locking.
// Reloading configuration means building a new Policy.
package policy

import (
	"fmt"
	"sort"
	"strings"

	"geogate/internal/geoblock/models"
	"geogate/internal/geoblock/region"
)

// RegionRule names a whole country (StateCode == "") or one subdivision of it.
type RegionRule struct {
	CountryCode string
	StateCode   string
}

func (r RegionRule) String() string {
	if r.StateCode == "" {
		return r.CountryCode
	}
	return r.CountryCode + "-" + r.StateCode
}

// ParseRule accepts "MX" or "US-MI" (case-insensitive).
func ParseRule(s string) (RegionRule, error) {
	raw := strings.ToUpper(strings.TrimSpace(s))
	country, state, hasState := strings.Cut(raw, "-")
	if err := validateCountry(country); err != nil {
		return RegionRule{}, fmt.Errorf("region rule %q: %w", s, err)
	}
	if !hasState {
		return RegionRule{CountryCode: country}, nil
	}
	state = region.NormalizeCode(state)
	if !isAlnum(state) || len(state) > 3 {
		return RegionRule{}, fmt.Errorf("region rule %q: invalid subdivision code", s)
	}
	return RegionRule{CountryCode: country, StateCode: state}, nil
}

// Rules is the raw, mergeable form of a policy as read from configuration.
type Rules struct {
	BlockedCountries []string
	BlockedRegions   []RegionRule
	// AllowedCountries switches the policy to default-deny when non-empty.
	AllowedCountries []string
}

// Empty reports whether no rule of any kind is present.
func (r Rules) Empty() bool {
	return len(r.BlockedCountries) == 0 && len(r.BlockedRegions) == 0 && len(r.AllowedCountries) == 0
}

// Merge appends other's entries to r.
func (r Rules) Merge(other Rules) Rules {
	return Rules{
		BlockedCountries: append(append([]string{}, r.BlockedCountries...), other.BlockedCountries...),
		BlockedRegions:   append(append([]RegionRule{}, r.BlockedRegions...), other.BlockedRegions...),
		AllowedCountries: append(append([]string{}, r.AllowedCountries...), other.AllowedCountries...),
	}
}

// DefaultRules reproduces the restrictions the service shipped with: Mexico
// and eleven US states.
func DefaultRules() Rules {
	states := []string{"MI", "ID", "WA", "LA", "NV", "MT", "CT", "HI", "DE", "VA", "OR"}
	regions := make([]RegionRule, 0, len(states))
	for _, s := range states {
		regions = append(regions, RegionRule{CountryCode: "US", StateCode: s})
	}
	return Rules{
		BlockedCountries: []string{"MX"},
		BlockedRegions:   regions,
	}
}

type set map[string]struct{}

// Policy is the immutable, evaluable form of Rules plus the fallback mode.
type Policy struct {
	blockedCountries set
	blockedRegions   map[RegionRule]struct{}
	allowedCountries set // nil means no allow-list
	fallback         models.FallbackMode
}

// New validates rules and freezes them into a Policy.
func New(rules Rules, fallback models.FallbackMode) (*Policy, error) {
	if fallback != models.FallbackAllow && fallback != models.FallbackBlock {
		return nil, fmt.Errorf("invalid fallback mode %q", fallback)
	}

	p := &Policy{
		blockedCountries: set{},
		blockedRegions:   map[RegionRule]struct{}{},
		fallback:         fallback,
	}

	for _, c := range rules.BlockedCountries {
		code, err := canonicalCountry(c)
		if err != nil {
			return nil, fmt.Errorf("blocked country: %w", err)
		}
		p.blockedCountries[code] = struct{}{}
	}

	for _, r := range rules.BlockedRegions {
		code, err := canonicalCountry(r.CountryCode)
		if err != nil {
			return nil, fmt.Errorf("blocked region %s: %w", r, err)
		}
		state := region.NormalizeCode(r.StateCode)
		if state == "" {
			// a region rule without a state covers the whole country
			p.blockedCountries[code] = struct{}{}
			continue
		}
		p.blockedRegions[RegionRule{CountryCode: code, StateCode: state}] = struct{}{}
	}

	if len(rules.AllowedCountries) > 0 {
		p.allowedCountries = set{}
		for _, c := range rules.AllowedCountries {
			code, err := canonicalCountry(c)
			if err != nil {
				return nil, fmt.Errorf("allowed country: %w", err)
			}
			p.allowedCountries[code] = struct{}{}
		}
	}

	return p, nil
}

// IsBlocked evaluates, in order: allow-list membership, country block, then
// country+state block. normalizedState must already be in canonical form.
func (p *Policy) IsBlocked(countryCode, normalizedState string) bool {
	country := strings.ToUpper(strings.TrimSpace(countryCode))

	if p.allowedCountries != nil {
		if _, ok := p.allowedCountries[country]; !ok {
			return true
		}
	}

	if _, ok := p.blockedCountries[country]; ok {
		return true
	}

	if normalizedState == "" {
		return false
	}
	_, ok := p.blockedRegions[RegionRule{CountryCode: country, StateCode: normalizedState}]
	return ok
}

// Fallback is the verdict mode applied when a provider cannot be consulted.
func (p *Policy) Fallback() models.FallbackMode {
	return p.fallback
}

// DefaultDeny reports whether an allow-list is in force.
func (p *Policy) DefaultDeny() bool {
	return p.allowedCountries != nil
}

// Summary lists the effective rules in a stable order, for startup logging.
func (p *Policy) Summary() (blockedCountries, blockedRegions, allowedCountries []string) {
	blockedCountries = sortedKeys(p.blockedCountries)
	for r := range p.blockedRegions {
		blockedRegions = append(blockedRegions, r.String())
	}
	sort.Strings(blockedRegions)
	allowedCountries = sortedKeys(p.allowedCountries)
	return blockedCountries, blockedRegions, allowedCountries
}

func sortedKeys(s set) []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func canonicalCountry(c string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(c))
	if err := validateCountry(code); err != nil {
		return "", err
	}
	return code, nil
}

func validateCountry(code string) error {
	if len(code) != 2 || code[0] < 'A' || code[0] > 'Z' || code[1] < 'A' || code[1] > 'Z' {
		return fmt.Errorf("invalid country code %q", code)
	}
	return nil
}

func isAlnum(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
