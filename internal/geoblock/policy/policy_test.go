package policy

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"geogate/internal/geoblock/models"
)

// =============================================================================
// Policy Test Suite
// =============================================================================
// Covers the evaluation order (allow-list, country, country+state), rule
// parsing, and concurrent read safety of a frozen policy.

type PolicySuite struct {
	suite.Suite
}

func TestPolicySuite(t *testing.T) {
	suite.Run(t, new(PolicySuite))
}

func (s *PolicySuite) mustNew(rules Rules, fallback models.FallbackMode) *Policy {
	p, err := New(rules, fallback)
	s.Require().NoError(err)
	return p
}

// =============================================================================
// Constructor Tests
// =============================================================================

func (s *PolicySuite) TestNew() {
	s.Run("invalid fallback rejected", func() {
		_, err := New(Rules{}, models.FallbackMode("maybe"))
		s.Error(err)
	})

	s.Run("invalid blocked country rejected", func() {
		_, err := New(Rules{BlockedCountries: []string{"USA"}}, models.FallbackAllow)
		s.Error(err)
		s.Contains(err.Error(), "invalid country code")
	})

	s.Run("invalid allowed country rejected", func() {
		_, err := New(Rules{AllowedCountries: []string{"1"}}, models.FallbackAllow)
		s.Error(err)
	})

	s.Run("region rule without state widens to country", func() {
		p := s.mustNew(Rules{BlockedRegions: []RegionRule{{CountryCode: "br"}}}, models.FallbackAllow)
		s.True(p.IsBlocked("BR", ""))
		s.True(p.IsBlocked("BR", "SP"))
	})

	s.Run("fallback exposed", func() {
		p := s.mustNew(Rules{}, models.FallbackBlock)
		s.Equal(models.FallbackBlock, p.Fallback())
		s.False(p.DefaultDeny())
	})
}

// =============================================================================
// IsBlocked Tests
// =============================================================================

func (s *PolicySuite) TestIsBlocked() {
	p := s.mustNew(DefaultRules(), models.FallbackAllow)

	tests := []struct {
		name    string
		country string
		state   string
		blocked bool
	}{
		{name: "blocked state", country: "US", state: "MI", blocked: true},
		{name: "lowercase country still matches", country: "us", state: "MI", blocked: true},
		{name: "unblocked state", country: "US", state: "CA", blocked: false},
		{name: "country without state", country: "US", state: "", blocked: false},
		{name: "globally blocked country ignores state", country: "MX", state: "JAL", blocked: true},
		{name: "globally blocked country without state", country: "MX", state: "", blocked: true},
		{name: "same state code in other country", country: "CA", state: "WA", blocked: false},
		{name: "unlisted country", country: "IN", state: "MH", blocked: false},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.Equal(tt.blocked, p.IsBlocked(tt.country, tt.state))
		})
	}
}

func (s *PolicySuite) TestAllowList() {
	p := s.mustNew(Rules{
		AllowedCountries: []string{"US", "CA"},
		BlockedRegions:   []RegionRule{{CountryCode: "US", StateCode: "NV"}},
	}, models.FallbackAllow)

	s.True(p.DefaultDeny())

	s.Run("unlisted country blocked", func() {
		s.True(p.IsBlocked("IN", ""))
	})

	s.Run("listed country allowed", func() {
		s.False(p.IsBlocked("ca", "QC"))
	})

	s.Run("block rules still apply inside allow-list", func() {
		s.True(p.IsBlocked("US", "NV"))
		s.False(p.IsBlocked("US", "TX"))
	})
}

func (s *PolicySuite) TestConcurrentReads() {
	p := s.mustNew(DefaultRules(), models.FallbackAllow)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				if !p.IsBlocked("US", "MI") || p.IsBlocked("US", "CA") {
					s.Fail("inconsistent policy read")
					return
				}
			}
		}()
	}
	wg.Wait()
}

// =============================================================================
// ParseRule Tests
// =============================================================================

func (s *PolicySuite) TestParseRule() {
	s.Run("country only", func() {
		r, err := ParseRule(" mx ")
		s.Require().NoError(err)
		s.Equal(RegionRule{CountryCode: "MX"}, r)
		s.Equal("MX", r.String())
	})

	s.Run("country and state", func() {
		r, err := ParseRule("us-mi")
		s.Require().NoError(err)
		s.Equal(RegionRule{CountryCode: "US", StateCode: "MI"}, r)
		s.Equal("US-MI", r.String())
	})

	s.Run("bad country", func() {
		_, err := ParseRule("USA-MI")
		s.Error(err)
	})

	s.Run("empty state", func() {
		_, err := ParseRule("US-")
		s.Error(err)
	})

	s.Run("non alphanumeric state", func() {
		_, err := ParseRule("US-M!")
		s.Error(err)
	})
}

func (s *PolicySuite) TestSummary() {
	p := s.mustNew(Rules{
		BlockedCountries: []string{"mx", "ru"},
		BlockedRegions:   []RegionRule{{CountryCode: "US", StateCode: "WA"}, {CountryCode: "US", StateCode: "HI"}},
	}, models.FallbackAllow)

	countries, regions, allowed := p.Summary()
	s.Equal([]string{"MX", "RU"}, countries)
	s.Equal([]string{"US-HI", "US-WA"}, regions)
	s.Nil(allowed)
}
