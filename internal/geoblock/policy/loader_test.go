package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geogate/internal/geoblock/models"
)

type stubSource struct {
	rules Rules
	err   error
}

func (s stubSource) Name() string { return "stub" }

func (s stubSource) Rules(context.Context) (Rules, error) { return s.rules, s.err }

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults when nothing configured", func(t *testing.T) {
		p, err := Load(ctx, models.FallbackAllow, nil)
		require.NoError(t, err)
		assert.True(t, p.IsBlocked("MX", ""))
		assert.True(t, p.IsBlocked("US", "MI"))
		assert.True(t, p.IsBlocked("US", "OR"))
		assert.False(t, p.IsBlocked("US", "CA"))
	})

	t.Run("defaults can be disabled", func(t *testing.T) {
		p, err := Load(ctx, models.FallbackAllow, nil, WithDefaults(false))
		require.NoError(t, err)
		assert.False(t, p.IsBlocked("MX", ""))
	})

	t.Run("configured sources replace defaults and merge", func(t *testing.T) {
		p, err := Load(ctx, models.FallbackBlock, []Source{
			ListSource{BlockedCountries: "ru"},
			stubSource{rules: Rules{BlockedRegions: []RegionRule{{CountryCode: "US", StateCode: "TX"}}}},
			nil,
		})
		require.NoError(t, err)
		assert.True(t, p.IsBlocked("RU", ""))
		assert.True(t, p.IsBlocked("US", "TX"))
		assert.False(t, p.IsBlocked("MX", ""), "defaults must not apply once rules are configured")
		assert.Equal(t, models.FallbackBlock, p.Fallback())
	})

	t.Run("source error names the source", func(t *testing.T) {
		_, err := Load(ctx, models.FallbackAllow, []Source{stubSource{err: errors.New("boom")}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stub")
	})

	t.Run("invalid merged rules rejected", func(t *testing.T) {
		_, err := Load(ctx, models.FallbackAllow, []Source{ListSource{AllowedCountries: "USA"}})
		assert.Error(t, err)
	})
}

func TestListSource(t *testing.T) {
	rules, err := ListSource{
		BlockedCountries: "mx, MX ru",
		BlockedRegions:   "US-MI,us-mi;US-ID",
		AllowedCountries: "",
	}.Rules(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"MX", "RU"}, rules.BlockedCountries)
	assert.Equal(t, []RegionRule{{CountryCode: "US", StateCode: "MI"}, {CountryCode: "US", StateCode: "ID"}}, rules.BlockedRegions)
	assert.Empty(t, rules.AllowedCountries)

	_, err = ListSource{BlockedRegions: "US-"}.Rules(context.Background())
	assert.Error(t, err)
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yml")
	content := `
blocked_countries: [MX]
blocked_regions:
  - US-MI
  - ca-qc
allowed_countries: [US, CA, MX]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	rules, err := FileSource{Path: path}.Rules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"MX"}, rules.BlockedCountries)
	assert.Equal(t, []RegionRule{{CountryCode: "US", StateCode: "MI"}, {CountryCode: "CA", StateCode: "QC"}}, rules.BlockedRegions)
	assert.Equal(t, []string{"US", "CA", "MX"}, rules.AllowedCountries)

	t.Run("missing file", func(t *testing.T) {
		_, err := FileSource{Path: filepath.Join(dir, "nope.yml")}.Rules(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not exist")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := ParseYAML([]byte("blocked_countries: [MX"))
		assert.Error(t, err)
	})
}
