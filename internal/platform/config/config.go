// Package config builds the typed service configuration from environment
// variables and validates it once at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"geogate/internal/geoblock/models"
)

// Config is everything cmd/server needs to wire the service.
type Config struct {
	Server    Server
	Log       Log
	Geo       Geo
	Providers Providers
	Rules     Rules
	Redis     RedisConfig
	Circuit   Circuit
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr string `validate:"required"`
	// UpstreamURL, when set, turns the service into a gating reverse proxy.
	UpstreamURL string `validate:"omitempty,http_url"`
}

type Log struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=json text"`
}

// Geo holds the decision engine switches.
type Geo struct {
	Enabled               bool
	FraudDetectionEnabled bool
	Fallback              models.FallbackMode `validate:"oneof=allow block"`
	Timeout               time.Duration       `validate:"gt=0"`
	Provider              string              `validate:"oneof=ipgeolocation geolite"`
}

// Providers holds credentials and endpoints. Empty keys are legal: the
// corresponding check is skipped at request time.
type Providers struct {
	IPGeoAPIKey   string
	IPGeoBaseURL  string `validate:"omitempty,http_url"`
	GeoLiteDBPath string
	IPQSAPIKey    string
	IPQSBaseURL   string `validate:"omitempty,http_url"`
}

// Rules lists the policy sources, merged in field order.
type Rules struct {
	File             string
	DatabaseURL      string
	BlockedCountries string
	BlockedRegions   string
	AllowedCountries string
	UseDefaults      bool
}

// RedisConfig configures the optional lookup cache. An empty URL disables it.
type RedisConfig struct {
	URL          string
	PoolSize     int           `validate:"gte=0"`
	MinIdleConns int           `validate:"gte=0"`
	DialTimeout  time.Duration `validate:"gte=0"`
	ReadTimeout  time.Duration `validate:"gte=0"`
	WriteTimeout time.Duration `validate:"gte=0"`
	CacheTTL     time.Duration `validate:"gt=0"`
}

// Circuit configures the per-provider circuit breakers.
type Circuit struct {
	Failures  int           `validate:"gt=0"`
	Successes int           `validate:"gt=0"`
	Cooldown  time.Duration `validate:"gte=0"`
}

// FromEnv builds a Config from the process environment so main stays lean.
func FromEnv() (Config, error) {
	return Load(os.LookupEnv)
}

// Load builds a Config from any key lookup, which keeps tests off the real
// environment.
func Load(lookup func(string) (string, bool)) (Config, error) {
	env := envReader{lookup: lookup}

	fallback, err := models.ParseFallbackMode(env.str("GEO_BLOCKING_FALLBACK", string(models.FallbackAllow)))
	if err != nil {
		env.errs = append(env.errs, fmt.Errorf("GEO_BLOCKING_FALLBACK: %w", err))
	}

	cfg := Config{
		Server: Server{
			Addr:        env.str("GEOGATE_ADDR", ":8080"),
			UpstreamURL: env.str("UPSTREAM_URL", ""),
		},
		Log: Log{
			Level:  strings.ToLower(env.str("LOG_LEVEL", "info")),
			Format: strings.ToLower(env.str("LOG_FORMAT", "json")),
		},
		Geo: Geo{
			Enabled:               env.enabledUnlessFalse("GEO_BLOCKING_ENABLED"),
			FraudDetectionEnabled: env.enabledUnlessFalse("VPN_DETECTION_ENABLED"),
			Fallback:              fallback,
			Timeout:               env.millis("GEO_API_TIMEOUT", 5000),
			Provider:              strings.ToLower(env.str("GEO_PROVIDER", "ipgeolocation")),
		},
		Providers: Providers{
			IPGeoAPIKey:   env.str("IPGEO_API_KEY", ""),
			IPGeoBaseURL:  env.str("IPGEO_BASE_URL", ""),
			GeoLiteDBPath: env.str("GEOLITE_DB_PATH", ""),
			IPQSAPIKey:    env.str("IPQUALITYSCORE_API_KEY", ""),
			IPQSBaseURL:   env.str("IPQUALITYSCORE_BASE_URL", ""),
		},
		Rules: Rules{
			File:             env.str("GEO_RULES_FILE", ""),
			DatabaseURL:      env.str("GEO_RULES_DATABASE_URL", ""),
			BlockedCountries: env.str("GEO_BLOCKED_COUNTRIES", ""),
			BlockedRegions:   env.str("GEO_BLOCKED_REGIONS", ""),
			AllowedCountries: env.str("GEO_ALLOWED_COUNTRIES", ""),
			UseDefaults:      env.enabledUnlessFalse("GEO_RULES_DEFAULTS"),
		},
		Redis: RedisConfig{
			URL:          env.str("REDIS_URL", ""),
			PoolSize:     env.integer("REDIS_POOL_SIZE", 10),
			MinIdleConns: env.integer("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  env.duration("REDIS_DIAL_TIMEOUT", 2*time.Second),
			ReadTimeout:  env.duration("REDIS_READ_TIMEOUT", 500*time.Millisecond),
			WriteTimeout: env.duration("REDIS_WRITE_TIMEOUT", 500*time.Millisecond),
			CacheTTL:     env.duration("GEO_CACHE_TTL", time.Hour),
		},
		Circuit: Circuit{
			Failures:  env.integer("GEO_CIRCUIT_FAILURES", 5),
			Successes: env.integer("GEO_CIRCUIT_SUCCESSES", 3),
			Cooldown:  env.duration("GEO_CIRCUIT_COOLDOWN", 30*time.Second),
		},
	}

	if len(env.errs) > 0 {
		return Config{}, errors.Join(env.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and returns one error per failing field.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	errs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, fmt.Errorf("config %s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return errors.Join(errs...)
}

// envReader collects parse errors so one bad variable doesn't hide the next.
type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) str(key, def string) string {
	if v, ok := e.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// enabledUnlessFalse treats only the exact, lowercase "false" as off.
func (e *envReader) enabledUnlessFalse(key string) bool {
	v, _ := e.lookup(key)
	return v != "false"
}

func (e *envReader) integer(key string, def int) int {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, raw))
		return def
	}
	return n
}

func (e *envReader) millis(key string, def int) time.Duration {
	return time.Duration(e.integer(key, def)) * time.Millisecond
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid duration %q", key, raw))
		return def
	}
	return d
}
