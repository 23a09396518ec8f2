package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"geogate/internal/geoblock/engine"
	"geogate/internal/geoblock/handler"
	geometrics "geogate/internal/geoblock/metrics"
	geomw "geogate/internal/geoblock/middleware"
	"geogate/internal/geoblock/policy"
	"geogate/internal/geoblock/ports"
	"geogate/internal/geoblock/providers/cache"
	"geogate/internal/geoblock/providers/geolite"
	"geogate/internal/geoblock/providers/guard"
	"geogate/internal/geoblock/providers/ipgeolocation"
	"geogate/internal/geoblock/providers/ipqualityscore"
	httptransport "geogate/internal/transport/http"
	"geogate/internal/platform/config"
	"geogate/internal/platform/httpserver"
	"geogate/internal/platform/logger"
	"geogate/internal/platform/metrics"
	"geogate/internal/platform/postgres"
	"geogate/internal/platform/redis"
	"geogate/pkg/platform/circuit"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. The decision logic lives in internal/geoblock.
func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to read .env file", "error", err)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	startupCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	p, err := loadPolicy(startupCtx, cfg, log)
	if err != nil {
		return err
	}

	rc, err := redis.New(startupCtx, cfg.Redis)
	if err != nil {
		return err
	}
	health := map[string]httptransport.HealthCheck{}
	var redisClient *goredis.Client
	if rc != nil {
		defer rc.Close()
		redisClient = rc.Client
		health["redis"] = rc.Health
		log.Info("geo lookup cache enabled", "ttl", cfg.Redis.CacheTTL.String())
	}

	geoMetrics := geometrics.New(prometheus.DefaultRegisterer)

	geo, geoID, closeGeo, err := geoLocator(cfg, log, geoMetrics, redisClient)
	if err != nil {
		return err
	}
	defer closeGeo()
	fraud, fraudID := fraudChecker(cfg, log, geoMetrics, redisClient)

	eng, err := engine.New(p, geo, fraud,
		engine.WithLogger(log),
		engine.WithMetrics(geoMetrics),
		engine.WithGeoBlocking(cfg.Geo.Enabled),
		engine.WithFraudDetection(cfg.Geo.FraudDetectionEnabled),
		engine.WithProviderNames(geoID, fraudID),
	)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	var upstream *url.URL
	if cfg.Server.UpstreamURL != "" {
		if upstream, err = url.Parse(cfg.Server.UpstreamURL); err != nil {
			return fmt.Errorf("parse upstream url: %w", err)
		}
	}

	router := httptransport.NewRouter(httptransport.Deps{
		Logger:   log,
		Gate:     geomw.New(eng, log),
		Check:    handler.New(eng, log),
		Metrics:  metrics.New(prometheus.DefaultRegisterer),
		Upstream: upstream,
		Health:   health,
	})
	srv := httpserver.New(cfg.Server.Addr, router)

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting geogate",
			"addr", cfg.Server.Addr,
			"geo_provider", geoID,
			"geo_blocking", cfg.Geo.Enabled,
			"fraud_detection", cfg.Geo.FraudDetectionEnabled,
			"fallback", string(cfg.Geo.Fallback),
			"upstream", cfg.Server.UpstreamURL,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

func loadPolicy(ctx context.Context, cfg config.Config, log *slog.Logger) (*policy.Policy, error) {
	var sources []policy.Source
	if cfg.Rules.File != "" {
		sources = append(sources, policy.FileSource{Path: cfg.Rules.File})
	}
	if cfg.Rules.DatabaseURL != "" {
		db, err := postgres.Open(ctx, cfg.Rules.DatabaseURL)
		if err != nil {
			return nil, err
		}
		// rules are read once; the pool is not needed afterwards
		defer db.Close()
		sources = append(sources, policy.NewPostgresSource(db))
	}
	sources = append(sources, policy.ListSource{
		BlockedCountries: cfg.Rules.BlockedCountries,
		BlockedRegions:   cfg.Rules.BlockedRegions,
		AllowedCountries: cfg.Rules.AllowedCountries,
	})

	p, err := policy.Load(ctx, cfg.Geo.Fallback, sources,
		policy.WithDefaults(cfg.Rules.UseDefaults),
		policy.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("load geo policy: %w", err)
	}
	return p, nil
}

func newBreaker(cfg config.Circuit, providerID string) *circuit.Breaker {
	return circuit.New(providerID,
		circuit.WithFailureThreshold(cfg.Failures),
		circuit.WithSuccessThreshold(cfg.Successes),
		circuit.WithCooldown(cfg.Cooldown),
	)
}

// geoLocator builds the configured provider wrapped as
// cache -> circuit guard -> provider.
func geoLocator(cfg config.Config, log *slog.Logger, m *geometrics.Metrics, rc *goredis.Client) (ports.GeoLocator, string, func(), error) {
	var (
		base    ports.GeoLocator
		id      string
		closeFn = func() {}
	)
	switch cfg.Geo.Provider {
	case geolite.ProviderID:
		db, err := geolite.Open(cfg.Providers.GeoLiteDBPath)
		if err != nil {
			return nil, "", nil, fmt.Errorf("open geolite database: %w", err)
		}
		if !db.Configured() {
			log.Warn("geolite database not found, geo checks will be skipped", "path", cfg.Providers.GeoLiteDBPath)
		}
		base, id = db, db.ID()
		closeFn = func() { _ = db.Close() }
	default:
		opts := []ipgeolocation.Option{ipgeolocation.WithTimeout(cfg.Geo.Timeout)}
		if cfg.Providers.IPGeoBaseURL != "" {
			opts = append(opts, ipgeolocation.WithBaseURL(cfg.Providers.IPGeoBaseURL))
		}
		client := ipgeolocation.New(cfg.Providers.IPGeoAPIKey, opts...)
		if cfg.Providers.IPGeoAPIKey == "" {
			log.Warn("IPGEO_API_KEY not set, geo checks will be skipped")
		}
		base, id = client, client.ID()
	}

	guarded := guard.NewGeoLocator(base, id, newBreaker(cfg.Circuit, id),
		guard.WithLogger(log),
		guard.WithObserver(m),
	)
	cached := cache.NewGeoLocator(guarded, rc, id,
		cache.WithTTL(cfg.Redis.CacheTTL),
		cache.WithLookupTimeout(cfg.Geo.Timeout),
		cache.WithLogger(log),
	)
	return cached, id, closeFn, nil
}

func fraudChecker(cfg config.Config, log *slog.Logger, m *geometrics.Metrics, rc *goredis.Client) (ports.FraudChecker, string) {
	opts := []ipqualityscore.Option{ipqualityscore.WithTimeout(cfg.Geo.Timeout)}
	if cfg.Providers.IPQSBaseURL != "" {
		opts = append(opts, ipqualityscore.WithBaseURL(cfg.Providers.IPQSBaseURL))
	}
	client := ipqualityscore.New(cfg.Providers.IPQSAPIKey, opts...)
	if cfg.Geo.FraudDetectionEnabled && cfg.Providers.IPQSAPIKey == "" {
		log.Warn("IPQUALITYSCORE_API_KEY not set, fraud checks will be skipped")
	}

	id := client.ID()
	guarded := guard.NewFraudChecker(client, id, newBreaker(cfg.Circuit, id),
		guard.WithLogger(log),
		guard.WithObserver(m),
	)
	return cache.NewFraudChecker(guarded, rc, id,
		cache.WithTTL(cfg.Redis.CacheTTL),
		cache.WithLookupTimeout(cfg.Geo.Timeout),
		cache.WithLogger(log),
	), id
}
