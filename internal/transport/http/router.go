// Package httptransport assembles the public HTTP surface: health, metrics,
// the check endpoint and the optional gated reverse proxy.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"geogate/internal/geoblock/handler"
	geomw "geogate/internal/geoblock/middleware"
	"geogate/internal/platform/metrics"
	pkghttputil "geogate/pkg/platform/httputil"
	"geogate/pkg/platform/middleware/metadata"
	"geogate/pkg/platform/middleware/requestid"
)

// HealthCheck reports a dependency problem; nil means healthy.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators the router mounts. Metrics, Upstream and Health
// entries are optional.
type Deps struct {
	Logger   *slog.Logger
	Gate     *geomw.Middleware
	Check    *handler.Handler
	Metrics  *metrics.Metrics
	Upstream *url.URL
	Health   map[string]HealthCheck
}

// NewRouter wires all public endpoints.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(requestid.Middleware)
	r.Use(metadata.ClientMetadata)
	r.Use(chimw.Recoverer)
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	r.Get("/healthz", healthHandler(d.Health))
	d.Check.Register(r)

	if d.Upstream != nil {
		proxy := httputil.NewSingleHostReverseProxy(d.Upstream)
		proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			logger.WarnContext(r.Context(), "upstream request failed",
				"upstream", d.Upstream.Host,
				"path", r.URL.Path,
				"error", err,
			)
			pkghttputil.WriteError(w, http.StatusBadGateway, "")
		}
		r.With(d.Gate.Handler).Handle("/*", proxy)
	}

	return r
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok"}
		status := http.StatusOK
		for name, check := range checks {
			if resp.Checks == nil {
				resp.Checks = make(map[string]string, len(checks))
			}
			if err := check(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
		pkghttputil.WriteJSON(w, status, resp)
	}
}
