// Package middleware gates an http.Handler on the geo access verdict.
package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"geogate/internal/geoblock/models"
	"geogate/pkg/platform/httputil"
	"geogate/pkg/requestcontext"
)

// Evaluator produces a verdict for one request.
type Evaluator interface {
	Evaluate(ctx context.Context, headers http.Header, peerAddr string) (models.Verdict, error)
}

// Middleware always consults the evaluator, including when geo blocking is
// switched off, so every request leaves one verdict record.
type Middleware struct {
	evaluator Evaluator
	logger    *slog.Logger
}

func New(evaluator Evaluator, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{
		evaluator: evaluator,
		logger:    logger,
	}
}

// Handler lets allowed requests through and answers denied ones with
// 403 {"error": "..."}.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		verdict, err := m.evaluator.Evaluate(ctx, r.Header, r.RemoteAddr)
		if err != nil {
			// the client went away; nobody is left to answer
			m.logger.DebugContext(ctx, "geo evaluation abandoned",
				"request_id", requestcontext.RequestID(ctx),
				"ip", requestcontext.ClientIP(ctx),
				"error", err,
			)
			return
		}

		if !verdict.Allowed {
			httputil.WriteError(w, http.StatusForbidden, verdict.PublicMessage())
			return
		}

		next.ServeHTTP(w, r)
	})
}
