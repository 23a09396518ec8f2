// Package handler exposes the verdict as an auth_request style endpoint so a
// reverse proxy (nginx, Traefik forwardAuth, Envoy ext_authz over HTTP) can
// gate upstreams it fronts.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"geogate/internal/geoblock/models"
	"geogate/pkg/platform/httputil"
	"geogate/pkg/requestcontext"
)

// Evaluator defines the interface for verdict evaluation.
type Evaluator interface {
	Evaluate(ctx context.Context, headers http.Header, peerAddr string) (models.Verdict, error)
}

// Handler wires the check endpoint to the engine.
type Handler struct {
	evaluator Evaluator
	logger    *slog.Logger
}

func New(evaluator Evaluator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		evaluator: evaluator,
		logger:    logger,
	}
}

// Register mounts the check endpoint on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/check", h.HandleCheck)
}

// HandleCheck answers GET /check: 204 when the forwarded client may proceed,
// 403 with a JSON error otherwise. The client is identified from the
// X-Forwarded-For or X-Real-IP header set by the proxy.
func (h *Handler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	verdict, err := h.evaluator.Evaluate(ctx, r.Header, r.RemoteAddr)
	if err != nil {
		h.logger.DebugContext(ctx, "check abandoned",
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
	w.WriteHeader(http.StatusNoContent)
}
