// Package admin exposes the resilience layer's operator surface: breaker
// inspection and reset, and the standing rate limit policy inventory. It is
// mounted on the internal ops listener, never on the product API.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"accesslens/internal/resilience/circuit"
	"accesslens/internal/resilience/quota"
	"accesslens/internal/resilience/ratelimit"
	dErrors "accesslens/pkg/domain-errors"
)

// Handler serves the admin endpoints.
type Handler struct {
	breakers *circuit.Registry
	limiter  *ratelimit.Service
	quotas   *quota.Controller
	logger   *slog.Logger
}

// New creates the admin handler.
func New(breakers *circuit.Registry, limiter *ratelimit.Service, quotas *quota.Controller, logger *slog.Logger) *Handler {
	return &Handler{breakers: breakers, limiter: limiter, quotas: quotas, logger: logger}
}

// Routes mounts the admin endpoints on a fresh router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/breakers", h.listBreakers)
	r.Post("/breakers/{service}/reset", h.resetBreaker)
	r.Get("/policies", h.listPolicies)
	r.Get("/quota/{tenantID}", h.tenantQuota)
	return r
}

func (h *Handler) listBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"breakers": h.breakers.Statuses(),
	})
}

func (h *Handler) resetBreaker(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	if service == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "service is required"})
		return
	}

	h.breakers.Get(service).Reset()
	h.logger.InfoContext(r.Context(), "breaker manually reset", "service", service)
	writeJSON(w, http.StatusOK, map[string]string{"service": service, "state": circuit.StateClosed.String()})
}

func (h *Handler) listPolicies(w http.ResponseWriter, r *http.Request) {
	type policyView struct {
		Name   string `json:"name"`
		Kind   string `json:"kind"`
		Limit  int64  `json:"limit"`
		Window string `json:"window,omitempty"`
	}

	policies := h.limiter.Policies()
	views := make([]policyView, 0, len(policies))
	for _, p := range policies {
		view := policyView{Name: p.Name, Limit: p.Limit}
		if p.Kind == ratelimit.KindSpend {
			view.Kind = "spend"
			view.Window = "1 day (UTC)"
		} else {
			view.Kind = "requests"
			view.Window = p.Window.String()
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": views})
}

func (h *Handler) tenantQuota(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	usage, err := h.quotas.Usage(r.Context(), tenantID)
	if err != nil {
		status := http.StatusInternalServerError
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			status = http.StatusNotFound
		}
		h.logger.WarnContext(r.Context(), "quota usage lookup failed", "tenant_id", tenantID, "error", err)
		writeJSON(w, status, map[string]string{"error": string(dErrors.GetCode(err))})
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
