package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"throttle-service/internal/guard"
	"throttle-service/internal/sweeper"
	"throttle-service/internal/throttle"
	"throttle-service/internal/util"
)

// ThrottleHandler exposes the engine and sweeper to operators and remote callers.
type ThrottleHandler struct {
	engine  *throttle.Engine
	sweeper *sweeper.Sweeper
	logger  *zap.Logger
}

func NewThrottleHandler(engine *throttle.Engine, sw *sweeper.Sweeper, logger *zap.Logger) *ThrottleHandler {
	return &ThrottleHandler{
		engine:  engine,
		sweeper: sw,
		logger:  logger,
	}
}

type identityRequest struct {
	Identity string `json:"identity"`
}

type policyView struct {
	Scope             string `json:"scope"`
	AllowedAttempts   int    `json:"allowed_attempts"`
	BaseWindowSeconds int64  `json:"base_window_seconds"`
	MaxLevel          int    `json:"max_level"`
	ResetThreshold    int    `json:"reset_threshold"`
}

func newPolicyView(p throttle.Policy) policyView {
	return policyView{
		Scope:             p.Scope,
		AllowedAttempts:   p.AllowedAttempts,
		BaseWindowSeconds: int64(p.BaseWindow / time.Second),
		MaxLevel:          p.MaxLevel,
		ResetThreshold:    p.ResetThreshold,
	}
}

type decisionView struct {
	Allowed    bool  `json:"allowed"`
	Level      int   `json:"level"`
	RetryAfter int64 `json:"retry_after,omitempty"`
}

// RegisterRoutes registers all throttle routes
func (h *ThrottleHandler) RegisterRoutes(router chi.Router) {
	router.Get("/policies", h.ListPolicies)
	router.Get("/policies/{scope}", h.GetPolicy)

	router.Route("/throttles/{scope}", func(r chi.Router) {
		r.Post("/evaluate", h.Evaluate)
		r.Post("/attempts", h.RecordAttempt)
		r.Post("/reset", h.ResetLevel)
		r.Get("/{identity}", h.Inspect)
		r.Delete("/{identity}", h.Forgive)
	})

	router.Post("/sweeps", h.Sweep)
}

func (h *ThrottleHandler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies := h.engine.Registry().Policies()
	views := make([]policyView, 0, len(policies))
	for _, p := range policies {
		views = append(views, newPolicyView(p))
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(views, "Policies retrieved successfully"))
}

func (h *ThrottleHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Registry().Policy(chi.URLParam(r, "scope"))
	if err != nil {
		respondWithError(h.logger, w, getStatusCode(err), err, "Failed to get policy")
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(newPolicyView(p), "Policy retrieved successfully"))
}

// Evaluate answers 200 when allowed and 429 with the throttled body when blocked.
func (h *ThrottleHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	req, ok := h.decodeIdentity(w, r)
	if !ok {
		return
	}

	d, err := h.engine.Evaluate(r.Context(), req.Identity, scope)
	if err != nil {
		respondWithError(h.logger, w, getStatusCode(err), err, "Failed to evaluate request")
		return
	}
	if d.Blocked {
		guard.WriteThrottled(w, d)
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(decisionView{Allowed: true, Level: d.Level}, "Request allowed"))
}

func (h *ThrottleHandler) RecordAttempt(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	req, ok := h.decodeIdentity(w, r)
	if !ok {
		return
	}

	if err := h.engine.RecordAttempt(r.Context(), req.Identity, scope); err != nil {
		respondWithError(h.logger, w, getStatusCode(err), err, "Failed to record attempt")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ThrottleHandler) ResetLevel(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	req, ok := h.decodeIdentity(w, r)
	if !ok {
		return
	}

	deleted, err := h.engine.ResetLevel(r.Context(), req.Identity, scope)
	if err != nil {
		respondWithError(h.logger, w, getStatusCode(err), err, "Failed to reset level")
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(map[string]bool{"deleted": deleted}, "Reset processed"))
}

func (h *ThrottleHandler) Inspect(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.Inspect(r.Context(), chi.URLParam(r, "identity"), chi.URLParam(r, "scope"))
	if err != nil {
		respondWithError(h.logger, w, getStatusCode(err), err, "Failed to get throttle record")
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(rec, "Throttle record retrieved successfully"))
}

func (h *ThrottleHandler) Forgive(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	scope := chi.URLParam(r, "scope")

	forgiven, err := h.engine.Forgive(r.Context(), identity, scope)
	if err != nil {
		respondWithError(h.logger, w, getStatusCode(err), err, "Failed to forgive throttle record")
		return
	}
	h.logger.Info("Throttle record forgiven via HTTP",
		util.Scope(scope), util.Bool("existed", forgiven))
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(map[string]bool{"forgiven": forgiven}, "Forgive processed"))
}

func (h *ThrottleHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	report, err := h.sweeper.Run(r.Context())
	if err != nil {
		respondWithError(h.logger, w, getStatusCode(err), err, "Sweep failed")
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(report, "Sweep completed"))
	h.logger.Info("Sweep triggered via HTTP",
		util.Int("deleted", report.Deleted),
		util.Duration("duration", time.Since(startTime)),
	)
}

func (h *ThrottleHandler) decodeIdentity(w http.ResponseWriter, r *http.Request) (identityRequest, bool) {
	var req identityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(h.logger, w, http.StatusBadRequest, err, "Invalid request body")
		return req, false
	}
	if req.Identity == "" {
		respondWithError(h.logger, w, http.StatusBadRequest, errors.New("identity is required"), "Invalid request body")
		return req, false
	}
	return req, true
}
