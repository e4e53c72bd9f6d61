package guard

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"throttle-service/internal/throttle"
	"throttle-service/internal/util"
)

// ThrottledResponse is the machine-readable body of a blocked API request.
type ThrottledResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	Detail     string `json:"detail"`
	RetryAfter int64  `json:"retry_after"`
}

// Guard protects one operation with the engine. Handlers call Check before the
// protected action, RecordAttempt on failure paths and ResetLevel on success.
type Guard struct {
	engine   *throttle.Engine
	cfg      Config
	identity IdentityFunc
	logger   *zap.Logger
}

type Option func(*Guard)

func WithIdentity(fn IdentityFunc) Option {
	return func(g *Guard) { g.identity = fn }
}

func WithLogger(logger *zap.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// New validates cfg and registers it with the engine's registry.
// An incomplete config is a *throttle.ConfigurationError.
func New(engine *throttle.Engine, cfg Config, opts ...Option) (*Guard, error) {
	if engine == nil {
		return nil, &throttle.ConfigurationError{Owner: cfg.Scope, Field: "engine", Reason: "is required"}
	}
	if err := engine.Registry().RegisterSource(cfg); err != nil {
		return nil, err
	}

	g := &Guard{
		engine:   engine,
		cfg:      cfg,
		identity: DefaultIdentity,
		logger:   util.Named("guard").With(util.Scope(cfg.Scope)),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// MustNew is New for package-level wiring; it panics on a configuration error.
func MustNew(engine *throttle.Engine, cfg Config, opts ...Option) *Guard {
	g, err := New(engine, cfg, opts...)
	if err != nil {
		panic(fmt.Sprintf("guard: %v", err))
	}
	return g
}

func (g *Guard) Scope() string {
	return g.cfg.Scope
}

func (g *Guard) Identity(r *http.Request) (string, error) {
	return g.identity(r)
}

// Check evaluates the request's identity against the scope.
func (g *Guard) Check(r *http.Request) (throttle.Decision, error) {
	identity, err := g.identity(r)
	if err != nil {
		return throttle.Decision{}, err
	}
	return g.engine.Evaluate(r.Context(), identity, g.cfg.Scope)
}

func (g *Guard) RecordAttempt(r *http.Request) error {
	identity, err := g.identity(r)
	if err != nil {
		return err
	}
	return g.engine.RecordAttempt(r.Context(), identity, g.cfg.Scope)
}

func (g *Guard) ResetLevel(r *http.Request) (bool, error) {
	identity, err := g.identity(r)
	if err != nil {
		return false, err
	}
	return g.engine.ResetLevel(r.Context(), identity, g.cfg.Scope)
}

// API rejects blocked requests with 429 and a JSON body carrying retry_after.
func (g *Guard) API(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, err := g.Check(r)
		if err != nil {
			g.fail(w, err)
			return
		}
		if d.Blocked {
			WriteThrottled(w, d)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Form answers blocked requests with a flash message and a 303 redirect.
func (g *Guard) Form(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, err := g.Check(r)
		if err != nil {
			g.fail(w, err)
			return
		}
		if !d.Blocked {
			next.ServeHTTP(w, r)
			return
		}

		SetFlash(w, "Too many requests! Try again in "+d.Message()+".")
		target := g.cfg.RedirectURL
		if target == "" {
			target = r.URL.Path
		}
		http.Redirect(w, r, target, http.StatusSeeOther)
	})
}

// WriteThrottled renders a blocked decision as a 429 API response.
func WriteThrottled(w http.ResponseWriter, d throttle.Decision) {
	secs := d.RetrySeconds()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(ThrottledResponse{
		Success:    false,
		Error:      "throttled",
		Detail:     "Too many requests. Try again in " + d.Message() + ".",
		RetryAfter: secs,
	})
}

// fail closes the gate: a request is never let through on an unanswered decision.
func (g *Guard) fail(w http.ResponseWriter, err error) {
	status := http.StatusServiceUnavailable
	switch {
	case errors.Is(err, ErrNoIdentity), errors.Is(err, util.ErrInvalidKeyPart):
		status = http.StatusBadRequest
	case errors.Is(err, throttle.ErrInvalidConfiguration), errors.Is(err, throttle.ErrUnknownScope):
		status = http.StatusInternalServerError
	}
	g.logger.Error("Throttle check failed", util.Int("status_code", status), util.ErrorField(err))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   http.StatusText(status),
	})
}
