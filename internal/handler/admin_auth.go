package handler

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"throttle-service/internal/guard"
	"throttle-service/internal/util"
)

// AdminScope throttles failed admin token presentations per client address.
const AdminScope = "admin_auth"

// AdminGuardConfig is the policy applied to bad admin tokens.
var AdminGuardConfig = guard.Config{
	Scope:           AdminScope,
	AllowedAttempts: 10,
	BaseWindow:      5 * time.Minute,
	MaxLevel:        5,
	ResetThreshold:  3,
}

var errInvalidToken = errors.New("invalid admin token")

// AdminAuth checks the bearer token. Each bad token is a recorded attempt and
// each good one resets the caller's level.
type AdminAuth struct {
	token  string
	guard  *guard.Guard
	logger *zap.Logger
}

func NewAdminAuth(token string, g *guard.Guard, logger *zap.Logger) *AdminAuth {
	return &AdminAuth{token: token, guard: g, logger: logger}
}

func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return a.guard.API(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token == "" {
			next.ServeHTTP(w, r)
			return
		}

		if !a.valid(r) {
			if err := a.guard.RecordAttempt(r); err != nil {
				a.logger.Error("Failed to record admin auth attempt", util.ErrorField(err))
			}
			respondWithError(a.logger, w, http.StatusUnauthorized, errInvalidToken, "Unauthorized")
			return
		}

		if _, err := a.guard.ResetLevel(r); err != nil {
			a.logger.Warn("Failed to reset admin auth level", util.ErrorField(err))
		}
		next.ServeHTTP(w, r)
	}))
}

func (a *AdminAuth) valid(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(a.token)) == 1
}
