package guard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
)

// IdentityFunc resolves the caller fingerprint of a request.
type IdentityFunc func(r *http.Request) (string, error)

var ErrNoIdentity = errors.New("request has no resolvable identity")

type contextKey string

const userIDKey contextKey = "throttle_user_id"

// WithUserID marks the request context as authenticated by userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

// DefaultIdentity prefers the authenticated user id and falls back to the client address.
func DefaultIdentity(r *http.Request) (string, error) {
	if id, ok := UserIDFromContext(r.Context()); ok {
		return "user:" + id, nil
	}
	return ClientIP(r)
}

// ClientIP returns the host part of RemoteAddr. Run chi's RealIP middleware
// first when the service sits behind a proxy.
func ClientIP(r *http.Request) (string, error) {
	addr := strings.TrimSpace(r.RemoteAddr)
	if addr == "" {
		return "", ErrNoIdentity
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		// RealIP stores a bare address without a port.
		host = addr
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}
	return "", ErrNoIdentity
}

// HeaderIdentity reads the identity from a trusted header, falling back to DefaultIdentity.
func HeaderIdentity(header string) IdentityFunc {
	return func(r *http.Request) (string, error) {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v, nil
		}
		return DefaultIdentity(r)
	}
}
