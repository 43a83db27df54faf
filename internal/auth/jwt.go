// Package auth extracts the owner identity from bearer tokens. Every API
// resource is scoped to the owner; there is no cross-owner visibility.
package auth

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
)

type contextKey string

const ownerKey contextKey = "owner_id"

// OwnerFromContext returns the authenticated owner id, if any.
func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey).(string)
	return owner, ok && owner != ""
}

// WithOwner stamps an owner id onto the context. Exported for tests.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey, owner)
}

// Middleware authenticates requests. With JWT_SECRET set it requires a valid
// HS256 bearer token and reads the owner from the "sub" claim. Without a
// secret it falls back to the X-Owner-ID header, which keeps local
// development and tests free of token plumbing.
type Middleware struct {
	secret []byte
}

func NewMiddleware() *Middleware {
	return &Middleware{secret: []byte(os.Getenv("JWT_SECRET"))}
}

func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, err := m.owner(r)
		if err != nil {
			log.WithError(err).WithField("path", r.URL.Path).Debug("authentication rejected")
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
	})
}

func (m *Middleware) owner(r *http.Request) (string, error) {
	if len(m.secret) == 0 {
		owner := strings.TrimSpace(r.Header.Get("X-Owner-ID"))
		if owner == "" {
			owner = "default"
		}
		return owner, nil
	}

	header := r.Header.Get("Authorization")
	tokenStr, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", jwt.ErrTokenMalformed
	}

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return m.secret, nil
	})
	if err != nil {
		return "", err
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", jwt.ErrTokenRequiredClaimMissing
	}
	return sub, nil
}
