package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Principal identifies who asked for a control operation. The two variants
// below are the only implementations; handlers switch on capability, never on
// concrete type.
type Principal interface {
	// Label is the stable identity recorded in the op audit trail.
	Label() string
	// CanControl reports whether lifecycle operations are allowed.
	CanControl() bool
}

// AuthenticatedUser is a caller that presented the configured API token.
type AuthenticatedUser struct {
	TokenName string
}

func (u AuthenticatedUser) Label() string    { return "token:" + u.TokenName }
func (u AuthenticatedUser) CanControl() bool { return true }

// AdminOverrideUser is the principal minted when auth is disabled, so local
// operators still leave an explicit trace in the audit trail.
type AdminOverrideUser struct {
	Reason string
}

func (u AdminOverrideUser) Label() string    { return "admin-override" }
func (u AdminOverrideUser) CanControl() bool { return true }

type principalKeyType string

const principalKey principalKeyType = "botkeeper_principal"

// auth resolves the caller to a Principal or rejects the request. With no
// token configured every caller becomes an admin override.
func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		var pr Principal
		if s.cfg.APIToken == "" {
			pr = AdminOverrideUser{Reason: "auth disabled"}
		} else {
			got := bearerToken(c.Request)
			if got == "" {
				got = strings.TrimSpace(c.Request.Header.Get("X-API-Token"))
			}
			if got == "" {
				// EventSource and WebSocket clients cannot set headers
				got = strings.TrimSpace(c.Query("api_token"))
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.APIToken)) != 1 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "invalid or missing api token"})
				return
			}
			pr = AuthenticatedUser{TokenName: "api"}
		}
		ctx := context.WithValue(c.Request.Context(), principalKey, pr)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// principalFrom returns the request's caller. The auth middleware always sets
// one; the fallback only exists for handlers exercised outside the router.
func principalFrom(ctx context.Context) Principal {
	if pr, ok := ctx.Value(principalKey).(Principal); ok {
		return pr
	}
	return AdminOverrideUser{Reason: "no middleware"}
}
