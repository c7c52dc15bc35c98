package auth

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/officialexam/exam-api/internal/httputil"
	"github.com/officialexam/exam-api/internal/users"
)

type ctxKey string

const (
	ctxIdentity        ctxKey = "identity"
	ctxRefreshIdentity ctxKey = "refreshIdentity"
)

// Identity is the verified access token subject.
type Identity struct {
	UserID string
	Email  string
	Role   users.Role
}

// RefreshIdentity is the verified refresh token together with its raw
// value, which the engine compares against the stored hash.
type RefreshIdentity struct {
	UserID string
	JTI    string
	Token  string
}

// Guard authenticates requests before they reach a handler.
type Guard struct {
	codec *TokenCodec
}

func NewGuard(codec *TokenCodec) *Guard {
	return &Guard{codec: codec}
}

// RequireAccess accepts "Authorization: Bearer <access token>".
func (g *Guard) RequireAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		raw, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			httputil.WriteError(w, r, http.StatusUnauthorized, "Unauthorized")
			return
		}
		claims, err := g.codec.VerifyAccess(raw)
		if err != nil {
			httputil.WriteError(w, r, http.StatusUnauthorized, "Unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), ctxIdentity, Identity{
			UserID: claims.Subject,
			Email:  claims.Email,
			Role:   claims.Role,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the credential of a Bearer authorization header. The
// scheme name is case-insensitive.
func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	raw := strings.TrimSpace(header[len(prefix):])
	return raw, raw != ""
}

// RequireRefresh accepts the refresh token cookie.
func (g *Guard) RequireRefresh(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		c, err := r.Cookie(RefreshCookie)
		if err != nil || c.Value == "" {
			httputil.WriteError(w, r, http.StatusUnauthorized, "Unauthorized")
			return
		}
		claims, err := g.codec.VerifyRefresh(c.Value)
		if err != nil {
			httputil.WriteError(w, r, http.StatusUnauthorized, "Unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), ctxRefreshIdentity, RefreshIdentity{
			UserID: claims.Subject,
			JTI:    claims.ID,
			Token:  c.Value,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole must be mounted after RequireAccess.
func RequireRole(roles ...users.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			id, ok := IdentityFrom(r.Context())
			if !ok {
				httputil.WriteError(w, r, http.StatusUnauthorized, "Unauthorized")
				return
			}
			if !slices.Contains(roles, id.Role) {
				httputil.WriteError(w, r, http.StatusForbidden, "Forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxIdentity).(Identity)
	return id, ok
}

func RefreshIdentityFrom(ctx context.Context) (RefreshIdentity, bool) {
	id, ok := ctx.Value(ctxRefreshIdentity).(RefreshIdentity)
	return id, ok
}
