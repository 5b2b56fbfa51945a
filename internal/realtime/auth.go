package realtime

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"setlist-sync/internal/setlist"
)

// TokenClaims are the access token claims issued by the auth service.
type TokenClaims struct {
	UserID    string `json:"uid"`
	Name      string `json:"name,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

func (c *TokenClaims) Identity() setlist.Identity {
	return setlist.Identity{UserID: c.UserID, DisplayName: c.Name, Avatar: c.Avatar}
}

type ctxClaimsKey struct{}

func claimsFrom(ctx context.Context) (*TokenClaims, bool) {
	c, ok := ctx.Value(ctxClaimsKey{}).(*TokenClaims)
	return c, ok
}

// bearerToken reads the Authorization header, falling back to the token
// query parameter that browsers use for websocket handshakes.
func bearerToken(r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", false
		}
		return parts[1], true
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, true
	}
	return "", false
}

func jwtAuthMiddleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing or invalid Authorization")
				return
			}

			claims := &TokenClaims{}
			token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
				return secret, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid || claims.TokenType != "access" || claims.UserID == "" {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), ctxClaimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
