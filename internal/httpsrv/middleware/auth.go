package middleware

import (
	"net/http"
	"strings"

	"github.com/hashmap-kz/raygo/internal/httpsrv/httputils"
)

// AuthMiddleware guards the control API with a static bearer token.
// It is only installed when main.auth_token is configured.
type AuthMiddleware struct {
	Token string
}

func (m *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			httputils.WriteJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "missing or incorrect token",
			})
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if m.Token == "" || token != m.Token {
			httputils.WriteJSON(w, http.StatusForbidden, map[string]string{
				"error": "missing or incorrect token",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
