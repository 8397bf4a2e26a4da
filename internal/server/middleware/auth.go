package middleware

import (
	"log/slog"
	"net/http"

	"github.com/a-essam23/livepoll/pkg/state"
	"github.com/golang-jwt/jwt/v5"
)

const (
	TokenCookie = "session-token"
	TokenQuery  = "token"
)

type PermissionCompiler func(names []string) (state.Permission, error)

// AppClaims defines our custom JWT claims structure.
type AppClaims struct {
	Permissions []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// NewAuthMiddleware resolves the permissions of the connecting client.
//
// With an empty jwtSecret auth is off and every client gets state.PermAll.
// Otherwise a client without a token gets anonymous, and a client with a token
// gets the permissions named in its "perms" claim. A token that fails to
// validate is refused outright.
func NewAuthMiddleware(logger *slog.Logger, jwtSecret string, anonymous state.Permission, pCompiler PermissionCompiler) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

			// couldn't extract metadata from request so something went wrong with previous middlewares
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			if jwtSecret == "" {
				reqMeta.Permissions = state.PermAll
				next.ServeHTTP(w, r)
				return
			}

			tokenString := tokenFrom(r)
			if tokenString == "" {
				logger.Debug("No token presented, continuing as anonymous", slog.String("ip", reqMeta.IP))
				reqMeta.Permissions = anonymous
				next.ServeHTTP(w, r)
				return
			}

			// Parse and validate the JWT token with HMAC signing
			token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(jwtSecret), nil
			})

			// Reject token if invalid
			if err != nil || !token.Valid {
				logger.Warn("Invalid JWT token presented", slog.String("ip", reqMeta.IP), slog.Any("error", err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, ok := token.Claims.(*AppClaims)
			if !ok || claims.Subject == "" {
				logger.Warn("Valid token missing 'sub' claim", slog.String("ip", reqMeta.IP))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			perms, err := pCompiler(claims.Permissions)
			if err != nil {
				logger.Error("Token contains unknown permissions",
					slog.String("ip", reqMeta.IP),
					slog.Any("error", err),
				)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			reqMeta.Subject = claims.Subject
			reqMeta.Permissions = perms
			logger.Debug("Token accepted", slog.String("sub", claims.Subject), slog.String("ip", reqMeta.IP))
			next.ServeHTTP(w, r)
		})
	}
}

// Browsers cannot set headers on a WebSocket handshake, so the token travels
// in a cookie or the query string.
func tokenFrom(r *http.Request) string {
	if cookie, err := r.Cookie(TokenCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.URL.Query().Get(TokenQuery)
}
