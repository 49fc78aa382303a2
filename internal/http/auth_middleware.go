package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/splax/launchpad/internal/jwt"
)

var (
	errMissingToken   = errors.New("missing bearer token")
	errMalformedToken = errors.New("malformed authorization header")
)

type authContextKey struct{}

type authInfo struct {
	UserID string
}

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth resolves the acting user from the access token and stores it
// on the request context. The audit recorder receives the same context so
// access logs carry user_id.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token, err := accessToken(req)
		if err != nil {
			r.logger.Debug("request without credentials", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		claims, err := jwt.Parse(token, r.settings.JWTSecret)
		if err != nil {
			r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path, "ip", clientIP(req))
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		ctx := context.WithValue(req.Context(), authContextKey{}, authInfo{UserID: claims.UserID})
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	info, ok := ctx.Value(authContextKey{}).(authInfo)
	return info, ok && info.UserID != ""
}

// userID returns the authenticated caller or answers 500 when requireAuth
// did not run.
func (r *Router) userID(w http.ResponseWriter, req *http.Request) (string, bool) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return "", false
	}
	return info.UserID, true
}

// accessToken reads the bearer token. Browsers cannot set headers on
// EventSource or WebSocket requests, so GETs may pass ?access_token instead.
func accessToken(req *http.Request) (string, error) {
	header := strings.TrimSpace(req.Header.Get("Authorization"))
	if header == "" {
		if req.Method == http.MethodGet {
			if token := strings.TrimSpace(req.URL.Query().Get("access_token")); token != "" {
				return token, nil
			}
		}
		return "", errMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" || strings.ContainsAny(token, " \t") {
		return "", errMalformedToken
	}
	return token, nil
}
