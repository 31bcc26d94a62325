package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/birdtag/birdtag/internal/ctxkeys"
	"github.com/birdtag/birdtag/internal/model"
)

// TokenVerifier turns a bearer token into the calling principal.
type TokenVerifier interface {
	VerifyJWT(token string) (model.Principal, error)
}

// RequireAuth rejects requests without a valid bearer token and stores the
// principal in the request context.
func RequireAuth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="birdtag"`)
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}

			principal, err := verifier.VerifyJWT(token)
			if err != nil {
				slog.Debug("rejected bearer token", "error", err, "path", r.URL.Path)
				w.Header().Set("WWW-Authenticate", `Bearer realm="birdtag", error="invalid_token"`)
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(ctxkeys.WithPrincipal(r.Context(), principal)))
		})
	}
}

// RequireWebhookToken guards the object-store webhook with a shared secret,
// sent either as a bearer token or in X-Webhook-Token. An empty secret
// disables the check.
func RequireWebhookToken(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}

			got := r.Header.Get("X-Webhook-Token")
			if got == "" {
				got, _ = bearerToken(r)
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				slog.Warn("webhook token mismatch", "ip", getClientIP(r))
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid webhook token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
