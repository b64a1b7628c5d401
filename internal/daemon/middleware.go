package daemon

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/hlog"

	"github.com/g960059/tmuxgate/internal/logging"
	"github.com/g960059/tmuxgate/internal/model"
)

const anonymousPrincipal = "anonymous"

type principalKey struct{}

func withPrincipal(ctx context.Context, p model.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// principalFrom returns the caller attached by requireAuth. Handlers outside
// the authenticated group get the zero principal, which the gateway rejects.
func principalFrom(ctx context.Context) model.Principal {
	p, _ := ctx.Value(principalKey{}).(model.Principal)
	return p
}

// requireAuth maps a bearer token onto its configured principal.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Auth.Disabled {
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), model.Principal{Name: anonymousPrincipal, Origin: model.OriginHTTP})))
			return
		}
		name, ok := s.lookupToken(bearerToken(r))
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="tmuxgate"`)
			s.writeError(w, http.StatusUnauthorized, string(model.KindUnauthenticated), model.PublicMessage(model.KindUnauthenticated))
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), model.Principal{Name: name, Origin: model.OriginHTTP})))
	})
}

// lookupToken compares against every configured token so timing does not
// depend on which one matched.
func (s *Server) lookupToken(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	var (
		found string
		ok    bool
	)
	for candidate, name := range s.cfg.Auth.Tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 && name != "" {
			found, ok = name, true
		}
	}
	return found, ok
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// accessLog attaches the server logger to each request and writes one line
// per response.
func (s *Server) accessLog() func(http.Handler) http.Handler {
	withLogger := hlog.NewHandler(s.log)
	access := hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", logging.Sanitize(r.URL.Path)).
			Str("remote", r.RemoteAddr).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("http request")
	})
	return func(next http.Handler) http.Handler {
		return withLogger(access(next))
	}
}
