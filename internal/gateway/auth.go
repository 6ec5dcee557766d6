package gateway

import (
	"crypto/subtle"
	"net/http"

	"github.com/orchestration-gateway/gateway/internal/gatewayerr"
)

// requireSession resolves the session cookie into an identity and
// rejects the request otherwise, per the auth precedence of §4.3:
// session cookie for every dashboard/API route.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.resolveSession(r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

// requireCSRF rejects state-changing requests whose X-CSRF-Token does
// not match the session's CSRF token.
func (s *Server) requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		id := identityFromContext(r.Context())
		if id == nil || id.session == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		token := r.Header.Get("X-CSRF-Token")
		if subtle.ConstantTimeCompare([]byte(id.session.CSRFToken), []byte(token)) != 1 {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// resolveSession extracts the session cookie, validates it and loads
// the owning user.
func (s *Server) resolveSession(r *http.Request) (*identity, error) {
	cookie, err := r.Cookie(s.cfg.SessionCookieName)
	if err != nil {
		return nil, gatewayerr.ErrAuthMissing
	}
	session, err := s.sessions.Get(cookie.Value)
	if err != nil {
		return nil, err
	}
	user, err := s.users.GetByID(session.UserID)
	if err != nil {
		return nil, err
	}
	return &identity{user: user, session: session}, nil
}

// resolveBearerToken validates a client's wire-format bearer token and
// loads the owning user, for the client WebSocket upgrade.
func (s *Server) resolveBearerToken(wire string) (*identity, error) {
	userID, err := s.tokens.Verify(wire)
	if err != nil {
		return nil, err
	}
	user, err := s.users.GetByID(userID)
	if err != nil {
		return nil, err
	}
	return &identity{user: user}, nil
}
