package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/orchestration-gateway/gateway/internal/gatewayerr"
	"github.com/orchestration-gateway/gateway/internal/pendinghub"
)

// handleListPending answers GET /api/pending with every parked client
// whose claim patterns match the caller's identity. org/team
// membership is not a concept this gateway's own store tracks (it
// belongs to the external identity provider), so the caller supplies
// it as query parameters, same as the GitHub login defaults to the
// session's own login when not overridden.
func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())

	githubLogin := r.URL.Query().Get("github_login")
	if githubLogin == "" {
		githubLogin = id.user.Login
	}
	orgs := pendinghub.ParseClaimPatterns(r.URL.Query().Get("orgs"))
	teams := pendinghub.ParseClaimPatterns(r.URL.Query().Get("teams"))

	views := s.pending.ListForUser(githubLogin, orgs, teams)
	writeJSON(w, http.StatusOK, map[string]any{"pending": views})
}

// handleClaimPending answers POST /api/pending/{pendingID}/claim. The
// claiming identity is always the authenticated session's user, never
// a caller-supplied id, mirroring the rule that trust boundaries never
// cross from request body into authorization decisions.
func (s *Server) handleClaimPending(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	pendingID := chi.URLParam(r, "pendingID")

	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	if !s.claimLimiter.Allow(ip) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many claim attempts, please wait"})
		return
	}

	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeError(w, gatewayerr.ErrValidation)
		return
	}

	clientID, tokenID, err := s.pending.Claim(pendingID, id.user.ID, body.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"client_id": clientID,
		"token_id":  tokenID,
	})
}
