package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/orchestration-gateway/gateway/internal/gatewayerr"
	"github.com/orchestration-gateway/gateway/internal/store"
)

// tokenView is the dashboard-facing projection of a store.Token; the
// hash never leaves this package.
type tokenView struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	CreatedAt  string  `json:"created_at"`
	LastUsedAt *string `json:"last_used_at,omitempty"`
	Revoked    bool    `json:"revoked"`
}

func newTokenView(t store.Token) tokenView {
	v := tokenView{
		ID:        t.ID,
		Name:      t.Name,
		CreatedAt: t.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		Revoked:   t.RevokedAt.Valid,
	}
	if t.LastUsedAt.Valid {
		formatted := t.LastUsedAt.Time.Format("2006-01-02T15:04:05Z07:00")
		v.LastUsedAt = &formatted
	}
	return v
}

// handleListTokens answers GET /api/tokens.
func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	tokens, err := s.tokens.List(id.user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, newTokenView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": views})
}

// handleCreateToken answers POST /api/tokens and returns the plaintext
// wire value exactly once.
func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())

	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeError(w, gatewayerr.ErrValidation)
		return
	}

	wire, tokenID, err := s.tokens.Mint(id.user.ID, body.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": wire, "token_id": tokenID})
}

// handleRevokeToken answers POST /api/tokens/{id}/revoke.
func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	tokenID := chi.URLParam(r, "id")

	if err := s.tokens.Revoke(id.user.ID, tokenID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleDeleteToken answers DELETE /api/tokens/{id}.
func (s *Server) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	tokenID := chi.URLParam(r, "id")

	if err := s.tokens.Delete(id.user.ID, tokenID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
