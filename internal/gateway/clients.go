package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/orchestration-gateway/gateway/internal/gatewayerr"
)

// handleListClients answers GET /clients with every ClientRecord
// belonging to the caller's UserHub.
func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	views, err := s.hubs.Get(id.user.ID).ListClients()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": views})
}

// handleClientDetails answers GET /clients/{id} and GET /clients/{id}/details,
// both of which return the same single-record snapshot.
func (s *Server) handleClientDetails(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	clientID := chi.URLParam(r, "id")

	views, err := s.hubs.Get(id.user.ID).ListClients()
	if err != nil {
		writeError(w, err)
		return
	}
	for _, v := range views {
		if v.ID == clientID {
			writeJSON(w, http.StatusOK, v)
			return
		}
	}
	writeError(w, gatewayerr.ErrNotFound)
}

// handleDisconnectClient answers POST /api/clients/{id}/disconnect.
func (s *Server) handleDisconnectClient(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	clientID := chi.URLParam(r, "id")

	if err := s.hubs.Get(id.user.ID).DisconnectClient(clientID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
