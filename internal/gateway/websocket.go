package gateway

import (
	"net/http"

	"github.com/orchestration-gateway/gateway/internal/pendinghub"
)

// handleWSConnect dispatches a WebSocket upgrade to either a browser
// subscription (session cookie) or a client connection (bearer token
// in the query string), per §4.3.
func (s *Server) handleWSConnect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("type") == "browser" {
		id, err := s.resolveSession(r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := s.wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Debug().Err(err).Msg("websocket upgrade failed")
			return
		}
		s.hubs.Get(id.user.ID).AttachBrowserWS(conn)
		return
	}

	token := q.Get("token")
	clientID := q.Get("client_id")
	if token == "" || clientID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := s.resolveBearerToken(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.hubs.Get(id.user.ID).AttachClientWS(conn, clientID)
}

// handleWSPending upgrades an unauthenticated connection into the
// PendingHub, requiring at least one claim pattern in the query
// string.
func (s *Server) handleWSPending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	allowedUsers := pendinghub.ParseClaimPatterns(q.Get("user"))
	allowedOrgs := pendinghub.ParseClaimPatterns(q.Get("org"))
	allowedTeams := pendinghub.ParseClaimPatterns(q.Get("team"))

	if len(allowedUsers) == 0 && len(allowedOrgs) == 0 && len(allowedTeams) == 0 {
		http.Error(w, "at least one claim pattern required (user, org, or team)", http.StatusBadRequest)
		return
	}

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("pending websocket upgrade failed")
		return
	}

	if _, err := s.pending.AttachWS(conn, allowedUsers, allowedOrgs, allowedTeams,
		q.Get("ip"), q.Get("country"), q.Get("city"), q.Get("region")); err != nil {
		s.log.Warn().Err(err).Msg("failed to attach pending client")
		_ = conn.Close()
	}
}
