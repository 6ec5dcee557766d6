package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/orchestration-gateway/gateway/internal/store"
)

// publicProxyPaths do not require a session: when none is present the
// owning user is resolved from the client_id instead, so a client's own
// service worker can fetch its offline manifest before the browser is
// logged in, per §4.4.
var publicProxyPaths = map[string]bool{
	"manifest.json": true,
	"sw.js":         true,
	"favicon.ico":   true,
}

const publicProxyPrefix = "icons/"

func isPublicProxyPath(path string) bool {
	normalized := strings.TrimPrefix(path, "/")
	if publicProxyPaths[normalized] {
		return true
	}
	return strings.HasPrefix(normalized, publicProxyPrefix)
}

// hopByHopHeaders are stripped from both the inbound request and the
// client's response, per §4.4 step 3.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"host":                true,
}

// handleProxy implements the HTTP proxy adapter: it resolves the
// caller's user_id (session cookie, or the public-asset/client_id
// fallback), strips hop-by-hop headers, injects the orchestrator
// identity headers, and hands the request to the owning UserHub's
// proxy_http operation.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "id")
	subpath := chi.URLParam(r, "*")
	isPublic := isPublicProxyPath(subpath)

	user, ok := s.resolveProxyUser(r, clientID, isPublic)
	if !ok {
		if isPublic {
			http.Error(w, "Client not found", http.StatusNotFound)
			return
		}
		if isFetchRequest(r) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	headers := make(http.Header)
	for key, values := range r.Header {
		if hopByHopHeaders[strings.ToLower(key)] {
			continue
		}
		for _, v := range values {
			headers.Add(key, v)
		}
	}
	headers.Set("X-Orchestrator-User-Id", strconv.FormatInt(user.ExternalID, 10))
	headers.Set("X-Orchestrator-Username", user.Login)

	var body []byte
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		body = b
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ProxyTimeout)
	defer cancel()

	result, err := s.hubs.Get(user.ID).ProxyHTTP(ctx, clientID, r.Method, "/"+subpath, r.URL.RawQuery, headers, body)
	if err != nil {
		writeError(w, err)
		return
	}

	for key, values := range result.Headers {
		if hopByHopHeaders[strings.ToLower(key)] {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(result.Status)
	_, _ = io.Copy(w, bytes.NewReader(result.Body))
}

// resolveProxyUser implements §4.4 step 1: session cookie first,
// falling back to a client_id lookup only for the public-asset
// allow-list.
func (s *Server) resolveProxyUser(r *http.Request, clientID string, isPublic bool) (*store.User, bool) {
	if id, err := s.resolveSession(r); err == nil {
		return id.user, true
	}
	if !isPublic {
		return nil, false
	}

	userID, err := s.clientsRepo.UserIDForClient(clientID)
	if err != nil {
		return nil, false
	}
	user, err := s.users.GetByID(userID)
	if err != nil {
		return nil, false
	}
	return user, true
}

// isFetchRequest distinguishes a page navigation (Sec-Fetch-Mode:
// navigate) from a background fetch, so an unauthenticated fetch gets
// a 401 instead of a redirect a CORS-restricted client can't follow.
func isFetchRequest(r *http.Request) bool {
	mode := r.Header.Get("Sec-Fetch-Mode")
	return mode != "" && mode != "navigate"
}
