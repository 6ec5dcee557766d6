// Package userhub implements the per-user Hub actor: the single
// source of truth for one tenant's fleet of clients and attached
// browser subscribers.
package userhub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/orchestration-gateway/gateway/internal/gatewayerr"
	"github.com/orchestration-gateway/gateway/internal/protocol"
	"github.com/orchestration-gateway/gateway/internal/store"
)

const (
	broadcastQueueSize = 1024
	panicRecoveryDelay = 100 * time.Millisecond
)

type inboundFrame struct {
	socket *Socket
	msg    *protocol.Message
}

type inFlightRequest struct {
	clientID string
	browser  *Socket
}

// opRequest lets synchronous callers (HTTP handlers, the dashboard
// JSON endpoints) run a closure inside the actor and get a typed
// result back without the caller needing its own protocol frame.
type opRequest struct {
	run func(h *Hub)
}

// Hub is the single-threaded actor owning all live state for one
// user's fleet: at most one operation is in flight at a time.
type Hub struct {
	userID string
	log    zerolog.Logger

	clientsRepo  *store.Clients
	httpClient   *http.Client
	proxyTimeout time.Duration

	sockets    map[*Socket]bool
	byClientID map[string]*Socket
	browsers   map[*Socket]bool
	inFlight   map[string]*inFlightRequest

	register   chan *Socket
	unregister chan *Socket
	inbound    chan inboundFrame
	ops        chan opRequest
	broadcasts chan []byte
}

// New constructs a Hub for userID. Call Run to start its actor loop.
func New(userID string, log zerolog.Logger, clientsRepo *store.Clients, proxyTimeout time.Duration) *Hub {
	return &Hub{
		userID:       userID,
		log:          log.With().Str("component", "userhub").Str("user_id", userID).Logger(),
		clientsRepo:  clientsRepo,
		httpClient:   &http.Client{Timeout: proxyTimeout},
		proxyTimeout: proxyTimeout,
		sockets:      make(map[*Socket]bool),
		byClientID:   make(map[string]*Socket),
		browsers:     make(map[*Socket]bool),
		inFlight:     make(map[string]*inFlightRequest),
		register:     make(chan *Socket),
		unregister:   make(chan *Socket),
		inbound:      make(chan inboundFrame, 256),
		ops:          make(chan opRequest),
		broadcasts:   make(chan []byte, broadcastQueueSize),
	}
}

// Run starts the hub's actor loop and its decoupled broadcast loop. It
// blocks until ctx is cancelled. On wake it reconciles durable state
// against its (empty) live-socket set before accepting operations.
func (h *Hub) Run(ctx context.Context) {
	h.reconcile()

	go h.broadcastLoop(ctx)

	for {
		if err := h.runLoop(ctx); err != nil {
			if err == context.Canceled || err == context.DeadlineExceeded {
				h.log.Info().Msg("hub shutting down")
				return
			}
			h.log.Error().Err(err).Msg("hub loop crashed, restarting")
			time.Sleep(panicRecoveryDelay)
		}
	}
}

func (h *Hub) runLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hub panic: %v\n%s", r, debug.Stack())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-h.register:
			h.handleRegister(s)
		case s := <-h.unregister:
			h.handleUnregister(s)
		case f := <-h.inbound:
			h.handleInbound(f.socket, f.msg)
		case op := <-h.ops:
			op.run(h)
		}
	}
}

// do runs fn inside the actor and blocks for its result. Used by
// synchronous operations (list_clients, disconnect_client, proxy_http)
// invoked from outside the socket message loop.
func (h *Hub) do(fn func(h *Hub)) {
	done := make(chan struct{})
	h.ops <- opRequest{run: func(h *Hub) {
		fn(h)
		close(done)
	}}
	<-done
}

// reconcile rehydrates in-memory state after the hub starts with no
// live sockets: every durable record not already disconnected has no
// matching live socket yet, so it is promoted to disconnected and
// browsers (none attached yet on first wake, but this also runs
// defensively) are notified.
func (h *Hub) reconcile() {
	records, err := h.clientsRepo.ListByUser(h.userID)
	if err != nil {
		h.log.Error().Err(err).Msg("reconciliation: failed to list client records")
		return
	}

	promoted := 0
	for _, rec := range records {
		if rec.Status == "disconnected" {
			continue
		}
		if h.byClientID[rec.ID] != nil {
			continue // live socket tag already matches
		}
		if err := h.clientsRepo.MarkDisconnected(rec.ID); err != nil {
			h.log.Error().Err(err).Str("client_id", rec.ID).Msg("reconciliation: failed to mark disconnected")
			continue
		}
		promoted++
		h.queueBroadcast(protocol.TypeClientUpdate, protocol.ClientUpdatePayload{
			Client: clientView(rec, "disconnected"),
		})
	}
	if promoted > 0 {
		h.log.Info().Int("promoted", promoted).Msg("reconciliation complete")
	}
}

// AttachClientWS registers a client socket, tagged with clientID at
// accept time so reconciliation can match it against durable state
// even before a register frame arrives.
func (h *Hub) AttachClientWS(conn *websocket.Conn, clientID string) *Socket {
	s := newSocket(conn, RoleClient, clientID, h)
	h.register <- s
	go s.writePump()
	go s.readPump(h.log)
	return s
}

// AttachBrowserWS registers a browser subscriber socket.
func (h *Hub) AttachBrowserWS(conn *websocket.Conn) *Socket {
	s := newSocket(conn, RoleBrowser, "", h)
	h.register <- s
	go s.writePump()
	go s.readPump(h.log)
	return s
}

func (h *Hub) handleRegister(s *Socket) {
	h.sockets[s] = true
	switch s.role {
	case RoleBrowser:
		h.browsers[s] = true
	case RoleClient:
		if s.clientID != "" {
			if old, ok := h.byClientID[s.clientID]; ok && old != s {
				old.Close()
			}
			h.byClientID[s.clientID] = s
		}
	}
	h.log.Debug().Str("role", string(s.role)).Str("client_id", s.clientID).Msg("socket attached")
}

func (h *Hub) handleUnregister(s *Socket) {
	if _, ok := h.sockets[s]; !ok {
		return
	}
	delete(h.sockets, s)
	delete(h.browsers, s)

	var disconnectedClientID string
	if s.role == RoleClient && s.clientID != "" && h.byClientID[s.clientID] == s {
		delete(h.byClientID, s.clientID)
		disconnectedClientID = s.clientID
	}
	s.Close()

	// Any in-flight requests owned by this socket die with it.
	for reqID, fr := range h.inFlight {
		if fr.browser == s || (disconnectedClientID != "" && fr.clientID == disconnectedClientID) {
			delete(h.inFlight, reqID)
		}
	}

	if disconnectedClientID == "" {
		return
	}
	if err := h.clientsRepo.MarkDisconnected(disconnectedClientID); err != nil {
		h.log.Error().Err(err).Str("client_id", disconnectedClientID).Msg("failed to mark disconnected")
		return
	}
	h.queueBroadcast(protocol.TypeClientDisconnected, protocol.ClientDisconnectedPayload{ClientID: disconnectedClientID})
}

func (h *Hub) handleInbound(s *Socket, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeRegister:
		h.handleClientRegister(s, msg)
	case protocol.TypeStatusUpdate:
		h.handleStatusUpdate(s, msg)
	case protocol.TypePing:
		h.handlePing(s, msg)
	case protocol.TypeResponseChunk:
		h.handleResponseChunk(msg)
	case protocol.TypeResponseComplete:
		h.handleResponseComplete(msg)
	case protocol.TypeGetClients:
		h.handleGetClients(s)
	case protocol.TypeConnectClient:
		h.handleConnectClient(s, msg)
	case protocol.TypeForwardToClient:
		h.handleForwardToClient(s, msg)
	default:
		s.SendMessage(protocol.TypeError, protocol.ErrorPayload{Message: "unknown message type: " + msg.Type})
	}
}

func (h *Hub) handleClientRegister(s *Socket, msg *protocol.Message) {
	var payload protocol.RegisterPayload
	if err := msg.ParsePayload(&payload); err != nil {
		s.SendMessage(protocol.TypeError, protocol.ErrorPayload{Message: "malformed register payload"})
		return
	}

	if old, ok := h.byClientID[payload.ClientID]; ok && old != s {
		old.Close()
	}
	s.clientID = payload.ClientID
	h.byClientID[payload.ClientID] = s

	now := time.Now().UTC()
	status := payload.Metadata.Status
	if status == "" {
		status = "idle"
	}
	rec := store.ClientRecord{
		ID:          payload.ClientID,
		UserID:      h.userID,
		Hostname:    payload.Metadata.Hostname,
		Project:     payload.Metadata.Project,
		Status:      status,
		ConnectedAt: now,
		LastSeen:    now,
	}
	if payload.Metadata.LastActivity != "" {
		rec.LastActivity.String, rec.LastActivity.Valid = payload.Metadata.LastActivity, true
	}
	if payload.Metadata.CallbackURL != "" {
		rec.CallbackURL.String, rec.CallbackURL.Valid = payload.Metadata.CallbackURL, true
	}

	if err := h.clientsRepo.Upsert(rec); err != nil {
		h.log.Error().Err(err).Str("client_id", payload.ClientID).Msg("failed to persist register")
		s.SendMessage(protocol.TypeRegistered, protocol.RegisteredPayload{Success: false, Message: "storage error"})
		return
	}

	s.SendMessage(protocol.TypeRegistered, protocol.RegisteredPayload{Success: true})
	h.queueBroadcast(protocol.TypeClientUpdate, protocol.ClientUpdatePayload{Client: clientView(rec, rec.Status)})
}

func (h *Hub) handleStatusUpdate(s *Socket, msg *protocol.Message) {
	var payload protocol.StatusUpdatePayload
	if err := msg.ParsePayload(&payload); err != nil {
		s.SendMessage(protocol.TypeError, protocol.ErrorPayload{Message: "malformed status_update payload"})
		return
	}

	now := time.Now().UTC()
	if err := h.clientsRepo.UpdateStatus(payload.ClientID, payload.Status, now); err != nil {
		h.log.Error().Err(err).Str("client_id", payload.ClientID).Msg("failed to update status")
		return
	}
	rec, err := h.clientsRepo.Get(payload.ClientID)
	if err != nil {
		return
	}
	h.queueBroadcast(protocol.TypeClientUpdate, protocol.ClientUpdatePayload{Client: clientView(*rec, rec.Status)})
}

func (h *Hub) handlePing(s *Socket, msg *protocol.Message) {
	var payload protocol.PingPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return
	}
	_ = h.clientsRepo.TouchLastSeen(payload.ClientID, time.Now().UTC())
	s.SendMessage(protocol.TypePong, protocol.PongPayload{ClientID: payload.ClientID})
}

func (h *Hub) handleGetClients(s *Socket) {
	h.browsers[s] = true
	records, err := h.clientsRepo.ListByUser(h.userID)
	if err != nil {
		s.SendMessage(protocol.TypeError, protocol.ErrorPayload{Message: "failed to list clients"})
		return
	}
	s.SendMessage(protocol.TypeClientList, protocol.ClientListPayload{Clients: clientViews(records)})
}

func (h *Hub) handleConnectClient(s *Socket, msg *protocol.Message) {
	var payload protocol.ConnectClientPayload
	if err := msg.ParsePayload(&payload); err != nil {
		s.SendMessage(protocol.TypeError, protocol.ErrorPayload{Message: "malformed connect_client payload"})
		return
	}
	_, live := h.byClientID[payload.ClientID]
	resp := protocol.ConnectResponsePayload{Success: live, ClientID: payload.ClientID}
	if !live {
		resp.Message = "client not connected"
	}
	s.SendMessage(protocol.TypeConnectResponse, resp)
}

func (h *Hub) handleForwardToClient(s *Socket, msg *protocol.Message) {
	var payload protocol.ForwardToClientPayload
	if err := msg.ParsePayload(&payload); err != nil {
		s.SendMessage(protocol.TypeError, protocol.ErrorPayload{Message: "malformed forward_to_client payload"})
		return
	}

	target, live := h.byClientID[payload.ClientID]
	if !live {
		s.SendMessage(protocol.TypeForwardedResponse, protocol.ForwardedResponsePayload{
			ClientID:  payload.ClientID,
			RequestID: payload.RequestID,
			Error:     true,
			Complete:  true,
		})
		if err := h.clientsRepo.MarkDisconnected(payload.ClientID); err == nil {
			if rec, err := h.clientsRepo.Get(payload.ClientID); err == nil {
				h.queueBroadcast(protocol.TypeClientUpdate, protocol.ClientUpdatePayload{Client: clientView(*rec, "disconnected")})
			}
		}
		return
	}

	h.inFlight[payload.RequestID] = &inFlightRequest{clientID: payload.ClientID, browser: s}
	target.SendMessage(protocol.TypeUserReq, protocol.UserRequestPayload{
		RequestID: payload.RequestID,
		Action:    payload.Action,
		Payload:   payload.Payload,
	})
}

func (h *Hub) handleResponseChunk(msg *protocol.Message) {
	var payload protocol.ResponseChunkPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return
	}
	fr, ok := h.inFlight[payload.RequestID]
	if !ok {
		return
	}
	fr.browser.SendMessage(protocol.TypeForwardedResponse, protocol.ForwardedResponsePayload{
		ClientID:  fr.clientID,
		RequestID: payload.RequestID,
		Data:      payload.Data,
		Complete:  false,
	})
}

func (h *Hub) handleResponseComplete(msg *protocol.Message) {
	var payload protocol.ResponseCompletePayload
	if err := msg.ParsePayload(&payload); err != nil {
		return
	}
	fr, ok := h.inFlight[payload.RequestID]
	if !ok {
		return
	}
	delete(h.inFlight, payload.RequestID)
	fr.browser.SendMessage(protocol.TypeForwardedResponse, protocol.ForwardedResponsePayload{
		ClientID:  fr.clientID,
		RequestID: payload.RequestID,
		Data:      payload.Data,
		Complete:  true,
	})
}

// ListClients runs the list_clients operation synchronously from
// outside the actor (the dashboard JSON endpoints).
func (h *Hub) ListClients() ([]protocol.ClientView, error) {
	var views []protocol.ClientView
	var opErr error
	h.do(func(h *Hub) {
		records, err := h.clientsRepo.ListByUser(h.userID)
		if err != nil {
			opErr = fmt.Errorf("%w: %v", gatewayerr.ErrInternal, err)
			return
		}
		views = clientViews(records)
	})
	return views, opErr
}

// DisconnectClient runs the disconnect_client operation.
func (h *Hub) DisconnectClient(clientID string) error {
	var opErr error
	h.do(func(h *Hub) {
		s, ok := h.byClientID[clientID]
		if !ok {
			if _, err := h.clientsRepo.Get(clientID); err != nil {
				opErr = fmt.Errorf("client %s: %w", clientID, gatewayerr.ErrNotFound)
				return
			}
		} else {
			s.CloseWithCode(1000, "Disconnected by user")
		}
		if err := h.clientsRepo.MarkDisconnected(clientID); err != nil {
			opErr = fmt.Errorf("%w: %v", gatewayerr.ErrInternal, err)
			return
		}
		h.queueBroadcast(protocol.TypeClientDisconnected, protocol.ClientDisconnectedPayload{ClientID: clientID})
	})
	return opErr
}

// ProxyResult is the {status, headers, body} envelope returned to the
// HTTP proxy adapter.
type ProxyResult struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// ProxyHTTP runs the proxy_http operation: looks up the client's
// callback URL and performs the outbound fetch. This suspends the
// actor for the duration of the outbound call, per the concurrency
// model's allowed suspension points.
func (h *Hub) ProxyHTTP(ctx context.Context, clientID, method, path, query string, headers http.Header, body []byte) (*ProxyResult, error) {
	var result *ProxyResult
	var opErr error
	h.do(func(h *Hub) {
		rec, err := h.clientsRepo.Get(clientID)
		if err != nil {
			opErr = fmt.Errorf("client %s: %w", clientID, gatewayerr.ErrNotFound)
			return
		}
		if !rec.CallbackURL.Valid || rec.CallbackURL.String == "" {
			opErr = fmt.Errorf("client %s: %w", clientID, gatewayerr.ErrUnavailable)
			return
		}

		url := rec.CallbackURL.String + path
		if query != "" {
			url += "?" + query
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			opErr = fmt.Errorf("%w: %v", gatewayerr.ErrInternal, err)
			return
		}
		req.Header = headers.Clone()

		resp, err := h.httpClient.Do(req)
		if err != nil {
			opErr = fmt.Errorf("client %s: %w: %v", clientID, gatewayerr.ErrUpstream, err)
			return
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			opErr = fmt.Errorf("client %s: %w: %v", clientID, gatewayerr.ErrUpstream, err)
			return
		}

		result = &ProxyResult{Status: resp.StatusCode, Headers: resp.Header, Body: respBody}
	})
	return result, opErr
}

func (h *Hub) broadcastLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("broadcast loop crashed")
			if ctx.Err() == nil {
				go h.broadcastLoop(ctx)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-h.broadcasts:
			// The browser set belongs to the actor, so the fan-out runs
			// as an actor operation rather than on this goroutine.
			select {
			case h.ops <- opRequest{run: func(h *Hub) { h.doBroadcast(data) }}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (h *Hub) doBroadcast(data []byte) {
	for s := range h.browsers {
		s.SafeSend(data)
	}
}

func (h *Hub) queueBroadcast(msgType string, payload any) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to build broadcast frame")
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal broadcast frame")
		return
	}
	select {
	case h.broadcasts <- data:
	default:
		h.log.Warn().Str("type", msgType).Msg("broadcast queue full, dropping message")
	}
}

func clientView(rec store.ClientRecord, status string) protocol.ClientView {
	v := protocol.ClientView{
		ID:            rec.ID,
		Hostname:      rec.Hostname,
		Project:       rec.Project,
		Status:        status,
		ConnectedAt:   rec.ConnectedAt.Format(time.RFC3339),
		LastSeen:      rec.LastSeen.Format(time.RFC3339),
		LastSeenHuman: humanize.Time(rec.LastSeen),
	}
	if rec.LastActivity.Valid {
		v.LastActivity = rec.LastActivity.String
	}
	return v
}

func clientViews(records []store.ClientRecord) []protocol.ClientView {
	views := make([]protocol.ClientView, 0, len(records))
	for _, rec := range records {
		views = append(views, clientView(rec, rec.Status))
	}
	return views
}
