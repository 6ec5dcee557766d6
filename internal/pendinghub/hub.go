// Package pendinghub implements the single, process-wide actor that
// holds unauthorized client connections while they wait to be claimed
// by a dashboard user. It is the Go analogue of a singleton Durable
// Object: one goroutine, one mailbox, no locks past construction.
package pendinghub

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/orchestration-gateway/gateway/internal/gatewayerr"
	"github.com/orchestration-gateway/gateway/internal/protocol"
	"github.com/orchestration-gateway/gateway/internal/store"
)

const panicRecoveryDelay = 100 * time.Millisecond

// sweepInterval governs how often expired pending clients are evicted.
// The original source reschedules a single Durable Object alarm for
// exactly the oldest expiry; a periodic sweep is the idiomatic
// goroutine equivalent and costs nothing extra since the hub already
// owns a long-lived loop.
const sweepInterval = 30 * time.Second

type inboundFrame struct {
	socket *Socket
	msg    *protocol.Message
}

type opRequest struct {
	run func(h *Hub)
}

// pendingClient is a connection waiting for a dashboard user matching
// one of its claim patterns to authorize it.
type pendingClient struct {
	socket   *Socket
	pendingID string

	hostname string
	project  string
	platform string

	ipAddress string
	country   string
	city      string
	region    string

	connectedAt time.Time

	allowedUsers []string
	allowedOrgs  []string
	allowedTeams []string
}

// Hub is the PendingHub actor. A single instance is shared by the
// whole gateway process; every pending client, regardless of which
// tenant may eventually claim it, lives in this one hub.
type Hub struct {
	log    zerolog.Logger
	tokens *store.Tokens
	ttl    time.Duration

	clients map[string]*pendingClient

	register   chan *pendingClient
	unregister chan *Socket
	inbound    chan inboundFrame
	ops        chan opRequest
}

// New constructs a PendingHub. ttl is how long an unclaimed connection
// is kept alive before it is sent authorization_timeout and closed.
func New(log zerolog.Logger, tokens *store.Tokens, ttl time.Duration) *Hub {
	return &Hub{
		log:        log.With().Str("component", "pendinghub").Logger(),
		tokens:     tokens,
		ttl:        ttl,
		clients:    make(map[string]*pendingClient),
		register:   make(chan *pendingClient),
		unregister: make(chan *Socket),
		inbound:    make(chan inboundFrame),
		ops:        make(chan opRequest),
	}
}

// Run drives the actor loop until ctx is cancelled, restarting after
// any panic in a handler rather than taking the whole hub down.
func (h *Hub) Run(ctx context.Context) {
	for {
		if err := h.runLoop(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			h.log.Error().Err(err).Msg("pendinghub loop restarting after panic")
			time.Sleep(panicRecoveryDelay)
			continue
		}
		return
	}
}

func (h *Hub) runLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pc := <-h.register:
			h.handleRegister(pc)
		case s := <-h.unregister:
			h.handleUnregister(s)
		case f := <-h.inbound:
			h.handleInbound(f.socket, f.msg)
		case op := <-h.ops:
			op.run(h)
		case <-ticker.C:
			h.cleanupExpired()
		}
	}
}

// do runs fn inside the actor and blocks until it completes, giving
// synchronous HTTP-handler callers (list, claim) the same single-actor
// serialization as socket traffic.
func (h *Hub) do(fn func(h *Hub)) {
	done := make(chan struct{})
	h.ops <- opRequest{run: func(h *Hub) {
		fn(h)
		close(done)
	}}
	<-done
}

func (h *Hub) handleRegister(pc *pendingClient) {
	h.clients[pc.pendingID] = pc
}

func (h *Hub) handleUnregister(s *Socket) {
	delete(h.clients, s.pendingID)
	s.Close()
}

func (h *Hub) handleInbound(s *Socket, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypePendingRegister:
		h.handlePendingRegister(s, msg)
	case protocol.TypePing:
		h.handlePing(s, msg)
	default:
		s.SendMessage(protocol.TypeError, protocol.ErrorPayload{Message: "unknown message type: " + msg.Type})
	}
}

func (h *Hub) handlePendingRegister(s *Socket, msg *protocol.Message) {
	var p protocol.PendingRegisterPayload
	if err := msg.ParsePayload(&p); err != nil {
		s.SendMessage(protocol.TypeError, protocol.ErrorPayload{Message: "malformed pending_register"})
		return
	}

	pc, ok := h.clients[s.pendingID]
	if !ok {
		s.SendMessage(protocol.TypePendingRegistered, protocol.PendingRegisteredPayload{
			Success: false,
			Message: "pending session not found. Please reconnect.",
		})
		return
	}

	pc.hostname = p.Hostname
	pc.project = p.Project
	pc.platform = p.Platform

	s.SendMessage(protocol.TypePendingRegistered, protocol.PendingRegisteredPayload{
		Success: true,
		Message: "waiting for authorization. A user with access will see you in their dashboard.",
	})
}

func (h *Hub) handlePing(s *Socket, msg *protocol.Message) {
	var p protocol.PendingPingPayload
	_ = msg.ParsePayload(&p)
	s.SendMessage(protocol.TypePong, protocol.PendingPongPayload{PendingID: s.pendingID})
}

func (h *Hub) cleanupExpired() {
	threshold := time.Now().Add(-h.ttl)
	for id, pc := range h.clients {
		if pc.connectedAt.After(threshold) {
			continue
		}
		pc.socket.SendMessage(protocol.TypeAuthTimeout, protocol.AuthTimeoutPayload{
			Message: "authorization timed out after 10 minutes. Please try again.",
		})
		pc.socket.CloseWithCode(4000, "Authorization timeout")
		delete(h.clients, id)
	}
}

// AttachWS accepts an upgraded WebSocket as a new pending connection,
// recording its claim patterns and optional geo metadata, and starts
// its read/write pumps. The caller is expected to have already
// rejected connections with no claim pattern at all (an unclaimable
// pending client can never be authorized).
func (h *Hub) AttachWS(conn *websocket.Conn, allowedUsers, allowedOrgs, allowedTeams []string, ipAddress, country, city, region string) (*Socket, error) {
	pendingID := "pending_" + uuid.NewString()

	s := newSocket(conn, pendingID, h)
	pc := &pendingClient{
		socket:       s,
		pendingID:    pendingID,
		ipAddress:    ipAddress,
		country:      country,
		city:         city,
		region:       region,
		connectedAt:  time.Now(),
		allowedUsers: allowedUsers,
		allowedOrgs:  allowedOrgs,
		allowedTeams: allowedTeams,
	}

	h.register <- pc
	go s.writePump()
	go s.readPump(h.log)
	return s, nil
}

// ListForUser returns every pending client whose claim patterns match
// the given GitHub login, org memberships or team memberships
// (case-insensitive, OR across all three kinds).
func (h *Hub) ListForUser(githubLogin string, orgs, teams []string) []protocol.PendingClientView {
	var views []protocol.PendingClientView
	h.do(func(h *Hub) {
		for _, pc := range h.clients {
			if !claimMatches(pc, githubLogin, orgs, teams) {
				continue
			}
			views = append(views, protocol.PendingClientView{
				PendingID:    pc.pendingID,
				Hostname:     pc.hostname,
				Project:      pc.project,
				Platform:     pc.platform,
				IPAddress:    pc.ipAddress,
				Country:      pc.country,
				City:         pc.city,
				Region:       pc.region,
				ConnectedAt:  pc.connectedAt.UnixMilli(),
				AllowedUsers: pc.allowedUsers,
				AllowedOrgs:  pc.allowedOrgs,
				AllowedTeams: pc.allowedTeams,
			})
		}
	})
	return views
}

// Claim removes a pending client, mints it a bearer token under
// userID, assigns it a fresh client_id, and delivers both over its
// still-open WebSocket. The remove-then-mint sequence runs inside a
// single actor turn so a concurrent timeout sweep can never fire
// between the two.
func (h *Hub) Claim(pendingID, userID, name string) (clientID, tokenID string, err error) {
	h.do(func(h *Hub) {
		pc, ok := h.clients[pendingID]
		if !ok {
			err = fmt.Errorf("pending client: %w", gatewayerr.ErrNotFound)
			return
		}
		delete(h.clients, pendingID)

		wire, tID, mintErr := h.tokens.Mint(userID, name)
		if mintErr != nil {
			err = fmt.Errorf("mint token: %w", mintErr)
			return
		}

		cID, genErr := generateClientID()
		if genErr != nil {
			err = fmt.Errorf("generate client id: %w", genErr)
			return
		}

		pc.socket.SendMessage(protocol.TypeTokenGranted, protocol.TokenGrantedPayload{
			Token:    wire,
			ClientID: cID,
		})

		clientID = cID
		tokenID = tID
	})
	return clientID, tokenID, err
}

func claimMatches(pc *pendingClient, githubLogin string, userOrgs, userTeams []string) bool {
	if githubLogin != "" {
		for _, u := range pc.allowedUsers {
			if strings.EqualFold(u, githubLogin) {
				return true
			}
		}
	}
	for _, org := range pc.allowedOrgs {
		for _, userOrg := range userOrgs {
			if strings.EqualFold(org, userOrg) {
				return true
			}
		}
	}
	for _, team := range pc.allowedTeams {
		for _, userTeam := range userTeams {
			if strings.EqualFold(team, userTeam) {
				return true
			}
		}
	}
	return false
}

// ParseClaimPatterns splits a comma-separated query parameter into a
// trimmed, non-empty slice, matching the original source's query
// parsing for user/org/team patterns.
func ParseClaimPatterns(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func generateClientID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
