// Package protocol defines the WebSocket wire protocol shared between
// clients, browsers and the gateway.
package protocol

import "encoding/json"

// Message is the envelope for every frame exchanged over a gateway
// WebSocket: a discriminating type plus a raw payload decoded lazily by
// the handler for that type.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a Message by marshaling payload into the envelope.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, Payload: data}, nil
}

// ParsePayload unmarshals the envelope's payload into target.
func (m *Message) ParsePayload(target any) error {
	return json.Unmarshal(m.Payload, target)
}

// Message types, client → UserHub.
const (
	TypeRegister         = "register"
	TypeStatusUpdate     = "status_update"
	TypePing             = "ping"
	TypeResponseChunk    = "response_chunk"
	TypeResponseComplete = "response_complete"
	TypeHTTPProxyResp    = "http_proxy_response"
)

// Message types, browser → UserHub.
const (
	TypeGetClients      = "get_clients"
	TypeConnectClient   = "connect_client"
	TypeForwardToClient = "forward_to_client"
	TypeHTTPProxyReq    = "http_proxy_request"
)

// Message types, UserHub → client.
const (
	TypeRegistered = "registered"
	TypePong       = "pong"
	TypeUserReq    = "user_request"
)

// Message types, UserHub → browser.
const (
	TypeClientList         = "client_list"
	TypeClientUpdate       = "client_update"
	TypeClientDisconnected = "client_disconnected"
	TypeConnectResponse    = "connect_response"
	TypeForwardedResponse  = "forwarded_response"
)

// Message types, PendingHub, client direction.
const (
	TypePendingRegister   = "pending_register"
	TypePendingRegistered = "pending_registered"
	TypeTokenGranted      = "token_granted"
	TypeAuthTimeout       = "authorization_timeout"
	TypeAuthDenied        = "authorization_denied"
)

// TypeError is sent back to whichever socket produced a malformed or
// unrecognized frame. It never closes the socket.
const TypeError = "error"

// RegisterPayload is sent by a client on first connect or reconnect.
type RegisterPayload struct {
	ClientID  string          `json:"client_id"`
	UserToken string          `json:"user_token,omitempty"`
	Metadata  ClientMetadata  `json:"metadata"`
}

// ClientMetadata carries the descriptive fields a client advertises at
// register time; all but Hostname/Project are optional refreshes.
type ClientMetadata struct {
	Hostname     string `json:"hostname"`
	Project      string `json:"project"`
	Status       string `json:"status,omitempty"`
	LastActivity string `json:"last_activity,omitempty"`
	CallbackURL  string `json:"callback_url,omitempty"`
}

// RegisteredPayload confirms register to the client.
type RegisteredPayload struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// StatusUpdatePayload updates a ClientRecord's status.
type StatusUpdatePayload struct {
	ClientID string `json:"client_id"`
	Status   string `json:"status"`
}

// PingPayload touches last_seen for client_id.
type PingPayload struct {
	ClientID string `json:"client_id"`
}

// PongPayload answers a ping.
type PongPayload struct {
	ClientID string `json:"client_id"`
}

// ConnectClientPayload probes liveness of a client socket.
type ConnectClientPayload struct {
	ClientID string `json:"client_id"`
}

// ConnectResponsePayload answers connect_client.
type ConnectResponsePayload struct {
	Success  bool   `json:"success"`
	ClientID string `json:"client_id"`
	Message  string `json:"message,omitempty"`
}

// ForwardToClientPayload is a browser-initiated RPC riding the client
// socket; RequestID is browser-generated and must be high entropy.
type ForwardToClientPayload struct {
	ClientID  string          `json:"client_id"`
	RequestID string          `json:"request_id"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
}

// UserRequestPayload is what the client actually receives for a forward.
type UserRequestPayload struct {
	RequestID string          `json:"request_id"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
}

// ResponseChunkPayload streams a partial result back from the client.
type ResponseChunkPayload struct {
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
}

// ResponseCompletePayload closes out an InFlightRequest.
type ResponseCompletePayload struct {
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ForwardedResponsePayload is what the originating browser sees, one or
// more times, for a single forwarded request.
type ForwardedResponsePayload struct {
	ClientID  string          `json:"client_id,omitempty"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     bool            `json:"error,omitempty"`
	Complete  bool            `json:"complete"`
}

// ClientView is the browser-facing JSON projection of a ClientRecord.
type ClientView struct {
	ID           string `json:"id"`
	Hostname     string `json:"hostname"`
	Project      string `json:"project"`
	Status       string `json:"status"`
	LastActivity string `json:"last_activity,omitempty"`
	ConnectedAt  string `json:"connected_at"`
	LastSeen     string `json:"last_seen"`
	LastSeenHuman string `json:"last_seen_human,omitempty"`
}

// ClientListPayload answers get_clients.
type ClientListPayload struct {
	Clients []ClientView `json:"clients"`
}

// ClientUpdatePayload is broadcast whenever a ClientRecord changes.
type ClientUpdatePayload struct {
	Client ClientView `json:"client"`
}

// ClientDisconnectedPayload is broadcast when a client's record is
// demoted to disconnected.
type ClientDisconnectedPayload struct {
	ClientID string `json:"client_id"`
}

// ErrorPayload is sent back on malformed or unrecognized frames.
type ErrorPayload struct {
	Message string `json:"message"`
}

// HTTPProxyRequestPayload mirrors proxy_http for implementations that
// relay the HTTP proxy over the WebSocket instead of a direct fetch.
type HTTPProxyRequestPayload struct {
	RequestID string     `json:"request_id"`
	Method    string     `json:"method"`
	Path      string     `json:"path"`
	Headers   [][2]string `json:"headers"`
	Body      string     `json:"body,omitempty"`
	Query     string     `json:"query,omitempty"`
}

// HTTPProxyResponsePayload is the WebSocket-relayed proxy response.
type HTTPProxyResponsePayload struct {
	RequestID string      `json:"request_id"`
	Status    int         `json:"status"`
	Headers   [][2]string `json:"headers"`
	Body      string      `json:"body"`
}

// PendingRegisterPayload fills in a PendingClient's descriptive fields.
type PendingRegisterPayload struct {
	PendingID string `json:"pending_id"`
	Hostname  string `json:"hostname"`
	Project   string `json:"project"`
	Platform  string `json:"platform"`
}

// PendingRegisteredPayload confirms pending_register.
type PendingRegisteredPayload struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// TokenGrantedPayload is sent on the pending socket once claimed.
type TokenGrantedPayload struct {
	Token    string `json:"token"`
	ClientID string `json:"client_id"`
}

// AuthTimeoutPayload is sent to a pending client whose TTL elapsed.
type AuthTimeoutPayload struct {
	Message string `json:"message"`
}

// AuthDeniedPayload is sent when a pending client cannot be claimed.
type AuthDeniedPayload struct {
	Message string `json:"message"`
}

// PendingPingPayload and PendingPongPayload reuse TypePing/TypePong but
// key off pending_id rather than client_id, since a pending socket has
// no client_id until it is claimed.
type PendingPingPayload struct {
	PendingID string `json:"pending_id"`
}

type PendingPongPayload struct {
	PendingID string `json:"pending_id"`
}

// PendingClientView is the dashboard-facing JSON projection of a
// PendingClient, returned by the pending-list API filtered to whatever
// claim patterns match the requesting user's identity.
type PendingClientView struct {
	PendingID    string   `json:"pending_id"`
	Hostname     string   `json:"hostname"`
	Project      string   `json:"project"`
	Platform     string   `json:"platform"`
	IPAddress    string   `json:"ip_address,omitempty"`
	Country      string   `json:"country,omitempty"`
	City         string   `json:"city,omitempty"`
	Region       string   `json:"region,omitempty"`
	ConnectedAt  int64    `json:"connected_at"`
	AllowedUsers []string `json:"allowed_users,omitempty"`
	AllowedOrgs  []string `json:"allowed_orgs,omitempty"`
	AllowedTeams []string `json:"allowed_teams,omitempty"`
}
