package tunnel

// Kind identifies a frame on the tunnel wire. The numeric values are part of
// the protocol and must never be renumbered.
type Kind uint8

const (
	// KindAuth is the first frame the agent sends after the transport is up.
	KindAuth Kind = 1
	// KindAuthResult carries the gateway's authentication verdict.
	KindAuthResult Kind = 2
	// KindConfigSync carries the agent's snapshot of enabled mappings.
	KindConfigSync Kind = 3
	// KindConfigAck acknowledges an applied snapshot.
	KindConfigAck Kind = 4
	// KindHeartbeat is a liveness probe.
	KindHeartbeat Kind = 5
	// KindHeartbeatAck is the liveness reply.
	KindHeartbeatAck Kind = 6
	// KindRequest is an HTTP request head sent gateway to agent.
	KindRequest Kind = 7
	// KindResponse is an HTTP response head sent agent to gateway.
	KindResponse Kind = 8
	// KindRequestBodyChunk streams request body bytes gateway to agent.
	KindRequestBodyChunk Kind = 9
	// KindResponseBodyChunk streams response body bytes agent to gateway.
	KindResponseBodyChunk Kind = 10
	// KindDisconnect is a polite close in either direction.
	KindDisconnect Kind = 11
	// KindError is an out-of-band error in either direction.
	KindError Kind = 255
)

// String returns the wire name of the frame kind.
func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindAuthResult:
		return "auth_result"
	case KindConfigSync:
		return "config_sync"
	case KindConfigAck:
		return "config_ack"
	case KindHeartbeat:
		return "heartbeat"
	case KindHeartbeatAck:
		return "heartbeat_ack"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindRequestBodyChunk:
		return "request_body_chunk"
	case KindResponseBodyChunk:
		return "response_body_chunk"
	case KindDisconnect:
		return "disconnect"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Frame is one logical message on the session wire. The set of
// implementations is closed; the codec rejects anything else.
type Frame interface {
	Kind() Kind
}

// Auth is the first frame after transport up.
type Auth struct {
	APIKey       string `msgpack:"api_key"`
	AgentVersion string `msgpack:"agent_version"`
}

// AuthResult is the gateway's reply to Auth.
type AuthResult struct {
	Success        bool   `msgpack:"success"`
	Error          string `msgpack:"error,omitempty"`
	GatewayVersion string `msgpack:"gateway_version"`
}

// ConfigSync carries the full set of enabled mappings plus the agent-computed
// content hash.
type ConfigSync struct {
	Mappings   []PortMapping `msgpack:"mappings"`
	ConfigHash string        `msgpack:"config_hash"`
}

// ConfigAck echoes the hash of the snapshot the gateway applied.
type ConfigAck struct {
	Success    bool   `msgpack:"success"`
	Error      string `msgpack:"error,omitempty"`
	ConfigHash string `msgpack:"config_hash"`
}

// Heartbeat is a liveness probe carrying the sender's clock in unix millis.
type Heartbeat struct {
	Timestamp int64 `msgpack:"timestamp"`
}

// HeartbeatAck echoes the peer clock and adds the responder's.
type HeartbeatAck struct {
	PeerTimestamp   int64 `msgpack:"peer_ts"`
	ServerTimestamp int64 `msgpack:"server_ts"`
}

// Request is an HTTP request head. Path includes the query string. If
// HasMoreBody is set the body continues as RequestBodyChunk frames.
type Request struct {
	RequestID   string            `msgpack:"request_id"`
	MappingID   string            `msgpack:"mapping_id"`
	Method      string            `msgpack:"method"`
	Path        string            `msgpack:"path"`
	Headers     map[string]string `msgpack:"headers,omitempty"`
	Body        []byte            `msgpack:"body,omitempty"`
	HasMoreBody bool              `msgpack:"has_more_body"`
}

// Response is an HTTP response head. If HasMoreBody is set the body continues
// as ResponseBodyChunk frames.
type Response struct {
	RequestID   string            `msgpack:"request_id"`
	Status      int               `msgpack:"status"`
	Headers     map[string]string `msgpack:"headers,omitempty"`
	Body        []byte            `msgpack:"body,omitempty"`
	HasMoreBody bool              `msgpack:"has_more_body"`
}

// RequestBodyChunk streams request body bytes for one request id.
type RequestBodyChunk struct {
	RequestID string `msgpack:"request_id"`
	Data      []byte `msgpack:"data,omitempty"`
	Final     bool   `msgpack:"is_final"`
}

// ResponseBodyChunk streams response body bytes for one request id.
type ResponseBodyChunk struct {
	RequestID string `msgpack:"request_id"`
	Data      []byte `msgpack:"data,omitempty"`
	Final     bool   `msgpack:"is_final"`
}

// Disconnect asks the peer to close the session.
type Disconnect struct {
	Reason string `msgpack:"reason"`
}

// Error reports a session or request scoped error out of band.
type Error struct {
	RequestID string `msgpack:"request_id,omitempty"`
	Message   string `msgpack:"error"`
	Code      string `msgpack:"code"`
}

// Error codes carried by Error frames.
const (
	ErrorCodeProtocol = "protocol_error"
	ErrorCodeCanceled = "request_canceled"
	ErrorCodeInternal = "internal_error"
)

// Disconnect reasons the gateway and agent exchange.
const (
	DisconnectReasonReplaced = "replaced"
	DisconnectReasonShutdown = "shutdown"
)

func (*Auth) Kind() Kind              { return KindAuth }
func (*AuthResult) Kind() Kind        { return KindAuthResult }
func (*ConfigSync) Kind() Kind        { return KindConfigSync }
func (*ConfigAck) Kind() Kind         { return KindConfigAck }
func (*Heartbeat) Kind() Kind         { return KindHeartbeat }
func (*HeartbeatAck) Kind() Kind      { return KindHeartbeatAck }
func (*Request) Kind() Kind           { return KindRequest }
func (*Response) Kind() Kind          { return KindResponse }
func (*RequestBodyChunk) Kind() Kind  { return KindRequestBodyChunk }
func (*ResponseBodyChunk) Kind() Kind { return KindResponseBodyChunk }
func (*Disconnect) Kind() Kind        { return KindDisconnect }
func (*Error) Kind() Kind             { return KindError }
