// Package wire implements the tunnel's on-the-wire message format: a
// deterministic, versioned, length-prefixed tagged encoding of the
// TunnelMessage variants exchanged between server and client.
package wire

// Variant tags the encoded union member, in wire order.
type Variant byte

const (
	VariantAuth Variant = iota
	VariantAuthResponse
	VariantHttpRequest
	VariantHttpResponse
	VariantPing
	VariantPong
	VariantClose
)

// ProtocolVersion is the only version this codec currently emits or accepts.
const ProtocolVersion = 1

// MaxMessageBytes bounds the encoded size of any single TunnelMessage.
const MaxMessageBytes = 8 * 1024 * 1024

// Message is implemented by every TunnelMessage variant.
type Message interface {
	variant() Variant
}

// Header is a single case-preserved (name, value) pair. Comparison of names
// is case-insensitive; duplicates are preserved in order.
type Header struct {
	Name  string
	Value string
}

// Auth is the client's handshake message.
type Auth struct {
	ClientID  string
	Timestamp int64
	Signature string
}

func (*Auth) variant() Variant { return VariantAuth }

// CloseReason names why a Close message was sent. Values mirror the close
// codes a TunnelMessage carries; it is a string enum rather than a numeric
// status because both peers log it verbatim.
type CloseReason string

const (
	CloseShutdown           CloseReason = "shutdown"
	CloseHeartbeatTimeout   CloseReason = "heartbeat_timeout"
	CloseSuperseded         CloseReason = "superseded"
	CloseProtocolError      CloseReason = "protocol_error"
	CloseOversize           CloseReason = "oversize"
	CloseAuthFailed         CloseReason = "auth_failed"
	CloseBadSecret          CloseReason = "bad_secret"
	CloseUnsupportedVersion CloseReason = "unsupported_version"
	CloseAlreadyConnected   CloseReason = "already_connected"
)

// AuthResponse is the server's reply to Auth.
type AuthResponse struct {
	OK     bool
	Reason CloseReason // Empty when OK is true.
}

func (*AuthResponse) variant() Variant { return VariantAuthResponse }

// HttpRequest carries one forwarded HTTP request, server to client.
type HttpRequest struct {
	CorrelationID [16]byte
	Method        string
	Path          string
	Query         string
	Headers       []Header
	Body          []byte

	// ClientIP is a reserved, optional field (absent by default). When set
	// by the ingress adapter, the forwarder appends X-Forwarded-For and
	// sets X-Real-IP on the outbound call.
	HasClientIP bool
	ClientIP    string
}

func (*HttpRequest) variant() Variant { return VariantHttpRequest }

// HttpResponse carries one forwarded HTTP response, client to server.
type HttpResponse struct {
	CorrelationID [16]byte
	Status        int
	Headers       []Header
	Body          []byte
}

func (*HttpResponse) variant() Variant { return VariantHttpResponse }

// Ping requests a Pong carrying the same nonce.
type Ping struct {
	Nonce uint64
}

func (*Ping) variant() Variant { return VariantPing }

// Pong answers a Ping.
type Pong struct {
	Nonce uint64
}

func (*Pong) variant() Variant { return VariantPong }

// Close signals graceful tear-down.
type Close struct {
	Code   uint16
	Reason CloseReason
}

func (*Close) variant() Variant { return VariantClose }
