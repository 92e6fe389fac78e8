// Package protocol defines the line-delimited JSON messages spoken
// between the httpcloak daemon and language SDKs. Each message is one
// JSON object on one line; a request carries an id that the reply
// echoes for correlation.
package protocol

// MessageType discriminates IPC messages.
type MessageType string

const (
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"

	TypeSessionCreate MessageType = "session.create"
	TypeSessionClose  MessageType = "session.close"
	TypeSessionList   MessageType = "session.list"

	TypeCookieGet   MessageType = "cookie.get"
	TypeCookieSet   MessageType = "cookie.set"
	TypeCookieClear MessageType = "cookie.clear"
	TypeCookieAll   MessageType = "cookie.all"

	TypePing     MessageType = "ping"
	TypePong     MessageType = "pong"
	TypeError    MessageType = "error"
	TypeShutdown MessageType = "shutdown"

	TypePresetList MessageType = "preset.list"
)

// Request is an incoming HTTP exchange request.
type Request struct {
	ID      string            `json:"id"`
	Type    MessageType       `json:"type"`
	Session string            `json:"session,omitempty"` // empty runs a one-shot session
	Method  string            `json:"method,omitempty"`  // default GET
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Options *RequestOptions   `json:"options,omitempty"`
}

// RequestOptions carries per-request overrides.
type RequestOptions struct {
	// Timeout in milliseconds; zero uses the session default.
	Timeout int `json:"timeout,omitempty"`

	// FollowRedirects overrides the session setting when non-nil.
	FollowRedirects *bool `json:"followRedirects,omitempty"`
	MaxRedirects    int   `json:"maxRedirects,omitempty"`

	// Version forces the HTTP version: "auto", "h1", "h2", or "h3".
	Version string `json:"version,omitempty"`

	// Proxy overrides the session's proxy for this request only.
	Proxy string `json:"proxy,omitempty"`

	// BodyEncoding is "text" (default) or "base64" for binary bodies.
	BodyEncoding string `json:"bodyEncoding,omitempty"`
}

// Response is the reply to a Request, or an error envelope for any
// failed message.
type Response struct {
	ID       string            `json:"id"`
	Type     MessageType       `json:"type"`
	Session  string            `json:"session,omitempty"`
	Status   int               `json:"status,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     string            `json:"body,omitempty"`
	URL      string            `json:"url,omitempty"` // final URL after redirects
	Protocol string            `json:"protocol,omitempty"`
	Timing   *Timing           `json:"timing,omitempty"`
	Error    *ErrorInfo        `json:"error,omitempty"`

	BodyEncoding string `json:"bodyEncoding,omitempty"`
	BodySize     int    `json:"bodySize,omitempty"`
}

// Timing is the per-phase breakdown in milliseconds. Phases that did
// not run (cached DNS, reused connection) stay zero.
type Timing struct {
	DNSLookup    float64 `json:"dnsLookup"`
	TCPConnect   float64 `json:"tcpConnect"`
	TLSHandshake float64 `json:"tlsHandshake"`
	FirstByte    float64 `json:"firstByte"`
	Total        float64 `json:"total"`
}

// ErrorInfo carries the taxonomy code plus a human-readable message.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// SessionCreateRequest opens a session.
type SessionCreateRequest struct {
	ID      string         `json:"id"`
	Type    MessageType    `json:"type"`
	Options *SessionConfig `json:"options,omitempty"`
}

// SessionConfig is the session-level configuration.
type SessionConfig struct {
	// Preset names the fingerprint profile, e.g. "chrome-143".
	Preset string `json:"preset,omitempty"`

	// Proxy routes TCP traffic; UDPProxy routes HTTP/3.
	Proxy    string `json:"proxy,omitempty"`
	UDPProxy string `json:"udpProxy,omitempty"`

	// Timeout in milliseconds.
	Timeout int `json:"timeout,omitempty"`

	// FollowRedirects disables redirect following when explicitly
	// false; nil follows with the default bound.
	FollowRedirects *bool `json:"followRedirects,omitempty"`
	MaxRedirects    int   `json:"maxRedirects,omitempty"`

	// Version is the HTTP version policy: "auto", "h1", "h2", "h3".
	Version string `json:"version,omitempty"`

	// Headers are defaults sent on every request.
	Headers map[string]string `json:"headers,omitempty"`
}

// SessionCreateResponse returns the new session's ID.
type SessionCreateResponse struct {
	ID      string      `json:"id"`
	Type    MessageType `json:"type"`
	Session string      `json:"session"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// SessionCloseRequest closes a session.
type SessionCloseRequest struct {
	ID      string      `json:"id"`
	Type    MessageType `json:"type"`
	Session string      `json:"session"`
}

// SessionInfo is one entry of a session listing.
type SessionInfo struct {
	ID           string `json:"id"`
	Preset       string `json:"preset"`
	RequestCount int64  `json:"requestCount"`
	CookieCount  int    `json:"cookieCount"`
	IdleMS       int64  `json:"idleMs"`
}

// SessionListResponse lists active sessions.
type SessionListResponse struct {
	ID       string        `json:"id"`
	Type     MessageType   `json:"type"`
	Sessions []SessionInfo `json:"sessions"`
}

// CookieGetRequest asks for the cookies a request to URL would carry.
type CookieGetRequest struct {
	ID      string      `json:"id"`
	Type    MessageType `json:"type"`
	Session string      `json:"session"`
	URL     string      `json:"url"`
}

// CookieSetRequest stores one cookie in the session jar.
type CookieSetRequest struct {
	ID      string      `json:"id"`
	Type    MessageType `json:"type"`
	Session string      `json:"session"`
	URL     string      `json:"url"`
	Name    string      `json:"name"`
	Value   string      `json:"value"`
	Path    string      `json:"path,omitempty"`
	Domain  string      `json:"domain,omitempty"`
	Secure  bool        `json:"secure,omitempty"`
	Expires int64       `json:"expires,omitempty"` // Unix seconds, 0 = session cookie
}

// CookieClearRequest empties the session jar.
type CookieClearRequest struct {
	ID      string      `json:"id"`
	Type    MessageType `json:"type"`
	Session string      `json:"session"`
}

// CookieAllRequest asks for every cookie grouped by domain.
type CookieAllRequest struct {
	ID      string      `json:"id"`
	Type    MessageType `json:"type"`
	Session string      `json:"session"`
}

// Cookie is the wire form of one stored cookie.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain"`
	Path     string `json:"path"`
	Secure   bool   `json:"secure,omitempty"`
	HTTPOnly bool   `json:"httpOnly,omitempty"`
	Expires  int64  `json:"expires,omitempty"`
}

// CookieResponse answers the cookie queries.
type CookieResponse struct {
	ID      string              `json:"id"`
	Type    MessageType         `json:"type"`
	Session string              `json:"session,omitempty"`
	Cookies map[string]string   `json:"cookies,omitempty"` // name -> value for one URL
	All     map[string][]Cookie `json:"all,omitempty"`     // domain -> cookies
	Error   *ErrorInfo          `json:"error,omitempty"`
}

// PresetListResponse lists the available fingerprint presets.
type PresetListResponse struct {
	ID      string      `json:"id"`
	Type    MessageType `json:"type"`
	Presets []string    `json:"presets"`
}

// PingResponse answers a ping with the daemon version.
type PingResponse struct {
	ID      string      `json:"id"`
	Type    MessageType `json:"type"`
	Version string      `json:"version"`
}

// NewResponse starts a success reply for a request ID.
func NewResponse(reqID string) *Response {
	return &Response{ID: reqID, Type: TypeResponse}
}

// NewErrorResponse builds an error envelope.
func NewErrorResponse(reqID, code, message string) *Response {
	return &Response{
		ID:    reqID,
		Type:  TypeError,
		Error: &ErrorInfo{Code: code, Message: message},
	}
}

// Error codes carried in ErrorInfo.Code, mirroring the transport error
// taxonomy.
const (
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeConnectionRefused  = "CONNECTION_REFUSED"
	ErrCodeDNSFailure         = "DNS_FAILURE"
	ErrCodeTLSFailure         = "TLS_FAILURE"
	ErrCodeProxyFailure       = "PROXY_FAILURE"
	ErrCodeProtocolError      = "PROTOCOL_ERROR"
	ErrCodeUnsupportedVersion = "UNSUPPORTED_VERSION"
	ErrCodeUnknownProfile     = "UNKNOWN_PROFILE"
	ErrCodeTooManyRedirects   = "TOO_MANY_REDIRECTS"
	ErrCodeSessionLimit       = "SESSION_LIMIT"
	ErrCodeInvalidURL         = "INVALID_URL"
	ErrCodeInvalidSession     = "INVALID_SESSION"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeInternal           = "INTERNAL_ERROR"
)
