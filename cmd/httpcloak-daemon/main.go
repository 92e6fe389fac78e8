// Command httpcloak-daemon speaks the IPC protocol over stdin/stdout
// so language SDKs can drive fingerprinted sessions out of process.
// Operational messages go to stderr; stdout carries protocol frames
// only.
package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mikrodotnet/httpcloak/fingerprint"
	"github.com/mikrodotnet/httpcloak/protocol"
	"github.com/mikrodotnet/httpcloak/session"
	"github.com/mikrodotnet/httpcloak/transport"
)

const version = "1.0.0"

const defaultPreset = "chrome-143"

// Daemon routes protocol messages onto a session manager.
type Daemon struct {
	manager *session.Manager
	stdin   *bufio.Reader

	outputMu sync.Mutex
	stdout   *json.Encoder

	logger *log.Logger
}

// NewDaemon wires a daemon to the given streams. Tests drive it over
// pipes; main uses the process streams.
func NewDaemon(in io.Reader, out io.Writer) *Daemon {
	return &Daemon{
		manager: session.NewManager(),
		stdin:   bufio.NewReader(in),
		stdout:  json.NewEncoder(out),
		logger:  log.New(os.Stderr, "httpcloak-daemon: ", log.LstdFlags),
	}
}

// Run reads messages until EOF or a shutdown message. All sessions are
// closed on the way out.
func (d *Daemon) Run() error {
	defer d.manager.Shutdown()

	for {
		line, err := d.stdin.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var msg struct {
			ID   string               `json:"id"`
			Type protocol.MessageType `json:"type"`
		}
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			d.sendError("", protocol.ErrCodeInvalidRequest, "invalid JSON: "+err.Error())
			continue
		}

		if msg.Type == protocol.TypeShutdown {
			d.logger.Printf("shutdown requested")
			return nil
		}
		d.handleMessage(msg.Type, msg.ID, []byte(line))
	}
}

func (d *Daemon) handleMessage(msgType protocol.MessageType, reqID string, data []byte) {
	switch msgType {
	case protocol.TypePing:
		d.send(&protocol.PingResponse{ID: reqID, Type: protocol.TypePong, Version: version})
	case protocol.TypePresetList:
		d.send(&protocol.PresetListResponse{
			ID:      reqID,
			Type:    protocol.TypePresetList,
			Presets: fingerprint.Available(),
		})
	case protocol.TypeSessionCreate:
		d.handleSessionCreate(data)
	case protocol.TypeSessionClose:
		d.handleSessionClose(data)
	case protocol.TypeSessionList:
		d.handleSessionList(reqID)
	case protocol.TypeRequest:
		d.handleRequest(data)
	case protocol.TypeCookieGet:
		d.handleCookieGet(data)
	case protocol.TypeCookieSet:
		d.handleCookieSet(data)
	case protocol.TypeCookieClear:
		d.handleCookieClear(data)
	case protocol.TypeCookieAll:
		d.handleCookieAll(data)
	default:
		d.sendError(reqID, protocol.ErrCodeInvalidRequest, "unknown message type: "+string(msgType))
	}
}

// sessionOptions maps the wire config onto session options.
func sessionOptions(cfg *protocol.SessionConfig) []session.Option {
	var opts []session.Option
	if cfg.Timeout > 0 {
		opts = append(opts, session.WithTimeout(time.Duration(cfg.Timeout)*time.Millisecond))
	}
	if cfg.Proxy != "" {
		opts = append(opts, session.WithTCPProxy(cfg.Proxy))
	}
	if cfg.UDPProxy != "" {
		opts = append(opts, session.WithUDPProxy(cfg.UDPProxy))
	}
	if cfg.FollowRedirects != nil && !*cfg.FollowRedirects {
		opts = append(opts, session.WithoutRedirects())
	}
	if cfg.MaxRedirects > 0 {
		opts = append(opts, session.WithMaxRedirects(cfg.MaxRedirects))
	}
	if cfg.Version != "" {
		opts = append(opts, session.WithVersion(transport.Version(cfg.Version)))
	}
	for k, v := range cfg.Headers {
		opts = append(opts, session.WithDefaultHeader(k, v))
	}
	return opts
}

func (d *Daemon) handleSessionCreate(data []byte) {
	var req protocol.SessionCreateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		d.sendError("", protocol.ErrCodeInvalidRequest, "invalid session create request: "+err.Error())
		return
	}

	cfg := req.Options
	if cfg == nil {
		cfg = &protocol.SessionConfig{}
	}
	preset := cfg.Preset
	if preset == "" {
		preset = defaultPreset
	}

	sess, err := d.manager.Create(preset, sessionOptions(cfg)...)
	if err != nil {
		d.sendError(req.ID, errorCode(err), err.Error())
		return
	}
	d.logger.Printf("session %s created (%s)", sess.ID, preset)

	d.send(&protocol.SessionCreateResponse{
		ID:      req.ID,
		Type:    protocol.TypeSessionCreate,
		Session: sess.ID,
	})
}

func (d *Daemon) handleSessionClose(data []byte) {
	var req protocol.SessionCloseRequest
	if err := json.Unmarshal(data, &req); err != nil {
		d.sendError("", protocol.ErrCodeInvalidRequest, "invalid session close request: "+err.Error())
		return
	}

	if err := d.manager.Close(req.Session); err != nil {
		d.sendError(req.ID, errorCode(err), err.Error())
		return
	}
	d.logger.Printf("session %s closed", req.Session)

	d.send(&protocol.Response{
		ID:      req.ID,
		Type:    protocol.TypeSessionClose,
		Session: req.Session,
	})
}

func (d *Daemon) handleSessionList(reqID string) {
	stats := d.manager.List()
	infos := make([]protocol.SessionInfo, 0, len(stats))
	for _, st := range stats {
		infos = append(infos, protocol.SessionInfo{
			ID:           st.ID,
			Preset:       st.Profile,
			RequestCount: st.RequestCount,
			CookieCount:  st.CookieCount,
			IdleMS:       st.IdleTime.Milliseconds(),
		})
	}
	d.send(&protocol.SessionListResponse{
		ID:       reqID,
		Type:     protocol.TypeSessionList,
		Sessions: infos,
	})
}

func (d *Daemon) handleRequest(data []byte) {
	var req protocol.Request
	if err := json.Unmarshal(data, &req); err != nil {
		d.sendError("", protocol.ErrCodeInvalidRequest, "invalid request: "+err.Error())
		return
	}

	var sess *session.Session
	if req.Session != "" {
		var err error
		sess, err = d.manager.Get(req.Session)
		if err != nil {
			d.sendError(req.ID, errorCode(err), err.Error())
			return
		}
	} else {
		// One-shot: a throwaway session with the default preset.
		var err error
		sess, err = session.New(defaultPreset)
		if err != nil {
			d.sendError(req.ID, errorCode(err), err.Error())
			return
		}
		defer sess.Close()
	}

	sreq, err := buildSessionRequest(&req)
	if err != nil {
		d.sendError(req.ID, protocol.ErrCodeInvalidRequest, err.Error())
		return
	}

	resp, err := sess.Do(context.Background(), sreq)
	if err != nil {
		d.sendError(req.ID, errorCode(err), err.Error())
		return
	}

	d.send(buildWireResponse(&req, resp))
}

func buildSessionRequest(req *protocol.Request) (*session.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body []byte
	if req.Body != "" {
		if req.Options != nil && req.Options.BodyEncoding == "base64" {
			decoded, err := base64.StdEncoding.DecodeString(req.Body)
			if err != nil {
				return nil, errors.New("invalid base64 body: " + err.Error())
			}
			body = decoded
		} else {
			body = []byte(req.Body)
		}
	}

	headers := make(http.Header, len(req.Headers))
	for k, v := range req.Headers {
		headers.Set(k, v)
	}

	sreq := &session.Request{
		Method:  method,
		URL:     req.URL,
		Headers: headers,
		Body:    body,
	}
	if opts := req.Options; opts != nil {
		if opts.Timeout > 0 {
			sreq.Timeout = time.Duration(opts.Timeout) * time.Millisecond
		}
		sreq.FollowRedirects = opts.FollowRedirects
		if opts.MaxRedirects > 0 {
			sreq.MaxRedirects = opts.MaxRedirects
		}
		if opts.Version != "" {
			sreq.Version = transport.Version(opts.Version)
		}
		sreq.Proxy = opts.Proxy
	}
	return sreq, nil
}

func buildWireResponse(req *protocol.Request, resp *session.Response) *protocol.Response {
	headers := make(map[string]string, len(resp.Headers))
	for k, vs := range resp.Headers {
		headers[k] = strings.Join(vs, ", ")
	}

	out := &protocol.Response{
		ID:       req.ID,
		Type:     protocol.TypeResponse,
		Session:  req.Session,
		Status:   resp.StatusCode,
		Headers:  headers,
		URL:      resp.URL,
		Protocol: resp.Proto,
		BodySize: len(resp.Body),
		Timing: &protocol.Timing{
			DNSLookup:    resp.Timing.DNSMS,
			TCPConnect:   resp.Timing.ConnectMS,
			TLSHandshake: resp.Timing.TLSMS,
			FirstByte:    resp.Timing.TTFBMS,
			Total:        resp.Timing.TotalMS,
		},
	}
	if isTextContent(resp.Headers.Get("Content-Type")) {
		out.Body = string(resp.Body)
		out.BodyEncoding = "text"
	} else {
		out.Body = base64.StdEncoding.EncodeToString(resp.Body)
		out.BodyEncoding = "base64"
	}
	return out
}

func (d *Daemon) jarFor(reqID, sessionID string) (*session.Jar, bool) {
	sess, err := d.manager.Get(sessionID)
	if err != nil {
		d.sendError(reqID, errorCode(err), err.Error())
		return nil, false
	}
	return sess.Cookies(), true
}

func (d *Daemon) handleCookieGet(data []byte) {
	var req protocol.CookieGetRequest
	if err := json.Unmarshal(data, &req); err != nil {
		d.sendError("", protocol.ErrCodeInvalidRequest, "invalid cookie get request: "+err.Error())
		return
	}
	jar, ok := d.jarFor(req.ID, req.Session)
	if !ok {
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		d.sendError(req.ID, protocol.ErrCodeInvalidURL, "invalid URL: "+err.Error())
		return
	}
	d.send(&protocol.CookieResponse{
		ID:      req.ID,
		Type:    protocol.TypeCookieGet,
		Session: req.Session,
		Cookies: jar.Values(u),
	})
}

func (d *Daemon) handleCookieSet(data []byte) {
	var req protocol.CookieSetRequest
	if err := json.Unmarshal(data, &req); err != nil {
		d.sendError("", protocol.ErrCodeInvalidRequest, "invalid cookie set request: "+err.Error())
		return
	}
	jar, ok := d.jarFor(req.ID, req.Session)
	if !ok {
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		d.sendError(req.ID, protocol.ErrCodeInvalidURL, "invalid URL: "+err.Error())
		return
	}

	cookie := &session.Cookie{
		Name:   req.Name,
		Value:  req.Value,
		Domain: req.Domain,
		Path:   req.Path,
		Secure: req.Secure,
	}
	if cookie.Domain == "" {
		cookie.Domain = u.Hostname()
	}
	if cookie.Path == "" {
		cookie.Path = "/"
	}
	if req.Expires > 0 {
		cookie.Expires = time.Unix(req.Expires, 0)
	}
	jar.Set(cookie)

	d.send(&protocol.Response{
		ID:      req.ID,
		Type:    protocol.TypeCookieSet,
		Session: req.Session,
	})
}

func (d *Daemon) handleCookieClear(data []byte) {
	var req protocol.CookieClearRequest
	if err := json.Unmarshal(data, &req); err != nil {
		d.sendError("", protocol.ErrCodeInvalidRequest, "invalid cookie clear request: "+err.Error())
		return
	}
	jar, ok := d.jarFor(req.ID, req.Session)
	if !ok {
		return
	}
	jar.Clear()
	d.send(&protocol.Response{
		ID:      req.ID,
		Type:    protocol.TypeCookieClear,
		Session: req.Session,
	})
}

func (d *Daemon) handleCookieAll(data []byte) {
	var req protocol.CookieAllRequest
	if err := json.Unmarshal(data, &req); err != nil {
		d.sendError("", protocol.ErrCodeInvalidRequest, "invalid cookie all request: "+err.Error())
		return
	}
	jar, ok := d.jarFor(req.ID, req.Session)
	if !ok {
		return
	}

	all := make(map[string][]protocol.Cookie)
	for domain, cookies := range jar.All() {
		wire := make([]protocol.Cookie, 0, len(cookies))
		for _, c := range cookies {
			var expires int64
			if !c.Expires.IsZero() {
				expires = c.Expires.Unix()
			}
			wire = append(wire, protocol.Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Secure:   c.Secure,
				HTTPOnly: c.HTTPOnly,
				Expires:  expires,
			})
		}
		all[domain] = wire
	}

	d.send(&protocol.CookieResponse{
		ID:      req.ID,
		Type:    protocol.TypeCookieAll,
		Session: req.Session,
		All:     all,
	})
}

func (d *Daemon) send(v any) {
	d.outputMu.Lock()
	defer d.outputMu.Unlock()
	if err := d.stdout.Encode(v); err != nil {
		d.logger.Printf("write response: %v", err)
	}
}

func (d *Daemon) sendError(reqID, code, message string) {
	d.send(protocol.NewErrorResponse(reqID, code, message))
}

// errorCode maps library errors onto wire codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, fingerprint.ErrUnknownProfile):
		return protocol.ErrCodeUnknownProfile
	case errors.Is(err, session.ErrTooManyRedirects):
		return protocol.ErrCodeTooManyRedirects
	case errors.Is(err, session.ErrTooManySessions):
		return protocol.ErrCodeSessionLimit
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrSessionClosed):
		return protocol.ErrCodeInvalidSession
	case transport.IsCategory(err, transport.CategoryTimeout):
		return protocol.ErrCodeTimeout
	case transport.IsCategory(err, transport.CategoryDNS):
		return protocol.ErrCodeDNSFailure
	case transport.IsCategory(err, transport.CategoryTLS):
		return protocol.ErrCodeTLSFailure
	case transport.IsCategory(err, transport.CategoryConnection):
		return protocol.ErrCodeConnectionRefused
	case transport.IsCategory(err, transport.CategoryProxy):
		return protocol.ErrCodeProxyFailure
	case transport.IsCategory(err, transport.CategoryProtocol):
		return protocol.ErrCodeProtocolError
	case transport.IsCategory(err, transport.CategoryVersion):
		return protocol.ErrCodeUnsupportedVersion
	case transport.IsCategory(err, transport.CategoryRequest):
		return protocol.ErrCodeInvalidURL
	default:
		return protocol.ErrCodeInternal
	}
}

func isTextContent(contentType string) bool {
	ct := strings.ToLower(contentType)
	if ct == "" {
		return true
	}
	for _, t := range []string{
		"text/",
		"application/json",
		"application/xml",
		"application/javascript",
		"application/x-www-form-urlencoded",
	} {
		if strings.Contains(ct, t) {
			return true
		}
	}
	return false
}

func main() {
	daemon := NewDaemon(os.Stdin, os.Stdout)
	if err := daemon.Run(); err != nil {
		log.Fatal(err)
	}
}
