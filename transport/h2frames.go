package transport

import (
	"bytes"
	"encoding/binary"
	"net"
	"strings"
	"sync"

	"github.com/sardanioss/net/http2/hpack"
	tls "github.com/sardanioss/utls"

	"github.com/mikrodotnet/httpcloak/fingerprint"
)

// HTTP/2 frame types and flags touched by the rewriter.
const (
	frameTypeHeaders      = 0x1
	frameTypeSettings     = 0x4
	frameTypeWindowUpdate = 0x8

	flagSettingsAck   = 0x01
	flagEndStream     = 0x01
	flagEndHeaders    = 0x04
	flagPadded        = 0x08
	flagPriority      = 0x20
	settingsNoRFC7540 = 0x9
)

const clientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// h2ShapingConn sits between the h2 client and the TLS connection and
// rewrites the connection prefix to match the profile: the SETTINGS frame
// is replaced wholesale, the connection WINDOW_UPDATE gets the profile
// increment, and the first HEADERS frame is re-encoded so the header order
// and priority bytes match the browser. Everything after the first HEADERS
// frame passes through untouched.
type h2ShapingConn struct {
	net.Conn
	profile *fingerprint.Profile

	mu           sync.Mutex
	pending      []byte
	prefaceDone  bool
	settingsDone bool
	windowDone   bool
	headersDone  bool
}

func newH2ShapingConn(conn net.Conn, profile *fingerprint.Profile) *h2ShapingConn {
	return &h2ShapingConn{Conn: conn, profile: profile}
}

func (c *h2ShapingConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.headersDone {
		return c.Conn.Write(p)
	}

	c.pending = append(c.pending, p...)

	if !c.prefaceDone {
		if len(c.pending) < len(clientPreface) {
			return len(p), nil
		}
		if string(c.pending[:len(clientPreface)]) != clientPreface {
			// Not an h2 prelude after all. Flush and get out of the way.
			c.headersDone = true
			if err := c.flushPending(); err != nil {
				return 0, err
			}
			return len(p), nil
		}
		if _, err := c.Conn.Write(c.pending[:len(clientPreface)]); err != nil {
			return 0, err
		}
		c.pending = c.pending[len(clientPreface):]
		c.prefaceDone = true
	}

	for !c.headersDone {
		frame, rest, ok := splitFrame(c.pending)
		if !ok {
			break
		}
		c.pending = rest
		out, err := c.rewriteFrame(frame)
		if err != nil {
			return 0, err
		}
		if _, err := c.Conn.Write(out); err != nil {
			return 0, err
		}
	}
	if c.headersDone {
		if err := c.flushPending(); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (c *h2ShapingConn) flushPending() error {
	if len(c.pending) == 0 {
		return nil
	}
	_, err := c.Conn.Write(c.pending)
	c.pending = nil
	return err
}

// splitFrame returns the first complete frame in buf, the remainder and
// whether a full frame was available.
func splitFrame(buf []byte) (frame, rest []byte, ok bool) {
	if len(buf) < 9 {
		return nil, buf, false
	}
	length := int(buf[0])<<16 | int(buf[1])<<8 | int(buf[2])
	if len(buf) < 9+length {
		return nil, buf, false
	}
	return buf[:9+length], buf[9+length:], true
}

func (c *h2ShapingConn) rewriteFrame(frame []byte) ([]byte, error) {
	ftype := frame[3]
	flags := frame[4]
	streamID := binary.BigEndian.Uint32(frame[5:9]) & 0x7fffffff

	switch {
	case ftype == frameTypeSettings && streamID == 0 && flags&flagSettingsAck == 0 && !c.settingsDone:
		c.settingsDone = true
		return buildSettingsFrame(&c.profile.HTTP2), nil

	case ftype == frameTypeWindowUpdate && streamID == 0 && !c.windowDone:
		c.windowDone = true
		if c.profile.HTTP2.ConnectionWindowUpdate == 0 {
			return frame, nil
		}
		return buildWindowUpdateFrame(c.profile.HTTP2.ConnectionWindowUpdate), nil

	case ftype == frameTypeHeaders && !c.headersDone:
		c.headersDone = true
		return c.rewriteHeadersFrame(frame), nil
	}
	return frame, nil
}

// rewriteHeadersFrame decodes the HPACK block, reorders the fields to the
// profile's wire order and re-encodes with the profile's priority bytes.
// Frames the rewriter cannot safely reorder (padded, continued, already
// prioritized) pass through unchanged rather than risk a corrupt block.
func (c *h2ShapingConn) rewriteHeadersFrame(frame []byte) []byte {
	flags := frame[4]
	if flags&flagEndHeaders == 0 || flags&flagPadded != 0 || flags&flagPriority != 0 {
		return frame
	}
	fields, err := hpack.NewDecoder(65536, nil).DecodeFull(frame[9:])
	if err != nil {
		return frame
	}
	fields = orderHeaderFields(fields, c.profile)

	var block bytes.Buffer
	enc := hpack.NewEncoder(&block)
	for _, f := range fields {
		if enc.WriteField(f) != nil {
			return frame
		}
	}

	var payload bytes.Buffer
	newFlags := flags & (flagEndStream | flagEndHeaders)
	if c.profile.HTTP2.StreamWeight > 0 {
		newFlags |= flagPriority
		var dep uint32
		if c.profile.HTTP2.StreamExclusive {
			dep |= 0x80000000
		}
		var prio [5]byte
		binary.BigEndian.PutUint32(prio[:4], dep)
		prio[4] = byte(c.profile.HTTP2.StreamWeight - 1)
		payload.Write(prio[:])
	}
	payload.Write(block.Bytes())

	out := make([]byte, 9+payload.Len())
	putFrameHeader(out, payload.Len(), frameTypeHeaders, newFlags, binary.BigEndian.Uint32(frame[5:9])&0x7fffffff)
	copy(out[9:], payload.Bytes())
	return out
}

// orderHeaderFields sorts pseudo-headers to the profile's pseudo order and
// regular headers to the profile's header order. Fields the profile does
// not name keep their original relative order and trail the ordered set.
func orderHeaderFields(fields []hpack.HeaderField, profile *fingerprint.Profile) []hpack.HeaderField {
	byName := make(map[string][]hpack.HeaderField, len(fields))
	var names []string
	for _, f := range fields {
		name := strings.ToLower(f.Name)
		if _, seen := byName[name]; !seen {
			names = append(names, name)
		}
		byName[name] = append(byName[name], f)
	}

	take := func(name string) []hpack.HeaderField {
		fs := byName[name]
		delete(byName, name)
		return fs
	}

	out := make([]hpack.HeaderField, 0, len(fields))
	for _, name := range profile.PseudoHeaderOrder {
		out = append(out, take(name)...)
	}
	// Unlisted pseudo-headers must still precede regular headers.
	for _, name := range names {
		if strings.HasPrefix(name, ":") {
			out = append(out, take(name)...)
		}
	}
	for _, name := range profile.HeaderOrder {
		out = append(out, take(strings.ToLower(name))...)
	}
	for _, name := range names {
		out = append(out, take(name)...)
	}
	return out
}

// buildSettingsFrame emits exactly the SETTINGS identifiers the profile
// lists, in the profile's order, with values taken from the profile.
// Which IDs appear at all is part of the fingerprint: a zero value sent
// explicitly and an omitted setting are different wire bytes.
func buildSettingsFrame(s *fingerprint.HTTP2Settings) []byte {
	ids := s.SettingsOrder
	if len(ids) == 0 {
		ids = []uint16{0x1, 0x2, 0x3, 0x4, 0x6}
	}
	if s.NoRFC7540Priorities {
		ids = append(append([]uint16(nil), ids...), settingsNoRFC7540)
	}

	out := make([]byte, 9+6*len(ids))
	putFrameHeader(out, 6*len(ids), frameTypeSettings, 0, 0)
	for i, id := range ids {
		var val uint32
		switch id {
		case 0x1:
			val = s.HeaderTableSize
		case 0x2:
			if s.EnablePush {
				val = 1
			}
		case 0x3:
			val = s.MaxConcurrentStreams
		case 0x4:
			val = s.InitialWindowSize
		case 0x5:
			val = s.MaxFrameSize
		case 0x6:
			val = s.MaxHeaderListSize
		case settingsNoRFC7540:
			val = 1
		}
		off := 9 + 6*i
		binary.BigEndian.PutUint16(out[off:], id)
		binary.BigEndian.PutUint32(out[off+2:], val)
	}
	return out
}

func buildWindowUpdateFrame(increment uint32) []byte {
	out := make([]byte, 9+4)
	putFrameHeader(out, 4, frameTypeWindowUpdate, 0, 0)
	binary.BigEndian.PutUint32(out[9:], increment)
	return out
}

func putFrameHeader(dst []byte, length int, ftype, flags byte, streamID uint32) {
	dst[0] = byte(length >> 16)
	dst[1] = byte(length >> 8)
	dst[2] = byte(length)
	dst[3] = ftype
	dst[4] = flags
	binary.BigEndian.PutUint32(dst[5:9], streamID&0x7fffffff)
}

// tlsConnWrapper lets the h2 client see the negotiated TLS state through
// the shaping layer. http2.Transport type-asserts for ConnectionState.
type tlsConnWrapper struct {
	*h2ShapingConn
	tlsConn *tls.UConn
}

func (w *tlsConnWrapper) ConnectionState() tls.ConnectionState {
	return w.tlsConn.ConnectionState()
}
