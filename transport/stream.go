package transport

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// StreamResponse is an exchange result whose body has not been read yet.
// The caller must Close the body; that is what returns the connection to
// the pool.
type StreamResponse struct {
	StatusCode int
	Status     string
	Proto      string
	Headers    http.Header
	Body       io.ReadCloser
	Reused     bool
	Timing     *Timing
}

// DoStream performs one exchange and hands the body back as a stream.
// Decompression is applied transparently unless the request disabled it.
func (e *Engine) DoStream(ctx context.Context, req *Request) (*StreamResponse, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, newError(CategoryRequest, "parse url", "", "", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, newError(CategoryRequest, "parse url", u.Hostname(), "",
			fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	if u.Hostname() == "" {
		return nil, newError(CategoryRequest, "parse url", "", "",
			fmt.Errorf("missing host in %q", req.URL))
	}

	version, err := e.pickVersion(req, u)
	if err != nil {
		return nil, err
	}

	timeout := e.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)

	tm := &Timing{}
	start := time.Now()

	var sr *StreamResponse
	if version == VersionAuto {
		sr, err = e.doAuto(ctx, req, u, tm)
	} else {
		sr, err = e.doVersion(ctx, req, u, version, tm)
	}
	if err != nil {
		cancel()
		if ctxErr := ctx.Err(); ctxErr == context.DeadlineExceeded {
			return nil, NewTimeoutError("roundtrip", u.Hostname(), string(version), err)
		}
		return nil, err
	}
	tm.observe(&tm.TTFBMS, start)

	// The timeout covers the body too; cancel fires when the caller
	// closes it.
	sr.Body = &cancelReader{ReadCloser: sr.Body, cancel: cancel}

	if !req.DisableDecompression {
		if enc := sr.Headers.Get("Content-Encoding"); enc != "" {
			decoded, derr := newDecompressor(sr.Body, enc)
			if derr != nil {
				sr.Body.Close()
				return nil, NewProtocolError(u.Hostname(), sr.Proto, derr)
			}
			sr.Body = decoded
			sr.Headers.Del("Content-Encoding")
			sr.Headers.Del("Content-Length")
		}
	}
	return sr, nil
}

// doAuto negotiates downward: h3 when the profile speaks it and the host
// has not recently refused it, then h2, then h1. Only version-shaped
// failures trigger the next rung; a dead network fails the request.
func (e *Engine) doAuto(ctx context.Context, req *Request, u *url.URL, tm *Timing) (*StreamResponse, error) {
	host := u.Hostname()

	if e.profile.SupportsHTTP3 && u.Scheme == "https" && !e.recentlyFailed(e.h3Failures, host) {
		sr, err := e.doVersion(ctx, req, u, VersionHTTP3, tm)
		if err == nil {
			return sr, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		e.markFailed(e.h3Failures, host)
	}

	if !e.recentlyFailed(e.h2Failures, host) {
		sr, err := e.doVersion(ctx, req, u, VersionHTTP2, tm)
		if err == nil {
			return sr, nil
		}
		if !IsCategory(err, CategoryVersion) {
			return nil, err
		}
		e.markFailed(e.h2Failures, host)
	}

	return e.doVersion(ctx, req, u, VersionHTTP1, tm)
}

func (e *Engine) doVersion(ctx context.Context, req *Request, u *url.URL, v Version, tm *Timing) (*StreamResponse, error) {
	route, err := e.router.RouteFor(string(v), req.ProxyOverride)
	if err != nil {
		return nil, NewProxyError(u.Hostname(), err)
	}

	switch v {
	case VersionHTTP1:
		hreq, err := e.buildStdRequest(ctx, req, u)
		if err != nil {
			return nil, err
		}
		resp, reused, err := e.h1.roundTrip(ctx, hreq, req.OrderedHeaders, route, tm)
		if err != nil {
			return nil, err
		}
		return &StreamResponse{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Proto:      "h1",
			Headers:    resp.Header,
			Body:       resp.Body,
			Reused:     reused,
			Timing:     tm,
		}, nil

	case VersionHTTP2:
		hreq, err := e.buildForkRequest(ctx, req, u)
		if err != nil {
			return nil, err
		}
		resp, reused, err := e.h2.roundTrip(ctx, hreq, route, tm)
		if err != nil {
			return nil, err
		}
		return &StreamResponse{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Proto:      "h2",
			Headers:    http.Header(resp.Header),
			Body:       resp.Body,
			Reused:     reused,
			Timing:     tm,
		}, nil

	case VersionHTTP3:
		hreq, err := e.buildForkRequest(ctx, req, u)
		if err != nil {
			return nil, err
		}
		resp, reused, err := e.h3.roundTrip(ctx, hreq, route, tm)
		if err != nil {
			return nil, err
		}
		return &StreamResponse{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Proto:      "h3",
			Headers:    http.Header(resp.Header),
			Body:       resp.Body,
			Reused:     reused,
			Timing:     tm,
		}, nil

	default:
		return nil, NewVersionError(u.Hostname(), string(v), "unknown")
	}
}

type cancelReader struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *cancelReader) Close() error {
	err := r.ReadCloser.Close()
	r.cancel()
	return err
}

// newDecompressor wraps body with a decoder for the response's
// Content-Encoding. Unknown encodings are an error rather than silently
// passed through; a mislabeled body is a server bug worth surfacing.
func newDecompressor(body io.ReadCloser, encoding string) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return &decompressReader{decoded: zr, raw: body, closeDecoded: zr.Close}, nil
	case "deflate":
		fr := flate.NewReader(body)
		return &decompressReader{decoded: fr, raw: body, closeDecoded: fr.Close}, nil
	case "br":
		return &decompressReader{decoded: brotli.NewReader(body), raw: body}, nil
	case "zstd":
		zr, err := zstd.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return &decompressReader{decoded: zr.IOReadCloser(), raw: body, closeDecoded: func() error {
			zr.Close()
			return nil
		}}, nil
	case "identity":
		return body, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

// decompressReader reads decoded bytes while keeping the raw body around
// so closing releases the underlying connection.
type decompressReader struct {
	decoded      io.Reader
	raw          io.ReadCloser
	closeDecoded func() error
}

func (d *decompressReader) Read(p []byte) (int, error) {
	return d.decoded.Read(p)
}

func (d *decompressReader) Close() error {
	if d.closeDecoded != nil {
		d.closeDecoded()
	}
	return d.raw.Close()
}
