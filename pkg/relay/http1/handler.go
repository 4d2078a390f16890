package http1

import (
	"errors"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"github.com/yourusername/relay/pkg/relay/logging"
	"github.com/yourusername/relay/pkg/relay/scan"
	"github.com/yourusername/relay/pkg/relay/session"
)

const (
	// DefaultCompressMinSize is the smallest body worth compressing.
	DefaultCompressMinSize = 1024

	maxChunkLine = 64
)

var continueResponse = []byte("HTTP/1.1 100 Continue\r\n\r\n")

// Responder produces the response to a fully read request.
type Responder interface {
	Respond(req *Request) *Response
}

// ResponderFunc adapts an ordinary function to a Responder.
type ResponderFunc func(req *Request) *Response

// Respond calls f(req).
func (f ResponderFunc) Respond(req *Request) *Response {
	return f(req)
}

// Options configures a Handler.
type Options struct {
	// AllowMissingHost accepts HTTP/1.1 requests without a Host header.
	AllowMissingHost bool `yaml:"allow_missing_host"`

	// Compress enables br and gzip response compression.
	Compress bool `yaml:"compress"`

	// CompressMinSize
	// Default: 1024 bytes
	CompressMinSize int `yaml:"compress_min_size"`

	Logger *logging.Logger `yaml:"-"`
}

// Handler implements session.Handler for HTTP/1.x.
type Handler struct {
	responder Responder
	opts      Options
	logger    *logging.Logger
}

// NewHandler creates a Handler serving responses from r.
func NewHandler(r Responder, opts Options) *Handler {
	if opts.CompressMinSize <= 0 {
		opts.CompressMinSize = DefaultCompressMinSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Handler{responder: r, opts: opts, logger: opts.Logger}
}

// statusError is a request problem answered with status before closing.
type statusError struct {
	status int
	err    error
}

func (e *statusError) Error() string {
	return strconv.Itoa(e.status) + " " + e.err.Error()
}

func (e *statusError) Unwrap() error {
	return e.err
}

func reject(status int, err error) error {
	return &statusError{status: status, err: err}
}

// ServeExchange reads the rest of the request, responds, and tells the
// session whether the connection may be reused.
func (h *Handler) ServeExchange(ex *session.Exchange) error {
	req, err := h.readRequest(ex)
	if err != nil {
		var se *statusError
		if !errors.As(err, &se) {
			// Peer closed or I/O failure: the session decides.
			return err
		}
		h.logger.Debug("request rejected", map[string]interface{}{
			"status": se.status,
			"error":  se.err.Error(),
			"peer":   ex.Peer().IP,
		})
		ex.CloseAfter()
		return writeResponse(ex, NewResponse(se.status), false, true, "")
	}

	resp := h.responder.Respond(req)
	if resp == nil {
		resp = Text(http.StatusNotFound, "not found\n")
	}

	closing := wantsClose(req)
	if resp.Header != nil && hasToken(resp.Header.Values("Connection"), "close") {
		closing = true
	}
	if closing {
		ex.CloseAfter()
	}

	var encoding string
	if h.opts.Compress && len(resp.Body) >= h.opts.CompressMinSize &&
		resp.Header.Get("Content-Encoding") == "" && compressible(resp.Header.Get("Content-Type")) {
		encoding = negotiateEncoding(req.Header.Values("Accept-Encoding"))
	}

	return writeResponse(ex, resp, req.Method == "HEAD", closing, encoding)
}

// readRequest reads headers and body. Problems with the request itself come
// back as *statusError.
func (h *Handler) readRequest(ex *session.Exchange) (*Request, error) {
	method, target, proto, err := ParseRequestLine(ex.Line())
	if err != nil {
		if errors.Is(err, ErrUnsupportedProtocol) {
			return nil, reject(http.StatusHTTPVersionNotSupported, err)
		}
		return nil, reject(http.StatusBadRequest, err)
	}

	header, err := readHeader(ex)
	if err != nil {
		return nil, err
	}

	req := &Request{
		Method:       method,
		Target:       target,
		Proto:        proto,
		Header:       header,
		Peer:         ex.Peer(),
		Secure:       ex.Secure(),
		InsecureOnly: ex.InsecureOnly(),
		Hostname:     ex.Hostname(),
		Reuse:        ex.Reuse(),
	}

	hosts := header.Values("Host")
	switch {
	case len(hosts) > 1:
		return nil, reject(http.StatusBadRequest, errors.New("http1: multiple Host headers"))
	case len(hosts) == 1:
		req.Host = hostOnly(hosts[0])
	case proto != "HTTP/1.0" && !h.opts.AllowMissingHost:
		return nil, reject(http.StatusBadRequest, errors.New("http1: missing Host header"))
	}

	if req.URL, err = requestURL(method, target, req.Secure, hosts); err != nil {
		return nil, reject(http.StatusBadRequest, err)
	}

	if req.Body, err = readBody(ex, header); err != nil {
		return nil, err
	}
	return req, nil
}

func readHeader(ex *session.Exchange) (textproto.MIMEHeader, error) {
	header := make(textproto.MIMEHeader)
	for {
		line, err := ex.ReadLine()
		if err != nil {
			if errors.Is(err, scan.ErrLineTooLong) {
				return nil, tooLong(ex, err)
			}
			return nil, err
		}
		if len(line) == 0 {
			return header, nil
		}
		if err := parseHeaderLine(header, line); err != nil {
			return nil, reject(http.StatusBadRequest, err)
		}
	}
}

// tooLong maps a line that did not fit to 413 when the request budget ran
// out, and to 431 when the line ceiling was hit.
func tooLong(ex *session.Exchange, err error) error {
	if ex.Budget().Remaining() <= scan.LineLimit {
		return reject(http.StatusRequestEntityTooLarge, err)
	}
	return reject(http.StatusRequestHeaderFieldsTooLarge, err)
}

func requestURL(method, target string, secure bool, hosts []string) (*url.URL, error) {
	var u *url.URL
	if target == "*" && method == "OPTIONS" {
		u = &url.URL{Path: "*"}
	} else {
		var err error
		if u, err = url.ParseRequestURI(target); err != nil {
			return nil, err
		}
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if secure {
			u.Scheme = "https"
		}
	}
	if u.Host == "" && len(hosts) == 1 {
		u.Host = hosts[0]
	}
	return u, nil
}

// readBody reads a Content-Length or chunked body, answering
// Expect: 100-continue first when the body fits the budget.
func readBody(ex *session.Exchange, header textproto.MIMEHeader) ([]byte, error) {
	te := header.Values("Transfer-Encoding")
	cls := header.Values("Content-Length")

	chunked := false
	var length int64
	switch {
	case len(te) > 0:
		if len(cls) > 0 {
			return nil, reject(http.StatusBadRequest, errors.New("http1: both Content-Length and Transfer-Encoding"))
		}
		if !strings.EqualFold(strings.TrimSpace(te[len(te)-1]), "chunked") || len(te) > 1 || strings.Contains(te[0], ",") {
			return nil, reject(http.StatusNotImplemented, errors.New("http1: unsupported transfer encoding"))
		}
		chunked = true
	case len(cls) > 0:
		for _, v := range cls[1:] {
			if v != cls[0] {
				return nil, reject(http.StatusBadRequest, errors.New("http1: conflicting Content-Length"))
			}
		}
		n, err := strconv.ParseInt(cls[0], 10, 64)
		if err != nil || n < 0 {
			return nil, reject(http.StatusBadRequest, errors.New("http1: invalid Content-Length"))
		}
		if n > ex.Budget().Remaining() {
			return nil, reject(http.StatusRequestEntityTooLarge, session.ErrBudgetExceeded)
		}
		length = n
	}

	if !chunked && length == 0 {
		return nil, nil
	}

	if expect := header.Get("Expect"); expect != "" {
		if !strings.EqualFold(expect, "100-continue") {
			return nil, reject(http.StatusExpectationFailed, errors.New("http1: unsupported expectation"))
		}
		if _, err := ex.Write(continueResponse); err != nil {
			return nil, err
		}
		if err := ex.Flush(); err != nil {
			return nil, err
		}
	}

	if chunked {
		return readChunked(ex)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(ex, body); err != nil {
		return nil, err
	}
	return body, nil
}

func readChunked(ex *session.Exchange) ([]byte, error) {
	var body []byte
	for {
		line, err := ex.ReadLine()
		if err != nil {
			if errors.Is(err, scan.ErrLineTooLong) {
				if ex.Budget().Remaining() <= maxChunkLine {
					return nil, reject(http.StatusRequestEntityTooLarge, err)
				}
				return nil, reject(http.StatusBadRequest, ErrMalformedChunk)
			}
			return nil, err
		}
		size, err := parseChunkSize(line)
		if err != nil {
			return nil, reject(http.StatusBadRequest, err)
		}

		if size == 0 {
			// Trailers are read and dropped.
			if _, err := readHeader(ex); err != nil {
				return nil, err
			}
			return body, nil
		}

		// The chunk and its CRLF must fit.
		if size+2 > ex.Budget().Remaining() {
			return nil, reject(http.StatusRequestEntityTooLarge, session.ErrBudgetExceeded)
		}
		start := len(body)
		body = append(body, make([]byte, size)...)
		if _, err := io.ReadFull(ex, body[start:]); err != nil {
			return nil, err
		}

		crlf, err := ex.ReadLine()
		if err != nil {
			return nil, err
		}
		if len(crlf) != 0 {
			return nil, reject(http.StatusBadRequest, ErrMalformedChunk)
		}
	}
}

// wantsClose reports whether the client asked for the connection to end
// after this exchange.
func wantsClose(req *Request) bool {
	conn := req.Header.Values("Connection")
	if hasToken(conn, "close") {
		return true
	}
	return req.Proto == "HTTP/1.0" && !hasToken(conn, "keep-alive")
}
