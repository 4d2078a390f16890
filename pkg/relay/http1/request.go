// Package http1 is a request handler for session connections: it reads the
// headers and body that follow a request line, calls a Responder and writes
// the response back.
//
// Everything read counts against the connection's request budget. Requests
// that do not fit get 413 Payload Too Large; malformed ones get 400 Bad
// Request. Both close the connection.
package http1

import (
	"bytes"
	"errors"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"github.com/yourusername/relay/pkg/relay/session"
)

var (
	// ErrMalformedRequestLine indicates a request line that is not
	// "METHOD target PROTO".
	ErrMalformedRequestLine = errors.New("http1: malformed request line")

	// ErrMalformedHeader indicates a header line without a colon.
	ErrMalformedHeader = errors.New("http1: malformed header line")

	// ErrMalformedChunk indicates an invalid chunk size or terminator.
	ErrMalformedChunk = errors.New("http1: malformed chunked body")

	// ErrUnsupportedProtocol indicates a protocol other than HTTP/1.x.
	ErrUnsupportedProtocol = errors.New("http1: unsupported protocol")
)

// Request is a fully read request.
type Request struct {
	Method string
	Target string
	Proto  string
	URL    *url.URL
	Header textproto.MIMEHeader
	Body   []byte

	// Host is the Host header without its port.
	Host string

	// Connection details from the session.
	Peer         session.Peer
	Secure       bool
	InsecureOnly bool
	Hostname     string
	Reuse        int
}

// ParseRequestLine splits a request line into method, target and protocol.
func ParseRequestLine(line []byte) (method, target, proto string, err error) {
	i := bytes.IndexByte(line, ' ')
	if i <= 0 {
		return "", "", "", ErrMalformedRequestLine
	}
	rest := line[i+1:]
	j := bytes.IndexByte(rest, ' ')
	if j <= 0 {
		return "", "", "", ErrMalformedRequestLine
	}

	method = string(line[:i])
	target = string(rest[:j])
	proto = string(rest[j+1:])

	if !strings.HasPrefix(proto, "HTTP/1.") {
		return "", "", "", ErrUnsupportedProtocol
	}
	for _, c := range method {
		if c < 'A' || c > 'Z' {
			return "", "", "", ErrMalformedRequestLine
		}
	}
	return method, target, proto, nil
}

// parseHeaderLine adds one "Name: value" line to h.
func parseHeaderLine(h textproto.MIMEHeader, line []byte) error {
	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		return ErrMalformedHeader
	}
	name := bytes.TrimSpace(line[:i])
	if len(name) != i {
		// No whitespace allowed between the name and the colon.
		return ErrMalformedHeader
	}
	value := bytes.TrimSpace(line[i+1:])
	h.Add(textproto.CanonicalMIMEHeaderKey(string(name)), string(value))
	return nil
}

// hostOnly strips the port from a Host header value.
func hostOnly(host string) string {
	if strings.HasPrefix(host, "[") {
		if i := strings.IndexByte(host, ']'); i > 0 {
			return host[1:i]
		}
		return host
	}
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}

// hasToken reports whether a comma separated header value contains token,
// compared case-insensitively.
func hasToken(values []string, token string) bool {
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// parseChunkSize parses the hex size of a chunk line, ignoring extensions.
func parseChunkSize(line []byte) (int64, error) {
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 || len(line) > 15 {
		return 0, ErrMalformedChunk
	}
	n, err := strconv.ParseInt(string(line), 16, 64)
	if err != nil || n < 0 {
		return 0, ErrMalformedChunk
	}
	return n, nil
}
