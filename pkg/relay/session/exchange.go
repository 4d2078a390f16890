package session

import (
	"crypto/tls"
	"net"

	"github.com/yourusername/relay/pkg/relay/scan"
)

// Handler serves the rest of an exchange once its request line is known:
// headers, body and the response. Returning an error closes the connection.
type Handler interface {
	ServeExchange(ex *Exchange) error
}

// HandlerFunc is an adapter to allow the use of ordinary functions as handlers.
type HandlerFunc func(ex *Exchange) error

// ServeExchange calls f(ex).
func (f HandlerFunc) ServeExchange(ex *Exchange) error {
	return f(ex)
}

// Locator resolves a client IP to an ISO country code, or "" when unknown.
type Locator interface {
	Country(ip string) string
}

// Peer describes the remote end of a connection.
type Peer struct {
	Addr    net.Addr
	IP      string
	Country string
}

// Exchange is one request/response pair on a session's connection. It is
// only valid during the Handler call it is passed to.
//
// Every byte read through an Exchange is charged to the connection's budget.
type Exchange struct {
	s       *Session
	line    []byte
	closing bool
}

// Line returns the request line without its CRLF.
func (ex *Exchange) Line() []byte {
	return ex.line
}

// ReadLine reads the next CRLF-terminated line, typically a header. The
// line and its terminator must fit both scan.LineLimit and the remaining
// budget, otherwise scan.ErrLineTooLong is returned.
func (ex *Exchange) ReadLine() ([]byte, error) {
	line, err := scan.ReadLine(ex.s.reader, ex.s.lineLimit())
	if err != nil {
		return nil, err
	}
	ex.s.charge(int64(len(line) + 2))
	return line, nil
}

// Read reads request body bytes. It returns ErrBudgetExceeded once the
// budget is exhausted.
func (ex *Exchange) Read(p []byte) (int, error) {
	remaining := ex.s.budget.Remaining()
	if remaining == 0 {
		return 0, ErrBudgetExceeded
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := ex.s.reader.Read(p)
	ex.s.charge(int64(n))
	return n, err
}

// Write buffers response bytes. The buffer is flushed when the exchange
// ends or when Flush is called.
func (ex *Exchange) Write(p []byte) (int, error) {
	return ex.s.writer.Write(p)
}

func (ex *Exchange) WriteString(s string) (int, error) {
	return ex.s.writer.WriteString(s)
}

func (ex *Exchange) Flush() error {
	return ex.s.writer.Flush()
}

// Budget returns the connection's remaining request budget.
func (ex *Exchange) Budget() *Budget {
	return ex.s.budget
}

// Reuse returns the number of exchanges completed before this one.
func (ex *Exchange) Reuse() int {
	return ex.s.reuse
}

// Secure reports whether the connection came from the TLS listener.
func (ex *Exchange) Secure() bool {
	return ex.s.cfg.Secure
}

// InsecureOnly reports whether the server has no TLS listener at all.
func (ex *Exchange) InsecureOnly() bool {
	return ex.s.cfg.InsecureOnly
}

// Hostname returns the configured virtual host hint, possibly empty.
func (ex *Exchange) Hostname() string {
	return ex.s.cfg.Hostname
}

func (ex *Exchange) Peer() Peer {
	return ex.s.peer
}

// TLS returns the handshake state for secure connections, nil otherwise.
func (ex *Exchange) TLS() *tls.ConnectionState {
	tc, ok := ex.s.conn.(*tls.Conn)
	if !ok {
		return nil
	}
	state := tc.ConnectionState()
	return &state
}

// CloseAfter marks the connection to be closed once this exchange is done.
func (ex *Exchange) CloseAfter() {
	ex.closing = true
}

// Closing reports whether CloseAfter was called.
func (ex *Exchange) Closing() bool {
	return ex.closing
}
