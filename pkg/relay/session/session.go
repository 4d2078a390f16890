// Package session drives one accepted connection through its keep-alive
// loop: keep-alive decision, request line, handler, repeat.
//
// A Session is the sole owner of its connection. Whatever ends the loop (the
// keep-alive policy, the peer, a timeout, a malformed request or a handler
// failure), the connection is closed exactly once, by the session itself.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yourusername/relay/pkg/relay/keepalive"
	"github.com/yourusername/relay/pkg/relay/logging"
	"github.com/yourusername/relay/pkg/relay/metrics"
	"github.com/yourusername/relay/pkg/relay/scan"
)

const (
	// DefaultMaxRequestSize is the per-connection request budget.
	DefaultMaxRequestSize = 64 << 10

	// DefaultBufferSize is the size of the read and write buffers. The read
	// buffer must be larger than scan.LineLimit.
	DefaultBufferSize = 8192

	// DefaultWriteTimeout bounds the time a handler may spend writing.
	DefaultWriteTimeout = 60 * time.Second

	rejectTimeout = time.Second
)

// ErrHandlerPanic wraps a value recovered from a panicking handler.
var ErrHandlerPanic = errors.New("session: handler panic")

var (
	badRequest   = []byte("HTTP/1.1 400 Bad Request\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")
	aLongTimeAgo = time.Unix(1, 0)
)

// Config holds the per-connection settings a dispatcher passes to each
// session.
type Config struct {
	// Secure marks connections accepted on the TLS listener.
	Secure bool

	// InsecureOnly marks plaintext connections on a server that has no TLS
	// listener.
	InsecureOnly bool

	// Hostname is an opaque virtual-host hint forwarded to the handler.
	Hostname string

	// MaxRequestSize is the total number of request bytes the connection may
	// consume over all its exchanges.
	// Default: 64 KB
	MaxRequestSize int64

	// Policy decides whether and how long the connection is kept alive.
	// Default: keepalive.Default
	Policy keepalive.Policy

	// Handler serves each exchange. Required.
	Handler Handler

	// Locator optionally resolves the peer's country.
	Locator Locator

	// WriteTimeout bounds each exchange's writes.
	// Default: 60 seconds
	WriteTimeout time.Duration

	// ReadBufferSize must exceed scan.LineLimit; smaller values are raised.
	// Default: 8192 bytes
	ReadBufferSize int

	// WriteBufferSize
	// Default: 8192 bytes
	WriteBufferSize int

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Session owns one accepted connection.
type Session struct {
	conn   net.Conn
	cfg    Config
	logger *logging.Logger

	reader *bufio.Reader
	writer *bufio.Writer

	// Touched only by the goroutine running Serve.
	budget *Budget
	reuse  int
	peer   Peer

	state       atomic.Int32
	interrupted atomic.Bool
	// readMu orders Interrupt against the Reading to LineReady transition.
	readMu sync.Mutex
	closeOnce   sync.Once
}

// New takes ownership of conn. It panics if cfg.Handler is nil.
func New(conn net.Conn, cfg Config) *Session {
	if cfg.Handler == nil {
		panic("session: Handler is required")
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = DefaultMaxRequestSize
	}
	if cfg.Policy == nil {
		cfg.Policy = keepalive.Default
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ReadBufferSize <= scan.LineLimit {
		cfg.ReadBufferSize = DefaultBufferSize
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = DefaultBufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	s := &Session{
		conn:   conn,
		cfg:    cfg,
		budget: NewBudget(cfg.MaxRequestSize),
		peer:   peerOf(conn.RemoteAddr(), cfg.Locator),
		reader: getReader(conn, cfg.ReadBufferSize),
		writer: getWriter(conn, cfg.WriteBufferSize),
	}
	s.logger = cfg.Logger.With(map[string]interface{}{
		"peer":   s.peer.IP,
		"secure": cfg.Secure,
	})
	s.state.Store(int32(StateIdle))
	return s
}

// State returns the current state. Safe to call from any goroutine.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

// Reuse returns the number of completed exchanges. Only meaningful from the
// handler or after Serve returned.
func (s *Session) Reuse() int {
	return s.reuse
}

// Budget returns the connection's remaining request budget. Only meaningful
// from the handler or after Serve returned.
func (s *Session) Budget() *Budget {
	return s.budget
}

// Serve runs the keep-alive loop until it ends and returns the state that
// ended it. The connection is closed when Serve returns. Cancelling ctx
// interrupts a session waiting for its next request line; an exchange
// already in progress is allowed to finish.
//
// Serve never panics because of the handler and never returns an error:
// failures are logged and end the session.
func (s *Session) Serve(ctx context.Context) (outcome State) {
	s.cfg.Metrics.SessionOpened()
	defer func() {
		s.close()
		s.setState(StateClosed)
		s.cfg.Metrics.SessionClosed(outcome.String())
	}()

	stop := context.AfterFunc(ctx, s.Interrupt)
	defer stop()

	for {
		timeout, ok := keepalive.Decide(s.cfg.Policy, s.reuse)
		if !ok || s.interrupted.Load() {
			return StateClosed
		}

		if st := s.exchange(timeout); st != StateIdle {
			return st
		}
		s.reuse++
	}
}

// exchange runs one request/response pair. It returns StateIdle when the
// connection may be reused, otherwise the terminal state.
func (s *Session) exchange(timeout time.Duration) State {
	if err := s.setReadDeadline(timeout); err != nil {
		return s.readFailed(err)
	}

	if !s.beginRead() {
		return StateClosed
	}

	limit := s.lineLimit()
	if limit == 0 {
		// No line fits the budget, but only a byte from the peer makes
		// that a bad request.
		if _, err := s.reader.Peek(1); err != nil {
			return s.readFailed(err)
		}
		return s.readFailed(scan.ErrLineTooLong)
	}

	line, err := scan.ReadLine(s.reader, limit)
	if err != nil {
		return s.readFailed(err)
	}
	s.charge(int64(len(line) + 2))
	s.endRead()

	// Headers and body get their own window.
	_ = s.setReadDeadline(timeout)
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))

	ex := &Exchange{s: s, line: line}
	if err := s.handle(ex); err != nil {
		return s.exchangeFailed(err)
	}
	if err := s.writer.Flush(); err != nil {
		return s.exchangeFailed(err)
	}
	s.cfg.Metrics.ExchangeServed()

	if ex.closing {
		return StateClosed
	}
	s.setState(StateIdle)
	return StateIdle
}

// handle calls the handler, turning a panic into ErrHandlerPanic.
func (s *Session) handle(ex *Exchange) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", map[string]interface{}{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
				"reuse": s.reuse,
			})
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return s.cfg.Handler.ServeExchange(ex)
}

// readFailed handles a request-line read that produced no line.
func (s *Session) readFailed(err error) State {
	st := classify(err)
	switch st {
	case StateLineTooLarge:
		s.logger.Debug("request line too large", map[string]interface{}{
			"reuse":     s.reuse,
			"remaining": s.budget.Remaining(),
		})
		s.reject()
	case StateIOError:
		s.logger.Warn(err.Error(), map[string]interface{}{
			"error": err.Error(),
			"reuse": s.reuse,
		})
	}
	// Timeouts and peer closes are the normal end of a keep-alive connection.
	return st
}

// exchangeFailed handles an error from the handler or the final flush.
func (s *Session) exchangeFailed(err error) State {
	switch {
	case errors.Is(err, ErrHandlerPanic):
		return StateIOError
	case isPeerClosed(err):
		return StateConnectionClosed
	case isTimeout(err):
		// A client too slow to send its headers or body, or an abort.
		return StateTimedOut
	}
	s.logger.Warn("exchange failed", map[string]interface{}{
		"error": err.Error(),
		"reuse": s.reuse,
	})
	return StateIOError
}

// reject answers an unusable request line with 400 and gives up on the
// connection. Best effort: the peer may not be reading.
func (s *Session) reject() {
	_ = s.conn.SetWriteDeadline(time.Now().Add(rejectTimeout))
	if _, err := s.writer.Write(badRequest); err == nil {
		_ = s.writer.Flush()
	}
}

// Interrupt makes a session that is waiting for a request line give up
// immediately, and stops it from starting another exchange. An exchange
// whose request line was already read runs to completion.
func (s *Session) Interrupt() {
	s.interrupted.Store(true)

	s.readMu.Lock()
	defer s.readMu.Unlock()
	if s.State() == StateReading {
		_ = s.conn.SetReadDeadline(aLongTimeAgo)
	}
}

// beginRead enters StateReading unless the session was interrupted.
func (s *Session) beginRead() bool {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	if s.interrupted.Load() {
		return false
	}
	s.setState(StateReading)
	return true
}

// endRead leaves StateReading once the request line is in. An Interrupt
// that saw StateReading has set its deadline by now, so the exchange
// deadline set after this call is the one that holds.
func (s *Session) endRead() {
	s.readMu.Lock()
	s.setState(StateLineReady)
	s.readMu.Unlock()
}

// Abort interrupts the session and fails any pending read or write,
// including those of a running handler.
func (s *Session) Abort() {
	s.interrupted.Store(true)
	_ = s.conn.SetDeadline(aLongTimeAgo)
}

func (s *Session) setReadDeadline(timeout time.Duration) error {
	if timeout > 0 {
		return s.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	return s.conn.SetReadDeadline(time.Time{})
}

// lineLimit bounds a line search so that the line plus its CRLF fit in the
// remaining budget.
func (s *Session) lineLimit() int {
	remaining := s.budget.Remaining() - 1
	if remaining < 0 {
		return 0
	}
	if remaining < scan.LineLimit {
		return int(remaining)
	}
	return scan.LineLimit
}

func (s *Session) charge(n int64) {
	if err := s.budget.Consume(n); err != nil {
		// Callers never read past the remaining budget.
		panic(fmt.Sprintf("session: charged %d bytes with %d remaining", n, s.budget.Remaining()))
	}
	s.cfg.Metrics.BudgetConsumed(n)
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.conn.Close()
		putReader(s.reader)
		putWriter(s.writer)
		s.reader, s.writer = nil, nil
	})
}

func peerOf(addr net.Addr, locator Locator) Peer {
	p := Peer{Addr: addr}
	switch a := addr.(type) {
	case *net.TCPAddr:
		p.IP = a.IP.String()
	case nil:
	default:
		if host, _, err := net.SplitHostPort(a.String()); err == nil {
			p.IP = host
		} else {
			p.IP = a.String()
		}
	}
	if locator != nil && p.IP != "" {
		p.Country = locator.Country(p.IP)
	}
	return p
}
