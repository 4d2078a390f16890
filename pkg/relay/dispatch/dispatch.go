// Package dispatch runs one accept loop per bound listener and hands every
// accepted connection to its own session goroutine.
//
// Accept loops never wait on sessions: a slow connection only ever holds its
// own goroutine. A loop ends silently when its listener is closed; any other
// accept failure is logged and retried with backoff.
package dispatch

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yourusername/relay/pkg/relay/keepalive"
	"github.com/yourusername/relay/pkg/relay/listener"
	"github.com/yourusername/relay/pkg/relay/logging"
	"github.com/yourusername/relay/pkg/relay/metrics"
	"github.com/yourusername/relay/pkg/relay/session"
	"github.com/yourusername/relay/pkg/relay/socket"
)

var (
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("dispatch: already started")

	// ErrServerClosed is returned by Start and Serve after Shutdown.
	ErrServerClosed = errors.New("dispatch: server closed")
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Config configures a Dispatcher and every session it creates.
type Config struct {
	Listener listener.Config

	// Hostname is forwarded to handlers as a virtual-host hint.
	Hostname string

	// MaxRequestSize is the per-connection request budget.
	// Default: session.DefaultMaxRequestSize
	MaxRequestSize int64

	// Default: keepalive.Default
	Policy keepalive.Policy

	// Handler serves each exchange. Required.
	Handler session.Handler

	// Socket tunes listening and accepted sockets. Nil uses
	// socket.DefaultConfig.
	Socket *socket.Config

	// Locator optionally resolves peer countries.
	Locator session.Locator

	ReadBufferSize  int
	WriteBufferSize int
	WriteTimeout    time.Duration

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Dispatcher owns the listeners and the sessions of one server.
type Dispatcher struct {
	cfg     Config
	logger  *logging.Logger
	manager *listener.Manager

	// ctx is cancelled by Shutdown; sessions watch it.
	ctx    context.Context
	cancel context.CancelFunc

	// done aborts accept backoff sleeps.
	done chan struct{}

	loops   errgroup.Group
	serving sync.WaitGroup // loops started by Serve

	mu       sync.Mutex
	started  bool
	shutdown atomic.Bool
	external []*listener.Listener

	sessionsMu sync.Mutex
	sessions   map[*session.Session]struct{}
	sessionsWg sync.WaitGroup
}

// New creates a Dispatcher. It panics if cfg.Handler is nil.
func New(cfg Config) *Dispatcher {
	if cfg.Handler == nil {
		panic("dispatch: Handler is required")
	}
	if cfg.Socket == nil {
		cfg.Socket = socket.DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Policy == nil {
		cfg.Policy = keepalive.Default
	}

	lcfg := cfg.Listener
	lcfg.Socket = cfg.Socket
	lcfg.Logger = cfg.Logger
	lcfg.Metrics = cfg.Metrics

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      cfg,
		logger:   cfg.Logger,
		manager:  listener.NewManager(lcfg),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		sessions: make(map[*session.Session]struct{}),
	}
}

// Init binds the configured listeners and returns those that bound. Bind
// failures are logged, not returned: the server runs with what it has.
func (d *Dispatcher) Init(ctx context.Context) []*listener.Listener {
	return d.manager.Bind(ctx)
}

// Listeners returns the listeners bound by Init.
func (d *Dispatcher) Listeners() []*listener.Listener {
	return d.manager.Listeners()
}

// Start launches one accept loop per bound listener and returns at once.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.shutdown.Load() {
		return ErrServerClosed
	}
	if d.started {
		return ErrAlreadyStarted
	}
	d.started = true

	insecureOnly := d.manager.Secure() == nil
	for _, l := range d.manager.Listeners() {
		l := l
		d.loops.Go(func() error {
			d.runAcceptLoop(l, insecureOnly && l.Mode() == listener.Plain)
			return nil
		})
	}
	return nil
}

// Wait blocks until every accept loop started by Start has returned.
func (d *Dispatcher) Wait() error {
	return d.loops.Wait()
}

// Serve runs an accept loop for an externally bound listener on the calling
// goroutine. It returns when l is closed, by the caller or by Shutdown.
func (d *Dispatcher) Serve(l *listener.Listener) error {
	d.mu.Lock()
	if d.shutdown.Load() {
		d.mu.Unlock()
		return ErrServerClosed
	}
	d.external = append(d.external, l)
	d.serving.Add(1)
	d.mu.Unlock()
	defer d.serving.Done()

	insecureOnly := l.Mode() == listener.Plain && d.manager.Secure() == nil
	d.runAcceptLoop(l, insecureOnly)

	if d.shutdown.Load() {
		return ErrServerClosed
	}
	return nil
}

// runAcceptLoop accepts until l is closed.
func (d *Dispatcher) runAcceptLoop(l *listener.Listener, insecureOnly bool) {
	mode := l.Mode()
	secure := mode == listener.Secure

	d.logger.Info("accepting", map[string]interface{}{
		"address": l.Addr().String(),
		"mode":    mode.String(),
	})

	var tempDelay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if l.Closed() || errors.Is(err, net.ErrClosed) {
				return
			}

			if tempDelay == 0 {
				tempDelay = minAcceptDelay
			} else {
				tempDelay *= 2
			}
			if tempDelay > maxAcceptDelay {
				tempDelay = maxAcceptDelay
			}

			d.logger.Warn(mode.String(), map[string]interface{}{
				"address": l.Addr().String(),
				"error":   err.Error(),
				"retry":   tempDelay.String(),
			})
			d.cfg.Metrics.AcceptFailed(mode.String())

			timer := time.NewTimer(tempDelay)
			select {
			case <-timer.C:
			case <-d.done:
				timer.Stop()
				return
			}
			continue
		}
		tempDelay = 0

		d.cfg.Metrics.Accepted(mode.String())
		if err := socket.Apply(conn, d.cfg.Socket); err != nil {
			d.logger.Debug("socket tuning failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		d.serveConn(conn, secure, insecureOnly)
	}
}

// serveConn hands conn to a new session. From here on the session is the
// only code that closes conn.
func (d *Dispatcher) serveConn(conn net.Conn, secure, insecureOnly bool) {
	s := session.New(conn, session.Config{
		Secure:          secure,
		InsecureOnly:    insecureOnly,
		Hostname:        d.cfg.Hostname,
		MaxRequestSize:  d.cfg.MaxRequestSize,
		Policy:          d.cfg.Policy,
		Handler:         d.cfg.Handler,
		Locator:         d.cfg.Locator,
		WriteTimeout:    d.cfg.WriteTimeout,
		ReadBufferSize:  d.cfg.ReadBufferSize,
		WriteBufferSize: d.cfg.WriteBufferSize,
		Logger:          d.logger,
		Metrics:         d.cfg.Metrics,
	})

	d.track(s)
	go func() {
		defer d.untrack(s)
		outcome := s.Serve(d.ctx)
		if d.logger.Enabled(logging.LevelDebug) {
			d.logger.Debug("session closed", map[string]interface{}{
				"remote":  conn.RemoteAddr().String(),
				"outcome": outcome.String(),
				"reuse":   s.Reuse(),
			})
		}
	}()
}

func (d *Dispatcher) track(s *session.Session) {
	d.sessionsMu.Lock()
	d.sessions[s] = struct{}{}
	d.sessionsMu.Unlock()
	d.sessionsWg.Add(1)
}

func (d *Dispatcher) untrack(s *session.Session) {
	d.sessionsMu.Lock()
	delete(d.sessions, s)
	d.sessionsMu.Unlock()
	d.sessionsWg.Done()
}

// ActiveSessions returns the number of live sessions.
func (d *Dispatcher) ActiveSessions() int {
	d.sessionsMu.Lock()
	defer d.sessionsMu.Unlock()
	return len(d.sessions)
}

// Shutdown stops accepting and waits for sessions to end. Sessions waiting
// for their next request are interrupted; exchanges in progress finish. If
// ctx expires first, every remaining session is aborted and ctx.Err() is
// returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if !d.stop() {
		return nil
	}

	select {
	case <-d.finished():
		return nil
	case <-ctx.Done():
		d.abortAll()
		return ctx.Err()
	}
}

// Close stops accepting, aborts every session and waits for them to end.
func (d *Dispatcher) Close() error {
	stopped := d.stop()
	d.abortAll()
	if stopped {
		<-d.finished()
	}
	return nil
}

// stop closes the listeners and cancels the session context. It reports
// false if the dispatcher was already stopped.
func (d *Dispatcher) stop() bool {
	d.mu.Lock()
	if !d.shutdown.CompareAndSwap(false, true) {
		d.mu.Unlock()
		return false
	}
	external := d.external
	d.mu.Unlock()

	// Closed listeners end their loops without logging.
	d.manager.Close()
	for _, l := range external {
		l.Close()
	}
	close(d.done)
	d.cancel()
	return true
}

// finished is closed once all loops and then all sessions have returned.
// Loops are awaited first so no session is tracked after the wait starts.
func (d *Dispatcher) finished() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		d.loops.Wait()
		d.serving.Wait()
		d.sessionsWg.Wait()
		close(ch)
	}()
	return ch
}

func (d *Dispatcher) abortAll() {
	d.sessionsMu.Lock()
	defer d.sessionsMu.Unlock()
	for s := range d.sessions {
		s.Abort()
	}
}
