package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/yourusername/relay/pkg/relay/logging"
	"github.com/yourusername/relay/pkg/relay/metrics"
	"github.com/yourusername/relay/pkg/relay/socket"
)

// Config describes the sockets a Manager binds.
type Config struct {
	// Address is the bind address. Empty binds all interfaces.
	Address string

	// InsecurePort is the cleartext port. 0 disables it.
	InsecurePort int

	// SecurePort is the TLS port. 0 disables it, and so does a nil TLS.
	SecurePort int

	// TLS is the server TLS configuration, nil when TLS is unavailable.
	TLS *tls.Config

	// Socket tunes the listening sockets. Nil uses socket.DefaultConfig,
	// which enables SO_REUSEADDR.
	Socket *socket.Config

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Manager owns the server's listening sockets.
type Manager struct {
	cfg    Config
	logger *logging.Logger

	mu       sync.Mutex
	bound    bool
	insecure *Listener
	secure   *Listener
}

// NewManager creates a Manager. No socket is opened until Bind.
func NewManager(cfg Config) *Manager {
	if cfg.Socket == nil {
		cfg.Socket = socket.DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Manager{cfg: cfg, logger: cfg.Logger}
}

// Bind opens the configured listeners and returns those that bound. A
// failed bind is logged as a warning and leaves that listener unset; it is
// never retried and never prevents the other listener from binding. Calling
// Bind again returns the listeners of the first call.
func (m *Manager) Bind(ctx context.Context) []*Listener {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bound {
		return m.listeners()
	}
	m.bound = true

	if m.cfg.InsecurePort > 0 {
		m.insecure = m.tryBind(ctx, m.cfg.InsecurePort, Plain)
	}
	// Without a TLS configuration the secure port is not ours to complain
	// about.
	if m.cfg.SecurePort > 0 && m.cfg.TLS != nil {
		m.secure = m.tryBind(ctx, m.cfg.SecurePort, Secure)
	}
	return m.listeners()
}

func (m *Manager) tryBind(ctx context.Context, port int, mode Mode) *Listener {
	l, err := m.bind(ctx, port, mode)
	if err != nil {
		m.logger.Warn(fmt.Sprintf("Could not bind to port %d.", port), map[string]interface{}{
			"port":   port,
			"mode":   mode.String(),
			"in_use": socket.IsAddrInUse(err),
			"error":  err.Error(),
		})
		m.cfg.Metrics.BindFailed(mode.String())
		return nil
	}
	m.logger.Info("listening", map[string]interface{}{
		"address": l.Addr().String(),
		"mode":    mode.String(),
	})
	return l
}

// bind opens one listening socket. On error nothing is left open.
func (m *Manager) bind(ctx context.Context, port int, mode Mode) (*Listener, error) {
	lc := net.ListenConfig{Control: m.cfg.Socket.Control}

	addr := net.JoinHostPort(m.cfg.Address, strconv.Itoa(port))
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listener: bind %s: %w", addr, err)
	}

	if mode == Secure {
		ln = tls.NewListener(ln, m.cfg.TLS)
	}
	return Wrap(ln, mode), nil
}

// Insecure returns the plain listener, nil if it is not bound.
func (m *Manager) Insecure() *Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insecure
}

// Secure returns the TLS listener, nil if it is not bound.
func (m *Manager) Secure() *Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.secure
}

// Listeners returns the bound listeners, plain first.
func (m *Manager) Listeners() []*Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listeners()
}

func (m *Manager) listeners() []*Listener {
	var ls []*Listener
	if m.insecure != nil {
		ls = append(ls, m.insecure)
	}
	if m.secure != nil {
		ls = append(ls, m.secure)
	}
	return ls
}

// Close closes every bound listener. It is safe to call more than once.
func (m *Manager) Close() error {
	var errs []error
	for _, l := range m.Listeners() {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
