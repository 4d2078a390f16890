// Package listener binds the plain and TLS listening sockets of a server.
//
// Binding is independently fallible per socket: a port that cannot be bound
// is logged and skipped, and startup continues with whatever did bind.
package listener

import (
	"net"
	"sync"
	"sync/atomic"
)

// Mode is the protocol mode of a listener.
type Mode int

const (
	// Plain listeners hand out cleartext connections.
	Plain Mode = iota
	// Secure listeners hand out *tls.Conn connections.
	Secure
)

// String returns "HTTP" or "HTTPS", the name used in logs and metrics.
func (m Mode) String() string {
	if m == Secure {
		return "HTTPS"
	}
	return "HTTP"
}

// Listener is a bound listening socket with its mode. Close is idempotent,
// and Closed reports true as soon as Close has started, so an accept loop can
// tell a shutdown from a live failure.
type Listener struct {
	net.Listener

	mode     Mode
	closed   atomic.Bool
	once     sync.Once
	closeErr error
}

// Wrap adopts an already bound listener. The caller must not close l
// directly afterwards.
func Wrap(l net.Listener, mode Mode) *Listener {
	return &Listener{Listener: l, mode: mode}
}

func (l *Listener) Mode() Mode {
	return l.mode
}

// Port returns the bound TCP port, or 0 for non-TCP listeners.
func (l *Listener) Port() int {
	if addr, ok := l.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Closed reports whether Close has been called.
func (l *Listener) Closed() bool {
	return l.closed.Load()
}

// Close closes the socket exactly once. Later calls return the result of the
// first.
func (l *Listener) Close() error {
	l.once.Do(func() {
		l.closed.Store(true)
		l.closeErr = l.Listener.Close()
	})
	return l.closeErr
}
