// Package socket applies socket options to listening and accepted sockets.
//
// Portable options live in tuning_unix.go; Linux-only options such as
// TCP_DEFER_ACCEPT and TCP_FASTOPEN are in tuning_linux.go. On platforms
// without golang.org/x/sys/unix support every call is a no-op.
package socket

import (
	"crypto/tls"
	"net"
	"syscall"
)

// Config represents socket tuning configuration.
// Zero values mean "use system defaults".
type Config struct {
	// SO_REUSEADDR on listening sockets, so a restarted server can bind a
	// port still holding TIME_WAIT connections.
	// Default: true
	ReuseAddr bool `yaml:"reuse_addr"`

	// TCP_NODELAY - Disable Nagle's algorithm for low latency
	// Default: true
	NoDelay bool `yaml:"no_delay"`

	// SO_KEEPALIVE - Enable TCP keepalive probes on accepted connections
	// Default: true
	KeepAlive bool `yaml:"keep_alive"`

	// SO_RCVBUF / SO_SNDBUF in bytes. 0 keeps the system default.
	RecvBuffer int `yaml:"recv_buffer"`
	SendBuffer int `yaml:"send_buffer"`

	// TCP_QUICKACK - Send immediate ACKs (Linux only)
	QuickAck bool `yaml:"quick_ack"`

	// TCP_DEFER_ACCEPT - Don't wake the accept loop until data arrives (Linux only)
	DeferAccept bool `yaml:"defer_accept"`

	// TCP_FASTOPEN - Enable TCP Fast Open on listeners (Linux only)
	FastOpen bool `yaml:"fast_open"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() *Config {
	return &Config{
		ReuseAddr: true,
		NoDelay:   true,
		KeepAlive: true,
	}
}

// Control is a net.ListenConfig control function. It runs after the
// listening socket is created and before it is bound.
func (cfg *Config) Control(network, address string, c syscall.RawConn) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var optErr error
	err := c.Control(func(fd uintptr) {
		optErr = applyListenerOptions(int(fd), cfg)
	})
	if err != nil {
		return err
	}
	return optErr
}

// Apply applies tuning options to an accepted connection. TLS connections
// are unwrapped to their underlying socket. Connections that are not TCP
// (in-memory pipes, unix sockets) are left untouched.
//
// Only a failure to set TCP_NODELAY is reported; the other options are
// best-effort.
func Apply(conn net.Conn, cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if tlsConn, ok := conn.(*tls.Conn); ok {
		conn = tlsConn.NetConn()
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}

	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return err
	}

	var optErr error
	err = rawConn.Control(func(fd uintptr) {
		optErr = applyConnOptions(int(fd), cfg)
	})
	if err != nil {
		return err
	}
	return optErr
}

// IsAddrInUse reports whether err is caused by the address already being
// bound by another socket.
func IsAddrInUse(err error) bool {
	return isAddrInUse(err)
}
