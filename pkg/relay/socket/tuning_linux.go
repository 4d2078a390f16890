//go:build linux

package socket

import "golang.org/x/sys/unix"

// applyPlatformListenerOptions applies Linux-specific listener options.
func applyPlatformListenerOptions(fd int, cfg *Config) error {
	var lastErr error

	// Wake the accept loop only once request bytes arrived, 5 second cap.
	if cfg.DeferAccept {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_DEFER_ACCEPT, 5); err != nil {
			lastErr = err
		}
	}

	// Queue length 256; fails if TFO is disabled in the kernel.
	if cfg.FastOpen {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_FASTOPEN, 256); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// applyPlatformConnOptions applies Linux-specific options to accepted
// connections. TCP_QUICKACK is not persistent; setting it once only affects
// the first delayed ACK.
func applyPlatformConnOptions(fd int, cfg *Config) {
	if cfg.QuickAck {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_QUICKACK, 1)
	}

	if cfg.KeepAlive {
		// Probe after 60s idle, every 10s, give up after 3 misses.
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 60)
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 10)
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3)
	}
}
