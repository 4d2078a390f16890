//go:build !unix

package socket

import (
	"errors"
	"syscall"
)

func applyListenerOptions(fd int, cfg *Config) error {
	return nil
}

func applyConnOptions(fd int, cfg *Config) error {
	return nil
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
