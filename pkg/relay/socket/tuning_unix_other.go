//go:build unix && !linux

package socket

// Darwin, the BSDs and other unix platforms get only the portable options.

func applyPlatformListenerOptions(fd int, cfg *Config) error {
	return nil
}

func applyPlatformConnOptions(fd int, cfg *Config) {}
