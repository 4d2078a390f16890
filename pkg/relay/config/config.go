// Package config loads the relay server configuration from YAML.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yourusername/relay/pkg/relay/http1"
	"github.com/yourusername/relay/pkg/relay/keepalive"
	"github.com/yourusername/relay/pkg/relay/logging"
	"github.com/yourusername/relay/pkg/relay/scan"
	"github.com/yourusername/relay/pkg/relay/session"
	"github.com/yourusername/relay/pkg/relay/socket"
	"github.com/yourusername/relay/pkg/relay/tlsconf"
)

// Config is the top-level configuration file.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	KeepAlive KeepAliveConfig `yaml:"keep_alive"`
	TLS       tlsconf.Config  `yaml:"tls"`
	Socket    socket.Config   `yaml:"socket"`
	Log       logging.Config  `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	GeoIP     GeoIPConfig     `yaml:"geoip"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// ServerConfig holds the listener and session settings.
type ServerConfig struct {
	// Address to bind, empty for all interfaces.
	Address string `yaml:"address"`

	// Ports; 0 disables the listener.
	InsecurePort int `yaml:"insecure_port"`
	SecurePort   int `yaml:"secure_port"`

	// Hostname is passed to handlers as a virtual host hint.
	Hostname string `yaml:"hostname"`

	// MaxRequestSize is the cumulative byte budget of one connection.
	// Default: 64KB
	MaxRequestSize int64 `yaml:"max_request_size"`

	ReadBufferSize  int `yaml:"read_buffer_size"`
	WriteBufferSize int `yaml:"write_buffer_size"`

	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// KeepAliveConfig is the reuse policy.
type KeepAliveConfig struct {
	// First is the idle timeout before the first request.
	First time.Duration `yaml:"first"`

	// Reuse is the idle timeout before every later request.
	Reuse time.Duration `yaml:"reuse"`

	// MaxRequests caps exchanges per connection, 0 for no cap.
	MaxRequests int `yaml:"max_requests"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

type GeoIPConfig struct {
	// Database is a MaxMind country database, empty to disable lookups.
	Database string `yaml:"database"`
}

// HTTPConfig configures the bundled request handler.
type HTTPConfig struct {
	// Root is a directory to serve files from. Empty serves the request
	// description instead.
	Root string `yaml:"root"`

	http1.Options `yaml:",inline"`
}

// Default returns the configuration used for fields a file leaves out.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			InsecurePort:    8080,
			MaxRequestSize:  session.DefaultMaxRequestSize,
			ReadBufferSize:  session.DefaultBufferSize,
			WriteBufferSize: session.DefaultBufferSize,
			WriteTimeout:    session.DefaultWriteTimeout,
			ShutdownTimeout: 10 * time.Second,
		},
		KeepAlive: KeepAliveConfig{
			First: 30 * time.Second,
			Reuse: 5 * time.Second,
		},
		TLS:    *tlsconf.NewConfig(),
		Socket: *socket.DefaultConfig(),
		Log: logging.Config{
			Level:  "info",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Address: "127.0.0.1:9090",
			Path:    "/metrics",
		},
		HTTP: HTTPConfig{
			Options: http1.Options{
				Compress:        true,
				CompressMinSize: http1.DefaultCompressMinSize,
			},
		},
	}
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error

	if err := validPort("server.insecure_port", c.Server.InsecurePort); err != nil {
		errs = append(errs, err)
	}
	if err := validPort("server.secure_port", c.Server.SecurePort); err != nil {
		errs = append(errs, err)
	}
	if c.Server.InsecurePort != 0 && c.Server.InsecurePort == c.Server.SecurePort {
		errs = append(errs, fmt.Errorf("server.secure_port: same as insecure_port (%d)", c.Server.SecurePort))
	}
	if c.Server.MaxRequestSize <= 0 {
		errs = append(errs, fmt.Errorf("server.max_request_size: must be positive, got %d", c.Server.MaxRequestSize))
	}
	if c.Server.ReadBufferSize <= scan.LineLimit {
		errs = append(errs, fmt.Errorf("server.read_buffer_size: must exceed %d, got %d", scan.LineLimit, c.Server.ReadBufferSize))
	}
	if c.Server.WriteBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("server.write_buffer_size: must be positive, got %d", c.Server.WriteBufferSize))
	}
	if c.Server.WriteTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server: timeouts cannot be negative"))
	}
	if c.KeepAlive.MaxRequests < 0 {
		errs = append(errs, fmt.Errorf("keep_alive.max_requests: cannot be negative, got %d", c.KeepAlive.MaxRequests))
	}
	if (c.TLS.AutoCert || c.TLS.SelfSigned) && len(c.TLS.Domains) == 0 {
		errs = append(errs, tlsconf.ErrNoDomains)
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, errors.New("metrics.address: required when metrics are enabled"))
	}

	return errors.Join(errs...)
}

// Warnings lists settings that are valid but will not take effect.
func (c *Config) Warnings() []string {
	var warnings []string
	if c.Server.SecurePort != 0 && !c.TLS.Enabled() {
		warnings = append(warnings, fmt.Sprintf(
			"server.secure_port %d is set but tls has no certificate source; the secure listener is disabled",
			c.Server.SecurePort))
	}
	return warnings
}

func validPort(field string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%s: %d out of range 0..65535", field, port)
	}
	return nil
}

// Policy builds the keep-alive policy.
func (c *Config) Policy() keepalive.Policy {
	return keepalive.Limit(keepalive.Tiered{
		First: c.KeepAlive.First,
		Reuse: c.KeepAlive.Reuse,
	}, c.KeepAlive.MaxRequests)
}

func (c *Config) SocketConfig() *socket.Config {
	s := c.Socket
	return &s
}

// TLSConfig builds the TLS capability, or returns nil, nil when no
// certificate source is configured. After an ACME build, c.TLS.Manager()
// answers HTTP-01 challenges.
func (c *Config) TLSConfig() (*tls.Config, error) {
	if !c.TLS.Enabled() {
		return nil, nil
	}
	return c.TLS.Build()
}
