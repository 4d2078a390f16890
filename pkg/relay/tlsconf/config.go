// Package tlsconf builds the *tls.Config handed to the secure listener.
//
// Certificates come from one of three sources, checked in order: automatic
// ACME certificates (Let's Encrypt through autocert), a manual key pair on
// disk, or a self-signed certificate generated at startup for development.
package tlsconf

import (
	"crypto/tls"
	"errors"
	"fmt"

	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
)

// Let's Encrypt staging directory, for testing without rate limits.
const stagingDirectoryURL = "https://acme-staging-v02.api.letsencrypt.org/directory"

var (
	// ErrNoCertificate indicates that no certificate source is configured.
	ErrNoCertificate = errors.New("tlsconf: no certificate source configured")

	// ErrNoDomains indicates an ACME or self-signed setup without host names.
	ErrNoDomains = errors.New("tlsconf: at least one domain is required")

	// ErrNoEmail indicates an ACME setup without a contact address.
	ErrNoEmail = errors.New("tlsconf: email is required for automatic certificates")
)

// Config represents TLS configuration options.
type Config struct {
	// Automatic certificate management
	AutoCert bool     `yaml:"auto_cert"`
	Email    string   `yaml:"email"`
	Domains  []string `yaml:"domains"`
	CertDir  string   `yaml:"cert_dir"`
	Staging  bool     `yaml:"staging"` // Use Let's Encrypt staging

	// Manual certificate configuration
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// SelfSigned generates a throwaway certificate for Domains.
	SelfSigned bool `yaml:"self_signed"`

	// Advanced TLS options
	MinVersion             uint16             `yaml:"-"`
	MaxVersion             uint16             `yaml:"-"`
	CipherSuites           []uint16           `yaml:"-"`
	SessionTicketsDisabled bool               `yaml:"session_tickets_disabled"`
	ClientAuth             tls.ClientAuthType `yaml:"-"`

	// ALPN protocols
	NextProtos []string `yaml:"-"`

	manager *autocert.Manager
}

// Strong ECDHE suites only. TLS 1.3 suites are not configurable.
var defaultCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
}

// NewConfig creates a new TLS configuration with sensible defaults.
// Only HTTP/1.1 is advertised: connections carry one request at a time.
func NewConfig() *Config {
	return &Config{
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS13,
		CipherSuites: defaultCipherSuites,
		NextProtos:   []string{"http/1.1"},
	}
}

// WithAutoCert enables automatic certificate management via Let's Encrypt.
func (c *Config) WithAutoCert(email string, domains ...string) *Config {
	c.AutoCert = true
	c.Email = email
	c.Domains = domains
	return c
}

// WithStaging selects the Let's Encrypt staging environment.
func (c *Config) WithStaging() *Config {
	c.Staging = true
	return c
}

// WithCertDir sets the directory ACME certificates are cached in.
func (c *Config) WithCertDir(dir string) *Config {
	c.CertDir = dir
	return c
}

// WithManualCert sets manual certificate files.
func (c *Config) WithManualCert(certFile, keyFile string) *Config {
	c.AutoCert = false
	c.CertFile = certFile
	c.KeyFile = keyFile
	return c
}

// WithSelfSigned generates a development certificate for hosts.
func (c *Config) WithSelfSigned(hosts ...string) *Config {
	c.SelfSigned = true
	c.Domains = hosts
	return c
}

func (c *Config) WithMinTLSVersion(version uint16) *Config {
	c.MinVersion = version
	return c
}

func (c *Config) WithMaxTLSVersion(version uint16) *Config {
	c.MaxVersion = version
	return c
}

func (c *Config) WithClientAuth(authType tls.ClientAuthType) *Config {
	c.ClientAuth = authType
	return c
}

// Enabled reports whether any certificate source is configured.
func (c *Config) Enabled() bool {
	return c != nil && (c.AutoCert || c.CertFile != "" || c.KeyFile != "" || c.SelfSigned)
}

// Build creates a *tls.Config from the configuration.
func (c *Config) Build() (*tls.Config, error) {
	switch {
	case c.AutoCert:
		return c.buildAutoCert()
	case c.CertFile != "" || c.KeyFile != "":
		return c.buildManualCert()
	case c.SelfSigned:
		return c.buildSelfSigned()
	default:
		return nil, ErrNoCertificate
	}
}

// Manager returns the ACME manager after a successful Build with AutoCert,
// nil otherwise. Its HTTPHandler answers HTTP-01 challenges.
func (c *Config) Manager() *autocert.Manager {
	return c.manager
}

func (c *Config) buildAutoCert() (*tls.Config, error) {
	if c.Email == "" {
		return nil, ErrNoEmail
	}
	if len(c.Domains) == 0 {
		return nil, ErrNoDomains
	}

	m := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Email:      c.Email,
		HostPolicy: autocert.HostWhitelist(c.Domains...),
	}
	if c.CertDir != "" {
		m.Cache = autocert.DirCache(c.CertDir)
	}
	if c.Staging {
		m.Client = &acme.Client{DirectoryURL: stagingDirectoryURL}
	}
	c.manager = m

	cfg := c.base()
	cfg.GetCertificate = m.GetCertificate
	// Answer TLS-ALPN-01 challenges on the secure port.
	cfg.NextProtos = append(cfg.NextProtos, acme.ALPNProto)
	return cfg, nil
}

func (c *Config) buildManualCert() (*tls.Config, error) {
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, fmt.Errorf("%w: both cert_file and key_file are required", ErrNoCertificate)
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: load key pair: %w", err)
	}

	cfg := c.base()
	cfg.Certificates = []tls.Certificate{cert}
	return cfg, nil
}

func (c *Config) buildSelfSigned() (*tls.Config, error) {
	if len(c.Domains) == 0 {
		return nil, ErrNoDomains
	}

	cert, err := GenerateSelfSigned(c.Domains, defaultSelfSignedValidity)
	if err != nil {
		return nil, err
	}

	cfg := c.base()
	cfg.Certificates = []tls.Certificate{cert}
	return cfg, nil
}

func (c *Config) base() *tls.Config {
	return &tls.Config{
		MinVersion:             c.MinVersion,
		MaxVersion:             c.MaxVersion,
		CipherSuites:           c.CipherSuites,
		SessionTicketsDisabled: c.SessionTicketsDisabled,
		Renegotiation:          tls.RenegotiateNever,
		NextProtos:             append([]string(nil), c.NextProtos...),
		ClientAuth:             c.ClientAuth,
	}
}

// ManualTLS creates a TLS config from certificate and key files.
func ManualTLS(certFile, keyFile string) (*tls.Config, error) {
	return NewConfig().WithManualCert(certFile, keyFile).Build()
}

// SelfSignedTLS creates a TLS config with a fresh self-signed certificate.
func SelfSignedTLS(hosts ...string) (*tls.Config, error) {
	return NewConfig().WithSelfSigned(hosts...).Build()
}
