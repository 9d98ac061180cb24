// Package tls builds the control plane's server TLS configuration from
// certificate files or a directory, optionally generating a self-signed pair.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// File names used inside Options.Dir.
const (
	CACertName = "tls_ca.crt"
	CertName   = "tls.crt"
	KeyName    = "tls.key"
)

// Options is the [server.tls] section.
type Options struct {
	Enabled      bool   `toml:"enabled" mapstructure:"enabled"`
	CertFile     string `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string `toml:"key_file" mapstructure:"key_file"`
	Dir          string `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool   `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string `toml:"min_version" mapstructure:"min_version"` // "1.2" or "1.3"
	// Hosts lists DNS names and IPs for a generated certificate.
	Hosts []string `toml:"hosts" mapstructure:"hosts"`
}

var ErrNoCertificate = errors.New("TLS enabled but no certificate configured")

// ParseVersion maps "1.2"/"1.3" (optionally "tls"-prefixed) to a crypto/tls constant.
// Empty selects TLS 1.3.
func ParseVersion(v string) (uint16, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(v)), "tls") {
	case "", "1.3":
		return tls.VersionTLS13, nil
	case "1.2":
		return tls.VersionTLS12, nil
	}
	return 0, fmt.Errorf("unsupported TLS version %q", v)
}

// Setup returns nil when TLS is disabled. Explicit cert/key files win over
// Dir; with AutoGenerate a missing pair in Dir is created first.
func Setup(o Options) (*tls.Config, error) {
	if !o.Enabled {
		return nil, nil
	}
	minVer, err := ParseVersion(o.MinVersion)
	if err != nil {
		return nil, err
	}
	certPath, keyPath := o.CertFile, o.KeyFile
	if certPath == "" || keyPath == "" {
		if o.Dir == "" {
			return nil, ErrNoCertificate
		}
		certPath, keyPath = filepath.Join(o.Dir, CertName), filepath.Join(o.Dir, KeyName)
		if o.AutoGenerate && !exists(certPath) && !exists(keyPath) {
			if err := GenerateSelfSigned(o.Dir, o.Hosts); err != nil {
				return nil, fmt.Errorf("generate certificate: %w", err)
			}
		}
	}
	// Load once up front so a bad pair fails at startup, not at the first handshake.
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		MinVersion:     minVer,
		GetCertificate: reloading(certPath, keyPath),
	}, nil
}

// reloading reads the pair on every handshake so rotated files take effect
// without a restart.
func reloading(certPath, keyPath string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		c, err := tls.LoadX509KeyPair(filepath.Clean(certPath), filepath.Clean(keyPath))
		if err != nil {
			return nil, err
		}
		return &c, nil
	}
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
