package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// TLSConfig holds TLS configuration
type TLSConfig struct {
	Enabled            bool
	CertFile           string
	KeyFile            string
	CAFile             string
	InsecureSkipVerify bool
	MinVersion         uint16
}

// LoadTLSConfig loads and creates a TLS configuration. It returns nil when
// cfg is nil or disabled.
func LoadTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		MinVersion:         cfg.MinVersion,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if tlsConfig.MinVersion == 0 {
		tlsConfig.MinVersion = tls.VersionTLS12
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate and key: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
		tlsConfig.ClientCAs = pool
	}

	return tlsConfig, nil
}

// SecretManager resolves credential references found in configuration
type SecretManager struct {
	getenv   func(string) string
	readFile func(string) ([]byte, error)
}

// NewSecretManager creates a secret manager backed by the process
// environment and the filesystem
func NewSecretManager() *SecretManager {
	return &SecretManager{
		getenv:   os.Getenv,
		readFile: os.ReadFile,
	}
}

// GetSecret resolves key. Supported forms are env:VAR_NAME,
// file:/path/to/secret and plain text. An empty key resolves to "".
func (sm *SecretManager) GetSecret(key string) (string, error) {
	switch {
	case strings.HasPrefix(key, "env:"):
		name := strings.TrimPrefix(key, "env:")
		value := sm.getenv(name)
		if value == "" {
			return "", fmt.Errorf("environment variable %s not found", name)
		}
		return value, nil

	case strings.HasPrefix(key, "file:"):
		path := strings.TrimPrefix(key, "file:")
		data, err := sm.readFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read secret from file %s: %w", path, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return key, nil
}

// IsReference reports whether value names a secret instead of holding one
func IsReference(value string) bool {
	return strings.HasPrefix(value, "env:") || strings.HasPrefix(value, "file:")
}

// Redact hides a credential for display. References are shown as is.
func Redact(value string) string {
	if value == "" || IsReference(value) {
		return value
	}
	return "***REDACTED***"
}

// ValidateHostPort validates a host:port listen or dial address. The host
// may be empty to mean every interface.
func ValidateHostPort(hostPort string) bool {
	_, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return false
	}
	return port > 0 && port <= 65535
}
