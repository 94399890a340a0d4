package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSecretManager_GetSecret(t *testing.T) {
	sm := NewSecretManager()

	t.Setenv("INTELWATCH_TEST_SECRET", "test-value")

	secret, err := sm.GetSecret("env:INTELWATCH_TEST_SECRET")
	if err != nil {
		t.Fatalf("Failed to get env secret: %v", err)
	}
	if secret != "test-value" {
		t.Errorf("Expected 'test-value', got %s", secret)
	}

	secret, err = sm.GetSecret("plain-secret")
	if err != nil {
		t.Fatalf("Failed to get plain secret: %v", err)
	}
	if secret != "plain-secret" {
		t.Errorf("Expected 'plain-secret', got %s", secret)
	}

	secretFile := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(secretFile, []byte("file-secret\n"), 0600); err != nil {
		t.Fatalf("Failed to create secret file: %v", err)
	}
	secret, err = sm.GetSecret("file:" + secretFile)
	if err != nil {
		t.Fatalf("Failed to get file secret: %v", err)
	}
	if secret != "file-secret" {
		t.Errorf("Expected 'file-secret', got %s", secret)
	}

	if _, err := sm.GetSecret("env:INTELWATCH_NONEXISTENT_VAR"); err == nil {
		t.Error("Expected error for missing env var, got nil")
	}
	if _, err := sm.GetSecret("file:" + filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Expected error for missing file, got nil")
	}
}

func TestSecretManager_Injected(t *testing.T) {
	sm := &SecretManager{
		getenv: func(string) string { return "" },
		readFile: func(string) ([]byte, error) {
			return nil, errors.New("denied")
		},
	}
	if s, err := sm.GetSecret(""); err != nil || s != "" {
		t.Errorf("empty key = %q, %v", s, err)
	}
	if _, err := sm.GetSecret("file:/run/secrets/kafka"); err == nil {
		t.Error("expected read failure")
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"hunter2", "***REDACTED***"},
		{"env:ES_PASSWORD", "env:ES_PASSWORD"},
		{"file:/run/secrets/es", "file:/run/secrets/es"},
	}
	for _, tt := range tests {
		if got := Redact(tt.in); got != tt.want {
			t.Errorf("Redact(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidateHostPort(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{":9090", true},
		{"localhost:8080", true},
		{"127.0.0.1:65535", true},
		{"[::1]:9092", true},
		{"localhost", false},
		{"localhost:0", false},
		{"localhost:70000", false},
		{"localhost:http", false},
	}
	for _, tt := range tests {
		if got := ValidateHostPort(tt.addr); got != tt.want {
			t.Errorf("ValidateHostPort(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func writeCertificate(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "intelwatch test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("Failed to marshal key: %v", err)
	}

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func TestLoadTLSConfig(t *testing.T) {
	if cfg, err := LoadTLSConfig(nil); cfg != nil || err != nil {
		t.Errorf("nil config = %v, %v", cfg, err)
	}
	if cfg, err := LoadTLSConfig(&TLSConfig{Enabled: false, CertFile: "x"}); cfg != nil || err != nil {
		t.Errorf("disabled config = %v, %v", cfg, err)
	}

	dir := t.TempDir()
	certFile, keyFile := writeCertificate(t, dir)

	cfg, err := LoadTLSConfig(&TLSConfig{
		Enabled:  true,
		CertFile: certFile,
		KeyFile:  keyFile,
		CAFile:   certFile,
	})
	if err != nil {
		t.Fatalf("LoadTLSConfig failed: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %x, want TLS 1.2", cfg.MinVersion)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("expected one certificate, got %d", len(cfg.Certificates))
	}
	if cfg.RootCAs == nil || cfg.ClientCAs == nil {
		t.Error("CA pool not set")
	}

	if _, err := LoadTLSConfig(&TLSConfig{Enabled: true, CertFile: certFile}); err == nil {
		t.Error("expected error for missing key")
	}

	bad := filepath.Join(dir, "bad.pem")
	_ = os.WriteFile(bad, []byte("not a certificate"), 0600)
	if _, err := LoadTLSConfig(&TLSConfig{Enabled: true, CAFile: bad}); err == nil {
		t.Error("expected error for invalid CA")
	}
}
