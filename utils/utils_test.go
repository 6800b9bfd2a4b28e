package utils

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSelfSignedCert_HashMatchesDER(t *testing.T) {
	tlsCert, hash, err := GenerateSelfSignedCert()
	require.NoError(t, err, "GenerateSelfSignedCert() error")
	require.NotEmpty(t, tlsCert.Certificate, "expected certificate chain to be non-empty")
	require.Len(t, hash, sha256.Size, "hash length")

	sum := sha256.Sum256(tlsCert.Certificate[0])
	require.Equal(t, sum[:], hash, "hash mismatch")
}

func TestGenerateSelfSignedCert_X509Properties(t *testing.T) {
	tlsCert, _, err := GenerateSelfSignedCert("localhost", "bridge.test", "127.0.0.1")
	require.NoError(t, err, "GenerateSelfSignedCert() error")

	cert, err := x509.ParseCertificate(tlsCert.Certificate[0])
	require.NoError(t, err, "x509.ParseCertificate() error")

	require.Equal(t, "wtbridge-dev", cert.Subject.CommonName, "subject common name")
	require.Equal(t, []string{"localhost", "bridge.test"}, cert.DNSNames)
	require.Len(t, cert.IPAddresses, 1)
	require.True(t, cert.IPAddresses[0].Equal(net.IPv4(127, 0, 0, 1)))
	require.NotZero(t, cert.KeyUsage&x509.KeyUsageDigitalSignature, "KeyUsage should have DigitalSignature bit set")
	require.True(t, slices.Contains(cert.ExtKeyUsage, x509.ExtKeyUsageServerAuth), "ExtKeyUsage should contain ServerAuth")

	validity := cert.NotAfter.Sub(cert.NotBefore)
	require.Less(t, validity, MaxHashPinnedValidity, "validity duration")
	require.Greater(t, validity, 10*24*time.Hour, "validity duration")

	now := time.Now()
	const skew = 2 * time.Minute
	require.False(t, cert.NotBefore.After(now.Add(skew)), "NotBefore should not be in the future")
	require.False(t, cert.NotAfter.Before(now.Add(-skew)), "NotAfter should not be in the past")
}

func TestLoadCertificate(t *testing.T) {
	tlsCert, hash, err := GenerateSelfSignedCert()
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	key, ok := tlsCert.PrivateKey.(*ecdsa.PrivateKey)
	require.True(t, ok, "expected an ECDSA key")
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: tlsCert.Certificate[0]}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))

	_, loadedHash, err := LoadCertificate(certFile, keyFile)
	require.NoError(t, err)
	assert.Equal(t, hash, loadedHash)

	_, _, err = LoadCertificate(filepath.Join(dir, "missing.pem"), keyFile)
	assert.Error(t, err)
}

func TestPinnedTLSConfig(t *testing.T) {
	tlsCert, hash, err := GenerateSelfSignedCert()
	require.NoError(t, err)

	cfg, err := PinnedTLSConfig(hex.EncodeToString(hash))
	require.NoError(t, err)
	require.NoError(t, cfg.VerifyPeerCertificate(tlsCert.Certificate, nil))

	other, _, err := GenerateSelfSignedCert()
	require.NoError(t, err)
	assert.Error(t, cfg.VerifyPeerCertificate(other.Certificate, nil))
	assert.Error(t, cfg.VerifyPeerCertificate(nil, nil))

	_, err = PinnedTLSConfig("zz")
	assert.Error(t, err)
	_, err = PinnedTLSConfig("abcd")
	assert.Error(t, err)
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"https host", "https://example.com", "https://example.com/echo", false},
		{"bare host port", "localhost:4433", "https://localhost:4433/echo", false},
		{"http upgraded", "http://localhost:4433/x", "https://localhost:4433/x", false},
		{"path and query kept", "example.com/chat?room=1", "https://example.com/chat?room=1", false},
		{"root path replaced", "https://example.com/", "https://example.com/echo", false},
		{"empty", "   ", "", true},
		{"missing host", "https://", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURL(tt.input, "/echo")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsSubdomain(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		host    string
		want    bool
	}{
		{"wildcard basic", "*.example.com", "api.example.com", true},
		{"wildcard deep", "*.example.com", "v1.api.example.com", true},
		{"wildcard requires label", "*.example.com", "example.com", false},
		{"wildcard mismatch", "*.example.com", "example.org", false},
		{"exact case+port insensitive", "SuB.ExAmPlE.CoM", "SUB.example.com:443", true},
		{"base domain includes subdomains", "example.com", "api.example.com", true},
		{"base domain mismatch suffix", "example.com", "badexample.com", false},
		{"empty pattern", "", "a.example.com", false},
		{"scheme+port normalized", "https://*.example.com:443", "https://api.example.com:443", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsSubdomain(tc.pattern, tc.host), tc.name)
		})
	}
}

func TestOriginAllowed(t *testing.T) {
	assert.True(t, OriginAllowed(nil, ""))
	assert.True(t, OriginAllowed([]string{"*"}, ""))
	assert.True(t, OriginAllowed([]string{"*.app.test"}, "https://chat.app.test"))
	assert.False(t, OriginAllowed([]string{"*.app.test"}, "https://evil.test"))
	assert.False(t, OriginAllowed([]string{"app.test"}, ""))
}

func TestStripPort_EdgeCases(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty string", "", ""},
		{"no colon", "example.com", "example.com"},
		{"colon at end", "example.com:", "example.com:"},
		{"non-digit port", "example.com:abc", "example.com:abc"},
		{"IPv6 with port", "[::1]:8080", "[::1]"},
		{"just digits after colon", ":8080", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, StripPort(tt.input), "StripPort(%q)", tt.input)
		})
	}
}

func TestIsLocalhost(t *testing.T) {
	req := httptest.NewRequest("GET", "/healthz", nil)
	req.RemoteAddr = "127.0.0.1:5000"
	assert.True(t, IsLocalhost(req))

	req.RemoteAddr = "10.1.2.3:5000"
	assert.True(t, IsLocalhost(req))

	req.RemoteAddr = "203.0.113.7:5000"
	assert.False(t, IsLocalhost(req))
}
