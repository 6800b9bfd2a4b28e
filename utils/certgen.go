// Package utils holds small helpers shared by the wtbridge commands.
package utils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

// MaxHashPinnedValidity is the longest validity browsers accept for a
// certificate pinned through serverCertificateHashes.
const MaxHashPinnedValidity = 14 * 24 * time.Hour

// GenerateSelfSignedCert creates an ECDSA P-256 development certificate for
// hosts, valid for 13 days. IP literals go to the IP SANs. With no hosts the
// certificate covers localhost. It returns the SHA-256 hash of the DER
// certificate for WebTransport certificate pinning.
func GenerateSelfSignedCert(hosts ...string) (tls.Certificate, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("generate serial: %w", err)
	}

	if len(hosts) == 0 {
		hosts = []string{"localhost"}
	}
	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "wtbridge-dev"},
		NotBefore:    now.Add(-1 * time.Hour),
		NotAfter:     now.Add(13 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
			continue
		}
		template.DNSNames = append(template.DNSNames, h)
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("marshal key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("x509 key pair: %w", err)
	}

	hash := sha256.Sum256(certDER)
	return tlsCert, hash[:], nil
}

// LoadCertificate reads a PEM certificate and key pair and returns it with
// the SHA-256 hash of its leaf.
func LoadCertificate(certFile, keyFile string) (tls.Certificate, []byte, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("load key pair: %w", err)
	}
	if len(cert.Certificate) == 0 {
		return tls.Certificate{}, nil, fmt.Errorf("load key pair: %s holds no certificate", certFile)
	}
	hash := sha256.Sum256(cert.Certificate[0])
	return cert, hash[:], nil
}

// PinnedTLSConfig trusts exactly the certificate whose DER hash is hexHash,
// the way a browser treats serverCertificateHashes.
func PinnedTLSConfig(hexHash string) (*tls.Config, error) {
	want, err := hex.DecodeString(hexHash)
	if err != nil {
		return nil, fmt.Errorf("decode certificate hash: %w", err)
	}
	if len(want) != sha256.Size {
		return nil, fmt.Errorf("certificate hash has %d bytes, want %d", len(want), sha256.Size)
	}
	return &tls.Config{
		// Chain verification is replaced by the hash check below.
		InsecureSkipVerify: true, //nolint:gosec
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("peer sent no certificate")
			}
			sum := sha256.Sum256(rawCerts[0])
			if subtle.ConstantTimeCompare(sum[:], want) != 1 {
				return fmt.Errorf("peer certificate hash %x does not match pin", sum)
			}
			return nil
		},
	}, nil
}
