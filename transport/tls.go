package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const certValidity = 10 * 365 * 24 * time.Hour

// ErrTLS marks failures establishing the node's TLS identity. They are
// fatal at startup.
var ErrTLS = errors.New("tls setup failure")

// LoadOrCreateCertificate returns the node's TLS identity, generating a
// self-signed Ed25519 certificate on first run. TLS provides transport
// privacy only; peer authentication happens at the session layer, so a
// self-signed certificate is sufficient.
func LoadOrCreateCertificate(certPath, keyPath, peerID string) (tls.Certificate, error) {
	if fileExists(certPath) && fileExists(keyPath) {
		// A present-but-unreadable identity is fatal: regenerating
		// would silently rotate the fingerprint peers have pinned.
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("%w: load certificate: %v", ErrTLS, err)
		}
		return cert, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: generate key: %v", ErrTLS, err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: generate serial: %v", ErrTLS, err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: certCommonName(peerID)},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: create certificate: %v", ErrTLS, err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: encode key: %v", ErrTLS, err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: write certificate: %v", ErrTLS, err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: write key: %v", ErrTLS, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "LoadOrCreateCertificate",
		"common_name": template.Subject.CommonName,
	}).Info("Generated self-signed TLS certificate")
	return tls.X509KeyPair(certPEM, keyPEM)
}

// CertificateFingerprint renders the SHA-256 digest of the certificate's
// DER encoding as colon-separated uppercase hex.
func CertificateFingerprint(cert tls.Certificate) string {
	if len(cert.Certificate) == 0 {
		return ""
	}
	digest := sha256.Sum256(cert.Certificate[0])
	hexDigest := strings.ToUpper(hex.EncodeToString(digest[:]))

	parts := make([]string, 0, len(digest))
	for i := 0; i < len(hexDigest); i += 2 {
		parts = append(parts, hexDigest[i:i+2])
	}
	return strings.Join(parts, ":")
}

func certCommonName(peerID string) string {
	short := peerID
	if len(short) > 8 {
		short = short[:8]
	}
	return "archivist-chat-" + short
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
