package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/util"
)

const devCertValidity = 90 * 24 * time.Hour

// DevCertGenerator writes a reusable self-signed P-256 certificate for local HTTPS.
type DevCertGenerator struct {
	certDir string
	now     func() time.Time
}

func NewDevCertGenerator(certDir string) *DevCertGenerator {
	return &DevCertGenerator{certDir: certDir, now: time.Now}
}

func (d *DevCertGenerator) paths() (string, string) {
	return filepath.Join(d.certDir, "dev-cert.pem"), filepath.Join(d.certDir, "dev-key.pem")
}

// GenerateCert reuses a still-valid pair on disk that covers hosts, or writes a new one.
func (d *DevCertGenerator) GenerateCert(hosts []string) (tls.Certificate, error) {
	certPath, keyPath := d.paths()

	if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil && d.reusable(cert, hosts) {
		util.Info("Using existing development certificate", zap.String("cert_path", certPath))
		return cert, nil
	}

	if err := os.MkdirAll(d.certDir, 0700); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create cert directory: %w", err)
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial: %w", err)
	}

	now := d.now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Identity Service Development"},
			Country:      []string{"IN"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(devCertValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to encode private key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to write key: %w", err)
	}

	util.Info("Generated development certificate",
		zap.String("cert_path", certPath),
		zap.Strings("hosts", hosts))

	return tls.X509KeyPair(certPEM, keyPEM)
}

func (d *DevCertGenerator) reusable(cert tls.Certificate, hosts []string) bool {
	if len(cert.Certificate) == 0 {
		return false
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return false
	}

	now := d.now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return false
	}
	for _, h := range hosts {
		if h != "" && leaf.VerifyHostname(h) != nil {
			return false
		}
	}
	return true
}
