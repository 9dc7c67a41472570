// Package tls resolves the server certificate: ACME, then files, then a self-signed development cert.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

type TLSManager struct {
	cfg      config.ServerConfig
	prod     bool
	autoCert *autocert.Manager

	mu       sync.Mutex
	fallback *tls.Certificate
}

func NewTLSManager(cfg *config.Config) *TLSManager {
	m := &TLSManager{cfg: cfg.Server, prod: cfg.IsProduction()}

	if m.cfg.AutoCert && m.cfg.EnableTLS {
		m.setupAutoCert()
	}

	return m
}

func (m *TLSManager) setupAutoCert() {
	if err := os.MkdirAll(m.cfg.AutoCertDir, 0700); err != nil {
		util.Warn("Could not create autocert directory", zap.Error(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.cfg.Domain),
		Cache:      autocert.DirCache(m.cfg.AutoCertDir),
		Email:      m.cfg.Email,
	}

	util.Info("AutoCert configured",
		zap.String("domain", m.cfg.Domain),
		zap.String("cache_dir", m.cfg.AutoCertDir))
}

// GetCertificate serves ACME certs when available, then the configured pair.
// The self-signed fallback is never used in production.
func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		cert, err := m.autoCert.GetCertificate(hello)
		if err == nil {
			return cert, nil
		}
		util.Warn("AutoCert lookup failed", zap.String("server_name", hello.ServerName), zap.Error(err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fallback != nil {
		return m.fallback, nil
	}

	if m.cfg.CertFile != "" && m.cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.cfg.CertFile, m.cfg.KeyFile)
		if err == nil {
			m.fallback = &cert
			return m.fallback, nil
		}
		util.Warn("Failed to load certificate files", zap.Error(err))
	}

	if m.prod {
		return nil, errors.New("no certificate available")
	}

	cert, err := m.generateSelfSignedCert()
	if err != nil {
		return nil, err
	}
	m.fallback = cert
	return cert, nil
}

func (m *TLSManager) generateSelfSignedCert() (*tls.Certificate, error) {
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if m.cfg.Domain != "" {
		hosts = append([]string{m.cfg.Domain}, hosts...)
	}

	cert, err := NewDevCertGenerator(m.cfg.AutoCertDir).GenerateCert(hosts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	return &cert, nil
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

func (m *TLSManager) GetAutocertManager() *autocert.Manager {
	return m.autoCert
}
