package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/acme/autocert"

	"throttle-service/internal/config"
	"throttle-service/internal/util"
)

var ErrNoCertificate = errors.New("no TLS certificate available")

// Manager picks the serving certificate: ACME first, then configured files, then
// (outside production) a cached self-signed development certificate.
type Manager struct {
	cfg         config.ServerConfig
	allowSelf   bool
	autoCert    *autocert.Manager
	mu          sync.Mutex
	fallback    *tls.Certificate
	fallbackErr error
}

func NewManager(cfg config.ServerConfig, production bool) *Manager {
	m := &Manager{
		cfg:       cfg,
		allowSelf: !production,
	}
	if cfg.AutoCert && cfg.EnableTLS {
		m.setupAutoCert()
	}
	return m
}

func (m *Manager) setupAutoCert() {
	if err := os.MkdirAll(m.cfg.AutoCertDir, 0700); err != nil {
		util.Warn("Could not create autocert directory", util.ErrorField(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.cfg.Domain),
		Cache:      autocert.DirCache(m.cfg.AutoCertDir),
		Email:      m.cfg.Email,
	}

	util.Info("AutoCert configured",
		util.String("domain", m.cfg.Domain),
		util.String("cache_dir", m.cfg.AutoCertDir))
}

func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		if cert, err := m.autoCert.GetCertificate(hello); err == nil {
			return cert, nil
		}
	}
	return m.staticCertificate()
}

// staticCertificate loads file or self-signed certificates once and reuses them.
func (m *Manager) staticCertificate() (*tls.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fallback != nil || m.fallbackErr != nil {
		return m.fallback, m.fallbackErr
	}

	if m.cfg.CertFile != "" && m.cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.cfg.CertFile, m.cfg.KeyFile)
		if err == nil {
			m.fallback = &cert
			return m.fallback, nil
		}
		util.Warn("Failed to load TLS key pair", util.String("cert_file", m.cfg.CertFile), util.ErrorField(err))
	}

	if !m.allowSelf {
		m.fallbackErr = ErrNoCertificate
		return nil, m.fallbackErr
	}

	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if m.cfg.Domain != "" {
		hosts = append([]string{m.cfg.Domain}, hosts...)
	}
	cert, err := NewDevCertGenerator(m.cfg.AutoCertDir).GenerateCert(hosts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	m.fallback = &cert
	return m.fallback, nil
}

func (m *Manager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
	}
}

// AutocertManager is nil unless ACME is enabled; the server uses it for HTTP-01 challenges.
func (m *Manager) AutocertManager() *autocert.Manager {
	return m.autoCert
}
