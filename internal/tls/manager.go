// Package tls provides server certificates: ACME via autocert, files from
// disk, or a self-signed development certificate.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"auth-gateway/internal/clock"
	"auth-gateway/internal/config"
	"auth-gateway/internal/util"
)

var ErrNoCertificate = errors.New("no server certificate configured")

type TLSManager struct {
	cfg         config.ServerConfig
	development bool
	clock       clock.Clock
	autoCert    *autocert.Manager
	fileCert    *tls.Certificate

	devOnce sync.Once
	devCert *tls.Certificate
	devErr  error
}

// NewTLSManager resolves the certificate source once. Outside development
// a missing or unreadable certificate is an error rather than a silent
// self-signed fallback.
func NewTLSManager(cfg config.ServerConfig, development bool, clk clock.Clock) (*TLSManager, error) {
	if clk == nil {
		clk = clock.Real()
	}
	m := &TLSManager{cfg: cfg, development: development, clock: clk}
	if !cfg.EnableTLS {
		return m, nil
	}

	if cfg.AutoCert {
		if err := m.setupAutoCert(); err != nil {
			return nil, err
		}
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load server certificate: %w", err)
		}
		m.fileCert = &cert
		util.Info("Loaded server certificate", zap.String("cert_file", cfg.CertFile))
	}

	if m.autoCert == nil && m.fileCert == nil && !development {
		return nil, ErrNoCertificate
	}
	return m, nil
}

func (m *TLSManager) setupAutoCert() error {
	if err := os.MkdirAll(m.cfg.AutoCertDir, 0o700); err != nil {
		return fmt.Errorf("could not create autocert directory: %w", err)
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
	return nil
}

func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		cert, err := m.autoCert.GetCertificate(hello)
		if err == nil {
			return cert, nil
		}
		if m.fileCert == nil && !m.development {
			return nil, err
		}
		util.Warn("AutoCert lookup failed, using fallback certificate", zap.Error(err))
	}

	if m.fileCert != nil {
		return m.fileCert, nil
	}
	if !m.development {
		return nil, ErrNoCertificate
	}
	return m.selfSigned()
}

func (m *TLSManager) selfSigned() (*tls.Certificate, error) {
	m.devOnce.Do(func() {
		hosts := []string{m.cfg.Domain, "localhost", "127.0.0.1", "::1"}
		cert, err := NewDevCertGenerator(m.cfg.AutoCertDir, m.clock).GenerateCert(hosts)
		if err != nil {
			m.devErr = fmt.Errorf("failed to generate self-signed certificate: %w", err)
			return
		}
		m.devCert = &cert
	})
	return m.devCert, m.devErr
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

// ChallengeHandler answers ACME http-01 challenges on the plain listener
// and redirects everything else to HTTPS
func (m *TLSManager) ChallengeHandler() http.Handler {
	redirect := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := "https://" + r.Host + r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusPermanentRedirect)
	})
	if m.autoCert == nil {
		return redirect
	}
	return m.autoCert.HTTPHandler(redirect)
}
