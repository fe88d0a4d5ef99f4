package tls

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-gateway/internal/clock"
	"auth-gateway/internal/config"
)

func serverConfig(dir string) config.ServerConfig {
	return config.ServerConfig{EnableTLS: true, Domain: "auth.local", AutoCertDir: dir}
}

func TestDevelopmentFallsBackToSelfSigned(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Now())
	m, err := NewTLSManager(serverConfig(dir), true, clk)
	require.NoError(t, err)

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "auth.local"})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.NoError(t, leaf.VerifyHostname("auth.local"))
	assert.NoError(t, leaf.VerifyHostname("127.0.0.1"))

	again, err := m.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.Same(t, cert, again)
	assert.FileExists(t, filepath.Join(dir, devKeyFile))
}

func TestDevCertIsReusedUntilNearExpiry(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Now())
	gen := NewDevCertGenerator(dir, clk)

	first, err := gen.GenerateCert([]string{"localhost"})
	require.NoError(t, err)
	second, err := gen.GenerateCert([]string{"localhost"})
	require.NoError(t, err)
	assert.Equal(t, first.Certificate[0], second.Certificate[0])

	// a new host forces a new certificate
	third, err := gen.GenerateCert([]string{"localhost", "auth.local"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Certificate[0], third.Certificate[0])

	clk.Advance(devCertValidity - devCertRenewal + time.Hour)
	fourth, err := gen.GenerateCert([]string{"localhost", "auth.local"})
	require.NoError(t, err)
	assert.NotEqual(t, third.Certificate[0], fourth.Certificate[0])
}

func TestProductionRequiresCertificate(t *testing.T) {
	_, err := NewTLSManager(serverConfig(t.TempDir()), false, nil)
	require.ErrorIs(t, err, ErrNoCertificate)

	cfg := serverConfig(t.TempDir())
	cfg.CertFile = filepath.Join(t.TempDir(), "missing.pem")
	cfg.KeyFile = filepath.Join(t.TempDir(), "missing.key")
	_, err = NewTLSManager(cfg, false, nil)
	require.Error(t, err)
}

func TestFileCertificate(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Now())
	_, err := NewDevCertGenerator(dir, clk).GenerateCert([]string{"auth.local"})
	require.NoError(t, err)

	cfg := serverConfig(t.TempDir())
	cfg.CertFile = filepath.Join(dir, devCertFile)
	cfg.KeyFile = filepath.Join(dir, devKeyFile)
	m, err := NewTLSManager(cfg, false, clk)
	require.NoError(t, err)

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "auth.local"})
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)
	assert.Equal(t, uint16(tls.VersionTLS12), m.GetTLSConfig().MinVersion)
}

func TestChallengeHandlerRedirects(t *testing.T) {
	m, err := NewTLSManager(config.ServerConfig{}, false, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://auth.local/api/v1/auth/login?x=1", nil)
	rec := httptest.NewRecorder()
	m.ChallengeHandler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusPermanentRedirect, rec.Code)
	assert.Equal(t, "https://auth.local/api/v1/auth/login?x=1", rec.Header().Get("Location"))
}
