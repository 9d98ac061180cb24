package tls

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_Disabled(t *testing.T) {
	cfg, err := Setup(Options{})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestSetup_NoCertificate(t *testing.T) {
	_, err := Setup(Options{Enabled: true})
	assert.ErrorIs(t, err, ErrNoCertificate)
}

func TestSetup_MissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := Setup(Options{Enabled: true, Dir: dir})
	assert.Error(t, err, "no auto generation and no files")
}

func TestSetup_AutoGenerateServesHTTPS(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Setup(Options{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.2"})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	for _, f := range []string{CertName, KeyName, CACertName} {
		_, err := os.Stat(filepath.Join(dir, f))
		require.NoError(t, err, f)
	}

	// The generated pair is reused rather than regenerated.
	before, err := os.ReadFile(filepath.Join(dir, CertName))
	require.NoError(t, err)
	_, err = Setup(Options{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	after, err := os.ReadFile(filepath.Join(dir, CertName))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", cfg)
	require.NoError(t, err)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})}
	go func() { _ = srv.Serve(ln) }()
	defer func() { _ = srv.Close() }()

	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(before))
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}}}
	resp, err := client.Get("https://" + ln.Addr().String())
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(body))
}

func TestSetup_ExplicitFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, GenerateSelfSigned(dir, []string{"supervisr.local"}))
	cfg, err := Setup(Options{
		Enabled:  true,
		CertFile: filepath.Join(dir, CertName),
		KeyFile:  filepath.Join(dir, KeyName),
	})
	require.NoError(t, err)
	cert, err := cfg.GetCertificate(nil)
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("")
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), v)
	v, err = ParseVersion("TLS1.2")
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), v)
	_, err = ParseVersion("1.0")
	assert.Error(t, err)
}
