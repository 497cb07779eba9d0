package tlsutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ipfixfwd/errors"
)

// testFiles writes a self-signed certificate for 127.0.0.1, its key, and the
// certificate again as a CA bundle
func testFiles(t *testing.T) (certFile, keyFile, caFile string) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"ipfixfwd test"}, CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)})

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	caFile = filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o644))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))
	require.NoError(t, os.WriteFile(caFile, certPEM, 0o644))
	return certFile, keyFile, caFile
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("")
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), v)

	v, err = ParseVersion("1.3")
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), v)

	_, err = ParseVersion("1.1")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoadClientConfig(t *testing.T) {
	certFile, keyFile, caFile := testFiles(t)

	cfg, err := LoadClientConfig(ClientConfig{})
	require.NoError(t, err)
	assert.Nil(t, cfg, "disabled config yields nil")

	cfg, err = LoadClientConfig(ClientConfig{Enabled: true, CAFiles: []string{caFile}, MinVersion: "1.3"})
	require.NoError(t, err)
	require.NotNil(t, cfg.RootCAs)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	assert.Empty(t, cfg.Certificates)
	assert.False(t, cfg.InsecureSkipVerify)

	cfg, err = LoadClientConfig(ClientConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
}

func TestLoadClientConfig_Errors(t *testing.T) {
	certFile, _, _ := testFiles(t)

	_, err := LoadClientConfig(ClientConfig{Enabled: true, CAFiles: []string{"/nonexistent/ca.pem"}})
	assert.Error(t, err)

	_, err = LoadClientConfig(ClientConfig{Enabled: true, CertFile: certFile})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	notPEM := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(notPEM, []byte("not a certificate"), 0o644))
	_, err = LoadClientConfig(ClientConfig{Enabled: true, CAFiles: []string{notPEM}})
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestLoadServerConfig(t *testing.T) {
	certFile, keyFile, caFile := testFiles(t)

	cfg, err := LoadServerConfig(ServerConfig{})
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = LoadServerConfig(ServerConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)

	cfg, err = LoadServerConfig(ServerConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile, ClientCAFiles: []string{caFile}})
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
	assert.NotNil(t, cfg.ClientCAs)

	_, err = LoadServerConfig(ServerConfig{Enabled: true})
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

// TestMutualTLSHandshake connects a client and server built from the same
// self-signed certificate
func TestMutualTLSHandshake(t *testing.T) {
	certFile, keyFile, caFile := testFiles(t)

	serverCfg, err := LoadServerConfig(ServerConfig{
		Enabled: true, CertFile: certFile, KeyFile: keyFile, ClientCAFiles: []string{caFile},
	})
	require.NoError(t, err)
	clientCfg, err := LoadClientConfig(ClientConfig{
		Enabled: true, CAFiles: []string{caFile}, CertFile: certFile, KeyFile: keyFile,
	})
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			accepted <- err
			return
		}
		defer conn.Close()
		accepted <- conn.(*tls.Conn).Handshake()
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), clientCfg)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case err := <-accepted:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("handshake timed out")
	}
	assert.Len(t, conn.ConnectionState().PeerCertificates, 1)
}
