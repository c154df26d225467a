package certstore

import (
	"crypto/x509"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerateCAGeneratesWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	s, err := LoadOrGenerateCA(filepath.Join(dir, "ca.pem"), filepath.Join(dir, "ca-key.pem"), logrus.StandardLogger())
	require.NoError(t, err)
	require.NotNil(t, s.caCert)
	require.True(t, s.caCert.IsCA)
}

func TestLoadOrGenerateCAReloadsExisting(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := filepath.Join(dir, "ca.pem"), filepath.Join(dir, "ca-key.pem")

	first, err := LoadOrGenerateCA(certPath, keyPath, logrus.StandardLogger())
	require.NoError(t, err)

	second, err := LoadOrGenerateCA(certPath, keyPath, logrus.StandardLogger())
	require.NoError(t, err)

	require.Equal(t, first.caCert.SerialNumber, second.caCert.SerialNumber)
}

func TestLeafForSignedByCA(t *testing.T) {
	dir := t.TempDir()
	s, err := LoadOrGenerateCA(filepath.Join(dir, "ca.pem"), filepath.Join(dir, "ca-key.pem"), logrus.StandardLogger())
	require.NoError(t, err)

	leaf, err := s.LeafFor("example.com")
	require.NoError(t, err)
	require.Len(t, leaf.Certificate, 2)

	parsed, err := x509.ParseCertificate(leaf.Certificate[0])
	require.NoError(t, err)
	require.Equal(t, []string{"example.com"}, parsed.DNSNames)

	pool := x509.NewCertPool()
	pool.AddCert(s.caCert)
	_, err = parsed.Verify(x509.VerifyOptions{DNSName: "example.com", Roots: pool})
	require.NoError(t, err)
}

func TestLeafForCached(t *testing.T) {
	dir := t.TempDir()
	s, err := LoadOrGenerateCA(filepath.Join(dir, "ca.pem"), filepath.Join(dir, "ca-key.pem"), logrus.StandardLogger())
	require.NoError(t, err)

	first, err := s.LeafFor("example.com")
	require.NoError(t, err)
	second, err := s.LeafFor("example.com")
	require.NoError(t, err)
	require.Same(t, first, second, "second lookup should hit the cache")
}

func TestLeafForSubdomainIncludesApexSAN(t *testing.T) {
	dir := t.TempDir()
	s, err := LoadOrGenerateCA(filepath.Join(dir, "ca.pem"), filepath.Join(dir, "ca-key.pem"), logrus.StandardLogger())
	require.NoError(t, err)

	leaf, err := s.LeafFor("a.example.com")
	require.NoError(t, err)
	parsed, err := x509.ParseCertificate(leaf.Certificate[0])
	require.NoError(t, err)
	require.Contains(t, parsed.DNSNames, "a.example.com")
	require.Contains(t, parsed.DNSNames, "example.com")
}

func TestLeafCacheEviction(t *testing.T) {
	dir := t.TempDir()
	s, err := LoadOrGenerateCA(filepath.Join(dir, "ca.pem"), filepath.Join(dir, "ca-key.pem"), logrus.StandardLogger())
	require.NoError(t, err)
	s.cap = 2

	_, err = s.LeafFor("a.com")
	require.NoError(t, err)
	_, err = s.LeafFor("b.com")
	require.NoError(t, err)
	_, err = s.LeafFor("c.com")
	require.NoError(t, err)

	require.Equal(t, 2, s.order.Len())
	_, stillCached := s.cache["a.com"]
	require.False(t, stillCached, "oldest leaf should have been evicted")
}
