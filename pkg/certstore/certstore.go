// Package certstore holds the locally-generated MITM certificate authority
// and synthesizes per-hostname leaf certificates on demand (spec §4.10).
// Guests trust this CA out of band (it is handed to the sandbox image at
// build time); this package never talks to a real CA.
package certstore

import (
	"container/list"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// LeafCacheCap is the default number of synthesized leaf certificates kept
// warm at once.
const LeafCacheCap = 256

// LeafValidityHalfWindow is the spec-mandated leaf window: validity is
// centered on generation time, +/- 90 days.
const LeafValidityHalfWindow = 90 * 24 * time.Hour

// cacheTTL bounds how long a leaf stays in the in-memory cache before this
// store regenerates it; independent of the certificate's own validity
// window, and much shorter, so rotations don't require a restart.
const cacheTTL = 24 * time.Hour

// Store is the MITM certificate authority plus its leaf cache.
type Store struct {
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey

	mu    sync.Mutex
	cache map[string]*list.Element
	order *list.List
	cap   int

	log log.FieldLogger
}

type leafEntry struct {
	host      string
	cert      *tls.Certificate
	expiresAt time.Time
}

// New wraps an already-loaded CA keypair.
func New(caCert *x509.Certificate, caKey *ecdsa.PrivateKey, logger log.FieldLogger) *Store {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Store{
		caCert: caCert,
		caKey:  caKey,
		cache:  make(map[string]*list.Element),
		order:  list.New(),
		cap:    LeafCacheCap,
		log:    logger,
	}
}

// LoadOrGenerateCA reads a CA keypair from certPath/keyPath, generating and
// persisting a fresh self-signed CA if either file is missing — mirroring
// the auto-generate behavior of the teacher's certificate manager, minus
// its upstream-cert-sniffing mode (spec.md has no use for mimicking a real
// site's CA fields; the MITM CA only needs to be trusted by the guest).
func LoadOrGenerateCA(certPath, keyPath string, logger log.FieldLogger) (*Store, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	cert, key, err := loadCA(certPath, keyPath)
	if errors.Is(err, os.ErrNotExist) {
		cert, key, err = generateCA()
		if err != nil {
			return nil, errors.Wrap(err, "certstore: generate CA")
		}
		if err := persistCA(certPath, keyPath, cert, key); err != nil {
			return nil, errors.Wrap(err, "certstore: persist CA")
		}
		logger.WithFields(log.Fields{"cert": certPath, "key": keyPath}).Info("certstore: generated new MITM CA")
	} else if err != nil {
		return nil, errors.Wrap(err, "certstore: load CA")
	}
	return New(cert, key, logger), nil
}

func loadCA(certPath, keyPath string) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, err
	}
	cert, err := parseCertPEM(certPEM)
	if err != nil {
		return nil, nil, errors.Wrap(err, "certstore: parse CA certificate")
	}
	key, err := parseKeyPEM(keyPEM)
	if err != nil {
		return nil, nil, errors.Wrap(err, "certstore: parse CA key")
	}
	return cert, key, nil
}

func generateCA() (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "generate CA key")
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, errors.Wrap(err, "generate CA serial")
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "gondolin sandbox MITM CA", Organization: []string{"gondolin"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create CA certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parse freshly-created CA certificate")
	}
	return cert, key, nil
}

func persistCA(certPath, keyPath string, cert *x509.Certificate, key *ecdsa.PrivateKey) error {
	certOut, err := encodeCertPEM(cert.Raw)
	if err != nil {
		return err
	}
	keyOut, err := encodeECKeyPEM(key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(certPath, certOut, 0o644); err != nil {
		return err
	}
	return os.WriteFile(keyPath, keyOut, 0o600)
}

// LeafFor returns a TLS certificate for host, synthesizing and caching one
// if none is cached or the cached one has expired.
func (s *Store) LeafFor(host string) (*tls.Certificate, error) {
	host = strings.ToLower(strings.TrimSpace(host))

	s.mu.Lock()
	if el, ok := s.cache[host]; ok {
		e := el.Value.(*leafEntry)
		if time.Now().Before(e.expiresAt) {
			s.order.MoveToFront(el)
			s.mu.Unlock()
			return e.cert, nil
		}
		s.order.Remove(el)
		delete(s.cache, host)
	}
	s.mu.Unlock()

	cert, err := s.generateLeaf(host)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.order.Len() >= s.cap {
		s.evictOldestLocked()
	}
	el := s.order.PushFront(&leafEntry{host: host, cert: cert, expiresAt: time.Now().Add(cacheTTL)})
	s.cache[host] = el
	s.mu.Unlock()

	return cert, nil
}

func (s *Store) evictOldestLocked() {
	el := s.order.Back()
	if el == nil {
		return
	}
	s.order.Remove(el)
	delete(s.cache, el.Value.(*leafEntry).host)
}

func (s *Store) generateLeaf(host string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "certstore: generate leaf key")
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.Wrap(err, "certstore: generate leaf serial")
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-LeafValidityHalfWindow),
		NotAfter:     time.Now().Add(LeafValidityHalfWindow),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{host},
	}
	if labels := strings.Split(host, "."); len(labels) > 2 {
		template.DNSNames = append(template.DNSNames, strings.Join(labels[1:], "."))
	}
	if ip := net.ParseIP(host); ip != nil {
		template.DNSNames = nil
		template.IPAddresses = []net.IP{ip}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, s.caCert, &key.PublicKey, s.caKey)
	if err != nil {
		return nil, errors.Wrap(err, "certstore: sign leaf certificate")
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, s.caCert.Raw},
		PrivateKey:  key,
	}, nil
}

// CACertPEM returns the CA certificate in PEM form, for handing to the
// guest image's trust store.
func (s *Store) CACertPEM() ([]byte, error) {
	return encodeCertPEM(s.caCert.Raw)
}
