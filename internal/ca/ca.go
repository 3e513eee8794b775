// Package ca generates and persists the project-local certificate
// authority procsi hands to the external TLS-MITM engine. The root key
// is Ed25519 (teacher precedent: internal/crypto.Signer uses
// crypto/ed25519 for event integrity; procsi reuses the same primitive
// here for the CA's own key, wrapped in the X.509 structure a MITM
// engine expects).
package ca

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/mtford90/procsi/internal/assert"
)

// Store holds the CA's certificate and private key, generating them on
// first use and persisting both to disk thereafter.
type Store struct {
	certPEM []byte
	keyPEM  []byte
}

// Load reads an existing CA from certPath/keyPath, generating and
// persisting a new one if either file is absent.
func Load(certPath, keyPath string) (*Store, error) {
	if err := assert.Check(certPath != "", "cert path must not be empty"); err != nil {
		return nil, err
	}
	if err := assert.Check(keyPath != "", "key path must not be empty"); err != nil {
		return nil, err
	}

	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)
	if certErr == nil && keyErr == nil {
		return &Store{certPEM: certPEM, keyPEM: keyPEM}, nil
	}

	store, err := generate()
	if err != nil {
		return nil, fmt.Errorf("generating CA: %w", err)
	}
	if err := os.WriteFile(certPath, store.certPEM, 0644); err != nil {
		return nil, fmt.Errorf("writing CA cert: %w", err)
	}
	if err := os.WriteFile(keyPath, store.keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("writing CA key: %w", err)
	}
	return store, nil
}

func generate() (*Store, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating CA keypair: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating CA serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "procsi local CA",
			Organization: []string{"procsi"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:               time.Now().AddDate(10, 0, 0),
		KeyUsage:               x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                   true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("creating CA certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshalling CA key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	return &Store{certPEM: certPEM, keyPEM: keyPEM}, nil
}

// CertPEM returns the CA certificate, PEM-encoded.
func (s *Store) CertPEM() []byte { return s.certPEM }

// KeyPEM returns the CA private key, PEM-encoded.
func (s *Store) KeyPEM() []byte { return s.keyPEM }
