// Package tlsterm implements the TLS Terminator (C7): a self-managed local
// CA plus per-alias, global and wildcard leaf certificates used to terminate
// TLS on the client side of a TCP forwarder's listener. Grounded on the
// kubeclient package PKCS re-encoding helpers (pkcs.go), extended
// from "decode one client cert" into "own a CA and issue leaves".
package tlsterm

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"k8s.io/klog/v2"
)

const (
	caCertFile = "ca.pem"
	caKeyFile  = "ca.key"

	caCommonName   = "kftray Local CA"
	caValidityYears = 10
)

// CA is the terminator's self-managed certificate authority, keyed by a
// fixed file pair under dir (spec.md §4.7).
type CA struct {
	dir  string
	Cert *x509.Certificate
	Key  *rsa.PrivateKey
}

// LoadOrCreateCA loads the CA from dir, generating and persisting a new one
// if absent or corrupt (spec.md §4.7 "On first use or on CA-file corruption").
func LoadOrCreateCA(dir string) (*CA, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("tlsterm: create ca dir: %w", err)
	}

	ca, err := loadCA(dir)
	if err == nil {
		return ca, nil
	}
	klog.Infof("tlsterm: generating new CA in %s: %v", dir, err)
	return generateCA(dir)
}

func loadCA(dir string) (*CA, error) {
	certPEM, err := os.ReadFile(filepath.Join(dir, caCertFile))
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(filepath.Join(dir, caKeyFile))
	if err != nil {
		return nil, err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("tlsterm: corrupt ca certificate")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("tlsterm: corrupt ca certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("tlsterm: corrupt ca key")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("tlsterm: corrupt ca key: %w", err)
	}

	return &CA{dir: dir, Cert: cert, Key: key}, nil
}

func generateCA(dir string) (*CA, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("tlsterm: generate ca key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("tlsterm: generate ca serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: caCommonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(caValidityYears, 0, 0),
		IsCA:         true,
		KeyUsage:     x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		MaxPathLenZero:        false,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("tlsterm: create ca certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	if err := writePEM(filepath.Join(dir, caCertFile), "CERTIFICATE", der, 0o644); err != nil {
		return nil, err
	}
	if err := writePEM(filepath.Join(dir, caKeyFile), "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), 0o600); err != nil {
		return nil, err
	}

	return &CA{dir: dir, Cert: cert, Key: key}, nil
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("tlsterm: write %s: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: der})
}

// CertPEM returns the CA certificate, PEM-encoded.
func (c *CA) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Cert.Raw})
}
