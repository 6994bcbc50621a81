package tlsterm

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// LeafKind selects which SAN set a leaf certificate carries (spec.md §4.7).
type LeafKind int

const (
	LeafPerAlias LeafKind = iota
	LeafGlobal
	LeafWildcard
)

const domainsHashSuffix = ".domains_hash"

// Leaf is an issued certificate/key pair plus its SAN set.
type Leaf struct {
	CertPEM []byte
	KeyPEM  []byte
	SANs    []string
}

// sansFor computes the SAN set for kind, per spec.md §4.7.
func sansFor(kind LeafKind, alias string, allAliases []string) []string {
	switch kind {
	case LeafPerAlias:
		return []string{alias, alias + ".local", "localhost", "127.0.0.1"}
	case LeafWildcard:
		return []string{"*.local", "*.*.local", "localhost", "127.0.0.1"}
	case LeafGlobal:
		set := map[string]struct{}{"localhost": {}, "127.0.0.1": {}, "::1": {}}
		for _, a := range allAliases {
			set[a] = struct{}{}
			set[a+".local"] = struct{}{}
		}
		out := make([]string, 0, len(set))
		for s := range set {
			out = append(out, s)
		}
		sort.Strings(out)
		return out
	}
	return nil
}

func hashSANs(sans []string) string {
	sorted := append([]string(nil), sans...)
	sort.Strings(sorted)
	h := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(h[:])
}

// IssueLeaf issues (or reuses, for LeafGlobal, when the SAN set is
// unchanged) a leaf certificate signed by ca, persisted as
// certDir/<name>.pem and certDir/<name>.key, with validity days long.
func (ca *CA) IssueLeaf(certDir, name string, kind LeafKind, alias string, allAliases []string, validityDays int) (*Leaf, error) {
	sans := sansFor(kind, alias, allAliases)
	hash := hashSANs(sans)

	if kind == LeafGlobal {
		hashPath := filepath.Join(certDir, name+domainsHashSuffix)
		if existing, err := os.ReadFile(hashPath); err == nil && string(existing) == hash {
			if leaf, err := loadLeaf(certDir, name, sans); err == nil {
				return leaf, nil
			}
		}
	}

	leaf, err := generateLeaf(ca, sans, validityDays)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(certDir, 0o700); err != nil {
		return nil, fmt.Errorf("tlsterm: create cert dir: %w", err)
	}
	if err := writePEMBytes(filepath.Join(certDir, name+".pem"), leaf.CertPEM, 0o644); err != nil {
		return nil, err
	}
	if err := writePEMBytes(filepath.Join(certDir, name+".key"), leaf.KeyPEM, 0o600); err != nil {
		return nil, err
	}
	if kind == LeafGlobal {
		if err := os.WriteFile(filepath.Join(certDir, name+domainsHashSuffix), []byte(hash), 0o644); err != nil {
			return nil, fmt.Errorf("tlsterm: write domains hash: %w", err)
		}
	}

	return leaf, nil
}

func loadLeaf(certDir, name string, sans []string) (*Leaf, error) {
	certPEM, err := os.ReadFile(filepath.Join(certDir, name+".pem"))
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(filepath.Join(certDir, name+".key"))
	if err != nil {
		return nil, err
	}
	return &Leaf{CertPEM: certPEM, KeyPEM: keyPEM, SANs: sans}, nil
}

func generateLeaf(ca *CA, sans []string, validityDays int) (*Leaf, error) {
	if validityDays <= 0 {
		validityDays = 365
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("tlsterm: generate leaf key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("tlsterm: generate leaf serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: firstOrDefault(sans, "kftray")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(0, 0, validityDays),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	for _, san := range sans {
		if ip := net.ParseIP(san); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, san)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Cert, &key.PublicKey, ca.Key)
	if err != nil {
		return nil, fmt.Errorf("tlsterm: sign leaf certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	return &Leaf{CertPEM: certPEM, KeyPEM: keyPEM, SANs: sans}, nil
}

func firstOrDefault(sans []string, def string) string {
	if len(sans) > 0 {
		return sans[0]
	}
	return def
}

func writePEMBytes(path string, data []byte, perm os.FileMode) error {
	return os.WriteFile(path, data, perm)
}
