package tlsterm

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"

	"k8s.io/klog/v2"
)

// Terminator owns the local CA and issues per-alias leaf certificates to
// terminate TLS on forwarder listeners (spec.md §4.7). It satisfies
// tcpforward.TLSWrapper.
type Terminator struct {
	CA           *CA
	CertDir      string
	CADir        string
	ValidityDays int
	Vault        *Vault

	mu        sync.Mutex
	installed bool
}

// NewTerminator loads or creates the CA under configDir/ssl-ca and prepares
// leaf issuance under configDir/ssl-certs, per the fixed layout in spec.md §6.
func NewTerminator(configDir string, validityDays int) (*Terminator, error) {
	caDir := filepath.Join(configDir, "ssl-ca")
	certDir := filepath.Join(configDir, "ssl-certs")

	ca, err := LoadOrCreateCA(caDir)
	if err != nil {
		return nil, err
	}

	vault, err := OpenVault(configDir)
	if err != nil {
		klog.Warningf("tlsterm: keychain vault unavailable, private keys stay filesystem-only: %v", err)
		vault = nil
	}

	return &Terminator{CA: ca, CertDir: certDir, CADir: caDir, ValidityDays: validityDays, Vault: vault}, nil
}

// WrapListener issues (or reuses) alias's leaf certificate and wraps ln in a
// TLS listener presenting it.
func (t *Terminator) WrapListener(ln net.Listener, alias string) (net.Listener, error) {
	leaf, err := t.CA.IssueLeaf(t.CertDir, alias, LeafPerAlias, alias, nil, t.ValidityDays)
	if err != nil {
		return nil, fmt.Errorf("tlsterm: issue leaf for %s: %w", alias, err)
	}

	cert, err := tls.X509KeyPair(leaf.CertPEM, leaf.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("tlsterm: parse leaf keypair for %s: %w", alias, err)
	}

	if t.Vault != nil {
		if err := t.Vault.StoreKey(alias, leaf.KeyPEM); err != nil {
			klog.Warningf("tlsterm: failed to mirror %s private key to vault: %v", alias, err)
		}
	}

	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	return tls.NewListener(ln, cfg), nil
}

// IssueGlobal issues (or reuses, if the SAN set is unchanged) the
// multi-alias certificate covering every configured alias.
func (t *Terminator) IssueGlobal(aliases []string) (*Leaf, error) {
	return t.CA.IssueLeaf(t.CertDir, "global", LeafGlobal, "", aliases, t.ValidityDays)
}

// IssueWildcard issues the `*.local` wildcard certificate.
func (t *Terminator) IssueWildcard() (*Leaf, error) {
	return t.CA.IssueLeaf(t.CertDir, "wildcard", LeafWildcard, "", nil, t.ValidityDays)
}

// InstallCA adds the CA certificate to the OS trust store, best-effort. The
// installed flag guards against redundant attempts within one session
// (spec.md §4.7).
func (t *Terminator) InstallCA() error {
	t.mu.Lock()
	if t.installed {
		t.mu.Unlock()
		return nil
	}
	t.installed = true
	t.mu.Unlock()

	caPath := filepath.Join(t.CADir, caCertFile)
	if err := installCATrust(caPath); err != nil {
		klog.Warningf("tlsterm: failed to install CA into OS trust store: %v", err)
		return err
	}
	return nil
}

// RemoveAll wipes ssl-certs/ and ssl-ca/, best-effort removes the CA from
// the OS trust store, and clears every vault entry; cleanup failures are
// logged but never fatal (spec.md §4.7).
func (t *Terminator) RemoveAll() {
	caPath := filepath.Join(t.CADir, caCertFile)
	if err := removeCATrust(caPath); err != nil {
		klog.Warningf("tlsterm: failed to remove CA from OS trust store: %v", err)
	}

	if err := os.RemoveAll(t.CertDir); err != nil {
		klog.Warningf("tlsterm: failed to remove %s: %v", t.CertDir, err)
	}
	if err := os.RemoveAll(t.CADir); err != nil {
		klog.Warningf("tlsterm: failed to remove %s: %v", t.CADir, err)
	}

	if t.Vault != nil {
		names, err := t.Vault.ring.Keys()
		if err != nil {
			klog.Warningf("tlsterm: failed to list vault entries: %v", err)
		}
		for _, name := range names {
			if err := t.Vault.RemoveKey(name); err != nil {
				klog.Warningf("tlsterm: failed to clear vault entry %s: %v", name, err)
			}
		}
	}

	t.mu.Lock()
	t.installed = false
	t.mu.Unlock()
}

func installCATrust(caPath string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("security", "add-trusted-cert", "-d", "-r", "trustRoot",
			"-k", "/Library/Keychains/System.keychain", caPath).Run()
	case "linux":
		dest := "/usr/local/share/ca-certificates/kftray-local-ca.crt"
		if err := copyFile(caPath, dest); err != nil {
			return err
		}
		return exec.Command("update-ca-certificates").Run()
	case "windows":
		return exec.Command("certutil", "-addstore", "-f", "ROOT", caPath).Run()
	default:
		return fmt.Errorf("tlsterm: unsupported platform %s", runtime.GOOS)
	}
}

func removeCATrust(caPath string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("security", "remove-trusted-cert", "-d", caPath).Run()
	case "linux":
		dest := "/usr/local/share/ca-certificates/kftray-local-ca.crt"
		_ = os.Remove(dest)
		return exec.Command("update-ca-certificates", "--fresh").Run()
	case "windows":
		return exec.Command("certutil", "-delstore", "ROOT", caCommonName).Run()
	default:
		return nil
	}
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
