package tlsterm

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateCAGeneratesThenReloads(t *testing.T) {
	dir := t.TempDir()

	ca, err := LoadOrCreateCA(dir)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !ca.Cert.IsCA {
		t.Fatal("expected generated certificate to be a CA")
	}
	if ca.Cert.Subject.CommonName != caCommonName {
		t.Fatalf("CN = %q, want %q", ca.Cert.Subject.CommonName, caCommonName)
	}

	reloaded, err := LoadOrCreateCA(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Cert.SerialNumber.Cmp(ca.Cert.SerialNumber) != 0 {
		t.Fatal("expected reload to return the same CA, not regenerate")
	}
}

func TestLoadOrCreateCARegeneratesOnCorruption(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, caCertFile), []byte("not a cert"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, caKeyFile), []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}

	ca, err := LoadOrCreateCA(dir)
	if err != nil {
		t.Fatalf("expected corruption to be repaired by regeneration, got: %v", err)
	}
	if !ca.Cert.IsCA {
		t.Fatal("expected regenerated certificate to be a CA")
	}
}

func TestSANsForPerAlias(t *testing.T) {
	sans := sansFor(LeafPerAlias, "myapp", nil)
	want := []string{"myapp", "myapp.local", "localhost", "127.0.0.1"}
	for _, w := range want {
		if !contains(sans, w) {
			t.Errorf("expected SAN %q in %v", w, sans)
		}
	}
}

func TestSANsForGlobalUnionsAllAliases(t *testing.T) {
	sans := sansFor(LeafGlobal, "", []string{"a", "b"})
	for _, w := range []string{"a", "a.local", "b", "b.local", "localhost", "127.0.0.1", "::1"} {
		if !contains(sans, w) {
			t.Errorf("expected SAN %q in %v", w, sans)
		}
	}
}

func TestSANsForWildcard(t *testing.T) {
	sans := sansFor(LeafWildcard, "", nil)
	for _, w := range []string{"*.local", "*.*.local", "localhost", "127.0.0.1"} {
		if !contains(sans, w) {
			t.Errorf("expected SAN %q in %v", w, sans)
		}
	}
}

func TestIssueLeafSignedByCA(t *testing.T) {
	dir := t.TempDir()
	ca, err := LoadOrCreateCA(filepath.Join(dir, "ssl-ca"))
	if err != nil {
		t.Fatalf("LoadOrCreateCA: %v", err)
	}

	leaf, err := ca.IssueLeaf(filepath.Join(dir, "ssl-certs"), "myapp", LeafPerAlias, "myapp", nil, 365)
	if err != nil {
		t.Fatalf("IssueLeaf: %v", err)
	}

	block, _ := pem.Decode(leaf.CertPEM)
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse leaf cert: %v", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(ca.Cert)
	if _, err := cert.Verify(x509.VerifyOptions{DNSName: "myapp", Roots: pool}); err != nil {
		t.Fatalf("leaf cert did not verify against CA: %v", err)
	}
}

func TestIssueLeafGlobalReusesWhenSANsUnchanged(t *testing.T) {
	dir := t.TempDir()
	ca, err := LoadOrCreateCA(filepath.Join(dir, "ssl-ca"))
	if err != nil {
		t.Fatalf("LoadOrCreateCA: %v", err)
	}
	certDir := filepath.Join(dir, "ssl-certs")

	first, err := ca.IssueLeaf(certDir, "global", LeafGlobal, "", []string{"a", "b"}, 365)
	if err != nil {
		t.Fatalf("first issue: %v", err)
	}
	second, err := ca.IssueLeaf(certDir, "global", LeafGlobal, "", []string{"a", "b"}, 365)
	if err != nil {
		t.Fatalf("second issue: %v", err)
	}
	if string(first.CertPEM) != string(second.CertPEM) {
		t.Fatal("expected unchanged SAN set to reuse the existing global certificate")
	}

	third, err := ca.IssueLeaf(certDir, "global", LeafGlobal, "", []string{"a", "b", "c"}, 365)
	if err != nil {
		t.Fatalf("third issue: %v", err)
	}
	if string(first.CertPEM) == string(third.CertPEM) {
		t.Fatal("expected changed SAN set to regenerate the global certificate")
	}
}

func contains(ss []string, target string) bool {
	for _, s := range ss {
		if s == target {
			return true
		}
	}
	return false
}
