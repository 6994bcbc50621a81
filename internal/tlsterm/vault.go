package tlsterm

import (
	"fmt"

	"github.com/99designs/keyring"
)

const keyringServiceName = "kftray"

// Vault stores leaf private keys in the OS keychain (Keychain on macOS,
// Secret Service on Linux, the file-backed fallback otherwise), alongside
// the filesystem copies written by IssueLeaf (spec.md §4.7 "filesystem-backed
// plus an OS-keychain-backed vault").
type Vault struct {
	ring keyring.Keyring
}

// OpenVault opens the OS-backed keyring, falling back to an encrypted file
// vault under dir when no native backend is available (headless CI, Linux
// without a Secret Service).
func OpenVault(dir string) (*Vault, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName:             keyringServiceName,
		FileDir:                 dir,
		FilePasswordFunc:        keyring.FixedStringPrompt("kftray-local-vault"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("tlsterm: open vault: %w", err)
	}
	return &Vault{ring: ring}, nil
}

// StoreKey persists a leaf's private key bytes under name.
func (v *Vault) StoreKey(name string, keyPEM []byte) error {
	return v.ring.Set(keyring.Item{
		Key:  name,
		Data: keyPEM,
	})
}

// LoadKey retrieves a previously stored private key, or an error if absent.
func (v *Vault) LoadKey(name string) ([]byte, error) {
	item, err := v.ring.Get(name)
	if err != nil {
		return nil, err
	}
	return item.Data, nil
}

// RemoveKey deletes name's entry; missing entries are not an error.
func (v *Vault) RemoveKey(name string) error {
	if err := v.ring.Remove(name); err != nil && err != keyring.ErrKeyNotFound {
		return err
	}
	return nil
}
