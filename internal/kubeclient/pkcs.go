package kubeclient

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
)

// pkcs8PEMToPKCS1 re-encodes an RSA private key from PKCS#8 to PKCS#1 PEM.
// Non-PKCS#8 or non-RSA keys are returned unchanged with ok=false so callers
// keep the original bytes (spec.md §4.1, §9 "TLS back-ends and ASN.1 PEM
// tricks").
func pkcs8PEMToPKCS1(pemBytes []byte) ([]byte, bool) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, false
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, false
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, false
	}

	out := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(rsaKey),
	})
	return out, true
}
