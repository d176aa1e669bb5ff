package mailer

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// DKIMKey is a generated signing key and the DNS record that publishes it.
type DKIMKey struct {
	PrivateKey *rsa.PrivateKey
	Domain     string
	Selector   string
}

// GenerateDKIMKey generates an RSA 2048-bit signing key.
func GenerateDKIMKey(domain, selector string) (*DKIMKey, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return &DKIMKey{PrivateKey: privateKey, Domain: domain, Selector: selector}, nil
}

// Save writes the private key as PKCS#1 PEM, readable by the owner only.
func (k *DKIMKey) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	defer file.Close()

	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k.PrivateKey)}
	if err := pem.Encode(file, block); err != nil {
		return fmt.Errorf("failed to encode private key: %w", err)
	}
	return nil
}

// DNSName returns the name of the TXT record, e.g. mail._domainkey.example.org.
func (k *DKIMKey) DNSName() string {
	return fmt.Sprintf("%s._domainkey.%s", k.Selector, k.Domain)
}

// DNSRecord returns the TXT record value.
func (k *DKIMKey) DNSRecord() (string, error) {
	return dnsRecord(k.PrivateKey.Public())
}

// DKIMRecordForFile returns the TXT record value for an existing key file.
func DKIMRecordForFile(path string) (string, error) {
	key, err := LoadPrivateKey(path)
	if err != nil {
		return "", err
	}
	return dnsRecord(key.Public())
}

// dnsRecord encodes RSA keys as PKIX DER and Ed25519 keys raw (RFC 8463).
func dnsRecord(pub crypto.PublicKey) (string, error) {
	if k, ok := pub.(ed25519.PublicKey); ok {
		return "v=DKIM1; k=ed25519; p=" + base64.StdEncoding.EncodeToString(k), nil
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(der), nil
}
