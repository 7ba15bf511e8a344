// internal/passgen/certs.go
package passgen

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/youmark/pkcs8"
	"golang.org/x/crypto/pkcs12"
)

var ErrCredentials = errors.New("invalid pass signing credentials")

// Credentials is the signing material for .pkpass signatures.
type Credentials struct {
	Cert *x509.Certificate
	Key  crypto.Signer
	WWDR *x509.Certificate
}

// LoadCredentials reads the signer from a PKCS#12 bundle when P12Path is set, otherwise
// from PEM files. The WWDR intermediate is always required.
func LoadCredentials(cfg Config) (*Credentials, error) {
	var (
		creds Credentials
		err   error
	)
	if cfg.P12Path != "" {
		creds.Cert, creds.Key, err = loadP12(cfg.P12Path, cfg.KeyPassphrase)
	} else {
		creds.Cert, creds.Key, err = loadPEMPair(cfg.CertPath, cfg.KeyPath, cfg.KeyPassphrase)
	}
	if err != nil {
		return nil, err
	}

	if cfg.WWDRPath == "" {
		return nil, fmt.Errorf("%w: WWDR certificate path is empty", ErrCredentials)
	}
	creds.WWDR, err = loadCertificate(cfg.WWDRPath)
	if err != nil {
		return nil, fmt.Errorf("load WWDR certificate: %w", err)
	}

	if !keyMatchesCert(creds.Key, creds.Cert) {
		return nil, fmt.Errorf("%w: private key does not match signer certificate", ErrCredentials)
	}
	return &creds, nil
}

func loadP12(path, passphrase string) (*x509.Certificate, crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read p12 bundle: %w", err)
	}
	key, cert, err := pkcs12.Decode(data, passphrase)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decode p12 bundle: %v", ErrCredentials, err)
	}
	signer, err := asSigner(key)
	if err != nil {
		return nil, nil, err
	}
	return cert, signer, nil
}

func loadPEMPair(certPath, keyPath, passphrase string) (*x509.Certificate, crypto.Signer, error) {
	if certPath == "" || keyPath == "" {
		return nil, nil, fmt.Errorf("%w: signer certificate and key paths are required", ErrCredentials)
	}
	cert, err := loadCertificate(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load signer certificate: %w", err)
	}
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read signer key: %w", err)
	}
	key, err := ParsePrivateKeyPEM(data, passphrase)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

// loadCertificate accepts PEM or raw DER, as Apple ships the WWDR certificate as .cer.
func loadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	der := data
	for rest := data; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			der = block.Bytes
			break
		}
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse certificate %s: %v", ErrCredentials, path, err)
	}
	return cert, nil
}

// ParsePrivateKeyPEM finds the first private key block in data and decrypts it with
// passphrase when needed. Legacy OpenSSL encryption and encrypted PKCS#8 are both handled.
func ParsePrivateKeyPEM(data []byte, passphrase string) (crypto.Signer, error) {
	for rest := data; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, fmt.Errorf("%w: no private key found", ErrCredentials)
		}

		switch block.Type {
		case "ENCRYPTED PRIVATE KEY":
			key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(passphrase))
			if err != nil {
				return nil, fmt.Errorf("%w: decrypt pkcs8 key: %v", ErrCredentials, err)
			}
			return asSigner(key)
		case "RSA PRIVATE KEY", "EC PRIVATE KEY", "PRIVATE KEY":
			der := block.Bytes
			//nolint:staticcheck // Apple's tooling still exports legacy encrypted PEM keys.
			if x509.IsEncryptedPEMBlock(block) {
				var err error
				//nolint:staticcheck
				der, err = x509.DecryptPEMBlock(block, []byte(passphrase))
				if err != nil {
					return nil, fmt.Errorf("%w: decrypt key: %v", ErrCredentials, err)
				}
			}
			return parseKeyDER(block.Type, der)
		}
	}
}

func parseKeyDER(blockType string, der []byte) (crypto.Signer, error) {
	var (
		key any
		err error
	)
	switch blockType {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(der)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(der)
	default:
		key, err = x509.ParsePKCS8PrivateKey(der)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrCredentials, blockType, err)
	}
	return asSigner(key)
}

func asSigner(key any) (crypto.Signer, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrCredentials, key)
	}
}

func keyMatchesCert(key crypto.Signer, cert *x509.Certificate) bool {
	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	return ok && pub.Equal(cert.PublicKey)
}
