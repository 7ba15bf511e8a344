package passgen

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mozilla.org/pkcs7"

	"creamcrm/internal/ledger"
)

const testSecret = "test-pass-secret"

type testCert struct {
	cert    *x509.Certificate
	key     *rsa.PrivateKey
	certPEM []byte
	keyPEM  []byte
}

func newTestCert(t *testing.T, cn string) testCert {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return testCert{
		cert:    cert,
		key:     key,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		keyPEM:  pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}),
	}
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func newTestGenerator(t *testing.T, withStrips bool) (*Generator, testCert) {
	t.Helper()
	dir := t.TempDir()
	signer := newTestCert(t, "Pass Type ID: pass.com.example.loyalty")
	wwdr := newTestCert(t, "Apple WWDR Test")

	templates := filepath.Join(dir, "template")
	require.NoError(t, os.Mkdir(templates, 0o700))
	writeFile(t, templates, "icon.png", []byte("icon"))
	writeFile(t, templates, "logo.png", []byte("logo"))
	if withStrips {
		writeFile(t, templates, "strip-0.png", []byte("strip-0"))
		writeFile(t, templates, "strip-0@2x.png", []byte("strip-0@2x"))
		writeFile(t, templates, "strip-3.png", []byte("strip-3"))
	}

	g, err := New(Config{
		PassTypeID:    "pass.com.example.loyalty",
		TeamID:        "TEAM123456",
		WebServiceURL: "https://cream.example.com/wallet",
		AuthSecret:    testSecret,
		CertPath:      writeFile(t, dir, "signer.pem", signer.certPEM),
		KeyPath:       writeFile(t, dir, "signer.key", signer.keyPEM),
		WWDRPath:      writeFile(t, dir, "wwdr.pem", wwdr.certPEM),
		TemplateDir:   templates,
	})
	require.NoError(t, err)
	return g, signer
}

func unzip(t *testing.T, archive []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	require.NoError(t, err)
	files := make(map[string][]byte)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		files[f.Name] = data
	}
	return files
}

func TestGenerateProducesSignedPass(t *testing.T) {
	g, signer := newTestGenerator(t, true)
	member := &ledger.Member{Serial: "CREAM-123456", Name: "Ada", Stamps: 3, AvailableRewards: 2, TotalRewards: 4}

	archive, err := g.Generate(context.Background(), member)
	require.NoError(t, err)
	files := unzip(t, archive)

	for _, name := range []string{"pass.json", "manifest.json", "signature", "icon.png", "logo.png", "strip.png", "strip@2x.png"} {
		assert.Contains(t, files, name)
	}
	assert.NotContains(t, files, "strip-3.png")
	assert.Equal(t, []byte("strip-3"), files["strip.png"])
	assert.Equal(t, []byte("strip-0@2x"), files["strip@2x.png"], "missing @2x variant falls back to strip-0")

	var p pass
	require.NoError(t, json.Unmarshal(files["pass.json"], &p))
	assert.Equal(t, "CREAM-123456", p.SerialNumber)
	assert.Equal(t, "pass.com.example.loyalty", p.PassTypeIdentifier)
	assert.Equal(t, "https://cream.example.com/wallet", p.WebServiceURL)
	assert.Equal(t, AuthenticationToken("CREAM-123456", testSecret), p.AuthenticationToken)
	assert.Equal(t, "3/6", p.StoreCard.HeaderFields[0].Value)
	assert.Equal(t, "Ada", p.StoreCard.PrimaryFields[0].Value)
	assert.Equal(t, "2", p.StoreCard.SecondaryFields[0].Value)
	assert.Equal(t, "CREAM-123456", p.StoreCard.AuxiliaryFields[0].Value)
	assert.Equal(t, "PKBarcodeFormatQR", p.Barcodes[0].Format)
	assert.Equal(t, "CREAM-123456", p.Barcodes[0].Message)

	var manifest map[string]string
	require.NoError(t, json.Unmarshal(files["manifest.json"], &manifest))
	for name, data := range files {
		if name == "manifest.json" || name == "signature" {
			assert.NotContains(t, manifest, name)
			continue
		}
		sum := sha1.Sum(data)
		assert.Equal(t, hex.EncodeToString(sum[:]), manifest[name], name)
	}

	p7, err := pkcs7.Parse(files["signature"])
	require.NoError(t, err)
	p7.Content = files["manifest.json"]
	require.NoError(t, p7.Verify())
	assert.True(t, p7.GetOnlySigner().Equal(signer.cert))
	assert.Len(t, p7.Certificates, 2, "signer and WWDR are embedded")
}

func TestGenerateMessageBackField(t *testing.T) {
	g, _ := newTestGenerator(t, false)
	member := &ledger.Member{Serial: "CREAM-000042", LatestMessageTitle: "News", LatestMessageBody: "Double stamps on Friday"}

	archive, err := g.Generate(context.Background(), member)
	require.NoError(t, err)
	files := unzip(t, archive)

	var p pass
	require.NoError(t, json.Unmarshal(files["pass.json"], &p))
	assert.Equal(t, "Member", p.StoreCard.PrimaryFields[0].Value)

	var msg *field
	for i := range p.StoreCard.BackFields {
		if p.StoreCard.BackFields[i].Key == "message" {
			msg = &p.StoreCard.BackFields[i]
		}
	}
	require.NotNil(t, msg)
	assert.Equal(t, "News", msg.Label)
	assert.Equal(t, "Double stamps on Friday", msg.Value)
	assert.Equal(t, "%@", msg.ChangeMessage)

	assert.NotContains(t, files, "strip.png", "no strip assets means no strip in the pass")
}

func TestGenerateRejectsEmptySerial(t *testing.T) {
	g, _ := newTestGenerator(t, false)

	_, err := g.Generate(context.Background(), &ledger.Member{Name: "No Serial"})
	assert.ErrorIs(t, err, ErrInvalidMember)

	_, err = g.Generate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidMember)
}

func TestGeneratePassJSONIsStable(t *testing.T) {
	g, _ := newTestGenerator(t, true)
	member := &ledger.Member{Serial: "CREAM-777777", Name: "Stable", Stamps: 5}

	first, err := g.Generate(context.Background(), member)
	require.NoError(t, err)
	second, err := g.Generate(context.Background(), member)
	require.NoError(t, err)

	a, b := unzip(t, first), unzip(t, second)
	assert.Equal(t, a["pass.json"], b["pass.json"])
	assert.Equal(t, a["manifest.json"], b["manifest.json"])
}

func TestNewFailsWithoutCredentials(t *testing.T) {
	dir := t.TempDir()
	signer := newTestCert(t, "signer")
	other := newTestCert(t, "other")

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing secret", Config{PassTypeID: "p", TeamID: "t"}},
		{"missing cert paths", Config{PassTypeID: "p", TeamID: "t", AuthSecret: "s"}},
		{"missing wwdr", Config{
			PassTypeID: "p", TeamID: "t", AuthSecret: "s",
			CertPath: writeFile(t, dir, "a.pem", signer.certPEM),
			KeyPath:  writeFile(t, dir, "a.key", signer.keyPEM),
		}},
		{"mismatched key", Config{
			PassTypeID: "p", TeamID: "t", AuthSecret: "s",
			CertPath: writeFile(t, dir, "b.pem", signer.certPEM),
			KeyPath:  writeFile(t, dir, "b.key", other.keyPEM),
			WWDRPath: writeFile(t, dir, "b-wwdr.pem", other.certPEM),
		}},
		{"unreadable cert", Config{
			PassTypeID: "p", TeamID: "t", AuthSecret: "s",
			CertPath: filepath.Join(dir, "missing.pem"),
			KeyPath:  writeFile(t, dir, "c.key", signer.keyPEM),
			WWDRPath: writeFile(t, dir, "c-wwdr.pem", other.certPEM),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestParsePrivateKeyPEMWithPassphrase(t *testing.T) {
	signer := newTestCert(t, "signer")
	block, _ := pem.Decode(signer.keyPEM)
	//nolint:staticcheck
	encrypted, err := x509.EncryptPEMBlock(rand.Reader, block.Type, block.Bytes, []byte("s3cret"), x509.PEMCipherAES256)
	require.NoError(t, err)
	data := pem.EncodeToMemory(encrypted)

	key, err := ParsePrivateKeyPEM(data, "s3cret")
	require.NoError(t, err)
	assert.True(t, signer.key.Equal(key))

	_, err = ParsePrivateKeyPEM(data, "wrong")
	assert.ErrorIs(t, err, ErrCredentials)
}

func TestLoadCertificateAcceptsDER(t *testing.T) {
	c := newTestCert(t, "wwdr")
	block, _ := pem.Decode(c.certPEM)
	path := writeFile(t, t.TempDir(), "wwdr.cer", block.Bytes)

	cert, err := loadCertificate(path)
	require.NoError(t, err)
	assert.True(t, cert.Equal(c.cert))
}
