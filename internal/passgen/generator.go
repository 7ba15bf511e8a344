// internal/passgen/generator.go
package passgen

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/klauspost/compress/zip"
	"go.mozilla.org/pkcs7"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"creamcrm/internal/ledger"
)

var ErrInvalidMember = errors.New("member cannot be rendered as a pass")

const (
	defaultDescription = "C.R.E.A.M. Coffee Loyalty Card"
	defaultContact     = "C.R.E.A.M. Paspatur\n05336892009"
	howItWorks         = "Collect 6 stamps to earn a FREE drink!\n\nPresent this pass when making a purchase.\n\nWhen you reach 6 stamps, you get a free drink!"
)

// Config describes the pass type and where its signing material lives.
type Config struct {
	PassTypeID       string
	TeamID           string
	OrganizationName string
	Description      string
	// WebServiceURL is the absolute URL of the wallet web service, prefix included.
	WebServiceURL string
	AuthSecret    string
	ContactText   string

	CertPath      string
	KeyPath       string
	KeyPassphrase string
	P12Path       string
	WWDRPath      string
	TemplateDir   string
}

// Generator renders signed .pkpass archives. It is safe for concurrent use.
type Generator struct {
	cfg    Config
	creds  *Credentials
	assets assets
	tracer trace.Tracer
}

// New loads certificates and template assets once.
func New(cfg Config) (*Generator, error) {
	if cfg.PassTypeID == "" || cfg.TeamID == "" {
		return nil, fmt.Errorf("%w: pass type id and team id are required", ErrCredentials)
	}
	if cfg.AuthSecret == "" {
		return nil, fmt.Errorf("%w: authentication secret is empty", ErrCredentials)
	}
	if cfg.Description == "" {
		cfg.Description = defaultDescription
	}
	if cfg.OrganizationName == "" {
		cfg.OrganizationName = "C.R.E.A.M. Coffee"
	}
	if cfg.ContactText == "" {
		cfg.ContactText = defaultContact
	}

	creds, err := LoadCredentials(cfg)
	if err != nil {
		return nil, err
	}
	a, err := loadAssets(cfg.TemplateDir)
	if err != nil {
		return nil, err
	}

	return &Generator{
		cfg:    cfg,
		creds:  creds,
		assets: a,
		tracer: otel.Tracer("creamcrm/passgen"),
	}, nil
}

// PassTypeID is the pass type this generator signs for.
func (g *Generator) PassTypeID() string { return g.cfg.PassTypeID }

// AuthenticationToken returns the token embedded in the pass for serial.
func (g *Generator) AuthenticationToken(serial string) string {
	return AuthenticationToken(serial, g.cfg.AuthSecret)
}

// VerifyToken checks a token presented by Wallet for serial.
func (g *Generator) VerifyToken(serial, presented string) bool {
	return VerifyToken(serial, g.cfg.AuthSecret, presented)
}

// Generate renders the .pkpass archive for m.
func (g *Generator) Generate(ctx context.Context, m *ledger.Member) ([]byte, error) {
	if m == nil || m.Serial == "" {
		return nil, ErrInvalidMember
	}

	_, span := g.tracer.Start(ctx, "passgen.Generate", trace.WithAttributes(
		attribute.String("member.serial", m.Serial),
		attribute.Int("member.stamps", m.Stamps),
	))
	defer span.End()

	archive, err := g.render(m)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("generate pass %s: %w", m.Serial, err)
	}
	span.SetAttributes(attribute.Int("pass.bytes", len(archive)))
	return archive, nil
}

func (g *Generator) render(m *ledger.Member) ([]byte, error) {
	passJSON, err := json.Marshal(g.describe(m))
	if err != nil {
		return nil, fmt.Errorf("encode pass.json: %w", err)
	}

	files := g.assets.forStamps(m.Stamps)
	files["pass.json"] = passJSON

	manifest := make(map[string]string, len(files))
	for name, data := range files {
		sum := sha1.Sum(data)
		manifest[name] = hex.EncodeToString(sum[:])
	}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	files["manifest.json"] = manifestJSON

	signature, err := g.sign(manifestJSON)
	if err != nil {
		return nil, err
	}
	files["signature"] = signature

	return zipFiles(files)
}

// sign produces a detached PKCS#7 signature over the manifest.
func (g *Generator) sign(manifest []byte) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(manifest)
	if err != nil {
		return nil, fmt.Errorf("init signature: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSigner(g.creds.Cert, g.creds.Key, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("add signer: %w", err)
	}
	sd.AddCertificate(g.creds.WWDR)
	sd.Detach()

	signature, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	return signature, nil
}

func zipFiles(files map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			return nil, fmt.Errorf("zip %s: %w", name, err)
		}
		if _, err := w.Write(files[name]); err != nil {
			return nil, fmt.Errorf("zip %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return buf.Bytes(), nil
}

type field struct {
	Key           string `json:"key"`
	Label         string `json:"label,omitempty"`
	Value         string `json:"value"`
	ChangeMessage string `json:"changeMessage,omitempty"`
}

type barcode struct {
	Format          string `json:"format"`
	Message         string `json:"message"`
	MessageEncoding string `json:"messageEncoding"`
	AltText         string `json:"altText,omitempty"`
}

type storeCard struct {
	HeaderFields    []field `json:"headerFields"`
	PrimaryFields   []field `json:"primaryFields"`
	SecondaryFields []field `json:"secondaryFields"`
	AuxiliaryFields []field `json:"auxiliaryFields"`
	BackFields      []field `json:"backFields"`
}

type pass struct {
	FormatVersion       int       `json:"formatVersion"`
	PassTypeIdentifier  string    `json:"passTypeIdentifier"`
	SerialNumber        string    `json:"serialNumber"`
	TeamIdentifier      string    `json:"teamIdentifier"`
	OrganizationName    string    `json:"organizationName"`
	Description         string    `json:"description"`
	LogoText            string    `json:"logoText,omitempty"`
	ForegroundColor     string    `json:"foregroundColor"`
	BackgroundColor     string    `json:"backgroundColor"`
	LabelColor          string    `json:"labelColor"`
	WebServiceURL       string    `json:"webServiceURL,omitempty"`
	AuthenticationToken string    `json:"authenticationToken"`
	Barcode             barcode   `json:"barcode"`
	Barcodes            []barcode `json:"barcodes"`
	StoreCard           storeCard `json:"storeCard"`
}

// describe builds pass.json. Output depends only on the member and the config.
func (g *Generator) describe(m *ledger.Member) pass {
	name := m.Name
	if name == "" {
		name = "Member"
	}
	code := barcode{
		Format:          "PKBarcodeFormatQR",
		Message:         m.Serial,
		MessageEncoding: "iso-8859-1",
		AltText:         m.Serial,
	}

	back := []field{
		{Key: "terms", Label: "How It Works", Value: howItWorks},
		{Key: "contact", Label: "Contact Us", Value: g.cfg.ContactText},
	}
	if m.LatestMessageBody != "" {
		title := m.LatestMessageTitle
		if title == "" {
			title = "Message"
		}
		back = append([]field{{Key: "message", Label: title, Value: m.LatestMessageBody, ChangeMessage: "%@"}}, back...)
	}

	return pass{
		FormatVersion:       1,
		PassTypeIdentifier:  g.cfg.PassTypeID,
		SerialNumber:        m.Serial,
		TeamIdentifier:      g.cfg.TeamID,
		OrganizationName:    g.cfg.OrganizationName,
		Description:         g.cfg.Description,
		LogoText:            g.cfg.OrganizationName,
		ForegroundColor:     "rgb(255, 252, 242)",
		BackgroundColor:     "rgb(37, 36, 34)",
		LabelColor:          "rgb(235, 94, 40)",
		WebServiceURL:       g.cfg.WebServiceURL,
		AuthenticationToken: g.AuthenticationToken(m.Serial),
		Barcode:             code,
		Barcodes:            []barcode{code},
		StoreCard: storeCard{
			HeaderFields: []field{{
				Key:   "stamps",
				Label: "STAMPS",
				Value: fmt.Sprintf("%d/%d", m.Stamps, ledger.MaxStamps+1),
			}},
			PrimaryFields: []field{{Key: "member", Label: "MEMBER", Value: name}},
			SecondaryFields: []field{{
				Key:           "rewards",
				Label:         "FREE DRINKS",
				Value:         strconv.Itoa(m.AvailableRewards),
				ChangeMessage: "You now have %@ free drinks",
			}},
			AuxiliaryFields: []field{{Key: "memberId", Label: "MEMBER ID", Value: m.Serial}},
			BackFields:      back,
		},
	}
}
