package ksef

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/karolsw/ksef-gateway/internal/core/ports"
)

// Signer wraps outbound documents in the signature envelope using the
// tenant-scoped certificate. With no certificate configured it returns the
// XML unsigned and flagged as such; the submission manager decides whether
// an unsigned document is acceptable for the active configuration.
type Signer struct {
	key  *rsa.PrivateKey
	cert []byte // DER
}

// NewSigner loads a PEM certificate/key pair. Empty paths select the
// unsigned mode used outside production.
func NewSigner(certPath, keyPath string) (*Signer, error) {
	if certPath == "" || keyPath == "" {
		return &Signer{}, nil
	}
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load signing certificate: %w", err)
	}
	key, ok := pair.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key is %T, need RSA", pair.PrivateKey)
	}
	if _, err := x509.ParseCertificate(pair.Certificate[0]); err != nil {
		return nil, fmt.Errorf("parse signing certificate: %w", err)
	}
	return &Signer{key: key, cert: pair.Certificate[0]}, nil
}

func (s *Signer) Sign(doc []byte) (ports.SignedDocument, error) {
	if s.key == nil {
		return ports.SignedDocument{XML: doc, Signed: false}, nil
	}

	digest := sha256.Sum256(doc)
	signature, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return ports.SignedDocument{}, fmt.Errorf("sign digest: %w", err)
	}

	envelope := fmt.Sprintf(signatureTemplate,
		base64.StdEncoding.EncodeToString(digest[:]),
		base64.StdEncoding.EncodeToString(signature),
		base64.StdEncoding.EncodeToString(s.cert),
	)

	// Enveloped signature: inserted before the closing root element.
	text := string(doc)
	idx := strings.LastIndex(text, "</Faktura>")
	if idx < 0 {
		return ports.SignedDocument{}, fmt.Errorf("document has no Faktura root element")
	}
	signed := text[:idx] + envelope + text[idx:]
	return ports.SignedDocument{XML: []byte(signed), Signed: true}, nil
}

const signatureTemplate = `<ds:Signature xmlns:ds="http://www.w3.org/2000/09/xmldsig#">
  <ds:SignedInfo>
    <ds:CanonicalizationMethod Algorithm="http://www.w3.org/TR/2001/REC-xml-c14n-20010315"/>
    <ds:SignatureMethod Algorithm="http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"/>
    <ds:Reference URI="">
      <ds:DigestMethod Algorithm="http://www.w3.org/2001/04/xmlenc#sha256"/>
      <ds:DigestValue>%s</ds:DigestValue>
    </ds:Reference>
  </ds:SignedInfo>
  <ds:SignatureValue>%s</ds:SignatureValue>
  <ds:KeyInfo>
    <ds:X509Data>
      <ds:X509Certificate>%s</ds:X509Certificate>
    </ds:X509Data>
  </ds:KeyInfo>
</ds:Signature>`
