package ksef

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"
)

func between(t *testing.T, s, start, end string) string {
	t.Helper()
	i := strings.Index(s, start)
	j := strings.Index(s, end)
	if i < 0 || j < 0 || j < i {
		t.Fatalf("markers %q..%q not found", start, end)
	}
	return s[i+len(start) : j]
}

func decodeB64(t *testing.T, s string) []byte {
	t.Helper()
	out, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	return out
}

func TestSignerWithoutCertificateReturnsUnsigned(t *testing.T) {
	signer, err := NewSigner("", "")
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}

	doc := []byte("<Faktura></Faktura>")
	signed, err := signer.Sign(doc)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if signed.Signed {
		t.Fatalf("no certificate configured, output must be flagged unsigned")
	}
	if !bytes.Equal(signed.XML, doc) {
		t.Fatalf("unsigned mode must pass the document through untouched")
	}
}

func TestSignEnvelopesSignatureInsideRoot(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := &Signer{key: key, cert: []byte("test-cert-der")}

	doc := []byte("<Faktura><Fa><P_2>FV/1</P_2></Fa></Faktura>")
	signed, err := signer.Sign(doc)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if !signed.Signed {
		t.Fatalf("output must be flagged signed")
	}

	text := string(signed.XML)
	sigIdx := strings.Index(text, "<ds:Signature")
	rootIdx := strings.LastIndex(text, "</Faktura>")
	if sigIdx < 0 || rootIdx < 0 || sigIdx > rootIdx {
		t.Fatalf("signature must sit inside the Faktura root:\n%s", text)
	}
	if !strings.Contains(text, "rsa-sha256") {
		t.Fatalf("signature method missing")
	}
	// The signature covers the original document bytes.
	digest := sha256.Sum256(doc)
	sigB64 := between(t, text, "<ds:SignatureValue>", "</ds:SignatureValue>")
	if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], decodeB64(t, sigB64)); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}
}

func TestSignRejectsDocumentWithoutFakturaRoot(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := &Signer{key: key, cert: []byte("test-cert-der")}

	if _, err := signer.Sign([]byte("<Inny></Inny>")); err == nil {
		t.Fatalf("expected an error for a document without the Faktura root")
	}
}
