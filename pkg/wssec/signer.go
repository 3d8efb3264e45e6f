// Package wssec builds and signs the WS-Security envelopes the SAT's
// download service expects. The service front ends are WCF behind
// carrier-grade middleboxes and reject envelopes for reasons they never
// explain, so authentication signing is a parameter search over Attempt
// combinations rather than a single fixed profile.
package wssec

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"github.com/moov-io/signedxml"
)

var (
	// ErrNoCertificate is returned when signing is requested without
	// credential material.
	ErrNoCertificate = errors.New("wssec: no certificate provided")
	// ErrNoPrivateKey is returned when the private key is missing or not RSA.
	ErrNoPrivateKey = errors.New("wssec: no RSA private key provided")
)

// ExhaustedError reports that every attempt in the search space failed to
// produce a signed envelope the server accepted. It keeps the per-attempt
// failures so operators can see what was tried.
type ExhaustedError struct {
	Attempts []AttemptFailure
}

// AttemptFailure records one rejected parameter combination.
type AttemptFailure struct {
	Attempt Attempt
	Err     error
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "wssec: all %d signing attempts rejected", len(e.Attempts))
	if len(e.Attempts) > 0 {
		last := e.Attempts[len(e.Attempts)-1]
		fmt.Fprintf(&b, "; last [%s]: %v", last.Attempt, last.Err)
	}
	b.WriteString("; check that the certificate is a vigente FIEL (e.firma, not a CSD sello), the key matches the certificate, and the machine clock is correct")
	return b.String()
}

// Unwrap exposes the last attempt's failure to errors.Is/As.
func (e *ExhaustedError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

// Signer produces WS-Security signed SOAP envelopes for a single
// certificate and key pair.
type Signer struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey

	// Now is the clock used for Timestamp elements. Overridable in tests.
	Now func() time.Time
	// TimestampTTL is the Created-to-Expires window. The service rejects
	// envelopes whose window it considers stale.
	TimestampTTL time.Duration
}

// NewSigner wires a signer for the given credential material.
func NewSigner(cert *x509.Certificate, key *rsa.PrivateKey) (*Signer, error) {
	if cert == nil {
		return nil, ErrNoCertificate
	}
	if key == nil {
		return nil, ErrNoPrivateKey
	}
	return &Signer{
		cert:         cert,
		key:          key,
		Now:          time.Now,
		TimestampTTL: 5 * time.Minute,
	}, nil
}

// templateDigest and templateSignature are placeholder values the signing
// library replaces when it computes the real digest and signature.
const (
	templateDigest    = "placeholder"
	templateSignature = "placeholder"
)

// BuildAuthEnvelope assembles the unsigned Autentica envelope for one
// parameter combination. The ds:Signature carries placeholder digest and
// signature values that Sign fills in.
func (s *Signer) BuildAuthEnvelope(a Attempt) (string, error) {
	doc := etree.NewDocument()
	env := doc.CreateElement("s:Envelope")
	env.CreateAttr("xmlns:s", NamespaceSOAP)
	env.CreateAttr("xmlns:u", NamespaceWSU)

	header := env.CreateElement("s:Header")
	security := header.CreateElement("o:Security")
	security.CreateAttr("xmlns:o", NamespaceWSSE)
	security.CreateAttr("s:mustUnderstand", "1")

	tsID := "TS-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if a.Timestamp != TimestampNone {
		created := s.Now().UTC()
		ts := security.CreateElement("u:Timestamp")
		ts.CreateAttr("u:Id", tsID)
		ts.CreateElement("u:Created").SetText(created.Format("2006-01-02T15:04:05.000Z"))
		ts.CreateElement("u:Expires").SetText(created.Add(s.TimestampTTL).Format("2006-01-02T15:04:05.000Z"))
	}

	bstID := "X509-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	certB64 := base64.StdEncoding.EncodeToString(s.cert.Raw)
	if a.IncludeBST {
		bst := security.CreateElement("o:BinarySecurityToken")
		bst.CreateAttr("u:Id", bstID)
		bst.CreateAttr("ValueType", BSTValueTypeX509v3)
		bst.CreateAttr("EncodingType", BSTEncodingBase64)
		bst.SetText(certB64)
	}

	bodyID := "_0"
	body := env.CreateElement("s:Body")
	body.CreateAttr("xmlns:xsi", "http://www.w3.org/2001/XMLSchema-instance")
	body.CreateAttr("xmlns:xsd", "http://www.w3.org/2001/XMLSchema")
	body.CreateAttr("u:Id", bodyID)
	autentica := body.CreateElement("Autentica")
	autentica.CreateAttr("xmlns", NamespaceAutenticacion)

	sig := security.CreateElement("Signature")
	sig.CreateAttr("xmlns", NamespaceDS)

	signedInfo := sig.CreateElement("SignedInfo")
	c14n := signedInfo.CreateElement("CanonicalizationMethod")
	c14n.CreateAttr("Algorithm", a.C14NURI())
	sigMethod := signedInfo.CreateElement("SignatureMethod")
	sigMethod.CreateAttr("Algorithm", a.SignatureURI())

	addRef := func(id string) {
		ref := signedInfo.CreateElement("Reference")
		ref.CreateAttr("URI", "#"+id)
		transforms := ref.CreateElement("Transforms")
		tr := transforms.CreateElement("Transform")
		tr.CreateAttr("Algorithm", a.C14NURI())
		dm := ref.CreateElement("DigestMethod")
		dm.CreateAttr("Algorithm", a.DigestURI())
		ref.CreateElement("DigestValue").SetText(templateDigest)
	}
	switch a.Timestamp {
	case TimestampSignedOnly:
		addRef(tsID)
	case TimestampSigned:
		addRef(tsID)
		addRef(bodyID)
	default:
		addRef(bodyID)
	}

	sig.CreateElement("SignatureValue").SetText(templateSignature)

	keyInfo := sig.CreateElement("KeyInfo")
	switch a.KeyInfo {
	case KeyInfoBSTReference:
		str := keyInfo.CreateElement("o:SecurityTokenReference")
		refEl := str.CreateElement("o:Reference")
		refEl.CreateAttr("ValueType", BSTValueTypeX509v3)
		refEl.CreateAttr("URI", "#"+bstID)
	default:
		x509Data := keyInfo.CreateElement("X509Data")
		x509Data.CreateElement("X509Certificate").SetText(certB64)
	}

	str, err := doc.WriteToString()
	if err != nil {
		return "", fmt.Errorf("serializing auth envelope: %w", err)
	}
	return str, nil
}

// SignAuthEnvelope builds and signs the Autentica envelope for one attempt.
func (s *Signer) SignAuthEnvelope(a Attempt) (string, error) {
	envelope, err := s.BuildAuthEnvelope(a)
	if err != nil {
		return "", err
	}

	signer, err := signedxml.NewSigner(envelope)
	if err != nil {
		return "", fmt.Errorf("preparing auth signer: %w", err)
	}
	signer.SetReferenceIDAttribute("u:Id")

	signed, err := signer.Sign(s.key)
	if err != nil {
		return "", fmt.Errorf("signing auth envelope [%s]: %w", a, err)
	}
	return signed, nil
}

// SignRequestWrapper signs a solicitud wrapper element with an enveloped
// XML-DSig signature. wrapperXML must be the serialized element carrying
// Id="_0"; the returned XML has the ds:Signature appended as its last
// child. Request signing uses one profile per call: enveloped plus
// exclusive canonicalization transforms and an X509Data KeyInfo, with
// SHA-1 algorithms unless force pins a different pair.
func (s *Signer) SignRequestWrapper(wrapperXML string, force *AlgPair) (string, error) {
	pair := AlgPair{Signature: SigRSASHA1, Digest: DigSHA1}
	if force != nil {
		pair = force.normalized()
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromString(wrapperXML); err != nil {
		return "", fmt.Errorf("parsing request wrapper: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return "", errors.New("wssec: empty request wrapper")
	}

	sig := root.CreateElement("Signature")
	sig.CreateAttr("xmlns", NamespaceDS)

	signedInfo := sig.CreateElement("SignedInfo")
	c14n := signedInfo.CreateElement("CanonicalizationMethod")
	c14n.CreateAttr("Algorithm", AlgorithmExclusiveC14N)
	sigMethod := signedInfo.CreateElement("SignatureMethod")
	sigMethod.CreateAttr("Algorithm", pair.SignatureURI())

	ref := signedInfo.CreateElement("Reference")
	ref.CreateAttr("URI", "#_0")
	transforms := ref.CreateElement("Transforms")
	enveloped := transforms.CreateElement("Transform")
	enveloped.CreateAttr("Algorithm", AlgorithmEnveloped)
	excl := transforms.CreateElement("Transform")
	excl.CreateAttr("Algorithm", AlgorithmExclusiveC14N)
	dm := ref.CreateElement("DigestMethod")
	dm.CreateAttr("Algorithm", pair.DigestURI())
	ref.CreateElement("DigestValue").SetText(templateDigest)

	sig.CreateElement("SignatureValue").SetText(templateSignature)

	keyInfo := sig.CreateElement("KeyInfo")
	x509Data := keyInfo.CreateElement("X509Data")
	x509Data.CreateElement("X509IssuerSerial")
	x509Data.CreateElement("X509Certificate").SetText(base64.StdEncoding.EncodeToString(s.cert.Raw))

	withTemplate, err := doc.WriteToString()
	if err != nil {
		return "", fmt.Errorf("serializing request wrapper: %w", err)
	}

	signer, err := signedxml.NewSigner(withTemplate)
	if err != nil {
		return "", fmt.Errorf("preparing request signer: %w", err)
	}
	signer.SetReferenceIDAttribute("Id")

	signed, err := signer.Sign(s.key)
	if err != nil {
		return "", fmt.Errorf("signing request wrapper: %w", err)
	}
	return signed, nil
}
