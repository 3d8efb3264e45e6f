// Package credential parses and validates e.firma (FIEL) certificate and
// private key material used to authenticate against the SAT massive
// download service.
//
// The SAT hands out the certificate as DER (.cer) and the private key as an
// encrypted PKCS#8 DER blob (.key). Users routinely upload the wrong files,
// so the loaders here try every plausible encoding and report each attempt
// when all of them fail.
package credential

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/youmark/pkcs8"

	"github.com/MiguelAngelCruzVargas/Fiscalia/pkg/rfc"
)

var (
	// ErrInvalidCertificate is returned when the bytes are neither a DER nor
	// a PEM encoded X.509 certificate.
	ErrInvalidCertificate = errors.New("invalid certificate")
	// ErrInvalidPrivateKey is returned when no loader could decode the key.
	ErrInvalidPrivateKey = errors.New("invalid private key")
	// ErrCredentialMismatch is returned when the private key does not
	// correspond to the certificate's public key.
	ErrCredentialMismatch = errors.New("private key does not match certificate")
	// ErrNotRSA is returned for non-RSA keys; the SAT only accepts RSA.
	ErrNotRSA = errors.New("private key is not RSA")
)

// expirySoonWindow is how close to NotAfter a certificate is flagged as
// expiring soon.
const expirySoonWindow = 60 * 24 * time.Hour

// Info holds advisory metadata extracted from a certificate. The RFC and
// persona-moral fields are heuristic, derived from subject text, and must
// not be treated as authoritative identity.
type Info struct {
	RFC          string
	PersonaMoral bool
	CommonName   string
	SerialText   string // subject serialNumber attribute, not the cert serial
	Organization string
	Issuer       string
	NotBefore    time.Time
	NotAfter     time.Time
	SerialHex    string
	ExtKeyUsages []string
	ProbablyCSD  bool
	ExpiresSoon  bool
	Fingerprint  string // SHA-256 of the raw DER, lowercase hex
}

// Material binds a parsed certificate and private key for signing. The raw
// key bytes and passphrase are held only for the duration of an operation
// and are never logged.
type Material struct {
	Cert *x509.Certificate
	Key  *rsa.PrivateKey
	Info *Info
}

// ParseCertificate decodes a certificate from DER or PEM bytes and derives
// the advisory metadata.
func ParseCertificate(data []byte) (*Info, *x509.Certificate, error) {
	cert, err := decodeCertificate(data)
	if err != nil {
		return nil, nil, err
	}
	return Inspect(cert), cert, nil
}

func decodeCertificate(data []byte) (*x509.Certificate, error) {
	if cert, err := x509.ParseCertificate(data); err == nil {
		return cert, nil
	}
	if block, _ := pem.Decode(data); block != nil {
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: PEM block did not contain a certificate: %v", ErrInvalidCertificate, err)
		}
		return cert, nil
	}
	return nil, fmt.Errorf("%w: neither DER nor PEM decoding succeeded", ErrInvalidCertificate)
}

// Inspect extracts advisory metadata from a parsed certificate.
func Inspect(cert *x509.Certificate) *Info {
	subj := cert.Subject
	cn := subj.CommonName
	serialText := subj.SerialNumber
	org := strings.Join(subj.Organization, " ")

	// The RFC shows up in the CN, the subject serialNumber or O, depending
	// on issuing year.
	found := ""
	for _, source := range []string{cn, serialText, org} {
		if m := rfc.Extract(source); m != "" {
			found = m
			break
		}
	}

	personaMoral := false
	if c := rfc.Classify(found); c.Valid {
		personaMoral = c.PersonaMoral
	} else if len(found) == 12 {
		personaMoral = true
	}

	subjectText := strings.ToUpper(cn + " " + org)
	probablyCSD := strings.Contains(subjectText, "SELLO") || strings.Contains(subjectText, "CSD")

	ekus := make([]string, 0, len(cert.UnknownExtKeyUsage))
	for _, oid := range cert.UnknownExtKeyUsage {
		ekus = append(ekus, oid.String())
	}
	for _, usage := range cert.ExtKeyUsage {
		ekus = append(ekus, extKeyUsageName(usage))
	}

	sum := sha256.Sum256(cert.Raw)

	return &Info{
		RFC:          found,
		PersonaMoral: personaMoral,
		CommonName:   cn,
		SerialText:   serialText,
		Organization: org,
		Issuer:       cert.Issuer.String(),
		NotBefore:    cert.NotBefore.UTC(),
		NotAfter:     cert.NotAfter.UTC(),
		SerialHex:    strings.ToUpper(cert.SerialNumber.Text(16)),
		ExtKeyUsages: ekus,
		ProbablyCSD:  probablyCSD,
		ExpiresSoon:  time.Until(cert.NotAfter.UTC()) <= expirySoonWindow,
		Fingerprint:  hex.EncodeToString(sum[:]),
	}
}

func extKeyUsageName(u x509.ExtKeyUsage) string {
	switch u {
	case x509.ExtKeyUsageClientAuth:
		return "clientAuth"
	case x509.ExtKeyUsageServerAuth:
		return "serverAuth"
	case x509.ExtKeyUsageEmailProtection:
		return "emailProtection"
	default:
		return fmt.Sprintf("extKeyUsage(%d)", int(u))
	}
}

// ParsePrivateKey decodes an RSA private key from encrypted or plain
// PKCS#8 (DER or PEM) or PKCS#1 bytes. When every loader fails the error
// lists each attempt, which is usually enough to tell a wrong passphrase
// from a wrong file.
func ParsePrivateKey(data []byte, passphrase string) (*rsa.PrivateKey, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}

	var attempts []string

	if passphrase != "" {
		key, err := pkcs8.ParsePKCS8PrivateKeyRSA(der, []byte(passphrase))
		if err == nil {
			return key, nil
		}
		attempts = append(attempts, "encrypted PKCS#8: "+err.Error())
	}

	if key, err := pkcs8.ParsePKCS8PrivateKeyRSA(der); err == nil {
		return key, nil
	} else {
		attempts = append(attempts, "plain PKCS#8: "+err.Error())
	}

	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	} else {
		attempts = append(attempts, "PKCS#1: "+err.Error())
	}

	return nil, fmt.Errorf("%w: %s%s", ErrInvalidPrivateKey,
		strings.Join(attempts, "; "), keyHints(data, passphrase))
}

// keyHints inspects raw key bytes for the usual upload mistakes.
func keyHints(data []byte, passphrase string) string {
	var hints []string
	if bytes.Contains(data, []byte("BEGIN CERTIFICATE")) && !bytes.Contains(data, []byte("PRIVATE")) {
		hints = append(hints, "the .key file contains a certificate, not a private key")
	}
	if bytes.Contains(data, []byte("Bag Attributes")) || bytes.Contains(data, []byte("BEGIN PKCS12")) {
		hints = append(hints, "looks like a PKCS#12 container renamed to .key")
	}
	if len(data) < 100 {
		hints = append(hints, "file is too small, likely truncated")
	}
	if passphrase == "" {
		hints = append(hints, "no passphrase given; FIEL keys are normally encrypted")
	}
	if len(hints) == 0 {
		return ""
	}
	return " (hints: " + strings.Join(hints, "; ") + ")"
}

// Match reports whether the private key corresponds to the certificate by
// comparing PKIX public key encodings.
func Match(cert *x509.Certificate, key *rsa.PrivateKey) bool {
	certPub, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return false
	}
	keyPub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return false
	}
	return bytes.Equal(certPub, keyPub)
}

// Load parses a certificate/key pair and verifies they belong together.
// The passphrase is normalized first: a UTF-8 BOM and trailing newlines are
// a recurring artifact of passphrases pasted from text files.
func Load(certBytes, keyBytes []byte, passphrase string) (*Material, error) {
	passphrase = strings.TrimRight(strings.TrimPrefix(passphrase, "\uFEFF"), "\r\n")

	info, cert, err := ParseCertificate(certBytes)
	if err != nil {
		return nil, err
	}
	key, err := ParsePrivateKey(keyBytes, passphrase)
	if err != nil {
		return nil, err
	}
	if !Match(cert, key) {
		return nil, ErrCredentialMismatch
	}
	return &Material{Cert: cert, Key: key, Info: info}, nil
}
