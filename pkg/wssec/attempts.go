package wssec

import "fmt"

// SignatureAlg identifies the RSA signature algorithm of an attempt.
type SignatureAlg string

const (
	SigRSASHA1   SignatureAlg = "rsa-sha1"
	SigRSASHA256 SignatureAlg = "rsa-sha256"
)

// DigestAlg identifies the digest algorithm of an attempt.
type DigestAlg string

const (
	DigSHA1   DigestAlg = "sha1"
	DigSHA256 DigestAlg = "sha256"
)

// TimestampMode controls whether a wsu:Timestamp is emitted and which
// references are signed. The SAT's WCF endpoints have accepted different
// combinations over the years, so all four are kept in the search space.
type TimestampMode string

const (
	// TimestampNone omits the Timestamp entirely.
	TimestampNone TimestampMode = "none"
	// TimestampPresent emits the Timestamp but leaves it unsigned.
	TimestampPresent TimestampMode = "present"
	// TimestampSigned signs the Timestamp together with the Body.
	TimestampSigned TimestampMode = "signed"
	// TimestampSignedOnly signs only the Timestamp, not the Body. This is
	// the shape the SAT's own client library produces.
	TimestampSignedOnly TimestampMode = "signed-only"
)

// KeyInfoMode controls how the signing certificate is referenced from
// ds:KeyInfo.
type KeyInfoMode string

const (
	// KeyInfoBSTReference points a SecurityTokenReference at the embedded
	// BinarySecurityToken.
	KeyInfoBSTReference KeyInfoMode = "bst-reference"
	// KeyInfoX509Data inlines the certificate in an X509Data element.
	KeyInfoX509Data KeyInfoMode = "x509-data"
)

// C14NMode selects the canonicalization algorithm.
type C14NMode string

const (
	C14NExclusive C14NMode = "exclusive"
	C14NInclusive C14NMode = "inclusive"
)

// Attempt is one candidate combination of signing parameters. Attempts are
// ephemeral: they exist only while negotiating a signature the remote
// service will accept.
type Attempt struct {
	Signature  SignatureAlg
	Digest     DigestAlg
	Timestamp  TimestampMode
	KeyInfo    KeyInfoMode
	IncludeBST bool
	C14N       C14NMode
}

// String renders the parameter tuple for diagnostics.
func (a Attempt) String() string {
	return fmt.Sprintf("sig=%s dig=%s ts=%s ki=%s bst=%t c14n=%s",
		a.Signature, a.Digest, a.Timestamp, a.KeyInfo, a.IncludeBST, a.C14N)
}

// SignatureURI returns the ds:SignatureMethod algorithm URI.
func (a Attempt) SignatureURI() string {
	if a.Signature == SigRSASHA256 {
		return AlgorithmRSASHA256
	}
	return AlgorithmRSASHA1
}

// DigestURI returns the ds:DigestMethod algorithm URI.
func (a Attempt) DigestURI() string {
	if a.Digest == DigSHA256 {
		return AlgorithmSHA256
	}
	return AlgorithmSHA1
}

// C14NURI returns the ds:CanonicalizationMethod algorithm URI.
func (a Attempt) C14NURI() string {
	if a.C14N == C14NInclusive {
		return AlgorithmInclusiveC14N
	}
	return AlgorithmExclusiveC14N
}

// AlgPair forces a specific signature/digest combination, skipping the
// algorithm part of the search.
type AlgPair struct {
	Signature SignatureAlg
	Digest    DigestAlg
}

// normalized fills an empty digest from the signature algorithm, the same
// defaulting algPairs applies when building the search space.
func (p AlgPair) normalized() AlgPair {
	if p.Digest == "" {
		p.Digest = DigSHA1
		if p.Signature == SigRSASHA256 {
			p.Digest = DigSHA256
		}
	}
	return p
}

// SignatureURI returns the ds:SignatureMethod algorithm URI.
func (p AlgPair) SignatureURI() string {
	if p.Signature == SigRSASHA256 {
		return AlgorithmRSASHA256
	}
	return AlgorithmRSASHA1
}

// DigestURI returns the ds:DigestMethod algorithm URI.
func (p AlgPair) DigestURI() string {
	if p.normalized().Digest == DigSHA256 {
		return AlgorithmSHA256
	}
	return AlgorithmSHA1
}

// algPairs returns the ordered signature/digest combinations to try.
// RSA-SHA1 comes first: it is the service's legacy default and still the
// most widely accepted. A forced pair is tried first and the defaults kept
// as fallback, with duplicates removed.
func algPairs(force *AlgPair) []AlgPair {
	defaults := []AlgPair{
		{SigRSASHA1, DigSHA1},
		{SigRSASHA256, DigSHA1},
		{SigRSASHA256, DigSHA256},
	}
	pairs := defaults
	if force != nil {
		pairs = append([]AlgPair{force.normalized()}, defaults...)
	}

	seen := make(map[AlgPair]bool, len(pairs))
	out := pairs[:0:0]
	for _, p := range pairs {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// AuthAttempts returns the ordered search space for authentication
// envelope signing. The order is data-driven so new server quirks can be
// accommodated by editing the lists, not the signing code.
func AuthAttempts(force *AlgPair) []Attempt {
	tsModes := []TimestampMode{TimestampSignedOnly, TimestampSigned, TimestampPresent, TimestampNone}
	kiModes := []KeyInfoMode{KeyInfoBSTReference, KeyInfoX509Data}
	bstOpts := []bool{true, false}
	c14ns := []C14NMode{C14NExclusive, C14NInclusive}

	var attempts []Attempt
	for _, pair := range algPairs(force) {
		for _, ts := range tsModes {
			for _, ki := range kiModes {
				for _, bst := range bstOpts {
					// A SecurityTokenReference needs a token to point at.
					if ki == KeyInfoBSTReference && !bst {
						continue
					}
					for _, c14n := range c14ns {
						attempts = append(attempts, Attempt{
							Signature:  pair.Signature,
							Digest:     pair.Digest,
							Timestamp:  ts,
							KeyInfo:    ki,
							IncludeBST: bst,
							C14N:       c14n,
						})
					}
				}
			}
		}
	}
	return attempts
}
