// Package rfc classifies Mexican taxpayer identifiers (RFC).
//
// An RFC encodes the taxpayer class in its length: 12 characters for a
// persona moral (organization), 13 for a persona física (individual). The
// middle six digits are a YYMMDD date fragment, followed by a three
// character homoclave.
package rfc

import (
	"regexp"
	"strings"
	"time"
)

var (
	moralPattern   = regexp.MustCompile(`^[A-Z&Ñ]{3}[0-9]{6}[A-Z0-9]{3}$`)
	fisicaPattern  = regexp.MustCompile(`^[A-Z&Ñ]{4}[0-9]{6}[A-Z0-9]{3}$`)
	generalPattern = regexp.MustCompile(`^[A-Z&Ñ]{3,4}[0-9]{6}[A-Z0-9]{3}$`)

	// FindPattern matches an RFC embedded in free text, e.g. a certificate
	// subject common name.
	FindPattern = regexp.MustCompile(`[A-ZÑ&]{3,4}[0-9]{6}[A-Z0-9]{3}`)
)

// Classification is the result of analyzing an RFC string.
type Classification struct {
	Valid        bool
	Normalized   string
	PersonaMoral bool
	Reason       string
}

// Classify normalizes and validates an RFC, reporting whether it denotes a
// persona moral. Reason is set when Valid is false.
func Classify(raw string) Classification {
	rfc := strings.ToUpper(strings.TrimSpace(raw))
	if rfc == "" {
		return Classification{Reason: "empty"}
	}
	if !generalPattern.MatchString(rfc) {
		return Classification{Normalized: rfc, Reason: "pattern mismatch"}
	}
	if !validDateFragment(rfc) {
		return Classification{Normalized: rfc, Reason: "invalid date fragment"}
	}
	switch {
	case len(rfc) == 12 && moralPattern.MatchString(rfc):
		return Classification{Valid: true, Normalized: rfc, PersonaMoral: true}
	case len(rfc) == 13 && fisicaPattern.MatchString(rfc):
		return Classification{Valid: true, Normalized: rfc, PersonaMoral: false}
	}
	return Classification{Normalized: rfc, Reason: "neither moral nor fisica shape"}
}

// Extract returns the first RFC-shaped token found in text, uppercased, or
// the empty string.
func Extract(text string) string {
	return FindPattern.FindString(strings.ToUpper(text))
}

// validDateFragment checks the embedded YYMMDD date. Two-digit years above
// the current year are read as 19xx, the rest as 20xx; anything before 1930
// or after next year is rejected.
func validDateFragment(rfc string) bool {
	start := 3
	if len(rfc) == 13 {
		start = 4
	}
	frag := rfc[start : start+6]
	yy := int(frag[0]-'0')*10 + int(frag[1]-'0')
	mm := int(frag[2]-'0')*10 + int(frag[3]-'0')
	dd := int(frag[4]-'0')*10 + int(frag[5]-'0')

	now := time.Now().UTC()
	year := 2000 + yy
	if yy > now.Year()%100 {
		year = 1900 + yy
	}
	if year < 1930 || year > now.Year()+1 {
		return false
	}
	if mm < 1 || mm > 12 {
		return false
	}
	t := time.Date(year, time.Month(mm), dd, 0, 0, 0, 0, time.UTC)
	return t.Day() == dd && int(t.Month()) == mm
}
