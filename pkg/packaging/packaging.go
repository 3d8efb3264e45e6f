// Package packaging unpacks downloaded archives into invoice records.
// Archives hold either full CFDI XML documents or tilde-separated metadata
// rows, depending on the request type that produced them.
package packaging

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrNotZip is returned when the payload cannot be opened as an archive.
var ErrNotZip = errors.New("packaging: payload is not a readable zip archive")

// Invoice is one extracted document. Fields that could not be recovered
// stay zero; a partially populated record beats a dropped document.
type Invoice struct {
	UUID         string
	Serie        string
	Folio        string
	IssueDate    time.Time
	IssuerRFC    string
	IssuerName   string
	ReceiverRFC  string
	ReceiverName string
	Subtotal     float64
	// Tax is the transferred consumption tax (IVA, code 002) summed over
	// the document-level tax lines.
	Tax      float64
	Total    float64
	Currency string
	Kind     string
	// Entry is the archive member the record came from.
	Entry string
	// Raw holds the original document bytes for XML entries.
	Raw []byte
	// Fallback marks records recovered by pattern matching after the
	// structured parse failed.
	Fallback bool
}

// ParsePackage extracts every document in the archive. Malformed entries
// degrade to pattern-based extraction; only an unreadable archive is an
// error.
func ParsePackage(raw []byte) ([]Invoice, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, ErrNotZip
	}

	var out []Invoice
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			out = append(out, Invoice{Entry: f.Name, Fallback: true})
			continue
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			out = append(out, Invoice{Entry: f.Name, Fallback: true})
			continue
		}

		switch {
		case strings.HasSuffix(strings.ToLower(f.Name), ".txt"):
			out = append(out, parseMetadataRows(f.Name, data)...)
		default:
			out = append(out, parseDocument(f.Name, data))
		}
	}
	return out, nil
}

// cfdiDoc mirrors the parts of a CFDI comprobante the extractor needs.
// Namespace prefixes vary between emitters so matching is by local name.
type cfdiDoc struct {
	Serie    string `xml:"Serie,attr"`
	Folio    string `xml:"Folio,attr"`
	Fecha    string `xml:"Fecha,attr"`
	SubTotal string `xml:"SubTotal,attr"`
	Total    string `xml:"Total,attr"`
	Moneda   string `xml:"Moneda,attr"`
	Tipo     string `xml:"TipoDeComprobante,attr"`
	Emisor   struct {
		RFC    string `xml:"Rfc,attr"`
		Nombre string `xml:"Nombre,attr"`
	} `xml:"Emisor"`
	Receptor struct {
		RFC    string `xml:"Rfc,attr"`
		Nombre string `xml:"Nombre,attr"`
	} `xml:"Receptor"`
	Impuestos struct {
		Traslados struct {
			Traslado []struct {
				Impuesto string `xml:"Impuesto,attr"`
				Importe  string `xml:"Importe,attr"`
			} `xml:"Traslado"`
		} `xml:"Traslados"`
	} `xml:"Impuestos"`
	Complemento struct {
		Timbre struct {
			UUID string `xml:"UUID,attr"`
		} `xml:"TimbreFiscalDigital"`
	} `xml:"Complemento"`
}

func parseDocument(entry string, data []byte) Invoice {
	var doc cfdiDoc
	if err := xml.Unmarshal(data, &doc); err != nil || doc.Complemento.Timbre.UUID == "" {
		return extractByPattern(entry, data)
	}

	inv := Invoice{
		UUID:         strings.ToUpper(doc.Complemento.Timbre.UUID),
		Serie:        doc.Serie,
		Folio:        doc.Folio,
		IssueDate:    parseDate(doc.Fecha),
		IssuerRFC:    doc.Emisor.RFC,
		IssuerName:   doc.Emisor.Nombre,
		ReceiverRFC:  doc.Receptor.RFC,
		ReceiverName: doc.Receptor.Nombre,
		Subtotal:     parseAmount(doc.SubTotal),
		Total:        parseAmount(doc.Total),
		Currency:     doc.Moneda,
		Kind:         doc.Tipo,
		Entry:        entry,
		Raw:          data,
	}
	for _, tr := range doc.Impuestos.Traslados.Traslado {
		if tr.Impuesto == "002" {
			inv.Tax += parseAmount(tr.Importe)
		}
	}
	return inv
}

var (
	uuidPattern  = regexp.MustCompile(`(?i)UUID\s*=\s*"([0-9a-f-]{36})"`)
	fechaPattern = regexp.MustCompile(`Fecha\s*=\s*"([^"]+)"`)
	totalPattern = regexp.MustCompile(`(?:^|[^A-Za-z])Total\s*=\s*"([0-9.]+)"`)
	subPattern   = regexp.MustCompile(`SubTotal\s*=\s*"([0-9.]+)"`)
	rfcPattern   = regexp.MustCompile(`Rfc\s*=\s*"([A-ZÑ&0-9]{12,13})"`)
	tipoPattern  = regexp.MustCompile(`TipoDeComprobante\s*=\s*"([A-Z])"`)
)

// extractByPattern recovers what it can from raw text. Attribute order in
// a CFDI puts the issuer RFC before the receiver's, which is all the
// positional matching below relies on.
func extractByPattern(entry string, data []byte) Invoice {
	text := string(data)
	inv := Invoice{Entry: entry, Raw: data, Fallback: true}

	if m := uuidPattern.FindStringSubmatch(text); m != nil {
		inv.UUID = strings.ToUpper(m[1])
	}
	if m := fechaPattern.FindStringSubmatch(text); m != nil {
		inv.IssueDate = parseDate(m[1])
	}
	if m := totalPattern.FindStringSubmatch(text); m != nil {
		inv.Total = parseAmount(m[1])
	}
	if m := subPattern.FindStringSubmatch(text); m != nil {
		inv.Subtotal = parseAmount(m[1])
	}
	if m := tipoPattern.FindStringSubmatch(text); m != nil {
		inv.Kind = m[1]
	}
	rfcs := rfcPattern.FindAllStringSubmatch(text, 2)
	if len(rfcs) > 0 {
		inv.IssuerRFC = rfcs[0][1]
	}
	if len(rfcs) > 1 {
		inv.ReceiverRFC = rfcs[1][1]
	}
	return inv
}

// metadata row layout: Uuid~RfcEmisor~NombreEmisor~RfcReceptor~
// NombreReceptor~RfcPac~FechaEmision~FechaCertificacionSat~Monto~
// EfectoComprobante~Estatus~FechaCancelacion
func parseMetadataRows(entry string, data []byte) []Invoice {
	var out []Invoice
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "~")
		if len(fields) < 9 {
			continue
		}
		if i == 0 && strings.EqualFold(fields[0], "Uuid") {
			continue
		}
		out = append(out, Invoice{
			UUID:         strings.ToUpper(fields[0]),
			IssuerRFC:    fields[1],
			IssuerName:   fields[2],
			ReceiverRFC:  fields[3],
			ReceiverName: fields[4],
			IssueDate:    parseDate(fields[6]),
			Total:        parseAmount(fields[8]),
			Kind:         fieldAt(fields, 9),
			Entry:        entry,
		})
	}
	return out
}

func fieldAt(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}

var dateLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func parseAmount(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}
