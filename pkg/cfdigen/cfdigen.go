// Package cfdigen produces deterministic sample CFDI archives for
// demonstration runs, letting the rest of the pipeline exercise its real
// extraction and persistence paths without touching the network.
package cfdigen

import (
	"archive/zip"
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PublicRFC is the generic counterparty RFC used on generated documents.
const PublicRFC = "XAXX010101000"

// ivaRate is the standard consumption tax rate applied to samples.
const ivaRate = 0.16

// Params controls a synthetic archive.
type Params struct {
	// OwnerRFC is the taxpayer the archive belongs to.
	OwnerRFC string
	// Emitted selects whether the owner appears as issuer or receiver.
	Emitted bool
	// Start anchors the issue dates; documents are spread one day apart.
	Start time.Time
	// Count is the number of documents. Zero means two, matching what a
	// demonstration run expects to find.
	Count int
}

// namespace seeds the name-based UUIDs so repeated runs with the same
// parameters produce identical archives.
var namespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// Generate builds the zip archive described by p.
func Generate(p Params) ([]byte, error) {
	if p.Count <= 0 {
		p.Count = 2
	}
	if p.Start.IsZero() {
		p.Start = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i := 0; i < p.Count; i++ {
		id := uuid.NewSHA1(namespace, []byte(fmt.Sprintf("%s|%t|%s|%d", p.OwnerRFC, p.Emitted, p.Start.Format("2006-01-02"), i)))
		docUUID := strings.ToUpper(id.String())

		f, err := zw.Create(docUUID + ".xml")
		if err != nil {
			return nil, err
		}
		if _, err := f.Write([]byte(document(p, i, docUUID))); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func document(p Params, i int, docUUID string) string {
	issuer, issuerName := p.OwnerRFC, "EMPRESA DEMOSTRACION"
	receiver, receiverName := PublicRFC, "PUBLICO EN GENERAL"
	if !p.Emitted {
		issuer, issuerName = PublicRFC, "PUBLICO EN GENERAL"
		receiver, receiverName = p.OwnerRFC, "EMPRESA DEMOSTRACION"
	}

	subtotal := 1000.0 + float64(i)*250.0
	tax := subtotal * ivaRate
	total := subtotal + tax
	fecha := p.Start.AddDate(0, 0, i).Format("2006-01-02T15:04:05")

	var b strings.Builder
	fmt.Fprintf(&b, `<?xml version="1.0" encoding="UTF-8"?>`+"\n")
	fmt.Fprintf(&b, `<cfdi:Comprobante xmlns:cfdi="http://www.sat.gob.mx/cfd/4" Version="4.0" Serie="DEMO" Folio="%d" Fecha="%s" SubTotal="%.2f" Total="%.2f" Moneda="MXN" TipoDeComprobante="I" LugarExpedicion="06000">`, i+1, fecha, subtotal, total)
	fmt.Fprintf(&b, `<cfdi:Emisor Rfc="%s" Nombre="%s" RegimenFiscal="601"/>`, issuer, issuerName)
	fmt.Fprintf(&b, `<cfdi:Receptor Rfc="%s" Nombre="%s" UsoCFDI="G03" DomicilioFiscalReceptor="06000" RegimenFiscalReceptor="616"/>`, receiver, receiverName)
	fmt.Fprintf(&b, `<cfdi:Conceptos><cfdi:Concepto ClaveProdServ="01010101" Cantidad="1" ClaveUnidad="ACT" Descripcion="Servicio de demostracion" ValorUnitario="%.2f" Importe="%.2f" ObjetoImp="02"/></cfdi:Conceptos>`, subtotal, subtotal)
	fmt.Fprintf(&b, `<cfdi:Impuestos TotalImpuestosTrasladados="%.2f"><cfdi:Traslados><cfdi:Traslado Base="%.2f" Impuesto="002" TipoFactor="Tasa" TasaOCuota="0.160000" Importe="%.2f"/></cfdi:Traslados></cfdi:Impuestos>`, tax, subtotal, tax)
	fmt.Fprintf(&b, `<cfdi:Complemento><tfd:TimbreFiscalDigital xmlns:tfd="http://www.sat.gob.mx/TimbreFiscalDigital" Version="1.1" UUID="%s" FechaTimbrado="%s"/></cfdi:Complemento>`, docUUID, fecha)
	b.WriteString(`</cfdi:Comprobante>`)
	return b.String()
}
