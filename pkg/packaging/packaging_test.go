package packaging

import (
	"archive/zip"
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCFDI = `<?xml version="1.0" encoding="UTF-8"?>
<cfdi:Comprobante xmlns:cfdi="http://www.sat.gob.mx/cfd/4" Version="4.0" Serie="A" Folio="123" Fecha="2024-01-15T10:30:00" SubTotal="1000.00" Total="1160.00" Moneda="MXN" TipoDeComprobante="I">
  <cfdi:Emisor Rfc="EKU9003173C9" Nombre="ESCUELA KEMPER URGATE"/>
  <cfdi:Receptor Rfc="XAXX010101000" Nombre="PUBLICO EN GENERAL" UsoCFDI="G03"/>
  <cfdi:Conceptos>
    <cfdi:Concepto Descripcion="Servicio" Importe="1000.00">
      <cfdi:Impuestos>
        <cfdi:Traslados>
          <cfdi:Traslado Base="1000.00" Impuesto="002" TipoFactor="Tasa" TasaOCuota="0.160000" Importe="160.00"/>
        </cfdi:Traslados>
      </cfdi:Impuestos>
    </cfdi:Concepto>
  </cfdi:Conceptos>
  <cfdi:Impuestos TotalImpuestosTrasladados="160.00">
    <cfdi:Traslados>
      <cfdi:Traslado Base="900.00" Impuesto="002" TipoFactor="Tasa" TasaOCuota="0.160000" Importe="144.00"/>
      <cfdi:Traslado Base="100.00" Impuesto="002" TipoFactor="Tasa" TasaOCuota="0.160000" Importe="16.00"/>
      <cfdi:Traslado Base="100.00" Impuesto="003" TipoFactor="Tasa" TasaOCuota="0.530000" Importe="53.00"/>
    </cfdi:Traslados>
  </cfdi:Impuestos>
  <cfdi:Complemento>
    <tfd:TimbreFiscalDigital xmlns:tfd="http://www.sat.gob.mx/TimbreFiscalDigital" Version="1.1" UUID="c8ad62a2-8a52-4e3a-b3a5-0e8f2f9a1b2c" FechaTimbrado="2024-01-15T10:31:00"/>
  </cfdi:Complemento>
</cfdi:Comprobante>`

func makeZip(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range entries {
		f, err := zw.Create(name)
		require.NoError(t, err)
		_, err = f.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestParsePackageStructured(t *testing.T) {
	raw := makeZip(t, map[string][]byte{"c8ad62a2.xml": []byte(sampleCFDI)})

	invoices, err := ParsePackage(raw)
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	inv := invoices[0]
	assert.Equal(t, "C8AD62A2-8A52-4E3A-B3A5-0E8F2F9A1B2C", inv.UUID)
	assert.Equal(t, "A", inv.Serie)
	assert.Equal(t, "123", inv.Folio)
	assert.Equal(t, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC), inv.IssueDate)
	assert.Equal(t, "EKU9003173C9", inv.IssuerRFC)
	assert.Equal(t, "XAXX010101000", inv.ReceiverRFC)
	assert.Equal(t, 1000.0, inv.Subtotal)
	assert.Equal(t, 1160.0, inv.Total)
	assert.Equal(t, "MXN", inv.Currency)
	assert.Equal(t, "I", inv.Kind)
	assert.False(t, inv.Fallback)
	assert.Equal(t, []byte(sampleCFDI), inv.Raw)

	// Only document-level IVA lines count; the 003 line and the
	// per-concepto duplicates do not.
	assert.InDelta(t, 160.0, inv.Tax, 0.001)
}

func TestParsePackageFallback(t *testing.T) {
	// Truncated document: no closing tags, no timbre element the
	// structured parser can use.
	broken := `<cfdi:Comprobante Fecha="2024-02-01T09:00:00" SubTotal="500.00" Total="580.00" TipoDeComprobante="I" <cfdi:Emisor Rfc="EKU9003173C9"/> <cfdi:Receptor Rfc="XAXX010101000"/> UUID="deadbeef-0000-1111-2222-333344445555"`
	raw := makeZip(t, map[string][]byte{"broken.xml": []byte(broken)})

	invoices, err := ParsePackage(raw)
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	inv := invoices[0]
	assert.True(t, inv.Fallback)
	assert.Equal(t, "DEADBEEF-0000-1111-2222-333344445555", inv.UUID)
	assert.Equal(t, 580.0, inv.Total)
	assert.Equal(t, 500.0, inv.Subtotal)
	assert.Equal(t, "EKU9003173C9", inv.IssuerRFC)
	assert.Equal(t, "XAXX010101000", inv.ReceiverRFC)
	assert.Equal(t, time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC), inv.IssueDate)
}

func TestFallbackTotalDistinctFromSubTotal(t *testing.T) {
	// A truncated document carrying only SubTotal must not report it as
	// the Total.
	broken := `<cfdi:Comprobante Fecha="2024-02-01T09:00:00" SubTotal="500.00" TipoDeComprobante="I"`
	inv := extractByPattern("broken.xml", []byte(broken))
	assert.Equal(t, 500.0, inv.Subtotal)
	assert.Zero(t, inv.Total)
}

func TestParsePackageNeverDropsEntries(t *testing.T) {
	raw := makeZip(t, map[string][]byte{
		"good.xml":    []byte(sampleCFDI),
		"garbage.xml": {0x01, 0x02, 0x03},
		"empty.xml":   {},
	})

	invoices, err := ParsePackage(raw)
	require.NoError(t, err)
	assert.Len(t, invoices, 3, "every entry yields a record")

	byEntry := map[string]Invoice{}
	for _, inv := range invoices {
		byEntry[inv.Entry] = inv
	}
	assert.False(t, byEntry["good.xml"].Fallback)
	assert.True(t, byEntry["garbage.xml"].Fallback)
	assert.True(t, byEntry["empty.xml"].Fallback)
}

func TestParsePackageMetadata(t *testing.T) {
	meta := "Uuid~RfcEmisor~NombreEmisor~RfcReceptor~NombreReceptor~RfcPac~FechaEmision~FechaCertificacionSat~Monto~EfectoComprobante~Estatus~FechaCancelacion\r\n" +
		"aaaa1111-2222-3333-4444-555566667777~EKU9003173C9~ESCUELA KEMPER~XAXX010101000~PUBLICO~SAT970701NN3~2024-03-01T12:00:00~2024-03-01T12:01:00~1160.00~I~1~\r\n" +
		"bbbb1111-2222-3333-4444-555566667777~EKU9003173C9~ESCUELA KEMPER~XAXX010101000~PUBLICO~SAT970701NN3~2024-03-02T12:00:00~2024-03-02T12:01:00~250.50~E~1~\r\n"
	raw := makeZip(t, map[string][]byte{"meta.txt": []byte(meta)})

	invoices, err := ParsePackage(raw)
	require.NoError(t, err)
	require.Len(t, invoices, 2)

	assert.Equal(t, "AAAA1111-2222-3333-4444-555566667777", invoices[0].UUID)
	assert.Equal(t, 1160.0, invoices[0].Total)
	assert.Equal(t, "I", invoices[0].Kind)
	assert.Equal(t, "EKU9003173C9", invoices[0].IssuerRFC)
	assert.Equal(t, 250.5, invoices[1].Total)
	assert.Equal(t, "E", invoices[1].Kind)
}

func TestParsePackageNotZip(t *testing.T) {
	_, err := ParsePackage([]byte("definitely not a zip"))
	assert.ErrorIs(t, err, ErrNotZip)
}
