package descarga

import (
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/MiguelAngelCruzVargas/Fiscalia/pkg/wssec"
)

// Direction selects which side of the invoice flow a query covers.
type Direction string

const (
	// Emitidos queries invoices the RFC issued.
	Emitidos Direction = "emitidos"
	// Recibidos queries invoices the RFC received.
	Recibidos Direction = "recibidos"
)

// Request types accepted by the service.
const (
	TypeCFDI     = "CFDI"
	TypeMetadata = "Metadata"
)

// Query describes one download request.
type Query struct {
	Direction Direction
	// OwnerRFC is the taxpayer whose invoices are requested. It lands in
	// RfcEmisor or RfcReceptor depending on Direction.
	OwnerRFC string
	// SolicitanteRFC is the RFC of the signing certificate.
	SolicitanteRFC string
	StartDate      time.Time
	EndDate        time.Time
	// RequestType is TypeCFDI or TypeMetadata.
	RequestType string
	// EstadoComprobante is forwarded only when it is "1" (vigentes); the
	// service rejects other values on some tenants.
	EstadoComprobante string
	// TipoComprobante is forwarded only for I, E, P or N.
	TipoComprobante string
}

func (q Query) operationName() string {
	if q.Direction == Recibidos {
		return "SolicitaDescargaRecibidos"
	}
	return "SolicitaDescargaEmitidos"
}

// buildSolicitudWrapper serializes the des:solicitud wrapper that gets the
// enveloped signature. The Id attribute anchors the signature reference.
func buildSolicitudWrapper(q Query) (string, error) {
	doc := etree.NewDocument()
	op := doc.CreateElement("des:" + q.operationName())
	op.CreateAttr("xmlns:des", wssec.NamespaceDescarga)

	sol := op.CreateElement("des:solicitud")
	sol.CreateAttr("Id", "_0")
	sol.CreateAttr("FechaInicial", q.StartDate.Format("2006-01-02")+"T00:00:00")
	sol.CreateAttr("FechaFinal", q.EndDate.Format("2006-01-02")+"T23:59:59")
	if q.Direction == Recibidos {
		sol.CreateAttr("RfcReceptor", q.OwnerRFC)
	} else {
		sol.CreateAttr("RfcEmisor", q.OwnerRFC)
	}
	sol.CreateAttr("RfcSolicitante", q.SolicitanteRFC)
	sol.CreateAttr("TipoSolicitud", q.RequestType)
	if q.EstadoComprobante == "1" {
		sol.CreateAttr("EstadoComprobante", q.EstadoComprobante)
	}
	switch q.TipoComprobante {
	case "I", "E", "P", "N":
		sol.CreateAttr("TipoComprobante", q.TipoComprobante)
	}

	return doc.WriteToString()
}

// buildVerificaWrapper serializes the verification wrapper for signing.
func buildVerificaWrapper(requestID, solicitante string) (string, error) {
	doc := etree.NewDocument()
	op := doc.CreateElement("des:VerificaSolicitudDescarga")
	op.CreateAttr("xmlns:des", wssec.NamespaceDescarga)

	sol := op.CreateElement("des:solicitud")
	sol.CreateAttr("Id", "_0")
	sol.CreateAttr("IdSolicitud", requestID)
	sol.CreateAttr("RfcSolicitante", solicitante)

	return doc.WriteToString()
}

// buildDescargaWrapper serializes the package download wrapper for signing.
func buildDescargaWrapper(packageID, solicitante string) (string, error) {
	doc := etree.NewDocument()
	op := doc.CreateElement("des:PeticionDescargaMasivaTercerosEntrada")
	op.CreateAttr("xmlns:des", wssec.NamespaceDescarga)

	pet := op.CreateElement("des:peticionDescarga")
	pet.CreateAttr("Id", "_0")
	pet.CreateAttr("IdPaquete", packageID)
	pet.CreateAttr("RfcSolicitante", solicitante)

	return doc.WriteToString()
}

// wrapInEnvelope puts a signed operation body inside a SOAP 1.1 envelope.
func wrapInEnvelope(signedBody string) string {
	var b strings.Builder
	b.WriteString(`<s:Envelope xmlns:s="`)
	b.WriteString(wssec.NamespaceSOAP)
	b.WriteString(`" xmlns:des="`)
	b.WriteString(wssec.NamespaceDescarga)
	b.WriteString(`" xmlns:xd="`)
	b.WriteString(wssec.NamespaceDS)
	b.WriteString(`"><s:Header/><s:Body>`)
	b.WriteString(signedBody)
	b.WriteString(`</s:Body></s:Envelope>`)
	return b.String()
}

// findByTag walks the document for the first element whose local tag
// matches, ignoring namespace prefixes. WCF responses are inconsistent
// about prefixing so matching on the local name is the only stable option.
func findByTag(el *etree.Element, tag string) *etree.Element {
	if el.Tag == tag {
		return el
	}
	for _, child := range el.ChildElements() {
		if found := findByTag(child, tag); found != nil {
			return found
		}
	}
	return nil
}

func findBySuffix(el *etree.Element, suffix string) *etree.Element {
	if strings.HasSuffix(el.Tag, suffix) {
		return el
	}
	for _, child := range el.ChildElements() {
		if found := findBySuffix(child, suffix); found != nil {
			return found
		}
	}
	return nil
}

func parseDoc(body []byte) (*etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("descarga: malformed response: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("descarga: empty response")
	}
	return root, nil
}

// checkFault returns a SOAPFaultError when the response is a SOAP Fault.
func checkFault(root *etree.Element) error {
	fault := findByTag(root, "Fault")
	if fault == nil {
		return nil
	}
	var code, reason string
	if el := findByTag(fault, "faultcode"); el != nil {
		code = strings.TrimSpace(el.Text())
	}
	if el := findByTag(fault, "faultstring"); el != nil {
		reason = strings.TrimSpace(el.Text())
	}
	if el := findByTag(fault, "Reason"); el != nil && reason == "" {
		reason = strings.TrimSpace(el.Text())
	}
	return &SOAPFaultError{Code: code, Reason: reason}
}

func parseAuthResponse(body []byte) (string, error) {
	root, err := parseDoc(body)
	if err != nil {
		return "", err
	}
	if err := checkFault(root); err != nil {
		return "", err
	}
	result := findByTag(root, "AutenticaResult")
	if result == nil {
		return "", fmt.Errorf("descarga: response has no AutenticaResult")
	}
	token := strings.TrimSpace(result.Text())
	if token == "" {
		return "", ErrEmptyToken
	}
	return token, nil
}

// requestOutcome is the raw SolicitaDescarga response before
// classification.
type requestOutcome struct {
	Code      string
	Message   string
	RequestID string
}

func parseRequestResponse(body []byte) (requestOutcome, error) {
	var out requestOutcome
	root, err := parseDoc(body)
	if err != nil {
		return out, err
	}
	if err := checkFault(root); err != nil {
		return out, err
	}
	result := findBySuffix(root, "Result")
	if result == nil {
		return out, fmt.Errorf("descarga: response has no result element")
	}
	out.Code = result.SelectAttrValue("CodEstatus", "")
	out.Message = result.SelectAttrValue("Mensaje", "")
	out.RequestID = result.SelectAttrValue("IdSolicitud", "")
	return out, nil
}

// VerifyResult is the parsed state of an in-flight download request.
type VerifyResult struct {
	State      int
	Code       string
	StateCode  string
	Message    string
	CFDICount  int
	PackageIDs []string
}

func parseVerifyResponse(body []byte) (VerifyResult, error) {
	var out VerifyResult
	root, err := parseDoc(body)
	if err != nil {
		return out, err
	}
	if err := checkFault(root); err != nil {
		return out, err
	}
	result := findByTag(root, "VerificaSolicitudDescargaResult")
	if result == nil {
		return out, fmt.Errorf("descarga: response has no VerificaSolicitudDescargaResult")
	}
	fmt.Sscanf(result.SelectAttrValue("EstadoSolicitud", "0"), "%d", &out.State)
	out.Code = result.SelectAttrValue("CodEstatus", "")
	out.StateCode = result.SelectAttrValue("CodigoEstadoSolicitud", "")
	out.Message = result.SelectAttrValue("Mensaje", "")
	fmt.Sscanf(result.SelectAttrValue("NumeroCFDIs", "0"), "%d", &out.CFDICount)

	for _, ids := range findAllByTag(root, "IdsPaquetes") {
		if id := strings.TrimSpace(ids.Text()); id != "" {
			out.PackageIDs = append(out.PackageIDs, id)
		}
	}
	return out, nil
}

func findAllByTag(el *etree.Element, tag string) []*etree.Element {
	var out []*etree.Element
	if el.Tag == tag {
		out = append(out, el)
	}
	for _, child := range el.ChildElements() {
		out = append(out, findAllByTag(child, tag)...)
	}
	return out
}

func parseDownloadResponse(body []byte) (string, error) {
	root, err := parseDoc(body)
	if err != nil {
		return "", err
	}
	if err := checkFault(root); err != nil {
		return "", err
	}
	paquete := findByTag(root, "Paquete")
	if paquete == nil {
		return "", ErrEmptyPackage
	}
	b64 := strings.TrimSpace(paquete.Text())
	if b64 == "" {
		return "", ErrEmptyPackage
	}
	return b64, nil
}
