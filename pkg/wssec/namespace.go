package wssec

// XML namespace URIs for SOAP 1.1 and WS-Security headers.
const (
	NamespaceSOAP = "http://schemas.xmlsoap.org/soap/envelope/"
	NamespaceWSSE = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	NamespaceWSU  = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
	NamespaceWSA  = "http://www.w3.org/2005/08/addressing"
	NamespaceDS   = "http://www.w3.org/2000/09/xmldsig#"
)

// SAT massive download service namespaces. The authentication service and
// the request services live in slightly different namespaces.
const (
	NamespaceAutenticacion = "http://DescargaMasivaTerceros.gob.mx"
	NamespaceDescarga      = "http://DescargaMasivaTerceros.sat.gob.mx"
)

// BinarySecurityToken attribute values.
const (
	BSTValueTypeX509v3 = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-x509-token-profile-1.0#X509v3"
	BSTEncodingBase64  = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary"
)

// Algorithm URIs used in ds:SignedInfo.
const (
	AlgorithmRSASHA1       = "http://www.w3.org/2000/09/xmldsig#rsa-sha1"
	AlgorithmRSASHA256     = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	AlgorithmSHA1          = "http://www.w3.org/2000/09/xmldsig#sha1"
	AlgorithmSHA256        = "http://www.w3.org/2001/04/xmlenc#sha256"
	AlgorithmExclusiveC14N = "http://www.w3.org/2001/10/xml-exc-c14n#"
	AlgorithmInclusiveC14N = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315"
	AlgorithmEnveloped     = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"
)
