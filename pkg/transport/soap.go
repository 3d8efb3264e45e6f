// Package transport provides the SOAP 1.1 HTTP client used to talk to the
// SAT's download service endpoints over TLS 1.2/1.3.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ContentTypeSOAP is the Content-Type the service's WCF front ends expect.
const ContentTypeSOAP = "text/xml; charset=utf-8"

// TLS version constants
const (
	TLS12 = tls.VersionTLS12
	TLS13 = tls.VersionTLS13
)

// RecommendedTLS12CipherSuites lists the TLS 1.2 suites accepted by the
// service front ends.
var RecommendedTLS12CipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// HTTPSConfig contains outbound HTTPS client configuration
type HTTPSConfig struct {
	MinTLSVersion   uint16
	MaxTLSVersion   uint16
	CipherSuites    []uint16
	RootCAs         *x509.CertPool
	Timeout         time.Duration
	IdleConnTimeout time.Duration
	UserAgent       string
}

// DefaultHTTPSConfig returns a default HTTPS configuration. The timeout is
// generous because package downloads can run to hundreds of megabytes.
func DefaultHTTPSConfig() *HTTPSConfig {
	return &HTTPSConfig{
		MinTLSVersion:   TLS12,
		MaxTLSVersion:   TLS13,
		CipherSuites:    RecommendedTLS12CipherSuites,
		Timeout:         120 * time.Second,
		IdleConnTimeout: 90 * time.Second,
		UserAgent:       "fiscalia-satdl/1.0",
	}
}

// HTTPError is returned when the service answers with a non-200 status.
// The body is kept because WCF faults ride on HTTP 500.
type HTTPError struct {
	Status int
	Body   []byte
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 512 {
		body = body[:512]
	}
	return fmt.Sprintf("http %d: %s", e.Status, string(body))
}

// SOAPClient posts SOAP 1.1 envelopes to the service endpoints.
type SOAPClient struct {
	client *http.Client
	config *HTTPSConfig
}

// NewSOAPClient creates a new SOAP client
func NewSOAPClient(config *HTTPSConfig) *SOAPClient {
	if config == nil {
		config = DefaultHTTPSConfig()
	}

	tlsConfig := &tls.Config{
		MinVersion:   config.MinTLSVersion,
		MaxVersion:   config.MaxTLSVersion,
		CipherSuites: config.CipherSuites,
		RootCAs:      config.RootCAs,
	}

	transport := &http.Transport{
		TLSClientConfig:     tlsConfig,
		IdleConnTimeout:     config.IdleConnTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
	}

	return &SOAPClient{
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
		},
		config: config,
	}
}

// Call posts an envelope to endpoint with the given SOAPAction header.
// token, when non-empty, is sent as a WRAP access token in the
// Authorization header, the scheme the authenticated service operations
// require. Non-200 responses come back as *HTTPError with the body intact.
func (c *SOAPClient) Call(ctx context.Context, endpoint, soapAction string, envelope []byte, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(envelope))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", ContentTypeSOAP)
	req.Header.Set("SOAPAction", soapAction)
	req.Header.Set("User-Agent", c.config.UserAgent)
	if token != "" {
		req.Header.Set("Authorization", fmt.Sprintf(`WRAP access_token="%s"`, token))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{Status: resp.StatusCode, Body: body}
	}
	return body, nil
}
