// Package descarga implements the client side of the SAT CFDI bulk
// download service: authentication, download requests, verification
// polling, and package retrieval.
package descarga

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MiguelAngelCruzVargas/Fiscalia/pkg/credential"
	"github.com/MiguelAngelCruzVargas/Fiscalia/pkg/transport"
	"github.com/MiguelAngelCruzVargas/Fiscalia/pkg/wssec"
)

// Default service endpoints for the 2.0 contract.
const (
	DefaultAuthURL     = "https://cfdidescargamasivasolicitud.clouda.sat.gob.mx/Autenticacion/Autenticacion.svc"
	DefaultRequestURL  = "https://cfdidescargamasivasolicitud.clouda.sat.gob.mx/SolicitaDescargaService.svc"
	DefaultVerifyURL   = "https://cfdidescargamasivasolicitud.clouda.sat.gob.mx/VerificaSolicitudDescargaService.svc"
	DefaultDownloadURL = "https://cfdidescargamasiva.clouda.sat.gob.mx/DescargaMasivaTercerosService.svc"
)

// SOAPAction headers per operation. The authentication service lives in a
// different namespace than the download operations.
const (
	actionAutentica = "http://DescargaMasivaTerceros.gob.mx/IAutenticacion/Autentica"
	actionVerifica  = "http://DescargaMasivaTerceros.sat.gob.mx/IVerificaSolicitudDescargaService/VerificaSolicitudDescarga"
	actionDescargar = "http://DescargaMasivaTerceros.sat.gob.mx/IDescargaMasivaTercerosService/Descargar"
	actionSolicita  = "http://DescargaMasivaTerceros.sat.gob.mx/ISolicitaDescargaService/"
)

// Verification states reported by the service.
const (
	StateAccepted   = 1
	StateInProgress = 2
	StateDone       = 3
	StateFailed     = 4
	StateRejected   = 5
	StateExpired    = 6
)

// Config carries the endpoints and polling behavior of a Client.
type Config struct {
	AuthURL     string
	RequestURL  string
	VerifyURL   string
	DownloadURL string

	// PollInterval and PollAttempts bound the verification loop. The
	// defaults give the service about five minutes to finish.
	PollInterval time.Duration
	PollAttempts int

	// ForceAlgorithms pins the signature algorithm search to one pair.
	ForceAlgorithms *wssec.AlgPair
}

func (c *Config) applyDefaults() {
	if c.AuthURL == "" {
		c.AuthURL = DefaultAuthURL
	}
	if c.RequestURL == "" {
		c.RequestURL = DefaultRequestURL
	}
	if c.VerifyURL == "" {
		c.VerifyURL = DefaultVerifyURL
	}
	if c.DownloadURL == "" {
		c.DownloadURL = DefaultDownloadURL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = 150
	}
}

// Client talks to the download service on behalf of one credential.
type Client struct {
	cfg      Config
	soap     *transport.SOAPClient
	signer   *wssec.Signer
	material *credential.Material
	log      *logrus.Entry
}

// NewClient wires a client for the given credential material.
func NewClient(cfg Config, soap *transport.SOAPClient, material *credential.Material, log *logrus.Entry) (*Client, error) {
	cfg.applyDefaults()
	signer, err := wssec.NewSigner(material.Cert, material.Key)
	if err != nil {
		return nil, err
	}
	if soap == nil {
		soap = transport.NewSOAPClient(nil)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		cfg:      cfg,
		soap:     soap,
		signer:   signer,
		material: material,
		log:      log.WithField("rfc", material.Info.RFC),
	}, nil
}

// Authenticate walks the signing parameter search space until the service
// issues a token. Faults and HTTP 500s advance the search; network errors
// abort it because retrying with different parameters cannot fix them.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	attempts := wssec.AuthAttempts(c.cfg.ForceAlgorithms)
	var failures []wssec.AttemptFailure

	for i, attempt := range attempts {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		envelope, err := c.signer.SignAuthEnvelope(attempt)
		if err != nil {
			failures = append(failures, wssec.AttemptFailure{Attempt: attempt, Err: err})
			continue
		}

		body, err := c.soap.Call(ctx, c.cfg.AuthURL, actionAutentica, []byte(envelope), "")
		if err != nil {
			var httpErr *transport.HTTPError
			if errors.As(err, &httpErr) {
				// WCF signals signature rejection as a 500 fault.
				failures = append(failures, wssec.AttemptFailure{Attempt: attempt, Err: err})
				c.log.WithFields(logrus.Fields{"attempt": i, "params": attempt.String(), "status": httpErr.Status}).
					Debug("auth attempt rejected")
				continue
			}
			return "", &AuthenticationError{Err: err}
		}

		token, err := parseAuthResponse(body)
		if err != nil {
			// An accepted signature with no token is a service-side
			// problem; other parameters cannot produce a better answer.
			if errors.Is(err, ErrEmptyToken) {
				return "", &AuthenticationError{Err: err}
			}
			failures = append(failures, wssec.AttemptFailure{Attempt: attempt, Err: err})
			c.log.WithFields(logrus.Fields{"attempt": i, "params": attempt.String()}).
				WithError(err).Debug("auth attempt rejected")
			continue
		}

		c.log.WithFields(logrus.Fields{"attempt": i, "params": attempt.String()}).
			Info("authenticated")
		return token, nil
	}

	return "", &AuthenticationError{Err: &wssec.ExhaustedError{Attempts: failures}}
}

// RequestResult reports an accepted download request.
type RequestResult struct {
	RequestID string
	// EffectiveType is the request type that was finally accepted. It
	// differs from the query's type when the fallback fired.
	EffectiveType   string
	FallbackApplied bool
}

// RequestDownload submits a download request. When a CFDI request is
// rejected with code 301 and a message about cancelled invoices, it falls
// back to a Metadata request exactly once; if that also fails, both errors
// are returned together.
func (c *Client) RequestDownload(ctx context.Context, token string, q Query) (RequestResult, error) {
	res, err := c.requestOnce(ctx, token, q)
	if err == nil {
		return res, nil
	}
	if q.RequestType != TypeCFDI || !isCancelledRejection(err) {
		return res, err
	}

	c.log.WithField("direction", string(q.Direction)).
		Warn("cfdi request rejected for cancelled invoices, retrying as metadata")

	fb := q
	fb.RequestType = TypeMetadata
	fbRes, fbErr := c.requestOnce(ctx, token, fb)
	if fbErr != nil {
		return fbRes, fmt.Errorf("metadata fallback also failed: %w (original: %v)", fbErr, err)
	}
	fbRes.FallbackApplied = true
	return fbRes, nil
}

func (c *Client) requestOnce(ctx context.Context, token string, q Query) (RequestResult, error) {
	var res RequestResult
	wrapper, err := buildSolicitudWrapper(q)
	if err != nil {
		return res, fmt.Errorf("building request: %w", err)
	}
	signed, err := c.signer.SignRequestWrapper(wrapper, c.cfg.ForceAlgorithms)
	if err != nil {
		return res, fmt.Errorf("signing request: %w", err)
	}

	body, err := c.soap.Call(ctx, c.cfg.RequestURL, actionSolicita+q.operationName(), []byte(wrapInEnvelope(signed)), token)
	if err != nil {
		return res, err
	}

	out, err := parseRequestResponse(body)
	if err != nil {
		return res, err
	}
	if err := classifyRequestOutcome(out); err != nil {
		return res, err
	}

	res.RequestID = out.RequestID
	res.EffectiveType = q.RequestType
	c.log.WithFields(logrus.Fields{"request_id": out.RequestID, "type": q.RequestType}).
		Info("download request accepted")
	return res, nil
}

// classifyRequestOutcome maps the service's status codes onto the error
// taxonomy. 5000 is the only acceptance code.
func classifyRequestOutcome(out requestOutcome) error {
	if requestAccepted(out.Code) {
		if out.RequestID == "" {
			return &RequestRejectedError{Code: out.Code, Message: "accepted without a request id"}
		}
		return nil
	}
	switch out.Code {
	case "5003":
		return ErrQuotaExceeded
	case "5004":
		return ErrNoInformation
	case "5011":
		return ErrDailyLimit
	default:
		return &RequestRejectedError{Code: out.Code, Message: out.Message}
	}
}

// requestAccepted reports whether a CodEstatus means the request was
// taken. The service answers 5000 normally, 5005 when an identical
// request already exists, and some fronts reply with a textual status
// instead of a number.
func requestAccepted(code string) bool {
	switch code {
	case "5000", "5005":
		return true
	}
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "solicitud aceptada", "ok":
		return true
	}
	return false
}

// isCancelledRejection reports whether a request error is the 301
// rejection the service emits when the period contains cancelled CFDIs,
// which only a Metadata request can retrieve.
func isCancelledRejection(err error) bool {
	var rejected *RequestRejectedError
	if !errors.As(err, &rejected) {
		return false
	}
	return rejected.Code == "301" && strings.Contains(strings.ToLower(rejected.Message), "cancelad")
}

// Verify asks the service for the state of one request.
func (c *Client) Verify(ctx context.Context, token, requestID string) (VerifyResult, error) {
	var res VerifyResult
	wrapper, err := buildVerificaWrapper(requestID, c.material.Info.RFC)
	if err != nil {
		return res, fmt.Errorf("building verification: %w", err)
	}
	signed, err := c.signer.SignRequestWrapper(wrapper, c.cfg.ForceAlgorithms)
	if err != nil {
		return res, fmt.Errorf("signing verification: %w", err)
	}

	body, err := c.soap.Call(ctx, c.cfg.VerifyURL, actionVerifica, []byte(wrapInEnvelope(signed)), token)
	if err != nil {
		return res, err
	}
	return parseVerifyResponse(body)
}

// TokenSource refreshes the WRAP token during long polls. Tokens outlive
// single calls but not a full five minute wait.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to the TokenSource interface.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// PollVerify polls until the request reaches a terminal state, the
// attempt budget runs out, or the context is cancelled. A terminal state
// with code 5004 is reported as ErrNoInformation so callers can record an
// empty but successful run.
func (c *Client) PollVerify(ctx context.Context, tokens TokenSource, requestID string) (VerifyResult, error) {
	var last VerifyResult
	for i := 0; i < c.cfg.PollAttempts; i++ {
		token, err := tokens.Token(ctx)
		if err != nil {
			return last, err
		}

		last, err = c.Verify(ctx, token, requestID)
		if err != nil {
			return last, err
		}

		// The first attempts get individual trace lines; after that only
		// state changes are worth logging.
		if i < 20 {
			c.log.WithFields(logrus.Fields{
				"request_id": requestID,
				"attempt":    i,
				"state":      last.State,
				"code":       last.StateCode,
			}).Debug("verification poll")
		}

		// The request code is meaningful in any state, so it is checked
		// before the state switch on every iteration.
		if err := classifyVerifyCode(last); err != nil {
			return last, err
		}

		switch last.State {
		case StateDone:
			c.log.WithFields(logrus.Fields{
				"request_id": requestID,
				"cfdis":      last.CFDICount,
				"packages":   len(last.PackageIDs),
			}).Info("request finished")
			return last, nil
		case StateFailed, StateRejected, StateExpired:
			return last, &VerificationError{State: last.State, Code: last.StateCode, Message: last.Message}
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}
	return last, ErrVerificationTimeout
}

// classifyVerifyCode maps the CodigoEstadoSolicitud attribute onto the
// error taxonomy. 5004 ends the poll as a successful empty result; the
// quota, daily-limit and 30x validation codes end it as distinct errors.
func classifyVerifyCode(res VerifyResult) error {
	switch res.StateCode {
	case "5003":
		return ErrQuotaExceeded
	case "5004":
		return ErrNoInformation
	case "5011":
		return ErrDailyLimit
	case "300", "301", "302", "303", "304", "305":
		return &VerificationError{State: res.State, Code: res.StateCode, Message: res.Message}
	}
	return nil
}

// Download fetches one package and returns the raw zip bytes.
func (c *Client) Download(ctx context.Context, token, packageID string) ([]byte, error) {
	wrapper, err := buildDescargaWrapper(packageID, c.material.Info.RFC)
	if err != nil {
		return nil, fmt.Errorf("building download: %w", err)
	}
	signed, err := c.signer.SignRequestWrapper(wrapper, c.cfg.ForceAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("signing download: %w", err)
	}

	body, err := c.soap.Call(ctx, c.cfg.DownloadURL, actionDescargar, []byte(wrapInEnvelope(signed)), token)
	if err != nil {
		return nil, err
	}

	b64, err := parseDownloadResponse(body)
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPackage, err)
	}
	if len(raw) == 0 {
		return nil, ErrEmptyPackage
	}
	if !bytes.HasPrefix(raw, []byte("PK")) {
		return nil, ErrCorruptPackage
	}

	c.log.WithFields(logrus.Fields{"package_id": packageID, "bytes": len(raw)}).
		Info("package downloaded")
	return raw, nil
}
