package descarga

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MiguelAngelCruzVargas/Fiscalia/pkg/credential"
	"github.com/MiguelAngelCruzVargas/Fiscalia/pkg/wssec"
)

const testRFC = "EKU9003173C9"

func testMaterial(t *testing.T) *credential.Material {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject: pkix.Name{
			CommonName:   "ESCUELA KEMPER URGATE",
			SerialNumber: testRFC,
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &credential.Material{Cert: cert, Key: key, Info: credential.Inspect(cert)}
}

func envelope(inner string) string {
	return `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>` + inner + `</s:Body></s:Envelope>`
}

func authResponse(token string) string {
	return envelope(`<AutenticaResponse xmlns="http://DescargaMasivaTerceros.gob.mx"><AutenticaResult>` + token + `</AutenticaResult></AutenticaResponse>`)
}

func requestResponse(op, code, msg, id string) string {
	idAttr := ""
	if id != "" {
		idAttr = ` IdSolicitud="` + id + `"`
	}
	return envelope(`<` + op + `Response xmlns="http://DescargaMasivaTerceros.sat.gob.mx"><` + op + `Result CodEstatus="` + code + `" Mensaje="` + msg + `"` + idAttr + `/></` + op + `Response>`)
}

func verifyResponse(state int, stateCode string, count int, packages ...string) string {
	var ids strings.Builder
	for _, p := range packages {
		ids.WriteString(`<IdsPaquetes>` + p + `</IdsPaquetes>`)
	}
	return envelope(fmt.Sprintf(
		`<VerificaSolicitudDescargaResponse xmlns="http://DescargaMasivaTerceros.sat.gob.mx"><VerificaSolicitudDescargaResult CodEstatus="5000" EstadoSolicitud="%d" CodigoEstadoSolicitud="%s" NumeroCFDIs="%d" Mensaje="estado">%s</VerificaSolicitudDescargaResult></VerificaSolicitudDescargaResponse>`,
		state, stateCode, count, ids.String()))
}

func downloadResponse(b64 string) string {
	return envelope(`<RespuestaDescargaMasivaTercerosSalida xmlns="http://DescargaMasivaTerceros.sat.gob.mx"><Paquete>` + b64 + `</Paquete></RespuestaDescargaMasivaTercerosSalida>`)
}

// fakeService stands in for the SAT endpoints, dispatching on SOAPAction.
type fakeService struct {
	t *testing.T

	auth     func(r *http.Request, body string) (int, string)
	request  func(r *http.Request, body string) (int, string)
	verify   func(r *http.Request, body string) (int, string)
	download func(r *http.Request, body string) (int, string)
}

func (f *fakeService) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		body := string(raw)
		action := r.Header.Get("SOAPAction")

		var status int
		var resp string
		switch {
		case strings.Contains(action, "Autentica"):
			status, resp = f.auth(r, body)
		case strings.Contains(action, "SolicitaDescarga"):
			status, resp = f.request(r, body)
		case strings.Contains(action, "Verifica"):
			status, resp = f.verify(r, body)
		case strings.Contains(action, "Descargar"):
			status, resp = f.download(r, body)
		default:
			f.t.Errorf("unexpected SOAPAction %q", action)
			status, resp = http.StatusBadRequest, ""
		}
		w.WriteHeader(status)
		w.Write([]byte(resp))
	})
}

func newTestClient(t *testing.T, svc *fakeService, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(svc.handler())
	t.Cleanup(srv.Close)

	cfg.AuthURL = srv.URL + "/auth"
	cfg.RequestURL = srv.URL + "/solicita"
	cfg.VerifyURL = srv.URL + "/verifica"
	cfg.DownloadURL = srv.URL + "/descarga"
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}

	log := logrus.New()
	log.SetOutput(io.Discard)
	c, err := NewClient(cfg, nil, testMaterial(t), logrus.NewEntry(log))
	require.NoError(t, err)
	return c
}

func TestAuthenticate(t *testing.T) {
	svc := &fakeService{t: t}
	svc.auth = func(r *http.Request, body string) (int, string) {
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.Contains(t, body, "<Autentica")
		assert.Contains(t, body, "SignatureValue")
		return http.StatusOK, authResponse("token-abc")
	}

	c := newTestClient(t, svc, Config{})
	token, err := c.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-abc", token)
}

func TestAuthenticateRetriesParameters(t *testing.T) {
	var calls int32
	svc := &fakeService{t: t}
	svc.auth = func(r *http.Request, body string) (int, string) {
		// The first two parameter combinations get 500 faults.
		if atomic.AddInt32(&calls, 1) <= 2 {
			return http.StatusInternalServerError, envelope(`<s:Fault><faultcode>a:InvalidSecurity</faultcode><faultstring>firma invalida</faultstring></s:Fault>`)
		}
		return http.StatusOK, authResponse("token-later")
	}

	c := newTestClient(t, svc, Config{})
	token, err := c.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-later", token)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestAuthenticateExhausted(t *testing.T) {
	svc := &fakeService{t: t}
	svc.auth = func(r *http.Request, body string) (int, string) {
		return http.StatusInternalServerError, envelope(`<s:Fault><faultcode>a:InvalidSecurity</faultcode><faultstring>no</faultstring></s:Fault>`)
	}

	// Pin the algorithm search so the test does not sign the full space.
	c := newTestClient(t, svc, Config{
		ForceAlgorithms: &wssec.AlgPair{Signature: wssec.SigRSASHA1, Digest: wssec.DigSHA1},
	})
	_, err := c.Authenticate(context.Background())
	require.Error(t, err)

	var authErr *AuthenticationError
	require.True(t, errors.As(err, &authErr))
	var exhausted *wssec.ExhaustedError
	assert.True(t, errors.As(err, &exhausted))
	assert.Contains(t, err.Error(), "FIEL")
}

func TestAuthenticateEmptyToken(t *testing.T) {
	svc := &fakeService{t: t}
	svc.auth = func(r *http.Request, body string) (int, string) {
		return http.StatusOK, authResponse("")
	}

	c := newTestClient(t, svc, Config{
		ForceAlgorithms: &wssec.AlgPair{Signature: wssec.SigRSASHA1, Digest: wssec.DigSHA1},
	})
	_, err := c.Authenticate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyToken)
}

func baseQuery(dir Direction) Query {
	return Query{
		Direction:      dir,
		OwnerRFC:       testRFC,
		SolicitanteRFC: testRFC,
		StartDate:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		RequestType:    TypeCFDI,
	}
}

func TestRequestDownloadEmitidos(t *testing.T) {
	svc := &fakeService{t: t}
	svc.request = func(r *http.Request, body string) (int, string) {
		assert.Equal(t, `WRAP access_token="tok"`, r.Header.Get("Authorization"))
		assert.Contains(t, r.Header.Get("SOAPAction"), "SolicitaDescargaEmitidos")
		assert.Contains(t, body, `RfcEmisor="`+testRFC+`"`)
		assert.NotContains(t, body, "RfcReceptor")
		assert.Contains(t, body, `FechaInicial="2024-01-01T00:00:00"`)
		assert.Contains(t, body, `FechaFinal="2024-01-31T23:59:59"`)
		assert.Contains(t, body, `TipoSolicitud="CFDI"`)
		assert.Contains(t, body, "SignatureValue")
		return http.StatusOK, requestResponse("SolicitaDescargaEmitidos", "5000", "Solicitud Aceptada", "req-1")
	}

	c := newTestClient(t, svc, Config{})
	res, err := c.RequestDownload(context.Background(), "tok", baseQuery(Emitidos))
	require.NoError(t, err)
	assert.Equal(t, "req-1", res.RequestID)
	assert.Equal(t, TypeCFDI, res.EffectiveType)
	assert.False(t, res.FallbackApplied)
}

func TestRequestDownloadRecibidos(t *testing.T) {
	svc := &fakeService{t: t}
	svc.request = func(r *http.Request, body string) (int, string) {
		assert.Contains(t, r.Header.Get("SOAPAction"), "SolicitaDescargaRecibidos")
		assert.Contains(t, body, `RfcReceptor="`+testRFC+`"`)
		assert.NotContains(t, body, "RfcEmisor")
		return http.StatusOK, requestResponse("SolicitaDescargaRecibidos", "5000", "Solicitud Aceptada", "req-2")
	}

	c := newTestClient(t, svc, Config{})
	res, err := c.RequestDownload(context.Background(), "tok", baseQuery(Recibidos))
	require.NoError(t, err)
	assert.Equal(t, "req-2", res.RequestID)
}

func TestRequestDownloadOutcomes(t *testing.T) {
	tests := []struct {
		code    string
		msg     string
		wantErr error
	}{
		{"5003", "Tope maximo de elementos", ErrQuotaExceeded},
		{"5004", "No se encontro la informacion", ErrNoInformation},
		{"5011", "Limite de solicitudes", ErrDailyLimit},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			svc := &fakeService{t: t}
			svc.request = func(r *http.Request, body string) (int, string) {
				return http.StatusOK, requestResponse("SolicitaDescargaEmitidos", tt.code, tt.msg, "")
			}
			c := newTestClient(t, svc, Config{})
			_, err := c.RequestDownload(context.Background(), "tok", baseQuery(Emitidos))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRequestDownloadAcceptanceCodes(t *testing.T) {
	tests := []struct {
		code string
		msg  string
	}{
		{"5000", "Solicitud Aceptada"},
		{"5005", "Ya se tiene una solicitud registrada"},
		{"Solicitud Aceptada", ""},
		{"OK", ""},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			svc := &fakeService{t: t}
			svc.request = func(r *http.Request, body string) (int, string) {
				return http.StatusOK, requestResponse("SolicitaDescargaEmitidos", tt.code, tt.msg, "req-42")
			}
			c := newTestClient(t, svc, Config{})
			res, err := c.RequestDownload(context.Background(), "tok", baseQuery(Emitidos))
			require.NoError(t, err)
			assert.Equal(t, "req-42", res.RequestID)
		})
	}
}

func TestRequestDownloadValidationRejection(t *testing.T) {
	svc := &fakeService{t: t}
	svc.request = func(r *http.Request, body string) (int, string) {
		return http.StatusOK, requestResponse("SolicitaDescargaEmitidos", "300", "Usuario No Valido", "")
	}

	c := newTestClient(t, svc, Config{})
	_, err := c.RequestDownload(context.Background(), "tok", baseQuery(Emitidos))
	require.Error(t, err)

	var rejected *RequestRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "300", rejected.Code)
}

func TestRequestDownloadFallback(t *testing.T) {
	var calls int32
	svc := &fakeService{t: t}
	svc.request = func(r *http.Request, body string) (int, string) {
		if atomic.AddInt32(&calls, 1) == 1 {
			assert.Contains(t, body, `TipoSolicitud="CFDI"`)
			return http.StatusOK, requestResponse("SolicitaDescargaEmitidos", "301", "XML Mal Formado: contiene comprobantes cancelados", "")
		}
		assert.Contains(t, body, `TipoSolicitud="Metadata"`)
		return http.StatusOK, requestResponse("SolicitaDescargaEmitidos", "5000", "Solicitud Aceptada", "req-meta")
	}

	c := newTestClient(t, svc, Config{})
	res, err := c.RequestDownload(context.Background(), "tok", baseQuery(Emitidos))
	require.NoError(t, err)
	assert.Equal(t, "req-meta", res.RequestID)
	assert.Equal(t, TypeMetadata, res.EffectiveType)
	assert.True(t, res.FallbackApplied)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRequestDownloadFallbackBothFail(t *testing.T) {
	var calls int32
	svc := &fakeService{t: t}
	svc.request = func(r *http.Request, body string) (int, string) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return http.StatusOK, requestResponse("SolicitaDescargaEmitidos", "301", "comprobantes cancelados", "")
		}
		return http.StatusOK, requestResponse("SolicitaDescargaEmitidos", "305", "Certificado Invalido", "")
	}

	c := newTestClient(t, svc, Config{})
	_, err := c.RequestDownload(context.Background(), "tok", baseQuery(Emitidos))
	require.Error(t, err)
	// Both rejections are visible in the final error.
	assert.Contains(t, err.Error(), "305")
	assert.Contains(t, err.Error(), "301")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRequestDownloadNoFallbackForMetadata(t *testing.T) {
	var calls int32
	svc := &fakeService{t: t}
	svc.request = func(r *http.Request, body string) (int, string) {
		atomic.AddInt32(&calls, 1)
		return http.StatusOK, requestResponse("SolicitaDescargaEmitidos", "301", "comprobantes cancelados", "")
	}

	q := baseQuery(Emitidos)
	q.RequestType = TypeMetadata
	c := newTestClient(t, svc, Config{})
	_, err := c.RequestDownload(context.Background(), "tok", q)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "metadata requests must not fall back")
}

func staticTokens(token string) TokenSource {
	return TokenFunc(func(context.Context) (string, error) { return token, nil })
}

func TestPollVerifyFinishes(t *testing.T) {
	var calls int32
	svc := &fakeService{t: t}
	svc.verify = func(r *http.Request, body string) (int, string) {
		assert.Contains(t, body, `IdSolicitud="req-1"`)
		if atomic.AddInt32(&calls, 1) < 3 {
			return http.StatusOK, verifyResponse(StateInProgress, "", 0)
		}
		return http.StatusOK, verifyResponse(StateDone, "5000", 2, "pkg-a", "pkg-b")
	}

	c := newTestClient(t, svc, Config{})
	res, err := c.PollVerify(context.Background(), staticTokens("tok"), "req-1")
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 2, res.CFDICount)
	assert.Equal(t, []string{"pkg-a", "pkg-b"}, res.PackageIDs)
}

func TestPollVerifyNoInformation(t *testing.T) {
	svc := &fakeService{t: t}
	svc.verify = func(r *http.Request, body string) (int, string) {
		return http.StatusOK, verifyResponse(StateRejected, "5004", 0)
	}

	c := newTestClient(t, svc, Config{})
	_, err := c.PollVerify(context.Background(), staticTokens("tok"), "req-1")
	assert.ErrorIs(t, err, ErrNoInformation)
}

func TestPollVerifyQuotaExceededWhileInProgress(t *testing.T) {
	var calls int32
	svc := &fakeService{t: t}
	svc.verify = func(r *http.Request, body string) (int, string) {
		atomic.AddInt32(&calls, 1)
		return http.StatusOK, verifyResponse(StateInProgress, "5003", 0)
	}

	c := newTestClient(t, svc, Config{PollAttempts: 5})
	_, err := c.PollVerify(context.Background(), staticTokens("tok"), "req-1")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "quota code must stop the poll immediately")
}

func TestPollVerifyDailyLimit(t *testing.T) {
	svc := &fakeService{t: t}
	svc.verify = func(r *http.Request, body string) (int, string) {
		return http.StatusOK, verifyResponse(StateFailed, "5011", 0)
	}

	c := newTestClient(t, svc, Config{})
	_, err := c.PollVerify(context.Background(), staticTokens("tok"), "req-1")
	assert.ErrorIs(t, err, ErrDailyLimit)
}

func TestPollVerifyAuthCodeFailure(t *testing.T) {
	svc := &fakeService{t: t}
	svc.verify = func(r *http.Request, body string) (int, string) {
		return http.StatusOK, verifyResponse(StateAccepted, "305", 0)
	}

	c := newTestClient(t, svc, Config{})
	_, err := c.PollVerify(context.Background(), staticTokens("tok"), "req-1")

	var verr *VerificationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "305", verr.Code)
}

func TestPollVerifyTerminalFailure(t *testing.T) {
	svc := &fakeService{t: t}
	svc.verify = func(r *http.Request, body string) (int, string) {
		return http.StatusOK, verifyResponse(StateFailed, "5002", 0)
	}

	c := newTestClient(t, svc, Config{})
	_, err := c.PollVerify(context.Background(), staticTokens("tok"), "req-1")
	require.Error(t, err)

	var verr *VerificationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, StateFailed, verr.State)
}

func TestPollVerifyTimesOut(t *testing.T) {
	svc := &fakeService{t: t}
	svc.verify = func(r *http.Request, body string) (int, string) {
		return http.StatusOK, verifyResponse(StateInProgress, "", 0)
	}

	c := newTestClient(t, svc, Config{PollAttempts: 3})
	_, err := c.PollVerify(context.Background(), staticTokens("tok"), "req-1")
	assert.ErrorIs(t, err, ErrVerificationTimeout)
}

func TestPollVerifyCancellable(t *testing.T) {
	svc := &fakeService{t: t}
	svc.verify = func(r *http.Request, body string) (int, string) {
		return http.StatusOK, verifyResponse(StateInProgress, "", 0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := newTestClient(t, svc, Config{PollInterval: time.Hour})

	done := make(chan error, 1)
	go func() {
		_, err := c.PollVerify(ctx, staticTokens("tok"), "req-1")
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("poll did not stop on cancellation")
	}
}

func testZip(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("doc.xml")
	require.NoError(t, err)
	_, err = f.Write([]byte("<cfdi/>"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDownload(t *testing.T) {
	payload := testZip(t)
	svc := &fakeService{t: t}
	svc.download = func(r *http.Request, body string) (int, string) {
		assert.Contains(t, body, `IdPaquete="pkg-a"`)
		assert.Equal(t, `WRAP access_token="tok"`, r.Header.Get("Authorization"))
		return http.StatusOK, downloadResponse(base64.StdEncoding.EncodeToString(payload))
	}

	c := newTestClient(t, svc, Config{})
	raw, err := c.Download(context.Background(), "tok", "pkg-a")
	require.NoError(t, err)
	assert.Equal(t, payload, raw)
}

func TestDownloadEmptyPackage(t *testing.T) {
	svc := &fakeService{t: t}
	svc.download = func(r *http.Request, body string) (int, string) {
		return http.StatusOK, downloadResponse("")
	}

	c := newTestClient(t, svc, Config{})
	_, err := c.Download(context.Background(), "tok", "pkg-a")
	assert.ErrorIs(t, err, ErrEmptyPackage)
}

func TestDownloadCorruptPackage(t *testing.T) {
	svc := &fakeService{t: t}
	svc.download = func(r *http.Request, body string) (int, string) {
		return http.StatusOK, downloadResponse(base64.StdEncoding.EncodeToString([]byte("not a zip")))
	}

	c := newTestClient(t, svc, Config{})
	_, err := c.Download(context.Background(), "tok", "pkg-a")
	assert.ErrorIs(t, err, ErrCorruptPackage)
}
