package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallSetsHeaders(t *testing.T) {
	var gotAction, gotAuth, gotCT string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAction = r.Header.Get("SOAPAction")
		gotAuth = r.Header.Get("Authorization")
		gotCT = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte("<ok/>"))
	}))
	defer srv.Close()

	c := NewSOAPClient(nil)
	resp, err := c.Call(context.Background(), srv.URL,
		"http://DescargaMasivaTerceros.gob.mx/IAutenticacion/Autentica",
		[]byte("<env/>"), "abc123")
	require.NoError(t, err)

	assert.Equal(t, "<ok/>", string(resp))
	assert.Equal(t, "http://DescargaMasivaTerceros.gob.mx/IAutenticacion/Autentica", gotAction)
	assert.Equal(t, `WRAP access_token="abc123"`, gotAuth)
	assert.Equal(t, ContentTypeSOAP, gotCT)
	assert.Equal(t, "<env/>", string(gotBody))
}

func TestCallOmitsAuthorizationWithoutToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte("<ok/>"))
	}))
	defer srv.Close()

	c := NewSOAPClient(nil)
	_, err := c.Call(context.Background(), srv.URL, "action", []byte("<env/>"), "")
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestCallHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("<s:Fault>boom</s:Fault>"))
	}))
	defer srv.Close()

	c := NewSOAPClient(nil)
	_, err := c.Call(context.Background(), srv.URL, "action", []byte("<env/>"), "")
	require.Error(t, err)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusInternalServerError, httpErr.Status)
	assert.Contains(t, string(httpErr.Body), "boom")
}

func TestCallContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewSOAPClient(nil)
	_, err := c.Call(ctx, srv.URL, "action", []byte("<env/>"), "")
	assert.Error(t, err)
}
