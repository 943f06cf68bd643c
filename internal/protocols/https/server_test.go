package https

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"testing"

	"github.com/mountebank-testing/imposters/internal/models"
	httpproto "github.com/mountebank-testing/imposters/internal/protocols/http"
	"github.com/mountebank-testing/imposters/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResponder struct {
	response *models.Response
}

func (s staticResponder) GetResponseFor(context.Context, *models.Request) (*models.Response, error) {
	return s.response, nil
}

func insecureClient() *http.Client {
	return &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
	}}
}

func serve(t *testing.T, opts Options) string {
	t.Helper()
	logger := util.NewLoggerWithOutput("error", &bytes.Buffer{})
	listener, port, err := Listen("127.0.0.1", 0, opts)
	require.NoError(t, err)
	assert.NotZero(t, port)

	srv := httpproto.Start(listener, httpproto.NewHandler(staticResponder{&models.Response{Body: "secure"}}, logger, false), logger)
	t.Cleanup(func() { _ = srv.Close(context.Background()) })
	return "https://" + listener.Addr().String()
}

func TestSelfSignedListener(t *testing.T) {
	base := serve(t, Options{})

	resp, err := insecureClient().Get(base + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "secure", string(body))
	require.NotNil(t, resp.TLS)
	assert.Equal(t, "localhost", resp.TLS.PeerCertificates[0].Subject.CommonName)
}

func TestConfiguredCertificate(t *testing.T) {
	certPEM, keyPEM, err := SelfSignedPEM("imposter.test")
	require.NoError(t, err)

	base := serve(t, Options{Cert: string(certPEM), Key: string(keyPEM), MutualAuth: true})

	resp, err := insecureClient().Get(base + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "imposter.test", resp.TLS.PeerCertificates[0].Subject.CommonName)
}

func TestInvalidCertificate(t *testing.T) {
	_, _, err := Listen("127.0.0.1", 0, Options{Cert: "not a cert", Key: "not a key"})

	assert.Error(t, err)
}
