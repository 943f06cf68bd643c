package http

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mountebank-testing/imposters/internal/models"
	"github.com/mountebank-testing/imposters/internal/util"
)

// Proxy forwards requests to the origin named by a proxy response
type Proxy struct {
	timeout time.Duration
	logger  *util.Logger
	client  *http.Client
}

// NewProxy creates a proxy. A zero timeout waits for the origin as long as
// the request context allows.
func NewProxy(timeout time.Duration, logger *util.Logger) *Proxy {
	return &Proxy{
		timeout: timeout,
		logger:  logger,
		client:  newClient(nil),
	}
}

func newClient(certificates []tls.Certificate) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:              http.ProxyFromEnvironment,
			DisableCompression: true,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true, //nolint:gosec
				Certificates:       certificates,
			},
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// To sends request to the origin at to and returns its response
func (p *Proxy) To(ctx context.Context, to string, request *models.Request, options *models.ProxyConfig) (*models.Response, error) {
	target, err := targetURL(to, request)
	if err != nil {
		return nil, util.NewInvalidProxyError(fmt.Sprintf("Unable to connect to %s", to), to)
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, request.Method, target.String(), strings.NewReader(request.Body))
	if err != nil {
		return nil, util.NewInvalidProxyError(fmt.Sprintf("Unable to connect to %s", to), to)
	}
	for key, value := range request.Headers {
		if strings.EqualFold(key, "Host") || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for _, item := range util.StringValues(value) {
			req.Header.Add(key, item)
		}
	}
	req.Host = target.Host

	client := p.client
	if options != nil && options.Cert != "" && options.Key != "" {
		certificate, err := tls.X509KeyPair([]byte(options.Cert), []byte(options.Key))
		if err != nil {
			return nil, util.NewInvalidProxyError(fmt.Sprintf("invalid client certificate: %v", err), to)
		}
		client = newClient([]tls.Certificate{certificate})
	}

	p.logger.Debugf("Proxy %s %s => %s", request.Method, request.Path, target)
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		p.logger.Errorf("Cannot resolve %s: %v", to, err)
		mbErr := util.NewInvalidProxyError(fmt.Sprintf("Cannot resolve %s", to), to)
		mbErr.Data = err.Error()
		return nil, mbErr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, util.NewInvalidProxyError(fmt.Sprintf("error reading response from %s: %v", to, err), to)
	}
	elapsed := time.Since(start)

	headers := make(map[string]interface{}, len(resp.Header))
	for key, values := range resp.Header {
		headers[key] = fieldValue(values)
	}

	response := &models.Response{
		StatusCode:        resp.StatusCode,
		Headers:           headers,
		ProxyResponseTime: int(elapsed.Milliseconds()),
	}
	if isBinary(resp.Header) {
		response.Body = base64.StdEncoding.EncodeToString(body)
		response.Mode = "binary"
	} else {
		response.Body = string(body)
	}
	return response, nil
}

func targetURL(to string, request *models.Request) (*url.URL, error) {
	base, err := url.Parse(to)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid proxy target %q", to)
	}

	query := url.Values{}
	for key, value := range request.Query {
		for _, item := range util.StringValues(value) {
			query.Add(key, item)
		}
	}

	target := *base
	target.Path = strings.TrimSuffix(base.Path, "/") + request.Path
	target.RawQuery = query.Encode()
	return &target, nil
}

var textualTypes = []string{
	"text/", "application/json", "application/xml", "application/javascript",
	"application/x-www-form-urlencoded", "+json", "+xml",
}

// isBinary reports whether a body with these headers must be kept as bytes
func isBinary(headers http.Header) bool {
	if encoding := headers.Get("Content-Encoding"); encoding != "" && encoding != "identity" {
		return true
	}
	contentType := strings.ToLower(headers.Get("Content-Type"))
	if contentType == "" {
		return false
	}
	for _, textual := range textualTypes {
		if strings.Contains(contentType, textual) {
			return false
		}
	}
	return true
}
