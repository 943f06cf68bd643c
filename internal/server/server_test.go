package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mountebank-testing/imposters/internal/config"
	"github.com/mountebank-testing/imposters/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*Server
	admin string
}

func newTestServer(t *testing.T, configure func(*config.Options)) *testServer {
	t.Helper()
	options := config.Defaults()
	options.Port = 0
	options.Host = "127.0.0.1"
	if configure != nil {
		configure(&options)
	}

	srv := New(&options, util.NewLoggerWithOutput("debug", &bytes.Buffer{}))
	admin := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		admin.Close()
		srv.Repository().StopAll(context.Background())
	})
	return &testServer{Server: srv, admin: admin.URL}
}

type apiResponse struct {
	status  int
	headers http.Header
	body    map[string]interface{}
	raw     string
}

func (ts *testServer) call(t *testing.T, method, path, body string) apiResponse {
	t.Helper()
	return do(t, method, ts.admin+path, body)
}

func do(t *testing.T, method, url, body string) apiResponse {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	result := apiResponse{status: resp.StatusCode, headers: resp.Header, raw: string(data)}
	_ = json.Unmarshal(data, &result.body)
	return result
}

// createImposter posts definition and returns the bound port
func (ts *testServer) createImposter(t *testing.T, definition string) int {
	t.Helper()
	resp := ts.call(t, "POST", "/imposters", definition)
	require.Equal(t, http.StatusCreated, resp.status, resp.raw)
	return int(resp.body["port"].(float64))
}

func imposterURL(port int, path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
}

func errorCodes(resp apiResponse) []string {
	var codes []string
	errs, _ := resp.body["errors"].([]interface{})
	for _, e := range errs {
		codes = append(codes, e.(map[string]interface{})["code"].(string))
	}
	return codes
}

func TestImposterLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.call(t, "POST", "/imposters", `{
		"protocol": "http",
		"host": "127.0.0.1",
		"stubs": [{"responses": [{"is": {"statusCode": 200, "headers": {"Content-Type": "application/json"}, "body": "{\"message\": \"hello\"}"}}]}]
	}`)
	require.Equal(t, http.StatusCreated, resp.status, resp.raw)
	port := int(resp.body["port"].(float64))
	assert.NotZero(t, port)
	assert.True(t, strings.HasSuffix(resp.headers.Get("Location"), fmt.Sprintf("/imposters/%d", port)))

	imposterResp := do(t, "GET", imposterURL(port, "/test"), "")
	assert.Equal(t, http.StatusOK, imposterResp.status)
	assert.Equal(t, "hello", imposterResp.body["message"])

	got := ts.call(t, "GET", fmt.Sprintf("/imposters/%d", port), "")
	assert.Equal(t, http.StatusOK, got.status)
	assert.Equal(t, float64(1), got.body["numberOfRequests"])

	list := ts.call(t, "GET", "/imposters", "")
	assert.Len(t, list.body["imposters"], 1)

	deleted := ts.call(t, "DELETE", fmt.Sprintf("/imposters/%d", port), "")
	assert.Equal(t, http.StatusOK, deleted.status)
	assert.Equal(t, float64(port), deleted.body["port"])

	missing := ts.call(t, "GET", fmt.Sprintf("/imposters/%d", port), "")
	assert.Equal(t, http.StatusNotFound, missing.status)
	assert.Equal(t, []string{string(util.MissingResourceError)}, errorCodes(missing))

	again := ts.call(t, "DELETE", fmt.Sprintf("/imposters/%d", port), "")
	assert.Equal(t, http.StatusOK, again.status)
	assert.Equal(t, "{}", strings.TrimSpace(again.raw))
}

func TestPredicatesAndBehaviorsOverTheWire(t *testing.T) {
	ts := newTestServer(t, nil)
	port := ts.createImposter(t, `{
		"protocol": "http",
		"host": "127.0.0.1",
		"stubs": [
			{
				"predicates": [{"equals": {"method": "GET", "path": "/greet"}}],
				"responses": [{
					"is": {"body": "Hello ${NAME}", "headers": {"X-Name": "${NAME}"}},
					"_behaviors": {"copy": [{"from": {"query": "name"}, "into": "${NAME}", "using": {"method": "regex", "selector": ".+"}}]}
				}]
			},
			{
				"predicates": [{"deepEquals": {"query": {"a": ["1", "2"]}}}],
				"responses": [{"is": {"statusCode": 202}}]
			}
		]
	}`)

	greeting := do(t, "GET", imposterURL(port, "/greet?name=Ann"), "")
	assert.Equal(t, "Hello Ann", greeting.raw)
	assert.Equal(t, "Ann", greeting.headers.Get("X-Name"))

	sets := do(t, "GET", imposterURL(port, "/any?a=2&a=1"), "")
	assert.Equal(t, http.StatusAccepted, sets.status)

	fallback := do(t, "POST", imposterURL(port, "/greet"), "")
	assert.Equal(t, http.StatusOK, fallback.status)
	assert.Equal(t, "", fallback.raw)
}

func TestCreateImposterValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name   string
		body   string
		status int
		code   util.ErrorCode
	}{
		{"malformed JSON", `{"protocol":`, http.StatusBadRequest, util.InvalidJSONError},
		{"missing protocol", `{"port": 0}`, http.StatusBadRequest, util.ProtocolError},
		{"unsupported protocol", `{"protocol": "smtp"}`, http.StatusBadRequest, util.ProtocolError},
		{"injection disabled", `{"protocol": "http", "stubs": [{"responses": [{"inject": "function () { return {}; }"}]}]}`, http.StatusBadRequest, util.InjectionError},
		{"two response kinds", `{"protocol": "http", "stubs": [{"responses": [{"is": {}, "proxy": {"to": "http://localhost"}}]}]}`, http.StatusBadRequest, util.ValidationError},
		{"bad behavior", `{"protocol": "http", "stubs": [{"responses": [{"is": {}, "_behaviors": {"wait": -1}}]}]}`, http.StatusBadRequest, util.ValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.call(t, "POST", "/imposters", tt.body)

			assert.Equal(t, tt.status, resp.status, resp.raw)
			require.NotEmpty(t, errorCodes(resp))
			assert.Equal(t, string(tt.code), errorCodes(resp)[0])
		})
	}
	assert.Empty(t, ts.Repository().GetAll())
}

func TestDuplicatePortConflicts(t *testing.T) {
	ts := newTestServer(t, nil)
	port := ts.createImposter(t, `{"protocol": "http", "host": "127.0.0.1"}`)

	resp := ts.call(t, "POST", "/imposters", fmt.Sprintf(`{"protocol": "http", "port": %d}`, port))

	assert.Equal(t, http.StatusConflict, resp.status)
	assert.Equal(t, []string{string(util.ResourceConflictError)}, errorCodes(resp))
}

func TestInjectionAllowed(t *testing.T) {
	ts := newTestServer(t, func(o *config.Options) { o.AllowInjection = true })
	port := ts.createImposter(t, `{
		"protocol": "http",
		"host": "127.0.0.1",
		"stubs": [{"responses": [{"inject": "function (config) { config.state.count = (config.state.count || 0) + 1; return { body: 'call ' + config.state.count }; }"}]}]
	}`)

	assert.Equal(t, "call 1", do(t, "GET", imposterURL(port, "/"), "").raw)
	assert.Equal(t, "call 2", do(t, "GET", imposterURL(port, "/"), "").raw)
}

func TestStubEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	port := ts.createImposter(t, `{
		"protocol": "http",
		"host": "127.0.0.1",
		"stubs": [{"predicates": [{"equals": {"path": "/a"}}], "responses": [{"is": {"body": "a"}}]}]
	}`)
	stubsPath := fmt.Sprintf("/imposters/%d/stubs", port)
	stubBodies := func() []string {
		resp := ts.call(t, "GET", fmt.Sprintf("/imposters/%d", port), "")
		var bodies []string
		for _, s := range resp.body["stubs"].([]interface{}) {
			response := s.(map[string]interface{})["responses"].([]interface{})[0].(map[string]interface{})
			bodies = append(bodies, response["is"].(map[string]interface{})["body"].(string))
		}
		return bodies
	}

	resp := ts.call(t, "POST", stubsPath, `{"stub": {"responses": [{"is": {"body": "first"}}]}, "index": 0}`)
	require.Equal(t, http.StatusOK, resp.status, resp.raw)
	assert.Equal(t, []string{"first", "a"}, stubBodies())
	assert.Equal(t, "first", do(t, "GET", imposterURL(port, "/a"), "").raw)

	resp = ts.call(t, "POST", stubsPath, `{"stub": {"responses": [{"is": {"body": "last"}}]}}`)
	require.Equal(t, http.StatusOK, resp.status, resp.raw)
	assert.Equal(t, []string{"first", "a", "last"}, stubBodies())

	resp = ts.call(t, "PUT", stubsPath+"/0", `{"predicates": [{"equals": {"path": "/b"}}], "responses": [{"is": {"body": "b"}}]}`)
	require.Equal(t, http.StatusOK, resp.status, resp.raw)
	assert.Equal(t, []string{"b", "a", "last"}, stubBodies())

	resp = ts.call(t, "DELETE", stubsPath+"/1", "")
	require.Equal(t, http.StatusOK, resp.status, resp.raw)
	assert.Equal(t, []string{"b", "last"}, stubBodies())

	resp = ts.call(t, "DELETE", stubsPath+"/5", "")
	assert.Equal(t, http.StatusNotFound, resp.status)

	resp = ts.call(t, "PUT", stubsPath, `{"stubs": [{"responses": [{"is": {"body": "only"}}]}]}`)
	require.Equal(t, http.StatusOK, resp.status, resp.raw)
	assert.Equal(t, []string{"only"}, stubBodies())

	resp = ts.call(t, "PUT", stubsPath, `{"stubs": [{"responses": [{"is": {}, "_behaviors": {"wait": "soon"}}]}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.status)
	assert.Equal(t, []string{"only"}, stubBodies())
}

func TestSavedRequests(t *testing.T) {
	ts := newTestServer(t, nil)
	port := ts.createImposter(t, `{"protocol": "http", "host": "127.0.0.1", "recordRequests": true}`)

	do(t, "POST", imposterURL(port, "/orders?id=7"), `{"qty": 1}`)

	got := ts.call(t, "GET", fmt.Sprintf("/imposters/%d", port), "")
	requests := got.body["requests"].([]interface{})
	require.Len(t, requests, 1)
	recorded := requests[0].(map[string]interface{})
	assert.Equal(t, "/orders", recorded["path"])
	assert.Equal(t, "7", recorded["query"].(map[string]interface{})["id"])

	replayable := ts.call(t, "GET", fmt.Sprintf("/imposters/%d?replayable=true", port), "")
	assert.NotContains(t, replayable.body, "requests")
	assert.NotContains(t, replayable.body, "numberOfRequests")

	reset := ts.call(t, "DELETE", fmt.Sprintf("/imposters/%d/savedRequests", port), "")
	assert.Equal(t, http.StatusOK, reset.status)
	assert.NotContains(t, reset.body, "requests")
	assert.Equal(t, float64(0), reset.body["numberOfRequests"])
}

func TestSavedProxyResponses(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("origin " + r.URL.Path))
	}))
	defer origin.Close()

	ts := newTestServer(t, nil)
	port := ts.createImposter(t, fmt.Sprintf(`{
		"protocol": "http",
		"host": "127.0.0.1",
		"stubs": [{"responses": [{"proxy": {"to": %q, "predicateGenerators": [{"matches": {"path": true}}]}}]}]
	}`, origin.URL))

	assert.Equal(t, "origin /x", do(t, "GET", imposterURL(port, "/x"), "").raw)

	got := ts.call(t, "GET", fmt.Sprintf("/imposters/%d", port), "")
	assert.Len(t, got.body["stubs"], 2)

	withoutProxies := ts.call(t, "GET", fmt.Sprintf("/imposters/%d?removeProxies=true", port), "")
	assert.Len(t, withoutProxies.body["stubs"], 1)

	cleared := ts.call(t, "DELETE", fmt.Sprintf("/imposters/%d/savedProxyResponses", port), "")
	assert.Equal(t, http.StatusOK, cleared.status)
	assert.Len(t, cleared.body["stubs"], 1)
}

func TestReplaceAllImposters(t *testing.T) {
	ts := newTestServer(t, nil)
	old := ts.createImposter(t, `{"protocol": "http", "host": "127.0.0.1"}`)

	invalid := ts.call(t, "PUT", "/imposters", `{"imposters": [{"protocol": "http"}, {"protocol": "ftp"}]}`)
	assert.Equal(t, http.StatusBadRequest, invalid.status)
	assert.True(t, ts.Repository().Exists(old))

	resp := ts.call(t, "PUT", "/imposters", `[{"protocol": "http", "host": "127.0.0.1", "name": "one"}, {"protocol": "http", "host": "127.0.0.1", "name": "two"}]`)
	require.Equal(t, http.StatusOK, resp.status, resp.raw)
	assert.Len(t, resp.body["imposters"], 2)
	assert.False(t, ts.Repository().Exists(old))

	deleted := ts.call(t, "DELETE", "/imposters", "")
	assert.Len(t, deleted.body["imposters"], 2)
	assert.Empty(t, ts.Repository().GetAll())
}

func TestHTTPSImposter(t *testing.T) {
	ts := newTestServer(t, nil)
	port := ts.createImposter(t, `{"protocol": "https", "host": "127.0.0.1", "stubs": [{"responses": [{"is": {"body": "secure"}}]}]}`)

	resp := ts.call(t, "GET", fmt.Sprintf("/imposters/%d", port), "")
	assert.Equal(t, "https", resp.body["protocol"])
}

func TestAdminEndpoints(t *testing.T) {
	ts := newTestServer(t, func(o *config.Options) { o.AllowInjection = true })
	port := ts.createImposter(t, `{"protocol": "http", "host": "127.0.0.1"}`)
	do(t, "GET", imposterURL(port, "/"), "")

	t.Run("home", func(t *testing.T) {
		resp := ts.call(t, "GET", "/", "")
		assert.Contains(t, resp.body["_links"], "imposters")
	})

	t.Run("config", func(t *testing.T) {
		resp := ts.call(t, "GET", "/config", "")
		assert.Equal(t, Version, resp.body["version"])
		assert.Equal(t, true, resp.body["options"].(map[string]interface{})["allowInjection"])
	})

	t.Run("logs", func(t *testing.T) {
		resp := ts.call(t, "GET", "/logs", "")
		logs := resp.body["logs"].([]interface{})
		require.NotEmpty(t, logs)

		var messages []string
		for _, entry := range logs {
			messages = append(messages, entry.(map[string]interface{})["message"].(string))
		}
		assert.Contains(t, messages, fmt.Sprintf("[http:%d] Open for business...", port))

		first := ts.call(t, "GET", "/logs?startIndex=0&endIndex=0", "")
		assert.Len(t, first.body["logs"], 1)
	})

	t.Run("metrics", func(t *testing.T) {
		resp := ts.call(t, "GET", "/metrics", "")
		assert.Equal(t, http.StatusOK, resp.status)
		assert.Contains(t, resp.raw, "mb_resolutions_total")
		assert.Contains(t, resp.raw, "go_goroutines")
	})
}

func TestAdminCORS(t *testing.T) {
	ts := newTestServer(t, func(o *config.Options) { o.AllowCORS = true })

	req, err := http.NewRequest("OPTIONS", ts.admin+"/imposters", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestIPWhitelist(t *testing.T) {
	blocked := newTestServer(t, func(o *config.Options) { o.IPWhitelist = "10.1.2.3" })
	assert.Equal(t, http.StatusForbidden, blocked.call(t, "GET", "/imposters", "").status)

	local := newTestServer(t, func(o *config.Options) { o.LocalOnly = true })
	assert.Equal(t, http.StatusOK, local.call(t, "GET", "/imposters", "").status)
}

func TestLoadImposters(t *testing.T) {
	t.Run("config file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "imposters.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
imposters:
  - protocol: http
    host: 127.0.0.1
    stubs:
      - responses:
          - is:
              body: from yaml
`), 0o644))
		ts := newTestServer(t, func(o *config.Options) { o.ConfigFile = path })

		require.NoError(t, ts.LoadImposters(context.Background()))

		imposters := ts.Repository().GetAll()
		require.Len(t, imposters, 1)
		assert.Equal(t, "from yaml", do(t, "GET", imposterURL(imposters[0].Port(), "/"), "").raw)
	})

	t.Run("invalid config file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "imposters.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"imposters": [{"protocol": "gopher"}]}`), 0o644))
		ts := newTestServer(t, func(o *config.Options) { o.ConfigFile = path })

		assert.Error(t, ts.LoadImposters(context.Background()))
	})

	t.Run("data directory", func(t *testing.T) {
		datadir := t.TempDir()
		first := newTestServer(t, func(o *config.Options) { o.Datadir = datadir })
		port := first.createImposter(t, `{"protocol": "http", "host": "127.0.0.1", "name": "kept"}`)
		first.call(t, "POST", fmt.Sprintf("/imposters/%d/stubs", port), `{"stub": {"responses": [{"is": {"body": "saved stub"}}]}}`)
		first.Repository().StopAll(context.Background())

		second := newTestServer(t, func(o *config.Options) { o.Datadir = datadir })
		require.NoError(t, second.LoadImposters(context.Background()))

		restored, err := second.Repository().Get(port)
		require.NoError(t, err)
		assert.Equal(t, "kept", restored.Config().Name)
		assert.Equal(t, "saved stub", do(t, "GET", imposterURL(port, "/"), "").raw)
	})
}
