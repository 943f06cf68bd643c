package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mountebank-testing/imposters/internal/models"
	"github.com/mountebank-testing/imposters/internal/util"
	"github.com/rs/cors"
)

// Responder produces the response for a normalized request
type Responder interface {
	GetResponseFor(ctx context.Context, request *models.Request) (*models.Response, error)
}

// Server represents a running imposter listener
type Server struct {
	port     int
	server   *http.Server
	listener net.Listener
	logger   *util.Logger
}

// Listen binds host:port. Port 0 picks a free port; the bound port is
// returned alongside the listener.
func Listen(host string, port int) (net.Listener, int, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return nil, 0, util.NewResourceConflictError(fmt.Sprintf("port %d is already in use: %v", port, err))
	}
	return listener, listener.Addr().(*net.TCPAddr).Port, nil
}

// Start serves handler on listener until Close is called
func Start(listener net.Listener, handler http.Handler, logger *util.Logger) *Server {
	s := &Server{
		port:     listener.Addr().(*net.TCPAddr).Port,
		listener: listener,
		logger:   logger,
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("HTTP server error: %v", err)
		}
	}()
	logger.Infof("Open for business...")
	return s
}

// Port returns the port the server is listening on
func (s *Server) Port() int {
	return s.port
}

// Close stops accepting connections and waits for in-flight requests until
// ctx is done
func (s *Server) Close(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Errorf("Error closing HTTP server: %v", err)
		return s.server.Close()
	}
	return nil
}

// NewHandler adapts responder to net/http. With allowCORS, preflight requests
// are answered before reaching the stubs.
func NewHandler(responder Responder, logger *util.Logger, allowCORS bool) http.Handler {
	h := &handler{responder: responder, logger: logger}
	if !allowCORS {
		return h
	}
	return cors.New(cors.Options{
		AllowOriginFunc:  func(string) bool { return true },
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(h)
}

type handler struct {
	responder Responder
	logger    *util.Logger
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := uuid.NewString()
	h.logger.Infof("%s => %s %s", r.RemoteAddr, r.Method, r.URL.RequestURI())
	defer func() {
		h.logger.Debugf("request %s took %v", id, time.Since(start))
	}()

	request, err := ToRequest(r)
	if err != nil {
		h.logger.Errorf("Error reading request %s: %v", id, err)
		writeErrors(w, http.StatusBadRequest, util.NewValidationError(err.Error(), nil))
		return
	}

	response, err := h.responder.GetResponseFor(r.Context(), request)
	if err != nil {
		h.logger.Errorf("Error resolving request %s: %v", id, err)
		mbErr, ok := util.AsMountebankError(err)
		switch {
		case ok && mbErr.Code == util.InjectionError:
			writeErrors(w, http.StatusBadRequest, mbErr)
		case ok:
			writeErrors(w, http.StatusInternalServerError, mbErr)
		default:
			writeErrors(w, http.StatusInternalServerError, &util.MountebankError{Message: err.Error()})
		}
		return
	}

	h.logger.Debugf("%s <= %s", r.RemoteAddr, util.ToJSON(response))
	WriteResponse(w, response)
}

func writeErrors(w http.ResponseWriter, status int, errs ...*util.MountebankError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"errors": errs})
}

// ToRequest normalizes an HTTP request. Repeated query parameters and headers
// become lists.
func ToRequest(r *http.Request) (*models.Request, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	headers := make(map[string]interface{}, len(r.Header)+1)
	for key, values := range r.Header {
		headers[key] = fieldValue(values)
	}
	if r.Host != "" {
		headers["Host"] = r.Host
	}

	query := make(map[string]interface{})
	for key, values := range r.URL.Query() {
		query[key] = fieldValue(values)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}

	return &models.Request{
		Protocol:    "http",
		RequestFrom: r.RemoteAddr,
		IP:          ip,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		Method:      r.Method,
		Path:        r.URL.Path,
		Query:       query,
		Headers:     headers,
		Body:        string(body),
	}, nil
}

func fieldValue(values []string) interface{} {
	if len(values) == 1 {
		return values[0]
	}
	return values
}

// WriteResponse writes a post-processed response. Object bodies are written
// as JSON and binary bodies are decoded from base64.
func WriteResponse(w http.ResponseWriter, response *models.Response) {
	for key, value := range response.Headers {
		switch v := value.(type) {
		case []string:
			for _, item := range v {
				w.Header().Add(key, item)
			}
		case []interface{}:
			for _, item := range v {
				w.Header().Add(key, util.Stringify(item))
			}
		default:
			w.Header().Set(key, util.Stringify(v))
		}
	}

	body := bodyBytes(response)
	if w.Header().Get("Content-Length") != "" {
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
	}

	status := response.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func bodyBytes(response *models.Response) []byte {
	switch body := response.Body.(type) {
	case nil:
		return nil
	case string:
		if response.Mode == "binary" {
			decoded, err := base64.StdEncoding.DecodeString(body)
			if err == nil {
				return decoded
			}
		}
		return []byte(body)
	default:
		data, err := json.MarshalIndent(body, "", "    ")
		if err != nil {
			return []byte(util.Stringify(body))
		}
		return data
	}
}

// hasHeader reports whether headers holds name, ignoring case
func hasHeader(headers map[string]interface{}, name string) bool {
	for key := range headers {
		if strings.EqualFold(key, name) {
			return true
		}
	}
	return false
}
