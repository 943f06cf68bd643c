package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/mountebank-testing/imposters/internal/config"
	"github.com/mountebank-testing/imposters/internal/controllers"
	"github.com/mountebank-testing/imposters/internal/metrics"
	"github.com/mountebank-testing/imposters/internal/models"
	httpproto "github.com/mountebank-testing/imposters/internal/protocols/http"
	httpsproto "github.com/mountebank-testing/imposters/internal/protocols/https"
	"github.com/mountebank-testing/imposters/internal/scripting"
	"github.com/mountebank-testing/imposters/internal/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/cors"
)

// Version is reported by GET /config
const Version = "2.9.1-go"

// Server represents the mountebank admin server
type Server struct {
	options    *config.Options
	httpServer *http.Server
	logger     *util.Logger
	repository *models.ImposterRepository
	scripts    *scripting.Engine
	metrics    *metrics.Metrics
	registry   *prometheus.Registry
	handler    http.Handler
	verifier   *util.IPVerifier
	startedAt  time.Time
}

// New creates a new mountebank server. A nil logger logs to stdout at
// options.LogLevel.
func New(options *config.Options, logger *util.Logger) *Server {
	if logger == nil {
		logger = util.NewLogger(options.LogLevel)
	}

	var dataStore models.DataStore = models.NoOpDataStore{}
	if options.Datadir != "" {
		dataStore = models.NewFileSystemDataStore(options.Datadir, logger)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Server{
		options:    options,
		logger:     logger,
		repository: models.NewImposterRepository(logger, dataStore),
		scripts:    scripting.NewEngine(options.AllowInjection),
		metrics:    metrics.NewMetrics(registry),
		registry:   registry,
		verifier:   util.NewIPVerifier(options.Whitelist()),
		startedAt:  time.Now(),
	}
	s.handler = s.createRouter()
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) createRouter() http.Handler {
	router := mux.NewRouter()
	router.Use(s.allowListed)

	impostersController := controllers.NewImpostersController(s.repository, s, s.scripts, s.logger)
	imposterController := controllers.NewImposterController(s.repository, s.scripts, s.logger)
	logsController := controllers.NewLogsController(s.logger)

	router.HandleFunc("/", s.handleHome).Methods("GET")
	router.HandleFunc("/imposters", impostersController.Get).Methods("GET")
	router.HandleFunc("/imposters", impostersController.Post).Methods("POST")
	router.HandleFunc("/imposters", impostersController.Delete).Methods("DELETE")
	router.HandleFunc("/imposters", impostersController.Put).Methods("PUT")

	router.HandleFunc("/imposters/{id}", imposterController.Get).Methods("GET")
	router.HandleFunc("/imposters/{id}", imposterController.Delete).Methods("DELETE")
	router.HandleFunc("/imposters/{id}/stubs", imposterController.PutStubs).Methods("PUT")
	router.HandleFunc("/imposters/{id}/stubs", imposterController.PostStub).Methods("POST")
	router.HandleFunc("/imposters/{id}/stubs/{stubIndex}", imposterController.PutStub).Methods("PUT")
	router.HandleFunc("/imposters/{id}/stubs/{stubIndex}", imposterController.DeleteStub).Methods("DELETE")
	router.HandleFunc("/imposters/{id}/savedRequests", imposterController.ResetRequests).Methods("DELETE")
	router.HandleFunc("/imposters/{id}/savedProxyResponses", imposterController.DeleteSavedProxyResponses).Methods("DELETE")

	router.HandleFunc("/logs", logsController.Get).Methods("GET")
	router.Handle("/metrics", metrics.Handler(s.registry)).Methods("GET")
	router.HandleFunc("/config", s.handleConfig).Methods("GET")

	if !s.options.AllowCORS {
		return router
	}
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(router)
}

// allowListed rejects admin requests from addresses outside the whitelist
func (s *Server) allowListed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.verifier.IsAllowed(r.RemoteAddr) {
			s.logger.Warnf("Blocking request from %s", r.RemoteAddr)
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the admin API handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	link := func(href string) map[string]string { return map[string]string{"href": href} }
	writeJSON(w, map[string]interface{}{
		"_links": map[string]interface{}{
			"imposters": link("/imposters"),
			"config":    link("/config"),
			"logs":      link("/logs"),
			"metrics":   link("/metrics"),
		},
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cwd, _ := os.Getwd()
	writeJSON(w, map[string]interface{}{
		"version": Version,
		"options": map[string]interface{}{
			"port":           s.options.Port,
			"host":           s.options.Host,
			"loglevel":       s.options.LogLevel,
			"allowInjection": s.options.AllowInjection,
			"allowCORS":      s.options.AllowCORS,
			"configfile":     s.options.ConfigFile,
			"datadir":        s.options.Datadir,
			"pidfile":        s.options.PidFile,
			"recordMatches":  s.options.RecordMatches,
			"proxyTimeout":   s.options.ProxyTimeout.String(),
			"ipWhitelist":    s.options.Whitelist(),
		},
		"process": map[string]interface{}{
			"goVersion":    runtime.Version(),
			"architecture": runtime.GOARCH,
			"platform":     runtime.GOOS,
			"pid":          os.Getpid(),
			"uptime":       time.Since(s.startedAt).Seconds(),
			"cwd":          cwd,
		},
	})
}

// Start loads the saved and configured imposters, then serves the admin API
// until Stop is called
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", net.JoinHostPort(s.options.Host, fmt.Sprint(s.options.Port)))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.options.Port, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Start on an existing listener
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if err := s.LoadImposters(ctx); err != nil {
		_ = listener.Close()
		return err
	}

	s.logger.Infof("mountebank now taking orders - point your browser to http://%s/ for help", listener.Addr())
	if s.options.AllowInjection {
		s.logger.Warnf("Running with --allowInjection set. Injected JavaScript runs with the privileges of this process")
	}

	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// LoadImposters creates the imposters kept in the data directory, then the
// ones in the config file. Any invalid config file imposter is an error;
// data directory entries that fail are logged and skipped.
func (s *Server) LoadImposters(ctx context.Context) error {
	stored, err := s.repository.LoadAll()
	if err != nil {
		s.logger.Errorf("Failed to load saved imposters: %v", err)
	}
	for _, imposterConfig := range stored {
		if _, err := s.CreateImposter(ctx, imposterConfig); err != nil {
			s.logger.Errorf("Failed to restore imposter on port %d: %v", imposterConfig.Port, err)
		}
	}

	if s.options.ConfigFile == "" {
		return nil
	}
	raws, err := config.LoadImposters(s.options.ConfigFile)
	if err != nil {
		return err
	}
	for _, raw := range raws {
		imposterConfig, errs := models.ValidateImposterConfig(ctx, raw, s.scripts, s.logger)
		if len(errs) > 0 {
			return fmt.Errorf("invalid imposter in %s: %w", s.options.ConfigFile, errs[0])
		}
		if s.repository.Exists(imposterConfig.Port) {
			s.logger.Warnf("Skipping imposter on port %d from %s: already restored", imposterConfig.Port, s.options.ConfigFile)
			continue
		}
		if _, err := s.CreateImposter(ctx, imposterConfig); err != nil {
			return err
		}
	}
	s.logger.Infof("Loaded %d imposters from %s", len(raws), s.options.ConfigFile)
	return nil
}

// Stop stops every imposter and shuts the admin API down
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	s.repository.StopAll(ctx)
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}

	s.logger.Info("Adios - see you soon?")
	return nil
}

// Repository returns the imposter repository
func (s *Server) Repository() *models.ImposterRepository {
	return s.repository
}

// CreateImposter opens the listener for config, builds the imposter on it
// and registers it. Port 0 binds a free port and writes it back to config.
func (s *Server) CreateImposter(ctx context.Context, imposterConfig *models.ImposterConfig) (*models.Imposter, error) {
	if imposterConfig.Port != 0 && s.repository.Exists(imposterConfig.Port) {
		return nil, util.NewResourceConflictError(fmt.Sprintf("port %d is already in use", imposterConfig.Port))
	}

	var (
		listener net.Listener
		port     int
		err      error
	)
	switch imposterConfig.Protocol {
	case "http":
		listener, port, err = httpproto.Listen(imposterConfig.Host, imposterConfig.Port)
	case "https":
		listener, port, err = httpsproto.Listen(imposterConfig.Host, imposterConfig.Port, httpsproto.Options{
			Cert:       imposterConfig.Cert,
			Key:        imposterConfig.Key,
			MutualAuth: imposterConfig.MutualAuth,
		})
	default:
		return nil, util.NewProtocolError(fmt.Sprintf("the %s protocol is not yet supported", imposterConfig.Protocol), imposterConfig.Protocol)
	}
	if err != nil {
		return nil, err
	}
	imposterConfig.Port = port

	imposter := models.NewImposter(models.ImposterOptions{
		Config:        imposterConfig,
		Logger:        s.logger,
		Scripts:       s.scripts,
		Metrics:       s.metrics,
		Proxy:         httpproto.NewProxy(s.options.ProxyTimeout, s.logger),
		PostProcess:   httpproto.NewPostProcessor(imposterConfig.DefaultResponse),
		RecordMatches: s.options.RecordMatches,
	})
	listenerServer := httpproto.Start(listener, httpproto.NewHandler(imposter, imposter.Logger(), imposterConfig.AllowCORS), imposter.Logger())
	imposter.SetCloser(listenerServer.Close)

	if err := s.repository.Add(imposter); err != nil {
		_ = imposter.Stop(ctx)
		return nil, err
	}
	return imposter, nil
}
