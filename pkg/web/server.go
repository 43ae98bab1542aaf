// Package web serves the console's JSON API, its message stream and the
// static admin UI.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/denwilliams/go-stomp-console/pkg/config"
)

type Server struct {
	config    *config.Config
	console   Console
	logger    *logrus.Entry
	version   string
	startedAt time.Time
	mux       *http.ServeMux
	server    *http.Server
}

func NewServer(cfg *config.Config, c Console, version string, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.WithField("pkg", "web")
	}

	s := &Server{
		config:    cfg,
		console:   c,
		logger:    logger,
		version:   version,
		startedAt: time.Now(),
		mux:       http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) Start() error {
	address := s.config.GetAddress()
	s.logger.Infof("Starting web server on %s", address)

	s.server = &http.Server{
		Addr:              address,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		s.logger.Info("Shutting down web server...")
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) setupRoutes() {
	// Connection
	s.mux.HandleFunc("/api/status", s.handleAPIStatus)
	s.mux.HandleFunc("/api/connect", s.handleAPIConnect)
	s.mux.HandleFunc("/api/disconnect", s.handleAPIDisconnect)
	s.mux.HandleFunc("/api/system/info", s.handleAPISystemInfo)

	// Subscriptions and publishing
	s.mux.HandleFunc("/api/subscriptions", s.handleAPISubscriptions)
	s.mux.HandleFunc("/api/subscriptions/", s.handleAPISubscriptionByID)
	s.mux.HandleFunc("/api/publish", s.handleAPIPublish)

	// Received messages
	s.mux.HandleFunc("/api/messages", s.handleAPIMessages)
	s.mux.HandleFunc("/api/destinations", s.handleAPIDestinations)
	s.mux.HandleFunc("/api/history", s.handleAPIHistory)
	s.mux.HandleFunc("/api/stream", s.handleStream)

	// Scripts
	s.mux.HandleFunc("/api/scripts", s.handleAPIScripts)

	s.mux.Handle("/metrics", promhttp.Handler())

	// Static files with SPA fallback
	s.mux.HandleFunc("/", s.handleStaticFiles)

	s.logger.Debug("Web server routes configured")
}
