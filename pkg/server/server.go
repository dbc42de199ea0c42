package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/perihelia/guildvault/pkg/database"
	"github.com/perihelia/guildvault/pkg/jobs"
	"github.com/perihelia/guildvault/pkg/scraper"
)

// Server is the GuildVault HTTP server. It owns the job managers and
// exposes the control plane plus the archive read surface over one mux.
type Server struct {
	config    Config
	registry  *database.Registry
	scrapes   *jobs.ScrapeManager
	downloads *jobs.DownloadManager
	transfers *jobs.TransferManager
	metrics   *Metrics
	log       *logrus.Logger
	startTime time.Time

	httpServer *http.Server
	listener   net.Listener
	shutdown   chan struct{}
	wg         sync.WaitGroup
}

// New creates a new server instance over an already-populated registry.
// The registry's stores should be connected before Start.
func New(config Config, registry *database.Registry, log *logrus.Logger) (*Server, error) {
	attachmentsDir, err := ExpandHome(config.AttachmentsDir)
	if err != nil {
		return nil, err
	}

	opts := scraper.Options{
		BatchSize:    config.ScrapeBatchSize,
		RequestDelay: time.Duration(config.RequestDelayMS) * time.Millisecond,
	}
	scrapes := jobs.NewScrapeManager(registry, config.Token, opts)
	downloads := jobs.NewDownloadManager(registry, attachmentsDir)
	transfers := jobs.NewTransferManager(registry)

	metrics := NewMetrics()
	scrapes.SetRecorder(metrics)
	downloads.SetRecorder(metrics)
	transfers.SetRecorder(metrics)

	if config.AutoDownload {
		scrapes.EnableAutoDownload(downloads)
	}

	return &Server{
		config:    config,
		registry:  registry,
		scrapes:   scrapes,
		downloads: downloads,
		transfers: transfers,
		metrics:   metrics,
		log:       log,
		startTime: time.Now(),
		shutdown:  make(chan struct{}),
	}, nil
}

// routes builds the request mux
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Control plane
	mux.HandleFunc("POST /scrape/start", s.handleScrapeStart)
	mux.HandleFunc("GET /scrape/status", s.handleScrapeStatus)
	mux.HandleFunc("POST /scrape/cancel", s.handleScrapeCancel)
	mux.HandleFunc("GET /scrape/history", s.handleScrapeHistory)
	mux.HandleFunc("GET /scrape/guilds/{id}/channels", s.handleScrapeGuildChannels)
	mux.HandleFunc("GET /scrape/analyze/{id}", s.handleScrapeAnalyze)
	mux.HandleFunc("POST /downloads/start", s.handleDownloadStart)
	mux.HandleFunc("GET /downloads/job", s.handleDownloadJob)
	mux.HandleFunc("POST /downloads/cancel", s.handleDownloadCancel)
	mux.HandleFunc("POST /transfer/start", s.handleTransferStart)
	mux.HandleFunc("GET /transfer/status", s.handleTransferStatus)
	mux.HandleFunc("POST /transfer/cancel", s.handleTransferCancel)
	mux.HandleFunc("GET /datasource", s.handleDatasourceGet)
	mux.HandleFunc("PUT /datasource", s.handleDatasourcePut)

	// Archive read surface
	mux.HandleFunc("GET /guilds", s.handleListGuilds)
	mux.HandleFunc("GET /guilds/{id}", s.handleGetGuild)
	mux.HandleFunc("GET /guilds/{id}/channels", s.handleGuildChannels)
	mux.HandleFunc("GET /guilds/{id}/gallery", s.handleGuildGallery)
	mux.HandleFunc("GET /guilds/{id}/stats", s.handleGuildStats)
	mux.HandleFunc("GET /channels/{id}/messages", s.handleChannelMessages)
	mux.HandleFunc("GET /users/{id}", s.handleGetUser)
	mux.HandleFunc("GET /search", s.handleSearch)

	// Operational
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws/jobs", s.handleJobsSocket)

	return s.withCORS(s.withLogging(mux))
}

// withCORS sets permissive CORS headers on every response and answers
// preflight requests before they reach the mux.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withLogging logs every request with its status and duration
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		duration := time.Since(start)

		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, rec.status, duration)
		}
		if s.log != nil {
			s.log.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": duration.String(),
				"remote":   r.RemoteAddr,
			}).Info("request")
		}
	})
}

// statusRecorder captures the response status for logging. It forwards
// Hijack so the websocket upgrade keeps working behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	addr := s.config.Addr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.httpServer = &http.Server{Handler: s.routes()}
	if s.log != nil {
		s.log.WithField("addr", addr).Info("HTTP server listening")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.log != nil {
				s.log.WithError(err).Error("HTTP server stopped")
			}
		}
	}()

	return nil
}

// Addr returns the bound listen address, useful when port 0 was requested.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr()
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the server. In-flight requests get a grace
// period, running jobs are cancelled and waited for, then all stores
// are closed.
func (s *Server) Stop() error {
	close(s.shutdown)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil && s.log != nil {
			s.log.WithError(err).Warn("HTTP shutdown did not finish cleanly")
		}
	}

	s.scrapes.Shutdown()
	s.downloads.Shutdown()
	s.transfers.Shutdown()

	// Wait for goroutines to finish
	s.wg.Wait()

	return s.registry.CloseAll()
}
