// Package server implements the HTTP command surface for chatcored.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/aschepis/backscratcher/chatcore/chat"
	"github.com/aschepis/backscratcher/chatcore/events"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Version is reported by /v1/info.
var Version = "dev"

// Server is the HTTP server for chatcored.
type Server struct {
	router  chi.Router
	http    *http.Server
	chat    *chat.Service
	bus     *events.Bus
	gather  prometheus.Gatherer
	logger  zerolog.Logger
	started time.Time

	// open event streams
	streams atomic.Int64
}

// Config holds server configuration options.
type Config struct {
	Logger zerolog.Logger
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// New creates a server. Events for a request are read from bus, so it must
// be the publisher the service's orchestrator writes to.
func New(cfg Config, svc *chat.Service, bus *events.Bus) *Server {
	s := &Server{
		chat:    svc,
		bus:     bus,
		gather:  cfg.Gatherer,
		logger:  cfg.Logger.With().Str("component", "http-server").Logger(),
		started: time.Now(),
	}
	s.routes()
	s.http = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.gather != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/info", s.handleInfo)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Post("/", s.handleCreateSession)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Post("/messages", s.handleChatTurn)
				r.Post("/messages/{messageID}/regenerate", s.handleRegenerate)
				r.Post("/messages/{messageID}/continue", s.handleContinue)
			})
		})

		r.Route("/requests/{requestID}", func(r chi.Router) {
			r.Get("/events", s.handleEvents)
			r.Post("/abort", s.handleAbort)
		})

		r.Get("/credentials/{credentialID}/models", s.handleListModels)
		r.Post("/credentials/verify", s.handleVerify)

		r.Route("/usage", func(r chi.Router) {
			r.Get("/stats", s.handleUsageStats)
			r.Get("/records", s.handleUsageRecords)
			r.Get("/export", s.handleUsageExport)
			r.Delete("/", s.handleUsageClear)
		})
	})

	s.router = r
}

// ServeHTTP makes Server satisfy the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Serve starts the HTTP server on the given listener.
func (s *Server) Serve(listener net.Listener) error {
	s.started = time.Now()
	s.logger.Info().Str("address", listener.Addr().String()).Msg("Starting HTTP server")
	err := s.http.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ServeTCP starts the server on a TCP address.
func (s *Server) ServeTCP(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Shutdown stops accepting requests and waits for active ones until ctx
// expires. Open event streams end when their request finishes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Int64("streams", s.streams.Load()).Msg("Gracefully stopping HTTP server")
	return s.http.Shutdown(ctx)
}

// logRequests logs every request once it completes.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		ev := s.logger.Debug()
		if status >= http.StatusInternalServerError {
			ev = s.logger.Error()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("reqID", middleware.GetReqID(r.Context())).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("Request completed")
	})
}
