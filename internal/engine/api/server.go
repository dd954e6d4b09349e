// Package api exposes the engine's HTTP control surface: status queries,
// pause/resume/stop controls, prometheus metrics and monitor exports.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/ukleadgen/leadgen-backend/internal/engine"
	"github.com/ukleadgen/leadgen-backend/internal/engine/monitor"
	"github.com/ukleadgen/leadgen-backend/pkg/logging"
)

type Server struct {
	router *mux.Router
	cors   *cors.Cors
	srv    *http.Server
	logger logging.Logger
}

func NewServer(eng *engine.Engine, mon *monitor.Monitor, logger logging.Logger) *Server {
	router := mux.NewRouter()

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Accept", "Origin"},
		AllowCredentials: false,
	})

	s := &Server{
		router: router,
		cors:   corsHandler,
		logger: logger,
	}
	s.routes(newHandler(eng, mon, logger))
	return s
}

func (s *Server) routes(h *handler) {
	s.router.HandleFunc("/status", h.EngineStatus).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(mux.CORSMethodMiddleware(api))

	api.HandleFunc("/campaigns/{id}/status", h.CampaignStatus).Methods("GET")
	api.HandleFunc("/engine/pause", h.Pause).Methods("POST")
	api.HandleFunc("/engine/resume", h.Resume).Methods("POST")
	api.HandleFunc("/engine/stop", h.Stop).Methods("POST")
	api.HandleFunc("/monitor/export", h.MonitorExport).Methods("GET")
}

// Start serves until Shutdown is called. It blocks like
// http.Server.ListenAndServe and returns http.ErrServerClosed on a clean
// shutdown.
func (s *Server) Start(port string) error {
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%s", port),
		Handler:      s.cors.Handler(s.router),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Info("control API listening", "port", port)
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.cors.Handler(s.router)
}
