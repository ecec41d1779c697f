package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"tradeguard/internal/breaker"
	"tradeguard/internal/config"
	"tradeguard/internal/metrics"
	"tradeguard/internal/quality"
)

// Server exposes the breaker engine and the quality monitor over HTTP.
type Server struct {
	cfg      config.APIConfig
	engine   *breaker.Engine
	monitor  *quality.Monitor
	metrics  *metrics.Recorder
	validate *validator.Validate
	logger   zerolog.Logger
	handler  http.Handler
}

// NewServer builds the router. monitor and rec may be nil.
func NewServer(cfg config.APIConfig, engine *breaker.Engine, monitor *quality.Monitor, rec *metrics.Recorder, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		engine:   engine,
		monitor:  monitor,
		metrics:  rec,
		validate: newValidator(),
		logger:   logger.With().Str("component", "api").Logger(),
	}
	s.handler = cors(cfg.AllowedOrigins)(s.routes())
	return s
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(recovery(s.logger), requestLogging(s.logger))

	router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.Use(requireTenant)

	v1.HandleFunc("/breakers", s.createBreaker).Methods(http.MethodPost)
	v1.HandleFunc("/breakers", s.listBreakers).Methods(http.MethodGet)
	v1.HandleFunc("/breakers/check", s.checkBreakers).Methods(http.MethodPost)
	v1.HandleFunc("/breakers/{id}", s.getBreaker).Methods(http.MethodGet)
	v1.HandleFunc("/breakers/{id}", s.updateBreaker).Methods(http.MethodPut)
	v1.HandleFunc("/breakers/{id}", s.deleteBreaker).Methods(http.MethodDelete)
	v1.HandleFunc("/breakers/{id}/trip", s.tripBreaker).Methods(http.MethodPost)
	v1.HandleFunc("/breakers/{id}/reset", s.resetBreaker).Methods(http.MethodPost)
	v1.HandleFunc("/breakers/{id}/half-open", s.halfOpenBreaker).Methods(http.MethodPost)

	v1.HandleFunc("/events", s.recordEvent).Methods(http.MethodPost)

	v1.HandleFunc("/quality/scores", s.assessQuality).Methods(http.MethodPost)
	v1.HandleFunc("/quality/history", s.qualityHistory).Methods(http.MethodGet)
	v1.HandleFunc("/quality/thresholds/{dataType}", s.getThreshold).Methods(http.MethodGet)
	v1.HandleFunc("/quality/thresholds/{dataType}", s.setThreshold).Methods(http.MethodPut)

	return router
}

// Handler returns the root handler, CORS included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	writeError(w, s.logger, err)
}
