// Package server exposes the scoring service over HTTP. Handlers only
// decode requests, call the service and encode results.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"biomarker-risk/internal/feed"
	"biomarker-risk/internal/metrics"
	"biomarker-risk/internal/scoring"
	"biomarker-risk/internal/storage"
)

// History is the subset of the prediction store used by the API.
type History interface {
	Save(rec storage.PredictionRecord) (storage.PredictionRecord, error)
	Get(id string) (storage.PredictionRecord, error)
	List(limit int) ([]storage.PredictionRecord, error)
}

// Config holds transport settings.
type Config struct {
	Port           int
	MaxUploadBytes int64
	RequestTimeout time.Duration
	CORSOrigins    []string
}

// Server is the HTTP front end of the scoring service.
type Server struct {
	svc     *scoring.Service
	history History
	feed    *feed.Hub
	metrics *metrics.MetricsWrapper
	cfg     Config
	router  *mux.Router
	server  *http.Server
}

// New wires routes. history, hub and mw are optional.
func New(svc *scoring.Service, history History, hub *feed.Hub, mw *metrics.MetricsWrapper, cfg Config) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	s := &Server{
		svc:     svc,
		history: history,
		feed:    hub,
		metrics: mw,
		cfg:     cfg,
		router:  mux.NewRouter(),
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET").Name("health")
	if hub != nil {
		s.router.Handle("/ws", hub).Methods("GET")
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.observe, s.timeout)
	api.HandleFunc("/model/predict-csv", s.handlePredictCSV).Methods("POST").Name("predict_csv")
	api.HandleFunc("/model/predict", s.handlePredict).Methods("POST").Name("predict")
	api.HandleFunc("/model/required-features", s.handleRequiredFeatures).Methods("GET").Name("required_features")
	api.HandleFunc("/model/sample-data", s.handleSampleData).Methods("GET").Name("sample_data")
	api.HandleFunc("/model/drift", s.handleDrift).Methods("GET").Name("drift")
	api.HandleFunc("/features/importance", s.handleImportance).Methods("GET").Name("importance")
	api.HandleFunc("/features/biomarkers", s.handleBiomarkers).Methods("GET").Name("biomarkers")
	api.HandleFunc("/features/categories", s.handleCategories).Methods("GET").Name("categories")
	api.HandleFunc("/predictions", s.handleListPredictions).Methods("GET").Name("list_predictions")
	api.HandleFunc("/predictions/{id}", s.handleGetPrediction).Methods("GET").Name("get_prediction")

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return s.cors(s.router)
}

// Start begins serving HTTP requests. It blocks until the server stops.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("Starting API server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) cors(next http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(s.cfg.CORSOrigins))
	for _, o := range s.cfg.CORSOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AllowOrigin reports whether a browser origin passes the CORS policy.
func (s *Server) AllowOrigin(origin string) bool {
	return OriginPolicy(s.cfg.CORSOrigins)(origin)
}

// OriginPolicy builds an origin check from an allow list. "*" admits any
// origin.
func OriginPolicy(origins []string) func(origin string) bool {
	return func(origin string) bool {
		for _, o := range origins {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

func (s *Server) timeout(next http.Handler) http.Handler {
	return http.TimeoutHandler(next, s.cfg.RequestTimeout, `{"error":"timeout","detail":"request timed out"}`)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if cur := mux.CurrentRoute(r); cur != nil && cur.GetName() != "" {
			route = cur.GetName()
		}
		if s.metrics != nil {
			s.metrics.RequestObserve(route, rec.status)
		}
		log.Debug().
			Str("route", route).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("API request")
	})
}
