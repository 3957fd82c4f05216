// Package dashboard serves worker status, journal statistics and
// Prometheus metrics over HTTP.
package dashboard

import (
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/eddiefleurent/scranton_condor/internal/models"
	"github.com/eddiefleurent/scranton_condor/internal/runner"
	"github.com/eddiefleurent/scranton_condor/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

//go:embed web/templates/*
var templateFS embed.FS

var dashboardTmpl = template.Must(template.New("dashboard.html").
	Funcs(template.FuncMap{"pct": func(f float64) float64 { return f * 100 }}).
	ParseFS(templateFS, "web/templates/dashboard.html"))

// StatusSource reports the live state of the strategy workers.
type StatusSource interface {
	Snapshot() []runner.WorkerStatus
}

type Server struct {
	router    *chi.Mux
	server    *http.Server
	journal   storage.Reader
	workers   StatusSource
	logger    *logrus.Entry
	port      int
	authToken string
	now       func() time.Time
}

type Config struct {
	Port      int
	AuthToken string
}

// StrategyStats is the journal summary of one strategy.
type StrategyStats struct {
	Strategy string `json:"strategy"`
	*storage.Statistics
}

// DashboardData feeds the HTML page.
type DashboardData struct {
	Workers    []runner.WorkerStatus
	Stats      []StrategyStats
	LastUpdate time.Time
}

// TradeView is one journal row as served by the API.
type TradeView struct {
	Date           time.Time `json:"date"`
	Symbol         string    `json:"symbol"`
	Expiry         string    `json:"expiry"`
	EntryPrice     string    `json:"entry_price"`
	ExitPrice      string    `json:"exit_price"`
	PnL            string    `json:"pnl"`
	Result         string    `json:"result"`
	ShortCall      string    `json:"short_call,omitempty"`
	LongCall       string    `json:"long_call,omitempty"`
	ShortPut       string    `json:"short_put,omitempty"`
	LongPut        string    `json:"long_put,omitempty"`
	ReferencePrice string    `json:"reference_price"`
}

func NewServer(cfg Config, journal storage.Reader, workers StatusSource, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		router:    chi.NewRouter(),
		journal:   journal,
		workers:   workers,
		logger:    logger.WithField("component", "dashboard"),
		port:      cfg.Port,
		authToken: cfg.AuthToken,
		now:       time.Now,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/", s.handleDashboard)
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/workers", s.handleGetWorkers)
	s.router.Get("/api/stats", s.handleGetStats)
	s.router.Get("/api/trades/{strategy}", s.handleGetTrades)
	s.router.Handle("/metrics", promhttp.Handler())
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("HTTP request")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				token = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on port %d", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := s.calculateStatistics(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to calculate statistics")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	data := DashboardData{
		Workers:    s.snapshot(),
		Stats:      stats,
		LastUpdate: s.now(),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(w, data); err != nil {
		s.logger.WithError(err).Error("Failed to execute dashboard template")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.now().Unix(),
	})
}

func (s *Server) handleGetWorkers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.snapshot())
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.calculateStatistics(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to calculate statistics")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, stats)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	strategy := chi.URLParam(r, "strategy")
	if s.journal == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	records, err := s.journal.Records(r.Context(), strategy)
	if errors.Is(err, storage.ErrUnknownStrategy) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.WithError(err).WithField("strategy", strategy).Error("Failed to read journal")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	views := make([]TradeView, 0, len(records))
	for _, rec := range records {
		views = append(views, convertRecord(rec))
	}
	s.writeJSON(w, views)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) snapshot() []runner.WorkerStatus {
	if s.workers == nil {
		return []runner.WorkerStatus{}
	}
	return s.workers.Snapshot()
}

func (s *Server) calculateStatistics(ctx context.Context) ([]StrategyStats, error) {
	out := []StrategyStats{}
	if s.journal == nil {
		return out, nil
	}
	strategies, err := s.journal.Strategies(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range strategies {
		records, err := s.journal.Records(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, StrategyStats{Strategy: name, Statistics: storage.ComputeStatistics(records)})
	}
	return out, nil
}

func convertRecord(rec models.TradeRecord) TradeView {
	v := TradeView{
		Date:           rec.Timestamp,
		Symbol:         rec.Symbol,
		Expiry:         rec.Expiry,
		EntryPrice:     models.FormatNullable(rec.EntryPrice),
		ExitPrice:      models.FormatNullable(rec.ExitPrice),
		ReferencePrice: models.FormatNullable(rec.ReferencePrice),
		PnL:            rec.PnL.StringFixed(2),
		Result:         string(rec.Outcome),
	}
	if rec.Legs != nil {
		v.ShortCall = rec.Legs.ShortCall.String()
		v.LongCall = rec.Legs.LongCall.String()
		v.ShortPut = rec.Legs.ShortPut.String()
		v.LongPut = rec.Legs.LongPut.String()
	}
	return v
}
