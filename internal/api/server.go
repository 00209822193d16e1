// Package api exposes the read-only operations surface: health, metrics and
// status lookups for dashboards. Mutations go through the service facade
// invoked by request handlers and workers, never through this router.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/annolab/backend/internal/middleware"
	"github.com/annolab/backend/internal/store"
)

// Server serves the ops endpoints over a gorilla/mux router.
type Server struct {
	store  store.Store
	logger *log.Logger
}

func NewServer(st store.Store) *Server {
	return &Server{
		store:  st,
		logger: log.New(log.Writer(), "[OpsAPI] ", log.LstdFlags),
	}
}

// Router builds the ops router.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.NewRateLimiter(240).Middleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/ops/annotators/{id}", s.handleAnnotator).Methods("GET")
	r.HandleFunc("/ops/projects/{id}/billing", s.handleProjectBilling).Methods("GET")
	r.HandleFunc("/ops/tasks/{id}/consensus", s.handleTaskConsensus).Methods("GET")

	return r
}

// Start blocks serving the router on the given port.
func (s *Server) Start(port string) error {
	addr := ":" + port
	s.logger.Printf("ops API listening on %s", addr)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleAnnotator(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	a, err := s.store.GetAnnotator(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	warnings, err := s.store.ListWarningsByAnnotator(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{
		"id":                a.ID,
		"trust_level":       a.TrustLevel,
		"suspended":         a.Suspended,
		"tasks_completed":   a.TasksCompleted,
		"lifetime_accuracy": a.LifetimeAccuracy,
		"rolling_accuracy":  a.RollingAccuracy(),
		"probe_pass_rate":   a.ProbePassRate,
		"accuracy_ema":      a.AccuracyEMA,
		"balances": map[string]float64{
			"pending":         a.Balances.Pending.Float(),
			"available":       a.Balances.Available.Float(),
			"lifetime_earned": a.Balances.LifetimeEarned.Float(),
		},
		"warnings": len(warnings),
	})
}

func (s *Server) handleProjectBilling(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	b, err := s.store.GetBilling(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := map[string]any{
		"project_id":       b.ProjectID,
		"state":            b.State,
		"required_deposit": b.RequiredDeposit.Float(),
		"paid_deposit":     b.PaidDeposit.Float(),
		"consumed":         b.Consumed.Float(),
		"refunded":         b.Refunded.Float(),
		"actual_cost":      b.ActualCost.Float(),
		"refundable":       b.Refundable().Float(),
		"export_count":     b.ExportCount,
	}
	if deposit, err := s.store.GetDeposit(r.Context(), id); err == nil {
		resp["deposit_status"] = deposit.Status
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleTaskConsensus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c, err := s.store.GetConsensusByTask(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	pairs, err := s.store.ListPairwiseAgreements(r.Context(), c.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{
		"consensus_id":         c.ID,
		"task_id":              c.TaskID,
		"status":               c.Status,
		"current_annotations":  c.CurrentAnnotations,
		"required_annotations": c.RequiredAnnotations,
		"avg_agreement":        c.AvgAgreement,
		"min_agreement":        c.MinAgreement,
		"max_agreement":        c.MaxAgreement,
		"consolidation_method": c.Method,
		"pairwise_count":       len(pairs),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf("encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.logger.Printf("ops lookup failed: %v", err)
	http.Error(w, fmt.Sprintf("internal error: %v", err), http.StatusInternalServerError)
}
