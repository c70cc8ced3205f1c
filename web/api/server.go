// Package api exposes the submission pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"bounty-zk/pkg/approval"
	"bounty-zk/pkg/index"
	"bounty-zk/pkg/ledger"
	"bounty-zk/pkg/metrics"
	"bounty-zk/pkg/submission"
)

// Submitter runs submission attempts.
type Submitter interface {
	Submit(ctx context.Context, req submission.Request) (*submission.Result, error)
}

// Decider records company decisions.
type Decider interface {
	DecideBounty(ctx context.Context, company string, bountyID, n uint64, approve bool) (*approval.Decision, error)
	DecideUnsolicited(ctx context.Context, bugID uint64, approve bool, reward *big.Int) (*approval.Decision, error)
}

// CircuitInfo identifies the verifying key in use.
type CircuitInfo struct {
	ID     string `json:"circuitId"`
	VKHash string `json:"vkHash"`
}

// Options holds the server dependencies.
type Options struct {
	Submitter Submitter
	Decider   Decider
	Ledger    ledger.Reader
	Index     index.Index
	Circuit   CircuitInfo
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	// SubmitTimeout bounds a submission request up to its chain write.
	SubmitTimeout time.Duration
}

// Server serves the HTTP API.
type Server struct {
	opts Options
	log  *logrus.Entry
}

// NewServer creates a Server.
func NewServer(opts Options, log *logrus.Entry) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{opts: opts, log: log.WithField("component", "api")}
}

// Router creates the HTTP router with all endpoints.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api/v1").Subrouter()

	// Submission endpoints
	api.HandleFunc("/submit-bug", s.handleSubmitBug).Methods("POST")
	api.HandleFunc("/submit-unsolicited-bug", s.handleSubmitUnsolicited).Methods("POST")
	api.HandleFunc("/submissions/{company}/{commitment}", s.handleGetSubmission).Methods("GET")
	api.HandleFunc("/companies/{company}/unsolicited", s.handleListUnsolicited).Methods("GET")

	// Ledger reads
	api.HandleFunc("/bounties", s.handleListBounties).Methods("GET")
	api.HandleFunc("/unsolicited", s.handleListAllUnsolicited).Methods("GET")
	api.HandleFunc("/researchers/{address}/reputation", s.handleGetReputation).Methods("GET")
	api.HandleFunc("/bounties/{id:[0-9]+}", s.handleGetBounty).Methods("GET")
	api.HandleFunc("/bounties/{id:[0-9]+}/submissions", s.handleGetBountySubmissions).Methods("GET")

	// Company decisions
	api.HandleFunc("/bounties/{id:[0-9]+}/submissions/{index:[0-9]+}/{action:approve|reject}", s.handleDecideBounty).Methods("POST")
	api.HandleFunc("/unsolicited/{id:[0-9]+}/{action:approve|reject}", s.handleDecideUnsolicited).Methods("POST")

	api.HandleFunc("/circuit", s.handleCircuit).Methods("GET")

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods("GET")

	// Preflight requests must match a route for the middleware to run
	r.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	r.Use(s.metricsMiddleware)
	r.Use(s.corsMiddleware)

	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// metricsMiddleware tracks request duration by route template.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.opts.Metrics.HTTP(route, strconv.Itoa(rec.status), time.Since(start))
	})
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Error("failed to encode response")
	}
}

type errorBody struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	AttemptID string `json:"attemptId,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorBody{Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCircuit(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.opts.Circuit)
}
