package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/loancore/pkg/allocation"
	"github.com/mcclellann/loancore/pkg/ledger"
	"github.com/mcclellann/loancore/pkg/models"
	"github.com/mcclellann/loancore/pkg/scheduler"
	"github.com/mcclellann/loancore/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const operatorHeader = "X-Operator"

// Server exposes the ledger and the scheduler over HTTP.
type Server struct {
	ledger    *ledger.Ledger
	scheduler *scheduler.Orchestrator
	storage   store.Storage
	gatherer  prometheus.Gatherer
	limiter   *requestLimiter
	logger    *slog.Logger
}

func NewServer(l *ledger.Ledger, orch *scheduler.Orchestrator, s store.Storage, gatherer prometheus.Gatherer, adminPerMinute, burst int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		ledger:    l,
		scheduler: orch,
		storage:   s,
		gatherer:  gatherer,
		limiter:   newRequestLimiter(adminPerMinute, burst),
		logger:    logger,
	}
}

func (s *Server) Routes() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/allocations", s.allocationHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/payments", s.recordPaymentHandler).Methods("POST")
	router.Handle("/loans/{id}/reprocess", s.limiter.wrap(http.HandlerFunc(s.reprocessHandler))).Methods("POST")
	router.HandleFunc("/runs", s.listRunsHandler).Methods("GET")
	router.HandleFunc("/runs/status", s.runStatusHandler).Methods("GET")
	router.Handle("/runs/tick", s.limiter.wrap(http.HandlerFunc(s.tickHandler))).Methods("POST")
	if s.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	return router
}

// requestLimiter throttles the operator endpoints. A nil limiter allows all.
type requestLimiter struct {
	limiter *rate.Limiter
}

func newRequestLimiter(perMinute, burst int) *requestLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = perMinute
	}
	limit := rate.Every(time.Minute / time.Duration(perMinute))
	return &requestLimiter{limiter: rate.NewLimiter(limit, burst)}
}

func (r *requestLimiter) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r != nil && !r.limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func operator(r *http.Request) string {
	if op := r.Header.Get(operatorHeader); op != "" {
		return op
	}
	return "anonymous"
}

func loanID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// parseDate accepts an empty string as "not given".
func parseDate(raw string) (civil.Date, error) {
	if raw == "" {
		return civil.Date{}, nil
	}
	return civil.ParseDate(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrLoanNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrVersionConflict), errors.Is(err, scheduler.ErrTickInProgress):
		status = http.StatusConflict
	case allocation.IsValidation(err), errors.Is(err, ledger.ErrLoanNotActive), errors.Is(err, ledger.ErrFutureDate):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "kind", ledger.KindOf(err), "error", err)
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := loanID(w, r)
	if !ok {
		return
	}
	loan, err := s.ledger.GetLoan(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

type amountRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	ValueDate string          `json:"value_date"`
}

func (s *Server) allocationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := loanID(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.ledger.TriggerRepayment(r.Context(), id, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := loanID(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	valueDate, err := parseDate(req.ValueDate)
	if err != nil {
		http.Error(w, "Invalid value_date", http.StatusBadRequest)
		return
	}
	pay, err := s.ledger.RecordPayment(r.Context(), id, req.Amount, valueDate, operator(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pay)
}

type reprocessResponse struct {
	LoanID            uuid.UUID                `json:"loan_id"`
	Date              civil.Date               `json:"date"`
	Changed           bool                     `json:"changed"`
	Version           int64                    `json:"version"`
	Interest          decimal.Decimal          `json:"interest"`
	Tax               decimal.Decimal          `json:"tax"`
	Penalty           decimal.Decimal          `json:"penalty"`
	DelinquencyStatus models.DelinquencyStatus `json:"delinquency_status,omitempty"`
}

func (s *Server) reprocessHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := loanID(w, r)
	if !ok {
		return
	}
	var req struct {
		Date string `json:"date"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	date, err := parseDate(req.Date)
	if err != nil {
		http.Error(w, "Invalid date", http.StatusBadRequest)
		return
	}
	if date.IsZero() {
		date = s.ledger.Today()
	}
	out, err := s.ledger.ForceReprocess(r.Context(), id, date, operator(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := reprocessResponse{
		LoanID:   out.LoanID,
		Date:     out.Date,
		Changed:  out.Changed,
		Version:  out.Version,
		Interest: out.Interest,
		Tax:      out.Tax,
		Penalty:  out.Penalty,
	}
	if out.Transition != nil {
		resp.DelinquencyStatus = out.Transition.To
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) runStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.GetRunStatus())
}

func (s *Server) listRunsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 30
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.storage.ListRuns(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*models.AccrualRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) tickHandler(w http.ResponseWriter, r *http.Request) {
	s.logger.InfoContext(r.Context(), "manual tick requested", "operator", operator(r))
	res, err := s.scheduler.Tick(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
