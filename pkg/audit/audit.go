// Package audit emits the structured events operations rely on for
// postmortems: run summaries, loan failures, delinquency transitions and
// operator actions.
package audit

import (
	"context"
	"log/slog"
	"sync"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/mcclellann/loancore/pkg/models"
)

// Transition is a delinquency status change of one loan.
type Transition struct {
	LoanID uuid.UUID
	Date   civil.Date
	From   models.DelinquencyStatus
	To     models.DelinquencyStatus
}

// Action is an operator-initiated change. Actor is supplied by the caller of
// the operation, never read from ambient state.
type Action struct {
	Name   string
	Actor  string
	LoanID uuid.UUID
	Date   civil.Date
	Detail string
	Err    error
}

type Sink interface {
	RunSummary(ctx context.Context, run models.AccrualRun)
	LoanFailure(ctx context.Context, f models.LoanFailure)
	Transition(ctx context.Context, t Transition)
	Action(ctx context.Context, a Action)
}

// LogSink writes events to a slog logger under the "audit" group.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "audit")}
}

func (s *LogSink) RunSummary(ctx context.Context, run models.AccrualRun) {
	level := slog.LevelInfo
	if run.Status != models.RunStatusCompleted {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "accrual run summary",
		slog.String("run_id", run.ID.String()),
		slog.String("run_date", run.RunDate.String()),
		slog.Int("attempt", run.Attempt),
		slog.String("status", string(run.Status)),
		slog.Int("loans_processed", run.LoansProcessed),
		slog.Int("loans_failed", run.LoansFailed),
		slog.Int("loans_skipped", run.LoansSkipped),
		slog.String("error", run.Error),
	)
}

func (s *LogSink) LoanFailure(ctx context.Context, f models.LoanFailure) {
	s.logger.ErrorContext(ctx, "loan processing failed",
		"loan_id", f.LoanID, "run_date", f.RunDate.String(), "kind", f.Kind, "attempts", f.Attempts, "error", f.Message)
}

func (s *LogSink) Transition(ctx context.Context, t Transition) {
	s.logger.InfoContext(ctx, "delinquency transition",
		"loan_id", t.LoanID, "run_date", t.Date.String(), "from", t.From, "to", t.To)
}

func (s *LogSink) Action(ctx context.Context, a Action) {
	attrs := []any{"action", a.Name, "actor", a.Actor, "loan_id", a.LoanID}
	if !a.Date.IsZero() {
		attrs = append(attrs, "date", a.Date.String())
	}
	if a.Detail != "" {
		attrs = append(attrs, "detail", a.Detail)
	}
	if a.Err != nil {
		s.logger.WarnContext(ctx, "operator action failed", append(attrs, "error", a.Err)...)
		return
	}
	s.logger.InfoContext(ctx, "operator action", attrs...)
}

// Memory keeps events in memory. Tests use it to assert on emitted events.
type Memory struct {
	mu          sync.Mutex
	Runs        []models.AccrualRun
	Failures    []models.LoanFailure
	Transitions []Transition
	Actions     []Action
}

func (m *Memory) RunSummary(_ context.Context, run models.AccrualRun) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Runs = append(m.Runs, run)
}

func (m *Memory) LoanFailure(_ context.Context, f models.LoanFailure) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Failures = append(m.Failures, f)
}

func (m *Memory) Transition(_ context.Context, t Transition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Transitions = append(m.Transitions, t)
}

func (m *Memory) Action(_ context.Context, a Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Actions = append(m.Actions, a)
}

// FailuresFor returns the recorded failures of one loan.
func (m *Memory) FailuresFor(loanID uuid.UUID) []models.LoanFailure {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LoanFailure
	for _, f := range m.Failures {
		if f.LoanID == loanID {
			out = append(out, f)
		}
	}
	return out
}
