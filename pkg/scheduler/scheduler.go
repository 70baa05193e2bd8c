// Package scheduler drives the daily accrual batch: it works out which
// calendar days are pending, runs each day over the active loans with bounded
// parallelism and advances the global watermark through clean days only.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/mcclellann/loancore/pkg/audit"
	"github.com/mcclellann/loancore/pkg/calendar"
	"github.com/mcclellann/loancore/pkg/health"
	"github.com/mcclellann/loancore/pkg/ledger"
	"github.com/mcclellann/loancore/pkg/metrics"
	"github.com/mcclellann/loancore/pkg/models"
	"github.com/mcclellann/loancore/pkg/store"
	"golang.org/x/sync/errgroup"
)

var ErrTickInProgress = errors.New("scheduler: tick already in progress")

// Engine processes single loans. *ledger.Ledger implements it.
type Engine interface {
	ProcessLoanDay(ctx context.Context, loan *models.Loan, date civil.Date) (ledger.Outcome, error)
	MarkForReview(ctx context.Context, loanID uuid.UUID, reason string) error
	Product(id string) (models.LoanProduct, error)
}

// TimeOfDay is the local wall-clock time the daily tick fires at.
type TimeOfDay struct {
	Hour   int
	Minute int
}

type Config struct {
	Workers int
	// MaxRetryTicks is how many failed attempts a transiently failing loan gets
	// before it is flagged for review. Zero retries forever.
	MaxRetryTicks int
	// StartDate is the first day processed when no watermark exists yet.
	StartDate  civil.Date
	RunAt      TimeOfDay
	RunOnStart bool
	Location   *time.Location
	Calendar   calendar.Calendar
}

// Orchestrator runs ticks. Only one tick runs at a time.
type Orchestrator struct {
	storage store.Storage
	engine  Engine
	cfg     Config
	health  *health.Tracker
	audit   audit.Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu sync.Mutex
}

type Option func(*Orchestrator)

func WithHealth(t *health.Tracker) Option {
	return func(o *Orchestrator) { o.health = t }
}

func WithAudit(s audit.Sink) Option {
	return func(o *Orchestrator) { o.audit = s }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.now = clock }
}

func New(s store.Storage, engine Engine, cfg Config, opts ...Option) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	o := &Orchestrator{storage: s, engine: engine, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.health == nil {
		o.health = health.NewTracker()
	}
	if o.audit == nil {
		o.audit = audit.NewLogSink(o.logger)
	}
	return o
}

// GetRunStatus exposes the health snapshot.
func (o *Orchestrator) GetRunStatus() health.Status {
	return o.health.Status()
}

func (o *Orchestrator) today() civil.Date {
	return calendar.Today(o.now(), o.cfg.Location)
}

// Restore loads the persisted watermark into the health tracker.
func (o *Orchestrator) Restore(ctx context.Context) error {
	wm, err := o.storage.Watermark(ctx)
	if err != nil {
		return err
	}
	o.health.Restore(wm)
	return nil
}

// TickResult summarises one tick.
type TickResult struct {
	PendingDays []civil.Date        `json:"pending_days"`
	Runs        []models.AccrualRun `json:"runs"`
	Watermark   civil.Date          `json:"watermark,omitzero"`
}

// Tick processes every pending day in order. It returns ErrTickInProgress
// without doing anything when another tick is running. Errors from storage
// abort the tick and leave the watermark where it was.
func (o *Orchestrator) Tick(ctx context.Context) (TickResult, error) {
	if !o.mu.TryLock() {
		o.metrics.ObserveTickSkipped()
		o.logger.WarnContext(ctx, "tick skipped, previous tick still running")
		return TickResult{}, ErrTickInProgress
	}
	defer o.mu.Unlock()

	today := o.today()
	watermark, err := o.storage.Watermark(ctx)
	if err != nil {
		err = fmt.Errorf("read watermark: %w", err)
		o.health.TickFinished(0, err)
		return TickResult{}, err
	}
	after := watermark
	if after.IsZero() && !o.cfg.StartDate.IsZero() {
		after = o.cfg.StartDate.AddDays(-1)
	}
	days := o.cfg.Calendar.DaysBetween(after, today)
	res := TickResult{PendingDays: days, Watermark: watermark}
	if !watermark.IsZero() {
		o.metrics.SetWatermarkLag(today.DaysSince(watermark))
	}
	o.metrics.SetCatchingUp(len(days) > 1)
	o.health.TickStarted(o.now(), len(days))
	if len(days) == 0 {
		o.health.TickFinished(0, nil)
		return res, nil
	}
	o.logger.InfoContext(ctx, "tick started", "watermark", watermark.String(), "pending_days", len(days))

	// Loans that failed on an earlier day of this tick sit out the later days
	// and are picked up again when the next tick re-runs the unclean day.
	held := make(map[uuid.UUID]bool)
	clean := true
	var tickErr error
	for _, day := range days {
		if err := ctx.Err(); err != nil {
			tickErr = err
			break
		}
		run, err := o.runDay(ctx, day, held)
		if run != nil {
			res.Runs = append(res.Runs, *run)
		}
		if err != nil {
			tickErr = err
			break
		}
		if !clean || run.Status != models.RunStatusCompleted {
			clean = false
			continue
		}
		if err := o.storage.SetWatermark(context.WithoutCancel(ctx), day); err != nil {
			tickErr = fmt.Errorf("advance watermark to %s: %w", day, err)
			break
		}
		res.Watermark = day
	}

	remaining := len(o.cfg.Calendar.DaysBetween(calendar.Later(res.Watermark, after), today))
	o.metrics.SetCatchingUp(remaining > 0)
	if !res.Watermark.IsZero() {
		o.metrics.SetWatermarkLag(today.DaysSince(res.Watermark))
	}
	o.health.TickFinished(remaining, tickErr)
	o.logger.InfoContext(ctx, "tick finished", "watermark", res.Watermark.String(), "remaining_days", remaining, "error", tickErr)
	return res, tickErr
}

// dayTally collects per-loan results from the workers.
type dayTally struct {
	mu        sync.Mutex
	processed int
	failed    int
	skipped   int
	notRun    int
	problems  []string
}

func (t *dayTally) add(f func(*dayTally)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f(t)
}

func (o *Orchestrator) runDay(ctx context.Context, day civil.Date, held map[uuid.UUID]bool) (*models.AccrualRun, error) {
	started := o.now()
	prior, err := o.storage.RunsForDate(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("load runs for %s: %w", day, err)
	}
	run := &models.AccrualRun{
		ID:        uuid.New(),
		RunDate:   day,
		Attempt:   len(prior) + 1,
		Status:    models.RunStatusRunning,
		StartedAt: started.UTC(),
	}
	if err := o.storage.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run for %s: %w", day, err)
	}

	loans, err := o.storage.FetchActiveLoans(ctx, day)
	if err != nil {
		err = fmt.Errorf("fetch active loans for %s: %w", day, err)
		o.finishRun(ctx, run, models.RunStatusFailed, err.Error(), started)
		return run, err
	}
	retained, err := o.retainedFailures(ctx)
	if err != nil {
		err = fmt.Errorf("load retained failures: %w", err)
		o.finishRun(ctx, run, models.RunStatusFailed, err.Error(), started)
		return run, err
	}

	tally := &dayTally{}
	work := o.screen(ctx, day, loans, held, tally)

	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)
	for _, loan := range work {
		if ctx.Err() != nil {
			tally.add(func(t *dayTally) { t.notRun++ })
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				tally.add(func(t *dayTally) { t.notRun++ })
				return nil
			}
			o.processLoan(ctx, day, loan, retained[loan.ID], held, tally)
			return nil
		})
	}
	g.Wait()

	run.LoansProcessed = tally.processed
	run.LoansFailed = tally.failed
	run.LoansSkipped = tally.skipped
	sort.Strings(tally.problems)
	msg := strings.Join(tally.problems, "; ")

	if tally.notRun > 0 {
		err := fmt.Errorf("run for %s cancelled with %d loans not processed: %w", day, tally.notRun, context.Cause(ctx))
		o.finishRun(ctx, run, models.RunStatusFailed, joinMessages(msg, err.Error()), started)
		return run, err
	}
	status := models.RunStatusCompleted
	if tally.failed > tally.skipped {
		status = models.RunStatusPartiallyFailed
	}
	o.finishRun(ctx, run, status, msg, started)
	return run, nil
}

// screen filters the day's loans: loans held from an earlier day and loans of
// misconfigured products count as failed without being processed.
func (o *Orchestrator) screen(ctx context.Context, day civil.Date, loans []*models.Loan, held map[uuid.UUID]bool, tally *dayTally) []*models.Loan {
	productErrs := make(map[string]error)
	misconfigured := make(map[string]int)
	var work []*models.Loan
	for _, loan := range loans {
		if held[loan.ID] {
			tally.failed++
			continue
		}
		err, seen := productErrs[loan.ProductID]
		if !seen {
			_, err = o.engine.Product(loan.ProductID)
			productErrs[loan.ProductID] = err
		}
		// A missing product is the loan's own integrity problem and is handled
		// when the loan is processed.
		if err != nil && ledger.KindOf(err) == models.FailureConfiguration {
			tally.failed++
			misconfigured[loan.ProductID]++
			o.metrics.ObserveLoanFailure(string(models.FailureConfiguration))
			continue
		}
		work = append(work, loan)
	}
	for productID, n := range misconfigured {
		err := productErrs[productID]
		o.logger.ErrorContext(ctx, "product misconfigured, loans not processed",
			"product_id", productID, "run_date", day.String(), "kind", models.FailureConfiguration, "loans", n, "error", err)
		tally.problems = append(tally.problems, fmt.Sprintf("product %s: %d loans not processed: %v", productID, n, err))
	}
	return work
}

func (o *Orchestrator) processLoan(ctx context.Context, day civil.Date, loan *models.Loan, hadFailure bool, held map[uuid.UUID]bool, tally *dayTally) {
	_, err := o.engine.ProcessLoanDay(ctx, loan, day)
	// Transient errors get one more attempt within the run. Version conflicts
	// have already been retried by the engine.
	if err != nil && ledger.KindOf(err) == models.FailureTransient && !errors.Is(err, store.ErrVersionConflict) && ctx.Err() == nil {
		if fresh, ferr := o.storage.FetchLoan(ctx, loan.ID); ferr == nil {
			loan = fresh
		}
		_, err = o.engine.ProcessLoanDay(ctx, loan, day)
	}
	detached := context.WithoutCancel(ctx)
	if err == nil {
		tally.add(func(t *dayTally) { t.processed++ })
		o.metrics.ObserveLoan("processed")
		if hadFailure {
			if cerr := o.storage.ClearFailure(detached, loan.ID); cerr != nil {
				o.logger.WarnContext(ctx, "could not clear retained failure", "loan_id", loan.ID, "error", cerr)
			}
		}
		return
	}

	kind := ledger.KindOf(err)
	failure := models.LoanFailure{LoanID: loan.ID, RunDate: day, Kind: kind, Message: err.Error()}
	attempts, rerr := o.storage.RecordFailure(detached, failure)
	if rerr != nil {
		o.logger.ErrorContext(ctx, "could not retain loan failure", "loan_id", loan.ID, "run_date", day.String(), "error", rerr)
	}
	failure.Attempts = attempts
	o.audit.LoanFailure(ctx, failure)
	o.metrics.ObserveLoanFailure(string(kind))

	skip := kind == models.FailureDataIntegrity ||
		(kind == models.FailureTransient && o.cfg.MaxRetryTicks > 0 && attempts >= o.cfg.MaxRetryTicks)
	if skip {
		if merr := o.engine.MarkForReview(detached, loan.ID, err.Error()); merr != nil {
			o.logger.ErrorContext(ctx, "could not flag loan for review", "loan_id", loan.ID, "error", merr)
			skip = false
		}
	}
	tally.add(func(t *dayTally) {
		t.failed++
		if skip {
			t.skipped++
			o.metrics.ObserveLoan("skipped")
		} else {
			held[loan.ID] = true
			o.metrics.ObserveLoan("failed")
		}
	})
}

func (o *Orchestrator) retainedFailures(ctx context.Context) (map[uuid.UUID]bool, error) {
	failures, err := o.storage.ListFailures(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[uuid.UUID]bool, len(failures))
	for _, f := range failures {
		set[f.LoanID] = true
	}
	return set, nil
}

func (o *Orchestrator) finishRun(ctx context.Context, run *models.AccrualRun, status models.RunStatus, msg string, started time.Time) {
	done := o.now().UTC()
	run.Status = status
	run.Error = msg
	run.CompletedAt = &done
	if err := o.storage.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		o.logger.ErrorContext(ctx, "could not persist run", "run_id", run.ID, "run_date", run.RunDate.String(), "error", err)
	}
	o.audit.RunSummary(ctx, *run)
	o.health.RunFinished(*run)
	o.metrics.ObserveRun(string(status), done.Sub(started))
}

func joinMessages(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "; ")
}
