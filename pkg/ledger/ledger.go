// Package ledger applies the accrual, delinquency and allocation engines to
// stored loans. It owns every loan write: per-loan day processing,
// repayments and administrative reprocessing.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/mcclellann/loancore/pkg/accrual"
	"github.com/mcclellann/loancore/pkg/audit"
	"github.com/mcclellann/loancore/pkg/calendar"
	"github.com/mcclellann/loancore/pkg/delinquency"
	"github.com/mcclellann/loancore/pkg/metrics"
	"github.com/mcclellann/loancore/pkg/models"
	"github.com/mcclellann/loancore/pkg/posting"
	"github.com/mcclellann/loancore/pkg/store"
	"github.com/shopspring/decimal"
)

const defaultLoanTimeout = 30 * time.Second

// errUnchanged aborts an UpdateLoan whose mutation found nothing to do.
var errUnchanged = errors.New("loan unchanged")

// Ledger handles the business logic for loans and transactions.
type Ledger struct {
	storage     store.Storage
	products    ProductSource
	poster      posting.Poster
	audit       audit.Sink
	metrics     *metrics.Metrics
	logger      *slog.Logger
	location    *time.Location
	loanTimeout time.Duration
	now         func() time.Time
}

// Option customises a Ledger.
type Option func(*Ledger)

func WithPoster(p posting.Poster) Option {
	return func(l *Ledger) { l.poster = p }
}

func WithAudit(s audit.Sink) Option {
	return func(l *Ledger) { l.audit = s }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithLocation sets the operating timezone that defines "today".
func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) { l.location = loc }
}

// WithLoanTimeout bounds the storage work of one loan.
func WithLoanTimeout(d time.Duration) Option {
	return func(l *Ledger) { l.loanTimeout = d }
}

func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.now = clock }
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, products ProductSource, opts ...Option) *Ledger {
	l := &Ledger{
		storage:     s,
		products:    products,
		location:    time.UTC,
		loanTimeout: defaultLoanTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.poster == nil {
		l.poster = posting.LogPoster{Logger: l.logger}
	}
	if l.audit == nil {
		l.audit = audit.NewLogSink(l.logger)
	}
	if l.location == nil {
		l.location = time.UTC
	}
	if l.loanTimeout <= 0 {
		l.loanTimeout = defaultLoanTimeout
	}
	return l
}

// Today is the current calendar date in the operating timezone.
func (l *Ledger) Today() civil.Date {
	return calendar.Today(l.now(), l.location)
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return l.storage.FetchLoan(ctx, id)
}

// Product resolves and validates the product of a loan. A product that is
// missing is a data-integrity problem of the loan; one that is present but
// invalid is a configuration error.
func (l *Ledger) Product(id string) (models.LoanProduct, error) {
	p, err := l.products.Product(id)
	if err != nil {
		return models.LoanProduct{}, err
	}
	if err := p.Validate(); err != nil {
		return models.LoanProduct{}, err
	}
	return p, nil
}

// Outcome reports what processing one loan for one day did.
type Outcome struct {
	LoanID      uuid.UUID
	Date        civil.Date
	Changed     bool
	Version     int64
	Interest    decimal.Decimal
	Tax         decimal.Decimal
	Penalty     decimal.Decimal
	AccrualSkip accrual.SkipReason
	Transition  *delinquency.Transition
}

// ProcessLoanDay runs accrual then delinquency for one loan as of date and
// persists the result in a single versioned update. Postings are handed to
// the poster only after the update commits.
//
// The work runs on a context detached from ctx's cancellation and bounded by
// the loan timeout, so a started loan completes or rolls back as a unit.
func (l *Ledger) ProcessLoanDay(ctx context.Context, loan *models.Loan, date civil.Date) (Outcome, error) {
	return l.processLoanDay(ctx, loan, date, false)
}

func (l *Ledger) processLoanDay(ctx context.Context, loan *models.Loan, date civil.Date, clearReview bool) (Outcome, error) {
	out := Outcome{LoanID: loan.ID, Date: date, Version: loan.Version}
	if date.After(l.Today()) {
		return out, newProcessError(loan.ID, date, fmt.Errorf("%w: %s", ErrFutureDate, date))
	}
	product, err := l.Product(loan.ProductID)
	if err != nil {
		return out, newProcessError(loan.ID, date, err)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.loanTimeout)
	defer cancel()

	var postings []accrual.Posting
	mutate := func(row *models.Loan) ([]*models.Transaction, error) {
		postings = nil
		acc, err := accrual.Accrue(*row, product, date)
		if err != nil {
			return nil, err
		}
		del, err := delinquency.Evaluate(acc.Loan, product, date)
		if err != nil {
			return nil, err
		}
		reviewCleared := clearReview && row.NeedsReview
		if !acc.Changed() && !del.Changed() && !reviewCleared {
			out.AccrualSkip = acc.Skipped
			return nil, errUnchanged
		}

		*row = del.Loan
		if reviewCleared {
			row.NeedsReview = false
		}
		out.Interest, out.Tax, out.Penalty = acc.Interest, acc.Tax, del.Penalty
		out.AccrualSkip = acc.Skipped
		out.Transition = del.Transition
		postings = append(append(postings, acc.Postings...), del.Postings...)
		return transactionsFor(row.ID, postings), nil
	}

	version, err := l.storage.UpdateLoan(ctx, loan.ID, loan.Version, mutate)
	if errors.Is(err, store.ErrVersionConflict) {
		l.metrics.ObserveVersionConflict()
		l.logger.WarnContext(ctx, "loan version conflict, retrying", "loan_id", loan.ID, "run_date", date.String())
		fresh, ferr := l.storage.FetchLoan(ctx, loan.ID)
		if ferr != nil {
			return out, newProcessError(loan.ID, date, ferr)
		}
		version, err = l.storage.UpdateLoan(ctx, loan.ID, fresh.Version, mutate)
	}
	switch {
	case errors.Is(err, errUnchanged):
		return out, nil
	case err != nil:
		return out, newProcessError(loan.ID, date, err)
	}

	out.Changed = true
	out.Version = version
	l.publish(ctx, loan.ID, date, postings, out.Transition)
	return out, nil
}

func (l *Ledger) publish(ctx context.Context, loanID uuid.UUID, date civil.Date, postings []accrual.Posting, tr *delinquency.Transition) {
	for _, p := range postings {
		if err := l.poster.PostAccrual(ctx, loanID, p.Amount, p.Bucket, p.Date); err != nil {
			l.logger.WarnContext(ctx, "ledger posting not queued", "loan_id", loanID, "bucket", p.Bucket, "run_date", date.String(), "error", err)
		}
	}
	if tr != nil {
		l.metrics.ObserveTransition(string(tr.To))
		l.audit.Transition(ctx, audit.Transition{LoanID: loanID, Date: date, From: tr.From, To: tr.To})
	}
}

func transactionsFor(loanID uuid.UUID, postings []accrual.Posting) []*models.Transaction {
	txns := make([]*models.Transaction, 0, len(postings))
	for _, p := range postings {
		txns = append(txns, &models.Transaction{
			LoanID:     loanID,
			Amount:     p.Amount,
			Type:       p.Bucket,
			ValueDate:  p.Date,
			PostingKey: models.PostingKey(loanID, p.Date, p.Bucket),
		})
	}
	return txns
}

// MarkForReview takes a loan out of the batch until an operator reprocesses it.
func (l *Ledger) MarkForReview(ctx context.Context, loanID uuid.UUID, reason string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.loanTimeout)
	defer cancel()

	loan, err := l.storage.FetchLoan(ctx, loanID)
	if err != nil {
		return err
	}
	if loan.NeedsReview {
		return nil
	}
	_, err = l.storage.UpdateLoan(ctx, loanID, loan.Version, func(row *models.Loan) ([]*models.Transaction, error) {
		row.NeedsReview = true
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("mark loan %s for review: %w", loanID, err)
	}
	l.logger.WarnContext(ctx, "loan flagged for manual review", "loan_id", loanID, "reason", reason)
	return nil
}

// ForceReprocess re-runs accrual and delinquency for one loan up to date.
// Re-running a day the loan has already processed is a no-op. A successful
// run releases a loan held for review and forgets its retained failure.
func (l *Ledger) ForceReprocess(ctx context.Context, loanID uuid.UUID, date civil.Date, actor string) (Outcome, error) {
	action := audit.Action{Name: "force_reprocess", Actor: actor, LoanID: loanID, Date: date}
	out, err := l.forceReprocess(ctx, loanID, date)
	if err != nil {
		action.Err = err
	} else {
		action.Detail = fmt.Sprintf("changed=%t", out.Changed)
	}
	l.audit.Action(ctx, action)
	return out, err
}

func (l *Ledger) forceReprocess(ctx context.Context, loanID uuid.UUID, date civil.Date) (Outcome, error) {
	if date.After(l.Today()) {
		return Outcome{LoanID: loanID, Date: date}, fmt.Errorf("%w: %s", ErrFutureDate, date)
	}
	loan, err := l.storage.FetchLoan(ctx, loanID)
	if err != nil {
		return Outcome{LoanID: loanID, Date: date}, err
	}
	out, err := l.processLoanDay(ctx, loan, date, true)
	if err != nil {
		return out, err
	}
	if err := l.storage.ClearFailure(ctx, loanID); err != nil {
		l.logger.WarnContext(ctx, "could not clear retained failure", "loan_id", loanID, "error", err)
	}
	return out, nil
}
