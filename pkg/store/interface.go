package store

import (
	"context"
	"errors"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/mcclellann/loancore/pkg/models"
)

var (
	ErrLoanNotFound     = errors.New("loan not found")
	ErrVersionConflict  = errors.New("loan version conflict")
	ErrDuplicatePosting = errors.New("posting already recorded")
	ErrRunNotFound      = errors.New("accrual run not found or immutable")
)

// Mutation edits a loan snapshot inside UpdateLoan and returns the ledger
// transactions to record atomically with it. Returning an error aborts the
// update and leaves the stored loan untouched.
type Mutation func(loan *models.Loan) ([]*models.Transaction, error)

// Storage defines the persistence contract of the accrual engine.
type Storage interface {
	CreateLoan(ctx context.Context, loan *models.Loan) error
	FetchLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	// FetchActiveLoans returns loans eligible for a run on asOf: active,
	// disbursed on or before asOf, and not held for manual review.
	FetchActiveLoans(ctx context.Context, asOf civil.Date) ([]*models.Loan, error)
	// UpdateLoan applies mutate if the stored version still equals
	// expectedVersion and returns the new version. A stale version yields
	// ErrVersionConflict.
	UpdateLoan(ctx context.Context, id uuid.UUID, expectedVersion int64, mutate Mutation) (int64, error)
	GetTransactionsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Transaction, error)

	CreateRun(ctx context.Context, run *models.AccrualRun) error
	// UpdateRun persists run progress. Completed runs are immutable and
	// return ErrRunNotFound.
	UpdateRun(ctx context.Context, run *models.AccrualRun) error
	ListRuns(ctx context.Context, limit int) ([]*models.AccrualRun, error)
	RunsForDate(ctx context.Context, date civil.Date) ([]*models.AccrualRun, error)

	Watermark(ctx context.Context) (civil.Date, error)
	SetWatermark(ctx context.Context, date civil.Date) error

	// RecordFailure stores or refreshes the retained failure of a loan and
	// returns how many attempts have failed so far.
	RecordFailure(ctx context.Context, f models.LoanFailure) (int, error)
	ClearFailure(ctx context.Context, loanID uuid.UUID) error
	ListFailures(ctx context.Context) ([]*models.LoanFailure, error)

	Close() error
}
