package ledger

import (
	"errors"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/mcclellann/loancore/pkg/accrual"
	"github.com/mcclellann/loancore/pkg/allocation"
	"github.com/mcclellann/loancore/pkg/delinquency"
	"github.com/mcclellann/loancore/pkg/models"
	"github.com/mcclellann/loancore/pkg/store"
)

var (
	ErrProductNotFound = errors.New("loan product not found")
	ErrFutureDate      = errors.New("processing date is in the future")
	ErrLoanNotActive   = errors.New("loan is not active")
)

// ProcessError is a per-loan failure with its classification.
type ProcessError struct {
	LoanID uuid.UUID
	Date   civil.Date
	Kind   models.FailureKind
	Err    error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("loan %s on %s: %s: %v", e.LoanID, e.Date, e.Kind, e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

func newProcessError(loanID uuid.UUID, date civil.Date, err error) *ProcessError {
	return &ProcessError{LoanID: loanID, Date: date, Kind: KindOf(err), Err: err}
}

// KindOf classifies an error into the failure taxonomy. Anything it does not
// recognise is treated as transient.
func KindOf(err error) models.FailureKind {
	var pe *ProcessError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	var accrualErr *accrual.IntegrityError
	var delinquencyErr *delinquency.IntegrityError
	switch {
	case errors.As(err, &accrualErr), errors.As(err, &delinquencyErr),
		errors.Is(err, ErrProductNotFound), errors.Is(err, store.ErrDuplicatePosting):
		return models.FailureDataIntegrity
	case errors.Is(err, models.ErrInvalidProduct):
		return models.FailureConfiguration
	case allocation.IsValidation(err), errors.Is(err, ErrFutureDate), errors.Is(err, ErrLoanNotActive),
		errors.Is(err, store.ErrLoanNotFound):
		return models.FailureValidation
	}
	// Timeouts, version conflicts and storage errors.
	return models.FailureTransient
}
