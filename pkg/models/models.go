package models

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CurrencyPlaces is the number of decimal places every persisted amount is rounded to.
const CurrencyPlaces = 2

type LoanStatus string

const (
	LoanStatusActive     LoanStatus = "ACTIVE"
	LoanStatusSettled    LoanStatus = "SETTLED"
	LoanStatusWrittenOff LoanStatus = "WRITTEN_OFF"
)

type StructuringStatus string

const (
	StructuringNone         StructuringStatus = "NONE"
	StructuringRestructured StructuringStatus = "RESTRUCTURED"
	StructuringRescheduled  StructuringStatus = "RESCHEDULED"
)

// Loan is the aggregate mutated by the daily accrual and delinquency processors
// and by applied repayments.
type Loan struct {
	ID                uuid.UUID  `json:"id"`
	CustomerID        string     `json:"customer_id"`
	LoanApplicationID string     `json:"loan_application_id"`
	ProductID         string     `json:"product_id"`
	Status            LoanStatus `json:"status"`
	Version           int64      `json:"version"`

	Principal          decimal.Decimal `json:"principal"`
	OutstandingBalance decimal.Decimal `json:"outstanding_balance"`
	AccrualInterest    decimal.Decimal `json:"accrual_interest"` // Accrued but not yet billed
	DueAmount          decimal.Decimal `json:"due_amount"`       // Billed and owed now
	PenaltyAccrued     decimal.Decimal `json:"penalty_accrued"`
	TaxAccrued         decimal.Decimal `json:"tax_accrued"`
	PrincipalPaid      decimal.Decimal `json:"principal_paid"`
	InterestPaid       decimal.Decimal `json:"interest_paid"`
	PenaltyPaid        decimal.Decimal `json:"penalty_paid"`
	TaxPaid            decimal.Decimal `json:"tax_paid"`

	InterestRate        decimal.Decimal `json:"interest_rate"` // Per InterestPeriodBasis
	InterestPeriodBasis PeriodBasis     `json:"interest_period_basis"`

	DisbursementDate             civil.Date `json:"disbursement_date,omitzero"`
	FirstInstallmentDate         civil.Date `json:"first_installment_date,omitzero"`
	NextInstallmentDate          civil.Date `json:"next_installment_date,omitzero"`
	MaturityDate                 civil.Date `json:"maturity_date,omitzero"`
	LastInterestCalculatedDate   civil.Date `json:"last_interest_calculated_date,omitzero"`
	LastDelinquencyProcessedDate civil.Date `json:"last_delinquency_processed_date,omitzero"`

	DelinquencyStatus     DelinquencyStatus `json:"delinquency_status"`
	DaysPastDue           int               `json:"days_past_due"`
	PenaltyDaysCharged    int               `json:"penalty_days_charged"` // Chargeable days already billed in the current episode
	AdvancedPaymentDays   int               `json:"advanced_payment_days"`
	AdvancedPaymentAmount decimal.Decimal   `json:"advanced_payment_amount"`

	StopInterestCalculation bool       `json:"stop_interest_calculation"`
	StopReason              StopReason `json:"stop_reason,omitempty"`
	StoppedBy               string     `json:"stopped_by,omitempty"`
	DateInterestWasStopped  civil.Date `json:"date_interest_was_stopped,omitzero"`

	IsWriteOffLoan        bool              `json:"is_write_off_loan"`
	IsRestructured        bool              `json:"is_restructured"`
	LoanStructuringStatus StructuringStatus `json:"loan_structuring_status"`
	RestructuredDate      civil.Date        `json:"restructured_date,omitzero"`
	RestructuredPrincipal decimal.Decimal   `json:"restructured_principal"`

	NeedsReview bool `json:"needs_review"` // Skipped by the batch until an operator reprocesses it

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminal reports whether the loan is excluded from accrual and delinquency runs.
func (l *Loan) IsTerminal() bool {
	if l.IsWriteOffLoan || l.Status != LoanStatusActive {
		return true
	}
	return l.IsSettled()
}

// IsSettled reports a fully repaid loan: balance and due amount are both zero
// and no interest, tax or penalty is left to collect.
func (l *Loan) IsSettled() bool {
	return l.OutstandingBalance.IsZero() && l.DueAmount.IsZero() &&
		l.AccrualInterest.IsZero() && l.TaxAccrued.IsZero() && l.PenaltyAccrued.IsZero()
}

type StopReason string

const (
	StopReasonNone        StopReason = ""
	StopReasonManual      StopReason = "MANUAL"
	StopReasonLegalAction StopReason = "LEGAL_ACTION"
	StopReasonDeceased    StopReason = "DECEASED"
	StopReasonRestructure StopReason = "RESTRUCTURE"
)

type TransactionType string

const (
	TransactionTypeDisbursement TransactionType = "disbursement"
	TransactionTypePayment      TransactionType = "payment"
	TransactionTypeInterest     TransactionType = "interest"
	TransactionTypePenalty      TransactionType = "penalty"
	TransactionTypeTax          TransactionType = "tax"
	TransactionTypeAdvance      TransactionType = "advance"
	TransactionTypeAdvanceUsed  TransactionType = "advance_applied"
)

// Transaction is a ledger record attached to a loan. PostingKey is unique so
// the same bucket can never be posted twice for one loan and value date.
type Transaction struct {
	ID         uuid.UUID       `json:"id"`
	LoanID     uuid.UUID       `json:"loan_id"`
	Amount     decimal.Decimal `json:"amount"`
	Type       TransactionType `json:"type"`
	ValueDate  civil.Date      `json:"value_date,omitzero"`
	PostingKey string          `json:"posting_key"`
	Timestamp  time.Time       `json:"timestamp"`
}

// PostingKey builds the idempotency key for a loan, value date and bucket.
func PostingKey(loanID uuid.UUID, date civil.Date, t TransactionType) string {
	return loanID.String() + ":" + date.String() + ":" + string(t)
}

type RunStatus string

const (
	RunStatusPending         RunStatus = "PENDING"
	RunStatusRunning         RunStatus = "RUNNING"
	RunStatusCompleted       RunStatus = "COMPLETED"
	RunStatusPartiallyFailed RunStatus = "PARTIALLY_FAILED"
	RunStatusFailed          RunStatus = "FAILED"
)

// AccrualRun tracks one attempt at processing one calendar day.
type AccrualRun struct {
	ID             uuid.UUID  `json:"id"`
	RunDate        civil.Date `json:"run_date,omitzero"`
	Attempt        int        `json:"attempt"`
	Status         RunStatus  `json:"status"`
	LoansProcessed int        `json:"loans_processed"`
	LoansFailed    int        `json:"loans_failed"`
	LoansSkipped   int        `json:"loans_skipped"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// FailureKind classifies per-loan and per-run errors.
type FailureKind string

const (
	FailureTransient     FailureKind = "TRANSIENT"
	FailureDataIntegrity FailureKind = "DATA_INTEGRITY"
	FailureConfiguration FailureKind = "CONFIGURATION"
	FailureValidation    FailureKind = "VALIDATION"
)

// LoanFailure is retained for a loan until a later attempt succeeds.
type LoanFailure struct {
	LoanID   uuid.UUID   `json:"loan_id"`
	RunDate  civil.Date  `json:"run_date,omitzero"`
	Kind     FailureKind `json:"kind"`
	Message  string      `json:"message"`
	Attempts int         `json:"attempts"`
}
