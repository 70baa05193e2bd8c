// Package delinquency recomputes the aging and penalty state of a loan.
//
// Evaluate derives days past due, status and the chargeable penalty days from
// the loan's dates and the product table on every call, so a caught-up run
// converges to the same state as a run that never missed a day.
package delinquency

import (
	"errors"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/mcclellann/loancore/pkg/accrual"
	"github.com/mcclellann/loancore/pkg/allocation"
	"github.com/mcclellann/loancore/pkg/models"
	"github.com/shopspring/decimal"
)

// Transition records a status change for the audit sink.
type Transition struct {
	From models.DelinquencyStatus
	To   models.DelinquencyStatus
}

// Result is the outcome of evaluating one loan as of a target date.
type Result struct {
	Loan        models.Loan
	Penalty     decimal.Decimal
	Absorbed    decimal.Decimal // Advance payment applied to the loan's buckets
	Transition  *Transition
	AlreadyDone bool
	Postings    []accrual.Posting
}

// Changed reports whether the loan snapshot differs from the input.
func (r Result) Changed() bool {
	return !r.AlreadyDone
}

// IntegrityError reports loan data the processor refuses to age.
type IntegrityError struct {
	LoanID uuid.UUID
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("loan %s: data integrity: %s", e.LoanID, e.Reason)
}

// Evaluate recomputes the delinquency state of loan as of target.
func Evaluate(loan models.Loan, product models.LoanProduct, target civil.Date) (Result, error) {
	res := Result{Loan: loan}
	if loan.IsTerminal() {
		res.AlreadyDone = true
		return res, nil
	}
	if !loan.LastDelinquencyProcessedDate.IsZero() && !loan.LastDelinquencyProcessedDate.Before(target) {
		res.AlreadyDone = true
		return res, nil
	}
	if err := validate(loan); err != nil {
		return res, err
	}

	next := loan
	absorbed, err := absorbAdvance(&next, product)
	if err != nil {
		return res, err
	}
	if absorbed.IsPositive() {
		res.Absorbed = absorbed
		res.Postings = append(res.Postings, accrual.Posting{Bucket: models.TransactionTypeAdvanceUsed, Amount: absorbed, Date: target})
	}

	next.DaysPastDue = DaysPastDue(next, target)
	thresholds := product.Thresholds
	if len(thresholds) == 0 {
		thresholds = models.DefaultThresholds()
	}
	next.DelinquencyStatus = thresholds.Classify(next.DaysPastDue)

	charged := ChargeableDays(product.Penalty, next.DaysPastDue)
	if next.DaysPastDue == 0 {
		next.PenaltyDaysCharged = 0
	}
	if newDays := charged - next.PenaltyDaysCharged; newDays > 0 && product.Penalty.Rate.IsPositive() {
		penalty := Penalty(product, penaltyBase(next, product.Penalty.Target), newDays)
		next.PenaltyAccrued = next.PenaltyAccrued.Add(penalty).RoundBank(models.CurrencyPlaces)
		next.PenaltyDaysCharged = charged
		res.Penalty = penalty
		if penalty.IsPositive() {
			res.Postings = append(res.Postings, accrual.Posting{Bucket: models.TransactionTypePenalty, Amount: penalty, Date: target})
		}
	} else if charged > next.PenaltyDaysCharged {
		next.PenaltyDaysCharged = charged
	}

	previous := loan.DelinquencyStatus
	if previous == "" {
		previous = models.DelinquencyCurrent
	}
	if previous != next.DelinquencyStatus {
		res.Transition = &Transition{From: previous, To: next.DelinquencyStatus}
	}
	next.LastDelinquencyProcessedDate = target
	res.Loan = next
	return res, nil
}

// absorbAdvance spends advance payment credit on the due amount as a
// repayment in the product's order, so the buckets and paid-to-date totals
// move exactly as they would for a payment made on the day.
func absorbAdvance(loan *models.Loan, product models.LoanProduct) (decimal.Decimal, error) {
	credit := decimal.Min(loan.DueAmount, loan.AdvancedPaymentAmount).Truncate(models.CurrencyPlaces)
	if !credit.IsPositive() || product.RepaymentOrder == nil {
		return decimal.Zero, nil
	}
	alloc, err := allocation.Allocate(allocation.BucketsFor(*loan, product), *product.RepaymentOrder, credit)
	switch {
	case errors.Is(err, allocation.ErrNothingOutstanding):
		return decimal.Zero, nil
	case errors.Is(err, allocation.ErrNegativeBucket):
		return decimal.Zero, &IntegrityError{LoanID: loan.ID, Reason: err.Error()}
	case err != nil:
		return decimal.Zero, err
	}
	loan.AdvancedPaymentAmount = loan.AdvancedPaymentAmount.Sub(credit)
	allocation.Apply(loan, alloc)
	return alloc.Applied(), nil
}

// DaysPastDue is the elapsed days since the oldest unpaid installment date,
// less any advance-payment day credit, or zero when nothing is due.
func DaysPastDue(loan models.Loan, target civil.Date) int {
	if !loan.DueAmount.IsPositive() || loan.NextInstallmentDate.IsZero() {
		return 0
	}
	days := target.DaysSince(loan.NextInstallmentDate) - loan.AdvancedPaymentDays
	if days < 0 {
		return 0
	}
	return days
}

// ChargeableDays is the number of penalty days a loan has earned in its
// current episode, capped by the product's stop-after setting.
func ChargeableDays(cfg models.PenaltyConfig, daysPastDue int) int {
	days := daysPastDue - cfg.StartDayAfterDueDate
	if days <= 0 {
		return 0
	}
	if cfg.StopAfterDays > 0 && days > cfg.StopAfterDays {
		return cfg.StopAfterDays
	}
	return days
}

// Penalty charges days of the annualised penalty rate on base.
func Penalty(product models.LoanProduct, base decimal.Decimal, days int) decimal.Decimal {
	if days <= 0 || !base.IsPositive() {
		return decimal.Zero
	}
	yearDays := decimal.NewFromInt(int64(product.DayCount.YearDays()))
	return base.Mul(product.Penalty.Rate).Mul(decimal.NewFromInt(int64(days))).Div(yearDays).RoundBank(models.CurrencyPlaces)
}

func penaltyBase(loan models.Loan, target models.PenaltyTarget) decimal.Decimal {
	switch target {
	case models.PenaltyOnOutstandingInterest:
		return loan.AccrualInterest
	case models.PenaltyOnOutstandingBalance:
		return loan.OutstandingBalance
	case models.PenaltyOnDueAmount:
		return loan.DueAmount
	}
	return decimal.Zero
}

func validate(loan models.Loan) error {
	switch {
	case loan.DueAmount.IsNegative():
		return &IntegrityError{LoanID: loan.ID, Reason: "negative due amount " + loan.DueAmount.String()}
	case loan.PenaltyAccrued.IsNegative():
		return &IntegrityError{LoanID: loan.ID, Reason: "negative accrued penalty " + loan.PenaltyAccrued.String()}
	case loan.AdvancedPaymentAmount.IsNegative():
		return &IntegrityError{LoanID: loan.ID, Reason: "negative advance payment " + loan.AdvancedPaymentAmount.String()}
	case loan.AdvancedPaymentDays < 0:
		return &IntegrityError{LoanID: loan.ID, Reason: "negative advance payment days"}
	case loan.DelinquencyStatus != "" && !loan.DelinquencyStatus.Valid():
		return &IntegrityError{LoanID: loan.ID, Reason: fmt.Sprintf("unknown delinquency status %q", loan.DelinquencyStatus)}
	case loan.DueAmount.IsPositive() && loan.NextInstallmentDate.IsZero():
		return &IntegrityError{LoanID: loan.ID, Reason: "amount due without an installment date"}
	}
	return nil
}
