// Package accrual computes the daily interest accrual of a single loan.
//
// Accrue is a pure state transition: it takes a loan snapshot and returns the
// next snapshot together with the ledger postings the caller must emit. It
// never touches storage.
package accrual

import (
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/mcclellann/loancore/pkg/calendar"
	"github.com/mcclellann/loancore/pkg/models"
	"github.com/shopspring/decimal"
)

// SkipReason explains why Accrue left a loan untouched.
type SkipReason string

const (
	SkipAlreadyAccrued SkipReason = "ALREADY_ACCRUED"
	SkipStopped        SkipReason = "INTEREST_STOPPED"
	SkipTerminal       SkipReason = "TERMINAL"
	SkipNotDisbursed   SkipReason = "NOT_DISBURSED"
)

// Posting is a ledger side effect produced by a state transition.
type Posting struct {
	Bucket models.TransactionType
	Amount decimal.Decimal
	Date   civil.Date
}

// Result is the outcome of accruing one loan up to a target date.
type Result struct {
	Loan        models.Loan
	Interest    decimal.Decimal
	Tax         decimal.Decimal
	ElapsedDays int
	Skipped     SkipReason
	Postings    []Posting
}

// Changed reports whether the loan snapshot differs from the input.
func (r Result) Changed() bool {
	return r.Skipped == ""
}

// IntegrityError reports loan data the engine refuses to compute on.
type IntegrityError struct {
	LoanID uuid.UUID
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("loan %s: data integrity: %s", e.LoanID, e.Reason)
}

// Accrue posts the interest earned between the loan's watermark and target.
func Accrue(loan models.Loan, product models.LoanProduct, target civil.Date) (Result, error) {
	res := Result{Loan: loan}
	switch {
	case loan.IsTerminal():
		res.Skipped = SkipTerminal
		return res, nil
	case loan.StopInterestCalculation:
		res.Skipped = SkipStopped
		return res, nil
	case !loan.LastInterestCalculatedDate.IsZero() && !loan.LastInterestCalculatedDate.Before(target):
		res.Skipped = SkipAlreadyAccrued
		return res, nil
	case !loan.DisbursementDate.IsZero() && target.Before(loan.DisbursementDate):
		res.Skipped = SkipNotDisbursed
		return res, nil
	}
	if err := validate(loan, product); err != nil {
		return res, err
	}

	next := loan
	anchor := loan.LastInterestCalculatedDate
	if anchor.IsZero() {
		anchor = loan.DisbursementDate
	}
	// A restructured loan starts over from the restructuring date and principal.
	if loan.IsRestructured && !loan.RestructuredDate.IsZero() &&
		anchor.Before(loan.RestructuredDate) && !target.Before(loan.RestructuredDate) {
		anchor = loan.RestructuredDate
		next.OutstandingBalance = loan.RestructuredPrincipal
	}

	elapsed := ElapsedDays(product.DayCount, anchor, target)
	next.LastInterestCalculatedDate = target
	res.ElapsedDays = elapsed
	if elapsed <= 0 {
		res.Loan = next
		return res, nil
	}

	interest := Interest(product, next.InterestPeriodBasis, next.InterestRate, next.OutstandingBalance, next.AccrualInterest, elapsed)
	if interest.IsNegative() {
		return Result{Loan: loan}, &IntegrityError{LoanID: loan.ID, Reason: "negative interest " + interest.String()}
	}
	tax := interest.Mul(product.TaxRate).RoundBank(models.CurrencyPlaces)

	next.AccrualInterest = next.AccrualInterest.Add(interest).RoundBank(models.CurrencyPlaces)
	next.TaxAccrued = next.TaxAccrued.Add(tax).RoundBank(models.CurrencyPlaces)

	res.Loan = next
	res.Interest = interest
	res.Tax = tax
	if interest.IsPositive() {
		res.Postings = append(res.Postings, Posting{Bucket: models.TransactionTypeInterest, Amount: interest, Date: target})
	}
	if tax.IsPositive() {
		res.Postings = append(res.Postings, Posting{Bucket: models.TransactionTypeTax, Amount: tax, Date: target})
	}
	return res, nil
}

// ElapsedDays counts the accrual days between two dates under a day-count convention.
func ElapsedDays(dc models.DayCount, from, to civil.Date) int {
	if dc == models.DayCount30360 {
		return calendar.Days360(from, to)
	}
	return to.DaysSince(from)
}

// AnnualRate normalises a rate quoted per basis period to an annual figure.
func AnnualRate(rate decimal.Decimal, basis models.PeriodBasis, dc models.DayCount) decimal.Decimal {
	return rate.Mul(basis.PeriodsPerYear(dc.YearDays()))
}

// Interest computes the rounded interest for elapsed days. Simple products
// accrue on the outstanding balance; daily-compounding products accrue on the
// balance plus unpaid accrued interest.
func Interest(product models.LoanProduct, basis models.PeriodBasis, rate, balance, accrued decimal.Decimal, elapsed int) decimal.Decimal {
	if elapsed <= 0 || balance.IsZero() || rate.IsZero() {
		return decimal.Zero
	}
	yearDays := decimal.NewFromInt(int64(product.DayCount.YearDays()))
	annual := AnnualRate(rate, basis, product.DayCount)
	days := decimal.NewFromInt(int64(elapsed))

	if product.Compounding == models.CompoundingDaily {
		daily := annual.Div(yearDays)
		factor := decimal.NewFromInt(1)
		growth := decimal.NewFromInt(1).Add(daily)
		for i := 0; i < elapsed; i++ {
			factor = factor.Mul(growth)
		}
		return balance.Add(accrued).Mul(factor.Sub(decimal.NewFromInt(1))).RoundBank(models.CurrencyPlaces)
	}
	return balance.Mul(annual).Mul(days).Div(yearDays).RoundBank(models.CurrencyPlaces)
}

func validate(loan models.Loan, product models.LoanProduct) error {
	fail := func(format string, args ...any) error {
		return &IntegrityError{LoanID: loan.ID, Reason: fmt.Sprintf(format, args...)}
	}
	switch {
	case loan.DisbursementDate.IsZero():
		return fail("missing disbursement date")
	case loan.OutstandingBalance.IsNegative():
		return fail("negative outstanding balance %s", loan.OutstandingBalance)
	case loan.AccrualInterest.IsNegative():
		return fail("negative accrued interest %s", loan.AccrualInterest)
	case loan.TaxAccrued.IsNegative():
		return fail("negative accrued tax %s", loan.TaxAccrued)
	case loan.InterestRate.IsNegative():
		return fail("negative interest rate %s", loan.InterestRate)
	case !loan.InterestPeriodBasis.Valid():
		return fail("unknown interest period basis %q", loan.InterestPeriodBasis)
	case !product.RateInBounds(loan.InterestRate):
		return fail("interest rate %s outside product %s bounds", loan.InterestRate, product.ID)
	case loan.IsRestructured && loan.RestructuredPrincipal.IsNegative():
		return fail("negative restructured principal %s", loan.RestructuredPrincipal)
	}
	return nil
}
