package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidProduct marks a product whose configuration cannot drive accrual or allocation.
var ErrInvalidProduct = errors.New("invalid product configuration")

// PeriodBasis is the period an interest rate is quoted for.
type PeriodBasis string

const (
	PeriodDay   PeriodBasis = "DAY"
	PeriodWeek  PeriodBasis = "WEEK"
	PeriodMonth PeriodBasis = "MONTH"
	PeriodYear  PeriodBasis = "YEAR"
)

func (b PeriodBasis) Valid() bool {
	switch b {
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodYear:
		return true
	}
	return false
}

// PeriodsPerYear returns how many rate periods fit in one year of yearDays days.
func (b PeriodBasis) PeriodsPerYear(yearDays int) decimal.Decimal {
	switch b {
	case PeriodDay:
		return decimal.NewFromInt(int64(yearDays))
	case PeriodWeek:
		return decimal.NewFromInt(52)
	case PeriodMonth:
		return decimal.NewFromInt(12)
	default:
		return decimal.NewFromInt(1)
	}
}

// DayCount is the day-count convention used to turn elapsed dates into year fractions.
type DayCount string

const (
	DayCountActual365 DayCount = "ACT_365"
	DayCountActual360 DayCount = "ACT_360"
	DayCount30360     DayCount = "30_360"
)

func (d DayCount) Valid() bool {
	switch d {
	case DayCountActual365, DayCountActual360, DayCount30360:
		return true
	}
	return false
}

// YearDays is the length of the convention's year.
func (d DayCount) YearDays() int {
	if d == DayCountActual365 {
		return 365
	}
	return 360
}

// Compounding selects between simple daily pro-rata and daily compounding.
type Compounding string

const (
	CompoundingSimple Compounding = "SIMPLE"
	CompoundingDaily  Compounding = "DAILY"
)

func (c Compounding) Valid() bool {
	return c == CompoundingSimple || c == CompoundingDaily
}

// PenaltyTarget is the amount a late-payment penalty is computed on.
type PenaltyTarget string

const (
	PenaltyOnOutstandingInterest PenaltyTarget = "OUTSTANDING_INTEREST"
	PenaltyOnOutstandingBalance  PenaltyTarget = "OUTSTANDING_BALANCE"
	PenaltyOnDueAmount           PenaltyTarget = "DUE_AMOUNT"
)

func (t PenaltyTarget) Valid() bool {
	switch t {
	case PenaltyOnOutstandingInterest, PenaltyOnOutstandingBalance, PenaltyOnDueAmount:
		return true
	}
	return false
}

// CapitalTarget is the loan field the capital bucket of an allocation draws from.
type CapitalTarget string

const (
	CapitalFromOutstandingBalance CapitalTarget = "OUTSTANDING_BALANCE"
	CapitalFromDueAmount          CapitalTarget = "DUE_AMOUNT"
)

func (t CapitalTarget) Valid() bool {
	return t == CapitalFromOutstandingBalance || t == CapitalFromDueAmount
}

// RepaymentOrder ranks the fine, interest and capital buckets. Lower ranks are
// paid first; buckets sharing a rank are split by their rate weights.
type RepaymentOrder struct {
	InterestOrder int             `json:"interest_order"`
	CapitalOrder  int             `json:"capital_order"`
	FineOrder     int             `json:"fine_order"`
	InterestRate  decimal.Decimal `json:"interest_rate"`
	CapitalRate   decimal.Decimal `json:"capital_rate"`
	FineRate      decimal.Decimal `json:"fine_rate"`
}

func (o RepaymentOrder) Validate() error {
	if o.InterestOrder < 1 || o.CapitalOrder < 1 || o.FineOrder < 1 {
		return fmt.Errorf("%w: repayment order ranks must be positive", ErrInvalidProduct)
	}
	if o.InterestRate.IsNegative() || o.CapitalRate.IsNegative() || o.FineRate.IsNegative() {
		return fmt.Errorf("%w: repayment order weights must not be negative", ErrInvalidProduct)
	}
	return nil
}

// PenaltyConfig describes late-payment charges.
type PenaltyConfig struct {
	StartDayAfterDueDate int             `json:"start_day_after_due_date"`
	StopAfterDays        int             `json:"stop_after_days"` // Zero means uncapped
	Rate                 decimal.Decimal `json:"rate"`            // Annualised
	Target               PenaltyTarget   `json:"target"`
}

// LoanProduct is the read-only configuration a loan references.
type LoanProduct struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	DayCount        DayCount        `json:"day_count"`
	Compounding     Compounding     `json:"compounding"`
	MinInterestRate decimal.Decimal `json:"min_interest_rate"`
	MaxInterestRate decimal.Decimal `json:"max_interest_rate"` // Zero means unbounded
	TaxRate         decimal.Decimal `json:"tax_rate"`
	Penalty         PenaltyConfig   `json:"penalty"`
	Thresholds      Thresholds      `json:"thresholds"`
	RepaymentOrder  *RepaymentOrder `json:"repayment_order,omitempty"`
	CapitalTarget   CapitalTarget   `json:"capital_target"`
}

// Validate returns an ErrInvalidProduct wrapped error describing the first problem found.
func (p LoanProduct) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: product id is required", ErrInvalidProduct)
	}
	if !p.DayCount.Valid() {
		return fmt.Errorf("%w: product %s: unknown day count %q", ErrInvalidProduct, p.ID, p.DayCount)
	}
	if !p.Compounding.Valid() {
		return fmt.Errorf("%w: product %s: unknown compounding %q", ErrInvalidProduct, p.ID, p.Compounding)
	}
	if !p.CapitalTarget.Valid() {
		return fmt.Errorf("%w: product %s: unknown capital target %q", ErrInvalidProduct, p.ID, p.CapitalTarget)
	}
	if p.MinInterestRate.IsNegative() || p.MaxInterestRate.IsNegative() {
		return fmt.Errorf("%w: product %s: negative rate bound", ErrInvalidProduct, p.ID)
	}
	if !p.MaxInterestRate.IsZero() && p.MaxInterestRate.LessThan(p.MinInterestRate) {
		return fmt.Errorf("%w: product %s: max rate below min rate", ErrInvalidProduct, p.ID)
	}
	if p.TaxRate.IsNegative() {
		return fmt.Errorf("%w: product %s: negative tax rate", ErrInvalidProduct, p.ID)
	}
	if p.Penalty.StartDayAfterDueDate < 0 || p.Penalty.StopAfterDays < 0 || p.Penalty.Rate.IsNegative() {
		return fmt.Errorf("%w: product %s: negative penalty setting", ErrInvalidProduct, p.ID)
	}
	if p.Penalty.Rate.IsPositive() && !p.Penalty.Target.Valid() {
		return fmt.Errorf("%w: product %s: unknown penalty target %q", ErrInvalidProduct, p.ID, p.Penalty.Target)
	}
	if err := p.Thresholds.Validate(); err != nil {
		return fmt.Errorf("product %s: %w", p.ID, err)
	}
	if p.RepaymentOrder == nil {
		return fmt.Errorf("%w: product %s: missing repayment order", ErrInvalidProduct, p.ID)
	}
	if err := p.RepaymentOrder.Validate(); err != nil {
		return fmt.Errorf("product %s: %w", p.ID, err)
	}
	return nil
}

// RateInBounds reports whether a loan rate is within the product's configured bounds.
func (p LoanProduct) RateInBounds(rate decimal.Decimal) bool {
	if rate.LessThan(p.MinInterestRate) {
		return false
	}
	return p.MaxInterestRate.IsZero() || !rate.GreaterThan(p.MaxInterestRate)
}
