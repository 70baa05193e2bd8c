// Package allocation splits a repayment across the fine, interest and capital
// buckets of a loan according to a product's repayment order, and applies the
// resulting breakdown to the loan.
//
// All arithmetic is done in integer cents, so the parts of an allocation
// always add up to the payment amount exactly.
package allocation

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mcclellann/loancore/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	ErrNonPositivePayment = errors.New("payment amount must be positive")
	ErrSubCentAmount      = errors.New("payment amount has sub-cent precision")
	ErrNothingOutstanding = errors.New("nothing outstanding to allocate to")
	ErrNegativeBucket     = errors.New("outstanding bucket is negative")
)

// IsValidation reports whether err is a request the caller must correct.
func IsValidation(err error) bool {
	return errors.Is(err, ErrNonPositivePayment) ||
		errors.Is(err, ErrSubCentAmount) ||
		errors.Is(err, ErrNothingOutstanding)
}

type Bucket string

const (
	BucketFine     Bucket = "FINE"
	BucketInterest Bucket = "INTEREST"
	BucketCapital  Bucket = "CAPITAL"
)

// Buckets are the outstanding amounts a payment can be applied to. Tax is
// collected under the interest rank, ahead of the interest itself.
type Buckets struct {
	Fine     decimal.Decimal `json:"fine"`
	Interest decimal.Decimal `json:"interest"`
	Tax      decimal.Decimal `json:"tax"`
	Capital  decimal.Decimal `json:"capital"`
}

// BucketsFor reads the outstanding buckets of a loan, drawing capital from the
// field the product configures.
func BucketsFor(loan models.Loan, product models.LoanProduct) Buckets {
	capital := loan.OutstandingBalance
	if product.CapitalTarget == models.CapitalFromDueAmount {
		capital = loan.DueAmount
	}
	return Buckets{Fine: loan.PenaltyAccrued, Interest: loan.AccrualInterest, Tax: loan.TaxAccrued, Capital: capital}
}

// Line is the allocation to one bucket.
type Line struct {
	Bucket      Bucket          `json:"bucket"`
	Rank        int             `json:"rank"`
	Outstanding decimal.Decimal `json:"outstanding"`
	Paid        decimal.Decimal `json:"paid"`
}

// Result is an allocation breakdown. PenaltyPaid + TaxPaid + InterestPaid +
// PrincipalPaid + Remainder equals the payment amount.
type Result struct {
	Amount        decimal.Decimal `json:"amount"`
	PenaltyPaid   decimal.Decimal `json:"penalty_paid"`
	TaxPaid       decimal.Decimal `json:"tax_paid"`
	InterestPaid  decimal.Decimal `json:"interest_paid"`
	PrincipalPaid decimal.Decimal `json:"principal_paid"`
	Remainder     decimal.Decimal `json:"remainder"` // Over-payment credited as advance payment
	Lines         []Line          `json:"lines"`
}

type slot struct {
	bucket      Bucket
	rank        int
	weight      decimal.Decimal
	outstanding int64
	paid        int64
}

func (s *slot) room() int64 {
	return s.outstanding - s.paid
}

// Allocate applies amount to the buckets in order. It does not mutate anything.
func Allocate(b Buckets, order models.RepaymentOrder, amount decimal.Decimal) (Result, error) {
	if !amount.IsPositive() {
		return Result{}, ErrNonPositivePayment
	}
	total, ok := toCents(amount)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrSubCentAmount, amount)
	}
	if err := order.Validate(); err != nil {
		return Result{}, err
	}

	// Canonical order fine, interest, capital breaks rank ties.
	slots := []*slot{
		{bucket: BucketFine, rank: order.FineOrder, weight: order.FineRate},
		{bucket: BucketInterest, rank: order.InterestOrder, weight: order.InterestRate},
		{bucket: BucketCapital, rank: order.CapitalOrder, weight: order.CapitalRate},
	}
	if b.Tax.IsNegative() {
		return Result{}, fmt.Errorf("%w: TAX %s", ErrNegativeBucket, b.Tax)
	}
	taxCents, _ := toCents(b.Tax.RoundBank(models.CurrencyPlaces))
	var outstanding int64
	for i, amt := range []decimal.Decimal{b.Fine, b.Interest, b.Capital} {
		if amt.IsNegative() {
			return Result{}, fmt.Errorf("%w: %s %s", ErrNegativeBucket, slots[i].bucket, amt)
		}
		cents, _ := toCents(amt.RoundBank(models.CurrencyPlaces))
		slots[i].outstanding = cents
		outstanding += cents
	}
	slots[1].outstanding += taxCents
	outstanding += taxCents
	if outstanding == 0 {
		return Result{}, ErrNothingOutstanding
	}

	ranked := make([]*slot, len(slots))
	copy(ranked, slots)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].rank < ranked[j].rank })

	remaining := total
	for start := 0; start < len(ranked) && remaining > 0; {
		end := start + 1
		for end < len(ranked) && ranked[end].rank == ranked[start].rank {
			end++
		}
		remaining = fill(ranked[start:end], remaining)
		start = end
	}

	res := Result{Amount: fromCents(total), Remainder: fromCents(remaining)}
	for _, s := range ranked {
		res.Lines = append(res.Lines, Line{Bucket: s.bucket, Rank: s.rank, Outstanding: fromCents(s.outstanding), Paid: fromCents(s.paid)})
	}
	taxPaid := min(slots[1].paid, taxCents)
	res.PenaltyPaid = fromCents(slots[0].paid)
	res.TaxPaid = fromCents(taxPaid)
	res.InterestPaid = fromCents(slots[1].paid - taxPaid)
	res.PrincipalPaid = fromCents(slots[2].paid)
	return res, nil
}

// Applied is the part of the result that reduced a bucket.
func (r Result) Applied() decimal.Decimal {
	return r.PenaltyPaid.Add(r.TaxPaid).Add(r.InterestPaid).Add(r.PrincipalPaid)
}

// Apply moves a breakdown onto loan: buckets and the due amount shrink,
// paid-to-date totals grow and the remainder becomes advance payment credit.
// A loan left owing nothing is settled.
func Apply(loan *models.Loan, res Result) {
	floor := func(d decimal.Decimal) decimal.Decimal {
		if d.IsNegative() {
			return decimal.Zero
		}
		return d
	}
	loan.PenaltyAccrued = floor(loan.PenaltyAccrued.Sub(res.PenaltyPaid))
	loan.TaxAccrued = floor(loan.TaxAccrued.Sub(res.TaxPaid))
	loan.AccrualInterest = floor(loan.AccrualInterest.Sub(res.InterestPaid))
	loan.OutstandingBalance = floor(loan.OutstandingBalance.Sub(res.PrincipalPaid))
	loan.DueAmount = floor(loan.DueAmount.Sub(res.Applied()))

	loan.PenaltyPaid = loan.PenaltyPaid.Add(res.PenaltyPaid)
	loan.TaxPaid = loan.TaxPaid.Add(res.TaxPaid)
	loan.InterestPaid = loan.InterestPaid.Add(res.InterestPaid)
	loan.PrincipalPaid = loan.PrincipalPaid.Add(res.PrincipalPaid)
	loan.AdvancedPaymentAmount = loan.AdvancedPaymentAmount.Add(res.Remainder)

	if loan.IsSettled() {
		loan.Status = models.LoanStatusSettled
	}
}

// fill distributes avail cents across buckets sharing one rank and returns
// what is left. Each round splits by configured weight among unfilled buckets,
// falling back to their remaining outstanding amounts when no weight is set.
func fill(group []*slot, avail int64) int64 {
	for avail > 0 {
		var active []*slot
		for _, s := range group {
			if s.room() > 0 {
				active = append(active, s)
			}
		}
		if len(active) == 0 {
			return avail
		}
		weights := make([]decimal.Decimal, len(active))
		sum := decimal.Zero
		for i, s := range active {
			weights[i] = s.weight
			sum = sum.Add(s.weight)
		}
		if !sum.IsPositive() {
			for i, s := range active {
				weights[i] = decimal.NewFromInt(s.room())
			}
		}

		shares := largestRemainder(avail, weights)
		var spent int64
		for i, s := range active {
			give := min(shares[i], s.room())
			s.paid += give
			spent += give
		}
		if spent == 0 {
			return avail
		}
		avail -= spent
	}
	return avail
}

// largestRemainder splits total cents proportionally to weights so the shares
// sum to total. Leftover cents go to the largest fractional parts, earlier
// entries first on ties.
func largestRemainder(total int64, weights []decimal.Decimal) []int64 {
	shares := make([]int64, len(weights))
	sum := decimal.Zero
	for _, w := range weights {
		sum = sum.Add(w)
	}
	if !sum.IsPositive() {
		return shares
	}
	// QuoRem is exact: total*w = q*sum + r with 0 <= r < sum, so the floors
	// never exceed total and r orders the fractional parts.
	fracs := make([]decimal.Decimal, len(weights))
	var given int64
	for i, w := range weights {
		q, r := decimal.NewFromInt(total).Mul(w).QuoRem(sum, 0)
		shares[i] = q.IntPart()
		fracs[i] = r
		given += shares[i]
	}
	order := make([]int, len(weights))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return fracs[order[a]].GreaterThan(fracs[order[b]]) })
	for k := 0; given < total; k++ {
		idx := order[k%len(order)]
		if weights[idx].IsPositive() {
			shares[idx]++
			given++
		}
	}
	return shares
}

func toCents(d decimal.Decimal) (int64, bool) {
	shifted := d.Shift(models.CurrencyPlaces)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, false
	}
	return shifted.IntPart(), true
}

func fromCents(c int64) decimal.Decimal {
	return decimal.New(c, -models.CurrencyPlaces)
}
