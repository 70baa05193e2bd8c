package delinquency

import (
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/mcclellann/loancore/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dueDate = civil.Date{Year: 2026, Month: time.January, Day: 1}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func product() models.LoanProduct {
	return models.LoanProduct{
		ID:          "retail",
		DayCount:    models.DayCountActual365,
		Compounding: models.CompoundingSimple,
		Penalty: models.PenaltyConfig{
			StartDayAfterDueDate: 5,
			StopAfterDays:        10,
			Rate:                 dec("0.365"),
			Target:               models.PenaltyOnOutstandingBalance,
		},
		Thresholds:     models.DefaultThresholds(),
		RepaymentOrder: &models.RepaymentOrder{FineOrder: 1, InterestOrder: 2, CapitalOrder: 3},
		CapitalTarget:  models.CapitalFromOutstandingBalance,
	}
}

func overdueLoan() models.Loan {
	return models.Loan{
		ID:                  uuid.New(),
		ProductID:           "retail",
		Status:              models.LoanStatusActive,
		Principal:           dec("1000"),
		OutstandingBalance:  dec("1000"),
		DueAmount:           dec("100"),
		NextInstallmentDate: dueDate,
		DelinquencyStatus:   models.DelinquencyCurrent,
	}
}

func TestEvaluateNothingDueIsCurrent(t *testing.T) {
	loan := overdueLoan()
	loan.DueAmount = decimal.Zero
	res, err := Evaluate(loan, product(), dueDate.AddDays(40))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Loan.DaysPastDue)
	assert.Equal(t, models.DelinquencyCurrent, res.Loan.DelinquencyStatus)
	assert.Nil(t, res.Transition)
	assert.Equal(t, dueDate.AddDays(40), res.Loan.LastDelinquencyProcessedDate)
}

func TestDaysPastDueGrowsOneADayAndCrossesThresholds(t *testing.T) {
	loan := overdueLoan()
	crossings := map[int]models.DelinquencyStatus{}
	for n := 1; n <= 200; n++ {
		res, err := Evaluate(loan, product(), dueDate.AddDays(n))
		require.NoError(t, err)
		require.Equal(t, n, res.Loan.DaysPastDue)
		if res.Transition != nil {
			crossings[n] = res.Transition.To
		}
		loan = res.Loan
	}
	assert.Equal(t, map[int]models.DelinquencyStatus{
		1:   models.DelinquencyEarlyWarning,
		30:  models.DelinquencyDelinquent,
		90:  models.DelinquencySeriouslyDelinquent,
		180: models.DelinquencyWriteOffCandidate,
	}, crossings)
	assert.False(t, loan.IsWriteOffLoan, "write-off candidates are only flagged")
}

func TestPenaltyStopsAtCap(t *testing.T) {
	loan := overdueLoan()
	penaltyAt := map[int]decimal.Decimal{}
	for n := 1; n <= 30; n++ {
		res, err := Evaluate(loan, product(), dueDate.AddDays(n))
		require.NoError(t, err)
		loan = res.Loan
		penaltyAt[n] = loan.PenaltyAccrued
	}
	// 1000 * 0.365 / 365 = 1.00 per chargeable day.
	assert.True(t, penaltyAt[5].IsZero())
	assert.True(t, penaltyAt[6].Equal(dec("1")), "day 6: %s", penaltyAt[6])
	assert.True(t, penaltyAt[15].Equal(dec("10")), "day 15: %s", penaltyAt[15])
	assert.True(t, penaltyAt[16].Equal(dec("10")), "day 16: %s", penaltyAt[16])
	assert.True(t, penaltyAt[30].Equal(dec("10")), "day 30: %s", penaltyAt[30])
	assert.Equal(t, 10, loan.PenaltyDaysCharged)
}

func TestEvaluateIdempotentForSameDay(t *testing.T) {
	first, err := Evaluate(overdueLoan(), product(), dueDate.AddDays(8))
	require.NoError(t, err)
	second, err := Evaluate(first.Loan, product(), dueDate.AddDays(8))
	require.NoError(t, err)
	assert.True(t, second.AlreadyDone)
	assert.True(t, second.Loan.PenaltyAccrued.Equal(first.Loan.PenaltyAccrued))
	assert.Empty(t, second.Postings)
}

func TestCatchUpConvergesWithDailyRuns(t *testing.T) {
	daily := overdueLoan()
	for n := 1; n <= 20; n++ {
		res, err := Evaluate(daily, product(), dueDate.AddDays(n))
		require.NoError(t, err)
		daily = res.Loan
	}
	jump, err := Evaluate(overdueLoan(), product(), dueDate.AddDays(20))
	require.NoError(t, err)

	assert.Equal(t, daily.DaysPastDue, jump.Loan.DaysPastDue)
	assert.Equal(t, daily.DelinquencyStatus, jump.Loan.DelinquencyStatus)
	assert.True(t, daily.PenaltyAccrued.Equal(jump.Loan.PenaltyAccrued), "daily %s jump %s", daily.PenaltyAccrued, jump.Loan.PenaltyAccrued)
}

func TestAdvancePaymentAbsorbsDueAmount(t *testing.T) {
	loan := overdueLoan()
	loan.AdvancedPaymentAmount = dec("150")
	res, err := Evaluate(loan, product(), dueDate.AddDays(3))
	require.NoError(t, err)
	assert.True(t, res.Loan.DueAmount.IsZero())
	assert.True(t, res.Loan.AdvancedPaymentAmount.Equal(dec("50")))
	assert.True(t, res.Absorbed.Equal(dec("100")))
	assert.True(t, res.Loan.OutstandingBalance.Equal(dec("900")), "balance %s", res.Loan.OutstandingBalance)
	assert.True(t, res.Loan.PrincipalPaid.Equal(dec("100")))
	assert.Equal(t, models.DelinquencyCurrent, res.Loan.DelinquencyStatus)
	require.Len(t, res.Postings, 1)
	assert.Equal(t, models.TransactionTypeAdvanceUsed, res.Postings[0].Bucket)
	assert.True(t, res.Postings[0].Amount.Equal(dec("100")))
}

func TestAdvancePaymentAbsorptionConservesMoney(t *testing.T) {
	loan := overdueLoan()
	loan.OutstandingBalance = dec("900")
	loan.AccrualInterest = dec("10")
	loan.AdvancedPaymentAmount = dec("50")
	owed := func(l models.Loan) decimal.Decimal {
		return l.OutstandingBalance.Add(l.AccrualInterest).Add(l.PenaltyAccrued).Sub(l.AdvancedPaymentAmount)
	}
	paid := func(l models.Loan) decimal.Decimal {
		return l.PrincipalPaid.Add(l.InterestPaid).Add(l.PenaltyPaid)
	}

	res, err := Evaluate(loan, product(), dueDate)
	require.NoError(t, err)
	got := res.Loan
	assert.True(t, res.Absorbed.Equal(dec("50")))
	assert.True(t, got.AdvancedPaymentAmount.IsZero())
	assert.True(t, got.DueAmount.Equal(dec("50")), "due %s", got.DueAmount)
	assert.True(t, got.AccrualInterest.IsZero())
	assert.True(t, got.InterestPaid.Equal(dec("10")))
	assert.True(t, got.OutstandingBalance.Equal(dec("860")), "balance %s", got.OutstandingBalance)
	assert.True(t, got.PrincipalPaid.Equal(dec("40")))
	assert.True(t, paid(got).Sub(paid(loan)).Equal(res.Absorbed))
	assert.True(t, owed(got).Equal(owed(loan)), "owed before %s after %s", owed(loan), owed(got))
}

func TestAdvancePaymentWithNothingOutstandingIsKept(t *testing.T) {
	loan := overdueLoan()
	loan.OutstandingBalance = decimal.Zero
	loan.AdvancedPaymentAmount = dec("30")
	res, err := Evaluate(loan, product(), dueDate)
	require.NoError(t, err)
	assert.True(t, res.Absorbed.IsZero())
	assert.True(t, res.Loan.AdvancedPaymentAmount.Equal(dec("30")))
	assert.True(t, res.Loan.DueAmount.Equal(dec("100")))
	assert.Empty(t, res.Postings)
}

func TestAdvancePaymentDaysDelayAging(t *testing.T) {
	loan := overdueLoan()
	loan.AdvancedPaymentDays = 5
	res, err := Evaluate(loan, product(), dueDate.AddDays(4))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Loan.DaysPastDue)

	res, err = Evaluate(res.Loan, product(), dueDate.AddDays(9))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Loan.DaysPastDue)
	assert.Equal(t, models.DelinquencyEarlyWarning, res.Loan.DelinquencyStatus)
}

func TestPaymentResetsToCurrent(t *testing.T) {
	res, err := Evaluate(overdueLoan(), product(), dueDate.AddDays(45))
	require.NoError(t, err)
	require.Equal(t, models.DelinquencyDelinquent, res.Loan.DelinquencyStatus)

	paid := res.Loan
	paid.DueAmount = decimal.Zero
	res, err = Evaluate(paid, product(), dueDate.AddDays(46))
	require.NoError(t, err)
	assert.Equal(t, models.DelinquencyCurrent, res.Loan.DelinquencyStatus)
	assert.Equal(t, 0, res.Loan.DaysPastDue)
	assert.Equal(t, 0, res.Loan.PenaltyDaysCharged)
	require.NotNil(t, res.Transition)
	assert.Equal(t, models.DelinquencyDelinquent, res.Transition.From)
	assert.True(t, res.Loan.PenaltyAccrued.Equal(paid.PenaltyAccrued), "billed penalty stays owed")
}

func TestEvaluateIntegrityErrors(t *testing.T) {
	loan := overdueLoan()
	loan.DueAmount = dec("-5")
	_, err := Evaluate(loan, product(), dueDate.AddDays(1))
	var integrity *IntegrityError
	require.True(t, errors.As(err, &integrity))

	loan = overdueLoan()
	loan.DelinquencyStatus = "LATE-ISH"
	_, err = Evaluate(loan, product(), dueDate.AddDays(1))
	require.True(t, errors.As(err, &integrity))
}

func TestChargeableDays(t *testing.T) {
	cfg := models.PenaltyConfig{StartDayAfterDueDate: 3, StopAfterDays: 7}
	assert.Equal(t, 0, ChargeableDays(cfg, 3))
	assert.Equal(t, 1, ChargeableDays(cfg, 4))
	assert.Equal(t, 7, ChargeableDays(cfg, 10))
	assert.Equal(t, 7, ChargeableDays(cfg, 400))
	cfg.StopAfterDays = 0
	assert.Equal(t, 397, ChargeableDays(cfg, 400))
}
