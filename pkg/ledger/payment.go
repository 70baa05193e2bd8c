package ledger

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/mcclellann/loancore/pkg/allocation"
	"github.com/mcclellann/loancore/pkg/audit"
	"github.com/mcclellann/loancore/pkg/models"
	"github.com/mcclellann/loancore/pkg/store"
	"github.com/shopspring/decimal"
)

// TriggerRepayment computes the allocation of amount against the latest
// persisted state of a loan. It does not change the loan.
func (l *Ledger) TriggerRepayment(ctx context.Context, loanID uuid.UUID, amount decimal.Decimal) (allocation.Result, error) {
	loan, err := l.storage.FetchLoan(ctx, loanID)
	if err != nil {
		return allocation.Result{}, err
	}
	res, err := l.allocate(loan, amount)
	l.metrics.ObserveAllocation(err)
	return res, err
}

func (l *Ledger) allocate(loan *models.Loan, amount decimal.Decimal) (allocation.Result, error) {
	if loan.Status != models.LoanStatusActive || loan.IsWriteOffLoan {
		return allocation.Result{}, fmt.Errorf("%w: %s is %s", ErrLoanNotActive, loan.ID, loan.Status)
	}
	product, err := l.Product(loan.ProductID)
	if err != nil {
		return allocation.Result{}, err
	}
	return allocation.Allocate(allocation.BucketsFor(*loan, product), *product.RepaymentOrder, amount)
}

// Payment is an applied repayment.
type Payment struct {
	TransactionID uuid.UUID         `json:"transaction_id"`
	Allocation    allocation.Result `json:"allocation"`
	Loan          *models.Loan      `json:"loan"`
}

// RecordPayment allocates amount and applies the breakdown to the loan in one
// versioned update: buckets are reduced, paid-to-date totals grow, any
// remainder becomes advance payment credit and a loan left owing nothing is
// settled.
func (l *Ledger) RecordPayment(ctx context.Context, loanID uuid.UUID, amount decimal.Decimal, valueDate civil.Date, actor string) (Payment, error) {
	if valueDate.IsZero() {
		valueDate = l.Today()
	}
	pay, err := l.recordPayment(ctx, loanID, amount, valueDate)
	l.metrics.ObserveAllocation(err)

	action := audit.Action{Name: "record_payment", Actor: actor, LoanID: loanID, Date: valueDate, Err: err}
	if err == nil {
		action.Detail = fmt.Sprintf("amount=%s penalty=%s tax=%s interest=%s principal=%s remainder=%s",
			pay.Allocation.Amount, pay.Allocation.PenaltyPaid, pay.Allocation.TaxPaid, pay.Allocation.InterestPaid,
			pay.Allocation.PrincipalPaid, pay.Allocation.Remainder)
	}
	l.audit.Action(ctx, action)
	return pay, err
}

func (l *Ledger) recordPayment(ctx context.Context, loanID uuid.UUID, amount decimal.Decimal, valueDate civil.Date) (Payment, error) {
	if valueDate.After(l.Today()) {
		return Payment{}, fmt.Errorf("%w: %s", ErrFutureDate, valueDate)
	}
	pay := Payment{TransactionID: uuid.New()}
	mutate := func(row *models.Loan) ([]*models.Transaction, error) {
		res, err := l.allocate(row, amount)
		if err != nil {
			return nil, err
		}
		allocation.Apply(row, res)
		pay.Allocation = res

		key := models.PostingKey(row.ID, valueDate, models.TransactionTypePayment) + ":" + pay.TransactionID.String()
		txns := []*models.Transaction{{
			ID:         pay.TransactionID,
			Amount:     res.Amount,
			Type:       models.TransactionTypePayment,
			ValueDate:  valueDate,
			PostingKey: key,
		}}
		if res.Remainder.IsPositive() {
			txns = append(txns, &models.Transaction{
				Amount:     res.Remainder,
				Type:       models.TransactionTypeAdvance,
				ValueDate:  valueDate,
				PostingKey: models.PostingKey(row.ID, valueDate, models.TransactionTypeAdvance) + ":" + pay.TransactionID.String(),
			})
		}
		pay.Loan = row
		return txns, nil
	}

	loan, err := l.storage.FetchLoan(ctx, loanID)
	if err != nil {
		return Payment{}, err
	}
	_, err = l.storage.UpdateLoan(ctx, loanID, loan.Version, mutate)
	if errors.Is(err, store.ErrVersionConflict) {
		l.metrics.ObserveVersionConflict()
		if loan, err = l.storage.FetchLoan(ctx, loanID); err != nil {
			return Payment{}, err
		}
		_, err = l.storage.UpdateLoan(ctx, loanID, loan.Version, mutate)
	}
	if err != nil {
		return Payment{}, err
	}
	return pay, nil
}
