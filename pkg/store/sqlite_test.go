package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/mcclellann/loancore/pkg/models"
	"github.com/shopspring/decimal"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "loancore_test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func date(y int, m time.Month, d int) civil.Date {
	return civil.Date{Year: y, Month: m, Day: d}
}

func sampleLoan() *models.Loan {
	return &models.Loan{
		ID:                         uuid.New(),
		CustomerID:                 "cust_test",
		LoanApplicationID:          "app-1",
		ProductID:                  "retail",
		Status:                     models.LoanStatusActive,
		Principal:                  decimal.NewFromInt(2000),
		OutstandingBalance:         decimal.NewFromInt(2000),
		InterestRate:               decimal.RequireFromString("0.05"),
		InterestPeriodBasis:        models.PeriodYear,
		DisbursementDate:           date(2026, time.January, 10),
		NextInstallmentDate:        date(2026, time.February, 10),
		LastInterestCalculatedDate: date(2026, time.January, 10),
		DelinquencyStatus:          models.DelinquencyCurrent,
		LoanStructuringStatus:      models.StructuringNone,
	}
}

func TestSQLiteStore_CreateAndFetchLoan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	loan := sampleLoan()
	loan.StopInterestCalculation = true
	loan.StopReason = models.StopReasonLegalAction
	if err := s.CreateLoan(ctx, loan); err != nil {
		t.Fatalf("Failed to create loan: %v", err)
	}

	fetched, err := s.FetchLoan(ctx, loan.ID)
	if err != nil {
		t.Fatalf("Failed to get loan: %v", err)
	}
	if fetched.CustomerID != loan.CustomerID {
		t.Errorf("Expected CustomerID %s, got %s", loan.CustomerID, fetched.CustomerID)
	}
	if !fetched.Principal.Equal(loan.Principal) {
		t.Errorf("Expected Principal %s, got %s", loan.Principal, fetched.Principal)
	}
	if fetched.DisbursementDate != loan.DisbursementDate {
		t.Errorf("Expected DisbursementDate %s, got %s", loan.DisbursementDate, fetched.DisbursementDate)
	}
	if !fetched.MaturityDate.IsZero() {
		t.Errorf("Expected zero MaturityDate, got %s", fetched.MaturityDate)
	}
	if !fetched.StopInterestCalculation || fetched.StopReason != models.StopReasonLegalAction {
		t.Errorf("Expected stop flag with reason, got %v %q", fetched.StopInterestCalculation, fetched.StopReason)
	}
	if fetched.Version != 1 {
		t.Errorf("Expected Version 1, got %d", fetched.Version)
	}
}

func TestSQLiteStore_FetchLoanNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.FetchLoan(context.Background(), uuid.New())
	if !errors.Is(err, ErrLoanNotFound) {
		t.Fatalf("Expected ErrLoanNotFound, got %v", err)
	}
}

func TestSQLiteStore_FetchActiveLoans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	active := sampleLoan()
	future := sampleLoan()
	future.DisbursementDate = date(2026, time.March, 1)
	review := sampleLoan()
	review.NeedsReview = true
	settled := sampleLoan()
	settled.Status = models.LoanStatusSettled
	for _, l := range []*models.Loan{active, future, review, settled} {
		if err := s.CreateLoan(ctx, l); err != nil {
			t.Fatalf("Failed to create loan: %v", err)
		}
	}

	loans, err := s.FetchActiveLoans(ctx, date(2026, time.February, 1))
	if err != nil {
		t.Fatalf("Failed to fetch active loans: %v", err)
	}
	if len(loans) != 1 || loans[0].ID != active.ID {
		t.Fatalf("Expected only loan %s, got %d loans", active.ID, len(loans))
	}
}

func TestSQLiteStore_UpdateLoanWithTransactions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	loan := sampleLoan()
	if err := s.CreateLoan(ctx, loan); err != nil {
		t.Fatalf("Failed to create loan: %v", err)
	}

	valueDate := date(2026, time.January, 11)
	version, err := s.UpdateLoan(ctx, loan.ID, 1, func(l *models.Loan) ([]*models.Transaction, error) {
		l.AccrualInterest = decimal.RequireFromString("0.27")
		l.LastInterestCalculatedDate = valueDate
		return []*models.Transaction{{
			Amount:     decimal.RequireFromString("0.27"),
			Type:       models.TransactionTypeInterest,
			ValueDate:  valueDate,
			PostingKey: models.PostingKey(l.ID, valueDate, models.TransactionTypeInterest),
		}}, nil
	})
	if err != nil {
		t.Fatalf("Failed to update loan: %v", err)
	}
	if version != 2 {
		t.Errorf("Expected version 2, got %d", version)
	}

	fetched, err := s.FetchLoan(ctx, loan.ID)
	if err != nil {
		t.Fatalf("Failed to get loan: %v", err)
	}
	if !fetched.AccrualInterest.Equal(decimal.RequireFromString("0.27")) {
		t.Errorf("Expected accrual 0.27, got %s", fetched.AccrualInterest)
	}
	if fetched.LastInterestCalculatedDate != valueDate {
		t.Errorf("Expected watermark %s, got %s", valueDate, fetched.LastInterestCalculatedDate)
	}

	txs, err := s.GetTransactionsForLoan(ctx, loan.ID)
	if err != nil {
		t.Fatalf("Failed to get transactions: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("Expected 1 transaction, got %d", len(txs))
	}
	if txs[0].ValueDate != valueDate || txs[0].Type != models.TransactionTypeInterest {
		t.Errorf("Unexpected transaction %+v", txs[0])
	}
}

func TestSQLiteStore_UpdateLoanVersionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	loan := sampleLoan()
	if err := s.CreateLoan(ctx, loan); err != nil {
		t.Fatalf("Failed to create loan: %v", err)
	}

	called := false
	_, err := s.UpdateLoan(ctx, loan.ID, 7, func(l *models.Loan) ([]*models.Transaction, error) {
		called = true
		return nil, nil
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("Expected ErrVersionConflict, got %v", err)
	}
	if called {
		t.Error("Mutation must not run on a stale version")
	}
}

func TestSQLiteStore_DuplicatePostingRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	loan := sampleLoan()
	if err := s.CreateLoan(ctx, loan); err != nil {
		t.Fatalf("Failed to create loan: %v", err)
	}
	valueDate := date(2026, time.January, 11)
	post := func(l *models.Loan) ([]*models.Transaction, error) {
		l.AccrualInterest = l.AccrualInterest.Add(decimal.NewFromInt(1))
		return []*models.Transaction{{
			Amount:     decimal.NewFromInt(1),
			Type:       models.TransactionTypeInterest,
			ValueDate:  valueDate,
			PostingKey: models.PostingKey(l.ID, valueDate, models.TransactionTypeInterest),
		}}, nil
	}
	if _, err := s.UpdateLoan(ctx, loan.ID, 1, post); err != nil {
		t.Fatalf("First update failed: %v", err)
	}
	if _, err := s.UpdateLoan(ctx, loan.ID, 2, post); !errors.Is(err, ErrDuplicatePosting) {
		t.Fatalf("Expected ErrDuplicatePosting, got %v", err)
	}

	fetched, err := s.FetchLoan(ctx, loan.ID)
	if err != nil {
		t.Fatalf("Failed to get loan: %v", err)
	}
	if !fetched.AccrualInterest.Equal(decimal.NewFromInt(1)) || fetched.Version != 2 {
		t.Errorf("Expected rolled back loan at accrual 1 version 2, got %s version %d", fetched.AccrualInterest, fetched.Version)
	}
}

func TestSQLiteStore_Runs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	runDate := date(2026, time.January, 11)

	run := &models.AccrualRun{RunDate: runDate, Attempt: 1, Status: models.RunStatusRunning, StartedAt: time.Now()}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("Failed to create run: %v", err)
	}
	done := time.Now()
	run.Status = models.RunStatusCompleted
	run.LoansProcessed = 3
	run.CompletedAt = &done
	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatalf("Failed to update run: %v", err)
	}
	run.LoansProcessed = 99
	if err := s.UpdateRun(ctx, run); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("Expected completed run to be immutable, got %v", err)
	}

	runs, err := s.RunsForDate(ctx, runDate)
	if err != nil {
		t.Fatalf("Failed to get runs: %v", err)
	}
	if len(runs) != 1 || runs[0].LoansProcessed != 3 || runs[0].CompletedAt == nil {
		t.Fatalf("Unexpected runs %+v", runs)
	}
	if runs[0].RunDate != runDate {
		t.Errorf("Expected run date %s, got %s", runDate, runs[0].RunDate)
	}

	listed, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("Failed to list runs: %v", err)
	}
	if len(listed) != 1 {
		t.Errorf("Expected 1 run, got %d", len(listed))
	}
}

func TestSQLiteStore_Watermark(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wm, err := s.Watermark(ctx)
	if err != nil {
		t.Fatalf("Failed to read watermark: %v", err)
	}
	if !wm.IsZero() {
		t.Fatalf("Expected empty watermark, got %s", wm)
	}
	if err := s.SetWatermark(ctx, date(2026, time.January, 12)); err != nil {
		t.Fatalf("Failed to set watermark: %v", err)
	}
	if err := s.SetWatermark(ctx, date(2026, time.January, 11)); err == nil {
		t.Error("Expected the watermark to refuse moving backwards")
	}
	wm, _ = s.Watermark(ctx)
	if wm != date(2026, time.January, 12) {
		t.Errorf("Expected watermark 2026-01-12, got %s", wm)
	}
}

func TestSQLiteStore_Failures(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	loan := sampleLoan()
	if err := s.CreateLoan(ctx, loan); err != nil {
		t.Fatalf("Failed to create loan: %v", err)
	}

	f := models.LoanFailure{LoanID: loan.ID, RunDate: date(2026, time.January, 11), Kind: models.FailureTransient, Message: "timeout"}
	for want := 1; want <= 2; want++ {
		attempts, err := s.RecordFailure(ctx, f)
		if err != nil {
			t.Fatalf("Failed to record failure: %v", err)
		}
		if attempts != want {
			t.Errorf("Expected %d attempts, got %d", want, attempts)
		}
	}

	failures, err := s.ListFailures(ctx)
	if err != nil {
		t.Fatalf("Failed to list failures: %v", err)
	}
	if len(failures) != 1 || failures[0].Kind != models.FailureTransient {
		t.Fatalf("Unexpected failures %+v", failures)
	}

	if err := s.ClearFailure(ctx, loan.ID); err != nil {
		t.Fatalf("Failed to clear failure: %v", err)
	}
	failures, _ = s.ListFailures(ctx)
	if len(failures) != 0 {
		t.Errorf("Expected no failures, got %d", len(failures))
	}
}
