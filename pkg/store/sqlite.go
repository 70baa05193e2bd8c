package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/mcclellann/loancore/pkg/models"
)

const watermarkKey = "accrual_watermark"

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	// One connection serialises writers; UpdateLoan transactions hold it for
	// the read-check-write of a single loan.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err = db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	slog.Info("database connection established and schema initialized", "dsn", dataSourceName)
	return s, nil
}

// initSchema creates the database tables if they don't already exist and adds new columns if necessary.
// Decimals are TEXT so no precision is lost; calendar dates are TEXT YYYY-MM-DD or NULL.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		loan_application_id TEXT NOT NULL DEFAULT '',
		product_id TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		principal TEXT NOT NULL,
		outstanding_balance TEXT NOT NULL,
		accrual_interest TEXT NOT NULL DEFAULT '0',
		due_amount TEXT NOT NULL DEFAULT '0',
		penalty_accrued TEXT NOT NULL DEFAULT '0',
		tax_accrued TEXT NOT NULL DEFAULT '0',
		principal_paid TEXT NOT NULL DEFAULT '0',
		interest_paid TEXT NOT NULL DEFAULT '0',
		penalty_paid TEXT NOT NULL DEFAULT '0',
		tax_paid TEXT NOT NULL DEFAULT '0',
		interest_rate TEXT NOT NULL,
		interest_period_basis TEXT NOT NULL,
		disbursement_date TEXT,
		first_installment_date TEXT,
		next_installment_date TEXT,
		maturity_date TEXT,
		last_interest_calculated_date TEXT,
		last_delinquency_processed_date TEXT,
		delinquency_status TEXT NOT NULL DEFAULT 'CURRENT',
		days_past_due INTEGER NOT NULL DEFAULT 0,
		penalty_days_charged INTEGER NOT NULL DEFAULT 0,
		advanced_payment_days INTEGER NOT NULL DEFAULT 0,
		advanced_payment_amount TEXT NOT NULL DEFAULT '0',
		stop_interest_calculation INTEGER NOT NULL DEFAULT 0,
		stop_reason TEXT NOT NULL DEFAULT '',
		stopped_by TEXT NOT NULL DEFAULT '',
		date_interest_was_stopped TEXT,
		is_write_off_loan INTEGER NOT NULL DEFAULT 0,
		is_restructured INTEGER NOT NULL DEFAULT 0,
		loan_structuring_status TEXT NOT NULL DEFAULT 'NONE',
		restructured_date TEXT,
		restructured_principal TEXT NOT NULL DEFAULT '0',
		needs_review INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		type TEXT NOT NULL,
		value_date TEXT,
		posting_key TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS transactions_posting_key ON transactions(posting_key);
	CREATE TABLE IF NOT EXISTS accrual_runs (
		id TEXT PRIMARY KEY,
		run_date TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		status TEXT NOT NULL,
		loans_processed INTEGER NOT NULL DEFAULT 0,
		loans_failed INTEGER NOT NULL DEFAULT 0,
		loans_skipped INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS accrual_runs_run_date ON accrual_runs(run_date);
	CREATE TABLE IF NOT EXISTS scheduler_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS loan_failures (
		loan_id TEXT PRIMARY KEY,
		run_date TEXT NOT NULL,
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 1,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first schema release. Fresh databases already
	// have them and report duplicates, which are ignored.
	columns := []string{
		"penalty_days_charged INTEGER NOT NULL DEFAULT 0",
		"needs_review INTEGER NOT NULL DEFAULT 0",
		"restructured_date TEXT",
		"restructured_principal TEXT NOT NULL DEFAULT '0'",
	}
	for _, col := range columns {
		_, err := s.db.Exec(fmt.Sprintf("ALTER TABLE loans ADD COLUMN %s", col))
		if err != nil && !isDuplicateColumnError(err) {
			return fmt.Errorf("failed to add column %s: %w", col, err)
		}
	}
	return nil
}

// isDuplicateColumnError checks if the error indicates a duplicate column.
func isDuplicateColumnError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "duplicate column name")
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

var loanColumnList = []string{
	"id", "customer_id", "loan_application_id", "product_id", "status", "version",
	"principal", "outstanding_balance", "accrual_interest", "due_amount", "penalty_accrued", "tax_accrued",
	"principal_paid", "interest_paid", "penalty_paid", "tax_paid",
	"interest_rate", "interest_period_basis",
	"disbursement_date", "first_installment_date", "next_installment_date", "maturity_date",
	"last_interest_calculated_date", "last_delinquency_processed_date",
	"delinquency_status", "days_past_due", "penalty_days_charged", "advanced_payment_days", "advanced_payment_amount",
	"stop_interest_calculation", "stop_reason", "stopped_by", "date_interest_was_stopped",
	"is_write_off_loan", "is_restructured", "loan_structuring_status", "restructured_date", "restructured_principal",
	"needs_review", "created_at", "updated_at",
}

var (
	loanColumns      = strings.Join(loanColumnList, ", ")
	loanPlaceholders = strings.TrimSuffix(strings.Repeat("?, ", len(loanColumnList)), ", ")
	loanUpdateSet    = strings.Join(loanColumnList[1:], " = ?, ") + " = ?"
)

func loanArgs(l *models.Loan) []any {
	return []any{
		l.ID.String(), l.CustomerID, l.LoanApplicationID, l.ProductID, l.Status, l.Version,
		l.Principal, l.OutstandingBalance, l.AccrualInterest, l.DueAmount, l.PenaltyAccrued, l.TaxAccrued,
		l.PrincipalPaid, l.InterestPaid, l.PenaltyPaid, l.TaxPaid,
		l.InterestRate, l.InterestPeriodBasis,
		dateValue(l.DisbursementDate), dateValue(l.FirstInstallmentDate), dateValue(l.NextInstallmentDate), dateValue(l.MaturityDate),
		dateValue(l.LastInterestCalculatedDate), dateValue(l.LastDelinquencyProcessedDate),
		l.DelinquencyStatus, l.DaysPastDue, l.PenaltyDaysCharged, l.AdvancedPaymentDays, l.AdvancedPaymentAmount,
		l.StopInterestCalculation, l.StopReason, l.StoppedBy, dateValue(l.DateInterestWasStopped),
		l.IsWriteOffLoan, l.IsRestructured, l.LoanStructuringStatus, dateValue(l.RestructuredDate), l.RestructuredPrincipal,
		l.NeedsReview, l.CreatedAt.UTC(), l.UpdatedAt.UTC(),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (*models.Loan, error) {
	var l models.Loan
	err := row.Scan(
		&l.ID, &l.CustomerID, &l.LoanApplicationID, &l.ProductID, &l.Status, &l.Version,
		&l.Principal, &l.OutstandingBalance, &l.AccrualInterest, &l.DueAmount, &l.PenaltyAccrued, &l.TaxAccrued,
		&l.PrincipalPaid, &l.InterestPaid, &l.PenaltyPaid, &l.TaxPaid,
		&l.InterestRate, &l.InterestPeriodBasis,
		dateColumn{&l.DisbursementDate}, dateColumn{&l.FirstInstallmentDate}, dateColumn{&l.NextInstallmentDate}, dateColumn{&l.MaturityDate},
		dateColumn{&l.LastInterestCalculatedDate}, dateColumn{&l.LastDelinquencyProcessedDate},
		&l.DelinquencyStatus, &l.DaysPastDue, &l.PenaltyDaysCharged, &l.AdvancedPaymentDays, &l.AdvancedPaymentAmount,
		&l.StopInterestCalculation, &l.StopReason, &l.StoppedBy, dateColumn{&l.DateInterestWasStopped},
		&l.IsWriteOffLoan, &l.IsRestructured, &l.LoanStructuringStatus, dateColumn{&l.RestructuredDate}, &l.RestructuredPrincipal,
		&l.NeedsReview, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// dateValue stores the zero date as NULL.
func dateValue(d civil.Date) driver.Value {
	if d.IsZero() {
		return nil
	}
	return d.String()
}

// dateColumn scans a nullable TEXT date into a civil.Date.
type dateColumn struct {
	dst *civil.Date
}

func (c dateColumn) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*c.dst = civil.Date{}
		return nil
	case time.Time:
		*c.dst = civil.DateOf(v)
		return nil
	case []byte:
		return c.parse(string(v))
	case string:
		return c.parse(v)
	}
	return fmt.Errorf("cannot scan %T into a date", src)
}

func (c dateColumn) parse(s string) error {
	if s == "" {
		*c.dst = civil.Date{}
		return nil
	}
	d, err := civil.ParseDate(s)
	if err != nil {
		return err
	}
	*c.dst = d
	return nil
}

// CreateLoan inserts a new loan into the database.
func (s *SQLiteStore) CreateLoan(ctx context.Context, loan *models.Loan) error {
	now := s.now().UTC()
	if loan.CreatedAt.IsZero() {
		loan.CreatedAt = now
	}
	if loan.UpdatedAt.IsZero() {
		loan.UpdatedAt = now
	}
	if loan.Version == 0 {
		loan.Version = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO loans (`+loanColumns+`) VALUES (`+loanPlaceholders+`)`, loanArgs(loan)...)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

// FetchLoan retrieves a loan by its ID.
func (s *SQLiteStore) FetchLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return fetchLoan(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func fetchLoan(ctx context.Context, q querier, id uuid.UUID) (*models.Loan, error) {
	loan, err := scanLoan(q.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrLoanNotFound, id)
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// FetchActiveLoans retrieves the loans a run on asOf must process.
func (s *SQLiteStore) FetchActiveLoans(ctx context.Context, asOf civil.Date) ([]*models.Loan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+loanColumns+` FROM loans
		WHERE status = ? AND is_write_off_loan = 0 AND needs_review = 0
		AND disbursement_date IS NOT NULL AND disbursement_date <= ?
		ORDER BY id`,
		models.LoanStatusActive, asOf.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get active loans: %w", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

// UpdateLoan runs mutate on the current row inside a transaction and writes
// the result back with an incremented version, together with any
// transactions mutate returns.
func (s *SQLiteStore) UpdateLoan(ctx context.Context, id uuid.UUID, expectedVersion int64, mutate Mutation) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	loan, err := fetchLoan(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	if loan.Version != expectedVersion {
		return 0, fmt.Errorf("%w: loan %s at version %d, expected %d", ErrVersionConflict, id, loan.Version, expectedVersion)
	}

	txns, err := mutate(loan)
	if err != nil {
		return 0, err
	}
	now := s.now().UTC()
	loan.ID = id
	loan.Version = expectedVersion + 1
	loan.UpdatedAt = now

	args := append(loanArgs(loan)[1:], id.String(), expectedVersion)
	result, err := tx.ExecContext(ctx, `UPDATE loans SET `+loanUpdateSet+` WHERE id = ? AND version = ?`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update loan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return 0, fmt.Errorf("%w: loan %s", ErrVersionConflict, id)
	}

	for _, t := range txns {
		t.LoanID = id
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		if t.Timestamp.IsZero() {
			t.Timestamp = now
		}
		if err := insertTransaction(ctx, tx, t); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit loan update: %w", err)
	}
	return loan.Version, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t *models.Transaction) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (id, loan_id, amount, type, value_date, posting_key, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.LoanID.String(), t.Amount, t.Type, dateValue(t.ValueDate), t.PostingKey, t.Timestamp.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicatePosting, t.PostingKey)
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetTransactionsForLoan retrieves all transactions for a given loan ID.
func (s *SQLiteStore) GetTransactionsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, loan_id, amount, type, value_date, posting_key, timestamp FROM transactions
		WHERE loan_id = ? ORDER BY timestamp ASC, posting_key ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var transactions []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.LoanID, &t.Amount, &t.Type, dateColumn{&t.ValueDate}, &t.PostingKey, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		transactions = append(transactions, &t)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for loan transactions: %w", err)
	}
	return transactions, nil
}

const runColumns = "id, run_date, attempt, status, loans_processed, loans_failed, loans_skipped, error, started_at, completed_at"

// CreateRun inserts a new accrual run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *models.AccrualRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accrual_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.RunDate.String(), run.Attempt, run.Status, run.LoansProcessed, run.LoansFailed,
		run.LoansSkipped, run.Error, run.StartedAt.UTC(), nullTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create accrual run: %w", err)
	}
	return nil
}

// UpdateRun writes back a run that has not completed yet.
func (s *SQLiteStore) UpdateRun(ctx context.Context, run *models.AccrualRun) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE accrual_runs SET status = ?, loans_processed = ?, loans_failed = ?, loans_skipped = ?, error = ?, completed_at = ?
		WHERE id = ? AND status != ?`,
		run.Status, run.LoansProcessed, run.LoansFailed, run.LoansSkipped, run.Error, nullTime(run.CompletedAt),
		run.ID.String(), models.RunStatusCompleted,
	)
	if err != nil {
		return fmt.Errorf("failed to update accrual run: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*models.AccrualRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM accrual_runs ORDER BY run_date DESC, attempt DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list accrual runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// RunsForDate returns every attempt at one run date, oldest first.
func (s *SQLiteStore) RunsForDate(ctx context.Context, date civil.Date) ([]*models.AccrualRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM accrual_runs WHERE run_date = ? ORDER BY attempt ASC`, date.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get accrual runs for %s: %w", date, err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]*models.AccrualRun, error) {
	var runs []*models.AccrualRun
	for rows.Next() {
		var run models.AccrualRun
		var completed sql.NullTime
		if err := rows.Scan(&run.ID, dateColumn{&run.RunDate}, &run.Attempt, &run.Status, &run.LoansProcessed,
			&run.LoansFailed, &run.LoansSkipped, &run.Error, &run.StartedAt, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan accrual run row: %w", err)
		}
		if completed.Valid {
			t := completed.Time
			run.CompletedAt = &t
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for accrual runs: %w", err)
	}
	return runs, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// Watermark returns the last fully processed run date, or the zero date.
func (s *SQLiteStore) Watermark(ctx context.Context) (civil.Date, error) {
	var d civil.Date
	err := s.db.QueryRowContext(ctx, `SELECT value FROM scheduler_state WHERE key = ?`, watermarkKey).Scan(dateColumn{&d})
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return civil.Date{}, fmt.Errorf("failed to read watermark: %w", err)
	}
	return d, nil
}

// SetWatermark stores the watermark. It refuses to move it backwards.
func (s *SQLiteStore) SetWatermark(ctx context.Context, date civil.Date) error {
	current, err := s.Watermark(ctx)
	if err != nil {
		return err
	}
	if !current.IsZero() && date.Before(current) {
		return fmt.Errorf("watermark %s would move back from %s", date, current)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduler_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, watermarkKey, date.String())
	if err != nil {
		return fmt.Errorf("failed to write watermark: %w", err)
	}
	return nil
}

// RecordFailure upserts the retained failure of a loan.
func (s *SQLiteStore) RecordFailure(ctx context.Context, f models.LoanFailure) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO loan_failures (loan_id, run_date, kind, message, attempts) VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(loan_id) DO UPDATE SET run_date = excluded.run_date, kind = excluded.kind,
			message = excluded.message, attempts = loan_failures.attempts + 1
		RETURNING attempts`,
		f.LoanID.String(), f.RunDate.String(), f.Kind, f.Message,
	).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("failed to record failure for loan %s: %w", f.LoanID, err)
	}
	return attempts, nil
}

// ClearFailure forgets the retained failure of a loan, if any.
func (s *SQLiteStore) ClearFailure(ctx context.Context, loanID uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM loan_failures WHERE loan_id = ?`, loanID.String()); err != nil {
		return fmt.Errorf("failed to clear failure for loan %s: %w", loanID, err)
	}
	return nil
}

// ListFailures returns every retained loan failure.
func (s *SQLiteStore) ListFailures(ctx context.Context) ([]*models.LoanFailure, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT loan_id, run_date, kind, message, attempts FROM loan_failures ORDER BY run_date, loan_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list loan failures: %w", err)
	}
	defer rows.Close()

	var failures []*models.LoanFailure
	for rows.Next() {
		var f models.LoanFailure
		if err := rows.Scan(&f.LoanID, dateColumn{&f.RunDate}, &f.Kind, &f.Message, &f.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan loan failure row: %w", err)
		}
		failures = append(failures, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for loan failures: %w", err)
	}
	return failures, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
