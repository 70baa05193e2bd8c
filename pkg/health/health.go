// Package health tracks the outcome of accrual runs for health-check polling.
// It is purely observational.
package health

import (
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/mcclellann/loancore/pkg/calendar"
	"github.com/mcclellann/loancore/pkg/models"
)

// Status is the snapshot exposed to operations tooling.
type Status struct {
	LastSuccessfulRunDate civil.Date       `json:"last_successful_run_date,omitzero"`
	LastRunFailureCount   int              `json:"last_run_failure_count"`
	IsCatchingUp          bool             `json:"is_catching_up"`
	LastRunDate           civil.Date       `json:"last_run_date,omitzero"`
	LastRunStatus         models.RunStatus `json:"last_run_status,omitempty"`
	PendingDays           int              `json:"pending_days"`
	TickInProgress        bool             `json:"tick_in_progress"`
	LastTickAt            time.Time        `json:"last_tick_at,omitzero"`
	LastError             string           `json:"last_error,omitempty"`
}

type Tracker struct {
	mu     sync.RWMutex
	status Status
}

func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Restore seeds the tracker from the persisted watermark after a restart.
func (t *Tracker) Restore(watermark civil.Date) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.LastSuccessfulRunDate = calendar.Later(t.status.LastSuccessfulRunDate, watermark)
}

// TickStarted records the number of days a tick is about to process.
func (t *Tracker) TickStarted(at time.Time, pending int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.TickInProgress = true
	t.status.LastTickAt = at
	t.status.PendingDays = pending
	t.status.IsCatchingUp = pending > 1
}

// RunFinished records the terminal state of one day run.
func (t *Tracker) RunFinished(run models.AccrualRun) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.LastRunDate = run.RunDate
	t.status.LastRunStatus = run.Status
	t.status.LastRunFailureCount = run.LoansFailed
	if run.Status == models.RunStatusCompleted {
		t.status.LastSuccessfulRunDate = calendar.Later(t.status.LastSuccessfulRunDate, run.RunDate)
	}
	if t.status.PendingDays > 0 {
		t.status.PendingDays--
	}
}

// TickFinished records the end of a tick. remaining is the number of days
// still behind the watermark; more than zero keeps the tracker catching up.
func (t *Tracker) TickFinished(remaining int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.TickInProgress = false
	t.status.PendingDays = remaining
	t.status.IsCatchingUp = remaining > 0
	t.status.LastError = ""
	if err != nil {
		t.status.LastError = err.Error()
	}
}
