package health

import (
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/mcclellann/loancore/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestTrackerFollowsRuns(t *testing.T) {
	tr := NewTracker()
	d1 := civil.Date{Year: 2026, Month: time.June, Day: 1}
	tr.Restore(d1)
	assert.Equal(t, d1, tr.Status().LastSuccessfulRunDate)

	tr.TickStarted(time.Now(), 3)
	s := tr.Status()
	assert.True(t, s.IsCatchingUp)
	assert.True(t, s.TickInProgress)

	tr.RunFinished(models.AccrualRun{RunDate: d1.AddDays(1), Status: models.RunStatusCompleted})
	tr.RunFinished(models.AccrualRun{RunDate: d1.AddDays(2), Status: models.RunStatusPartiallyFailed, LoansFailed: 2})
	tr.TickFinished(2, errors.New("day 2026-06-03 not clean"))

	s = tr.Status()
	assert.Equal(t, d1.AddDays(1), s.LastSuccessfulRunDate)
	assert.Equal(t, 2, s.LastRunFailureCount)
	assert.Equal(t, models.RunStatusPartiallyFailed, s.LastRunStatus)
	assert.True(t, s.IsCatchingUp)
	assert.False(t, s.TickInProgress)
	assert.NotEmpty(t, s.LastError)

	tr.TickStarted(time.Now(), 1)
	assert.False(t, tr.Status().IsCatchingUp)
	tr.RunFinished(models.AccrualRun{RunDate: d1.AddDays(2), Status: models.RunStatusCompleted})
	tr.TickFinished(0, nil)
	s = tr.Status()
	assert.Equal(t, 0, s.LastRunFailureCount)
	assert.False(t, s.IsCatchingUp)
	assert.Empty(t, s.LastError)
}

func TestRestoreNeverMovesBackwards(t *testing.T) {
	tr := NewTracker()
	d := civil.Date{Year: 2026, Month: time.June, Day: 10}
	tr.RunFinished(models.AccrualRun{RunDate: d, Status: models.RunStatusCompleted})
	tr.Restore(d.AddDays(-5))
	assert.Equal(t, d, tr.Status().LastSuccessfulRunDate)
}
