package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/mcclellann/loancore/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		var m map[string]any
		require.NoError(t, dec.Decode(&m))
		out = append(out, m)
	}
	return out
}

func TestLogSinkWritesStructuredEvents(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))
	ctx := context.Background()
	loanID := uuid.New()
	day := civil.Date{Year: 2026, Month: time.May, Day: 4}

	sink.RunSummary(ctx, models.AccrualRun{RunDate: day, Attempt: 2, Status: models.RunStatusPartiallyFailed, LoansFailed: 1})
	sink.LoanFailure(ctx, models.LoanFailure{LoanID: loanID, RunDate: day, Kind: models.FailureDataIntegrity, Message: "negative balance"})
	sink.Transition(ctx, Transition{LoanID: loanID, Date: day, From: models.DelinquencyCurrent, To: models.DelinquencyEarlyWarning})
	sink.Action(ctx, Action{Name: "force_reprocess", Actor: "ops@bank", LoanID: loanID, Date: day, Err: errors.New("boom")})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 4)

	assert.Equal(t, "WARN", lines[0]["level"])
	assert.Equal(t, "PARTIALLY_FAILED", lines[0]["status"])
	assert.Equal(t, "2026-05-04", lines[0]["run_date"])

	assert.Equal(t, "ERROR", lines[1]["level"])
	assert.Equal(t, loanID.String(), lines[1]["loan_id"])
	assert.Equal(t, "DATA_INTEGRITY", lines[1]["kind"])

	assert.Equal(t, "EARLY_WARNING", lines[2]["to"])
	assert.Equal(t, "ops@bank", lines[3]["actor"])
	assert.Equal(t, "audit", lines[3]["component"])
}

func TestMemoryFailuresFor(t *testing.T) {
	m := &Memory{}
	a, b := uuid.New(), uuid.New()
	m.LoanFailure(context.Background(), models.LoanFailure{LoanID: a})
	m.LoanFailure(context.Background(), models.LoanFailure{LoanID: b})
	m.LoanFailure(context.Background(), models.LoanFailure{LoanID: a})
	assert.Len(t, m.FailuresFor(a), 2)
	assert.Len(t, m.FailuresFor(b), 1)
}
