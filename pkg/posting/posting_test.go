package posting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/mcclellann/loancore/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var valueDate = civil.Date{Year: 2026, Month: time.April, Day: 2}

type recordingPoster struct {
	mu      sync.Mutex
	calls   int
	failFor int
	err     error
	block   chan struct{}
	entries []Entry
}

func (r *recordingPoster) PostAccrual(ctx context.Context, loanID uuid.UUID, amount decimal.Decimal, bucket models.TransactionType, date civil.Date) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failFor {
		return r.err
	}
	r.entries = append(r.entries, newEntry(loanID, amount, bucket, date))
	return nil
}

func (r *recordingPoster) snapshot() (int, []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, append([]Entry(nil), r.entries...)
}

func fastRetry() Option {
	return WithRetryPolicy(time.Millisecond, 5*time.Millisecond, time.Second)
}

func TestAsyncPosterDeliversAndDrains(t *testing.T) {
	next := &recordingPoster{}
	p := NewAsyncPoster(next, fastRetry())
	loanID := uuid.New()
	for _, bucket := range []models.TransactionType{models.TransactionTypeInterest, models.TransactionTypeTax} {
		require.NoError(t, p.PostAccrual(context.Background(), loanID, decimal.NewFromInt(3), bucket, valueDate))
	}
	require.NoError(t, p.Close(context.Background()))

	_, entries := next.snapshot()
	require.Len(t, entries, 2)
	keys := []string{entries[0].Key, entries[1].Key}
	assert.ElementsMatch(t, []string{
		models.PostingKey(loanID, valueDate, models.TransactionTypeInterest),
		models.PostingKey(loanID, valueDate, models.TransactionTypeTax),
	}, keys)
}

func TestAsyncPosterRetriesTransientErrors(t *testing.T) {
	next := &recordingPoster{failFor: 2, err: errors.New("ledger unavailable")}
	p := NewAsyncPoster(next, fastRetry(), WithWorkers(1))
	require.NoError(t, p.PostAccrual(context.Background(), uuid.New(), decimal.NewFromInt(1), models.TransactionTypePenalty, valueDate))
	require.NoError(t, p.Close(context.Background()))

	calls, entries := next.snapshot()
	assert.Equal(t, 3, calls)
	assert.Len(t, entries, 1)
}

func TestAsyncPosterStopsOnPermanentError(t *testing.T) {
	next := &recordingPoster{failFor: 10, err: backoff.Permanent(errors.New("rejected"))}
	p := NewAsyncPoster(next, fastRetry(), WithWorkers(1))
	require.NoError(t, p.PostAccrual(context.Background(), uuid.New(), decimal.NewFromInt(1), models.TransactionTypeInterest, valueDate))
	require.NoError(t, p.Close(context.Background()))

	calls, entries := next.snapshot()
	assert.Equal(t, 1, calls)
	assert.Empty(t, entries)
}

func TestAsyncPosterQueueFull(t *testing.T) {
	next := &recordingPoster{block: make(chan struct{})}
	p := NewAsyncPoster(next, WithQueueSize(1), WithWorkers(1))

	var err error
	for i := 0; i < 5 && err == nil; i++ {
		err = p.PostAccrual(context.Background(), uuid.New(), decimal.NewFromInt(1), models.TransactionTypeInterest, valueDate)
	}
	assert.ErrorIs(t, err, ErrQueueFull)

	close(next.block)
	require.NoError(t, p.Close(context.Background()))
	assert.ErrorIs(t, p.PostAccrual(context.Background(), uuid.New(), decimal.NewFromInt(1), models.TransactionTypeInterest, valueDate), ErrClosed)
}

func TestHTTPPoster(t *testing.T) {
	var got Entry
	var key string
	var status atomic.Int32
	status.Store(http.StatusCreated)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p, err := NewHTTPPoster(srv.URL, srv.Client())
	require.NoError(t, err)
	loanID := uuid.New()

	require.NoError(t, p.PostAccrual(context.Background(), loanID, decimal.RequireFromString("12.34"), models.TransactionTypeInterest, valueDate))
	assert.Equal(t, models.PostingKey(loanID, valueDate, models.TransactionTypeInterest), key)
	assert.Equal(t, loanID, got.LoanID)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("12.34")))
	assert.Equal(t, valueDate, got.Date)

	status.Store(http.StatusConflict)
	assert.NoError(t, p.PostAccrual(context.Background(), loanID, decimal.NewFromInt(1), models.TransactionTypeInterest, valueDate))

	status.Store(http.StatusBadRequest)
	err = p.PostAccrual(context.Background(), loanID, decimal.NewFromInt(1), models.TransactionTypeInterest, valueDate)
	var permanent *backoff.PermanentError
	assert.True(t, errors.As(err, &permanent), "got %v", err)

	status.Store(http.StatusServiceUnavailable)
	err = p.PostAccrual(context.Background(), loanID, decimal.NewFromInt(1), models.TransactionTypeInterest, valueDate)
	require.Error(t, err)
	assert.False(t, errors.As(err, &permanent))
}

func TestNewHTTPPosterRequiresEndpoint(t *testing.T) {
	_, err := NewHTTPPoster("  ", nil)
	assert.Error(t, err)
}
