package posting

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/mcclellann/loancore/pkg/metrics"
	"github.com/mcclellann/loancore/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	ErrQueueFull = errors.New("posting: queue full")
	ErrClosed    = errors.New("posting: poster closed")
)

const (
	defaultQueueSize      = 1024
	defaultWorkers        = 2
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
	defaultMaxElapsed     = 5 * time.Minute
	defaultAttemptTimeout = 10 * time.Second
)

// AsyncPoster queues postings and delivers them to the wrapped poster in the
// background, retrying with exponential backoff. PostAccrual never blocks.
type AsyncPoster struct {
	next           Poster
	logger         *slog.Logger
	metrics        *metrics.Metrics
	workers        int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxElapsed     time.Duration
	attemptTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
	closed bool
	queue  chan Entry
	wg     sync.WaitGroup
}

// Option customises an AsyncPoster.
type Option func(*AsyncPoster)

func WithLogger(l *slog.Logger) Option {
	return func(p *AsyncPoster) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *AsyncPoster) { p.metrics = m }
}

func WithQueueSize(n int) Option {
	return func(p *AsyncPoster) {
		if n > 0 {
			p.queue = make(chan Entry, n)
		}
	}
}

func WithWorkers(n int) Option {
	return func(p *AsyncPoster) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithRetryPolicy bounds the backoff between attempts and the total time spent
// on one posting before it is given up and logged.
func WithRetryPolicy(initial, maxInterval, maxElapsed time.Duration) Option {
	return func(p *AsyncPoster) {
		if initial > 0 {
			p.initialBackoff = initial
		}
		if maxInterval >= p.initialBackoff {
			p.maxBackoff = maxInterval
		}
		if maxElapsed > 0 {
			p.maxElapsed = maxElapsed
		}
	}
}

// NewAsyncPoster starts the delivery workers.
func NewAsyncPoster(next Poster, opts ...Option) *AsyncPoster {
	ctx, cancel := context.WithCancel(context.Background())
	p := &AsyncPoster{
		next:           next,
		logger:         slog.Default(),
		workers:        defaultWorkers,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		maxElapsed:     defaultMaxElapsed,
		attemptTimeout: defaultAttemptTimeout,
		ctx:            ctx,
		cancel:         cancel,
		queue:          make(chan Entry, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// PostAccrual enqueues a posting. It fails fast with ErrQueueFull when the
// backlog is saturated; the posting stays recorded in the loan's transactions.
func (p *AsyncPoster) PostAccrual(ctx context.Context, loanID uuid.UUID, amount decimal.Decimal, bucket models.TransactionType, date civil.Date) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- newEntry(loanID, amount, bucket, date):
		return nil
	default:
		p.logger.WarnContext(ctx, "ledger posting dropped", "loan_id", loanID, "bucket", bucket, "value_date", date.String())
		p.metrics.ObservePosting(string(bucket), ErrQueueFull)
		return ErrQueueFull
	}
}

// Close stops accepting postings and waits for the queue to drain. When ctx
// ends first, in-flight retries are abandoned and ctx.Err is returned.
func (p *AsyncPoster) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *AsyncPoster) worker() {
	defer p.wg.Done()
	for entry := range p.queue {
		p.deliver(entry)
	}
}

func (p *AsyncPoster) deliver(e Entry) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initialBackoff
	b.MaxInterval = p.maxBackoff
	b.MaxElapsedTime = p.maxElapsed

	op := func() error {
		ctx, cancel := context.WithTimeout(p.ctx, p.attemptTimeout)
		defer cancel()
		return p.next.PostAccrual(ctx, e.LoanID, e.Amount, e.Bucket, e.Date)
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Warn("ledger posting retry", "key", e.Key, "wait", wait, "error", err)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(b, p.ctx), notify)
	p.metrics.ObservePosting(string(e.Bucket), err)
	if err != nil {
		p.logger.Error("ledger posting failed", "key", e.Key, "loan_id", e.LoanID, "bucket", e.Bucket,
			"amount", e.Amount.String(), "value_date", e.Date.String(), "error", err)
	}
}
