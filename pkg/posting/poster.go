// Package posting delivers interest, penalty and tax postings to the external
// accounting ledger.
package posting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/mcclellann/loancore/pkg/models"
	"github.com/shopspring/decimal"
)

// Poster is the accounting collaborator.
type Poster interface {
	PostAccrual(ctx context.Context, loanID uuid.UUID, amount decimal.Decimal, bucket models.TransactionType, date civil.Date) error
}

// Entry is the wire form of one posting. Key is the loan/day/bucket
// idempotency key, so the ledger can discard redelivered entries.
type Entry struct {
	Key    string                 `json:"key"`
	LoanID uuid.UUID              `json:"loan_id"`
	Amount decimal.Decimal        `json:"amount"`
	Bucket models.TransactionType `json:"bucket"`
	Date   civil.Date             `json:"value_date"`
}

func newEntry(loanID uuid.UUID, amount decimal.Decimal, bucket models.TransactionType, date civil.Date) Entry {
	return Entry{Key: models.PostingKey(loanID, date, bucket), LoanID: loanID, Amount: amount, Bucket: bucket, Date: date}
}

// LogPoster writes postings to a structured log. It is used when no ledger
// endpoint is configured.
type LogPoster struct {
	Logger *slog.Logger
}

func (p LogPoster) PostAccrual(ctx context.Context, loanID uuid.UUID, amount decimal.Decimal, bucket models.TransactionType, date civil.Date) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "ledger posting",
		"loan_id", loanID, "bucket", bucket, "amount", amount.StringFixed(models.CurrencyPlaces), "value_date", date.String())
	return nil
}

// HTTPPoster sends each posting as a JSON document to a ledger endpoint.
type HTTPPoster struct {
	endpoint string
	client   *http.Client
}

// NewHTTPPoster validates the endpoint and returns a poster using client, or a
// client with a 10 second timeout when client is nil.
func NewHTTPPoster(endpoint string, client *http.Client) (*HTTPPoster, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("posting: endpoint required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPPoster{endpoint: endpoint, client: client}, nil
}

func (p *HTTPPoster) PostAccrual(ctx context.Context, loanID uuid.UUID, amount decimal.Decimal, bucket models.TransactionType, date civil.Date) error {
	entry := newEntry(loanID, amount, bucket, date)
	body, err := json.Marshal(entry)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("posting: encode entry: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("posting: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", entry.Key)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting: deliver %s: %w", entry.Key, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
		// 409 means the ledger already has this key.
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return backoff.Permanent(fmt.Errorf("posting: ledger rejected %s: status %d", entry.Key, resp.StatusCode))
	default:
		return fmt.Errorf("posting: ledger returned status %d for %s", resp.StatusCode, entry.Key)
	}
}
