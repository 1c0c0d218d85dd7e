package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/wellsync/wellsync/internal/queue"
)

// IdempotencyHeader carries the per-record key that lets the ingest endpoint
// drop a write it already stored.
const IdempotencyHeader = "Idempotency-Key"

// FatalError is a submission failure that retrying will not fix.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal error: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal checks if an error is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Submitter performs the remote write of one queued record.
type Submitter interface {
	Submit(ctx context.Context, rec queue.Record) error
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, rec queue.Record) error

func (f SubmitterFunc) Submit(ctx context.Context, rec queue.Record) error { return f(ctx, rec) }

// HTTPSubmitter posts records to the ingest endpoint.
type HTTPSubmitter struct {
	client   *http.Client
	endpoint string
	clientID string
}

// NewHTTPSubmitter creates a submitter for endpoint. clientID prefixes the
// idempotency key so ids from different devices never collide.
func NewHTTPSubmitter(endpoint, clientID string, timeout time.Duration) *HTTPSubmitter {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSubmitter{
		client:   &http.Client{Timeout: timeout},
		endpoint: endpoint,
		clientID: clientID,
	}
}

// IdempotencyKey returns the key sent for rec.
func (s *HTTPSubmitter) IdempotencyKey(rec queue.Record) string {
	return s.clientID + "-" + strconv.FormatUint(rec.ID, 10)
}

// Submit posts the record's data as the request body. 2xx is success, 4xx
// is fatal except for 408 and 429, everything else is retryable.
func (s *HTTPSubmitter) Submit(ctx context.Context, rec queue.Record) error {
	if !json.Valid(rec.Data) {
		return &FatalError{Err: fmt.Errorf("record %d does not hold a JSON document", rec.ID)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(rec.Data))
	if err != nil {
		return &FatalError{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "WellSync-Agent/1.0")
	req.Header.Set(IdempotencyHeader, s.IdempotencyKey(rec))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	err = fmt.Errorf("submission failed with status: %d", resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return err
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &FatalError{Err: err}
	default:
		return err
	}
}
