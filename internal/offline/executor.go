package offline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opencampus/pushsync/internal/localstore"
)

// RejectionError is a definitive portal answer that the operation will
// never be accepted. It is not retried.
type RejectionError struct {
	StatusCode int
	Body       string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("portal rejected operation with status %d: %s", e.StatusCode, e.Body)
}

// isConnectivityErr separates "the network is down" from "the portal
// answered and said no". Only the former keeps an operation queued.
func isConnectivityErr(err error) bool {
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// HTTPExecutor delivers queued operations to the portal API.
type HTTPExecutor struct {
	baseURL string
	client  *http.Client
}

// NewHTTPExecutor creates an executor for the given portal base URL.
func NewHTTPExecutor(baseURL string) *HTTPExecutor {
	return &HTTPExecutor{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Execute performs the queued mutation. Any HTTP response counts as the
// portal's verdict: 2xx applies the operation, everything else rejects
// it. Only transport-level failures are connectivity errors.
func (e *HTTPExecutor) Execute(ctx context.Context, op localstore.QueuedOperation) error {
	var body io.Reader
	if len(op.Payload) > 0 {
		body = bytes.NewReader(op.Payload)
	}

	req, err := http.NewRequestWithContext(ctx, op.Method, e.baseURL+op.Path, body)
	if err != nil {
		return &RejectionError{StatusCode: 0, Body: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	// Lets the portal deduplicate an operation replayed after a crash
	// between delivery and removal.
	req.Header.Set("Idempotency-Key", op.ID)

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach portal: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &RejectionError{StatusCode: resp.StatusCode, Body: string(detail)}
}
