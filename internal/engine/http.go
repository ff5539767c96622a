package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dwsmith1983/auditlane/pkg/types"
)

// HTTPInvoker posts JSON requests to {baseURL}/{op}.
type HTTPInvoker struct {
	client  *http.Client
	baseURL string
	timeout time.Duration
}

// NewHTTPInvoker creates an HTTPInvoker. A zero timeout defaults to five
// minutes.
func NewHTTPInvoker(baseURL string, timeout time.Duration) *HTTPInvoker {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPInvoker{
		client:  &http.Client{},
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
	}
}

// Invoke implements Invoker. Timeouts, transport failures and 5xx/429
// responses are ErrEngineUnavailable; other 4xx responses are *Error.
func (h *HTTPInvoker) Invoke(ctx context.Context, op string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling %s request: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/"+op, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("engine %s timed out after %s: %w", op, h.timeout, types.ErrEngineUnavailable)
		}
		return fmt.Errorf("engine %s request failed: %v: %w", op, err, types.ErrEngineUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading engine %s response: %v: %w", op, err, types.ErrEngineUnavailable)
	}

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("engine %s: status %d: %w", op, resp.StatusCode, types.ErrEngineUnavailable)
	case resp.StatusCode >= 400:
		return &Error{Op: op, Message: fmt.Sprintf("status %d: %s", resp.StatusCode, string(respBody))}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &Error{Op: op, Message: fmt.Sprintf("invalid response: %v", err)}
	}
	return nil
}
