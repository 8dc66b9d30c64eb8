// Package httpledger talks to a ledger gateway over HTTP+JSON.
//
// Gateway routes:
//
//	POST /records         submit a write, returns {"reference"}
//	GET  /receipts/{ref}  200 with the receipt once confirmed, 404 before
//	GET  /records/{id}    stored record
//	GET  /digests/{hex}   {"exists", "record_id"}
//	GET  /status          {"height", "records"}
package httpledger

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

	"AttestGate/internal/attestation"
	"AttestGate/internal/ledger"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultTimeout      = 10 * time.Second
)

// Config configures a gateway client.
type Config struct {
	BaseURL      string        // BaseURL is the gateway root, e.g. http://127.0.0.1:8545
	PollInterval time.Duration // PollInterval is the receipt polling period
	HTTPClient   *http.Client  // HTTPClient defaults to a client with a 10s timeout
}

// Client is a ledger.Ledger backed by a remote gateway.
type Client struct {
	base string
	poll time.Duration
	http *http.Client
}

type submitResponse struct {
	Reference string `json:"reference"`
}

type digestResponse struct {
	Exists   bool   `json:"exists"`
	RecordID uint64 `json:"record_id"`
}

type statusResponse struct {
	Height  uint64 `json:"height"`
	Records uint64 `json:"records"`
}

// New creates a gateway client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway url is required")
	}

	c := &Client{
		base: strings.TrimRight(cfg.BaseURL, "/"),
		poll: cfg.PollInterval,
		http: cfg.HTTPClient,
	}

	if c.poll <= 0 {
		c.poll = defaultPollInterval
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: defaultTimeout}
	}

	return c, nil
}

// Submit implements ledger.Ledger.
func (c *Client) Submit(ctx context.Context, req ledger.WriteRequest) (string, error) {
	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, "/records", req, &resp); err != nil {
		return "", err
	}

	if resp.Reference == "" {
		return "", fmt.Errorf("%w: gateway returned no reference", ledger.ErrUnavailable)
	}

	return resp.Reference, nil
}

// AwaitReceipt implements ledger.Ledger by polling the gateway until the
// receipt exists or ctx ends.
func (c *Client) AwaitReceipt(ctx context.Context, ref string) (ledger.Receipt, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		var r ledger.Receipt
		err := c.do(ctx, http.MethodGet, "/receipts/"+ref, nil, &r)
		if err == nil {
			return r, nil
		}

		if ctx.Err() != nil {
			return ledger.Receipt{}, fmt.Errorf("%w: %s", ledger.ErrConfirmationTimeout, ref)
		}

		// not found means pending, unavailable is retried until the deadline
		if !isRetryable(err) {
			return ledger.Receipt{}, err
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ledger.Receipt{}, fmt.Errorf("%w: %s", ledger.ErrConfirmationTimeout, ref)
		}
	}
}

// GetRecord implements ledger.Ledger.
func (c *Client) GetRecord(ctx context.Context, id uint64) (ledger.Record, error) {
	var rec ledger.Record
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/records/%d", id), nil, &rec); err != nil {
		return ledger.Record{}, err
	}
	return rec, nil
}

// VerifyDigest implements ledger.Ledger.
func (c *Client) VerifyDigest(ctx context.Context, d attestation.Digest) (bool, uint64, error) {
	var resp digestResponse
	if err := c.do(ctx, http.MethodGet, "/digests/"+d.String(), nil, &resp); err != nil {
		return false, 0, err
	}
	return resp.Exists, resp.RecordID, nil
}

// Ping implements ledger.Ledger.
func (c *Client) Ping(ctx context.Context) (uint64, error) {
	var resp statusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Height, nil
}

// RecordCount implements ledger.Counter.
func (c *Client) RecordCount(ctx context.Context) (uint64, error) {
	var resp statusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Records, nil
}

// do sends a JSON request and decodes a 200 response into result. Status
// codes are mapped onto the ledger sentinels.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body:\n%w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request:\n%w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ledger.ErrUnavailable, method, path, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if err := statusError(method, path, resp); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ledger.ErrUnavailable, path, err)
	}

	return nil
}

func statusError(method, path string, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s %s", ledger.ErrDuplicateDigest, method, path)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ledger.ErrNotFound, method, path)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s: status %d", ledger.ErrUnavailable, method, path, resp.StatusCode)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s: status %d: %s", ledger.ErrRejected, method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}
}

func isRetryable(err error) bool {
	return errors.Is(err, ledger.ErrNotFound) || errors.Is(err, ledger.ErrUnavailable)
}
