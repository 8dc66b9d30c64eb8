// Package client is a Go client for the attestd HTTP API.
package client

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"AttestGate/internal/attestation"
	"AttestGate/internal/submission"
)

// Client connects to an attestd node via HTTP.
type Client struct {
	nodeAddr string // nodeAddr is the HTTP address (e.g. "127.0.0.1:8080")
}

// RecordInfo is a ledger record as served by the node.
type RecordInfo struct {
	RecordID        uint64    `json:"record_id"`
	DataHash        string    `json:"data_hash"`
	ParticipantID   string    `json:"participant_id"`
	RecordType      string    `json:"record_type"`
	RiskScore       float64   `json:"risk_score"`
	RiskScoreScaled uint16    `json:"risk_score_scaled"`
	RiskLevel       string    `json:"risk_level"`
	IsAnomaly       bool      `json:"is_anomaly"`
	Timestamp       time.Time `json:"timestamp"`
	BlockNumber     uint64    `json:"block_number"`
	IsVerified      bool      `json:"is_verified"`
}

// VerifyInfo tells whether a digest is recorded.
type VerifyInfo struct {
	Hash          string  `json:"hash"`
	ExistsOnChain bool    `json:"exists_on_chain"`
	RecordID      *uint64 `json:"record_id,omitempty"`
	Message       string  `json:"message"`
}

// RecentInfo lists the newest records.
type RecentInfo struct {
	TotalRecords uint64       `json:"total_records"`
	Records      []RecordInfo `json:"records"`
}

// NewClient creates a client for the node at nodeAddr. A bare host:port
// is served over http.
func NewClient(nodeAddr string) *Client {
	addr := strings.TrimRight(nodeAddr, "/")
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	return &Client{nodeAddr: addr}
}

// Submit submits a, letting the node stamp the submission time.
func (c *Client) Submit(a *attestation.Attestation) (*submission.Outcome, error) {
	return c.submit(a, nil, "")
}

// SubmitAt submits a with a pinned submission time, under requestID when set.
// Retrying with the same timestamp never writes the ledger twice.
func (c *Client) SubmitAt(a *attestation.Attestation, submittedAt int64, requestID string) (*submission.Outcome, error) {
	return c.submit(a, &submittedAt, requestID)
}

func (c *Client) submit(a *attestation.Attestation, submittedAt *int64, requestID string) (*submission.Outcome, error) {
	body := struct {
		*attestation.Attestation
		SubmittedAt *int64 `json:"submitted_at,omitempty"`
	}{a, submittedAt}

	header := http.Header{}
	if requestID != "" {
		header.Set("X-Request-Id", requestID)
	}

	var out submission.Outcome
	err := httpPostJSON(c.nodeAddr+"/submit", body, &out, header)

	var statusErr *StatusError
	if errors.As(err, &statusErr) && out.RequestID != "" {
		return &out, err
	}
	if err != nil {
		return nil, err
	}

	return &out, nil
}

// Record fetches the ledger record with the given id.
func (c *Client) Record(id uint64) (*RecordInfo, error) {
	var rec RecordInfo
	if err := httpGet(fmt.Sprintf("%s/record/%d", c.nodeAddr, id), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Verify checks whether digest is recorded on the ledger.
func (c *Client) Verify(digest string) (*VerifyInfo, error) {
	var info VerifyInfo
	if err := httpGet(c.nodeAddr+"/verify/"+url.PathEscape(digest), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Recent lists up to count records, newest first.
func (c *Client) Recent(count int) (*RecentInfo, error) {
	var info RecentInfo
	if err := httpGet(fmt.Sprintf("%s/records/recent?count=%d", c.nodeAddr, count), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Status fetches the node status.
func (c *Client) Status() (*submission.Status, error) {
	var s submission.Status
	if err := httpGet(c.nodeAddr+"/status", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Health checks that the node is up.
func (c *Client) Health() error {
	var resp map[string]string
	if err := httpGet(c.nodeAddr+"/health", &resp); err != nil {
		return err
	}

	if resp["status"] != "ok" {
		return fmt.Errorf("node unhealthy: %q", resp["status"])
	}

	return nil
}
