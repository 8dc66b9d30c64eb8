package httpledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"AttestGate/internal/attestation"
	"AttestGate/internal/ledger"
	"AttestGate/internal/ledger/memledger"
)

// gateway serves the gateway routes on top of an in-memory ledger.
type gateway struct {
	mem          *memledger.Ledger
	pendingPolls atomic.Int32 // pendingPolls receipt requests answer 404 first
	submitStatus atomic.Int32 // submitStatus overrides the POST /records status when set
}

func newGateway(t *testing.T) (*gateway, *Client) {
	t.Helper()

	g := &gateway{mem: memledger.New()}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /records", g.handleSubmit)
	mux.HandleFunc("GET /receipts/{ref}", g.handleReceipt)
	mux.HandleFunc("GET /records/{id}", g.handleRecord)
	mux.HandleFunc("GET /digests/{digest}", g.handleDigest)
	mux.HandleFunc("GET /status", g.handleStatus)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL + "/", PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return g, c
}

func (g *gateway) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if code := g.submitStatus.Load(); code != 0 {
		http.Error(w, "forced", int(code))
		return
	}

	var req ledger.WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ref, err := g.mem.Submit(r.Context(), req)
	if errors.Is(err, ledger.ErrDuplicateDigest) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, submitResponse{Reference: ref})
}

func (g *gateway) handleReceipt(w http.ResponseWriter, r *http.Request) {
	if g.pendingPolls.Add(-1) >= 0 {
		http.NotFound(w, r)
		return
	}

	receipt, err := g.mem.AwaitReceipt(r.Context(), r.PathValue("ref"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, receipt)
}

func (g *gateway) handleRecord(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseUint(r.PathValue("id"), 10, 64)

	rec, err := g.mem.GetRecord(r.Context(), id)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, rec)
}

func (g *gateway) handleDigest(w http.ResponseWriter, r *http.Request) {
	d, err := attestation.ParseDigest(r.PathValue("digest"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	exists, id, _ := g.mem.VerifyDigest(r.Context(), d)
	writeJSON(w, digestResponse{Exists: exists, RecordID: id})
}

func (g *gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	height, _ := g.mem.Ping(r.Context())
	count, _ := g.mem.RecordCount(r.Context())
	writeJSON(w, statusResponse{Height: height, Records: count})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func testRequest(b byte) ledger.WriteRequest {
	return ledger.WriteRequest{
		Digest:          attestation.Digest{b, 0x42},
		ParticipantID:   "P-1",
		RecordType:      "PREDICTION",
		RiskScoreScaled: 8250,
		IsAnomaly:       true,
	}
}

func TestSubmitAwaitAndRead(t *testing.T) {
	ctx := context.Background()
	g, c := newGateway(t)
	g.pendingPolls.Store(2)

	ref, err := c.Submit(ctx, testRequest(1))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	receipt, err := c.AwaitReceipt(ctx, ref)
	if err != nil {
		t.Fatalf("AwaitReceipt: %v", err)
	}

	id, ok := receipt.RecordIDFor(testRequest(1).Digest)
	if !ok || id != 1 {
		t.Fatalf("receipt event: %+v", receipt)
	}

	rec, err := c.GetRecord(ctx, id)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}

	if rec.Digest != testRequest(1).Digest || rec.RiskScoreScaled != 8250 || !rec.IsAnomaly {
		t.Errorf("record: %+v", rec)
	}

	exists, vid, err := c.VerifyDigest(ctx, testRequest(1).Digest)
	if err != nil || !exists || vid != 1 {
		t.Errorf("VerifyDigest: %v %d %v", exists, vid, err)
	}

	height, err := c.Ping(ctx)
	if err != nil || height != 1 {
		t.Errorf("Ping: %d %v", height, err)
	}
}

func TestAwaitReceiptTimesOut(t *testing.T) {
	g, c := newGateway(t)
	g.pendingPolls.Store(1 << 20)

	ref, err := c.Submit(context.Background(), testRequest(1))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	if _, err := c.AwaitReceipt(ctx, ref); !errors.Is(err, ledger.ErrConfirmationTimeout) {
		t.Errorf("expected ErrConfirmationTimeout, got %v", err)
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"conflict", http.StatusConflict, ledger.ErrDuplicateDigest},
		{"server error", http.StatusBadGateway, ledger.ErrUnavailable},
		{"throttled", http.StatusTooManyRequests, ledger.ErrUnavailable},
		{"bad request", http.StatusBadRequest, ledger.ErrRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, c := newGateway(t)
			g.submitStatus.Store(int32(tt.status))

			if _, err := c.Submit(context.Background(), testRequest(1)); !errors.Is(err, tt.want) {
				t.Errorf("status %d: expected %v, got %v", tt.status, tt.want, err)
			}
		})
	}
}

func TestDuplicateFromGateway(t *testing.T) {
	ctx := context.Background()
	_, c := newGateway(t)

	if _, err := c.Submit(ctx, testRequest(1)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := c.Submit(ctx, testRequest(1)); !errors.Is(err, ledger.ErrDuplicateDigest) {
		t.Errorf("expected ErrDuplicateDigest, got %v", err)
	}
}

func TestRecordNotFound(t *testing.T) {
	_, c := newGateway(t)

	if _, err := c.GetRecord(context.Background(), 7); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUnreachableGateway(t *testing.T) {
	c, err := New(Config{BaseURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.Ping(context.Background()); !errors.Is(err, ledger.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestRecentWalksRecords(t *testing.T) {
	ctx := context.Background()
	_, c := newGateway(t)

	for b := byte(1); b <= 4; b++ {
		if _, err := c.Submit(ctx, testRequest(b)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	total, recs, err := ledger.Recent(ctx, c, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}

	if total != 4 || len(recs) != 4 || recs[0].RecordID != 4 || recs[3].RecordID != 1 {
		t.Errorf("Recent: total=%d %+v", total, recs)
	}
}
