package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"AttestGate/internal/attestation"
	"AttestGate/internal/consensus"
	"AttestGate/internal/ledger"
	"AttestGate/internal/logger"
	"AttestGate/internal/relay"
	"AttestGate/internal/submission"
)

const (
	// maxBodySize is the maximum submission body size in bytes.
	maxBodySize = 1 << 20 // 1 MB

	defaultRecentCount = 10
	maxRecentCount     = 100

	defaultSubmitTimeout = 60 * time.Second

	requestIDHeader = "X-Request-Id"
)

// defaultOrigins are the dashboard origins allowed by default.
var defaultOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// Submitter runs submissions and answers status queries.
type Submitter interface {
	Submit(ctx context.Context, a *attestation.Attestation) submission.Outcome
	SubmitAt(ctx context.Context, a *attestation.Attestation, submittedAt int64) submission.Outcome
	Status(ctx context.Context) submission.Status
	Ledger() ledger.Ledger
}

// Config configures the HTTP API.
type Config struct {
	Addr           string        // Addr is the HTTP listen address
	Submitter      Submitter     // Submitter runs submissions
	Metrics        http.Handler  // Metrics serves /metrics when set
	RateLimit      float64       // RateLimit is the sustained submissions per second, 0 for unlimited
	Burst          int           // Burst is the submission burst size
	AllowedOrigins []string      // AllowedOrigins are the CORS origins
	SubmitTimeout  time.Duration // SubmitTimeout bounds one submission
}

// Server is the HTTP API server.
type Server struct {
	addr      string        // addr is the HTTP listen address
	submitter Submitter     // submitter runs submissions
	metrics   http.Handler  // metrics serves the prometheus registry
	limiter   *rate.Limiter // limiter throttles POST /submit, nil for unlimited
	origins   []string      // origins are the CORS allowed origins
	timeout   time.Duration // timeout bounds one submission
	server    *http.Server  // server is the underlying HTTP server
	listener  net.Listener  // listener is bound by Start
}

// submitRequest is the POST /submit body. SubmittedAt pins the timestamp
// for idempotent retries.
type submitRequest struct {
	attestation.Input
	SubmittedAt *int64 `json:"submitted_at,omitempty"`
}

// recordResponse is a ledger record as served to dashboards.
type recordResponse struct {
	RecordID        uint64             `json:"record_id"`
	DataHash        attestation.Digest `json:"data_hash"`
	ParticipantID   string             `json:"participant_id"`
	RecordType      string             `json:"record_type"`
	RiskScore       float64            `json:"risk_score"`
	RiskScoreScaled uint16             `json:"risk_score_scaled"`
	RiskLevel       string             `json:"risk_level"`
	IsAnomaly       bool               `json:"is_anomaly"`
	Timestamp       time.Time          `json:"timestamp"`
	BlockNumber     uint64             `json:"block_number"`
	IsVerified      bool               `json:"is_verified"`
}

type verifyResponse struct {
	Hash          string  `json:"hash"`
	ExistsOnChain bool    `json:"exists_on_chain"`
	RecordID      *uint64 `json:"record_id,omitempty"`
	Message       string  `json:"message"`
}

type recentResponse struct {
	TotalRecords uint64           `json:"total_records"`
	Records      []recordResponse `json:"records"`
}

// New creates a new HTTP API server.
func New(cfg Config) *Server {
	s := &Server{
		addr:      cfg.Addr,
		submitter: cfg.Submitter,
		metrics:   cfg.Metrics,
		origins:   cfg.AllowedOrigins,
		timeout:   cfg.SubmitTimeout,
	}

	if len(s.origins) == 0 {
		s.origins = defaultOrigins
	}

	if s.timeout <= 0 {
		s.timeout = defaultSubmitTimeout
	}

	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(1, int(cfg.RateLimit))
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return s
}

// Handler returns the routed handler wrapped in the CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /submit", s.limit(s.handleSubmit))
	mux.HandleFunc("GET /record/{id}", s.handleRecord)
	mux.HandleFunc("GET /verify/{digest}", s.handleVerify)
	mux.HandleFunc("GET /records/recent", s.handleRecent)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", requestIDHeader},
		ExposedHeaders: []string{requestIDHeader},
	}).Handler(mux)
}

// Start binds the listen address and serves in a goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s:\n%w", s.addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      s.timeout + 10*time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", ln.Addr().String())

		if err := s.server.Serve(ln); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// limit rejects requests over the submission rate with 429.
func (s *Server) limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// handleSubmit handles POST /submit requests.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if len(body) > maxBodySize {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json: %v", err))
		return
	}

	a, err := req.Attestation()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	if id := r.Header.Get(requestIDHeader); id != "" {
		ctx = submission.WithRequestID(ctx, id)
	}

	var out submission.Outcome
	if req.SubmittedAt != nil {
		out = s.submitter.SubmitAt(ctx, a, *req.SubmittedAt)
	} else {
		out = s.submitter.Submit(ctx, a)
	}

	w.Header().Set(requestIDHeader, out.RequestID)
	writeJSON(w, outcomeStatus(out), out)
}

// outcomeStatus maps a submission outcome onto an HTTP status.
func outcomeStatus(out submission.Outcome) int {
	switch {
	case out.Success:
		return http.StatusOK
	case errors.Is(out.Err, attestation.ErrInvalidPayload):
		return http.StatusBadRequest
	case consensus.IsConsensusFailure(out.Err):
		return http.StatusServiceUnavailable
	case errors.Is(out.Err, relay.ErrLedgerRelayFailed):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// handleRecord handles GET /record/{id} requests.
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid record id")
		return
	}

	rec, err := s.submitter.Ledger().GetRecord(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newRecordResponse(rec))
}

// handleVerify handles GET /verify/{digest} requests.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	d, err := attestation.ParseDigest(r.PathValue("digest"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	exists, id, err := s.submitter.Ledger().VerifyDigest(r.Context(), d)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	resp := verifyResponse{Hash: d.String(), ExistsOnChain: exists}
	if exists {
		resp.RecordID = &id
		resp.Message = "attestation is recorded on the ledger"
	} else {
		resp.Message = "attestation not found on the ledger"
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleRecent handles GET /records/recent?count=N requests.
func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	count := defaultRecentCount

	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxRecentCount {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("count must be between 1 and %d", maxRecentCount))
			return
		}
		count = n
	}

	total, records, err := ledger.Recent(r.Context(), s.submitter.Ledger(), count)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	resp := recentResponse{TotalRecords: total, Records: make([]recordResponse, len(records))}
	for i, rec := range records {
		resp.Records[i] = newRecordResponse(rec)
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.submitter == nil {
		writeError(w, http.StatusServiceUnavailable, "status not available")
		return
	}

	writeJSON(w, http.StatusOK, s.submitter.Status(r.Context()))
}

func newRecordResponse(rec ledger.Record) recordResponse {
	risk := rec.RiskScore()

	return recordResponse{
		RecordID:        rec.RecordID,
		DataHash:        rec.Digest,
		ParticipantID:   rec.ParticipantID,
		RecordType:      rec.RecordType,
		RiskScore:       risk,
		RiskScoreScaled: rec.RiskScoreScaled,
		RiskLevel:       ledger.RiskLevel(risk),
		IsAnomaly:       rec.IsAnomaly,
		Timestamp:       rec.Timestamp,
		BlockNumber:     rec.BlockNumber,
		IsVerified:      rec.Verified,
	}
}

// writeLedgerError maps ledger failures onto HTTP statuses.
func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
