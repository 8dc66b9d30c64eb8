// Package attestation defines the unit of agreement (an ML risk-scoring
// output) and the digest engine that fingerprints it.
package attestation

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// ErrInvalidPayload is returned for malformed or out-of-range attestation fields.
// Submissions failing with it never reach a consensus round.
var ErrInvalidPayload = errors.New("invalid payload")

// RecordType tags what kind of observation an attestation carries.
type RecordType string

const (
	RecordPrediction RecordType = "PREDICTION"
	RecordAnomaly    RecordType = "ANOMALY"
	RecordShipment   RecordType = "SHIPMENT"
)

var (
	recordTypesMu sync.RWMutex
	recordTypes   = map[RecordType]struct{}{
		RecordPrediction: {},
		RecordAnomaly:    {},
		RecordShipment:   {},
	}
)

// RegisterRecordType adds t to the accepted record types.
func RegisterRecordType(t RecordType) error {
	if strings.TrimSpace(string(t)) == "" {
		return fmt.Errorf("%w: empty record type", ErrInvalidPayload)
	}

	recordTypesMu.Lock()
	recordTypes[t] = struct{}{}
	recordTypesMu.Unlock()

	return nil
}

// KnownRecordType reports whether t is accepted.
func KnownRecordType(t RecordType) bool {
	recordTypesMu.RLock()
	defer recordTypesMu.RUnlock()

	_, ok := recordTypes[t]
	return ok
}

// RecordTypes returns the accepted record types in sorted order.
func RecordTypes() []RecordType {
	recordTypesMu.RLock()
	defer recordTypesMu.RUnlock()

	out := make([]RecordType, 0, len(recordTypes))
	for t := range recordTypes {
		out = append(out, t)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

// Attestation is one scored observation submitted for agreement.
type Attestation struct {
	TransactionID string         `json:"transaction_id"` // TransactionID is the caller-supplied id
	ParticipantID string         `json:"participant_id"` // ParticipantID identifies the reporting entity
	RecordType    RecordType     `json:"record_type"`    // RecordType tags the observation kind
	Prediction    int            `json:"prediction"`     // Prediction is the binary classification outcome
	Confidence    float64        `json:"confidence"`     // Confidence is in [0, 1]
	AnomalyScore  float64        `json:"anomaly_score"`  // AnomalyScore is the raw decision-function output
	RiskScore     float64        `json:"risk_score"`     // RiskScore is in [0, 100]
	IsAnomaly     bool           `json:"is_anomaly"`     // IsAnomaly flags the record as anomalous
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Validate checks every field constraint.
func (a *Attestation) Validate() error {
	if err := validUTF8(a); err != nil {
		return err
	}

	if strings.TrimSpace(a.TransactionID) == "" {
		return fmt.Errorf("%w: transaction_id is required", ErrInvalidPayload)
	}

	if strings.TrimSpace(a.ParticipantID) == "" {
		return fmt.Errorf("%w: participant_id is required", ErrInvalidPayload)
	}

	if !KnownRecordType(a.RecordType) {
		return fmt.Errorf("%w: unknown record_type %q", ErrInvalidPayload, a.RecordType)
	}

	if a.Prediction != 0 && a.Prediction != 1 {
		return fmt.Errorf("%w: prediction must be 0 or 1, got %d", ErrInvalidPayload, a.Prediction)
	}

	if !finite(a.Confidence) || a.Confidence < 0 || a.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0, 1]", ErrInvalidPayload, a.Confidence)
	}

	if !finite(a.AnomalyScore) {
		return fmt.Errorf("%w: anomaly_score is not finite", ErrInvalidPayload)
	}

	if !finite(a.RiskScore) || a.RiskScore < 0 || a.RiskScore > 100 {
		return fmt.Errorf("%w: risk_score %v outside [0, 100]", ErrInvalidPayload, a.RiskScore)
	}

	for k, v := range a.Metadata {
		if _, err := normalizeScalar(v); err != nil {
			return fmt.Errorf("%w: metadata %q: %v", ErrInvalidPayload, k, err)
		}
	}

	return nil
}

// validUTF8 rejects strings the JSON encoder would rewrite, which would let
// distinct attestations share a canonical payload.
func validUTF8(a *Attestation) error {
	fields := []struct {
		name, value string
	}{
		{"transaction_id", a.TransactionID},
		{"participant_id", a.ParticipantID},
		{"record_type", string(a.RecordType)},
	}

	for _, f := range fields {
		if !utf8.ValidString(f.value) {
			return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidPayload, f.name)
		}
	}

	for k, v := range a.Metadata {
		if !utf8.ValidString(k) {
			return fmt.Errorf("%w: metadata key %q is not valid UTF-8", ErrInvalidPayload, k)
		}

		if s, ok := v.(string); ok && !utf8.ValidString(s) {
			return fmt.Errorf("%w: metadata %q is not valid UTF-8", ErrInvalidPayload, k)
		}
	}

	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
