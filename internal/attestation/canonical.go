package attestation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

const (
	// scorePrecision is the decimal precision of confidence and anomaly_score.
	scorePrecision = 1e6

	// riskPrecision is the decimal precision of risk_score in the digest payload.
	// The ledger stores risk with two decimals; both are kept on purpose.
	riskPrecision = 1e4
)

// Canonical keys, in the order encoding/json emits them (sorted).
const (
	keyAnomalyScore  = "anomaly_score"
	keyConfidence    = "confidence"
	keyIsAnomaly     = "is_anomaly"
	keyMetadata      = "metadata"
	keyParticipantID = "participant_id"
	keyPrediction    = "prediction"
	keyRecordType    = "record_type"
	keyRiskScore     = "risk_score"
	keySubmittedAt   = "submitted_at"
	keyTransactionID = "transaction_id"
)

// Canonical returns the deterministic serialization used as digest input:
// compact JSON with lexicographically sorted keys at every level.
func Canonical(a *Attestation, submittedAt int64) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}

	meta := make(map[string]any, len(a.Metadata))
	for k, v := range a.Metadata {
		n, err := normalizeScalar(v)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata %q: %v", ErrInvalidPayload, k, err)
		}
		meta[k] = n
	}

	payload := map[string]any{
		keyAnomalyScore:  roundTo(a.AnomalyScore, scorePrecision),
		keyConfidence:    roundTo(a.Confidence, scorePrecision),
		keyIsAnomaly:     a.IsAnomaly,
		keyMetadata:      meta,
		keyParticipantID: a.ParticipantID,
		keyPrediction:    a.Prediction,
		keyRecordType:    string(a.RecordType),
		keyRiskScore:     roundTo(a.RiskScore, riskPrecision),
		keySubmittedAt:   submittedAt,
		keyTransactionID: a.TransactionID,
	}

	if !finite(payload[keyAnomalyScore].(float64)) {
		return nil, fmt.Errorf("%w: anomaly_score overflows after rounding", ErrInvalidPayload)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode payload: %v", ErrInvalidPayload, err)
	}

	return data, nil
}

// ParseCanonical decodes a canonical payload back into an attestation and its
// submission timestamp. Re-fingerprinting the result reproduces the digest of
// data when data is genuinely canonical.
func ParseCanonical(data []byte) (*Attestation, int64, error) {
	var raw struct {
		AnomalyScore  json.Number    `json:"anomaly_score"`
		Confidence    json.Number    `json:"confidence"`
		IsAnomaly     bool           `json:"is_anomaly"`
		Metadata      map[string]any `json:"metadata"`
		ParticipantID string         `json:"participant_id"`
		Prediction    json.Number    `json:"prediction"`
		RecordType    string         `json:"record_type"`
		RiskScore     json.Number    `json:"risk_score"`
		SubmittedAt   json.Number    `json:"submitted_at"`
		TransactionID string         `json:"transaction_id"`
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	dec.DisallowUnknownFields()

	if err := dec.Decode(&raw); err != nil {
		return nil, 0, fmt.Errorf("%w: decode canonical payload: %v", ErrInvalidPayload, err)
	}

	a := &Attestation{
		TransactionID: raw.TransactionID,
		ParticipantID: raw.ParticipantID,
		RecordType:    RecordType(raw.RecordType),
		IsAnomaly:     raw.IsAnomaly,
		Metadata:      raw.Metadata,
	}

	var err error
	prediction, err := raw.Prediction.Int64()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: prediction: %v", ErrInvalidPayload, err)
	}
	a.Prediction = int(prediction)

	if a.Confidence, err = raw.Confidence.Float64(); err != nil {
		return nil, 0, fmt.Errorf("%w: confidence: %v", ErrInvalidPayload, err)
	}

	if a.AnomalyScore, err = raw.AnomalyScore.Float64(); err != nil {
		return nil, 0, fmt.Errorf("%w: anomaly_score: %v", ErrInvalidPayload, err)
	}

	if a.RiskScore, err = raw.RiskScore.Float64(); err != nil {
		return nil, 0, fmt.Errorf("%w: risk_score: %v", ErrInvalidPayload, err)
	}

	submittedAt, err := raw.SubmittedAt.Int64()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: submitted_at: %v", ErrInvalidPayload, err)
	}

	if err := a.Validate(); err != nil {
		return nil, 0, err
	}

	return a, submittedAt, nil
}

// normalizeScalar maps a metadata value onto the JSON scalar it encodes as.
func normalizeScalar(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool:
		return x, nil
	case float64:
		return checkFloat(x)
	case float32:
		return checkFloat(float64(x))
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint8:
		return uint64(x), nil
	case uint16:
		return uint64(x), nil
	case uint32:
		return uint64(x), nil
	case uint64:
		return x, nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("bad number %q", x.String())
		}
		return checkFloat(f)
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func checkFloat(f float64) (any, error) {
	if !finite(f) {
		return nil, fmt.Errorf("non-finite number")
	}
	if f == 0 {
		return float64(0), nil
	}
	return f, nil
}

// roundTo rounds x to the decimal precision given as a power of ten.
// Negative zero is folded into zero so both encode as "0".
func roundTo(x, precision float64) float64 {
	r := math.Round(x*precision) / precision
	if r == 0 {
		return 0
	}
	return r
}
