package attestation

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeJSONRequiresScores(t *testing.T) {
	_, err := DecodeJSON([]byte(`{"transaction_id":"TX-1","participant_id":"P-1","record_type":"PREDICTION"}`))

	if !errors.Is(err, ErrInvalidPayload) || !strings.Contains(err.Error(), "prediction") {
		t.Errorf("expected missing prediction, got %v", err)
	}
}

func TestDecodeJSONKeepsExplicitZeros(t *testing.T) {
	a, err := DecodeJSON([]byte(`{"transaction_id":"TX-1","participant_id":"P-1","prediction":0,
		"confidence":0,"anomaly_score":0,"risk_score":0,"is_anomaly":false}`))
	if err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}

	if a.RecordType != RecordPrediction {
		t.Errorf("record type = %q, want %q", a.RecordType, RecordPrediction)
	}

	if a.RiskScore != 0 || a.IsAnomaly {
		t.Errorf("unexpected attestation: %+v", a)
	}
}

func TestDecodeJSONMalformed(t *testing.T) {
	if _, err := DecodeJSON([]byte(`{"transaction_id":`)); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}
}
