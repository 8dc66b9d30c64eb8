package attestation

import (
	"encoding/json"
	"fmt"
)

// Input is the wire form of an attestation. Score fields are pointers so a
// missing value is told apart from a zero one.
type Input struct {
	TransactionID *string        `json:"transaction_id"`
	ParticipantID *string        `json:"participant_id"`
	RecordType    RecordType     `json:"record_type"` // empty means PREDICTION
	Prediction    *int           `json:"prediction"`
	Confidence    *float64       `json:"confidence"`
	AnomalyScore  *float64       `json:"anomaly_score"`
	RiskScore     *float64       `json:"risk_score"`
	IsAnomaly     *bool          `json:"is_anomaly"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Attestation checks that every required field is present and returns the
// validated attestation.
func (in *Input) Attestation() (*Attestation, error) {
	missing := func(name string) error {
		return fmt.Errorf("%w: %s is required", ErrInvalidPayload, name)
	}

	switch {
	case in.TransactionID == nil:
		return nil, missing("transaction_id")
	case in.ParticipantID == nil:
		return nil, missing("participant_id")
	case in.Prediction == nil:
		return nil, missing("prediction")
	case in.Confidence == nil:
		return nil, missing("confidence")
	case in.AnomalyScore == nil:
		return nil, missing("anomaly_score")
	case in.RiskScore == nil:
		return nil, missing("risk_score")
	case in.IsAnomaly == nil:
		return nil, missing("is_anomaly")
	}

	a := &Attestation{
		TransactionID: *in.TransactionID,
		ParticipantID: *in.ParticipantID,
		RecordType:    in.RecordType,
		Prediction:    *in.Prediction,
		Confidence:    *in.Confidence,
		AnomalyScore:  *in.AnomalyScore,
		RiskScore:     *in.RiskScore,
		IsAnomaly:     *in.IsAnomaly,
		Metadata:      in.Metadata,
	}

	if a.RecordType == "" {
		a.RecordType = RecordPrediction
	}

	if err := a.Validate(); err != nil {
		return nil, err
	}

	return a, nil
}

// DecodeJSON parses an attestation from its JSON wire form.
func DecodeJSON(data []byte) (*Attestation, error) {
	var in Input
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	return in.Attestation()
}
