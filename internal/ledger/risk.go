package ledger

import (
	"fmt"
	"math"

	"AttestGate/internal/attestation"
)

// riskScale is the fixed-point factor of stored risk scores (two decimals).
const riskScale = 100

// ScaleRisk converts a risk score to the ledger's fixed-point form.
func ScaleRisk(risk float64) (uint16, error) {
	if math.IsNaN(risk) || math.IsInf(risk, 0) {
		return 0, fmt.Errorf("%w: risk score is not finite", attestation.ErrInvalidPayload)
	}

	scaled := math.Round(risk * riskScale)
	if scaled < 0 || scaled > math.MaxUint16 {
		return 0, fmt.Errorf("%w: risk score %v does not fit the ledger field", attestation.ErrInvalidPayload, risk)
	}

	return uint16(scaled), nil
}

// UnscaleRisk converts a stored risk score back to a real number.
func UnscaleRisk(scaled uint16) float64 {
	return float64(scaled) / riskScale
}

// Risk levels reported on record reads.
const (
	RiskCritical = "CRITICAL"
	RiskHigh     = "HIGH"
	RiskMedium   = "MEDIUM"
	RiskLow      = "LOW"
)

// RiskLevel classifies a risk score.
func RiskLevel(score float64) string {
	switch {
	case score >= 80:
		return RiskCritical
	case score >= 60:
		return RiskHigh
	case score >= 40:
		return RiskMedium
	default:
		return RiskLow
	}
}
