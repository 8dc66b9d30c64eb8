package attestation

import (
	"errors"
	"math"
	"strings"
	"testing"
)

const testTimestamp = 1700000000

// newTestAttestation returns the reference TX-1 attestation.
func newTestAttestation() *Attestation {
	return &Attestation{
		TransactionID: "TX-1",
		ParticipantID: "P-1",
		RecordType:    RecordPrediction,
		Prediction:    1,
		Confidence:    0.92,
		AnomalyScore:  -0.31,
		RiskScore:     82.5,
		IsAnomaly:     true,
	}
}

func TestCanonicalLayout(t *testing.T) {
	data, err := Canonical(newTestAttestation(), testTimestamp)
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}

	want := `{"anomaly_score":-0.31,"confidence":0.92,"is_anomaly":true,"metadata":{},` +
		`"participant_id":"P-1","prediction":1,"record_type":"PREDICTION","risk_score":82.5,` +
		`"submitted_at":1700000000,"transaction_id":"TX-1"}`

	if string(data) != want {
		t.Errorf("canonical payload:\ngot  %s\nwant %s", data, want)
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := newTestAttestation()
	a.Metadata = map[string]any{"zone": "eu-west", "batch": 12, "rerun": false}

	d1, err := Fingerprint(a, testTimestamp)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}

	d2, err := Fingerprint(a, testTimestamp)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}

	if d1 != d2 {
		t.Errorf("digests differ: %s vs %s", d1, d2)
	}

	data, _ := Canonical(a, testTimestamp)
	if Sum(data) != d1 {
		t.Error("Fingerprint should equal Sum of canonical payload")
	}
}

func TestFingerprintFormat(t *testing.T) {
	d, err := Fingerprint(newTestAttestation(), testTimestamp)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}

	s := d.String()
	if !strings.HasPrefix(s, "0x") || len(s) != 66 {
		t.Fatalf("bad digest text %q", s)
	}

	if s != strings.ToLower(s) {
		t.Errorf("digest should be lower-case: %q", s)
	}
}

func TestFingerprintTimestampSensitive(t *testing.T) {
	a := newTestAttestation()

	d1, _ := Fingerprint(a, testTimestamp)
	d2, _ := Fingerprint(a, testTimestamp+1)

	if d1 == d2 {
		t.Error("different submission times must give different digests")
	}
}

func TestFingerprintRoundingAbsorbsNoise(t *testing.T) {
	a := newTestAttestation()
	b := newTestAttestation()
	b.Confidence = 0.92 + 1e-12
	b.RiskScore = 82.5 + 1e-9
	b.AnomalyScore = -0.31 - 1e-10

	da, _ := Fingerprint(a, testTimestamp)
	db, _ := Fingerprint(b, testTimestamp)

	if da != db {
		t.Error("sub-precision noise should not change the digest")
	}
}

// TestInvalidUTF8NeverCollides checks byte strings the encoder would rewrite
// to the same replacement character cannot share a digest.
func TestInvalidUTF8NeverCollides(t *testing.T) {
	a := newTestAttestation()
	a.TransactionID = "TX-\xff"

	b := newTestAttestation()
	b.TransactionID = "TX-\xfe"

	_, errA := Fingerprint(a, testTimestamp)
	_, errB := Fingerprint(b, testTimestamp)

	if !errors.Is(errA, ErrInvalidPayload) || !errors.Is(errB, ErrInvalidPayload) {
		t.Fatalf("errA = %v, errB = %v, want ErrInvalidPayload", errA, errB)
	}
}

// TestNegativeZeroMatchesZero checks a score rounding to -0 hashes like 0.
func TestNegativeZeroMatchesZero(t *testing.T) {
	a := newTestAttestation()
	a.AnomalyScore = -1e-7
	a.Metadata = map[string]any{"drift": math.Copysign(0, -1)}

	b := newTestAttestation()
	b.AnomalyScore = 0
	b.Metadata = map[string]any{"drift": 0.0}

	da, err := Fingerprint(a, testTimestamp)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}

	db, _ := Fingerprint(b, testTimestamp)
	if da != db {
		t.Error("negative zero must hash like zero")
	}

	data, _ := Canonical(a, testTimestamp)
	if strings.Contains(string(data), "-0") {
		t.Errorf("canonical payload contains -0: %s", data)
	}
}

func TestMetadataKeyOrderIrrelevant(t *testing.T) {
	a := newTestAttestation()
	a.Metadata = map[string]any{"b": 1, "a": "x"}

	b := newTestAttestation()
	b.Metadata = map[string]any{"a": "x", "b": 1}

	da, _ := Fingerprint(a, testTimestamp)
	db, _ := Fingerprint(b, testTimestamp)

	if da != db {
		t.Error("metadata insertion order must not matter")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(a *Attestation)
	}{
		{"empty transaction", func(a *Attestation) { a.TransactionID = " " }},
		{"empty participant", func(a *Attestation) { a.ParticipantID = "" }},
		{"unknown record type", func(a *Attestation) { a.RecordType = "INVOICE" }},
		{"prediction out of set", func(a *Attestation) { a.Prediction = 2 }},
		{"confidence above one", func(a *Attestation) { a.Confidence = 1.5 }},
		{"confidence negative", func(a *Attestation) { a.Confidence = -0.1 }},
		{"confidence NaN", func(a *Attestation) { a.Confidence = math.NaN() }},
		{"anomaly infinite", func(a *Attestation) { a.AnomalyScore = math.Inf(-1) }},
		{"risk above hundred", func(a *Attestation) { a.RiskScore = 100.01 }},
		{"nested metadata", func(a *Attestation) { a.Metadata = map[string]any{"x": []int{1}} }},
		{"non-finite metadata", func(a *Attestation) { a.Metadata = map[string]any{"x": math.NaN()} }},
		{"invalid utf8 transaction", func(a *Attestation) { a.TransactionID = "TX-\xff" }},
		{"invalid utf8 participant", func(a *Attestation) { a.ParticipantID = "P-\xfe" }},
		{"invalid utf8 metadata key", func(a *Attestation) { a.Metadata = map[string]any{"k\xff": 1} }},
		{"invalid utf8 metadata value", func(a *Attestation) { a.Metadata = map[string]any{"k": "v\xff"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAttestation()
			tt.mutate(a)

			if _, err := Fingerprint(a, testTimestamp); !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("expected ErrInvalidPayload, got %v", err)
			}
		})
	}
}

func TestRegisterRecordType(t *testing.T) {
	a := newTestAttestation()
	a.RecordType = "CUSTOMS"

	if err := a.Validate(); err == nil {
		t.Fatal("unregistered type should be rejected")
	}

	if err := RegisterRecordType("CUSTOMS"); err != nil {
		t.Fatalf("RegisterRecordType: %v", err)
	}

	if err := a.Validate(); err != nil {
		t.Errorf("registered type rejected: %v", err)
	}

	if err := RegisterRecordType(""); err == nil {
		t.Error("empty type should not register")
	}
}

func TestParseCanonicalRoundTrip(t *testing.T) {
	a := newTestAttestation()
	a.Metadata = map[string]any{"lane": "A7", "weight": 12.25, "pallets": 3, "flag": nil}

	data, err := Canonical(a, testTimestamp)
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}

	parsed, ts, err := ParseCanonical(data)
	if err != nil {
		t.Fatalf("ParseCanonical: %v", err)
	}

	if ts != testTimestamp {
		t.Errorf("timestamp: got %d, want %d", ts, testTimestamp)
	}

	again, err := Canonical(parsed, ts)
	if err != nil {
		t.Fatalf("Canonical(parsed): %v", err)
	}

	if string(again) != string(data) {
		t.Errorf("re-canonicalization differs:\n%s\n%s", again, data)
	}
}

func TestParseCanonicalRejectsGarbage(t *testing.T) {
	inputs := []string{
		"",
		"not json",
		`{"transaction_id":"x","extra":1}`,
		`{"transaction_id":"TX","participant_id":"P","record_type":"PREDICTION","prediction":1,` +
			`"confidence":7,"anomaly_score":0,"risk_score":1,"is_anomaly":false,"metadata":{},"submitted_at":1}`,
	}

	for _, in := range inputs {
		if _, _, err := ParseCanonical([]byte(in)); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("ParseCanonical(%q): expected ErrInvalidPayload, got %v", in, err)
		}
	}
}

func TestParseDigest(t *testing.T) {
	d, _ := Fingerprint(newTestAttestation(), testTimestamp)

	parsed, err := ParseDigest(d.String())
	if err != nil {
		t.Fatalf("ParseDigest: %v", err)
	}

	if parsed != d {
		t.Error("parsed digest differs")
	}

	noPrefix, err := ParseDigest(strings.ToUpper(d.String()[2:]))
	if err != nil || noPrefix != d {
		t.Errorf("unprefixed upper-case digest should parse, err=%v", err)
	}

	for _, bad := range []string{"", "0x", "0x1234", "0x" + strings.Repeat("zz", 32)} {
		if _, err := ParseDigest(bad); err == nil {
			t.Errorf("ParseDigest(%q) should fail", bad)
		}
	}
}
