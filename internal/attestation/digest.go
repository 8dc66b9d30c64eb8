package attestation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// DigestSize is the size of a digest in bytes.
const DigestSize = 32

// Digest fingerprints a canonical payload. Its text form is "0x" followed
// by 64 lower-case hex digits.
type Digest [DigestSize]byte

// Fingerprint computes the digest of a at the given submission time.
func Fingerprint(a *Attestation, submittedAt int64) (Digest, error) {
	data, err := Canonical(a, submittedAt)
	if err != nil {
		return Digest{}, err
	}

	return Sum(data), nil
}

// Sum hashes an already canonical payload.
func Sum(canonical []byte) Digest {
	return sha256.Sum256(canonical)
}

// ParseDigest parses the text form. The 0x prefix is optional on input.
func ParseDigest(s string) (Digest, error) {
	var d Digest

	clean := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(clean) != DigestSize*2 {
		return d, fmt.Errorf("%w: digest must be %d hex digits, got %d", ErrInvalidPayload, DigestSize*2, len(clean))
	}

	if _, err := hex.Decode(d[:], []byte(clean)); err != nil {
		return d, fmt.Errorf("%w: digest: %v", ErrInvalidPayload, err)
	}

	return d, nil
}

// String returns the 0x-prefixed lower-case hex form.
func (d Digest) String() string {
	return "0x" + hex.EncodeToString(d[:])
}

// Short returns the first 8 bytes in hex, for logs.
func (d Digest) Short() string {
	return hex.EncodeToString(d[:8])
}

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}

	*d = parsed
	return nil
}
