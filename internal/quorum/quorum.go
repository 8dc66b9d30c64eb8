// Package quorum derives PBFT vote thresholds from a fault-tolerance parameter.
package quorum

import (
	"errors"
	"fmt"
)

// ErrInvalidQuorumConfig is returned when N < 3f+1 or f < 0.
// It is fatal at startup.
var ErrInvalidQuorumConfig = errors.New("invalid quorum config")

// DeriveThresholds returns the PREPARE and COMMIT vote counts for n nodes
// tolerating f Byzantine faults: 2f and 2f+1.
func DeriveThresholds(n, f int) (requiredPrepare, requiredCommit int, err error) {
	if f < 0 {
		return 0, 0, fmt.Errorf("%w: fault tolerance %d is negative", ErrInvalidQuorumConfig, f)
	}

	if n < 3*f+1 {
		return 0, 0, fmt.Errorf("%w: %d nodes cannot tolerate %d faults (need at least %d)",
			ErrInvalidQuorumConfig, n, f, 3*f+1)
	}

	return 2 * f, 2*f + 1, nil
}

// MaxFaults returns the largest f that n nodes can tolerate.
func MaxFaults(n int) int {
	if n < 1 {
		return 0
	}
	return (n - 1) / 3
}

// Config is the validated, read-only quorum configuration.
type Config struct {
	totalNodes      int
	faultTolerance  int
	requiredPrepare int
	requiredCommit  int
}

// New validates n and f and precomputes the thresholds.
func New(n, f int) (Config, error) {
	prepare, commit, err := DeriveThresholds(n, f)
	if err != nil {
		return Config{}, err
	}

	return Config{
		totalNodes:      n,
		faultTolerance:  f,
		requiredPrepare: prepare,
		requiredCommit:  commit,
	}, nil
}

// TotalNodes returns N.
func (c Config) TotalNodes() int { return c.totalNodes }

// FaultTolerance returns f.
func (c Config) FaultTolerance() int { return c.faultTolerance }

// RequiredPrepare returns 2f.
func (c Config) RequiredPrepare() int { return c.requiredPrepare }

// RequiredCommit returns 2f+1.
func (c Config) RequiredCommit() int { return c.requiredCommit }

// String describes the configuration for logs.
func (c Config) String() string {
	return fmt.Sprintf("N=%d f=%d prepare=%d commit=%d",
		c.totalNodes, c.faultTolerance, c.requiredPrepare, c.requiredCommit)
}
