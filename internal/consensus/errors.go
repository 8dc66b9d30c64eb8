package consensus

import "errors"

var (
	// ErrPrepareQuorumNotReached aborts a round that collected fewer than 2f PREPARE votes in time.
	ErrPrepareQuorumNotReached = errors.New("prepare quorum not reached")

	// ErrCommitQuorumNotReached aborts a prepared round that collected fewer than 2f+1 COMMIT votes in time.
	ErrCommitQuorumNotReached = errors.New("commit quorum not reached")

	// ErrRoundCancelled aborts a round whose caller gave up before COMMITTED.
	ErrRoundCancelled = errors.New("round cancelled")
)

// IsConsensusFailure reports whether err aborted a round during agreement.
// Callers may retry such submissions.
func IsConsensusFailure(err error) bool {
	return errors.Is(err, ErrPrepareQuorumNotReached) ||
		errors.Is(err, ErrCommitQuorumNotReached) ||
		errors.Is(err, ErrRoundCancelled)
}
