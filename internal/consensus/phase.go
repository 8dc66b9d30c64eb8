package consensus

import "strconv"

// Phase is the state of one consensus round.
type Phase uint8

const (
	PhasePrePrepare Phase = iota
	PhasePreparing
	PhasePrepared
	PhaseCommitting
	PhaseCommitted
	PhaseAborted
)

var phaseNames = [...]string{
	PhasePrePrepare: "PRE_PREPARE",
	PhasePreparing:  "PREPARING",
	PhasePrepared:   "PREPARED",
	PhaseCommitting: "COMMITTING",
	PhaseCommitted:  "COMMITTED",
	PhaseAborted:    "ABORTED",
}

// String returns the protocol name of the phase.
func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "Phase(" + strconv.Itoa(int(p)) + ")"
}

// Terminal reports whether no transition leaves p.
func (p Phase) Terminal() bool {
	return p == PhaseCommitted || p == PhaseAborted
}

// Transition records one phase change of a round.
type Transition struct {
	Sequence uint64 // Sequence identifies the round
	From     Phase  // From is the phase being left
	To       Phase  // To is the phase being entered
	Reason   error  // Reason is set when To is PhaseAborted
}
