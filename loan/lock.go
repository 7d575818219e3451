package loan

import "time"

// =============================================================================
// LOAN LOCK - Persisted COB lock record
// =============================================================================

// LockStage names the close-of-business phase holding a loan.
type LockStage string

const (
	StageInlineCOB  LockStage = "LOAN_INLINE_COB_PROCESSING"
	StageChunkedCOB LockStage = "LOAN_COB_CHUNK_PROCESSING"
)

func (s LockStage) IsValid() bool {
	return s == StageInlineCOB || s == StageChunkedCOB
}

// LoanLock is at most one per loan. While present, mutations from callers
// that do not hold the stage are rejected.
type LoanLock struct {
	LoanID     LoanID    `json:"loan_id"`
	Stage      LockStage `json:"stage"`
	Reason     string    `json:"reason,omitempty"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// =============================================================================
// REPLAY STATE - Per-loan replay state machine
// =============================================================================

type ReplayState string

const (
	ReplayIdle      ReplayState = "idle"
	ReplayUnwinding ReplayState = "unwinding"
	ReplayReplaying ReplayState = "replaying"
	ReplayFaulted   ReplayState = "faulted"
)

var replayTransitions = map[ReplayState][]ReplayState{
	ReplayIdle:      {ReplayUnwinding, ReplayReplaying, ReplayFaulted},
	ReplayUnwinding: {ReplayReplaying, ReplayIdle, ReplayFaulted},
	ReplayReplaying: {ReplayIdle, ReplayFaulted},
	ReplayFaulted:   {ReplayIdle},
}

// CanTransition reports whether from -> to is allowed. Idle -> Replaying is
// the append fast path that has nothing to unwind; Faulted -> Idle is an
// operator repair.
func CanTransition(from, to ReplayState) bool {
	for _, allowed := range replayTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves l to state to or returns a TransitionError.
func (l *Loan) Transition(to ReplayState) error {
	from := l.ReplayState
	if from == "" {
		from = ReplayIdle
	}
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	l.ReplayState = to
	return nil
}
