package domain

import (
	"fmt"
	"time"
)

// JobState is the lifecycle state of a recovery job.
type JobState string

const (
	JobStateQueued          JobState = "queued"
	JobStateDispatching     JobState = "dispatching"
	JobStateInProgress      JobState = "in_progress"
	JobStateCompleted       JobState = "completed"
	JobStateFailedRetryable JobState = "failed_retryable"
	JobStateDeadLetter      JobState = "dead_letter"
	JobStateSuppressed      JobState = "suppressed"
	JobStateCancelled       JobState = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateDeadLetter, JobStateSuppressed, JobStateCancelled:
		return true
	}
	return false
}

// NonTerminalStates lists every state a live job can be in. The job store
// enforces at most one job per recovery key across these states.
func NonTerminalStates() []JobState {
	return []JobState{
		JobStateQueued,
		JobStateDispatching,
		JobStateInProgress,
		JobStateFailedRetryable,
	}
}

// transitions is the closed edge set of the job state machine.
var transitions = map[JobState][]JobState{
	JobStateQueued:          {JobStateDispatching, JobStateCancelled, JobStateSuppressed, JobStateDeadLetter},
	JobStateDispatching:     {JobStateInProgress, JobStateQueued, JobStateCancelled, JobStateSuppressed},
	JobStateInProgress:      {JobStateCompleted, JobStateFailedRetryable, JobStateDeadLetter, JobStateCancelled, JobStateSuppressed},
	JobStateFailedRetryable: {JobStateQueued, JobStateDeadLetter, JobStateCancelled, JobStateSuppressed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to JobState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RecoveryKey is the stable identity of one abandonment episode.
type RecoveryKey struct {
	UserID string
	CartID string
}

func (k RecoveryKey) String() string {
	return fmt.Sprintf("%s:%s", k.UserID, k.CartID)
}

// RecoveryJob is one attempt campaign to win back an abandoned cart by
// phone. Owned by the job store; mutated only through state transitions.
type RecoveryJob struct {
	ID             string      `json:"id"`
	UserID         string      `json:"userId"`
	CartID         string      `json:"cartId"`
	State          JobState    `json:"state"`
	AttemptCount   int         `json:"attemptCount"`
	NextEligibleAt time.Time   `json:"nextEligibleAt"`
	PhoneNumber    string      `json:"phoneNumber"`
	Timezone       string      `json:"timezone"`
	ScriptVersion  string      `json:"scriptVersion"`
	RenderedScript string      `json:"renderedScript,omitempty"`
	ProviderCallID string      `json:"providerCallId,omitempty"`
	LastOutcome    CallOutcome `json:"lastOutcome,omitempty"`
	LastError      string      `json:"lastError,omitempty"`
	LastAttemptAt  *time.Time  `json:"lastAttemptAt,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// Key returns the recovery key for this job.
func (j *RecoveryJob) Key() RecoveryKey {
	return RecoveryKey{UserID: j.UserID, CartID: j.CartID}
}

// JobUpdate carries the fields a transition may set alongside the state
// change. Nil pointers leave the column untouched.
type JobUpdate struct {
	AttemptCount   *int
	NextEligibleAt *time.Time
	ProviderCallID *string
	LastOutcome    *CallOutcome
	LastError      *string
	LastAttemptAt  *time.Time
}
