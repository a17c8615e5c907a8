package finalize

import "time"

// State is the observable pipeline state.
type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateQueued     State = "queued"
)

func canTransition(current, next State) bool {
	switch current {
	case StateIdle:
		return next == StateProcessing
	case StateProcessing:
		return next == StateCompleted || next == StateFailed || next == StateQueued
	case StateCompleted, StateFailed, StateQueued:
		// A new run restarts the pipeline.
		return next == StateProcessing
	default:
		return false
	}
}

// JobTranscript is one moment snapshotted into a pending job. Jobs carry their
// transcripts so draining does not depend on the session still existing intact.
type JobTranscript struct {
	MomentID   string    `json:"momentId"`
	Timestamp  time.Time `json:"timestamp"`
	Transcript string    `json:"transcript"`
}

// PendingJob is a finalization that exhausted its attempts and waits for the
// next drain.
type PendingJob struct {
	SessionID       string          `json:"sessionId"`
	Transcripts     []JobTranscript `json:"transcripts"`
	StartedAt       time.Time       `json:"startedAt"`
	DurationSeconds float64         `json:"durationSeconds"`
	RetryCount      int             `json:"retryCount"`
	LastAttempt     *time.Time      `json:"lastAttempt,omitempty"`
}
