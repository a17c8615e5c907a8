package session

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// State models the per-node session lifecycle. A node returns to StateIdle once
// closure completes; StateClosed is terminal per session instance.
type State string

const (
	StateIdle     State = "idle"
	StateActive   State = "active"
	StateDraining State = "draining"
	StateClosed   State = "closed"
)

// Origin tags which node captured a moment.
type Origin string

const (
	OriginPrimary   Origin = "primary"
	OriginCompanion Origin = "companion"
)

// Moment is a single timestamped voice annotation. Immutable once appended.
type Moment struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Transcript string    `json:"transcript"`
	Origin     Origin    `json:"origin"`
	Confidence float64   `json:"confidence"`
}

// Session is one timed activity instance shared between the two nodes.
type Session struct {
	ID                    string     `json:"id"`
	StartedAt             time.Time  `json:"startedAt"`
	EndedAt               *time.Time `json:"endedAt,omitempty"`
	Moments               []Moment   `json:"moments"`
	Result                string     `json:"result,omitempty"`
	ExternalCorrelationID string     `json:"externalCorrelationId,omitempty"`
	// FinalizedAt marks sessions that completed finalization without a generated
	// result (e.g. zero moments), so the at-most-once guard still holds.
	FinalizedAt *time.Time `json:"finalizedAt,omitempty"`
}

// Duration returns the session length, zero while the session is still open.
func (s *Session) Duration() time.Duration {
	if s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Finalized reports whether finalization already ran successfully for this session.
func (s *Session) Finalized() bool {
	return s.Result != "" || s.FinalizedAt != nil
}

// ErrSessionNotFound is returned by Store implementations for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// Store persists sessions by id. Save overwrites atomically; the store provides
// no locking, so callers own the read-modify-write critical section.
type Store interface {
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, session *Session) error
	Delete(ctx context.Context, id string) error
}
