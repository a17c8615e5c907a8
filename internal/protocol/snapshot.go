package protocol

import (
	"time"

	"github.com/pkg/errors"
)

// Snapshot is the latest-wins broadcast summary of a node's session state. A peer
// that reconnects after downtime reads the most recent snapshot without any round
// trip, which is what reconciliation converges on.
type Snapshot struct {
	IsActive  bool
	SessionID string
	StartedAt time.Time
}

const (
	keyIsActive  = "isActive"
	keyStartedAt = "startedAt"
)

// Encode renders the snapshot as its flat key/value wire map.
func (s Snapshot) Encode() map[string]any {
	out := map[string]any{
		keyIsActive: s.IsActive,
	}
	if s.SessionID != "" {
		out[keySessionID] = s.SessionID
	}
	if !s.StartedAt.IsZero() {
		out[keyStartedAt] = s.StartedAt.Unix()
	}
	return out
}

// DecodeSnapshot parses a flat key/value map into a Snapshot. isActive is the only
// required key.
func DecodeSnapshot(raw map[string]any) (Snapshot, error) {
	active, ok := raw[keyIsActive]
	if !ok {
		return Snapshot{}, errors.New("snapshot is missing isActive")
	}
	isActive, ok := active.(bool)
	if !ok {
		return Snapshot{}, errors.New("snapshot isActive is not a bool")
	}

	snap := Snapshot{IsActive: isActive}
	if v, ok := stringValue(raw, keySessionID); ok {
		snap.SessionID = v
	}
	if v, ok := numberValue(raw, keyStartedAt); ok {
		snap.StartedAt = epochToTime(v)
	}
	return snap, nil
}
