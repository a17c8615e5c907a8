package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realworldbuilder/momentary/internal/protocol"
)

func TestReconcileAdoptsActiveSnapshotWhenIdle(t *testing.T) {
	m, store, _ := newTestMachine(t, time.Minute, nil)
	startedAt := time.Unix(1700000000, 0)

	// Node B launches late and reads the last broadcast snapshot without any
	// direct message exchange.
	m.HandleSnapshot(context.Background(), protocol.Snapshot{
		IsActive:  true,
		SessionID: "session-s1",
		StartedAt: startedAt,
	})

	state, current := m.State()
	assert.Equal(t, StateActive, state)
	assert.Equal(t, "session-s1", current)

	sess, err := store.Load(context.Background(), "session-s1")
	require.NoError(t, err)
	assert.True(t, sess.StartedAt.Equal(startedAt))
}

func TestReconcileStopsMatchingActiveSession(t *testing.T) {
	m, _, _ := newTestMachine(t, time.Minute, nil)
	id, err := m.Start(context.Background())
	require.NoError(t, err)

	m.HandleSnapshot(context.Background(), protocol.Snapshot{IsActive: false, SessionID: id})

	state, _ := m.State()
	assert.Equal(t, StateDraining, state)
}

func TestReconcileNoOps(t *testing.T) {
	t.Run("inactive snapshot while idle", func(t *testing.T) {
		m, _, _ := newTestMachine(t, time.Minute, nil)
		m.HandleSnapshot(context.Background(), protocol.Snapshot{IsActive: false, SessionID: "session-x"})
		state, _ := m.State()
		assert.Equal(t, StateIdle, state)
	})

	t.Run("active snapshot without id", func(t *testing.T) {
		m, _, _ := newTestMachine(t, time.Minute, nil)
		m.HandleSnapshot(context.Background(), protocol.Snapshot{IsActive: true})
		state, _ := m.State()
		assert.Equal(t, StateIdle, state)
	})

	t.Run("inactive snapshot for other session", func(t *testing.T) {
		m, _, _ := newTestMachine(t, time.Minute, nil)
		id, err := m.Start(context.Background())
		require.NoError(t, err)

		m.HandleSnapshot(context.Background(), protocol.Snapshot{IsActive: false, SessionID: "session-other"})

		state, current := m.State()
		assert.Equal(t, StateActive, state)
		assert.Equal(t, id, current)
	})

	t.Run("active snapshot while already active", func(t *testing.T) {
		m, _, _ := newTestMachine(t, time.Minute, nil)
		id, err := m.Start(context.Background())
		require.NoError(t, err)

		m.HandleSnapshot(context.Background(), protocol.Snapshot{
			IsActive:  true,
			SessionID: "session-other",
			StartedAt: time.Now(),
		})

		_, current := m.State()
		assert.Equal(t, id, current)
	})
}

func TestConvergenceSnapshotAndDirectMessageAgree(t *testing.T) {
	// Both convergence paths feed the same transition function, so applying the
	// direct start message first and the snapshot second (or vice versa) lands in
	// the same state.
	startedAt := time.Unix(1700000000, 0)
	msg := protocol.Message{Command: protocol.CommandStart, SessionID: "session-s1", Timestamp: startedAt}
	snap := protocol.Snapshot{IsActive: true, SessionID: "session-s1", StartedAt: startedAt}

	mA, _, _ := newTestMachine(t, time.Minute, nil)
	mA.HandleMessage(context.Background(), msg)
	mA.HandleSnapshot(context.Background(), snap)

	mB, _, _ := newTestMachine(t, time.Minute, nil)
	mB.HandleSnapshot(context.Background(), snap)
	mB.HandleMessage(context.Background(), msg)

	stateA, idA := mA.State()
	stateB, idB := mB.State()
	assert.Equal(t, stateA, stateB)
	assert.Equal(t, idA, idB)
	assert.Equal(t, "session-s1", idA)
}
