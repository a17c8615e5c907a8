package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realworldbuilder/momentary/internal/config"
	"github.com/realworldbuilder/momentary/internal/finalize"
	"github.com/realworldbuilder/momentary/internal/session"
)

func testServerConfig(t *testing.T) config.Server {
	t.Helper()
	cfg := config.DefaultServerConfigFromEnv()
	cfg.Node.DataDir = t.TempDir()
	cfg.Channel.PeerURL = ""
	cfg.Store.RedisEndpoint = ""
	return cfg
}

func TestNewWiresAWorkingNode(t *testing.T) {
	n, err := New(testServerConfig(t), nil, nil)
	require.NoError(t, err)
	defer n.Shutdown()

	n.Start(context.Background())

	state, _ := n.Machine.State()
	assert.Equal(t, session.StateIdle, state)

	// Capturing without a session is rejected.
	_, err = n.Relay.CaptureMoment(context.Background(), []byte("wav-bytes"))
	assert.ErrorIs(t, err, session.ErrNoActiveSession)

	sessionID, err := n.Machine.Start(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	state, current := n.Machine.State()
	assert.Equal(t, session.StateActive, state)
	assert.Equal(t, sessionID, current)

	// The start announcement had no link to ride, so it sits in the outbox.
	assert.Positive(t, n.Channel.QueuedMessages())
}

func TestSessionStopTriggersFinalization(t *testing.T) {
	cfg := testServerConfig(t)
	cfg.Finalize.GraceWindow = 30 * time.Millisecond
	n, err := New(cfg, nil, nil)
	require.NoError(t, err)
	defer n.Shutdown()

	sessionID, err := n.Machine.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, n.Machine.Stop(context.Background(), "ext-123"))

	// Zero moments finalize trivially once the grace window elapses, without
	// ever touching the generation backend.
	require.Eventually(t, func() bool {
		sess, err := n.Store.Load(context.Background(), sessionID)
		return err == nil && sess.Finalized()
	}, 2*time.Second, 10*time.Millisecond)

	sess, err := n.Store.Load(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Empty(t, sess.Result)
	assert.Equal(t, "ext-123", sess.ExternalCorrelationID)

	state, _ := n.Machine.State()
	assert.Equal(t, session.StateIdle, state)
}

func TestCompanionLeavesFinalizationToPeer(t *testing.T) {
	cfg := testServerConfig(t)
	cfg.Node.Role = config.NodeRoleCompanion
	cfg.Finalize.GraceWindow = 30 * time.Millisecond
	n, err := New(cfg, nil, nil)
	require.NoError(t, err)
	defer n.Shutdown()

	sessionID, err := n.Machine.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, n.Machine.Stop(context.Background(), ""))

	require.Eventually(t, func() bool {
		state, _ := n.Machine.State()
		return state == session.StateIdle
	}, 2*time.Second, 10*time.Millisecond)

	// The primary generates the recap; the companion only keeps its copy of
	// the session.
	sess, err := n.Store.Load(context.Background(), sessionID)
	require.NoError(t, err)
	assert.False(t, sess.Finalized())

	pipelineState, _ := n.Pipeline.Status()
	assert.Equal(t, finalize.StateIdle, pipelineState)
}

func TestOriginForRole(t *testing.T) {
	assert.Equal(t, session.OriginPrimary, originForRole(config.NodeRolePrimary))
	assert.Equal(t, session.OriginCompanion, originForRole(config.NodeRoleCompanion))
}
