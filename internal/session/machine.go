package session

import (
	"context"
	"sync"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/realworldbuilder/momentary/internal/protocol"
)

var (
	ErrSessionAlreadyActive = errors.New("a session is already active on this node")
	ErrNoActiveSession      = errors.New("no active session on this node")
)

// Messenger is the outbound half of the message channel as the state machine
// needs it. Implementations must not block the caller on peer round trips;
// delivery failures degrade to the durable hand-off tier internally.
type Messenger interface {
	SendWithAck(ctx context.Context, msg protocol.Message) error
	Send(ctx context.Context, msg protocol.Message) error
	UpdateSnapshot(ctx context.Context, snap protocol.Snapshot) error
}

// eventKind enumerates the inbound events the transition function consumes.
type eventKind int

const (
	eventLocalStart eventKind = iota
	eventLocalStop
	eventRemoteStart
	eventRemoteStop
	eventTimerElapsed
	eventSnapshot
)

type event struct {
	kind          eventKind
	sessionID     string
	startedAt     time.Time
	endedAt       time.Time
	correlationID string
	drainSeq      uint64
	snapshot      protocol.Snapshot
}

// Machine is the authoritative local view of the session lifecycle on one node.
// Every transition funnels through apply under a single mutex, which is the
// node's serial executor: no transition or store read-modify-write interleaves
// with another.
type Machine struct {
	store     Store
	messenger Messenger
	clock     time2.Clock
	grace     time.Duration

	// onClosed receives the session id captured at drain start once the grace
	// window elapses. Runs on its own goroutine.
	onClosed func(sessionID string)

	mu        sync.Mutex
	state     State
	sessionID string
	startedAt time.Time
	drainSeq  uint64
}

func NewMachine(store Store, messenger Messenger, clock time2.Clock, grace time.Duration, onClosed func(sessionID string)) *Machine {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Machine{
		store:     store,
		messenger: messenger,
		clock:     clock,
		grace:     grace,
		onClosed:  onClosed,
		state:     StateIdle,
	}
}

// Start begins a new local session and announces it to the peer.
func (m *Machine) Start(ctx context.Context) (string, error) {
	id := "session-" + uuid.New().String()
	if err := m.apply(ctx, event{kind: eventLocalStart, sessionID: id, startedAt: m.clock.Now()}); err != nil {
		return "", err
	}
	return id, nil
}

// Stop ends the active session locally and starts the drain grace window.
// externalCorrelationID is stored verbatim and rides along in the stop message.
func (m *Machine) Stop(ctx context.Context, externalCorrelationID string) error {
	return m.apply(ctx, event{kind: eventLocalStop, endedAt: m.clock.Now(), correlationID: externalCorrelationID})
}

// HandleMessage feeds peer start/stop commands into the transition function.
// Moment commands are relay concerns and are ignored here.
func (m *Machine) HandleMessage(ctx context.Context, msg protocol.Message) {
	switch msg.Command {
	case protocol.CommandStart:
		err := m.apply(ctx, event{kind: eventRemoteStart, sessionID: msg.SessionID, startedAt: msg.Timestamp})
		if err != nil {
			log.Error().Err(err).Str("session_id", msg.SessionID).Msg("Failed to apply remote start")
		}
	case protocol.CommandStop:
		err := m.apply(ctx, event{
			kind:          eventRemoteStop,
			sessionID:     msg.SessionID,
			endedAt:       msg.Timestamp,
			correlationID: msg.ExternalCorrelationID,
		})
		if err != nil {
			log.Error().Err(err).Str("session_id", msg.SessionID).Msg("Failed to apply remote stop")
		}
	}
}

// HandleSnapshot reconciles the local state toward the peer's last-known state.
// Invoked at channel activation with the cached snapshot and on every arrival.
func (m *Machine) HandleSnapshot(ctx context.Context, snap protocol.Snapshot) {
	if err := m.apply(ctx, event{kind: eventSnapshot, snapshot: snap}); err != nil {
		log.Error().Err(err).Str("session_id", snap.SessionID).Msg("Failed to reconcile snapshot")
	}
}

// State returns the current lifecycle state and the adopted session id, if any.
func (m *Machine) State() (State, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.sessionID
}

// AppendMoment appends a moment to the adopted session via load-modify-save.
// Allowed while the session is active or draining: a moment relayed inside the
// drain window still lands on the just-stopped session because the row is not
// removed from the store until closure. Duplicate moment ids are ignored, with
// one exception: a transcript fills in a stored transcript-less placeholder, so
// a reply that arrives after the reply timeout still lands.
func (m *Machine) AppendMoment(ctx context.Context, sessionID string, moment Moment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateActive && m.state != StateDraining {
		return errors.Wrapf(ErrNoActiveSession, "cannot append moment %s", moment.ID)
	}
	if sessionID != m.sessionID {
		return errors.Errorf("moment %s targets session %s but %s is adopted", moment.ID, sessionID, m.sessionID)
	}

	sess, err := m.store.Load(ctx, sessionID)
	if err != nil {
		return errors.Wrap(err, "failed to load session")
	}
	for i := range sess.Moments {
		if sess.Moments[i].ID != moment.ID {
			continue
		}
		if sess.Moments[i].Transcript == "" && moment.Transcript != "" {
			sess.Moments[i] = moment
			if err := m.store.Save(ctx, sess); err != nil {
				return errors.Wrap(err, "failed to save session")
			}
			log.Info().Str("moment_id", moment.ID).Msg("Late transcript filled placeholder moment")
			return nil
		}
		log.Debug().Str("moment_id", moment.ID).Msg("Moment already appended, skipping duplicate")
		return nil
	}

	sess.Moments = append(sess.Moments, moment)
	if err := m.store.Save(ctx, sess); err != nil {
		return errors.Wrap(err, "failed to save session")
	}
	return nil
}

// apply is the single transition function. It takes the machine mutex, so event
// application is strictly serialized.
func (m *Machine) apply(ctx context.Context, ev event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.kind {
	case eventLocalStart:
		return m.localStart(ctx, ev)
	case eventLocalStop:
		return m.localStop(ctx, ev)
	case eventRemoteStart:
		return m.remoteStart(ctx, ev)
	case eventRemoteStop:
		return m.remoteStop(ctx, ev)
	case eventTimerElapsed:
		m.timerElapsed(ev)
		return nil
	case eventSnapshot:
		return m.reconcile(ctx, ev.snapshot)
	default:
		return errors.Errorf("unknown event kind %d", ev.kind)
	}
}

func (m *Machine) localStart(ctx context.Context, ev event) error {
	if m.state != StateIdle {
		return ErrSessionAlreadyActive
	}

	sess := &Session{ID: ev.sessionID, StartedAt: ev.startedAt, Moments: []Moment{}}
	if err := m.store.Save(ctx, sess); err != nil {
		return errors.Wrap(err, "failed to persist new session")
	}

	m.state = StateActive
	m.sessionID = ev.sessionID
	m.startedAt = ev.startedAt

	log.Info().Str("session_id", ev.sessionID).Msg("Session started locally")

	m.emitMessage(ctx, protocol.Message{
		Command:   protocol.CommandStart,
		SessionID: ev.sessionID,
		Timestamp: ev.startedAt,
	}, true)
	m.emitSnapshot(ctx, protocol.Snapshot{IsActive: true, SessionID: ev.sessionID, StartedAt: ev.startedAt})
	return nil
}

func (m *Machine) localStop(ctx context.Context, ev event) error {
	if m.state != StateActive {
		return ErrNoActiveSession
	}

	if err := m.markEnded(ctx, ev.endedAt, ev.correlationID); err != nil {
		return err
	}
	m.enterDraining()

	log.Info().Str("session_id", m.sessionID).Msg("Session stopped locally, draining")

	m.emitMessage(ctx, protocol.Message{
		Command:               protocol.CommandStop,
		SessionID:             m.sessionID,
		Timestamp:             ev.endedAt,
		ExternalCorrelationID: ev.correlationID,
	}, true)
	m.emitSnapshot(ctx, protocol.Snapshot{IsActive: false, SessionID: m.sessionID, StartedAt: m.startedAt})
	return nil
}

func (m *Machine) remoteStart(ctx context.Context, ev event) error {
	switch {
	case m.state == StateIdle:
		return m.adopt(ctx, ev.sessionID, ev.startedAt)
	case m.sessionID == ev.sessionID:
		// Already converged on this id.
		return nil
	case m.state == StateActive:
		return m.resolveStartConflict(ctx, ev)
	default:
		log.Warn().
			Str("local_session_id", m.sessionID).
			Str("remote_session_id", ev.sessionID).
			Str("state", string(m.state)).
			Msg("Ignoring remote start in non-adoptable state")
		return nil
	}
}

// resolveStartConflict handles both nodes starting within the same round trip:
// the lexicographically smaller session id wins, so both nodes pick the same
// winner without coordination. A local session that already holds moments is
// never abandoned.
func (m *Machine) resolveStartConflict(ctx context.Context, ev event) error {
	if ev.sessionID >= m.sessionID {
		log.Warn().
			Str("local_session_id", m.sessionID).
			Str("remote_session_id", ev.sessionID).
			Msg("Start conflict: keeping local session id")
		return nil
	}

	local, err := m.store.Load(ctx, m.sessionID)
	if err == nil && len(local.Moments) > 0 {
		log.Warn().
			Str("local_session_id", m.sessionID).
			Str("remote_session_id", ev.sessionID).
			Msg("Start conflict: local session already has moments, keeping it")
		return nil
	}

	abandoned := m.sessionID
	if err := m.store.Delete(ctx, abandoned); err != nil {
		log.Warn().Err(err).Str("session_id", abandoned).Msg("Failed to delete abandoned session")
	}
	m.state = StateIdle
	m.sessionID = ""

	log.Warn().
		Str("abandoned_session_id", abandoned).
		Str("adopted_session_id", ev.sessionID).
		Msg("Start conflict: adopting remote session id")
	return m.adopt(ctx, ev.sessionID, ev.startedAt)
}

// adopt transitions idle -> active on the peer's id and timestamp, verbatim.
// The node never invents its own id once a remote start is observed.
func (m *Machine) adopt(ctx context.Context, sessionID string, startedAt time.Time) error {
	if _, err := m.store.Load(ctx, sessionID); errors.Is(err, ErrSessionNotFound) {
		sess := &Session{ID: sessionID, StartedAt: startedAt, Moments: []Moment{}}
		if err := m.store.Save(ctx, sess); err != nil {
			return errors.Wrap(err, "failed to persist adopted session")
		}
	} else if err != nil {
		return errors.Wrap(err, "failed to load session for adoption")
	}

	m.state = StateActive
	m.sessionID = sessionID
	m.startedAt = startedAt

	log.Info().Str("session_id", sessionID).Msg("Adopted session from peer")
	return nil
}

func (m *Machine) remoteStop(ctx context.Context, ev event) error {
	if m.state != StateActive && m.state != StateDraining {
		log.Debug().Str("session_id", ev.sessionID).Msg("Ignoring remote stop with no session in flight")
		return nil
	}
	if ev.sessionID != m.sessionID {
		// Protocol conflict: logged, not surfaced.
		log.Warn().
			Str("local_session_id", m.sessionID).
			Str("remote_session_id", ev.sessionID).
			Msg("Ignoring remote stop for non-matching session id")
		return nil
	}

	if m.state == StateDraining {
		if ev.correlationID != "" {
			if err := m.markEnded(ctx, ev.endedAt, ev.correlationID); err != nil {
				return err
			}
		}
		return nil
	}

	if err := m.markEnded(ctx, ev.endedAt, ev.correlationID); err != nil {
		return err
	}
	m.enterDraining()

	log.Info().Str("session_id", m.sessionID).Msg("Session stopped by peer, draining")
	return nil
}

// markEnded records the end time and correlation id on the stored session.
// Callers hold the machine mutex.
func (m *Machine) markEnded(ctx context.Context, endedAt time.Time, correlationID string) error {
	sess, err := m.store.Load(ctx, m.sessionID)
	if err != nil {
		return errors.Wrap(err, "failed to load session for stop")
	}
	if sess.EndedAt == nil {
		if endedAt.IsZero() {
			endedAt = m.clock.Now()
		}
		sess.EndedAt = &endedAt
	}
	if correlationID != "" {
		sess.ExternalCorrelationID = correlationID
	}
	if err := m.store.Save(ctx, sess); err != nil {
		return errors.Wrap(err, "failed to save stopped session")
	}
	return nil
}

// enterDraining starts the grace timer. The drain sequence guards against a
// stale timer closing a later session.
func (m *Machine) enterDraining() {
	m.state = StateDraining
	m.drainSeq++
	seq := m.drainSeq
	sessionID := m.sessionID

	time.AfterFunc(m.grace, func() {
		if err := m.apply(context.Background(), event{kind: eventTimerElapsed, sessionID: sessionID, drainSeq: seq}); err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to apply drain timer")
		}
	})
}

func (m *Machine) timerElapsed(ev event) {
	if m.state != StateDraining || ev.drainSeq != m.drainSeq || ev.sessionID != m.sessionID {
		log.Debug().Str("session_id", ev.sessionID).Msg("Ignoring stale drain timer")
		return
	}

	closed := m.sessionID
	m.state = StateIdle
	m.sessionID = ""
	m.startedAt = time.Time{}

	log.Info().Str("session_id", closed).Msg("Drain window elapsed, session closed")

	if m.onClosed != nil {
		go m.onClosed(closed)
	}
}

// reconcile converges local state toward a peer snapshot. Snapshots carry no
// causal ordering; they strictly reflect the peer's most recent write, so only
// the two meaningful combinations act and everything else is a no-op.
func (m *Machine) reconcile(ctx context.Context, snap protocol.Snapshot) error {
	switch {
	case snap.IsActive && snap.SessionID != "" && m.state == StateIdle:
		return m.adopt(ctx, snap.SessionID, snap.StartedAt)
	case !snap.IsActive && snap.SessionID != "" && snap.SessionID == m.sessionID && m.state == StateActive:
		if err := m.markEnded(ctx, m.clock.Now(), ""); err != nil {
			return err
		}
		m.enterDraining()
		log.Info().Str("session_id", m.sessionID).Msg("Snapshot reconciliation: session stopped, draining")
		return nil
	default:
		return nil
	}
}

func (m *Machine) emitMessage(ctx context.Context, msg protocol.Message, acked bool) {
	var err error
	if acked {
		err = m.messenger.SendWithAck(ctx, msg)
	} else {
		err = m.messenger.Send(ctx, msg)
	}
	if err != nil {
		log.Error().Err(err).Str("command", string(msg.Command)).Msg("Failed to hand message to channel")
	}
}

func (m *Machine) emitSnapshot(ctx context.Context, snap protocol.Snapshot) {
	if err := m.messenger.UpdateSnapshot(ctx, snap); err != nil {
		log.Error().Err(err).Msg("Failed to publish state snapshot")
	}
}
