package relay

import (
	"context"
	"sync"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/realworldbuilder/momentary/internal/metrics"
	"github.com/realworldbuilder/momentary/internal/protocol"
	"github.com/realworldbuilder/momentary/internal/session"
	"github.com/realworldbuilder/momentary/internal/store"
	"github.com/realworldbuilder/momentary/internal/transcribe"
)

// SessionAppender is the slice of the session machine the relay needs.
type SessionAppender interface {
	State() (session.State, string)
	AppendMoment(ctx context.Context, sessionID string, m session.Moment) error
}

// Sender ships relay traffic to the peer.
type Sender interface {
	Send(ctx context.Context, msg protocol.Message) error
	SendMomentAudio(ctx context.Context, meta protocol.AudioTransfer, payload []byte, localPath string) error
}

// EventSink receives the lifecycle of locally captured moments. It stands in for
// whatever surface shows capture progress to the user.
type EventSink interface {
	MomentPending(momentID string)
	MomentTranscribed(momentID string, transcript string)
	MomentFailed(momentID string, reason string)
}

// Relay carries captured moments through their audio-to-transcript round trip.
// The transcription owner handles clips from both nodes; the other node ships
// its audio over and waits for the transcribed reply.
type Relay struct {
	machine     SessionAppender
	sender      Sender
	audio       *store.AudioStore
	transcriber transcribe.Transcriber
	metrics     *metrics.Service
	clock       time2.Clock
	sink        EventSink

	owner        bool
	origin       session.Origin
	peerOrigin   session.Origin
	replyTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingMoment
}

// pendingMoment is a shipped clip still awaiting the owner's reply.
type pendingMoment struct {
	sessionID string
	timer     *time.Timer
}

type Options struct {
	Owner        bool
	Origin       session.Origin
	ReplyTimeout time.Duration
	Transcriber  transcribe.Transcriber
	EventSink    EventSink
	Clock        time2.Clock
}

func NewRelay(machine SessionAppender, sender Sender, audio *store.AudioStore, m *metrics.Service, opts Options) *Relay {
	if opts.Clock == nil {
		opts.Clock = time2.DefaultClock
	}
	peer := session.OriginCompanion
	if opts.Origin == session.OriginCompanion {
		peer = session.OriginPrimary
	}
	return &Relay{
		machine:      machine,
		sender:       sender,
		audio:        audio,
		transcriber:  opts.Transcriber,
		metrics:      m,
		clock:        opts.Clock,
		sink:         opts.EventSink,
		owner:        opts.Owner,
		origin:       opts.Origin,
		peerOrigin:   peer,
		replyTimeout: opts.ReplyTimeout,
		pending:      make(map[string]*pendingMoment),
	}
}

// CaptureMoment records a new voice clip against the current session and kicks
// off its transcription round trip. It returns the moment id immediately; the
// transcript lands asynchronously.
func (r *Relay) CaptureMoment(ctx context.Context, payload []byte) (string, error) {
	state, sessionID := r.machine.State()
	if state != session.StateActive && state != session.StateDraining {
		return "", session.ErrNoActiveSession
	}
	if len(payload) == 0 {
		return "", errors.New("audio payload is empty")
	}

	momentID := "moment-" + uuid.New().String()
	capturedAt := r.clock.Now()

	path, err := r.audio.Write(momentID, payload)
	if err != nil {
		return "", errors.Wrap(err, "failed to persist captured audio")
	}
	r.metrics.MomentCaptured()
	log.Info().Str("moment_id", momentID).Str("session_id", sessionID).Int("bytes", len(payload)).Msg("Moment captured")
	if r.sink != nil {
		r.sink.MomentPending(momentID)
	}

	if r.owner {
		go r.transcribeLocal(sessionID, momentID, capturedAt, payload)
		return momentID, nil
	}

	msg := protocol.Message{
		Command:   protocol.CommandMomentCaptured,
		SessionID: sessionID,
		Timestamp: capturedAt,
		MomentID:  momentID,
	}
	if err := r.sender.Send(context.Background(), msg); err != nil {
		log.Error().Err(err).Str("moment_id", momentID).Msg("Failed to announce captured moment")
	}
	meta := protocol.AudioTransfer{
		Kind:       protocol.AudioTransferKind,
		MomentID:   momentID,
		SessionID:  sessionID,
		CapturedAt: capturedAt.Unix(),
	}
	if err := r.sender.SendMomentAudio(context.Background(), meta, payload, path); err != nil {
		log.Error().Err(err).Str("moment_id", momentID).Msg("Failed to ship moment audio")
	}

	r.trackPending(sessionID, momentID, capturedAt)
	return momentID, nil
}

func (r *Relay) trackPending(sessionID, momentID string, capturedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending[momentID] = &pendingMoment{
		sessionID: sessionID,
		timer: time.AfterFunc(r.replyTimeout, func() {
			r.replyTimedOut(sessionID, momentID, capturedAt)
		}),
	}
}

// replyTimedOut fires when the owner never answered within the reply window.
// The moment is kept as a transcript-less placeholder so the session still
// records that it happened.
func (r *Relay) replyTimedOut(sessionID, momentID string, capturedAt time.Time) {
	r.mu.Lock()
	_, ok := r.pending[momentID]
	if ok {
		delete(r.pending, momentID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.metrics.ReplyTimedOut()
	log.Warn().Str("moment_id", momentID).Msg("Transcription reply timed out")
	r.appendPlaceholder(sessionID, momentID, capturedAt)
	if r.sink != nil {
		r.sink.MomentFailed(momentID, "transcription reply timed out")
	}
}

func (r *Relay) transcribeLocal(sessionID, momentID string, capturedAt time.Time, payload []byte) {
	result, err := r.transcriber.Transcribe(context.Background(), payload)
	if err != nil {
		r.metrics.TranscriptionFailed()
		log.Error().Err(err).Str("moment_id", momentID).Msg("Transcription failed")
		r.appendPlaceholder(sessionID, momentID, capturedAt)
		if r.sink != nil {
			r.sink.MomentFailed(momentID, err.Error())
		}
		return
	}

	moment := session.Moment{
		ID:         momentID,
		Timestamp:  capturedAt,
		Transcript: result.Text,
		Origin:     r.origin,
		Confidence: result.Confidence,
	}
	if err := r.machine.AppendMoment(context.Background(), sessionID, moment); err != nil {
		log.Error().Err(err).Str("moment_id", momentID).Msg("Failed to append transcribed moment")
		return
	}
	_ = r.audio.Remove(momentID)
	if r.sink != nil {
		r.sink.MomentTranscribed(momentID, result.Text)
	}
}

// HandleMomentAudio runs on the transcription owner when a peer clip arrives.
// Clips that do not belong to the current session are orphans and are dropped.
func (r *Relay) HandleMomentAudio(meta protocol.AudioTransfer, payload []byte) {
	if !r.owner {
		log.Warn().Str("moment_id", meta.MomentID).Msg("Received moment audio but this node does not transcribe, dropping")
		return
	}

	state, sessionID := r.machine.State()
	if (state != session.StateActive && state != session.StateDraining) || sessionID != meta.SessionID {
		r.metrics.MomentOrphaned()
		log.Warn().
			Str("moment_id", meta.MomentID).
			Str("session_id", meta.SessionID).
			Str("current_session_id", sessionID).
			Msg("Dropping orphaned moment audio")
		return
	}

	// The clip may have sat in the peer's outbox for a long offline window,
	// so the moment keeps the peer's capture time, not the receipt time.
	capturedAt := time.Unix(meta.CapturedAt, 0)
	if meta.CapturedAt == 0 {
		capturedAt = r.clock.Now()
	}
	reply := protocol.Message{
		Command:   protocol.CommandMomentTranscribed,
		SessionID: meta.SessionID,
		Timestamp: capturedAt,
		MomentID:  meta.MomentID,
	}

	result, err := r.transcriber.Transcribe(context.Background(), payload)
	if err != nil {
		r.metrics.TranscriptionFailed()
		log.Error().Err(err).Str("moment_id", meta.MomentID).Msg("Transcription of peer moment failed")
		r.appendPlaceholderOrigin(meta.SessionID, meta.MomentID, capturedAt, r.peerOrigin)
		reply.Error = err.Error()
	} else {
		moment := session.Moment{
			ID:         meta.MomentID,
			Timestamp:  capturedAt,
			Transcript: result.Text,
			Origin:     r.peerOrigin,
			Confidence: result.Confidence,
		}
		if err := r.machine.AppendMoment(context.Background(), meta.SessionID, moment); err != nil {
			log.Error().Err(err).Str("moment_id", meta.MomentID).Msg("Failed to append peer moment")
		}
		reply.Transcript = result.Text
		reply.Confidence = result.Confidence
		reply.HasConfidence = true
	}

	if err := r.sender.Send(context.Background(), reply); err != nil {
		log.Error().Err(err).Str("moment_id", meta.MomentID).Msg("Failed to send transcription reply")
	}
}

// HandleTranscribed runs on the capturing node when the owner's reply lands.
func (r *Relay) HandleTranscribed(msg *protocol.Message) {
	r.mu.Lock()
	p, ok := r.pending[msg.MomentID]
	if ok {
		p.timer.Stop()
		delete(r.pending, msg.MomentID)
	}
	r.mu.Unlock()

	sessionID := msg.SessionID
	if ok && p.sessionID != "" {
		sessionID = p.sessionID
	}
	if !ok {
		// Reply after timeout or restart. Append anyway: the append fills
		// the timeout placeholder and skips true duplicates.
		log.Debug().Str("moment_id", msg.MomentID).Msg("Transcription reply without pending entry")
	}

	_ = r.audio.Remove(msg.MomentID)

	if msg.Error != "" {
		log.Warn().Str("moment_id", msg.MomentID).Str("error", msg.Error).Msg("Peer reported transcription failure")
		r.appendPlaceholder(sessionID, msg.MomentID, msg.Timestamp)
		if r.sink != nil {
			r.sink.MomentFailed(msg.MomentID, msg.Error)
		}
		return
	}

	moment := session.Moment{
		ID:         msg.MomentID,
		Timestamp:  msg.Timestamp,
		Transcript: msg.Transcript,
		Origin:     r.origin,
	}
	if msg.HasConfidence {
		moment.Confidence = msg.Confidence
	}
	if err := r.machine.AppendMoment(context.Background(), sessionID, moment); err != nil {
		log.Error().Err(err).Str("moment_id", msg.MomentID).Msg("Failed to append transcription reply")
		return
	}
	if r.sink != nil {
		r.sink.MomentTranscribed(msg.MomentID, msg.Transcript)
	}
}

// PendingCount returns the number of clips still awaiting a reply.
func (r *Relay) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Relay) appendPlaceholder(sessionID, momentID string, capturedAt time.Time) {
	r.appendPlaceholderOrigin(sessionID, momentID, capturedAt, r.origin)
}

func (r *Relay) appendPlaceholderOrigin(sessionID, momentID string, capturedAt time.Time, origin session.Origin) {
	moment := session.Moment{
		ID:        momentID,
		Timestamp: capturedAt,
		Origin:    origin,
	}
	if err := r.machine.AppendMoment(context.Background(), sessionID, moment); err != nil {
		log.Error().Err(err).Str("moment_id", momentID).Msg("Failed to append placeholder moment")
	}
}
