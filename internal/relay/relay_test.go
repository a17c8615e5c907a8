package relay

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realworldbuilder/momentary/internal/protocol"
	"github.com/realworldbuilder/momentary/internal/session"
	"github.com/realworldbuilder/momentary/internal/store"
	"github.com/realworldbuilder/momentary/internal/transcribe"
)

type fakeAppender struct {
	mu        sync.Mutex
	state     session.State
	sessionID string
	appended  []session.Moment
	appendCh  chan session.Moment
}

func newFakeAppender(state session.State, sessionID string) *fakeAppender {
	return &fakeAppender{state: state, sessionID: sessionID, appendCh: make(chan session.Moment, 16)}
}

func (f *fakeAppender) State() (session.State, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.sessionID
}

func (f *fakeAppender) AppendMoment(ctx context.Context, sessionID string, m session.Moment) error {
	f.mu.Lock()
	f.appended = append(f.appended, m)
	f.mu.Unlock()
	f.appendCh <- m
	return nil
}

func (f *fakeAppender) waitForMoment(t *testing.T) session.Moment {
	t.Helper()
	select {
	case m := <-f.appendCh:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no moment was appended")
		return session.Moment{}
	}
}

type fakeSender struct {
	mu       sync.Mutex
	messages []protocol.Message
	audio    []protocol.AudioTransfer
}

func (f *fakeSender) Send(ctx context.Context, msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeSender) SendMomentAudio(ctx context.Context, meta protocol.AudioTransfer, payload []byte, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, meta)
	return nil
}

func (f *fakeSender) sentMessages() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message(nil), f.messages...)
}

type fakeTranscriber struct {
	result transcribe.Result
	err    error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte) (transcribe.Result, error) {
	return f.result, f.err
}

type fakeSink struct {
	mu          sync.Mutex
	pending     []string
	transcribed []string
	failed      []string
}

func (f *fakeSink) MomentPending(momentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, momentID)
}

func (f *fakeSink) MomentTranscribed(momentID string, transcript string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcribed = append(f.transcribed, momentID)
}

func (f *fakeSink) MomentFailed(momentID string, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, momentID)
}

func (f *fakeSink) failures() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.failed...)
}

func (f *fakeSink) pendings() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pending...)
}

func newTestAudioStore(t *testing.T) *store.AudioStore {
	t.Helper()
	audio, err := store.NewAudioStore(t.TempDir())
	require.NoError(t, err)
	return audio
}

func TestOwnerCapturesAndTranscribesLocally(t *testing.T) {
	appender := newFakeAppender(session.StateActive, "session-test")
	sender := &fakeSender{}
	r := NewRelay(appender, sender, newTestAudioStore(t), nil, Options{
		Owner:        true,
		Origin:       session.OriginPrimary,
		ReplyTimeout: time.Second,
		Transcriber:  &fakeTranscriber{result: transcribe.Result{Text: "first gate cleared", Confidence: 0.9}},
	})

	momentID, err := r.CaptureMoment(context.Background(), []byte("wav-bytes"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(momentID, "moment-"))

	got := appender.waitForMoment(t)
	assert.Equal(t, momentID, got.ID)
	assert.Equal(t, "first gate cleared", got.Transcript)
	assert.Equal(t, session.OriginPrimary, got.Origin)
	assert.InDelta(t, 0.9, got.Confidence, 0.0001)

	// Nothing went over the wire; the owner transcribes its own clips.
	assert.Empty(t, sender.sentMessages())
}

func TestCaptureRequiresActiveOrDrainingSession(t *testing.T) {
	for _, state := range []session.State{session.StateIdle, session.StateClosed} {
		appender := newFakeAppender(state, "")
		r := NewRelay(appender, &fakeSender{}, newTestAudioStore(t), nil, Options{
			Owner: true, Origin: session.OriginPrimary, ReplyTimeout: time.Second,
			Transcriber: &fakeTranscriber{},
		})
		_, err := r.CaptureMoment(context.Background(), []byte("wav-bytes"))
		assert.ErrorIs(t, err, session.ErrNoActiveSession, "state %s", state)
	}
}

func TestCaptureAllowedWhileDraining(t *testing.T) {
	appender := newFakeAppender(session.StateDraining, "session-test")
	r := NewRelay(appender, &fakeSender{}, newTestAudioStore(t), nil, Options{
		Owner: true, Origin: session.OriginPrimary, ReplyTimeout: time.Second,
		Transcriber: &fakeTranscriber{result: transcribe.Result{Text: "late note"}},
	})

	_, err := r.CaptureMoment(context.Background(), []byte("wav-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "late note", appender.waitForMoment(t).Transcript)
}

func TestNonOwnerShipsAudioAndAwaitsReply(t *testing.T) {
	appender := newFakeAppender(session.StateActive, "session-test")
	sender := &fakeSender{}
	r := NewRelay(appender, sender, newTestAudioStore(t), nil, Options{
		Owner:        false,
		Origin:       session.OriginCompanion,
		ReplyTimeout: time.Second,
	})

	momentID, err := r.CaptureMoment(context.Background(), []byte("wav-bytes"))
	require.NoError(t, err)

	messages := sender.sentMessages()
	require.Len(t, messages, 1)
	assert.Equal(t, protocol.CommandMomentCaptured, messages[0].Command)
	assert.Equal(t, momentID, messages[0].MomentID)
	require.Len(t, sender.audio, 1)
	assert.Equal(t, momentID, sender.audio[0].MomentID)
	assert.NotZero(t, sender.audio[0].CapturedAt)
	assert.Equal(t, 1, r.PendingCount())

	reply := &protocol.Message{
		Command:       protocol.CommandMomentTranscribed,
		SessionID:     "session-test",
		Timestamp:     time.Now(),
		MomentID:      momentID,
		Transcript:    "shipped and answered",
		Confidence:    0.8,
		HasConfidence: true,
	}
	r.HandleTranscribed(reply)

	got := appender.waitForMoment(t)
	assert.Equal(t, momentID, got.ID)
	assert.Equal(t, "shipped and answered", got.Transcript)
	assert.Equal(t, session.OriginCompanion, got.Origin)
	assert.Equal(t, 0, r.PendingCount())
}

func TestReplyTimeoutKeepsPlaceholder(t *testing.T) {
	appender := newFakeAppender(session.StateActive, "session-test")
	sink := &fakeSink{}
	r := NewRelay(appender, &fakeSender{}, newTestAudioStore(t), nil, Options{
		Owner:        false,
		Origin:       session.OriginCompanion,
		ReplyTimeout: 50 * time.Millisecond,
		EventSink:    sink,
	})

	momentID, err := r.CaptureMoment(context.Background(), []byte("wav-bytes"))
	require.NoError(t, err)

	got := appender.waitForMoment(t)
	assert.Equal(t, momentID, got.ID)
	assert.Empty(t, got.Transcript)
	assert.Equal(t, 0, r.PendingCount())
	assert.Equal(t, []string{momentID}, sink.pendings())
	assert.Equal(t, []string{momentID}, sink.failures())
}

func TestOwnerHandlesPeerAudio(t *testing.T) {
	appender := newFakeAppender(session.StateActive, "session-test")
	sender := &fakeSender{}
	r := NewRelay(appender, sender, newTestAudioStore(t), nil, Options{
		Owner:        true,
		Origin:       session.OriginPrimary,
		ReplyTimeout: time.Second,
		Transcriber:  &fakeTranscriber{result: transcribe.Result{Text: "from the companion", Confidence: 0.7}},
	})

	meta := protocol.AudioTransfer{Kind: protocol.AudioTransferKind, MomentID: "moment-x", SessionID: "session-test"}
	r.HandleMomentAudio(meta, []byte("wav-bytes"))

	got := appender.waitForMoment(t)
	assert.Equal(t, "moment-x", got.ID)
	assert.Equal(t, "from the companion", got.Transcript)
	assert.Equal(t, session.OriginCompanion, got.Origin)

	messages := sender.sentMessages()
	require.Len(t, messages, 1)
	assert.Equal(t, protocol.CommandMomentTranscribed, messages[0].Command)
	assert.Equal(t, "from the companion", messages[0].Transcript)
	assert.True(t, messages[0].HasConfidence)
	assert.Empty(t, messages[0].Error)
}

func TestOwnerDropsOrphanedAudio(t *testing.T) {
	tests := []struct {
		name      string
		state     session.State
		sessionID string
	}{
		{"no session", session.StateIdle, ""},
		{"other session", session.StateActive, "session-other"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			appender := newFakeAppender(tc.state, tc.sessionID)
			sender := &fakeSender{}
			r := NewRelay(appender, sender, newTestAudioStore(t), nil, Options{
				Owner: true, Origin: session.OriginPrimary, ReplyTimeout: time.Second,
				Transcriber: &fakeTranscriber{result: transcribe.Result{Text: "should not happen"}},
			})

			meta := protocol.AudioTransfer{Kind: protocol.AudioTransferKind, MomentID: "moment-x", SessionID: "session-test"}
			r.HandleMomentAudio(meta, []byte("wav-bytes"))

			assert.Empty(t, appender.appended)
			assert.Empty(t, sender.sentMessages())
		})
	}
}

func TestOwnerReportsTranscriptionFailure(t *testing.T) {
	appender := newFakeAppender(session.StateActive, "session-test")
	sender := &fakeSender{}
	r := NewRelay(appender, sender, newTestAudioStore(t), nil, Options{
		Owner: true, Origin: session.OriginPrimary, ReplyTimeout: time.Second,
		Transcriber: &fakeTranscriber{err: errors.New("provider down")},
	})

	meta := protocol.AudioTransfer{Kind: protocol.AudioTransferKind, MomentID: "moment-x", SessionID: "session-test"}
	r.HandleMomentAudio(meta, []byte("wav-bytes"))

	// A transcript-less placeholder is kept and the error goes back to the peer.
	got := appender.waitForMoment(t)
	assert.Empty(t, got.Transcript)
	assert.Zero(t, got.Confidence)

	messages := sender.sentMessages()
	require.Len(t, messages, 1)
	assert.Equal(t, "provider down", messages[0].Error)
}

func TestFailedReplySurfacesToSink(t *testing.T) {
	appender := newFakeAppender(session.StateActive, "session-test")
	sink := &fakeSink{}
	r := NewRelay(appender, &fakeSender{}, newTestAudioStore(t), nil, Options{
		Owner:        false,
		Origin:       session.OriginCompanion,
		ReplyTimeout: time.Second,
		EventSink:    sink,
	})

	momentID, err := r.CaptureMoment(context.Background(), []byte("wav-bytes"))
	require.NoError(t, err)

	r.HandleTranscribed(&protocol.Message{
		Command:   protocol.CommandMomentTranscribed,
		SessionID: "session-test",
		Timestamp: time.Now(),
		MomentID:  momentID,
		Error:     "provider down",
	})

	got := appender.waitForMoment(t)
	assert.Equal(t, momentID, got.ID)
	assert.Empty(t, got.Transcript)
	assert.Equal(t, []string{momentID}, sink.failures())
}

func TestOwnerKeepsPeerCaptureTime(t *testing.T) {
	capturedAt := time.Unix(1700000000, 0)
	receivedAt := capturedAt.Add(30 * time.Minute)

	appender := newFakeAppender(session.StateActive, "session-test")
	sender := &fakeSender{}
	r := NewRelay(appender, sender, newTestAudioStore(t), nil, Options{
		Owner:        true,
		Origin:       session.OriginPrimary,
		ReplyTimeout: time.Second,
		Transcriber:  &fakeTranscriber{result: transcribe.Result{Text: "delivered late"}},
		Clock:        time2.NewMockClock(receivedAt),
	})

	// The clip sat in the peer's outbox for half an hour before the link
	// came back; its moment must still carry the capture time.
	meta := protocol.AudioTransfer{
		Kind:       protocol.AudioTransferKind,
		MomentID:   "moment-x",
		SessionID:  "session-test",
		CapturedAt: capturedAt.Unix(),
	}
	r.HandleMomentAudio(meta, []byte("wav-bytes"))

	got := appender.waitForMoment(t)
	assert.True(t, got.Timestamp.Equal(capturedAt), "moment stamped %s, want capture time %s", got.Timestamp, capturedAt)

	messages := sender.sentMessages()
	require.Len(t, messages, 1)
	assert.True(t, messages[0].Timestamp.Equal(capturedAt))

	// A frame without a capture time falls back to the receipt clock.
	meta = protocol.AudioTransfer{Kind: protocol.AudioTransferKind, MomentID: "moment-y", SessionID: "session-test"}
	r.HandleMomentAudio(meta, []byte("wav-bytes"))
	assert.True(t, appender.waitForMoment(t).Timestamp.Equal(receivedAt))
}

// noopMessenger satisfies the machine's channel dependency for tests that
// exercise the relay against a real session machine.
type noopMessenger struct{}

func (noopMessenger) SendWithAck(context.Context, protocol.Message) error { return nil }

func (noopMessenger) Send(context.Context, protocol.Message) error { return nil }

func (noopMessenger) UpdateSnapshot(context.Context, protocol.Snapshot) error { return nil }

func TestLateReplyFillsTimeoutPlaceholder(t *testing.T) {
	sessions, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	machine := session.NewMachine(sessions, noopMessenger{}, time2.DefaultClock, time.Minute, nil)
	sessionID, err := machine.Start(context.Background())
	require.NoError(t, err)

	sink := &fakeSink{}
	r := NewRelay(machine, &fakeSender{}, newTestAudioStore(t), nil, Options{
		Owner:        false,
		Origin:       session.OriginCompanion,
		ReplyTimeout: 30 * time.Millisecond,
		EventSink:    sink,
	})

	momentID, err := r.CaptureMoment(context.Background(), []byte("wav-bytes"))
	require.NoError(t, err)

	// Let the reply window lapse so the placeholder lands.
	require.Eventually(t, func() bool {
		return len(sink.failures()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	sess, err := sessions.Load(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, sess.Moments, 1)
	require.Empty(t, sess.Moments[0].Transcript)

	r.HandleTranscribed(&protocol.Message{
		Command:    protocol.CommandMomentTranscribed,
		SessionID:  sessionID,
		Timestamp:  time.Unix(1700000000, 0),
		MomentID:   momentID,
		Transcript: "caught it after all",
	})

	sess, err = sessions.Load(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, sess.Moments, 1)
	assert.Equal(t, "caught it after all", sess.Moments[0].Transcript)
}
