package channel

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/realworldbuilder/momentary/internal/config"
	"github.com/realworldbuilder/momentary/internal/metrics"
	"github.com/realworldbuilder/momentary/internal/protocol"
	"github.com/realworldbuilder/momentary/internal/util"
)

// Handler receives everything that arrives over the peer link.
type Handler interface {
	HandleMessage(msg *protocol.Message)
	HandleSnapshot(snap protocol.Snapshot)
	HandleMomentAudio(meta protocol.AudioTransfer, payload []byte)
	HandleReachability(reachable bool)
}

// link is one live websocket connection to the peer. Writes are serialized
// through writeMu because gorilla/websocket allows only one concurrent writer.
type link struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
}

func (l *link) writeJSON(v any) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteJSON(v)
}

func (l *link) writeBinary(data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Channel carries the three delivery tiers between the two nodes over a single
// websocket: acknowledged sends, the durable outbox hand-off, and the
// latest-wins state snapshot.
type Channel struct {
	cfg     config.Channel
	metrics *metrics.Service
	outbox  *Outbox

	snapshotOutPath string
	snapshotInPath  string

	mu           sync.Mutex
	handler      Handler
	link         *link
	lastSnapshot *protocol.Snapshot

	ackMu sync.Mutex
	acks  map[string]chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

func NewChannel(cfg config.Channel, dataDir string, m *metrics.Service) (*Channel, error) {
	outbox, err := NewOutbox(filepath.Join(dataDir, "outbox.json"))
	if err != nil {
		return nil, err
	}

	c := &Channel{
		cfg:             cfg,
		metrics:         m,
		outbox:          outbox,
		snapshotOutPath: filepath.Join(dataDir, "snapshot_out.json"),
		snapshotInPath:  filepath.Join(dataDir, "snapshot_in.json"),
		acks:            make(map[string]chan struct{}),
		closed:          make(chan struct{}),
	}
	c.lastSnapshot = readSnapshotFile(c.snapshotOutPath)
	return c, nil
}

// SetHandler wires the inbound side. Must be called before Start or Attach.
func (c *Channel) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Start begins dialing the configured peer, if any. Inbound links arrive via
// Attach regardless.
func (c *Channel) Start() {
	if c.cfg.PeerURL != "" {
		go c.dialLoop()
	}
}

func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l != nil {
		_ = l.conn.Close()
	}
}

// Attach adopts conn as the active peer link and blocks running its read loop
// until the link drops. A previously active link is closed first.
func (c *Channel) Attach(conn *websocket.Conn) {
	l := &link{conn: conn, done: make(chan struct{})}

	c.mu.Lock()
	old := c.link
	c.link = l
	handler := c.handler
	c.mu.Unlock()

	if old != nil {
		_ = old.conn.Close()
		<-old.done
	}

	log.Info().Str("peer", conn.RemoteAddr().String()).Msg("Peer link established")
	c.onConnected(l, handler)
	c.readLoop(l, handler)

	c.mu.Lock()
	if c.link == l {
		c.link = nil
	}
	stillLinked := c.link != nil
	c.mu.Unlock()

	close(l.done)
	_ = conn.Close()

	if !stillLinked && handler != nil {
		handler.HandleReachability(false)
	}
	log.Info().Msg("Peer link dropped")
}

func (c *Channel) dialLoop() {
	wait := c.cfg.ReconnectMinWait
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(c.cfg.PeerURL, nil)
		if err != nil {
			log.Debug().Err(err).Str("url", c.cfg.PeerURL).Dur("retry_in", wait).Msg("Peer dial failed")
			select {
			case <-c.closed:
				return
			case <-time.After(wait):
			}
			wait *= 2
			if wait > c.cfg.ReconnectMaxWait {
				wait = c.cfg.ReconnectMaxWait
			}
			continue
		}

		wait = c.cfg.ReconnectMinWait
		c.Attach(conn)
	}
}

// onConnected replays the current snapshot and flushes the outbox so the peer
// converges and queued hand-offs go out before anything else.
func (c *Channel) onConnected(l *link, handler Handler) {
	if handler != nil {
		handler.HandleReachability(true)
	}

	c.mu.Lock()
	snap := c.lastSnapshot
	c.mu.Unlock()
	if snap != nil {
		if err := l.writeJSON(envelope{Kind: envelopeKindSnapshot, Body: snap.Encode()}); err != nil {
			log.Error().Err(err).Msg("Failed to replay snapshot on connect")
			return
		}
		c.metrics.SnapshotPublished()
	}

	if err := c.outbox.Drain(func(entry outboxEntry) error {
		return c.sendOutboxEntry(l, entry)
	}); err != nil {
		log.Warn().Err(err).Msg("Outbox flush stopped early")
	}
}

func (c *Channel) sendOutboxEntry(l *link, entry outboxEntry) error {
	switch entry.Kind {
	case outboxKindMessage:
		return l.writeJSON(envelope{Kind: envelopeKindMessage, Body: entry.Body})
	case outboxKindAudio:
		payload, err := os.ReadFile(entry.AudioPath)
		if err != nil {
			// The audio file is gone; drop the entry rather than wedging the queue.
			log.Error().Err(err).Str("path", entry.AudioPath).Msg("Queued audio payload missing, dropping")
			return nil
		}
		frame, err := protocol.EncodeAudioFrame(*entry.Audio, payload)
		if err != nil {
			return err
		}
		return l.writeBinary(frame)
	default:
		log.Error().Str("kind", entry.Kind).Msg("Unknown outbox entry kind, dropping")
		return nil
	}
}

func (c *Channel) currentLink() *link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

// SendWithAck sends msg and waits, off the caller's path, for the peer's ack.
// If no link is up or the ack never arrives the message falls back to the
// durable outbox, so the caller always gets nil once the message is in flight
// or safely queued.
func (c *Channel) SendWithAck(ctx context.Context, msg protocol.Message) error {
	body := msg.Encode()

	l := c.currentLink()
	if l == nil {
		return c.queueMessage(msg.Command, body)
	}

	ackID := uuid.New().String()
	ch := make(chan struct{}, 1)
	c.ackMu.Lock()
	c.acks[ackID] = ch
	c.ackMu.Unlock()

	if err := l.writeJSON(envelope{Kind: envelopeKindMessage, AckID: ackID, Body: body}); err != nil {
		c.dropAckWaiter(ackID)
		log.Warn().Err(err).Str("command", string(msg.Command)).Msg("Acked send failed, queueing")
		return c.queueMessage(msg.Command, body)
	}
	c.metrics.MessageSent(string(msg.Command))

	go func() {
		timer := time.NewTimer(c.cfg.AckTimeout)
		defer timer.Stop()
		select {
		case <-ch:
		case <-timer.C:
			c.dropAckWaiter(ackID)
			log.Warn().Str("command", string(msg.Command)).Msg("Ack timed out, queueing for redelivery")
			if err := c.queueMessage(msg.Command, body); err != nil {
				log.Error().Err(err).Msg("Failed to queue unacked message")
			}
		case <-c.closed:
		}
	}()
	return nil
}

// Send delivers msg through the durable tier: directly if the link is up,
// otherwise via the outbox.
func (c *Channel) Send(ctx context.Context, msg protocol.Message) error {
	body := msg.Encode()
	if l := c.currentLink(); l != nil {
		if err := l.writeJSON(envelope{Kind: envelopeKindMessage, Body: body}); err == nil {
			c.metrics.MessageSent(string(msg.Command))
			return nil
		}
	}
	return c.queueMessage(msg.Command, body)
}

func (c *Channel) queueMessage(command protocol.Command, body map[string]any) error {
	if err := c.outbox.Append(outboxEntry{Kind: outboxKindMessage, Body: body}); err != nil {
		return err
	}
	c.metrics.MessageQueued(string(command))
	return nil
}

// SendMomentAudio ships a captured audio payload to the peer, queueing a
// reference to localPath when the link is down or the write fails.
func (c *Channel) SendMomentAudio(ctx context.Context, meta protocol.AudioTransfer, payload []byte, localPath string) error {
	if l := c.currentLink(); l != nil {
		frame, err := protocol.EncodeAudioFrame(meta, payload)
		if err != nil {
			return err
		}
		if err := l.writeBinary(frame); err == nil {
			return nil
		}
	}
	if err := c.outbox.Append(outboxEntry{Kind: outboxKindAudio, Audio: &meta, AudioPath: localPath}); err != nil {
		return err
	}
	c.metrics.MessageQueued(string(protocol.CommandMomentCaptured))
	return nil
}

// UpdateSnapshot replaces the published state snapshot. The snapshot is
// persisted locally so it survives restarts; delivery to the peer is best
// effort since the next connect replays it anyway.
func (c *Channel) UpdateSnapshot(ctx context.Context, snap protocol.Snapshot) error {
	c.mu.Lock()
	c.lastSnapshot = &snap
	l := c.link
	c.mu.Unlock()

	if err := persistSnapshotFile(c.snapshotOutPath, snap); err != nil {
		return err
	}

	if l != nil {
		if err := l.writeJSON(envelope{Kind: envelopeKindSnapshot, Body: snap.Encode()}); err != nil {
			log.Debug().Err(err).Msg("Snapshot publish failed, will replay on reconnect")
		} else {
			c.metrics.SnapshotPublished()
		}
	}
	return nil
}

// CachedSnapshot returns the last snapshot received from the peer, or nil when
// none has ever arrived.
func (c *Channel) CachedSnapshot() *protocol.Snapshot {
	return readSnapshotFile(c.snapshotInPath)
}

// Reachable reports whether a peer link is currently up.
func (c *Channel) Reachable() bool {
	return c.currentLink() != nil
}

// QueuedMessages returns the outbox depth.
func (c *Channel) QueuedMessages() int {
	return c.outbox.Len()
}

func (c *Channel) readLoop(l *link, handler Handler) {
	for {
		msgType, data, err := l.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("Peer link read failed")
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			c.handleTextFrame(l, data, handler)
		case websocket.BinaryMessage:
			meta, payload, err := protocol.DecodeAudioFrame(data)
			if err != nil {
				log.Error().Err(err).Msg("Dropping malformed audio frame")
				continue
			}
			if handler != nil {
				handler.HandleMomentAudio(meta, payload)
			}
		}
	}
}

func (c *Channel) handleTextFrame(l *link, data []byte, handler Handler) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Msg("Dropping malformed envelope")
		return
	}

	switch env.Kind {
	case envelopeKindAck:
		c.ackMu.Lock()
		ch, ok := c.acks[env.AckID]
		if ok {
			delete(c.acks, env.AckID)
		}
		c.ackMu.Unlock()
		if ok {
			ch <- struct{}{}
		}
	case envelopeKindMessage:
		if env.AckID != "" {
			if err := l.writeJSON(envelope{Kind: envelopeKindAck, AckID: env.AckID}); err != nil {
				log.Debug().Err(err).Msg("Failed to ack inbound message")
			}
		}
		msg, err := protocol.DecodeMessage(env.Body)
		if err != nil {
			log.Error().Err(err).Msg("Dropping undecodable message")
			return
		}
		if handler != nil {
			handler.HandleMessage(&msg)
		}
	case envelopeKindSnapshot:
		snap, err := protocol.DecodeSnapshot(env.Body)
		if err != nil {
			log.Error().Err(err).Msg("Dropping undecodable snapshot")
			return
		}
		if err := persistSnapshotFile(c.snapshotInPath, snap); err != nil {
			log.Error().Err(err).Msg("Failed to persist inbound snapshot")
		}
		if handler != nil {
			handler.HandleSnapshot(snap)
		}
	default:
		log.Warn().Str("kind", env.Kind).Msg("Ignoring envelope of unknown kind")
	}
}

func (c *Channel) dropAckWaiter(ackID string) {
	c.ackMu.Lock()
	delete(c.acks, ackID)
	c.ackMu.Unlock()
}

func persistSnapshotFile(path string, snap protocol.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "failed to marshal snapshot")
	}
	return errors.Wrap(util.WriteFileAtomic(path, data, 0600), "failed to write snapshot file")
}

func readSnapshotFile(path string) *protocol.Snapshot {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var snap protocol.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", path).Msg("Snapshot file is corrupt, ignoring")
		return nil
	}
	return &snap
}
