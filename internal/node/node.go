package node

import (
	"context"
	"path/filepath"

	"github.com/dropbox/godropbox/time2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/realworldbuilder/momentary/internal/channel"
	"github.com/realworldbuilder/momentary/internal/config"
	"github.com/realworldbuilder/momentary/internal/finalize"
	"github.com/realworldbuilder/momentary/internal/generation"
	"github.com/realworldbuilder/momentary/internal/metrics"
	"github.com/realworldbuilder/momentary/internal/protocol"
	"github.com/realworldbuilder/momentary/internal/relay"
	"github.com/realworldbuilder/momentary/internal/session"
	"github.com/realworldbuilder/momentary/internal/store"
	"github.com/realworldbuilder/momentary/internal/transcribe"
)

// Node assembles one side of the pair: channel, session machine, moment relay
// and the finalization pipeline. It is the channel's Handler, dispatching
// inbound traffic to the right component.
type Node struct {
	Config   config.Server
	Store    session.Store
	Channel  *channel.Channel
	Machine  *session.Machine
	Relay    *relay.Relay
	Pipeline *finalize.Pipeline
	Metrics  *metrics.Service
}

// New wires a node from its config. Collaborators that components share are
// built here once and handed down.
func New(cfg config.Server, m *metrics.Service, sink relay.EventSink) (*Node, error) {
	clock := time2.DefaultClock

	sessionStore, err := newSessionStore(cfg)
	if err != nil {
		return nil, err
	}
	audioStore, err := store.NewAudioStore(filepath.Join(cfg.Node.DataDir, "audio"))
	if err != nil {
		return nil, err
	}
	queue, err := finalize.NewQueue(filepath.Join(cfg.Node.DataDir, "pending_jobs.json"))
	if err != nil {
		return nil, err
	}
	ch, err := channel.NewChannel(cfg.Channel, cfg.Node.DataDir, m)
	if err != nil {
		return nil, err
	}

	backend := generation.NewAnthropicBackend(cfg.Generation)
	pipeline := finalize.NewPipeline(sessionStore, backend, queue, m, cfg.Finalize, cfg.Generation.SystemPrompt, clock)

	n := &Node{
		Config:   cfg,
		Store:    sessionStore,
		Channel:  ch,
		Pipeline: pipeline,
		Metrics:  m,
	}

	n.Machine = session.NewMachine(sessionStore, ch, clock, cfg.Finalize.GraceWindow, n.onSessionClosed)

	var transcriber transcribe.Transcriber
	if cfg.OwnsTranscription() {
		transcriber = transcribe.NewDeepgramClient(cfg.Transcribe)
	}
	n.Relay = relay.NewRelay(n.Machine, ch, audioStore, m, relay.Options{
		Owner:        cfg.OwnsTranscription(),
		Origin:       originForRole(cfg.Node.Role),
		ReplyTimeout: cfg.Channel.ReplyTimeout,
		Transcriber:  transcriber,
		EventSink:    sink,
		Clock:        clock,
	})

	ch.SetHandler(n)
	return n, nil
}

func newSessionStore(cfg config.Server) (session.Store, error) {
	if cfg.Store.RedisEndpoint != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisEndpoint})
		return store.NewRedisStore(client), nil
	}
	return store.NewFileStore(filepath.Join(cfg.Node.DataDir, "sessions"))
}

func originForRole(role config.NodeRole) session.Origin {
	if role == config.NodeRoleCompanion {
		return session.OriginCompanion
	}
	return session.OriginPrimary
}

// Start reconciles against the last cached peer snapshot, opens the peer link
// and kicks a queue drain for anything left over from the previous run.
func (n *Node) Start(ctx context.Context) {
	if snap := n.Channel.CachedSnapshot(); snap != nil {
		n.Machine.HandleSnapshot(ctx, *snap)
	}
	n.Channel.Start()
	go func() {
		if err := n.Pipeline.DrainQueue(context.Background()); err != nil {
			log.Error().Err(err).Msg("Startup queue drain failed")
		}
	}()
}

// Shutdown closes the peer link.
func (n *Node) Shutdown() {
	n.Channel.Close()
}

func (n *Node) onSessionClosed(sessionID string) {
	if !n.Config.RunsFinalization() {
		log.Debug().Str("session_id", sessionID).Msg("Session closed, finalization runs on the peer")
		return
	}
	if err := n.Pipeline.Finalize(context.Background(), sessionID); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("Finalization failed")
	}
}

// HandleMessage implements channel.Handler.
func (n *Node) HandleMessage(msg *protocol.Message) {
	switch msg.Command {
	case protocol.CommandStart, protocol.CommandStop:
		n.Machine.HandleMessage(context.Background(), *msg)
	case protocol.CommandMomentTranscribed:
		n.Relay.HandleTranscribed(msg)
	case protocol.CommandMomentCaptured:
		// Informational; the audio transfer carries everything the owner needs.
		log.Debug().Str("moment_id", msg.MomentID).Str("session_id", msg.SessionID).Msg("Peer captured a moment")
	default:
		log.Warn().Str("command", string(msg.Command)).Msg("Ignoring message with unhandled command")
	}
}

// HandleSnapshot implements channel.Handler.
func (n *Node) HandleSnapshot(snap protocol.Snapshot) {
	n.Machine.HandleSnapshot(context.Background(), snap)
}

// HandleMomentAudio implements channel.Handler.
func (n *Node) HandleMomentAudio(meta protocol.AudioTransfer, payload []byte) {
	n.Relay.HandleMomentAudio(meta, payload)
}

// HandleReachability implements channel.Handler. A restored link is the moment
// to retry parked finalization jobs.
func (n *Node) HandleReachability(reachable bool) {
	log.Info().Bool("reachable", reachable).Msg("Peer reachability changed")
	if !reachable {
		return
	}
	go func() {
		if err := n.Pipeline.DrainQueue(context.Background()); err != nil {
			log.Error().Err(err).Msg("Reachability queue drain failed")
		}
	}()
}
