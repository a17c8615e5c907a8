package config

import (
	"time"

	"github.com/realworldbuilder/momentary/internal/util"
)

// Server bundles the full runtime configuration of a momentary node.
type Server struct {
	Node       Node
	Channel    Channel
	Store      Store
	Finalize   Finalize
	Generation Generation
	Transcribe Transcribe
	Logger     Logger
}

// NodeRole identifies which side of the two-node pair this process runs as.
type NodeRole string

const (
	NodeRolePrimary   NodeRole = "primary"
	NodeRoleCompanion NodeRole = "companion"
)

type Node struct {
	Role          NodeRole
	ListenAddress string
	DataDir       string
}

type Channel struct {
	// PeerURL is the websocket endpoint of the peer node. Empty means this node
	// only accepts inbound links.
	PeerURL          string
	AckTimeout       time.Duration
	ReplyTimeout     time.Duration
	ReconnectMinWait time.Duration
	ReconnectMaxWait time.Duration
}

type Store struct {
	// RedisEndpoint switches the session store from the file backend to redis.
	RedisEndpoint string
}

type Finalize struct {
	GraceWindow       time.Duration
	MaxAttempts       int
	QueueRetryCeiling int
}

type Generation struct {
	APIKey       string
	BaseURL      string
	Model        string
	MaxTokens    int
	SystemPrompt string
}

type Transcribe struct {
	APIKey  string
	BaseURL string
	Model   string
}

type Logger struct {
	Level              string
	PrettyPrintConsole bool
}

// DefaultSystemPrompt is used when no custom generation prompt is configured.
const DefaultSystemPrompt = `You are given timestamped voice notes captured during a timed activity session. Produce a structured recap in markdown with a short overall summary followed by the notable observations in chronological order. Be concise and do not invent details that are not in the notes.`

// DefaultServerConfigFromEnv builds the Server config from environment variables
// with sensible defaults. Call it once at startup.
func DefaultServerConfigFromEnv() Server {
	return Server{
		Node: Node{
			Role:          NodeRole(util.GetEnv("MOMENTARY_NODE_ROLE", string(NodeRolePrimary))),
			ListenAddress: util.GetEnv("MOMENTARY_LISTEN_ADDRESS", ":9973"),
			DataDir:       util.GetEnv("MOMENTARY_DATA_DIR", "./data"),
		},
		Channel: Channel{
			PeerURL:          util.GetEnv("MOMENTARY_PEER_URL", ""),
			AckTimeout:       util.GetEnvAsDuration("MOMENTARY_ACK_TIMEOUT", 5*time.Second),
			ReplyTimeout:     util.GetEnvAsDuration("MOMENTARY_REPLY_TIMEOUT", 60*time.Second),
			ReconnectMinWait: util.GetEnvAsDuration("MOMENTARY_RECONNECT_MIN_WAIT", time.Second),
			ReconnectMaxWait: util.GetEnvAsDuration("MOMENTARY_RECONNECT_MAX_WAIT", 30*time.Second),
		},
		Store: Store{
			RedisEndpoint: util.GetEnv("MOMENTARY_REDIS_ENDPOINT", ""),
		},
		Finalize: Finalize{
			GraceWindow:       util.GetEnvAsDuration("MOMENTARY_GRACE_WINDOW", 5*time.Second),
			MaxAttempts:       util.GetEnvAsInt("MOMENTARY_FINALIZE_MAX_ATTEMPTS", 3),
			QueueRetryCeiling: util.GetEnvAsInt("MOMENTARY_QUEUE_RETRY_CEILING", 5),
		},
		Generation: Generation{
			APIKey:       util.GetEnv("MOMENTARY_ANTHROPIC_API_KEY", ""),
			BaseURL:      util.GetEnv("MOMENTARY_ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
			Model:        util.GetEnv("MOMENTARY_ANTHROPIC_MODEL", "claude-haiku-4-5"),
			MaxTokens:    util.GetEnvAsInt("MOMENTARY_ANTHROPIC_MAX_TOKENS", 4096),
			SystemPrompt: util.GetEnv("MOMENTARY_SYSTEM_PROMPT", DefaultSystemPrompt),
		},
		Transcribe: Transcribe{
			APIKey:  util.GetEnv("MOMENTARY_DEEPGRAM_API_KEY", ""),
			BaseURL: util.GetEnv("MOMENTARY_DEEPGRAM_BASE_URL", "https://api.deepgram.com/v1"),
			Model:   util.GetEnv("MOMENTARY_DEEPGRAM_MODEL", "nova-2"),
		},
		Logger: Logger{
			Level:              util.GetEnv("MOMENTARY_LOG_LEVEL", "info"),
			PrettyPrintConsole: util.GetEnvAsBool("MOMENTARY_LOG_PRETTY", false),
		},
	}
}

// OwnsTranscription reports whether this node runs the transcription collaborator.
// The primary owns transcription; the companion relays captured audio to it.
func (s Server) OwnsTranscription() bool {
	return s.Node.Role == NodeRolePrimary
}

// RunsFinalization reports whether this node finalizes closed sessions. Only
// the primary does; otherwise a pair where both nodes hold generation
// credentials would produce two recaps for the same session.
func (s Server) RunsFinalization() bool {
	return s.Node.Role == NodeRolePrimary
}
