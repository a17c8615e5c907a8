package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Service exposes the node's prometheus collectors. A nil *Service is valid and
// turns every observation into a no-op, so components can take it optionally.
type Service struct {
	messagesSent       *prometheus.CounterVec
	messagesQueued     *prometheus.CounterVec
	snapshotsPublished prometheus.Counter
	momentsCaptured    prometheus.Counter
	momentsOrphaned    prometheus.Counter
	transcribeFailures prometheus.Counter
	replyTimeouts      prometheus.Counter
	generationAttempts *prometheus.CounterVec
	pendingJobs        prometheus.Gauge
}

// New registers the collectors on the default registry. Call once per process.
func New() *Service {
	return &Service{
		messagesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "momentary",
			Subsystem: "channel",
			Name:      "messages_sent_total",
			Help:      "Protocol messages written directly to the peer link",
		}, []string{"command"}),
		messagesQueued: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "momentary",
			Subsystem: "channel",
			Name:      "messages_queued_total",
			Help:      "Protocol messages handed off to the durable outbox",
		}, []string{"command"}),
		snapshotsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "momentary",
			Subsystem: "channel",
			Name:      "snapshots_published_total",
			Help:      "State snapshots published to the latest-wins tier",
		}),
		momentsCaptured: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "momentary",
			Subsystem: "relay",
			Name:      "moments_captured_total",
			Help:      "Moments captured on this node",
		}),
		momentsOrphaned: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "momentary",
			Subsystem: "relay",
			Name:      "moments_orphaned_total",
			Help:      "Relayed moments dropped because their session id did not match",
		}),
		transcribeFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "momentary",
			Subsystem: "relay",
			Name:      "transcription_failures_total",
			Help:      "Transcription attempts that produced a placeholder moment",
		}),
		replyTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "momentary",
			Subsystem: "relay",
			Name:      "reply_timeouts_total",
			Help:      "Relayed moments whose transcription reply never arrived in time",
		}),
		generationAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "momentary",
			Subsystem: "finalize",
			Name:      "generation_attempts_total",
			Help:      "Generation backend attempts by outcome",
		}, []string{"outcome"}),
		pendingJobs: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "momentary",
			Subsystem: "finalize",
			Name:      "pending_jobs",
			Help:      "Finalization jobs currently parked in the durable queue",
		}),
	}
}

func (s *Service) MessageSent(command string) {
	if s == nil {
		return
	}
	s.messagesSent.WithLabelValues(command).Inc()
}

func (s *Service) MessageQueued(command string) {
	if s == nil {
		return
	}
	s.messagesQueued.WithLabelValues(command).Inc()
}

func (s *Service) SnapshotPublished() {
	if s == nil {
		return
	}
	s.snapshotsPublished.Inc()
}

func (s *Service) MomentCaptured() {
	if s == nil {
		return
	}
	s.momentsCaptured.Inc()
}

func (s *Service) MomentOrphaned() {
	if s == nil {
		return
	}
	s.momentsOrphaned.Inc()
}

func (s *Service) TranscriptionFailed() {
	if s == nil {
		return
	}
	s.transcribeFailures.Inc()
}

func (s *Service) ReplyTimedOut() {
	if s == nil {
		return
	}
	s.replyTimeouts.Inc()
}

func (s *Service) GenerationAttempt(outcome string) {
	if s == nil {
		return
	}
	s.generationAttempts.WithLabelValues(outcome).Inc()
}

func (s *Service) SetPendingJobs(n int) {
	if s == nil {
		return
	}
	s.pendingJobs.Set(float64(n))
}
