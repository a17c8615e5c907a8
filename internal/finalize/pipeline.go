package finalize

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/realworldbuilder/momentary/internal/config"
	"github.com/realworldbuilder/momentary/internal/generation"
	"github.com/realworldbuilder/momentary/internal/metrics"
	"github.com/realworldbuilder/momentary/internal/session"
)

const baseBackoff = 2 * time.Second

// Pipeline turns a closed session into its generated recap. Completion is
// at-most-once per session: a session with a Result or FinalizedAt is never
// processed again. Sessions that exhaust their attempts land in the durable
// queue and are retried on the next drain.
type Pipeline struct {
	store   session.Store
	backend generation.Backend
	queue   *Queue
	metrics *metrics.Service
	clock   time2.Clock
	cfg     config.Finalize
	system  string

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error

	runMu    sync.Mutex
	statusMu sync.Mutex
	state    State
	reason   string

	draining atomic.Bool
}

func NewPipeline(store session.Store, backend generation.Backend, queue *Queue, m *metrics.Service, cfg config.Finalize, systemPrompt string, clock time2.Clock) *Pipeline {
	if clock == nil {
		clock = time2.DefaultClock
	}
	return &Pipeline{
		store:   store,
		backend: backend,
		queue:   queue,
		metrics: m,
		clock:   clock,
		cfg:     cfg,
		system:  systemPrompt,
		sleep:   sleepCtx,
		state:   StateIdle,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the pipeline state and, for failures, the reason.
func (p *Pipeline) Status() (State, string) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	return p.state, p.reason
}

// QueueDepth returns the number of pending jobs.
func (p *Pipeline) QueueDepth() int {
	return p.queue.Len()
}

func (p *Pipeline) setState(next State, reason string) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	if !canTransition(p.state, next) {
		log.Error().Str("from", string(p.state)).Str("to", string(next)).Msg("Refusing invalid pipeline transition")
		return
	}
	p.state = next
	p.reason = reason
}

// Finalize runs the full pipeline for one closed session.
func (p *Pipeline) Finalize(ctx context.Context, sessionID string) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	sess, err := p.store.Load(ctx, sessionID)
	if err != nil {
		return errors.Wrap(err, "failed to load session for finalization")
	}
	if sess.Finalized() {
		log.Debug().Str("session_id", sessionID).Msg("Session already finalized, skipping")
		return nil
	}

	p.setState(StateProcessing, "")

	if len(sess.Moments) < 1 || sess.Duration() <= 0 {
		now := p.clock.Now()
		sess.FinalizedAt = &now
		if err := p.store.Save(ctx, sess); err != nil {
			p.setState(StateFailed, err.Error())
			return errors.Wrap(err, "failed to save trivially finalized session")
		}
		p.setState(StateCompleted, "")
		log.Info().Str("session_id", sessionID).Msg("Session finalized without generation")
		return nil
	}

	result, err := p.runAttempts(ctx, buildUserPrompt(sess))
	if err != nil {
		if errors.Is(err, generation.ErrMissingCredential) {
			p.setState(StateFailed, err.Error())
			log.Error().Err(err).Str("session_id", sessionID).Msg("Finalization failed fatally")
			return err
		}
		if pushErr := p.queue.Push(jobFromSession(sess)); pushErr != nil {
			p.setState(StateFailed, pushErr.Error())
			return errors.Wrap(pushErr, "failed to queue pending job")
		}
		p.metrics.SetPendingJobs(p.queue.Len())
		p.setState(StateQueued, "")
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Finalization attempts exhausted, job queued")
		return nil
	}

	return p.complete(ctx, sess, result)
}

func (p *Pipeline) complete(ctx context.Context, sess *session.Session, result string) error {
	now := p.clock.Now()
	sess.Result = result
	sess.FinalizedAt = &now
	if err := p.store.Save(ctx, sess); err != nil {
		p.setState(StateFailed, err.Error())
		return errors.Wrap(err, "failed to save finalized session")
	}
	if err := p.queue.Remove(sess.ID); err != nil {
		log.Error().Err(err).Str("session_id", sess.ID).Msg("Failed to remove completed job from queue")
	}
	p.metrics.SetPendingJobs(p.queue.Len())
	p.setState(StateCompleted, "")
	log.Info().Str("session_id", sess.ID).Int("moments", len(sess.Moments)).Msg("Session finalized")
	return nil
}

// runAttempts drives the generation call with bounded retries. Transient
// failures back off 2s, 4s, 8s between attempts. A rate-limited attempt sleeps
// the server-given delay and does not consume an attempt slot. Credential
// failures abort immediately.
func (p *Pipeline) runAttempts(ctx context.Context, user string) (string, error) {
	attempt := 0
	for {
		result, err := p.backend.Complete(ctx, p.system, user)
		if err == nil {
			p.metrics.GenerationAttempt("success")
			return result, nil
		}
		if errors.Is(err, generation.ErrMissingCredential) {
			p.metrics.GenerationAttempt("fatal")
			return "", err
		}
		if rle, ok := generation.IsRateLimited(err); ok {
			p.metrics.GenerationAttempt("rate_limited")
			log.Warn().Dur("retry_after", rle.RetryAfter).Msg("Generation rate limited, waiting")
			if err := p.sleep(ctx, rle.RetryAfter); err != nil {
				return "", err
			}
			continue
		}

		p.metrics.GenerationAttempt("transient")
		attempt++
		if attempt >= p.cfg.MaxAttempts {
			return "", errors.Wrapf(err, "generation failed after %d attempts", attempt)
		}
		// Delays double per failed attempt: 2s, 4s, 8s, ... No delay follows
		// the last attempt, so the default three attempts sleep 2s and 4s;
		// the 8s step only applies with MaxAttempts above three.
		backoff := baseBackoff << (attempt - 1)
		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("Generation attempt failed, backing off")
		if err := p.sleep(ctx, backoff); err != nil {
			return "", err
		}
	}
}

// DrainQueue retries every pending job once. Only one drain runs at a time; a
// concurrent call returns immediately.
func (p *Pipeline) DrainQueue(ctx context.Context) error {
	if !p.draining.CompareAndSwap(false, true) {
		log.Debug().Msg("Queue drain already in progress")
		return nil
	}
	defer p.draining.Store(false)

	jobs := p.queue.Jobs()
	if len(jobs) == 0 {
		return nil
	}
	log.Info().Int("jobs", len(jobs)).Msg("Draining pending finalization jobs")

	for _, job := range jobs {
		if err := p.drainJob(ctx, job); err != nil {
			if errors.Is(err, generation.ErrMissingCredential) {
				log.Error().Err(err).Msg("Aborting queue drain, credential is invalid")
				return err
			}
			if errors.Is(err, ctx.Err()) && ctx.Err() != nil {
				return err
			}
		}
	}
	p.metrics.SetPendingJobs(p.queue.Len())
	return nil
}

func (p *Pipeline) drainJob(ctx context.Context, job PendingJob) error {
	sess, err := p.store.Load(ctx, job.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			log.Error().Str("session_id", job.SessionID).Msg("Dropping pending job, session is gone")
			return p.queue.Remove(job.SessionID)
		}
		return errors.Wrap(err, "failed to load session for queued job")
	}
	if sess.Finalized() {
		return p.queue.Remove(job.SessionID)
	}

	p.setState(StateProcessing, "")

	result, err := p.runAttempts(ctx, buildUserPrompt(sess))
	if err != nil {
		if errors.Is(err, generation.ErrMissingCredential) {
			p.setState(StateFailed, err.Error())
			return err
		}
		job.RetryCount++
		now := p.clock.Now()
		job.LastAttempt = &now
		if job.RetryCount >= p.cfg.QueueRetryCeiling {
			log.Error().Err(err).Str("session_id", job.SessionID).Int("retries", job.RetryCount).Msg("Dropping pending job, retry ceiling reached")
			p.setState(StateFailed, err.Error())
			return p.queue.Remove(job.SessionID)
		}
		log.Warn().Err(err).Str("session_id", job.SessionID).Int("retries", job.RetryCount).Msg("Queued finalization failed again")
		p.setState(StateQueued, "")
		return p.queue.Update(job)
	}

	p.runMu.Lock()
	defer p.runMu.Unlock()
	return p.complete(ctx, sess, result)
}

func jobFromSession(sess *session.Session) PendingJob {
	transcripts := make([]JobTranscript, 0, len(sess.Moments))
	for _, m := range sess.Moments {
		transcripts = append(transcripts, JobTranscript{
			MomentID:   m.ID,
			Timestamp:  m.Timestamp,
			Transcript: m.Transcript,
		})
	}
	return PendingJob{
		SessionID:       sess.ID,
		Transcripts:     transcripts,
		StartedAt:       sess.StartedAt,
		DurationSeconds: sess.Duration().Seconds(),
	}
}

// buildUserPrompt renders the session's moments as timestamped lines for the
// generation backend.
func buildUserPrompt(sess *session.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session started at %s and lasted %s.\n", sess.StartedAt.Format(time.RFC3339), sess.Duration().Round(time.Second))
	fmt.Fprintf(&b, "Voice notes in order:\n")
	for _, m := range sess.Moments {
		offset := m.Timestamp.Sub(sess.StartedAt).Round(time.Second)
		if m.Transcript == "" {
			fmt.Fprintf(&b, "- [%s] (no transcript captured)\n", offset)
			continue
		}
		fmt.Fprintf(&b, "- [%s] %s\n", offset, m.Transcript)
	}
	return b.String()
}
