package finalize

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/realworldbuilder/momentary/internal/util"
)

// Queue is the durable pending job store. One JSON array file, rewritten
// atomically on every mutation, so jobs survive restarts.
type Queue struct {
	path string

	mu   sync.Mutex
	jobs []PendingJob
}

func NewQueue(path string) (*Queue, error) {
	q := &Queue{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return q, nil
		}
		return nil, errors.Wrap(err, "failed to read pending jobs file")
	}
	if err := json.Unmarshal(data, &q.jobs); err != nil {
		log.Error().Err(err).Str("path", path).Msg("Pending jobs file is corrupt, starting empty")
		_ = os.Rename(path, path+".corrupt")
		q.jobs = nil
	}
	return q, nil
}

// Push queues a job. An existing job for the same session is replaced, never
// duplicated.
func (q *Queue) Push(job PendingJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, existing := range q.jobs {
		if existing.SessionID == job.SessionID {
			q.jobs[i] = job
			return q.persistLocked()
		}
	}
	q.jobs = append(q.jobs, job)
	return q.persistLocked()
}

// Update rewrites the stored job for its session, keeping queue order.
func (q *Queue) Update(job PendingJob) error {
	return q.Push(job)
}

// Remove drops the job for sessionID, if present.
func (q *Queue) Remove(sessionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, job := range q.jobs {
		if job.SessionID == sessionID {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			return q.persistLocked()
		}
	}
	return nil
}

// Jobs returns a copy of the queued jobs in order.
func (q *Queue) Jobs() []PendingJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]PendingJob(nil), q.jobs...)
}

// Len returns the queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *Queue) persistLocked() error {
	data, err := json.Marshal(q.jobs)
	if err != nil {
		return errors.Wrap(err, "failed to marshal pending jobs")
	}
	return errors.Wrap(util.WriteFileAtomic(q.path, data, 0600), "failed to write pending jobs file")
}
