package channel

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/realworldbuilder/momentary/internal/protocol"
	"github.com/realworldbuilder/momentary/internal/util"
)

// outboxEntry is one queued hand-off awaiting peer reachability. Messages carry
// their encoded flat map; audio entries reference the locally stored payload.
type outboxEntry struct {
	Kind      string                  `json:"kind"` // "message" | "audio"
	Body      map[string]any          `json:"body,omitempty"`
	Audio     *protocol.AudioTransfer `json:"audio,omitempty"`
	AudioPath string                  `json:"audioPath,omitempty"`
	QueuedAt  time.Time               `json:"queuedAt"`
}

const (
	outboxKindMessage = "message"
	outboxKindAudio   = "audio"
)

// Outbox is the durable best-effort hand-off tier. The whole queue is one JSON
// array, rewritten atomically on every mutation, so queued messages survive
// process restarts. Entries leave the queue only after a successful write to
// the peer link.
type Outbox struct {
	path string

	mu      sync.Mutex
	entries []outboxEntry
}

func NewOutbox(path string) (*Outbox, error) {
	o := &Outbox{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return o, nil
		}
		return nil, errors.Wrap(err, "failed to read outbox file")
	}
	if err := json.Unmarshal(data, &o.entries); err != nil {
		// A corrupt outbox should not brick the node; start fresh and keep the
		// broken file aside for inspection.
		log.Error().Err(err).Str("path", path).Msg("Outbox file is corrupt, starting empty")
		_ = os.Rename(path, path+".corrupt")
		o.entries = nil
	}
	return o, nil
}

// Append queues an entry and persists the queue.
func (o *Outbox) Append(entry outboxEntry) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if entry.QueuedAt.IsZero() {
		entry.QueuedAt = time.Now()
	}
	o.entries = append(o.entries, entry)
	return o.persistLocked()
}

// Drain delivers queued entries in order through send, stopping at the first
// failure. Delivered entries are removed and the remainder persisted.
func (o *Outbox) Drain(send func(outboxEntry) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	delivered := 0
	var sendErr error
	for _, entry := range o.entries {
		if err := send(entry); err != nil {
			sendErr = err
			break
		}
		delivered++
	}

	if delivered > 0 {
		o.entries = append([]outboxEntry(nil), o.entries[delivered:]...)
		if err := o.persistLocked(); err != nil {
			return err
		}
		log.Debug().Int("delivered", delivered).Int("remaining", len(o.entries)).Msg("Outbox drained")
	}
	return sendErr
}

// Len returns the number of queued entries.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

func (o *Outbox) persistLocked() error {
	data, err := json.Marshal(o.entries)
	if err != nil {
		return errors.Wrap(err, "failed to marshal outbox")
	}
	if err := util.WriteFileAtomic(o.path, data, 0600); err != nil {
		return errors.Wrap(err, "failed to write outbox file")
	}
	return nil
}
