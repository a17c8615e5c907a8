package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/realworldbuilder/momentary/internal/session"
	"github.com/realworldbuilder/momentary/internal/util"
)

// FileStore persists each session as one JSON document under dir. Saves go
// through a temp file and rename, so a crash never leaves a torn session on disk.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create session store directory")
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Load(_ context.Context, id string) (*session.Session, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(session.ErrSessionNotFound, "id %s", id)
		}
		return nil, errors.Wrap(err, "failed to read session file")
	}

	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal session")
	}
	return &sess, nil
}

func (s *FileStore) Save(_ context.Context, sess *session.Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("session id is empty")
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return errors.Wrap(err, "failed to marshal session")
	}
	if err := util.WriteFileAtomic(s.path(sess.ID), data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write session file")
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to delete session file")
	}
	return nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}
