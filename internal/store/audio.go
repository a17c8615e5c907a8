package store

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/realworldbuilder/momentary/internal/util"
)

// AudioStore keeps captured audio payloads on disk, keyed by moment id. The
// capturing node writes the payload before relaying it, so a lost relay can be
// replayed from local disk.
type AudioStore struct {
	dir string
}

func NewAudioStore(dir string) (*AudioStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create audio store directory")
	}
	return &AudioStore{dir: dir}, nil
}

func (s *AudioStore) Write(momentID string, payload []byte) (string, error) {
	path := s.Path(momentID)
	if err := util.WriteFileAtomic(path, payload, 0o644); err != nil {
		return "", errors.Wrap(err, "failed to write audio payload")
	}
	return path, nil
}

func (s *AudioStore) Read(momentID string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(momentID))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read audio payload")
	}
	return data, nil
}

func (s *AudioStore) Remove(momentID string) error {
	if err := os.Remove(s.Path(momentID)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove audio payload")
	}
	return nil
}

func (s *AudioStore) Path(momentID string) string {
	return filepath.Join(s.dir, momentID+".wav")
}
