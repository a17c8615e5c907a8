package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// AudioTransferKind tags the metadata header of a binary audio frame.
const AudioTransferKind = "momentAudio"

// AudioTransfer is the metadata that travels with a captured moment's audio payload.
// CapturedAt is the capture time in epoch seconds; the frame may be delivered
// long after capture, so the receiver must not substitute its own clock.
type AudioTransfer struct {
	Kind       string `json:"kind"`
	MomentID   string `json:"momentId"`
	SessionID  string `json:"sessionId"`
	CapturedAt int64  `json:"capturedAt,omitempty"`
}

// EncodeAudioFrame packs metadata and payload into a single binary frame:
// one JSON metadata line, a newline, then the raw audio bytes.
func EncodeAudioFrame(meta AudioTransfer, payload []byte) ([]byte, error) {
	meta.Kind = AudioTransferKind
	header, err := json.Marshal(meta)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal audio metadata")
	}

	frame := make([]byte, 0, len(header)+1+len(payload))
	frame = append(frame, header...)
	frame = append(frame, '\n')
	frame = append(frame, payload...)
	return frame, nil
}

// DecodeAudioFrame splits a binary frame back into metadata and payload.
func DecodeAudioFrame(frame []byte) (AudioTransfer, []byte, error) {
	idx := bytes.IndexByte(frame, '\n')
	if idx < 0 {
		return AudioTransfer{}, nil, errors.New("audio frame has no metadata header")
	}

	var meta AudioTransfer
	if err := json.Unmarshal(frame[:idx], &meta); err != nil {
		return AudioTransfer{}, nil, errors.Wrap(err, "failed to unmarshal audio metadata")
	}
	if meta.Kind != AudioTransferKind {
		return AudioTransfer{}, nil, errors.Errorf("unexpected audio frame kind %q", meta.Kind)
	}
	if meta.MomentID == "" || meta.SessionID == "" {
		return AudioTransfer{}, nil, errors.New("audio metadata is missing momentId or sessionId")
	}

	return meta, frame[idx+1:], nil
}
