package protocol

import (
	"time"

	"github.com/pkg/errors"
)

// Command identifies the type of a protocol message exchanged between the two nodes.
type Command string

const (
	CommandStart             Command = "start"
	CommandStop              Command = "stop"
	CommandMomentCaptured    Command = "momentCaptured"
	CommandMomentTranscribed Command = "momentTranscribed"
)

// Message is the tagged union carried between the primary and companion nodes.
// On the wire it is a flat string-keyed map; optional fields are simply absent.
type Message struct {
	Command               Command
	SessionID             string
	Timestamp             time.Time
	MomentID              string
	Transcript            string
	Confidence            float64
	HasConfidence         bool
	Error                 string
	ExternalCorrelationID string
}

// Wire keys of the flat map encoding.
const (
	keyCommand               = "command"
	keySessionID             = "sessionId"
	keyTimestamp             = "timestamp"
	keyMomentID              = "momentId"
	keyTranscript            = "transcript"
	keyConfidence            = "confidence"
	keyError                 = "error"
	keyExternalCorrelationID = "externalCorrelationId"
)

var validCommands = map[Command]struct{}{
	CommandStart:             {},
	CommandStop:              {},
	CommandMomentCaptured:    {},
	CommandMomentTranscribed: {},
}

// Encode renders the message as the flat key/value map sent over the channel.
// Timestamps are epoch seconds.
func (m Message) Encode() map[string]any {
	out := map[string]any{
		keyCommand:   string(m.Command),
		keySessionID: m.SessionID,
		keyTimestamp: m.Timestamp.Unix(),
	}
	if m.MomentID != "" {
		out[keyMomentID] = m.MomentID
	}
	if m.Transcript != "" {
		out[keyTranscript] = m.Transcript
	}
	if m.HasConfidence {
		out[keyConfidence] = m.Confidence
	}
	if m.Error != "" {
		out[keyError] = m.Error
	}
	if m.ExternalCorrelationID != "" {
		out[keyExternalCorrelationID] = m.ExternalCorrelationID
	}
	return out
}

// DecodeMessage parses a flat key/value map into a Message. Unknown keys are
// ignored; a missing or unknown command or a missing session id is an error.
func DecodeMessage(raw map[string]any) (Message, error) {
	command, ok := stringValue(raw, keyCommand)
	if !ok {
		return Message{}, errors.New("message is missing command")
	}
	if _, known := validCommands[Command(command)]; !known {
		return Message{}, errors.Errorf("unknown command %q", command)
	}

	sessionID, ok := stringValue(raw, keySessionID)
	if !ok || sessionID == "" {
		return Message{}, errors.Errorf("message %q is missing sessionId", command)
	}

	msg := Message{
		Command:   Command(command),
		SessionID: sessionID,
	}

	if ts, ok := numberValue(raw, keyTimestamp); ok {
		msg.Timestamp = epochToTime(ts)
	}
	if v, ok := stringValue(raw, keyMomentID); ok {
		msg.MomentID = v
	}
	if v, ok := stringValue(raw, keyTranscript); ok {
		msg.Transcript = v
	}
	if v, ok := numberValue(raw, keyConfidence); ok {
		msg.Confidence = v
		msg.HasConfidence = true
	}
	if v, ok := stringValue(raw, keyError); ok {
		msg.Error = v
	}
	if v, ok := stringValue(raw, keyExternalCorrelationID); ok {
		msg.ExternalCorrelationID = v
	}

	return msg, nil
}

func stringValue(raw map[string]any, key string) (string, bool) {
	v, ok := raw[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// numberValue accepts the numeric types a JSON decoder or a caller may hand us.
func numberValue(raw map[string]any, key string) (float64, bool) {
	v, ok := raw[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func epochToTime(seconds float64) time.Time {
	sec := int64(seconds)
	nsec := int64((seconds - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}
