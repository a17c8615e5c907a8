package channel

// envelope is the JSON framing for text frames on the peer link. Protocol
// payloads travel as their flat key/value maps in Body; acks carry only the id
// of the frame they confirm.
type envelope struct {
	Kind  string         `json:"kind"`
	AckID string         `json:"ackId,omitempty"`
	Body  map[string]any `json:"body,omitempty"`
}

const (
	envelopeKindMessage  = "message"
	envelopeKindSnapshot = "snapshot"
	envelopeKindAck      = "ack"
)
