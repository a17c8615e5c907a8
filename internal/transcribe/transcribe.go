package transcribe

import "context"

// Result is a finished transcription of one audio clip.
type Result struct {
	Text       string
	Confidence float64
}

// Transcriber turns a captured audio payload into text. Implementations must be
// safe for concurrent use.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (Result, error)
}
