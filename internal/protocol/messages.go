package protocol

import (
	"encoding/json"
	"time"
)

// Audio sample encodings accepted in AudioFrame.Encoding.
const (
	EncodingPCM16   = "pcm16"
	EncodingFloat32 = "float32"
)

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	// Encoding is pcm16 (default) or float32, both little-endian and at
	// 16-bit amplitude scale.
	Encoding string `json:"encoding,omitempty"`
	PCM      []byte `json:"pcm"`
	Final    bool   `json:"final"`
	// Grammar restricts the vocabulary. Only read on a session's first frame.
	Grammar string `json:"grammar,omitempty"`
}

// Word is a recognized word with stream-relative times in seconds.
type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Conf  float64 `json:"conf"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
	Words      []Word    `json:"words,omitempty"`
	Start      float64   `json:"start,omitempty"`
	End        float64   `json:"end,omitempty"`
	Speaker    []float32 `json:"speaker,omitempty"`
}

// SessionMetadata carries a session's cumulative word metadata as produced
// by the recognizer: text, words, segments and optional speaker vector.
type SessionMetadata struct {
	SessionID string          `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  json.RawMessage `json:"metadata"`
}

// SessionClose asks the service to finish and drop a session.
type SessionClose struct {
	SessionID string `json:"session_id"`
}

const (
	SubjectAudioFramePrefix   = "audio.frame"
	SubjectTranscriptPartial  = "stt.text.partial"
	SubjectTranscriptFinal    = "stt.text.final"
	SubjectTranscriptMetadata = "stt.metadata"
	SubjectSessionClosePrefix = "stt.session.close"
)
