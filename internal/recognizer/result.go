package recognizer

import (
	"bytes"
	"encoding/json"
)

const (
	emptyText    = `{"text": ""}`
	emptyPartial = `{"partial": ""}`
)

// Word is one recognized word with times in seconds from the start of the
// stream.
type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Conf  float64 `json:"conf"`
}

type metadata struct {
	Text      string      `json:"text"`
	Words     []Word      `json:"words"`
	Segments  []int       `json:"segments,omitempty"`
	Features  [][]float32 `json:"features,omitempty"`
	Spk       []float32   `json:"spk,omitempty"`
	SpkFrames int         `json:"spk_frames,omitempty"`
}

// Transcript is the decoded form of a Result or FinalResult string.
type Transcript struct {
	Text    string `json:"text"`
	Partial string `json:"partial"`
}

// ParseTranscript decodes a result string returned by a session.
func ParseTranscript(s string) (Transcript, error) {
	var t Transcript
	err := json.Unmarshal([]byte(s), &t)
	return t, err
}

// Metadata is the decoded form of the Metadata string.
type Metadata struct {
	Text      string      `json:"text"`
	Words     []Word      `json:"words"`
	Segments  []int       `json:"segments"`
	Features  [][]float32 `json:"features"`
	Spk       []float32   `json:"spk"`
	SpkFrames int         `json:"spk_frames"`
}

// ParseMetadata decodes a Metadata string. A plain result string decodes
// with only Text set.
func ParseMetadata(s string) (Metadata, error) {
	var m Metadata
	err := json.Unmarshal([]byte(s), &m)
	return m, err
}

func textJSON(text string) string {
	return `{"text": ` + quote(text) + `}`
}

func partialJSON(text string) string {
	return `{"partial": ` + quote(text) + `}`
}

func quote(s string) string {
	b, err := marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

// marshal encodes v without HTML escaping so tokens such as <unk> stay
// readable.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
