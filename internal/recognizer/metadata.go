package recognizer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-stt/internal/engine"
)

const unknownWord = "<unk>"

// alignWords runs word alignment and MBR over clat and converts frame times
// to stream seconds. Any failure, allocation included, is returned to the
// caller, which drops the metadata.
func (s *Session) alignWords(clat engine.CompactLattice) ([]Word, error) {
	ops := s.bundle.Backend().GraphOps()

	aligned := clat
	if wb := s.bundle.WordBoundary(); wb != nil {
		var err error
		aligned, err = ops.WordAlign(clat, s.bundle.Acoustic(), wb)
		if err != nil {
			return nil, fmt.Errorf("word align: %w", err)
		}
	}
	hyps, err := ops.MinimumBayesRisk(aligned)
	if err != nil {
		return nil, fmt.Errorf("minimum bayes risk: %w", err)
	}

	roundStart := float64(s.samplesRoundStart) / s.sampleRate
	frame := s.bundle.FrameDuration().Seconds()
	offset := float64(s.frameOffset)
	symbols := s.bundle.Symbols()

	words := make([]Word, len(hyps))
	for i, h := range hyps {
		words[i] = Word{
			Word:  symbols.Symbol(h.Word),
			Start: roundStart + (offset+float64(h.StartFrame))*frame,
			End:   roundStart + (offset+float64(h.EndFrame))*frame,
			Conf:  float64(h.Confidence),
		}
	}
	return words, nil
}

// extractMetadata appends the utterance's words to the session metadata or,
// on failure, drops the metadata entirely.
func (s *Session) extractMetadata(ctx context.Context, clat engine.CompactLattice) {
	words, err := s.alignWords(clat)
	if err != nil {
		s.log.Warn("no metadata is generated", slogError(err))
		s.metrics.MetadataDegradations.Add(ctx, 1)
		s.meta = nil
		s.uttConfidence = 0
		return
	}

	// <unk> is left out of the sum but not the count.
	var sum float64
	texts := make([]string, len(words))
	for i, w := range words {
		if w.Word != unknownWord {
			sum += w.Conf
		}
		texts[i] = w.Word
	}
	s.uttConfidence = 0
	if len(words) > 0 {
		s.uttConfidence = sum / float64(len(words))
	}

	if s.meta == nil {
		s.meta = &metadata{Words: []Word{}}
	}
	s.meta.Words = append(s.meta.Words, words...)
	text := strings.Join(texts, " ")
	if s.meta.Text == "" {
		s.meta.Text = text
	} else {
		s.meta.Text += " " + text
	}
}

// Metadata returns word timings for everything recognized so far, or the last
// result when no metadata is available.
func (s *Session) Metadata() string {
	if s.meta == nil {
		return s.lastResult
	}
	m := *s.meta
	m.Segments = s.segments
	m.Spk = s.spkVector
	m.SpkFrames = s.spkFrames
	if s.opts.IncludeFeatures {
		m.Features = s.featureFrames()
	}
	data, err := marshal(m)
	if err != nil {
		s.log.Warn("failed to encode metadata", slogError(err))
		return s.lastResult
	}
	return s.store(string(data))
}

// featureFrames dumps the acoustic frames. With an adaptive channel only the
// cepstra are kept.
func (s *Session) featureFrames() [][]float32 {
	n := s.features.NumFramesReady()
	dim := s.features.Dim()
	if s.features.HasAdaptiveChannel() && s.featCfg.NumCeps > 0 && s.featCfg.NumCeps < dim {
		dim = s.featCfg.NumCeps
	}
	frames := make([][]float32, n)
	for i := range n {
		frames[i] = s.features.Frame(i)[:dim]
	}
	return frames
}

// UtteranceConfidence is the mean word confidence of the last utterance.
func (s *Session) UtteranceConfidence() float64 { return s.uttConfidence }

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
