package recognizer

import (
	"github.com/loqalabs/loqa-stt/internal/engine"
)

// silenceWeighting feeds the decoder's own best path back into the adaptive
// feature channel so silence contributes less to speaker adaptation.
type silenceWeighting struct {
	phones map[int32]bool
	weight float32
	sub    int
	active bool
	// sent holds the weight already pushed for each feature frame.
	sent map[int]float32
}

func newSilenceWeighting(cfg engine.FeatureConfig, sub int) *silenceWeighting {
	phones, _ := engine.ParsePhoneList(cfg.SilencePhones)
	set := make(map[int32]bool, len(phones))
	for _, p := range phones {
		set[p] = true
	}
	if sub <= 0 {
		sub = 1
	}
	return &silenceWeighting{
		phones: set,
		weight: cfg.SilenceWeight,
		sub:    sub,
		active: cfg.SilenceWeightingActive(),
		sent:   make(map[int]float32),
	}
}

func (s *silenceWeighting) Active() bool { return s.active }

// Update pushes weight changes derived from the decoder traceback. Nothing
// happens unless weighting is active and the pipeline has an adaptive
// channel.
func (s *silenceWeighting) Update(features engine.FeaturePipeline, decoder engine.Decoder, frameOffset int) {
	if !s.active || !features.HasAdaptiveChannel() {
		return
	}
	ready := features.NumFramesReady()
	if ready == 0 {
		return
	}
	if deltas := s.deltas(decoder.Traceback(), frameOffset, ready); len(deltas) > 0 {
		features.UpdateFrameWeights(deltas)
	}
}

// deltas maps each decoded frame onto its feature frames and returns the
// change against what was already sent.
func (s *silenceWeighting) deltas(traceback []int32, frameOffset, numFeatureFrames int) []engine.FrameWeight {
	var out []engine.FrameWeight
	for i, phone := range traceback {
		w := float32(1)
		if s.phones[phone] {
			w = s.weight
		}
		base := (frameOffset + i) * s.sub
		for k := 0; k < s.sub; k++ {
			f := base + k
			if f >= numFeatureFrames {
				break
			}
			if delta := w - s.sent[f]; delta != 0 {
				out = append(out, engine.FrameWeight{Frame: f, Delta: delta})
				s.sent[f] = w
			}
		}
	}
	return out
}

// NonsilenceFrames returns the decoder frames of the current utterance whose
// best-path phone is not a silence phone. With no silence phones configured
// every decoded frame counts.
func (s *silenceWeighting) NonsilenceFrames(decoder engine.Decoder) map[int]bool {
	frames := make(map[int]bool)
	for i, phone := range decoder.Traceback() {
		if !s.phones[phone] {
			frames[i] = true
		}
	}
	return frames
}
