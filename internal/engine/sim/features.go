package sim

import (
	"math"

	"github.com/loqalabs/loqa-stt/internal/engine"
)

// frameSource slices a waveform into fixed-shift frames and keeps the mean
// absolute amplitude and zero-crossing rate of each.
type frameSource struct {
	shiftMS  float64
	residue  []float32
	energy   []float32
	crossing []float32
	finished bool
}

func (s *frameSource) accept(sampleRate float64, samples []float32) {
	shift := int(math.Round(sampleRate * s.shiftMS / 1000))
	if shift <= 0 {
		shift = 1
	}
	s.residue = append(s.residue, samples...)
	for len(s.residue) >= shift {
		s.push(s.residue[:shift])
		s.residue = s.residue[shift:]
	}
	s.residue = append([]float32(nil), s.residue...)
}

func (s *frameSource) flush() {
	if s.finished {
		return
	}
	s.finished = true
	if len(s.residue) > 0 {
		s.push(s.residue)
		s.residue = nil
	}
}

func (s *frameSource) push(frame []float32) {
	var sum float64
	var crossings int
	for i, v := range frame {
		sum += math.Abs(float64(v))
		if i > 0 && (frame[i-1] < 0) != (v < 0) {
			crossings++
		}
	}
	s.energy = append(s.energy, float32(sum/float64(len(frame))))
	s.crossing = append(s.crossing, float32(crossings)/float32(len(frame)))
}

func (s *frameSource) vector(i, dim int) []float32 {
	v := make([]float32, dim)
	if dim == 0 {
		return v
	}
	v[0] = s.energy[i]
	if dim > 1 {
		v[1] = s.crossing[i]
	}
	for k := 2; k < dim; k++ {
		v[k] = s.energy[i] / float32(k+1)
	}
	return v
}

// FeaturePipeline implements engine.FeaturePipeline.
type FeaturePipeline struct {
	cfg        engine.FeatureConfig
	src        frameSource
	adaptation engine.AdaptationState
	cmvn       engine.CMVNState
	weights    map[int]float32
}

func newFeaturePipeline(cfg engine.FeatureConfig) *FeaturePipeline {
	shift := cfg.FrameShiftMS
	if shift <= 0 {
		shift = 10
	}
	return &FeaturePipeline{
		cfg:     cfg,
		src:     frameSource{shiftMS: shift},
		weights: make(map[int]float32),
	}
}

func (p *FeaturePipeline) AcceptWaveform(sampleRate float64, samples []float32) {
	p.src.accept(sampleRate, samples)
}

func (p *FeaturePipeline) InputFinished() { p.src.flush() }

func (p *FeaturePipeline) NumFramesReady() int { return len(p.src.energy) }

func (p *FeaturePipeline) Dim() int {
	if p.cfg.NumCeps <= 0 {
		return 13
	}
	return p.cfg.NumCeps
}

func (p *FeaturePipeline) Frame(i int) []float32 { return p.src.vector(i, p.Dim()) }

func (p *FeaturePipeline) SetAdaptationState(s engine.AdaptationState) { p.adaptation = s }

func (p *FeaturePipeline) SetCMVNState(s engine.CMVNState) { p.cmvn = s }

func (p *FeaturePipeline) AdaptationState() engine.AdaptationState { return p.adaptation }

func (p *FeaturePipeline) HasAdaptiveChannel() bool { return p.cfg.UseIvectors }

func (p *FeaturePipeline) UpdateFrameWeights(deltas []engine.FrameWeight) {
	for _, d := range deltas {
		p.weights[d.Frame] += d.Delta
	}
}

// FrameWeight returns the accumulated adaptive-channel weight of frame i.
func (p *FeaturePipeline) FrameWeight(i int) (float32, bool) {
	w, ok := p.weights[i]
	return w, ok
}

// SpeakerFeature implements engine.SpeakerFeature.
type SpeakerFeature struct {
	cfg engine.SpeakerFeatureConfig
	src frameSource
}

func newSpeakerFeature(cfg engine.SpeakerFeatureConfig) *SpeakerFeature {
	shift := cfg.FrameShiftMS
	if shift <= 0 {
		shift = 10
	}
	return &SpeakerFeature{cfg: cfg, src: frameSource{shiftMS: shift}}
}

func (f *SpeakerFeature) AcceptWaveform(sampleRate float64, samples []float32) {
	f.src.accept(sampleRate, samples)
}

func (f *SpeakerFeature) NumFramesReady() int { return len(f.src.energy) }

func (f *SpeakerFeature) Dim() int {
	if f.cfg.NumCeps <= 0 {
		return 30
	}
	return f.cfg.NumCeps
}

func (f *SpeakerFeature) Frame(i int) []float32 { return f.src.vector(i, f.Dim()) }

type speakerNetwork struct{ dim int }

// Project averages each input dimension over time and spreads the result
// across the embedding.
func (n *speakerNetwork) Project(features [][]float32) ([]float32, error) {
	out := make([]float32, n.dim)
	if len(features) == 0 || len(features[0]) == 0 {
		return out, nil
	}
	in := len(features[0])
	for j := range out {
		var sum float32
		for _, row := range features {
			sum += row[j%in]
		}
		out[j] = sum / float32(len(features)) * float32(j%7+1)
	}
	return out, nil
}

func (n *speakerNetwork) Close() error { return nil }
