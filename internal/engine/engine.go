// Package engine declares the contracts between the recognizer and the native
// acoustic-decoding and WFST libraries it runs on. The recognizer never looks
// behind these interfaces; a Backend supplies every implementation.
package engine

import (
	"errors"

	"github.com/loqalabs/loqa-stt/internal/wfst"
)

// ErrAllocation reports that a backend could not allocate memory for an
// extraction step. Callers treat it as transient.
var ErrAllocation = errors.New("engine: allocation failure")

// AcousticModel is the loaded transition model plus neural scoring network.
type AcousticModel interface {
	Close() error
}

// AdaptationState seeds the adaptive (ivector) feature channel. Bundles keep a
// template and sessions receive clones.
type AdaptationState interface {
	Clone() AdaptationState
}

// CMVNState is the online cepstral mean/variance normalisation state.
type CMVNState interface {
	Clone() CMVNState
}

// FrameWeight is a change to the weight of one feature frame in the adaptive
// channel statistics.
type FrameWeight struct {
	Frame int
	Delta float32
}

// FeaturePipeline turns waveform samples into acoustic feature frames.
type FeaturePipeline interface {
	AcceptWaveform(sampleRate float64, samples []float32)
	InputFinished()
	NumFramesReady() int
	Dim() int
	Frame(i int) []float32
	SetAdaptationState(AdaptationState)
	SetCMVNState(CMVNState)
	// HasAdaptiveChannel reports whether an ivector-like side channel exists.
	HasAdaptiveChannel() bool
	UpdateFrameWeights([]FrameWeight)
}

// SpeakerFeature is the secondary MFCC stream used for speaker embeddings.
type SpeakerFeature interface {
	AcceptWaveform(sampleRate float64, samples []float32)
	NumFramesReady() int
	Dim() int
	Frame(i int) []float32
}

// SpeakerNetwork projects normalised speaker features to an embedding.
type SpeakerNetwork interface {
	Project(features [][]float32) ([]float32, error)
	Close() error
}

// Decoder is a single-utterance online decoder bound to one graph and one
// feature pipeline.
type Decoder interface {
	AdvanceDecoding()
	FinalizeDecoding()
	// InitDecoding restarts search at frameOffset without dropping features.
	InitDecoding(frameOffset int)
	NumFramesDecoded() int
	EndpointDetected(cfg EndpointConfig) bool
	// BestPath returns the word labels of the current best path.
	BestPath(final bool) []wfst.Label
	// Traceback returns the phone on the best path for each decoded frame.
	Traceback() []int32
	Lattice(final bool) (CompactLattice, error)
}

// Lattice is an expanded (state-level) lattice.
type Lattice interface {
	NumStates() int
}

// CompactLattice carries words on arcs with acoustic and graph costs.
type CompactLattice interface {
	NumStates() int
}

// WordBoundary is the word-boundary table used for word alignment.
type WordBoundary interface{}

// BackoffLM is a compact higher-order backoff language model.
type BackoffLM interface{}

// WordHypothesis is one word of a minimum-Bayes-risk one-best.
type WordHypothesis struct {
	Word       wfst.Label
	Confidence float32
	// StartFrame and EndFrame are decoder frames relative to the lattice start.
	StartFrame float32
	EndFrame   float32
}

// GraphOps are the WFST algebra primitives.
type GraphOps interface {
	LookaheadCompose(hcl, g wfst.Fst, disambig []wfst.Label) (wfst.Fst, error)
	// MapToLattice maps a standard tropical graph into the lattice semiring.
	MapToLattice(lm wfst.Fst) (Lattice, error)
	ConvertToLattice(clat CompactLattice) Lattice
	ConvertToCompact(lat Lattice) CompactLattice
	ScaleGraph(lat Lattice, scale float32)
	ScaleCompactGraph(clat CompactLattice, scale float32)
	ArcSortOutput(lat Lattice)
	ArcSortCompactOutput(clat CompactLattice)
	Compose(lat Lattice, lm Lattice) (Lattice, error)
	Invert(lat Lattice)
	Determinize(lat Lattice) (CompactLattice, error)
	ComposeDeterministic(clat CompactLattice, lm BackoffLM) (CompactLattice, error)
	ShortestPath(clat CompactLattice) ([]wfst.Label, error)
	WordAlign(clat CompactLattice, am AcousticModel, wb WordBoundary) (CompactLattice, error)
	MinimumBayesRisk(clat CompactLattice) ([]WordHypothesis, error)
}

// Backend is a native library binding: it reads model files and constructs
// per-session objects.
type Backend interface {
	Name() string
	LoadAcousticModel(path string, cfg DecodeConfig) (AcousticModel, error)
	ReadGraph(path string) (wfst.Fst, error)
	ReadWordBoundary(path string) (WordBoundary, error)
	ReadBackoffLM(path string) (BackoffLM, error)
	ReadCMVNStats(path string) (CMVNState, error)
	NewCMVNState() CMVNState
	NewAdaptationState(cfg FeatureConfig) AdaptationState
	NewFeaturePipeline(cfg FeatureConfig) FeaturePipeline
	NewDecoder(cfg DecodeConfig, am AcousticModel, graph wfst.Fst, features FeaturePipeline) Decoder
	NewSpeakerFeature(cfg SpeakerFeatureConfig) SpeakerFeature
	LoadSpeakerNetwork(path string) (SpeakerNetwork, error)
	GraphOps() GraphOps
}
