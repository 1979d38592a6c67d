// Package model loads and shares the read-only resources recognizers run on.
package model

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/loqalabs/loqa-stt/internal/rescore"
	"github.com/loqalabs/loqa-stt/internal/wfst"
)

var (
	ErrNoDecodingGraph    = errors.New("model: no decoding graph")
	ErrNoSymbolTable      = errors.New("model: no word symbol table")
	ErrInvalidFeatureType = errors.New("model: invalid feature type")
)

// Graph is the decoding graph a bundle carries: CompiledGraph or
// LookaheadGraph.
type Graph interface {
	graph()
}

// CompiledGraph is a fully composed HCLG graph.
type CompiledGraph struct {
	FST wfst.Fst
}

// LookaheadGraph is composed per session from a left-context graph and a
// grammar.
type LookaheadGraph struct {
	HCL      wfst.Fst
	G        wfst.Fst
	Disambig []wfst.Label
}

func (CompiledGraph) graph()  {}
func (LookaheadGraph) graph() {}

// Resources are the loaded parts of a bundle.
type Resources struct {
	Backend      engine.Backend
	Acoustic     engine.AcousticModel
	Options      Options
	Graph        Graph
	Symbols      *wfst.SymbolTable
	WordBoundary engine.WordBoundary
	// Rescoring enables the second pass; BackoffLM is optional on top of it.
	Rescoring  wfst.Fst
	BackoffLM  engine.BackoffLM
	Adaptation engine.AdaptationState
	CMVN       engine.CMVNState
}

// Bundle is shared by every session opened on it and is never mutated after
// New returns. Sessions Retain it and Release when closed.
type Bundle struct {
	backend    engine.Backend
	acoustic   engine.AcousticModel
	opts       Options
	graph      Graph
	symbols    *wfst.SymbolTable
	boundary   engine.WordBoundary
	rescorer   *rescore.Pipeline
	adaptation engine.AdaptationState
	cmvn       engine.CMVNState
	log        *slog.Logger

	refs atomic.Int64
}

// New validates res and returns a bundle holding one reference.
func New(res Resources, log *slog.Logger) (*Bundle, error) {
	if log == nil {
		log = slog.Default()
	}
	if res.Backend == nil {
		return nil, errors.New("model: backend required")
	}
	if res.Acoustic == nil {
		return nil, errors.New("model: acoustic model required")
	}
	switch g := res.Graph.(type) {
	case CompiledGraph:
		if g.FST == nil {
			return nil, ErrNoDecodingGraph
		}
	case LookaheadGraph:
		if g.HCL == nil || g.G == nil {
			return nil, ErrNoDecodingGraph
		}
	default:
		return nil, ErrNoDecodingGraph
	}
	if res.Symbols == nil {
		return nil, ErrNoSymbolTable
	}
	if err := validateOptions(res.Options); err != nil {
		return nil, err
	}

	b := &Bundle{
		backend:    res.Backend,
		acoustic:   res.Acoustic,
		opts:       res.Options,
		graph:      res.Graph,
		symbols:    res.Symbols,
		boundary:   res.WordBoundary,
		adaptation: res.Adaptation,
		cmvn:       res.CMVN,
		log:        log.With(slog.String("component", "model")),
	}
	if b.adaptation == nil {
		b.adaptation = res.Backend.NewAdaptationState(res.Options.Feature)
	}
	if b.cmvn == nil {
		b.cmvn = res.Backend.NewCMVNState()
	}
	if res.Rescoring != nil {
		p, err := rescore.New(res.Backend.GraphOps(), res.Rescoring, res.BackoffLM, log)
		if err != nil {
			return nil, err
		}
		b.rescorer = p
	}
	b.refs.Store(1)
	return b, nil
}

// Retain adds a reference. Retaining a freed bundle panics.
func (b *Bundle) Retain() { retain(&b.refs, "model: retain of released bundle") }

// Release drops a reference and frees the acoustic model when the last one
// goes. It reports whether this call freed the bundle.
func (b *Bundle) Release() bool {
	n := b.refs.Add(-1)
	if n < 0 {
		panic("model: bundle released too many times")
	}
	if n != 0 {
		return false
	}
	if err := b.acoustic.Close(); err != nil {
		b.log.Warn("failed to close acoustic model", slog.String("error", err.Error()))
	}
	b.log.Debug("model released")
	return true
}

// retain increments refs unless it already reached zero. A count that hit
// zero never comes back.
func retain(refs *atomic.Int64, msg string) {
	for {
		n := refs.Load()
		if n <= 0 {
			panic(msg)
		}
		if refs.CompareAndSwap(n, n+1) {
			return
		}
	}
}

// Refs returns the current reference count.
func (b *Bundle) Refs() int64 { return b.refs.Load() }

func (b *Bundle) Backend() engine.Backend { return b.backend }
func (b *Bundle) Acoustic() engine.AcousticModel { return b.acoustic }
func (b *Bundle) Graph() Graph { return b.graph }
func (b *Bundle) Symbols() *wfst.SymbolTable { return b.symbols }
func (b *Bundle) WordBoundary() engine.WordBoundary { return b.boundary }
func (b *Bundle) Rescorer() *rescore.Pipeline { return b.rescorer }
func (b *Bundle) DecodeConfig() engine.DecodeConfig { return b.opts.Decode }
func (b *Bundle) EndpointConfig() engine.EndpointConfig { return b.opts.Endpoint }
func (b *Bundle) FeatureConfig() engine.FeatureConfig { return b.opts.Feature }

// NewAdaptationState returns a private copy of the default adaptation state.
func (b *Bundle) NewAdaptationState() engine.AdaptationState { return b.adaptation.Clone() }

// NewCMVNState returns a private copy of the default CMVN state.
func (b *Bundle) NewCMVNState() engine.CMVNState { return b.cmvn.Clone() }

// SampleFrequency is the rate the acoustic features were trained on.
func (b *Bundle) SampleFrequency() float64 { return b.opts.Feature.SampleFrequency }

// FrameDuration is the length of one decoder frame.
func (b *Bundle) FrameDuration() time.Duration {
	return engine.FrameDuration(b.opts.Decode, b.opts.Feature)
}

// SubsamplingFactor maps decoder frames to feature frames.
func (b *Bundle) SubsamplingFactor() int {
	if b.opts.Decode.FrameSubsampling <= 0 {
		return 1
	}
	return b.opts.Decode.FrameSubsampling
}

func (b *Bundle) String() string {
	kind := "compiled"
	if _, ok := b.graph.(LookaheadGraph); ok {
		kind = "lookahead"
	}
	return fmt.Sprintf("model(%s, %s graph, %d words)", b.backend.Name(), kind, b.symbols.Len())
}
