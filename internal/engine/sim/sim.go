// Package sim is a deterministic, dependency-free engine backend. It classifies
// audio frames by amplitude, turns each speech segment into one word and builds
// small n-best lattices, which is enough to drive every recognizer code path
// without native libraries.
//
// Graph and language-model files use the symbol table text format with an
// optional third column holding a per-word cost:
//
//	yes 1 0.5
//	no 2
package sim

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/loqalabs/loqa-stt/internal/wfst"
)

const (
	defaultSpeechThreshold = 500
	defaultSilencePhone    = 1
	defaultSpeechPhone     = 10
	defaultAlternateCost   = 1.0
	defaultEmbeddingDim    = 128
)

// Options tunes the simulated recognizer.
type Options struct {
	// Script lists words emitted for successive speech segments. When empty
	// the decoder cycles through the graph vocabulary.
	Script []string
	// Alternates adds a competing hypothesis per word to every lattice.
	Alternates map[string]string
	// AlternateCost is the extra graph cost of an alternate hypothesis.
	AlternateCost float32
	// SpeechThreshold is the mean absolute amplitude above which a frame
	// counts as speech.
	SpeechThreshold float32
	SilencePhone    int32
	SpeechPhone     int32
	EmbeddingDim    int
	// FailMetadata makes word alignment and MBR report engine.ErrAllocation.
	FailMetadata bool
}

func (o Options) withDefaults() Options {
	if o.SpeechThreshold <= 0 {
		o.SpeechThreshold = defaultSpeechThreshold
	}
	if o.SilencePhone == 0 {
		o.SilencePhone = defaultSilencePhone
	}
	if o.SpeechPhone == 0 {
		o.SpeechPhone = defaultSpeechPhone
	}
	if o.AlternateCost == 0 {
		o.AlternateCost = defaultAlternateCost
	}
	if o.EmbeddingDim <= 0 {
		o.EmbeddingDim = defaultEmbeddingDim
	}
	return o
}

// Backend implements engine.Backend.
type Backend struct {
	opts Options
	ops  *graphOps
}

var _ engine.Backend = (*Backend)(nil)

func New(opts Options) *Backend {
	opts = opts.withDefaults()
	return &Backend{opts: opts, ops: &graphOps{opts: opts}}
}

func (b *Backend) Name() string { return "sim" }

func (b *Backend) GraphOps() engine.GraphOps { return b.ops }

// Graph is a simulated decoding graph: a vocabulary with optional costs.
type Graph struct {
	symbols *wfst.SymbolTable
	// allowed restricts the vocabulary; nil admits every symbol.
	allowed map[wfst.Label]bool
	costs   map[wfst.Label]float32
}

// NewGraph builds a graph over every word of symbols.
func NewGraph(symbols *wfst.SymbolTable) *Graph {
	return &Graph{symbols: symbols, costs: map[wfst.Label]float32{}}
}

// NewLanguageModel builds a graph whose words carry the given costs.
func NewLanguageModel(symbols *wfst.SymbolTable, costs map[string]float32) *Graph {
	g := NewGraph(symbols)
	for word, cost := range costs {
		if l, ok := symbols.Find(word); ok {
			g.costs[l] = cost
		}
	}
	return g
}

func (g *Graph) OutputSymbols() *wfst.SymbolTable { return g.symbols }

func (g *Graph) admits(l wfst.Label) bool {
	if g.allowed == nil {
		return true
	}
	return g.allowed[l]
}

func (g *Graph) cost(labels []wfst.Label) float32 {
	var total float32
	for _, l := range labels {
		total += g.costs[l]
	}
	return total
}

// vocabulary lists admitted word labels in label order, skipping epsilon and
// auxiliary symbols.
func (g *Graph) vocabulary() []wfst.Label {
	if g.symbols == nil {
		return nil
	}
	var labels []wfst.Label
	for _, l := range g.symbols.Labels() {
		word := g.symbols.Symbol(l)
		if l == wfst.Epsilon || word == "<eps>" || strings.HasPrefix(word, "#") {
			continue
		}
		if g.admits(l) {
			labels = append(labels, l)
		}
	}
	return labels
}

func readGraphFile(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	symbols := wfst.NewSymbolTable(path)
	costs := map[wfst.Label]float32{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("sim graph %s: malformed line %q", path, scanner.Text())
		}
		id, err := strconv.ParseInt(fields[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("sim graph %s: %w", path, err)
		}
		symbols.Add(fields[0], wfst.Label(id))
		if len(fields) > 2 {
			c, err := strconv.ParseFloat(fields[2], 32)
			if err != nil {
				return nil, fmt.Errorf("sim graph %s: %w", path, err)
			}
			costs[wfst.Label(id)] = float32(c)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	g := &Graph{costs: costs}
	if symbols.Len() > 0 {
		g.symbols = symbols
	}
	return g, nil
}

type acousticModel struct{ path string }

func (*acousticModel) Close() error { return nil }

func (b *Backend) LoadAcousticModel(path string, _ engine.DecodeConfig) (engine.AcousticModel, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("sim: acoustic model: %w", err)
	}
	return &acousticModel{path: path}, nil
}

func (b *Backend) ReadGraph(path string) (wfst.Fst, error) {
	return readGraphFile(path)
}

type wordBoundary struct{}

func (b *Backend) ReadWordBoundary(path string) (engine.WordBoundary, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return &wordBoundary{}, nil
}

func (b *Backend) ReadBackoffLM(path string) (engine.BackoffLM, error) {
	return readGraphFile(path)
}

type cmvnState struct{ frames int }

func (c *cmvnState) Clone() engine.CMVNState {
	cp := *c
	return &cp
}

func (b *Backend) ReadCMVNStats(path string) (engine.CMVNState, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return &cmvnState{}, nil
}

func (b *Backend) NewCMVNState() engine.CMVNState { return &cmvnState{} }

// AdaptationState is the simulated ivector adaptation state.
type AdaptationState struct {
	Online bool
	Frames int
}

func (a *AdaptationState) Clone() engine.AdaptationState {
	cp := *a
	return &cp
}

func (b *Backend) NewAdaptationState(cfg engine.FeatureConfig) engine.AdaptationState {
	return &AdaptationState{Online: cfg.Online}
}

func (b *Backend) NewFeaturePipeline(cfg engine.FeatureConfig) engine.FeaturePipeline {
	return newFeaturePipeline(cfg)
}

func (b *Backend) NewDecoder(cfg engine.DecodeConfig, _ engine.AcousticModel, graph wfst.Fst, features engine.FeaturePipeline) engine.Decoder {
	return newDecoder(cfg, b.opts, asGraph(graph), features)
}

func (b *Backend) NewSpeakerFeature(cfg engine.SpeakerFeatureConfig) engine.SpeakerFeature {
	return newSpeakerFeature(cfg)
}

func (b *Backend) LoadSpeakerNetwork(path string) (engine.SpeakerNetwork, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("sim: speaker network: %w", err)
	}
	return &speakerNetwork{dim: b.opts.EmbeddingDim}, nil
}

// asGraph adapts any Fst to a simulated graph. Mutable transducers built by
// the recognizer (grammar loops) restrict the vocabulary to the output
// labels on their successful paths.
func asGraph(f wfst.Fst) *Graph {
	switch g := f.(type) {
	case *Graph:
		return g
	case *wfst.VectorFst:
		return &Graph{symbols: g.OutputSymbols(), allowed: pathLabels(g), costs: map[wfst.Label]float32{}}
	case nil:
		return &Graph{allowed: map[wfst.Label]bool{}}
	default:
		return &Graph{symbols: f.OutputSymbols(), costs: map[wfst.Label]float32{}}
	}
}

var errNilGraph = errors.New("sim: nil graph")

// pathLabels collects the non-epsilon output labels of arcs that lie on a
// path from the start state to a final state.
func pathLabels(f *wfst.VectorFst) map[wfst.Label]bool {
	labels := map[wfst.Label]bool{}
	n := f.NumStates()
	start := f.Start()
	if start < 0 || start >= n {
		return labels
	}

	reached := make([]bool, n)
	reached[start] = true
	queue := []int{start}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for _, arc := range f.Arcs(s) {
			if !reached[arc.NextState] {
				reached[arc.NextState] = true
				queue = append(queue, arc.NextState)
			}
		}
	}

	// A state is useful when a final state can be reached from it.
	useful := make([]bool, n)
	for s := range n {
		useful[s] = f.Final(s) != wfst.Zero
	}
	for changed := true; changed; {
		changed = false
		for s := range n {
			if useful[s] {
				continue
			}
			for _, arc := range f.Arcs(s) {
				if useful[arc.NextState] {
					useful[s], changed = true, true
					break
				}
			}
		}
	}

	for s := range n {
		if !reached[s] {
			continue
		}
		for _, arc := range f.Arcs(s) {
			if arc.OLabel != wfst.Epsilon && useful[arc.NextState] {
				labels[arc.OLabel] = true
			}
		}
	}
	return labels
}
