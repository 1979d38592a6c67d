package sim

import (
	"fmt"
	"math"

	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/loqalabs/loqa-stt/internal/wfst"
)

type path struct {
	words     []wfst.Label
	spans     [][2]int
	graphCost float32
	acCost    float32
}

func (p path) clone() path {
	return path{
		words:     append([]wfst.Label(nil), p.words...),
		spans:     append([][2]int(nil), p.spans...),
		graphCost: p.graphCost,
		acCost:    p.acCost,
	}
}

func (p path) cost() float32 { return p.graphCost + p.acCost }

// Lattice is an explicit n-best list standing in for both lattice forms.
type Lattice struct {
	symbols  *wfst.SymbolTable
	paths    []path
	compact  bool
	inverted bool
	aligned  bool
}

// Hypothesis is one path handed to NewLattice. Words are spaced one decoder
// frame apart.
type Hypothesis struct {
	Words []string
	Cost  float32
}

// NewLattice builds a compact lattice from explicit hypotheses. Words missing
// from symbols are skipped.
func NewLattice(symbols *wfst.SymbolTable, hyps ...Hypothesis) *Lattice {
	lat := &Lattice{symbols: symbols, compact: true}
	for _, h := range hyps {
		p := path{graphCost: h.Cost}
		for _, w := range h.Words {
			l, ok := symbols.Find(w)
			if !ok {
				continue
			}
			n := len(p.words)
			p.words = append(p.words, l)
			p.spans = append(p.spans, [2]int{n, n + 1})
		}
		lat.paths = append(lat.paths, p)
	}
	return lat
}

func (l *Lattice) NumStates() int {
	if len(l.paths) == 0 {
		return 0
	}
	longest := 0
	for _, p := range l.paths {
		if len(p.words) > longest {
			longest = len(p.words)
		}
	}
	return longest + 1
}

// Paths returns the number of distinct hypotheses.
func (l *Lattice) Paths() int { return len(l.paths) }

// Aligned reports whether word alignment ran on the lattice.
func (l *Lattice) Aligned() bool { return l.aligned }

func (l *Lattice) copy(compact bool) *Lattice {
	out := &Lattice{symbols: l.symbols, compact: compact, inverted: l.inverted, aligned: l.aligned}
	for _, p := range l.paths {
		out.paths = append(out.paths, p.clone())
	}
	return out
}

// lmLattice is a language model mapped into the lattice semiring.
type lmLattice struct{ g *Graph }

func (l *lmLattice) NumStates() int { return len(l.g.vocabulary()) + 1 }

type graphOps struct{ opts Options }

var _ engine.GraphOps = (*graphOps)(nil)

func asLattice(v any) (*Lattice, error) {
	l, ok := v.(*Lattice)
	if !ok || l == nil {
		return nil, fmt.Errorf("sim: unsupported lattice %T", v)
	}
	return l, nil
}

func (o *graphOps) LookaheadCompose(hcl, g wfst.Fst, _ []wfst.Label) (wfst.Fst, error) {
	if hcl == nil || g == nil {
		return nil, errNilGraph
	}
	composed := *asGraph(g)
	if composed.symbols == nil {
		composed.symbols = hcl.OutputSymbols()
	}
	return &composed, nil
}

func (o *graphOps) MapToLattice(lm wfst.Fst) (engine.Lattice, error) {
	if lm == nil {
		return nil, errNilGraph
	}
	return &lmLattice{g: asGraph(lm)}, nil
}

func (o *graphOps) ConvertToLattice(clat engine.CompactLattice) engine.Lattice {
	l, err := asLattice(clat)
	if err != nil {
		return &Lattice{}
	}
	return l.copy(false)
}

func (o *graphOps) ConvertToCompact(lat engine.Lattice) engine.CompactLattice {
	l, err := asLattice(lat)
	if err != nil {
		return &Lattice{compact: true}
	}
	return l.copy(true)
}

func (o *graphOps) scale(v any, s float32) {
	if l, err := asLattice(v); err == nil {
		for i := range l.paths {
			l.paths[i].graphCost *= s
		}
	}
}

func (o *graphOps) ScaleGraph(lat engine.Lattice, s float32) { o.scale(lat, s) }

func (o *graphOps) ScaleCompactGraph(clat engine.CompactLattice, s float32) { o.scale(clat, s) }

// Paths are kept in insertion order; sorting is a no-op.
func (o *graphOps) ArcSortOutput(engine.Lattice) {}

func (o *graphOps) ArcSortCompactOutput(engine.CompactLattice) {}

func (o *graphOps) Compose(lat engine.Lattice, lm engine.Lattice) (engine.Lattice, error) {
	l, err := asLattice(lat)
	if err != nil {
		return nil, err
	}
	m, ok := lm.(*lmLattice)
	if !ok {
		return nil, fmt.Errorf("sim: unsupported language model %T", lm)
	}
	out := l.copy(false)
	for i := range out.paths {
		out.paths[i].graphCost += m.g.cost(out.paths[i].words)
	}
	return out, nil
}

func (o *graphOps) Invert(lat engine.Lattice) {
	if l, err := asLattice(lat); err == nil {
		l.inverted = !l.inverted
	}
}

// Determinize merges paths with identical word sequences, keeping the
// cheapest.
func (o *graphOps) Determinize(lat engine.Lattice) (engine.CompactLattice, error) {
	l, err := asLattice(lat)
	if err != nil {
		return nil, err
	}
	out := &Lattice{symbols: l.symbols, compact: true, inverted: l.inverted, aligned: l.aligned}
	seen := map[string]int{}
	for _, p := range l.paths {
		key := fmt.Sprint(p.words)
		if i, ok := seen[key]; ok {
			if p.cost() < out.paths[i].cost() {
				out.paths[i] = p.clone()
			}
			continue
		}
		seen[key] = len(out.paths)
		out.paths = append(out.paths, p.clone())
	}
	return out, nil
}

func (o *graphOps) ComposeDeterministic(clat engine.CompactLattice, lm engine.BackoffLM) (engine.CompactLattice, error) {
	l, err := asLattice(clat)
	if err != nil {
		return nil, err
	}
	out := l.copy(true)
	g, ok := lm.(*Graph)
	if !ok || g == nil {
		return out, nil
	}
	for i := range out.paths {
		out.paths[i].graphCost += g.cost(out.paths[i].words)
	}
	return out, nil
}

func (l *Lattice) best() (path, bool) {
	if len(l.paths) == 0 {
		return path{}, false
	}
	best := l.paths[0]
	for _, p := range l.paths[1:] {
		if p.cost() < best.cost() {
			best = p
		}
	}
	return best, true
}

func (o *graphOps) ShortestPath(clat engine.CompactLattice) ([]wfst.Label, error) {
	l, err := asLattice(clat)
	if err != nil {
		return nil, err
	}
	best, ok := l.best()
	if !ok {
		return nil, nil
	}
	return append([]wfst.Label(nil), best.words...), nil
}

func (o *graphOps) WordAlign(clat engine.CompactLattice, _ engine.AcousticModel, _ engine.WordBoundary) (engine.CompactLattice, error) {
	if o.opts.FailMetadata {
		return nil, engine.ErrAllocation
	}
	l, err := asLattice(clat)
	if err != nil {
		return nil, err
	}
	out := l.copy(true)
	out.aligned = true
	return out, nil
}

// MinimumBayesRisk returns the cheapest path with per-word posteriors: the
// share of probability mass on paths that agree at that position.
func (o *graphOps) MinimumBayesRisk(clat engine.CompactLattice) ([]engine.WordHypothesis, error) {
	if o.opts.FailMetadata {
		return nil, engine.ErrAllocation
	}
	l, err := asLattice(clat)
	if err != nil {
		return nil, err
	}
	best, ok := l.best()
	if !ok {
		return nil, nil
	}

	post := make([]float64, len(l.paths))
	var total float64
	for i, p := range l.paths {
		post[i] = math.Exp(float64(best.cost() - p.cost()))
		total += post[i]
	}

	hyps := make([]engine.WordHypothesis, len(best.words))
	for j, w := range best.words {
		var agree float64
		for i, p := range l.paths {
			if j < len(p.words) && p.words[j] == w {
				agree += post[i]
			}
		}
		hyps[j] = engine.WordHypothesis{
			Word:       w,
			Confidence: float32(agree / total),
			StartFrame: float32(best.spans[j][0]),
			EndFrame:   float32(best.spans[j][1]),
		}
	}
	return hyps, nil
}
