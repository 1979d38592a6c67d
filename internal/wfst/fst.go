package wfst

import (
	"math"
	"sort"
)

// Fst is an opaque transducer handle. Graphs read by an engine backend and
// transducers built here both satisfy it.
type Fst interface {
	// OutputSymbols returns the embedded word table, or nil.
	OutputSymbols() *SymbolTable
}

// Weight is a tropical-semiring cost.
type Weight float32

var (
	One  Weight = 0
	Zero        = Weight(float32(math.Inf(1)))
)

type Arc struct {
	ILabel    Label
	OLabel    Label
	Weight    Weight
	NextState int
}

type state struct {
	arcs  []Arc
	final Weight
}

// VectorFst is a small mutable transducer.
type VectorFst struct {
	states  []state
	start   int
	symbols *SymbolTable
}

func NewVectorFst() *VectorFst {
	return &VectorFst{start: -1}
}

func (f *VectorFst) AddState() int {
	f.states = append(f.states, state{final: Zero})
	return len(f.states) - 1
}

func (f *VectorFst) SetStart(s int) { f.start = s }

func (f *VectorFst) Start() int { return f.start }

func (f *VectorFst) SetFinal(s int, w Weight) { f.states[s].final = w }

func (f *VectorFst) Final(s int) Weight { return f.states[s].final }

func (f *VectorFst) AddArc(s int, arc Arc) {
	f.states[s].arcs = append(f.states[s].arcs, arc)
}

func (f *VectorFst) Arcs(s int) []Arc { return f.states[s].arcs }

func (f *VectorFst) NumStates() int { return len(f.states) }

func (f *VectorFst) SetOutputSymbols(t *SymbolTable) { f.symbols = t }

func (f *VectorFst) OutputSymbols() *SymbolTable { return f.symbols }

// ArcSortInput orders every state's arcs by input label.
func (f *VectorFst) ArcSortInput() {
	for i := range f.states {
		arcs := f.states[i].arcs
		sort.SliceStable(arcs, func(a, b int) bool { return arcs[a].ILabel < arcs[b].ILabel })
	}
}
