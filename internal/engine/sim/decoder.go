package sim

import (
	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/loqalabs/loqa-stt/internal/wfst"
)

type word struct {
	label      wfst.Label
	start, end int
}

// decoder labels each group of subsampled feature frames as speech or silence
// and emits one word per speech segment.
type decoder struct {
	opts     Options
	graph    *Graph
	features engine.FeaturePipeline
	sub      int

	nextFeature int
	decoded     int
	phones      []int32
	words       []word

	inSpeech        bool
	segStart        int
	trailingSilence int
	hadSpeech       bool
	finalized       bool

	// cursor survives InitDecoding so consecutive utterances move through the
	// script.
	cursor int
}

func newDecoder(cfg engine.DecodeConfig, opts Options, graph *Graph, features engine.FeaturePipeline) *decoder {
	sub := cfg.FrameSubsampling
	if sub <= 0 {
		sub = 1
	}
	return &decoder{opts: opts, graph: graph, features: features, sub: sub}
}

func (d *decoder) InitDecoding(frameOffset int) {
	d.nextFeature = frameOffset * d.sub
	d.decoded = 0
	d.phones = nil
	d.words = nil
	d.inSpeech = false
	d.segStart = 0
	d.trailingSilence = 0
	d.hadSpeech = false
	d.finalized = false
}

func (d *decoder) AdvanceDecoding() {
	if d.finalized {
		return
	}
	for d.nextFeature+d.sub <= d.features.NumFramesReady() {
		d.step(d.nextFeature, d.sub)
	}
}

func (d *decoder) FinalizeDecoding() {
	if d.finalized {
		return
	}
	d.AdvanceDecoding()
	if rest := d.features.NumFramesReady() - d.nextFeature; rest > 0 {
		d.step(d.nextFeature, rest)
	}
	if d.inSpeech {
		d.commit(d.segStart, d.decoded)
		d.inSpeech = false
	}
	d.finalized = true
}

func (d *decoder) step(first, n int) {
	var energy float32
	for i := first; i < first+n; i++ {
		energy += d.features.Frame(i)[0]
	}
	energy /= float32(n)
	d.nextFeature += n

	if energy > d.opts.SpeechThreshold {
		d.phones = append(d.phones, d.opts.SpeechPhone)
		if !d.inSpeech {
			d.inSpeech = true
			d.segStart = d.decoded
		}
		d.trailingSilence = 0
		d.hadSpeech = true
	} else {
		d.phones = append(d.phones, d.opts.SilencePhone)
		if d.inSpeech {
			d.commit(d.segStart, d.decoded)
			d.inSpeech = false
		}
		d.trailingSilence++
	}
	d.decoded++
}

func (d *decoder) commit(start, end int) {
	l := d.peek()
	d.cursor++
	if l == wfst.NoLabel {
		return
	}
	d.words = append(d.words, word{label: l, start: start, end: end})
}

// peek picks the word for the next segment without consuming it.
func (d *decoder) peek() wfst.Label {
	vocab := d.graph.vocabulary()
	if n := len(d.opts.Script); n > 0 {
		if syms := d.graph.symbols; syms != nil {
			if l, ok := syms.Find(d.opts.Script[d.cursor%n]); ok && d.graph.admits(l) {
				return l
			}
		}
		if len(vocab) == 0 {
			return wfst.NoLabel
		}
		return vocab[0]
	}
	if len(vocab) == 0 {
		return wfst.NoLabel
	}
	return vocab[d.cursor%len(vocab)]
}

func (d *decoder) NumFramesDecoded() int { return d.decoded }

func (d *decoder) frameSeconds() float64 {
	shift := 10.0
	if p, ok := d.features.(*FeaturePipeline); ok && p.cfg.FrameShiftMS > 0 {
		shift = p.cfg.FrameShiftMS
	}
	return shift * float64(d.sub) / 1000
}

func (d *decoder) EndpointDetected(cfg engine.EndpointConfig) bool {
	if d.decoded == 0 {
		return false
	}
	sec := d.frameSeconds()
	trailing := float32(float64(d.trailingSilence) * sec)
	length := float32(float64(d.decoded) * sec)
	for _, r := range cfg.Rules {
		if r.MustContainNonsilence && !d.hadSpeech {
			continue
		}
		if trailing >= r.MinTrailingSilence && length >= r.MinUtteranceLength {
			return true
		}
	}
	return false
}

func (d *decoder) current(final bool) []word {
	words := append([]word(nil), d.words...)
	if !final && d.inSpeech {
		if l := d.peek(); l != wfst.NoLabel {
			words = append(words, word{label: l, start: d.segStart, end: d.decoded})
		}
	}
	return words
}

func (d *decoder) BestPath(final bool) []wfst.Label {
	words := d.current(final)
	labels := make([]wfst.Label, len(words))
	for i, w := range words {
		labels[i] = w.label
	}
	return labels
}

func (d *decoder) Traceback() []int32 { return append([]int32(nil), d.phones...) }

// Lattice returns the best path plus one competing path per word that has an
// alternate.
func (d *decoder) Lattice(final bool) (engine.CompactLattice, error) {
	words := d.current(final)
	best := path{words: make([]wfst.Label, len(words)), spans: make([][2]int, len(words))}
	for i, w := range words {
		best.words[i] = w.label
		best.spans[i] = [2]int{w.start, w.end}
	}
	best.graphCost = d.graph.cost(best.words) + float32(len(words))

	lat := &Lattice{symbols: d.graph.symbols, compact: true, paths: []path{best}}
	if d.graph.symbols == nil {
		return lat, nil
	}
	for i, l := range best.words {
		alt, ok := d.opts.Alternates[d.graph.symbols.Symbol(l)]
		if !ok {
			continue
		}
		al, ok := d.graph.symbols.Find(alt)
		if !ok {
			continue
		}
		p := best.clone()
		p.words[i] = al
		p.graphCost = d.graph.cost(p.words) + float32(len(words)) + d.opts.AlternateCost
		lat.paths = append(lat.paths, p)
	}
	return lat, nil
}
