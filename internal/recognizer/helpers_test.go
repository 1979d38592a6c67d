package recognizer

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/loqalabs/loqa-stt/internal/wfst"
)

func TestPCM16ToFloat32(t *testing.T) {
	pcm := []byte{0x01, 0x00, 0xff, 0xff, 0x00, 0x80, 0x7f}
	got := PCM16ToFloat32(pcm)
	want := []float32{1, -1, -32768}
	if len(got) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestShortsAndFloatsKeepScale(t *testing.T) {
	if got := ShortsToFloat32([]int16{32767, -5}); got[0] != 32767 || got[1] != -5 {
		t.Fatalf("unexpected shorts conversion %v", got)
	}
	data := make([]byte, 9)
	binary.LittleEndian.PutUint32(data, math.Float32bits(1234.5))
	binary.LittleEndian.PutUint32(data[4:], math.Float32bits(-2))
	got := Float32LEToFloat32(data)
	if len(got) != 2 || got[0] != 1234.5 || got[1] != -2 {
		t.Fatalf("unexpected float conversion %v", got)
	}
}

func TestGrammarTokens(t *testing.T) {
	cases := map[string][]string{
		"":                      nil,
		"  yes  no ":            {"yes", "no"},
		`["turn on", "lights"]`: {"turn", "on", "lights"},
		`[not json`:             {"[not", "json"},
		"one\ttwo\nthree":       {"one", "two", "three"},
	}
	for in, want := range cases {
		got := grammarTokens(in)
		if len(got) != len(want) {
			t.Fatalf("%q: expected %v, got %v", in, want, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%q: expected %v, got %v", in, want, got)
			}
		}
	}
}

func TestCompileGrammarLoop(t *testing.T) {
	syms := vocab()
	fst, warnings := compileGrammar([]string{"no", "yes", "no", "zebra"}, syms)
	if len(warnings) != 1 {
		t.Fatalf("expected one warning, got %v", warnings)
	}
	if fst.NumStates() != 2 || fst.Start() != 0 {
		t.Fatalf("expected two-state loop starting at 0, got %d states start %d", fst.NumStates(), fst.Start())
	}
	arcs := fst.Arcs(0)
	if len(arcs) != 2 {
		t.Fatalf("expected one arc per known word, got %d", len(arcs))
	}
	if arcs[0].ILabel > arcs[1].ILabel {
		t.Fatal("expected arcs sorted by input label")
	}
	for _, a := range arcs {
		if a.NextState != 1 || a.ILabel != a.OLabel {
			t.Fatalf("unexpected word arc %+v", a)
		}
	}
	back := fst.Arcs(1)
	if len(back) != 1 || back[0].ILabel != wfst.Epsilon || back[0].NextState != 0 {
		t.Fatalf("expected epsilon arc back to start, got %+v", back)
	}
	if fst.Final(1) != wfst.One || fst.Final(0) == wfst.One {
		t.Fatal("expected only the loop state final")
	}
}

func TestCompileGrammarWithoutKnownWords(t *testing.T) {
	fst, warnings := compileGrammar([]string{"zebra"}, vocab())
	if len(warnings) != 1 {
		t.Fatalf("expected one warning, got %v", warnings)
	}
	if len(fst.Arcs(0)) != 0 {
		t.Fatalf("expected no word arcs, got %d", len(fst.Arcs(0)))
	}
	if fst.Final(0) != wfst.One {
		t.Fatal("expected the empty utterance to be accepted")
	}
}

func TestSilenceDeltas(t *testing.T) {
	cfg := engine.DefaultFeatureConfig()
	cfg.SilencePhones = "1:2"
	cfg.SilenceWeight = 0.1
	sw := newSilenceWeighting(cfg, 3)
	if !sw.Active() {
		t.Fatal("expected weighting active")
	}

	// Decoder frame 0 is silence, frame 1 speech; only 5 feature frames exist.
	deltas := sw.deltas([]int32{1, 7}, 0, 5)
	want := []engine.FrameWeight{
		{Frame: 0, Delta: 0.1}, {Frame: 1, Delta: 0.1}, {Frame: 2, Delta: 0.1},
		{Frame: 3, Delta: 1}, {Frame: 4, Delta: 1},
	}
	if len(deltas) != len(want) {
		t.Fatalf("expected %v, got %v", want, deltas)
	}
	for i := range want {
		if deltas[i] != want[i] {
			t.Fatalf("delta %d: expected %+v, got %+v", i, want[i], deltas[i])
		}
	}

	// The first frame turned out to be speech after all.
	deltas = sw.deltas([]int32{7, 7}, 0, 6)
	if len(deltas) != 4 {
		t.Fatalf("expected changes for three revised frames and one new, got %v", deltas)
	}
	if d := deltas[0]; d.Frame != 0 || math.Abs(float64(d.Delta-0.9)) > 1e-6 {
		t.Fatalf("unexpected first delta %+v", d)
	}
	if d := deltas[3]; d.Frame != 5 || d.Delta != 1 {
		t.Fatalf("unexpected last delta %+v", d)
	}
}

func TestSilenceDeltasHonourFrameOffset(t *testing.T) {
	cfg := engine.DefaultFeatureConfig()
	cfg.SilencePhones = "1"
	cfg.SilenceWeight = 0.5
	sw := newSilenceWeighting(cfg, 3)

	deltas := sw.deltas([]int32{1}, 10, 100)
	if len(deltas) != 3 {
		t.Fatalf("expected three feature frames, got %v", deltas)
	}
	for i, d := range deltas {
		if d.Frame != 30+i || d.Delta != 0.5 {
			t.Fatalf("unexpected delta %+v", d)
		}
	}
}

func TestSilenceWeightingInactiveWithoutPhones(t *testing.T) {
	cfg := engine.DefaultFeatureConfig()
	cfg.SilenceWeight = 0.1
	sw := newSilenceWeighting(cfg, 3)
	if sw.Active() {
		t.Fatal("expected weighting inactive without silence phones")
	}
}

func TestSlidingWindowCMN(t *testing.T) {
	feats := make([][]float32, 5)
	for i := range feats {
		feats[i] = []float32{float32(i), 1}
	}

	// The window covers every frame, so each row loses the global mean.
	out := slidingWindowCMN(feats, 600, 100)
	for i, row := range out {
		if row[0] != float32(i)-2 || row[1] != 0 {
			t.Fatalf("row %d: unexpected %v", i, row)
		}
	}

	// A two-frame history with no minimum: frame t uses frames t-2..t.
	out = slidingWindowCMN(feats, 2, 0)
	want := []float32{0, 0.5, 1, 1, 1}
	for i, row := range out {
		if math.Abs(float64(row[0]-want[i])) > 1e-6 {
			t.Fatalf("row %d: expected %v, got %v", i, want[i], row[0])
		}
	}

	if slidingWindowCMN(nil, 600, 100) != nil {
		t.Fatal("expected nil for no frames")
	}
}
