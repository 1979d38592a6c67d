package recognizer

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/loqalabs/loqa-stt/internal/engine/sim"
	"github.com/loqalabs/loqa-stt/internal/model"
	"github.com/loqalabs/loqa-stt/internal/wfst"
)

const (
	testRate  = 16000
	chunkSize = 1600 // 100ms
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func vocab() *wfst.SymbolTable {
	syms := wfst.NewSymbolTable("words")
	syms.Add("<eps>", 0)
	syms.Add("yes", 1)
	syms.Add("no", 2)
	syms.Add("<unk>", 3)
	return syms
}

type nopModel struct{}

func (nopModel) Close() error { return nil }

type bundleOpts struct {
	sim       sim.Options
	lookahead bool
	rescoring wfst.Fst
	backoff   engine.BackoffLM
	boundary  bool
	options   *model.Options
}

func newBundle(t *testing.T, o bundleOpts) (*model.Bundle, *sim.Backend) {
	t.Helper()
	syms := vocab()
	backend := sim.New(o.sim)

	var graph model.Graph = model.CompiledGraph{FST: sim.NewGraph(syms)}
	if o.lookahead {
		graph = model.LookaheadGraph{HCL: sim.NewGraph(syms), G: sim.NewGraph(syms)}
	}
	opts := model.DefaultOptions()
	if o.options != nil {
		opts = *o.options
	}
	res := model.Resources{
		Backend:   backend,
		Acoustic:  nopModel{},
		Options:   opts,
		Graph:     graph,
		Symbols:   syms,
		Rescoring: o.rescoring,
		BackoffLM: o.backoff,
	}
	if o.boundary {
		res.WordBoundary = struct{}{}
	}
	b, err := model.New(res, testLogger())
	if err != nil {
		t.Fatalf("new bundle: %v", err)
	}
	t.Cleanup(func() { b.Release() })
	return b, backend
}

func newSession(t *testing.T, b *model.Bundle, opts Options) *Session {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = testMetrics(t, nil)
	}
	s, err := New(b, testRate, opts)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testMetrics(t *testing.T, reader sdkmetric.Reader) *Metrics {
	t.Helper()
	if reader == nil {
		reader = sdkmetric.NewManualReader()
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func tone(seconds float64) []float32 {
	out := make([]float32, int(seconds*testRate))
	for i := range out {
		if i%2 == 0 {
			out[i] = 3000
		} else {
			out[i] = -3000
		}
	}
	return out
}

func silence(seconds float64) []float32 {
	return make([]float32, int(seconds*testRate))
}

// feed pushes audio in 100ms chunks and returns how many chunks ended an
// utterance. Each endpoint is followed by Result, collected into texts.
func feed(t *testing.T, s *Session, audio []float32) (endpoints int, texts []string) {
	t.Helper()
	for len(audio) > 0 {
		n := min(chunkSize, len(audio))
		done, err := s.AcceptWaveform(audio[:n])
		if err != nil {
			t.Fatalf("accept waveform: %v", err)
		}
		audio = audio[n:]
		if done {
			endpoints++
			texts = append(texts, text(t, s.Result()))
		}
	}
	return endpoints, texts
}

func text(t *testing.T, res string) string {
	t.Helper()
	tr, err := ParseTranscript(res)
	if err != nil {
		t.Fatalf("parse %q: %v", res, err)
	}
	return tr.Text
}

func concat(parts ...[]float32) []float32 {
	var out []float32
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestResultBeforeAudio(t *testing.T) {
	b, _ := newBundle(t, bundleOpts{})
	s := newSession(t, b, Options{})

	for _, res := range []string{s.Result(), s.FinalResult()} {
		if res != `{"text": ""}` {
			t.Fatalf("expected empty text, got %q", res)
		}
	}
	if got := s.PartialResult(); got != `{"partial": ""}` {
		t.Fatalf("expected empty partial, got %q", got)
	}
	if s.State() != Initialized {
		t.Fatalf("expected initialized, got %s", s.State())
	}
	if got := s.Metadata(); got != `{"partial": ""}` {
		t.Fatalf("expected last result from metadata, got %q", got)
	}
}

func TestEmptyChunkRejected(t *testing.T) {
	b, _ := newBundle(t, bundleOpts{})
	s := newSession(t, b, Options{})
	if _, err := s.AcceptWaveform(nil); err != ErrEmptyWaveform {
		t.Fatalf("expected ErrEmptyWaveform, got %v", err)
	}
	if s.State() != Initialized {
		t.Fatalf("empty chunk changed state to %s", s.State())
	}
}

func TestSilenceOnlyGivesEmptyText(t *testing.T) {
	b, _ := newBundle(t, bundleOpts{sim: sim.Options{Script: []string{"yes"}}})
	s := newSession(t, b, Options{})

	endpoints, _ := feed(t, s, silence(1))
	if endpoints != 0 {
		t.Fatalf("expected no endpoint on silence, got %d", endpoints)
	}
	if got := text(t, s.FinalResult()); got != "" {
		t.Fatalf("expected empty text, got %q", got)
	}
	if s.State() != Finalized {
		t.Fatalf("expected finalized, got %s", s.State())
	}
}

func TestEndpointFiresOnceAndRecordsSegment(t *testing.T) {
	b, _ := newBundle(t, bundleOpts{sim: sim.Options{Script: []string{"yes"}}})
	s := newSession(t, b, Options{})

	endpoints, texts := feed(t, s, concat(tone(1), silence(1.5)))
	if endpoints != 1 {
		t.Fatalf("expected exactly one endpoint, got %d", endpoints)
	}
	if texts[0] != "yes" {
		t.Fatalf("expected yes, got %q", texts[0])
	}

	meta, err := ParseMetadata(s.Metadata())
	if err != nil {
		t.Fatalf("parse metadata: %v", err)
	}
	if len(meta.Segments) != 1 {
		t.Fatalf("expected one segment marker, got %v", meta.Segments)
	}
	// The boundary lies after the tone plus half a second of silence.
	if seg := meta.Segments[0]; seg < 150 || seg > 200 {
		t.Fatalf("unexpected segment frame count %d", seg)
	}
	if len(meta.Words) != 1 || meta.Words[0].Word != "yes" {
		t.Fatalf("unexpected words %+v", meta.Words)
	}
	w := meta.Words[0]
	if w.Start != 0 || w.End < 0.99 || w.End > 1.1 {
		t.Fatalf("unexpected word times %+v", w)
	}
	if w.Conf != 1 {
		t.Fatalf("expected full confidence for an unambiguous lattice, got %v", w.Conf)
	}
}

func TestPartialResultIsIdempotent(t *testing.T) {
	b, _ := newBundle(t, bundleOpts{sim: sim.Options{Script: []string{"yes"}}})
	s := newSession(t, b, Options{})

	feed(t, s, tone(0.5))
	first := s.PartialResult()
	if first != `{"partial": "yes"}` {
		t.Fatalf("unexpected partial %q", first)
	}
	if second := s.PartialResult(); second != first {
		t.Fatalf("partial changed without audio: %q != %q", second, first)
	}
	if s.State() != Running {
		t.Fatalf("partial result changed state to %s", s.State())
	}
}

func TestPartialResultEmptyAfterUtterance(t *testing.T) {
	b, _ := newBundle(t, bundleOpts{sim: sim.Options{Script: []string{"yes"}}})
	s := newSession(t, b, Options{})

	feed(t, s, tone(0.5))
	s.Result()
	if got := s.PartialResult(); got != `{"partial": ""}` {
		t.Fatalf("expected empty partial in settled state, got %q", got)
	}
}

func TestResetCountersAcrossUtterances(t *testing.T) {
	b, _ := newBundle(t, bundleOpts{sim: sim.Options{Script: []string{"yes", "no"}}})
	s := newSession(t, b, Options{})

	endpoints, _ := feed(t, s, concat(tone(1), silence(0.6)))
	if endpoints != 1 {
		t.Fatalf("expected one endpoint, got %d", endpoints)
	}
	before := s.Counters()
	if before.FrameOffset != 0 || before.SamplesProcessed == 0 {
		t.Fatalf("unexpected counters before reset %+v", before)
	}

	// Next chunk restarts the decoder where the last utterance ended.
	feed(t, s, tone(0.1))
	c := s.Counters()
	if c.FrameOffset == 0 {
		t.Fatal("expected frame offset to advance on decoder restart")
	}
	if c.SamplesBeforeRound != 0 {
		t.Fatalf("restart must not start a new round, got %+v", c)
	}

	feed(t, s, tone(0.4))
	if got := text(t, s.FinalResult()); got != "no" {
		t.Fatalf("expected second script word, got %q", got)
	}
	processed := s.Counters().SamplesProcessed

	feed(t, s, silence(0.1))
	after := s.Counters()
	if after.FrameOffset != 0 {
		t.Fatalf("expected frame offset reset after final result, got %d", after.FrameOffset)
	}
	if after.SamplesBeforeRound != processed {
		t.Fatalf("expected %d samples before round, got %d", processed, after.SamplesBeforeRound)
	}
	if after.SamplesProcessed != chunkSize {
		t.Fatalf("expected one chunk in the new round, got %d", after.SamplesProcessed)
	}
}

func TestSecondUtteranceTimesIncludeOffset(t *testing.T) {
	b, _ := newBundle(t, bundleOpts{sim: sim.Options{Script: []string{"yes", "no"}}})
	s := newSession(t, b, Options{})

	feed(t, s, concat(tone(1), silence(0.6)))
	feed(t, s, tone(0.5))
	s.FinalResult()

	meta, err := ParseMetadata(s.Metadata())
	if err != nil {
		t.Fatalf("parse metadata: %v", err)
	}
	if meta.Text != "yes no" {
		t.Fatalf("expected text across utterances, got %q", meta.Text)
	}
	if len(meta.Words) != 2 {
		t.Fatalf("expected two words, got %+v", meta.Words)
	}
	if meta.Words[1].Start <= meta.Words[0].End {
		t.Fatalf("second word must start after the first: %+v", meta.Words)
	}
}

func TestResetCeilingForcesFullReset(t *testing.T) {
	b, _ := newBundle(t, bundleOpts{sim: sim.Options{Script: []string{"yes"}}})
	reader := sdkmetric.NewManualReader()
	s := newSession(t, b, Options{ResetCeiling: 10, Metrics: testMetrics(t, reader)})

	feed(t, s, concat(tone(1), silence(0.6)))
	processed := s.Counters().SamplesProcessed

	feed(t, s, tone(0.5))
	c := s.Counters()
	if c.FrameOffset != 0 {
		t.Fatalf("expected full reset past the ceiling, got offset %d", c.FrameOffset)
	}
	if c.SamplesBeforeRound != processed {
		t.Fatalf("expected round start %d, got %d", processed, c.SamplesBeforeRound)
	}
	if got := text(t, s.FinalResult()); got != "yes" {
		t.Fatalf("expected recognition after full reset, got %q", got)
	}

	if n := sumCounter(t, reader, "loqa.stt.pipeline_resets", "full"); n != 1 {
		t.Fatalf("expected one full reset, got %d", n)
	}
}

func TestBatchModeDecodesOnResult(t *testing.T) {
	b, _ := newBundle(t, bundleOpts{sim: sim.Options{Script: []string{"yes"}}})
	s := newSession(t, b, Options{Batch: true})

	feed(t, s, concat(tone(1), silence(1)))
	if got := s.PartialResult(); got != `{"partial": ""}` {
		t.Fatalf("batch session decodes nothing before a result, got %q", got)
	}
	if got := text(t, s.Result()); got != "yes" {
		t.Fatalf("expected yes, got %q", got)
	}
}

func TestDecodeWholeBuffer(t *testing.T) {
	b, _ := newBundle(t, bundleOpts{sim: sim.Options{Script: []string{"no"}}})
	s := newSession(t, b, Options{})

	samples := tone(0.5)
	pcm := make([]byte, 2*len(samples))
	for i, v := range samples {
		u := uint16(int16(v))
		pcm[2*i] = byte(u)
		pcm[2*i+1] = byte(u >> 8)
	}
	if got := text(t, s.Decode(pcm)); got != "no" {
		t.Fatalf("expected no, got %q", got)
	}
}

func TestGrammarWithOnlyUnknownWords(t *testing.T) {
	b, _ := newBundle(t, bundleOpts{lookahead: true, sim: sim.Options{Script: []string{"yes"}}})
	s := newSession(t, b, Options{Grammar: "foo bar foo"})

	warnings := s.Warnings()
	if len(warnings) != 3 {
		t.Fatalf("expected one warning per unknown token, got %v", warnings)
	}
	for i, w := range []string{"foo", "bar", "foo"} {
		if !strings.Contains(warnings[i], w) {
			t.Fatalf("warning %q does not name %q", warnings[i], w)
		}
	}
	feed(t, s, tone(0.5))
	if got := text(t, s.FinalResult()); got != "" {
		t.Fatalf("expected empty text, got %q", got)
	}
}

func TestGrammarRestrictsVocabulary(t *testing.T) {
	b, _ := newBundle(t, bundleOpts{lookahead: true, sim: sim.Options{Script: []string{"yes"}}})
	s := newSession(t, b, Options{Grammar: `["no", "maybe"]`})

	if len(s.Warnings()) != 1 {
		t.Fatalf("expected a warning for maybe, got %v", s.Warnings())
	}
	feed(t, s, tone(0.5))
	if got := text(t, s.FinalResult()); got != "no" {
		t.Fatalf("expected grammar word, got %q", got)
	}
}

func TestGrammarIgnoredWithCompiledGraph(t *testing.T) {
	b, _ := newBundle(t, bundleOpts{sim: sim.Options{Script: []string{"yes"}}})
	s := newSession(t, b, Options{Grammar: "no"})

	if len(s.Warnings()) != 1 {
		t.Fatalf("expected one warning, got %v", s.Warnings())
	}
	feed(t, s, tone(0.5))
	if got := text(t, s.FinalResult()); got != "yes" {
		t.Fatalf("expected compiled graph word, got %q", got)
	}
}

func TestNoRescoringMatchesFirstPass(t *testing.T) {
	opts := sim.Options{Script: []string{"yes"}, Alternates: map[string]string{"yes": "no"}}
	b, backend := newBundle(t, bundleOpts{sim: opts})
	s := newSession(t, b, Options{})

	feed(t, s, tone(0.5))
	got := text(t, s.FinalResult())

	clat, err := s.decoder.Lattice(true)
	if err != nil {
		t.Fatalf("lattice: %v", err)
	}
	labels, err := backend.GraphOps().ShortestPath(clat)
	if err != nil {
		t.Fatalf("shortest path: %v", err)
	}
	if want := b.Symbols().Words(labels); got != want {
		t.Fatalf("expected first-pass best %q, got %q", want, got)
	}
}

func TestRescoringChangesRanking(t *testing.T) {
	syms := vocab()
	b, _ := newBundle(t, bundleOpts{
		sim:       sim.Options{Script: []string{"yes"}, Alternates: map[string]string{"yes": "no"}},
		rescoring: sim.NewGraph(syms),
		backoff:   sim.NewLanguageModel(syms, map[string]float32{"yes": 5}),
	})
	s := newSession(t, b, Options{})

	feed(t, s, tone(0.5))
	if got := text(t, s.FinalResult()); got != "no" {
		t.Fatalf("expected rescoring to prefer no, got %q", got)
	}
	meta, err := ParseMetadata(s.Metadata())
	if err != nil {
		t.Fatalf("parse metadata: %v", err)
	}
	if len(meta.Words) != 1 || meta.Words[0].Conf >= 1 || meta.Words[0].Conf <= 0.5 {
		t.Fatalf("expected a contested word confidence, got %+v", meta.Words)
	}
}

func TestMetadataDegradesOnAllocationFailure(t *testing.T) {
	b, _ := newBundle(t, bundleOpts{boundary: true, sim: sim.Options{Script: []string{"yes"}, FailMetadata: true}})
	reader := sdkmetric.NewManualReader()
	s := newSession(t, b, Options{Metrics: testMetrics(t, reader)})

	feed(t, s, tone(0.5))
	res := s.FinalResult()
	if text(t, res) != "yes" {
		t.Fatalf("expected text despite metadata failure, got %q", res)
	}
	if got := s.Metadata(); got != res {
		t.Fatalf("expected metadata to fall back to the last result, got %q", got)
	}
	if s.UtteranceConfidence() != 0 {
		t.Fatalf("expected zero confidence, got %v", s.UtteranceConfidence())
	}
	if n := sumCounter(t, reader, "loqa.stt.metadata_degraded", ""); n != 1 {
		t.Fatalf("expected one degradation, got %d", n)
	}
}

func TestUtteranceConfidenceSkipsUnknown(t *testing.T) {
	b, _ := newBundle(t, bundleOpts{sim: sim.Options{Script: []string{"<unk>", "yes"}}})
	s := newSession(t, b, Options{})

	feed(t, s, concat(tone(0.3), silence(0.2), tone(0.3)))
	if got := s.FinalResult(); got != `{"text": "<unk> yes"}` {
		t.Fatalf("unexpected result %q", got)
	}
	if got := s.UtteranceConfidence(); got != 0.5 {
		t.Fatalf("expected <unk> counted in the denominator only, got %v", got)
	}
}

func TestIncludeFeatures(t *testing.T) {
	b, _ := newBundle(t, bundleOpts{sim: sim.Options{Script: []string{"yes"}}})
	s := newSession(t, b, Options{IncludeFeatures: true})

	feed(t, s, tone(0.5))
	s.FinalResult()
	meta, err := ParseMetadata(s.Metadata())
	if err != nil {
		t.Fatalf("parse metadata: %v", err)
	}
	if len(meta.Features) != 50 {
		t.Fatalf("expected 50 feature frames, got %d", len(meta.Features))
	}
	if dim := len(meta.Features[0]); dim != b.FeatureConfig().NumCeps {
		t.Fatalf("expected %d coefficients, got %d", b.FeatureConfig().NumCeps, dim)
	}
}

func TestSilenceWeightsReachAdaptiveChannel(t *testing.T) {
	opts := model.DefaultOptions()
	opts.Endpoint.SilencePhones = "1"
	opts.Feature.SilencePhones = "1"
	opts.Feature.SilenceWeight = 0.001
	b, _ := newBundle(t, bundleOpts{sim: sim.Options{Script: []string{"yes"}}, options: &opts})
	s := newSession(t, b, Options{})

	feed(t, s, concat(silence(0.3), tone(0.3)))
	feed(t, s, silence(0.1))
	p := s.features.(*sim.FeaturePipeline)

	if w, ok := p.FrameWeight(0); !ok || w != 0.001 {
		t.Fatalf("expected silence weight on frame 0, got %v %v", w, ok)
	}
	if w, ok := p.FrameWeight(40); !ok || w != 1 {
		t.Fatalf("expected full weight on speech frame, got %v %v", w, ok)
	}
}

func writeNetwork(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), model.SpeakerNetworkFile)
	if err := os.WriteFile(path, []byte("net"), 0o644); err != nil {
		t.Fatalf("write network: %v", err)
	}
	return path
}

func newSpeaker(t *testing.T, backend *sim.Backend) *model.SpeakerBundle {
	t.Helper()
	net, err := backend.LoadSpeakerNetwork(writeNetwork(t))
	if err != nil {
		t.Fatalf("load speaker network: %v", err)
	}
	spk := model.NewSpeaker(net, engine.DefaultSpeakerFeatureConfig(), testLogger())
	t.Cleanup(func() { spk.Release() })
	return spk
}

func TestSpeakerVectorNeedsEnoughSpeech(t *testing.T) {
	b, backend := newBundle(t, bundleOpts{sim: sim.Options{Script: []string{"yes"}}})
	s := newSession(t, b, Options{Speaker: newSpeaker(t, backend)})

	feed(t, s, tone(0.2))
	s.FinalResult()
	if _, frames, ok := s.SpeakerVector(); ok || frames >= minSpeakerFrames {
		t.Fatalf("expected no vector from %d frames", frames)
	}
	meta, err := ParseMetadata(s.Metadata())
	if err != nil {
		t.Fatalf("parse metadata: %v", err)
	}
	if meta.Spk != nil {
		t.Fatal("unexpected speaker vector in metadata")
	}
}

func TestSpeakerVectorInMetadata(t *testing.T) {
	b, backend := newBundle(t, bundleOpts{sim: sim.Options{Script: []string{"yes"}, EmbeddingDim: 16}})
	spk := newSpeaker(t, backend)
	s := newSession(t, b, Options{Speaker: spk})
	if spk.Refs() != 2 {
		t.Fatalf("expected session to retain the speaker model, refs=%d", spk.Refs())
	}

	feed(t, s, tone(1))
	s.FinalResult()
	meta, err := ParseMetadata(s.Metadata())
	if err != nil {
		t.Fatalf("parse metadata: %v", err)
	}
	if len(meta.Spk) != 16 || meta.SpkFrames < minSpeakerFrames {
		t.Fatalf("expected 16-dim vector over enough frames, got %d dims %d frames", len(meta.Spk), meta.SpkFrames)
	}

	s.Close()
	if spk.Refs() != 1 {
		t.Fatalf("expected speaker released on close, refs=%d", spk.Refs())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	b, _ := newBundle(t, bundleOpts{})
	reader := sdkmetric.NewManualReader()
	s := newSession(t, b, Options{Metrics: testMetrics(t, reader)})
	if b.Refs() != 2 {
		t.Fatalf("expected bundle retained, refs=%d", b.Refs())
	}
	if n := sumCounter(t, reader, "loqa.stt.active_sessions", ""); n != 1 {
		t.Fatalf("expected one active session, got %d", n)
	}

	for i := 0; i < 3; i++ {
		if err := s.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	if b.Refs() != 1 {
		t.Fatalf("expected a single release, refs=%d", b.Refs())
	}
	if _, err := s.AcceptWaveform(tone(0.1)); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if n := sumCounter(t, reader, "loqa.stt.active_sessions", ""); n != 0 {
		t.Fatalf("expected no active sessions, got %d", n)
	}
}

func TestResultSpanRecorded(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	b, _ := newBundle(t, bundleOpts{sim: sim.Options{Script: []string{"yes"}}})
	s := newSession(t, b, Options{})
	feed(t, s, tone(0.5))
	s.FinalResult()

	var found bool
	for _, span := range exp.GetSpans() {
		if span.Name == "recognizer.result" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected recognizer.result span")
	}
}

// sumCounter adds up the data points of an integer sum metric, optionally
// filtered by the kind attribute.
func sumCounter(t *testing.T, reader sdkmetric.Reader, name, kind string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is %T", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				if kind != "" {
					v, ok := dp.Attributes.Value("kind")
					if !ok || v.AsString() != kind {
						continue
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}
