// Package recognizer turns audio chunks into incremental and final
// transcripts over a shared model bundle.
//
// A Session is not safe for concurrent use. Callers serialise access per
// session; sessions over the same bundle run independently.
package recognizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/loqalabs/loqa-stt/internal/model"
	"github.com/loqalabs/loqa-stt/internal/wfst"
)

// DefaultResetCeiling is the decoded frame count after which an utterance
// boundary triggers a full pipeline rebuild instead of a decoder restart.
const DefaultResetCeiling = 20000

var (
	ErrClosed        = errors.New("recognizer: session closed")
	ErrEmptyWaveform = errors.New("recognizer: empty waveform")
)

// State is the position of a session in its utterance cycle.
type State int

const (
	Initialized State = iota
	Running
	Endpoint
	Finalized
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	case Endpoint:
		return "endpoint"
	case Finalized:
		return "finalized"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) settled() bool { return s == Endpoint || s == Finalized }

// Options configures a session.
type Options struct {
	// Speaker attaches a speaker model; results then carry an x-vector.
	Speaker *model.SpeakerBundle
	// Grammar restricts the vocabulary. Only honoured on lookahead bundles.
	Grammar string
	// Batch accumulates features and decodes only when a result is asked
	// for.
	Batch bool
	// ResetCeiling overrides DefaultResetCeiling when positive.
	ResetCeiling int
	// IncludeFeatures adds the acoustic feature frames to Metadata.
	IncludeFeatures bool
	Logger          *slog.Logger
	Metrics         *Metrics
}

// Counters reports the session's position in the audio stream.
type Counters struct {
	FrameOffset        int
	SamplesProcessed   int64
	SamplesBeforeRound int64
}

// Session is one recognition stream.
type Session struct {
	bundle  *model.Bundle
	speaker *model.SpeakerBundle
	opts    Options
	log     *slog.Logger
	metrics *Metrics
	ceiling int

	sampleRate float64
	graph      wfst.Fst
	featCfg    engine.FeatureConfig
	warnings   []string

	features    engine.FeaturePipeline
	decoder     engine.Decoder
	silence     *silenceWeighting
	spkFeatures engine.SpeakerFeature

	state             State
	frameOffset       int
	samplesProcessed  int64
	samplesRoundStart int64

	lastResult    string
	meta          *metadata
	segments      []int
	uttConfidence float64
	spkVector     []float32
	spkFrames     int

	closed bool
}

// New opens a session over b. A non-positive sampleRate selects the model's
// sample frequency.
func New(b *model.Bundle, sampleRate float64, opts Options) (*Session, error) {
	if b == nil {
		return nil, errors.New("recognizer: nil model bundle")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "recognizer"))
	metrics := opts.Metrics
	if metrics == nil {
		metrics = DefaultMetrics()
	}
	if sampleRate <= 0 {
		sampleRate = b.SampleFrequency()
	}

	graph, warnings, oov, err := assembleGraph(b, opts.Grammar, log)
	if err != nil {
		return nil, err
	}

	s := &Session{
		bundle:     b,
		speaker:    opts.Speaker,
		opts:       opts,
		log:        log,
		metrics:    metrics,
		ceiling:    DefaultResetCeiling,
		sampleRate: sampleRate,
		graph:      graph,
		warnings:   warnings,
		lastResult: emptyText,
	}
	if opts.ResetCeiling > 0 {
		s.ceiling = opts.ResetCeiling
	}
	s.featCfg = b.FeatureConfig()
	s.featCfg.Online = !opts.Batch

	b.Retain()
	if s.speaker != nil {
		s.speaker.Retain()
	}

	s.features = s.newPipeline()
	s.decoder = b.Backend().NewDecoder(b.DecodeConfig(), b.Acoustic(), s.graph, s.features)
	s.silence = newSilenceWeighting(s.featCfg, b.SubsamplingFactor())
	s.spkFeatures = s.newSpeakerFeature()

	ctx := context.Background()
	metrics.ActiveSessions.Add(ctx, 1)
	if oov > 0 {
		metrics.GrammarOOV.Add(ctx, int64(oov))
	}
	log.Debug("session opened",
		slog.Float64("sample_rate", sampleRate),
		slog.Bool("batch", opts.Batch),
		slog.Bool("speaker", s.speaker != nil),
	)
	return s, nil
}

func (s *Session) newPipeline() engine.FeaturePipeline {
	p := s.bundle.Backend().NewFeaturePipeline(s.featCfg)
	p.SetAdaptationState(s.bundle.NewAdaptationState())
	p.SetCMVNState(s.bundle.NewCMVNState())
	return p
}

func (s *Session) newSpeakerFeature() engine.SpeakerFeature {
	if s.speaker == nil {
		return nil
	}
	return s.bundle.Backend().NewSpeakerFeature(s.speaker.FeatureConfig())
}

// AcceptWaveform feeds samples at 16-bit amplitude scale. It reports true
// when the chunk completed an utterance, after which Result returns it.
func (s *Session) AcceptWaveform(samples []float32) (bool, error) {
	if s.closed {
		return false, ErrClosed
	}
	if len(samples) == 0 {
		return false, ErrEmptyWaveform
	}
	if s.state.settled() {
		s.cleanUp()
	}
	s.state = Running

	s.features.AcceptWaveform(s.sampleRate, samples)
	if !s.opts.Batch {
		s.silence.Update(s.features, s.decoder, s.frameOffset)
		s.decoder.AdvanceDecoding()
	}
	if s.spkFeatures != nil {
		s.spkFeatures.AcceptWaveform(s.sampleRate, samples)
	}

	if s.decoder.EndpointDetected(s.bundle.EndpointConfig()) {
		s.segments = append(s.segments, s.features.NumFramesReady())
		s.metrics.Endpoints.Add(context.Background(), 1)
		return true, nil
	}
	s.samplesProcessed += int64(len(samples))
	return false, nil
}

// AcceptPCM16 feeds little-endian signed 16-bit PCM. A trailing odd byte is
// ignored.
func (s *Session) AcceptPCM16(pcm []byte) (bool, error) {
	return s.AcceptWaveform(PCM16ToFloat32(pcm))
}

// AcceptShorts feeds signed 16-bit samples.
func (s *Session) AcceptShorts(samples []int16) (bool, error) {
	return s.AcceptWaveform(ShortsToFloat32(samples))
}

// cleanUp prepares the pipeline for the next utterance after a settled
// state.
func (s *Session) cleanUp() {
	s.silence = newSilenceWeighting(s.featCfg, s.bundle.SubsamplingFactor())
	s.spkFeatures = s.newSpeakerFeature()
	s.frameOffset += s.decoder.NumFramesDecoded()

	kind := "reinit"
	if s.state == Finalized || s.frameOffset > s.ceiling {
		kind = "full"
		s.samplesRoundStart += s.samplesProcessed
		s.samplesProcessed = 0
		s.frameOffset = 0
		s.features = s.newPipeline()
		s.decoder = s.bundle.Backend().NewDecoder(s.bundle.DecodeConfig(), s.bundle.Acoustic(), s.graph, s.features)
	} else {
		s.decoder.InitDecoding(s.frameOffset)
	}
	s.metrics.Resets.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
	s.log.Debug("pipeline reset", slog.String("kind", kind), slog.Int("frame_offset", s.frameOffset))
}

// PartialResult returns the current best hypothesis without ending the
// utterance.
func (s *Session) PartialResult() string {
	if s.closed || s.state != Running || s.decoder.NumFramesDecoded() == 0 {
		return s.store(emptyPartial)
	}
	start := time.Now()
	text := s.wordsText(s.decoder.BestPath(false))
	s.recordLatency(context.Background(), "partial", start)
	return s.store(partialJSON(text))
}

// Result ends the current utterance and returns its transcript.
func (s *Session) Result() string {
	if s.closed || s.state != Running {
		return s.store(emptyText)
	}
	if s.opts.Batch {
		s.decoder.AdvanceDecoding()
	}
	s.decoder.FinalizeDecoding()
	s.state = Endpoint
	return s.getResult(context.Background(), "result")
}

// FinalResult flushes buffered audio and returns the last transcript of the
// stream. The next chunk starts a new round.
func (s *Session) FinalResult() string {
	if s.closed || s.state != Running {
		return s.store(emptyText)
	}
	s.features.InputFinished()
	s.silence.Update(s.features, s.decoder, s.frameOffset)
	s.decoder.AdvanceDecoding()
	s.decoder.FinalizeDecoding()
	s.state = Finalized
	return s.getResult(context.Background(), "final")
}

// Decode recognizes a complete 16-bit PCM buffer.
func (s *Session) Decode(pcm []byte) string {
	if _, err := s.AcceptPCM16(pcm); err != nil && !errors.Is(err, ErrEmptyWaveform) {
		s.log.Warn("decode failed", slogError(err))
	}
	return s.FinalResult()
}

func (s *Session) getResult(ctx context.Context, kind string) string {
	ctx, span := tracer().Start(ctx, "recognizer.result", trace.WithAttributes(
		attribute.String("kind", kind),
		attribute.Int("frame_offset", s.frameOffset),
	))
	defer span.End()
	start := time.Now()
	defer s.recordLatency(ctx, kind, start)

	s.uttConfidence = 0
	s.spkVector, s.spkFrames = nil, 0

	decoded := s.decoder.NumFramesDecoded()
	span.SetAttributes(attribute.Int("frames_decoded", decoded))
	if decoded == 0 {
		return s.store(emptyText)
	}

	clat, err := s.decoder.Lattice(true)
	if err != nil {
		span.RecordError(err)
		s.log.Warn("lattice unavailable", slogError(err))
		return s.store(emptyText)
	}
	if clat, err = s.bundle.Rescorer().Rescore(ctx, clat); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rescoring failed")
		s.log.Warn("rescoring failed", slogError(err))
		return s.store(emptyText)
	}
	if clat == nil || clat.NumStates() == 0 {
		s.log.Warn("empty lattice")
		return s.store(emptyText)
	}

	labels, err := s.bundle.Backend().GraphOps().ShortestPath(clat)
	if err != nil {
		span.RecordError(err)
		s.log.Warn("shortest path failed", slogError(err))
		return s.store(emptyText)
	}
	text := s.wordsText(labels)

	s.extractMetadata(ctx, clat)
	if vec, frames, ok := s.SpeakerVector(); ok {
		s.spkVector, s.spkFrames = vec, frames
	}
	return s.store(textJSON(text))
}

func (s *Session) wordsText(labels []wfst.Label) string {
	symbols := s.bundle.Symbols()
	words := make([]string, 0, len(labels))
	for _, l := range labels {
		if l == wfst.Epsilon {
			continue
		}
		words = append(words, symbols.Symbol(l))
	}
	return strings.Join(words, " ")
}

func (s *Session) recordLatency(ctx context.Context, kind string, start time.Time) {
	s.metrics.ResultLatency.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("kind", kind)))
}

func (s *Session) store(res string) string {
	s.lastResult = res
	return res
}

// State returns the current utterance state.
func (s *Session) State() State { return s.state }

// Warnings lists configuration warnings raised when the session was opened.
func (s *Session) Warnings() []string {
	return append([]string(nil), s.warnings...)
}

// Counters returns the frame and sample counters.
func (s *Session) Counters() Counters {
	return Counters{
		FrameOffset:        s.frameOffset,
		SamplesProcessed:   s.samplesProcessed,
		SamplesBeforeRound: s.samplesRoundStart,
	}
}

// Close releases the session's model references. It is safe to call more
// than once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.bundle.Release()
	if s.speaker != nil {
		s.speaker.Release()
	}
	s.metrics.ActiveSessions.Add(context.Background(), -1)
	return nil
}
