package stt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/loqalabs/loqa-stt/internal/bus"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stt/internal/model"
	"github.com/loqalabs/loqa-stt/internal/natsserver"
	"github.com/loqalabs/loqa-stt/internal/protocol"
	"github.com/loqalabs/loqa-stt/internal/recognizer"
)

const rate = 16000

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeModel(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		model.AcousticModelFile: "am",
		model.CompiledGraphFile: "<eps> 0\nyes 1\nno 2\n",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	log := testLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, natsserver.Options{Host: "127.0.0.1"}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

type harness struct {
	svc    *Service
	client *bus.Client
	store  *eventstore.Store
	bundle *model.Bundle
}

func newHarness(t *testing.T, mutate func(*config.STTConfig)) *harness {
	t.Helper()
	cfg := config.Default().STT
	cfg.Enabled = true
	cfg.ModelPath = writeModel(t)
	cfg.Sim.Script = []string{"yes", "no"}
	cfg.PublishInterim = false
	cfg.SessionIdleMS = 0
	if mutate != nil {
		mutate(&cfg)
	}

	log := testLogger()
	bundle, speaker, err := OpenModels(cfg, log)
	if err != nil {
		t.Fatalf("open models: %v", err)
	}
	t.Cleanup(func() { bundle.Release() })

	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "session",
	}, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	metrics, err := recognizer.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	client := startBus(t)
	svc := NewService(context.Background(), cfg, client, bundle, Options{
		Speaker: speaker,
		Store:   store,
		Metrics: metrics,
		Logger:  log,
	})
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	return &harness{svc: svc, client: client, store: store, bundle: bundle}
}

func (h *harness) subscribe(t *testing.T, subject string) *nats.Subscription {
	t.Helper()
	sub, err := h.client.Conn().SubscribeSync(subject)
	if err != nil {
		t.Fatalf("subscribe %s: %v", subject, err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return sub
}

// stream publishes audio in 100ms pcm16 frames.
func (h *harness) stream(t *testing.T, session string, audio []float32, final bool) {
	t.Helper()
	const chunk = rate / 10
	seq := 0
	for len(audio) > 0 {
		n := min(chunk, len(audio))
		h.send(t, protocol.AudioFrame{
			SessionID:  session,
			Sequence:   seq,
			SampleRate: rate,
			PCM:        pcm16(audio[:n]),
		})
		audio = audio[n:]
		seq++
	}
	if final {
		h.send(t, protocol.AudioFrame{SessionID: session, Sequence: seq, SampleRate: rate, Final: true})
	}
	if err := h.client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func (h *harness) send(t *testing.T, frame protocol.AudioFrame) {
	t.Helper()
	if err := h.client.PublishJSON(protocol.SubjectAudioFramePrefix+"."+frame.SessionID, frame); err != nil {
		t.Fatalf("publish frame: %v", err)
	}
}

// samples reports how many samples the session has consumed so far.
func (h *harness) samples(id string) int64 {
	h.svc.mu.Lock()
	st := h.svc.sessions[id]
	h.svc.mu.Unlock()
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.rec.Counters().SamplesProcessed
}

func nextTranscript(t *testing.T, sub *nats.Subscription) protocol.Transcript {
	t.Helper()
	msg, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("waiting on %s: %v", sub.Subject, err)
	}
	var tr protocol.Transcript
	if err := json.Unmarshal(msg.Data, &tr); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	return tr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func tone(seconds float64) []float32 {
	out := make([]float32, int(seconds*rate))
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
	return make([]float32, int(seconds*rate))
}

func concat(parts ...[]float32) []float32 {
	var out []float32
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func pcm16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

func TestServicePublishesUtterances(t *testing.T) {
	h := newHarness(t, nil)
	finals := h.subscribe(t, protocol.SubjectTranscriptFinal)
	metadata := h.subscribe(t, protocol.SubjectTranscriptMetadata)

	h.stream(t, "kitchen", concat(tone(1), silence(1.5), tone(0.5), silence(0.2)), true)

	first := nextTranscript(t, finals)
	if first.SessionID != "kitchen" || first.Text != "yes" || first.Partial {
		t.Fatalf("unexpected first transcript %+v", first)
	}
	if len(first.Words) != 1 || first.Words[0].Word != "yes" {
		t.Fatalf("unexpected words %+v", first.Words)
	}
	if first.Confidence != 1 {
		t.Fatalf("expected confidence 1, got %v", first.Confidence)
	}
	if first.Start != 0 || first.End < 0.99 || first.End > 1.1 {
		t.Fatalf("unexpected utterance span %v-%v", first.Start, first.End)
	}

	second := nextTranscript(t, finals)
	if second.Text != "no" {
		t.Fatalf("expected the flushed second utterance, got %+v", second)
	}
	if len(second.Words) != 1 || second.Words[0].Word != "no" {
		t.Fatalf("expected only the new word, got %+v", second.Words)
	}
	if second.Start < 2.4 {
		t.Fatalf("expected stream-relative start, got %v", second.Start)
	}

	msg, err := metadata.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	var md protocol.SessionMetadata
	if err := json.Unmarshal(msg.Data, &md); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	meta, err := recognizer.ParseMetadata(string(md.Metadata))
	if err != nil {
		t.Fatalf("parse metadata: %v", err)
	}
	if meta.Text != "yes" || len(meta.Segments) != 1 {
		t.Fatalf("unexpected metadata %+v", meta)
	}

	waitFor(t, "session release", func() bool { return h.svc.ActiveSessions() == 0 })

	var events []eventstore.Event
	waitFor(t, "closed event", func() bool {
		events, err = h.store.ListSessionEvents(context.Background(), "kitchen", 0)
		return err == nil && len(events) > 0 && events[len(events)-1].Type == eventstore.TypeSessionClosed
	})
	results, err := h.store.ListSessionEventsByType(context.Background(), "kitchen", eventstore.TypeResult, 0)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected two stored results, got %d", len(results))
	}
	if events[0].Type != eventstore.TypeSessionOpened {
		t.Fatalf("expected opened event first, got %s", events[0].Type)
	}
}

func TestServiceSessionCloseFlushes(t *testing.T) {
	h := newHarness(t, nil)
	finals := h.subscribe(t, protocol.SubjectTranscriptFinal)

	h.stream(t, "den", concat(tone(0.6), silence(0.2)), false)
	// Close arrives on its own subscription; let the audio land first.
	waitFor(t, "audio intake", func() bool { return h.samples("den") == 0.8*rate })
	if err := h.client.PublishJSON(protocol.SubjectSessionClosePrefix+".den", protocol.SessionClose{}); err != nil {
		t.Fatalf("publish close: %v", err)
	}

	if tr := nextTranscript(t, finals); tr.Text != "yes" || tr.SessionID != "den" {
		t.Fatalf("unexpected transcript %+v", tr)
	}
	waitFor(t, "session release", func() bool { return h.svc.ActiveSessions() == 0 })
}

func TestServiceCloseReleasesBufferedSessions(t *testing.T) {
	h := newHarness(t, nil)

	for i := range 50 {
		h.send(t, protocol.AudioFrame{
			SessionID:  fmt.Sprintf("room-%d", i),
			SampleRate: rate,
			PCM:        pcm16(silence(0.1)),
		})
	}
	if err := h.client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	h.svc.Close()

	time.Sleep(200 * time.Millisecond)
	if n := h.svc.ActiveSessions(); n != 0 {
		t.Fatalf("expected no sessions after close, got %d", n)
	}
	if refs := h.bundle.Refs(); refs != 1 {
		t.Fatalf("expected only the owner reference, got %d", refs)
	}

	// Frames after Close never open a session.
	h.stream(t, "late", silence(0.1), false)
	time.Sleep(50 * time.Millisecond)
	if n := h.svc.ActiveSessions(); n != 0 {
		t.Fatalf("session opened after close: %d", n)
	}
}

func TestServiceClosePersistsFlushedSessions(t *testing.T) {
	h := newHarness(t, nil)
	finals := h.subscribe(t, protocol.SubjectTranscriptFinal)

	h.stream(t, "attic", concat(tone(0.6), silence(0.2)), false)
	waitFor(t, "audio intake", func() bool { return h.samples("attic") == 0.8*rate })
	h.svc.Close()

	if tr := nextTranscript(t, finals); tr.Text != "yes" {
		t.Fatalf("unexpected shutdown transcript %+v", tr)
	}
	ctx := context.Background()
	results, err := h.store.ListSessionEventsByType(ctx, "attic", eventstore.TypeResult, 0)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected the flushed result to be stored, got %d", len(results))
	}
	closed, err := h.store.ListSessionEventsByType(ctx, "attic", eventstore.TypeSessionClosed, 0)
	if err != nil {
		t.Fatalf("list closed: %v", err)
	}
	if len(closed) != 1 {
		t.Fatalf("expected one closed event, got %d", len(closed))
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(closed[0].Payload, &body); err != nil {
		t.Fatalf("decode closed event: %v", err)
	}
	if body.Reason != "shutdown" {
		t.Fatalf("expected shutdown reason, got %q", body.Reason)
	}
}

func TestServicePublishesPartials(t *testing.T) {
	h := newHarness(t, func(c *config.STTConfig) {
		c.PublishInterim = true
		c.PartialEveryMS = 0
	})
	partials := h.subscribe(t, protocol.SubjectTranscriptPartial)

	h.stream(t, "hall", tone(0.5), false)

	tr := nextTranscript(t, partials)
	if !tr.Partial || tr.Text != "yes" {
		t.Fatalf("unexpected partial %+v", tr)
	}
	// Unchanged hypotheses are not republished.
	if msg, err := partials.NextMsg(200 * time.Millisecond); err == nil {
		t.Fatalf("unexpected repeated partial %s", msg.Data)
	}
}

func TestServiceSessionLimit(t *testing.T) {
	h := newHarness(t, func(c *config.STTConfig) { c.MaxSessions = 1 })

	h.stream(t, "a", silence(0.2), false)
	h.stream(t, "b", silence(0.2), false)

	waitFor(t, "first session", func() bool { return h.svc.ActiveSessions() == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := h.svc.ActiveSessions(); n != 1 {
		t.Fatalf("expected the limit to hold, got %d sessions", n)
	}
}

func TestServiceReapsIdleSessions(t *testing.T) {
	h := newHarness(t, func(c *config.STTConfig) { c.SessionIdleMS = 100 })
	finals := h.subscribe(t, protocol.SubjectTranscriptFinal)

	h.stream(t, "porch", tone(0.6), false)

	if tr := nextTranscript(t, finals); tr.Text != "yes" {
		t.Fatalf("expected idle flush to publish, got %+v", tr)
	}
	waitFor(t, "idle reap", func() bool { return h.svc.ActiveSessions() == 0 })
}

func TestServiceDisabled(t *testing.T) {
	svc := NewService(context.Background(), config.STTConfig{}, startBus(t), nil, Options{Logger: testLogger()})
	if err := svc.Start(); err != nil {
		t.Fatalf("start disabled service: %v", err)
	}
	if !svc.Healthy() {
		t.Fatal("disabled service should report healthy")
	}
	svc.Close()
}

func TestDecodeSamples(t *testing.T) {
	pcm := pcm16([]float32{100, -200})
	got, err := decodeSamples("", pcm)
	if err != nil || len(got) != 2 || got[0] != 100 || got[1] != -200 {
		t.Fatalf("pcm16: %v %v", got, err)
	}

	raw := make([]byte, 8)
	binary.LittleEndian.PutUint32(raw, math.Float32bits(0.5))
	binary.LittleEndian.PutUint32(raw[4:], math.Float32bits(-1500))
	got, err = decodeSamples(protocol.EncodingFloat32, raw)
	if err != nil || got[0] != 0.5 || got[1] != -1500 {
		t.Fatalf("float32: %v %v", got, err)
	}

	if _, err := decodeSamples(protocol.EncodingPCM16, []byte{1, 2, 3}); err == nil {
		t.Fatal("expected misaligned pcm16 to fail")
	}
	if _, err := decodeSamples("mulaw", pcm); err == nil {
		t.Fatal("expected unknown encoding to fail")
	}
}

func TestSubjectSuffix(t *testing.T) {
	if got := subjectSuffix("audio.frame.living-room", protocol.SubjectAudioFramePrefix); got != "living-room" {
		t.Fatalf("unexpected suffix %q", got)
	}
	if got := subjectSuffix("audio.frame", protocol.SubjectAudioFramePrefix); got != "" {
		t.Fatalf("expected empty suffix, got %q", got)
	}
}

func TestUtteranceWordsRestartAfterDegradation(t *testing.T) {
	st := &sessionState{}
	all := []recognizer.Word{{Word: "yes"}, {Word: "no"}}
	if got := st.utteranceWords(all[:1]); len(got) != 1 || got[0].Word != "yes" {
		t.Fatalf("unexpected first words %+v", got)
	}
	if got := st.utteranceWords(all); len(got) != 1 || got[0].Word != "no" {
		t.Fatalf("expected only new words, got %+v", got)
	}
	if got := st.utteranceWords(nil); got != nil {
		t.Fatalf("expected no words after degradation, got %+v", got)
	}
	if got := st.utteranceWords(all[:1]); len(got) != 1 {
		t.Fatalf("expected restart after degradation, got %+v", got)
	}
}

func TestNewBackendRejectsUnknownMode(t *testing.T) {
	if _, err := NewBackend("kaldi", config.SimConfig{}); err == nil {
		t.Fatal("expected unsupported mode error")
	}
}
