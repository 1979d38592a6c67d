// Package stt runs recognition sessions for audio streamed over the bus.
// Each audio.frame.<session> stream gets its own recognizer session over the
// shared model bundle; transcripts are published on stt.text.* and recorded
// in the event store.
package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-stt/internal/bus"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stt/internal/model"
	"github.com/loqalabs/loqa-stt/internal/protocol"
	"github.com/loqalabs/loqa-stt/internal/recognizer"
	"github.com/nats-io/nats.go"
)

var (
	ErrTooManySessions = errors.New("stt: session limit reached")
	ErrServiceClosed   = errors.New("stt: service closed")
)

// drainTimeout bounds how long Close waits for buffered frames.
const drainTimeout = 5 * time.Second

// Options supplies the optional collaborators of a Service.
type Options struct {
	Speaker *model.SpeakerBundle
	Store   *eventstore.Store
	Metrics *recognizer.Metrics
	Logger  *slog.Logger
	Clock   func() time.Time
}

type Service struct {
	cfg     config.STTConfig
	bus     *bus.Client
	bundle  *model.Bundle
	speaker *model.SpeakerBundle
	store   *eventstore.Store
	metrics *recognizer.Metrics
	log     *slog.Logger
	clock   func() time.Time

	sessions map[string]*sessionState
	closing  bool
	inflight sync.WaitGroup
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	// storeCtx outlives ctx so shutdown flushes are still recorded.
	storeCtx context.Context
	subs     []*nats.Subscription
	wg       sync.WaitGroup
	ready    atomic.Bool
}

type sessionState struct {
	mu  sync.Mutex
	id  string
	rec *recognizer.Session

	lastSeen        atomic.Int64
	lastPartial     time.Time
	lastPartialText string
	wordsSeen       int
	utterances      int
	closed          bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, bundle *model.Bundle, opts Options) *Service {
	ctx, cancel := context.WithCancel(parent)
	log := opts.Logger
	if log == nil {
		log = busClient.Logger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = recognizer.DefaultMetrics()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		bundle:   bundle,
		speaker:  opts.Speaker,
		store:    opts.Store,
		metrics:  metrics,
		log:      log.With(slog.String("component", "stt")),
		clock:    clock,
		sessions: make(map[string]*sessionState),
		ctx:      ctx,
		cancel:   cancel,
		storeCtx: context.WithoutCancel(parent),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if s.bundle == nil {
		return errors.New("stt: no model bundle")
	}
	conn := s.bus.Conn()
	frames, err := conn.Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.subs = append(s.subs, frames)
	closes, err := conn.Subscribe(protocol.SubjectSessionClosePrefix+".>", s.handleClose)
	if err != nil {
		_ = frames.Unsubscribe()
		return fmt.Errorf("subscribe session close: %w", err)
	}
	s.subs = append(s.subs, closes)

	if idle := time.Duration(s.cfg.SessionIdleMS) * time.Millisecond; idle > 0 {
		s.wg.Add(1)
		go s.reapIdle(idle)
	}
	s.ready.Store(true)
	s.log.Info("stt service started",
		slog.String("model", s.bundle.String()),
		slog.Bool("streaming", s.cfg.Streaming),
		slog.Bool("speaker", s.speaker != nil))
	return nil
}

// Close stops intake, flushes every open session and releases it. Frames
// already buffered are fed to their sessions first; no session is opened once
// Close has started.
func (s *Service) Close() {
	s.ready.Store(false)
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.awaitDrain(drainTimeout)

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.inflight.Wait()

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	open := make([]*sessionState, 0, len(s.sessions))
	for id, st := range s.sessions {
		open = append(open, st)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, st := range open {
		s.finish(st, "shutdown")
	}
}

// awaitDrain waits until every subscription has delivered its buffered
// messages or timeout passes.
func (s *Service) awaitDrain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for _, sub := range s.subs {
		for sub.IsValid() {
			if time.Now().After(deadline) {
				s.log.Warn("subscription drain timed out", slog.String("subject", sub.Subject))
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

// enter registers a handler call. It fails once Close has started.
func (s *Service) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready.Load()
}

// ActiveSessions reports the number of open sessions.
func (s *Service) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) handleFrame(msg *nats.Msg) {
	if !s.enter() {
		return
	}
	defer s.inflight.Done()
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	id := frame.SessionID
	if id == "" {
		id = subjectSuffix(msg.Subject, protocol.SubjectAudioFramePrefix)
	}
	if id == "" {
		s.log.Warn("audio frame without session id", slog.String("subject", msg.Subject))
		return
	}
	samples, err := decodeSamples(frame.Encoding, frame.PCM)
	if err != nil {
		s.log.Warn("invalid audio payload", slog.String("session_id", id), slogError(err))
		return
	}

	for {
		st, created, err := s.session(id, frame)
		if err != nil {
			s.log.Warn("cannot open session", slog.String("session_id", id), slogError(err))
			return
		}
		if created {
			s.opened(st, frame)
		}
		st.mu.Lock()
		if st.closed {
			// Reaped between lookup and lock.
			st.mu.Unlock()
			continue
		}
		s.process(st, samples, frame)
		st.mu.Unlock()
		if frame.Final {
			s.drop(st, "final")
		}
		return
	}
}

func (s *Service) handleClose(msg *nats.Msg) {
	if !s.enter() {
		return
	}
	defer s.inflight.Done()
	var req protocol.SessionClose
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.log.Warn("failed to decode session close", slogError(err))
			return
		}
	}
	id := req.SessionID
	if id == "" {
		id = subjectSuffix(msg.Subject, protocol.SubjectSessionClosePrefix)
	}
	s.mu.Lock()
	st := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if st != nil {
		s.finish(st, "closed")
	}
}

// session returns the open session for id, creating it on first use.
func (s *Service) session(id string, frame protocol.AudioFrame) (*sessionState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, false, ErrServiceClosed
	}
	if st, ok := s.sessions[id]; ok {
		return st, false, nil
	}
	if s.cfg.MaxSessions > 0 && len(s.sessions) >= s.cfg.MaxSessions {
		return nil, false, ErrTooManySessions
	}

	rec, err := recognizer.New(s.bundle, float64(s.sampleRate(frame)), recognizer.Options{
		Speaker:         s.speaker,
		Grammar:         s.grammar(frame),
		Batch:           !s.cfg.Streaming,
		ResetCeiling:    s.cfg.ResetCeilingFrames,
		IncludeFeatures: s.cfg.IncludeFeatures,
		Logger:          s.log.With(slog.String("session_id", id)),
		Metrics:         s.metrics,
	})
	if err != nil {
		return nil, false, err
	}
	st := &sessionState{id: id, rec: rec}
	st.lastSeen.Store(s.clock().UnixNano())
	s.sessions[id] = st
	return st, true, nil
}

func (s *Service) opened(st *sessionState, frame protocol.AudioFrame) {
	if err := s.store.AppendSession(s.storeCtx, st.id, "", ""); err != nil {
		s.log.Warn("failed to record session", slogError(err))
	}
	s.record(st.id, eventstore.TypeSessionOpened, map[string]any{
		"sample_rate": s.sampleRate(frame),
		"grammar":     s.grammar(frame),
		"warnings":    st.rec.Warnings(),
	})
	s.log.Info("session opened", slog.String("session_id", st.id), slog.Int("sample_rate", s.sampleRate(frame)))
}

func (s *Service) sampleRate(frame protocol.AudioFrame) int {
	if frame.SampleRate > 0 {
		return frame.SampleRate
	}
	return s.cfg.SampleRate
}

func (s *Service) grammar(frame protocol.AudioFrame) string {
	if frame.Grammar != "" {
		return frame.Grammar
	}
	return s.cfg.Grammar
}

// process feeds one frame. st.mu must be held.
func (s *Service) process(st *sessionState, samples []float32, frame protocol.AudioFrame) {
	st.lastSeen.Store(s.clock().UnixNano())
	if len(samples) > 0 {
		done, err := st.rec.AcceptWaveform(samples)
		switch {
		case err != nil:
			s.log.Warn("failed to accept audio", slog.String("session_id", st.id), slogError(err))
		case done:
			s.publishResult(st, st.rec.Result())
		case s.cfg.PublishInterim && !frame.Final:
			s.publishPartial(st)
		}
	}
	if frame.Final {
		s.publishResult(st, st.rec.FinalResult())
	}
}

func (s *Service) publishPartial(st *sessionState) {
	now := s.clock()
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if !st.lastPartial.IsZero() && now.Sub(st.lastPartial) < interval {
		return
	}
	st.lastPartial = now
	tr, err := recognizer.ParseTranscript(st.rec.PartialResult())
	if err != nil || tr.Partial == "" || tr.Partial == st.lastPartialText {
		return
	}
	st.lastPartialText = tr.Partial
	s.publish(protocol.SubjectTranscriptPartial, protocol.Transcript{
		SessionID: st.id,
		Text:      tr.Partial,
		Partial:   true,
		Timestamp: now.UTC(),
	})
}

// publishResult publishes a finished utterance. Empty results are dropped.
func (s *Service) publishResult(st *sessionState, result string) {
	st.lastPartial, st.lastPartialText = time.Time{}, ""
	tr, err := recognizer.ParseTranscript(result)
	if err != nil {
		s.log.Warn("unreadable recognizer result", slogError(err))
		return
	}
	if tr.Text == "" {
		return
	}
	st.utterances++

	raw := st.rec.Metadata()
	meta, err := recognizer.ParseMetadata(raw)
	if err != nil {
		s.log.Warn("unreadable recognizer metadata", slogError(err))
	}
	words := st.utteranceWords(meta.Words)

	msg := protocol.Transcript{
		SessionID:  st.id,
		Text:       tr.Text,
		Timestamp:  s.clock().UTC(),
		Confidence: st.rec.UtteranceConfidence(),
		Words:      words,
		Speaker:    meta.Spk,
	}
	if len(words) > 0 {
		msg.Start, msg.End = words[0].Start, words[len(words)-1].End
	}
	s.publish(protocol.SubjectTranscriptFinal, msg)
	s.record(st.id, eventstore.TypeResult, msg)

	if s.cfg.PublishMetadata && len(meta.Words) > 0 {
		md := protocol.SessionMetadata{SessionID: st.id, Timestamp: msg.Timestamp, Metadata: json.RawMessage(raw)}
		s.publish(protocol.SubjectTranscriptMetadata, md)
		s.record(st.id, eventstore.TypeMetadata, md)
	}
}

// utteranceWords returns the words added since the previous utterance. The
// recognizer's word list is cumulative but restarts after a failed
// extraction.
func (st *sessionState) utteranceWords(all []recognizer.Word) []protocol.Word {
	if len(all) < st.wordsSeen {
		st.wordsSeen = 0
	}
	fresh := all[st.wordsSeen:]
	st.wordsSeen = len(all)
	if len(fresh) == 0 {
		return nil
	}
	out := make([]protocol.Word, len(fresh))
	for i, w := range fresh {
		out[i] = protocol.Word{Word: w.Word, Start: w.Start, End: w.End, Conf: w.Conf}
	}
	return out
}

// drop removes st from the session table and releases it.
func (s *Service) drop(st *sessionState, reason string) {
	s.mu.Lock()
	if s.sessions[st.id] == st {
		delete(s.sessions, st.id)
	}
	s.mu.Unlock()
	s.release(st, reason)
}

// finish flushes any pending audio of a session already removed from the
// table, then releases it.
func (s *Service) finish(st *sessionState, reason string) {
	st.mu.Lock()
	if !st.closed {
		s.publishResult(st, st.rec.FinalResult())
	}
	st.mu.Unlock()
	s.release(st, reason)
}

func (s *Service) release(st *sessionState, reason string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	st.closed = true
	counters := st.rec.Counters()
	if err := st.rec.Close(); err != nil {
		s.log.Warn("failed to close session", slog.String("session_id", st.id), slogError(err))
	}
	s.record(st.id, eventstore.TypeSessionClosed, map[string]any{
		"reason":            reason,
		"utterances":        st.utterances,
		"samples_processed": counters.SamplesProcessed,
	})
	s.log.Info("session closed",
		slog.String("session_id", st.id),
		slog.String("reason", reason),
		slog.Int("utterances", st.utterances))
}

func (s *Service) reapIdle(idle time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(max(idle/2, 50*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.reap(idle)
		}
	}
}

func (s *Service) reap(idle time.Duration) {
	cutoff := s.clock().Add(-idle).UnixNano()
	var stale []*sessionState
	s.mu.Lock()
	for id, st := range s.sessions {
		if st.lastSeen.Load() < cutoff {
			stale = append(stale, st)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()
	for _, st := range stale {
		s.finish(st, "idle")
	}
}

func (s *Service) publish(subject string, v any) {
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.log.Warn("failed to publish", slog.String("subject", subject), slogError(err))
	}
}

func (s *Service) record(sessionID, typ string, v any) {
	if err := s.store.AppendJSON(s.storeCtx, sessionID, typ, v); err != nil {
		s.log.Warn("failed to record event", slog.String("type", typ), slogError(err))
	}
}

func decodeSamples(encoding string, data []byte) ([]float32, error) {
	switch strings.ToLower(encoding) {
	case "", protocol.EncodingPCM16:
		if len(data)%2 != 0 {
			return nil, fmt.Errorf("pcm16 payload of %d bytes", len(data))
		}
		return recognizer.PCM16ToFloat32(data), nil
	case protocol.EncodingFloat32:
		if len(data)%4 != 0 {
			return nil, fmt.Errorf("float32 payload of %d bytes", len(data))
		}
		return recognizer.Float32LEToFloat32(data), nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}

func subjectSuffix(subject, prefix string) string {
	return strings.TrimPrefix(strings.TrimPrefix(subject, prefix), ".")
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
