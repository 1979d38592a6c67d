package stt

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/loqalabs/loqa-stt/internal/capability"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/loqalabs/loqa-stt/internal/engine/sim"
	"github.com/loqalabs/loqa-stt/internal/model"
)

// NewBackend returns the engine backend selected by mode.
func NewBackend(mode string, simCfg config.SimConfig) (engine.Backend, error) {
	switch mode {
	case "", "sim":
		return sim.New(sim.Options{
			Script:          simCfg.Script,
			Alternates:      simCfg.Alternates,
			SpeechThreshold: float32(simCfg.SpeechThreshold),
		}), nil
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", mode)
	}
}

// OpenModels loads the shared model bundle and, when configured, the speaker
// model. The caller owns one reference to each.
func OpenModels(cfg config.STTConfig, log *slog.Logger) (*model.Bundle, *model.SpeakerBundle, error) {
	backend, err := NewBackend(cfg.Mode, cfg.Sim)
	if err != nil {
		return nil, nil, err
	}
	bundle, err := model.Open(backend, cfg.ModelPath, cfg.GraphPath, cfg.ConfigPath, log)
	if err != nil {
		return nil, nil, fmt.Errorf("open model %s: %w", cfg.ModelPath, err)
	}
	if cfg.SpeakerModelPath == "" {
		return bundle, nil, nil
	}
	speaker, err := model.OpenSpeaker(backend, cfg.SpeakerModelPath, log)
	if err != nil {
		bundle.Release()
		return nil, nil, fmt.Errorf("open speaker model %s: %w", cfg.SpeakerModelPath, err)
	}
	return bundle, speaker, nil
}

// CapabilityName is advertised by nodes running the recognition service.
const CapabilityName = "stt.recognizer"

// RecognizerCapability describes what sessions opened on b can do.
func RecognizerCapability(cfg config.STTConfig, b *model.Bundle, speaker *model.SpeakerBundle) capability.Capability {
	graph := "compiled"
	if _, ok := b.Graph().(model.LookaheadGraph); ok {
		graph = "lookahead"
	}
	mode := "streaming"
	if !cfg.Streaming {
		mode = "batch"
	}
	return capability.Capability{
		Name: CapabilityName,
		Tier: "balanced",
		Attributes: map[string]string{
			"backend":     b.Backend().Name(),
			"graph":       graph,
			"grammar":     strconv.FormatBool(graph == "lookahead"),
			"rescoring":   strconv.FormatBool(b.Rescorer() != nil),
			"speaker":     strconv.FormatBool(speaker != nil),
			"mode":        mode,
			"sample_rate": strconv.Itoa(int(b.SampleFrequency())),
		},
	}
}
