package model

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/loqalabs/loqa-stt/internal/engine"
)

const (
	SpeakerNetworkFile = "final.ext.raw"
	SpeakerMFCCFile    = "mfcc.conf"
)

// SpeakerBundle holds the x-vector network and its feature options. It is
// shared and reference counted like Bundle.
type SpeakerBundle struct {
	network engine.SpeakerNetwork
	feature engine.SpeakerFeatureConfig
	log     *slog.Logger

	refs atomic.Int64
}

// OpenSpeaker loads a speaker model directory.
func OpenSpeaker(backend engine.Backend, dir string, log *slog.Logger) (*SpeakerBundle, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "speaker-model"))

	feature := engine.DefaultSpeakerFeatureConfig()
	if path := filepath.Join(dir, SpeakerMFCCFile); exists(path) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read speaker mfcc config: %w", err)
		}
		opts := DefaultOptions()
		opts.Feature.SampleFrequency = feature.SampleFrequency
		opts.Feature.NumCeps = feature.NumCeps
		opts.Feature.FrameShiftMS = feature.FrameShiftMS
		if err := parseOptionLines(&opts, data, dir, 0); err != nil {
			return nil, fmt.Errorf("parse speaker mfcc config: %w", err)
		}
		feature.SampleFrequency = opts.Feature.SampleFrequency
		feature.NumCeps = opts.Feature.NumCeps
		feature.FrameShiftMS = opts.Feature.FrameShiftMS
	}

	netPath := filepath.Join(dir, SpeakerNetworkFile)
	log.Info("loading speaker network", slog.String("path", netPath))
	network, err := backend.LoadSpeakerNetwork(netPath)
	if err != nil {
		return nil, fmt.Errorf("load speaker network: %w", err)
	}
	return NewSpeaker(network, feature, log), nil
}

// NewSpeaker wraps an already loaded network. The bundle holds one reference.
func NewSpeaker(network engine.SpeakerNetwork, feature engine.SpeakerFeatureConfig, log *slog.Logger) *SpeakerBundle {
	if log == nil {
		log = slog.Default()
	}
	s := &SpeakerBundle{network: network, feature: feature, log: log}
	s.refs.Store(1)
	return s
}

func (s *SpeakerBundle) Retain() { retain(&s.refs, "model: retain of released speaker bundle") }

// Release drops a reference, closing the network on the last one.
func (s *SpeakerBundle) Release() bool {
	n := s.refs.Add(-1)
	if n < 0 {
		panic("model: speaker bundle released too many times")
	}
	if n != 0 {
		return false
	}
	if err := s.network.Close(); err != nil {
		s.log.Warn("failed to close speaker network", slog.String("error", err.Error()))
	}
	return true
}

func (s *SpeakerBundle) Refs() int64 { return s.refs.Load() }

func (s *SpeakerBundle) Network() engine.SpeakerNetwork { return s.network }

func (s *SpeakerBundle) FeatureConfig() engine.SpeakerFeatureConfig { return s.feature }
