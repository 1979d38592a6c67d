package engine

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DecodeConfig holds beam-search and decodable options.
type DecodeConfig struct {
	Beam             float32 `yaml:"beam"`
	MaxActive        int     `yaml:"max_active"`
	MinActive        int     `yaml:"min_active"`
	LatticeBeam      float32 `yaml:"lattice_beam"`
	AcousticScale    float32 `yaml:"acoustic_scale"`
	FrameSubsampling int     `yaml:"frame_subsampling_factor"`
	FramesPerChunk   int     `yaml:"frames_per_chunk"`
}

// EndpointRule is one trailing-silence heuristic. A rule fires when all of its
// conditions hold.
type EndpointRule struct {
	MustContainNonsilence bool    `yaml:"must_contain_nonsilence"`
	MinTrailingSilence    float32 `yaml:"min_trailing_silence"`
	MaxRelativeCost       float32 `yaml:"max_relative_cost"`
	MinUtteranceLength    float32 `yaml:"min_utterance_length"`
}

// EndpointConfig is the endpoint policy handed to Decoder.EndpointDetected.
type EndpointConfig struct {
	SilencePhones string         `yaml:"silence_phones"`
	Rules         []EndpointRule `yaml:"rules"`
}

// FeatureConfig configures the acoustic feature pipeline.
type FeatureConfig struct {
	Type            string  `yaml:"feature_type"`
	SampleFrequency float64 `yaml:"sample_frequency"`
	NumCeps         int     `yaml:"num_ceps"`
	FrameShiftMS    float64 `yaml:"frame_shift_ms"`
	UseIvectors     bool    `yaml:"use_ivectors"`
	SilenceWeight   float32 `yaml:"silence_weight"`
	SilencePhones   string  `yaml:"-"`
	GlobalCMVNStats string  `yaml:"global_cmvn_stats"`
	// Online selects the most-recent, greedy ivector estimate for streaming.
	Online bool `yaml:"-"`
}

// SpeakerFeatureConfig configures the speaker MFCC stream.
type SpeakerFeatureConfig struct {
	SampleFrequency float64 `yaml:"sample_frequency"`
	NumCeps         int     `yaml:"num_ceps"`
	FrameShiftMS    float64 `yaml:"frame_shift_ms"`
}

func DefaultDecodeConfig() DecodeConfig {
	return DecodeConfig{
		Beam:             13.0,
		MaxActive:        7000,
		MinActive:        200,
		LatticeBeam:      6.0,
		AcousticScale:    1.0,
		FrameSubsampling: 3,
		FramesPerChunk:   51,
	}
}

func DefaultEndpointConfig() EndpointConfig {
	inf := float32(math.Inf(1))
	return EndpointConfig{
		Rules: []EndpointRule{
			{MustContainNonsilence: false, MinTrailingSilence: 5.0, MaxRelativeCost: inf},
			{MustContainNonsilence: true, MinTrailingSilence: 0.5, MaxRelativeCost: 2.0},
			{MustContainNonsilence: true, MinTrailingSilence: 1.0, MaxRelativeCost: 8.0},
			{MustContainNonsilence: true, MinTrailingSilence: 2.0, MaxRelativeCost: inf},
			{MustContainNonsilence: false, MaxRelativeCost: inf, MinUtteranceLength: 20.0},
		},
	}
}

func DefaultFeatureConfig() FeatureConfig {
	return FeatureConfig{
		Type:            "mfcc",
		SampleFrequency: 16000,
		NumCeps:         40,
		FrameShiftMS:    10,
		UseIvectors:     true,
		SilenceWeight:   1.0,
	}
}

func DefaultSpeakerFeatureConfig() SpeakerFeatureConfig {
	return SpeakerFeatureConfig{SampleFrequency: 16000, NumCeps: 30, FrameShiftMS: 10}
}

// FrameDuration is the wall-clock length of one decoder frame.
func FrameDuration(dec DecodeConfig, feat FeatureConfig) time.Duration {
	sub := dec.FrameSubsampling
	if sub <= 0 {
		sub = 1
	}
	return time.Duration(feat.FrameShiftMS * float64(sub) * float64(time.Millisecond))
}

// SilenceWeightingActive reports whether silence feedback should run.
func (c FeatureConfig) SilenceWeightingActive() bool {
	return strings.TrimSpace(c.SilencePhones) != "" && c.SilenceWeight != 1.0
}

// ParsePhoneList parses a colon separated phone list such as "1:2:3".
func ParsePhoneList(s string) ([]int32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ":")
	phones := make([]int32, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid phone %q: %w", p, err)
		}
		phones = append(phones, int32(v))
	}
	return phones, nil
}
