package model

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"
	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-stt/internal/engine"
)

// Options is the decoding configuration stored alongside a model.
type Options struct {
	Decode   engine.DecodeConfig   `yaml:"decode"`
	Endpoint engine.EndpointConfig `yaml:"endpoint"`
	Feature  engine.FeatureConfig  `yaml:"feature"`
}

func DefaultOptions() Options {
	return Options{
		Decode:   engine.DefaultDecodeConfig(),
		Endpoint: engine.DefaultEndpointConfig(),
		Feature:  engine.DefaultFeatureConfig(),
	}
}

// ReadOptions loads options from path. YAML files are decoded directly; any
// other file is read as Kaldi-style "--key=value" option lines.
func ReadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("read model config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &opts); err != nil {
			return opts, fmt.Errorf("parse model config %s: %w", path, err)
		}
	default:
		if err := parseOptionLines(&opts, data, filepath.Dir(path), 0); err != nil {
			return opts, fmt.Errorf("parse model config %s: %w", path, err)
		}
	}
	opts.Feature.SilencePhones = opts.Endpoint.SilencePhones
	return opts, nil
}

const maxIncludeDepth = 4

func parseOptionLines(opts *Options, data []byte, dir string, depth int) error {
	parser := shellwords.NewParser()
	scanner := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		args, err := parser.Parse(text)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		for _, arg := range args {
			if err := applyOption(opts, arg, dir, depth); err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
		}
	}
	return scanner.Err()
}

func applyOption(opts *Options, arg, dir string, depth int) error {
	if !strings.HasPrefix(arg, "--") {
		return fmt.Errorf("expected --key=value, got %q", arg)
	}
	key, value, ok := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
	if !ok {
		// Bare boolean flag.
		value = "true"
	}

	if rule, field, ok := endpointRuleKey(key); ok {
		for len(opts.Endpoint.Rules) < rule {
			opts.Endpoint.Rules = append(opts.Endpoint.Rules, engine.EndpointRule{})
		}
		return setRuleField(&opts.Endpoint.Rules[rule-1], field, value)
	}

	var err error
	d, f := &opts.Decode, &opts.Feature
	switch key {
	case "beam":
		d.Beam, err = parseFloat32(value)
	case "max-active":
		d.MaxActive, err = strconv.Atoi(value)
	case "min-active":
		d.MinActive, err = strconv.Atoi(value)
	case "lattice-beam":
		d.LatticeBeam, err = parseFloat32(value)
	case "acoustic-scale":
		d.AcousticScale, err = parseFloat32(value)
	case "frame-subsampling-factor":
		d.FrameSubsampling, err = strconv.Atoi(value)
	case "frames-per-chunk":
		d.FramesPerChunk, err = strconv.Atoi(value)
	case "endpoint.silence-phones":
		opts.Endpoint.SilencePhones = value
	case "feature-type":
		f.Type = value
	case "sample-frequency":
		f.SampleFrequency, err = strconv.ParseFloat(value, 64)
	case "num-ceps":
		f.NumCeps, err = strconv.Atoi(value)
	case "frame-shift":
		f.FrameShiftMS, err = strconv.ParseFloat(value, 64)
	case "ivector-extraction-config":
		f.UseIvectors = value != ""
		err = include(opts, value, dir, depth)
	case "ivector-silence-weighting.silence-weight":
		f.SilenceWeight, err = parseFloat32(value)
	case "global-cmvn-stats":
		f.GlobalCMVNStats = value
	case "mfcc-config", "plp-config", "fbank-config":
		err = include(opts, value, dir, depth)
	default:
		// Options the recognizer does not consume are ignored.
	}
	if err != nil {
		return fmt.Errorf("option %s: %w", key, err)
	}
	return nil
}

// include reads a nested option file. Relative paths are tried against the
// including file's directory and then by base name beside it, since exported
// models often carry paths from the training tree.
func include(opts *Options, path, dir string, depth int) error {
	if path == "" {
		return nil
	}
	if depth >= maxIncludeDepth {
		return fmt.Errorf("config includes nested deeper than %d", maxIncludeDepth)
	}
	candidates := []string{path}
	if !filepath.IsAbs(path) {
		candidates = []string{filepath.Join(dir, path), filepath.Join(dir, filepath.Base(path))}
	}
	for _, c := range candidates {
		data, err := os.ReadFile(c)
		if err != nil {
			continue
		}
		return parseOptionLines(opts, data, filepath.Dir(c), depth+1)
	}
	return fmt.Errorf("included config %q not found", path)
}

func endpointRuleKey(key string) (int, string, bool) {
	rest, ok := strings.CutPrefix(key, "endpoint.rule")
	if !ok {
		return 0, "", false
	}
	num, field, ok := strings.Cut(rest, ".")
	if !ok {
		return 0, "", false
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 1 || n > 16 {
		return 0, "", false
	}
	return n, field, true
}

func setRuleField(rule *engine.EndpointRule, field, value string) error {
	var err error
	switch field {
	case "must-contain-nonsilence":
		rule.MustContainNonsilence, err = strconv.ParseBool(value)
	case "min-trailing-silence":
		rule.MinTrailingSilence, err = parseFloat32(value)
	case "max-relative-cost":
		rule.MaxRelativeCost, err = parseFloat32(value)
	case "min-utterance-length":
		rule.MinUtteranceLength, err = parseFloat32(value)
	default:
		return fmt.Errorf("unknown endpoint rule option %q", field)
	}
	return err
}

func parseFloat32(s string) (float32, error) {
	v, err := strconv.ParseFloat(s, 32)
	return float32(v), err
}

func validateOptions(opts Options) error {
	switch opts.Feature.Type {
	case "mfcc", "plp", "fbank":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFeatureType, opts.Feature.Type)
	}
	if opts.Feature.SampleFrequency <= 0 {
		return fmt.Errorf("feature sample_frequency must be positive")
	}
	if opts.Decode.FrameSubsampling <= 0 {
		return fmt.Errorf("decode frame_subsampling_factor must be positive")
	}
	if _, err := engine.ParsePhoneList(opts.Endpoint.SilencePhones); err != nil {
		return fmt.Errorf("endpoint silence_phones: %w", err)
	}
	return nil
}
