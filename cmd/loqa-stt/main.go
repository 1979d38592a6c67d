package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	goruntime "runtime"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/logging"
	"github.com/loqalabs/loqa-stt/internal/model"
	"github.com/loqalabs/loqa-stt/internal/recognizer"
	"github.com/loqalabs/loqa-stt/internal/stt"
)

var version = "0.1.0-dev"

// chunkSeconds is the size of the pieces a file is fed in, mimicking a live
// stream.
const chunkSeconds = 0.2

type modelFlags struct {
	model, graph, config, spk, script string
	verbose                           int
}

func (m *modelFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&m.model, "model", "model", "Model directory")
	fs.StringVar(&m.graph, "graph", "", "Graph directory (defaults to -model)")
	fs.StringVar(&m.config, "config", "", "Decode config overriding the model's conf/")
	fs.StringVar(&m.spk, "spk", "", "Speaker model directory")
	fs.StringVar(&m.script, "script", "", "Comma separated words the sim backend emits per utterance")
	fs.IntVar(&m.verbose, "v", -1, "Log verbosity (-1 warnings only, 0 info, >0 debug)")
}

func (m *modelFlags) sttConfig() config.STTConfig {
	cfg := config.Default().STT
	cfg.ModelPath = m.model
	cfg.GraphPath = m.graph
	cfg.ConfigPath = m.config
	cfg.SpeakerModelPath = m.spk
	if m.script != "" {
		cfg.Sim.Script = strings.Split(m.script, ",")
	}
	return cfg
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'transcribe', 'check' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "transcribe":
		err = runTranscribe(os.Args[2:])
	case "check":
		err = runCheck(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type fileResult struct {
	Session    string   `json:"session"`
	File       string   `json:"file"`
	Utterances []string `json:"utterances"`
	Metadata   any      `json:"metadata,omitempty"`
}

func runTranscribe(args []string) error {
	var (
		mf       modelFlags
		grammar  string
		batch    bool
		jobs     int
		withMeta bool
	)
	fs := flag.NewFlagSet("transcribe", flag.ExitOnError)
	mf.register(fs)
	fs.StringVar(&grammar, "grammar", "", "Space separated words or JSON array restricting the vocabulary")
	fs.BoolVar(&batch, "batch", false, "Decode each utterance only when its result is requested")
	fs.IntVar(&jobs, "j", goruntime.NumCPU(), "Files transcribed in parallel")
	fs.BoolVar(&withMeta, "metadata", false, "Print word timings")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("transcribe: no wav files given")
	}

	logging.SetLogLevel(mf.verbose)
	log := logging.New(os.Stderr, "text")

	bundle, speaker, err := stt.OpenModels(mf.sttConfig(), log)
	if err != nil {
		return err
	}
	defer bundle.Release()
	if speaker != nil {
		defer speaker.Release()
	}

	files := fs.Args()
	results := make([]fileResult, len(files))
	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(max(jobs, 1))
	for i, path := range files {
		g.Go(func() error {
			res, err := transcribeFile(path, bundle, speaker, recognizer.Options{
				Grammar: grammar,
				Batch:   batch,
				Logger:  log,
			}, withMeta)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	for _, res := range results {
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	return nil
}

func transcribeFile(path string, bundle *model.Bundle, speaker *model.SpeakerBundle, opts recognizer.Options, withMeta bool) (fileResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return fileResult{}, err
	}
	defer f.Close()
	samples, rate, err := stt.ReadWAV(f)
	if err != nil {
		return fileResult{}, err
	}

	opts.Speaker = speaker
	id := uuid.NewString()
	opts.Logger = opts.Logger.With(slog.String("session_id", id), slog.String("file", path))
	session, err := recognizer.New(bundle, float64(rate), opts)
	if err != nil {
		return fileResult{}, err
	}
	defer session.Close()

	res := fileResult{Session: id, File: path, Utterances: []string{}}
	collect := func(result string) {
		if tr, err := recognizer.ParseTranscript(result); err == nil && tr.Text != "" {
			res.Utterances = append(res.Utterances, tr.Text)
		}
	}

	chunk := max(int(chunkSeconds*float64(rate)), 1)
	for len(samples) > 0 {
		n := min(chunk, len(samples))
		done, err := session.AcceptWaveform(samples[:n])
		if err != nil {
			return fileResult{}, err
		}
		if done {
			collect(session.Result())
		}
		samples = samples[n:]
	}
	collect(session.FinalResult())

	if withMeta {
		if meta, err := recognizer.ParseMetadata(session.Metadata()); err == nil {
			res.Metadata = meta
		}
	}
	return res, nil
}

func runCheck(args []string) error {
	var mf modelFlags
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	mf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	logging.SetLogLevel(mf.verbose)
	log := logging.New(os.Stderr, "text")

	cfg := mf.sttConfig()
	bundle, speaker, err := stt.OpenModels(cfg, log)
	if err != nil {
		return err
	}
	defer bundle.Release()
	if speaker != nil {
		defer speaker.Release()
	}

	fmt.Println(bundle)
	attrs := stt.RecognizerCapability(cfg, bundle, speaker).Attributes
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-12s %s\n", k, attrs[k])
	}
	return nil
}
