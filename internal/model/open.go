package model

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/loqalabs/loqa-stt/internal/wfst"
)

// Files inside a model directory.
const (
	AcousticModelFile = "final.mdl"
	CompiledGraphFile = "HCLG.fst"
	HCLGraphFile      = "HCLr.fst"
	GrammarGraphFile  = "Gr.fst"
	DisambigFile      = "disambig_tid.int"
	WordsFile         = "words.txt"
	WordBoundaryFile  = "word_boundary.int"
	RescoreGraphFile  = "rescore/G.fst"
	BackoffLMFile     = "rescore/G.carpa"
	YAMLConfigFile    = "conf/model.yaml"
	KaldiConfigFile   = "conf/online.conf"
)

// Open loads a model. acousticPath holds the acoustic model and its conf/
// directory; graphPath holds the decoding graph, symbols and rescoring files
// and defaults to acousticPath. configPath overrides the decode config.
func Open(backend engine.Backend, acousticPath, graphPath, configPath string, log *slog.Logger) (*Bundle, error) {
	if log == nil {
		log = slog.Default()
	}
	if graphPath == "" {
		graphPath = acousticPath
	}
	log = log.With(slog.String("component", "model"), slog.String("backend", backend.Name()))

	opts, err := loadOptions(acousticPath, configPath, log)
	if err != nil {
		return nil, err
	}
	if err := validateOptions(opts); err != nil {
		return nil, err
	}

	amPath := filepath.Join(acousticPath, AcousticModelFile)
	log.Info("loading acoustic model", slog.String("path", amPath))
	am, err := backend.LoadAcousticModel(amPath, opts.Decode)
	if err != nil {
		return nil, fmt.Errorf("load acoustic model: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = am.Close()
		}
	}()

	res := Resources{Backend: backend, Acoustic: am, Options: opts}

	res.Graph, err = loadGraph(backend, graphPath, log)
	if err != nil {
		return nil, err
	}
	res.Symbols, err = loadSymbols(res.Graph, graphPath, log)
	if err != nil {
		return nil, err
	}

	if path := filepath.Join(graphPath, WordBoundaryFile); exists(path) {
		log.Info("loading word boundary table", slog.String("path", path))
		if res.WordBoundary, err = backend.ReadWordBoundary(path); err != nil {
			return nil, fmt.Errorf("read word boundary table: %w", err)
		}
	}

	if path := filepath.Join(graphPath, RescoreGraphFile); exists(path) {
		log.Info("loading rescoring graph", slog.String("path", path))
		if res.Rescoring, err = backend.ReadGraph(path); err != nil {
			return nil, fmt.Errorf("read rescoring graph: %w", err)
		}
		if lmPath := filepath.Join(graphPath, BackoffLMFile); exists(lmPath) {
			log.Info("loading backoff language model", slog.String("path", lmPath))
			if res.BackoffLM, err = backend.ReadBackoffLM(lmPath); err != nil {
				return nil, fmt.Errorf("read backoff language model: %w", err)
			}
		}
	} else if exists(filepath.Join(graphPath, BackoffLMFile)) {
		log.Warn("backoff language model ignored without rescoring graph", slog.String("missing", RescoreGraphFile))
	}

	if stats := opts.Feature.GlobalCMVNStats; stats != "" {
		if !filepath.IsAbs(stats) {
			stats = filepath.Join(acousticPath, stats)
		}
		log.Info("loading global CMVN stats", slog.String("path", stats))
		if res.CMVN, err = backend.ReadCMVNStats(stats); err != nil {
			return nil, fmt.Errorf("read global cmvn stats: %w", err)
		}
	}

	if opts.Feature.SilenceWeightingActive() {
		log.Info("ivector silence weighting activated",
			slog.Float64("weight", float64(opts.Feature.SilenceWeight)),
			slog.String("silence_phones", opts.Feature.SilencePhones))
	} else {
		log.Info("ivector silence weighting deactivated")
	}

	b, err := New(res, log)
	if err != nil {
		return nil, err
	}
	ok = true
	log.Info("model loaded", slog.String("model", b.String()), slog.Bool("rescoring", b.rescorer != nil))
	return b, nil
}

func loadOptions(acousticPath, configPath string, log *slog.Logger) (Options, error) {
	candidates := []string{
		filepath.Join(acousticPath, YAMLConfigFile),
		filepath.Join(acousticPath, KaldiConfigFile),
	}
	if configPath != "" {
		candidates = append([]string{configPath}, candidates...)
	}
	for _, path := range candidates {
		if !exists(path) {
			continue
		}
		log.Info("loading decode config", slog.String("path", path))
		return ReadOptions(path)
	}
	log.Warn("no decode config found, using defaults", slog.String("model", acousticPath))
	opts := DefaultOptions()
	opts.Feature.SilencePhones = opts.Endpoint.SilencePhones
	return opts, nil
}

func loadGraph(backend engine.Backend, dir string, log *slog.Logger) (Graph, error) {
	hclg := filepath.Join(dir, CompiledGraphFile)
	if exists(hclg) {
		log.Info("loading compiled graph", slog.String("path", hclg))
		fst, err := backend.ReadGraph(hclg)
		if err != nil {
			return nil, fmt.Errorf("read compiled graph: %w", err)
		}
		return CompiledGraph{FST: fst}, nil
	}

	hclPath := filepath.Join(dir, HCLGraphFile)
	gPath := filepath.Join(dir, GrammarGraphFile)
	if !exists(hclPath) || !exists(gPath) {
		return nil, fmt.Errorf("%w in %s", ErrNoDecodingGraph, dir)
	}
	log.Info("loading lookahead graphs", slog.String("hcl", hclPath), slog.String("g", gPath))
	hcl, err := backend.ReadGraph(hclPath)
	if err != nil {
		return nil, fmt.Errorf("read hcl graph: %w", err)
	}
	g, err := backend.ReadGraph(gPath)
	if err != nil {
		return nil, fmt.Errorf("read grammar graph: %w", err)
	}
	f, err := os.Open(filepath.Join(dir, DisambigFile))
	if err != nil {
		return nil, fmt.Errorf("read disambiguation symbols: %w", err)
	}
	defer f.Close()
	disambig, err := wfst.ReadLabels(f)
	if err != nil {
		return nil, fmt.Errorf("read disambiguation symbols: %w", err)
	}
	return LookaheadGraph{HCL: hcl, G: g, Disambig: disambig}, nil
}

func loadSymbols(g Graph, dir string, log *slog.Logger) (*wfst.SymbolTable, error) {
	var embedded *wfst.SymbolTable
	switch g := g.(type) {
	case CompiledGraph:
		embedded = g.FST.OutputSymbols()
	case LookaheadGraph:
		embedded = g.G.OutputSymbols()
	}
	if embedded != nil {
		return embedded, nil
	}
	path := filepath.Join(dir, WordsFile)
	log.Info("loading words", slog.String("path", path))
	syms, err := wfst.ReadSymbolTableFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoSymbolTable, path)
		}
		return nil, fmt.Errorf("%w: %v", ErrNoSymbolTable, err)
	}
	return syms, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
