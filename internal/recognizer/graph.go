package recognizer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-stt/internal/model"
	"github.com/loqalabs/loqa-stt/internal/wfst"
)

// grammarTokens splits a grammar into words. A JSON array of phrases is
// accepted as well as plain whitespace separated text.
func grammarTokens(grammar string) []string {
	grammar = strings.TrimSpace(grammar)
	if strings.HasPrefix(grammar, "[") {
		var phrases []string
		if err := json.Unmarshal([]byte(grammar), &phrases); err == nil {
			grammar = strings.Join(phrases, " ")
		}
	}
	return strings.Fields(grammar)
}

// compileGrammar builds a two-state word loop over the known tokens. Unknown
// tokens are skipped and reported at every occurrence. With no known token
// the start state is final and the graph accepts only the empty utterance.
func compileGrammar(tokens []string, symbols *wfst.SymbolTable) (*wfst.VectorFst, []string) {
	fst := wfst.NewVectorFst()
	start := fst.AddState()
	loop := fst.AddState()
	fst.SetStart(start)
	fst.SetOutputSymbols(symbols)

	var warnings []string
	seen := map[string]bool{}
	added := 0
	for _, tok := range tokens {
		label, ok := symbols.Find(tok)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("ignoring word missing in the dictionary: %s", tok))
			continue
		}
		if seen[tok] {
			continue
		}
		seen[tok] = true
		fst.AddArc(start, wfst.Arc{ILabel: label, OLabel: label, Weight: wfst.One, NextState: loop})
		added++
	}
	fst.SetFinal(loop, wfst.One)
	fst.AddArc(loop, wfst.Arc{ILabel: wfst.Epsilon, OLabel: wfst.Epsilon, Weight: wfst.One, NextState: start})
	if added == 0 {
		fst.SetFinal(start, wfst.One)
	}
	fst.ArcSortInput()
	return fst, warnings
}

// assembleGraph returns the decoding graph for one session, the warnings
// raised while building it and how many grammar words were unknown.
func assembleGraph(b *model.Bundle, grammar string, log *slog.Logger) (wfst.Fst, []string, int, error) {
	tokens := grammarTokens(grammar)

	switch g := b.Graph().(type) {
	case model.CompiledGraph:
		if len(tokens) > 0 {
			msg := "grammar ignored: model has a precompiled graph"
			log.Warn(msg)
			return g.FST, []string{msg}, 0, nil
		}
		return g.FST, nil, 0, nil

	case model.LookaheadGraph:
		grammarFst := g.G
		var warnings []string
		if len(tokens) > 0 {
			var compiled *wfst.VectorFst
			compiled, warnings = compileGrammar(tokens, b.Symbols())
			for _, w := range warnings {
				log.Warn(w)
			}
			grammarFst = compiled
		}
		composed, err := b.Backend().GraphOps().LookaheadCompose(g.HCL, grammarFst, g.Disambig)
		if err != nil {
			return nil, warnings, len(warnings), fmt.Errorf("compose decoding graph: %w", err)
		}
		return composed, warnings, len(warnings), nil

	default:
		return nil, nil, 0, model.ErrNoDecodingGraph
	}
}
