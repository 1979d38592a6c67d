// Package wfst holds the small slice of finite-state-transducer vocabulary the
// recognizer needs on its own side of the engine boundary: labels, word symbol
// tables and a mutable transducer used to build grammar restrictions.
package wfst

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Label is an arc label. Zero is epsilon.
type Label int32

const (
	Epsilon Label = 0
	NoLabel Label = -1
)

// SymbolTable maps words to labels and back. It is immutable once loaded.
type SymbolTable struct {
	name    string
	byWord  map[string]Label
	byLabel map[Label]string
}

// NewSymbolTable creates an empty table.
func NewSymbolTable(name string) *SymbolTable {
	return &SymbolTable{
		name:    name,
		byWord:  make(map[string]Label),
		byLabel: make(map[Label]string),
	}
}

// Add registers a word under label. Only loaders call it.
func (s *SymbolTable) Add(word string, label Label) {
	s.byWord[word] = label
	s.byLabel[label] = word
}

// Find returns the label for word.
func (s *SymbolTable) Find(word string) (Label, bool) {
	l, ok := s.byWord[word]
	return l, ok
}

// Symbol returns the word for label, or "" when unknown.
func (s *SymbolTable) Symbol(label Label) string {
	return s.byLabel[label]
}

func (s *SymbolTable) Name() string { return s.name }

func (s *SymbolTable) Len() int { return len(s.byWord) }

// Labels returns every label in ascending order.
func (s *SymbolTable) Labels() []Label {
	labels := make([]Label, 0, len(s.byLabel))
	for l := range s.byLabel {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
	return labels
}

// Words renders a label sequence as space-joined text.
func (s *SymbolTable) Words(labels []Label) string {
	words := make([]string, 0, len(labels))
	for _, l := range labels {
		words = append(words, s.Symbol(l))
	}
	return strings.Join(words, " ")
}

// ReadSymbolTable parses the "word id" text format.
func ReadSymbolTable(r io.Reader, name string) (*SymbolTable, error) {
	table := NewSymbolTable(name)
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, fmt.Errorf("%s:%d: expected \"word id\", got %q", name, line, scanner.Text())
		}
		id, err := strconv.ParseInt(fields[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: bad symbol id: %w", name, line, err)
		}
		table.Add(fields[0], Label(id))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read symbols %s: %w", name, err)
	}
	return table, nil
}

// ReadSymbolTableFile reads a symbol table from disk.
func ReadSymbolTableFile(path string) (*SymbolTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadSymbolTable(f, path)
}

// ReadLabels parses one integer label per line, as used for disambiguation
// symbol lists.
func ReadLabels(r io.Reader) ([]Label, error) {
	var labels []Label
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		v, err := strconv.ParseInt(text, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse label %q: %w", text, err)
		}
		labels = append(labels, Label(v))
	}
	return labels, scanner.Err()
}
