// Package rescore runs the second language-model pass over first-pass
// lattices.
package rescore

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/loqalabs/loqa-stt/internal/wfst"
)

const tracerName = "github.com/loqalabs/loqa-stt/rescore"

// Pipeline is built once per model and shared by every session of that
// model. A nil *Pipeline passes lattices through unchanged.
type Pipeline struct {
	ops     engine.GraphOps
	lm      engine.Lattice
	backoff engine.BackoffLM
	log     *slog.Logger
	tracer  trace.Tracer
}

// New maps graph into the lattice semiring once. backoff may be nil.
func New(ops engine.GraphOps, graph wfst.Fst, backoff engine.BackoffLM, log *slog.Logger) (*Pipeline, error) {
	if ops == nil {
		return nil, fmt.Errorf("rescore: graph ops required")
	}
	if graph == nil {
		return nil, fmt.Errorf("rescore: rescoring graph required")
	}
	lm, err := ops.MapToLattice(graph)
	if err != nil {
		return nil, fmt.Errorf("rescore: map rescoring graph: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		ops:     ops,
		lm:      lm,
		backoff: backoff,
		log:     log.With(slog.String("component", "rescore")),
		tracer:  otel.Tracer(tracerName),
	}, nil
}

// HasBackoff reports whether a compact backoff model adds a further pass.
func (p *Pipeline) HasBackoff() bool { return p != nil && p.backoff != nil }

// Rescore replaces the first-pass cost of clat with the rescoring graph's.
// The result may be empty; callers fall back to empty text in that case.
func (p *Pipeline) Rescore(ctx context.Context, clat engine.CompactLattice) (engine.CompactLattice, error) {
	if p == nil {
		return clat, nil
	}
	_, span := p.tracer.Start(ctx, "rescore.lattice",
		trace.WithAttributes(
			attribute.Int("lattice.states", clat.NumStates()),
			attribute.Bool("rescore.backoff", p.backoff != nil),
		))
	defer span.End()

	out, err := p.rescore(clat)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("lattice.rescored_states", out.NumStates()))
	return out, nil
}

func (p *Pipeline) rescore(clat engine.CompactLattice) (engine.CompactLattice, error) {
	lat := p.ops.ConvertToLattice(clat)
	p.ops.ScaleGraph(lat, -1)
	p.ops.ArcSortOutput(lat)

	composed, err := p.ops.Compose(lat, p.lm)
	if err != nil {
		return nil, fmt.Errorf("compose with rescoring graph: %w", err)
	}
	p.ops.Invert(composed)
	det, err := p.ops.Determinize(composed)
	if err != nil {
		return nil, fmt.Errorf("determinize rescored lattice: %w", err)
	}
	p.ops.ScaleCompactGraph(det, -1)
	p.ops.ArcSortCompactOutput(det)

	if p.backoff == nil {
		return det, nil
	}

	withLM, err := p.ops.ComposeDeterministic(det, p.backoff)
	if err != nil {
		return nil, fmt.Errorf("compose with backoff model: %w", err)
	}
	expanded := p.ops.ConvertToLattice(withLM)
	p.ops.Invert(expanded)
	out, err := p.ops.Determinize(expanded)
	if err != nil {
		return nil, fmt.Errorf("determinize backoff lattice: %w", err)
	}
	p.log.Debug("lattice rescored with backoff model", slog.Int("states", out.NumStates()))
	return out, nil
}
