package recognizer

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-stt/recognizer"

// Metrics holds the recognizer instruments. All fields are safe for
// concurrent use.
type Metrics struct {
	ActiveSessions metric.Int64UpDownCounter
	// Resets counts pipeline resets. Attribute kind is "full" or "reinit".
	Resets    metric.Int64Counter
	Endpoints metric.Int64Counter
	// ResultLatency is keyed by kind: partial, result or final.
	ResultLatency        metric.Float64Histogram
	MetadataDegradations metric.Int64Counter
	GrammarOOV           metric.Int64Counter
}

// ResultLatencyName is the transcript latency histogram. Bucket bounds come
// from the meter provider's views.
const ResultLatencyName = "loqa.stt.result.duration"

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(instrumentationName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("loqa.stt.active_sessions",
		metric.WithDescription("Number of open recognition sessions."),
	); err != nil {
		return nil, err
	}
	if met.Resets, err = m.Int64Counter("loqa.stt.pipeline_resets",
		metric.WithDescription("Decoder pipeline resets by kind."),
	); err != nil {
		return nil, err
	}
	if met.Endpoints, err = m.Int64Counter("loqa.stt.endpoints",
		metric.WithDescription("Utterance boundaries detected."),
	); err != nil {
		return nil, err
	}
	if met.ResultLatency, err = m.Float64Histogram(ResultLatencyName,
		metric.WithDescription("Time to produce a transcript by kind."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.MetadataDegradations, err = m.Int64Counter("loqa.stt.metadata_degraded",
		metric.WithDescription("Word metadata extractions that failed and were dropped."),
	); err != nil {
		return nil, err
	}
	if met.GrammarOOV, err = m.Int64Counter("loqa.stt.grammar_oov_tokens",
		metric.WithDescription("Grammar words missing from the vocabulary."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns instruments on the global meter provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("recognizer: create metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
