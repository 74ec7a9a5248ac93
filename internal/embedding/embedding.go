package embedding

import (
	"context"
	"fmt"
	"os"
	"time"

	"TrustMed/internal/config"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderNone   = "none"
)

// New builds an embedder for the configured provider. ProviderNone returns a nil
// embedder, which turns semantic retrieval off.
func New(cfg config.EmbeddingConfig) (embeddings.Embedder, error) {
	var client embeddings.EmbedderClient
	switch cfg.Provider {
	case ProviderNone, "":
		return nil, nil
	case ProviderOllama:
		llm, err := ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(cfg.URL),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama embedding client: %w", err)
		}
		client = llm
	case ProviderOpenAI:
		opts := []openai.Option{
			openai.WithToken(os.Getenv("OPENAI_API_KEY")),
			openai.WithEmbeddingModel(cfg.Model),
		}
		if cfg.URL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.URL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create openai embedding client: %w", err)
		}
		client = llm
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}

	embedder, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return embedder, nil
}

// Instrumented wraps an embedder with a span and a duration histogram per call.
type Instrumented struct {
	next     embeddings.Embedder
	provider string
	tracer   trace.Tracer
	duration metric.Float64Histogram
}

// Instrument returns e wrapped with tracing and metrics.
func Instrument(e embeddings.Embedder, provider string, tracer trace.Tracer, meter metric.Meter) (*Instrumented, error) {
	duration, err := meter.Float64Histogram(
		"embedding.request.duration",
		metric.WithDescription("Duration of embedding requests"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram: %w", err)
	}
	return &Instrumented{next: e, provider: provider, tracer: tracer, duration: duration}, nil
}

func (i *Instrumented) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	ctx, span := i.tracer.Start(ctx, "embed_query")
	defer span.End()

	start := time.Now()
	vec, err := i.next.EmbedQuery(ctx, text)
	i.record(ctx, span, start, 1, err)
	return vec, err
}

func (i *Instrumented) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := i.tracer.Start(ctx, "embed_documents")
	defer span.End()

	start := time.Now()
	vecs, err := i.next.EmbedDocuments(ctx, texts)
	i.record(ctx, span, start, len(texts), err)
	return vecs, err
}

func (i *Instrumented) record(ctx context.Context, span trace.Span, start time.Time, n int, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("embedding.provider", i.provider),
		attribute.Int("embedding.inputs", n),
	}
	span.SetAttributes(attrs...)
	i.duration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs[0]))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
