package embedding

import (
	"context"
	"errors"
	"testing"

	"TrustMed/internal/config"
	"TrustMed/internal/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/embeddings"
)

func TestNewNoneProvider(t *testing.T) {
	e, err := New(config.EmbeddingConfig{Provider: ProviderNone})
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New(config.EmbeddingConfig{Provider: "cohere"})
	assert.Error(t, err)
}

func TestNewOllamaProvider(t *testing.T) {
	e, err := New(config.EmbeddingConfig{Provider: ProviderOllama, Model: "nomic-embed-text", URL: "http://localhost:11434"})
	require.NoError(t, err)
	assert.NotNil(t, e)
}

func TestInstrumentedPassesThrough(t *testing.T) {
	var calls int
	client := embeddings.EmbedderClientFunc(func(_ context.Context, texts []string) ([][]float32, error) {
		calls++
		out := make([][]float32, len(texts))
		for i, s := range texts {
			out[i] = []float32{float32(len(s)), 1}
		}
		return out, nil
	})
	inner, err := embeddings.NewEmbedder(client)
	require.NoError(t, err)

	tracer, meter := telemetry.Noop()
	e, err := Instrument(inner, "fake", tracer, meter)
	require.NoError(t, err)

	vec, err := e.EmbedQuery(context.Background(), "asthma")
	require.NoError(t, err)
	assert.Equal(t, []float32{6, 1}, vec)

	vecs, err := e.EmbedDocuments(context.Background(), []string{"a", "bb"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 1}, {2, 1}}, vecs)
	assert.Equal(t, 2, calls)
}

func TestInstrumentedReturnsErrors(t *testing.T) {
	boom := errors.New("connection refused")
	inner, err := embeddings.NewEmbedder(embeddings.EmbedderClientFunc(func(context.Context, []string) ([][]float32, error) {
		return nil, boom
	}))
	require.NoError(t, err)

	tracer, meter := telemetry.Noop()
	e, err := Instrument(inner, "fake", tracer, meter)
	require.NoError(t, err)

	_, err = e.EmbedQuery(context.Background(), "asthma")
	assert.ErrorIs(t, err, boom)
}
