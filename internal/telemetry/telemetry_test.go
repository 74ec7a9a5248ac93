package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"TrustMed/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLoggerWritesJSONToRotatingFile(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := InitLogger(config.TelemetryConfig{LogDir: dir}, false)
	require.NoError(t, err)

	logger.Info("session saved", "session_id", "abc")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(dir, "trustmed.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"session saved"`)
	assert.Contains(t, string(data), `"session_id":"abc"`)
}

func TestInitTelemetryFileExporters(t *testing.T) {
	dir := t.TempDir()
	tracer, meter, cleanup, err := InitTelemetry(context.Background(), config.TelemetryConfig{
		LogDir:        dir,
		ExportToFiles: true,
	})
	require.NoError(t, err)

	_, span := tracer.Start(context.Background(), "rag_answer")
	span.End()
	counter, err := meter.Int64Counter("rag.requests")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	cleanup()

	data, err := os.ReadFile(filepath.Join(dir, "trustmed_traces.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "rag_answer")
}

func TestNoop(t *testing.T) {
	tracer, meter := Noop()
	assert.NotNil(t, tracer)
	assert.NotNil(t, meter)
}
