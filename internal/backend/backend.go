package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"TrustMed/internal/config"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Message roles understood by every backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrUnavailable is returned when a backend is short-circuited by its breaker.
var ErrUnavailable = errors.New("llm backend unavailable")

// Message is one prompt turn sent to a model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completion is the text produced by a model.
type Completion struct {
	Text    string `json:"text"`
	Model   string `json:"model"`
	Backend string `json:"backend"`
}

// Generator produces a completion for a conversation.
type Generator interface {
	Generate(ctx context.Context, messages []Message) (Completion, error)
	Name() string
}

// Pinger is implemented by backends that can report whether they are reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// instruments carries the tracing and metrics shared by the HTTP backends.
type instruments struct {
	tracer   trace.Tracer
	meter    metric.Meter
	duration metric.Float64Histogram
	logger   *slog.Logger
}

func newInstruments(tracer trace.Tracer, meter metric.Meter, logger *slog.Logger) (*instruments, error) {
	histogram, err := meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram: %w", err)
	}
	return &instruments{tracer: tracer, meter: meter, duration: histogram, logger: logger}, nil
}

// start opens the span for one backend call and returns a func that ends it.
func (in *instruments) start(ctx context.Context, backend, model string) (context.Context, func(error)) {
	ctx, span := in.tracer.Start(ctx, backend+"_api_call",
		trace.WithAttributes(
			attribute.String("llm.backend", backend),
			attribute.String("llm.model", model),
		),
	)
	begin := time.Now()
	return ctx, func(err error) {
		in.duration.Record(ctx, float64(time.Since(begin).Milliseconds()),
			metric.WithAttributes(attribute.String("llm.backend", backend)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// recordUsage records token usage counters from a provider usage object.
func (in *instruments) recordUsage(ctx context.Context, backend string, usage map[string]interface{}) {
	for key, value := range usage {
		intVal, ok := value.(float64)
		if !ok {
			continue
		}
		counter, err := in.meter.Int64Counter(
			fmt.Sprintf("llm.usage.%s", key),
			metric.WithDescription(fmt.Sprintf("LLM usage metric: %s", key)),
		)
		if err != nil {
			in.logger.Warn("failed to create counter", "key", key, "error", err)
			continue
		}
		counter.Add(ctx, int64(intVal), metric.WithAttributes(attribute.String("llm.backend", backend)))
	}
}

// postJSON sends body as JSON and decodes a 200 response into out.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body, out interface{}) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error: %s - %s", resp.Status, string(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// New builds the configured backend wrapped in a circuit breaker.
func New(cfg config.LLMConfig, tracer trace.Tracer, meter metric.Meter, logger *slog.Logger) (*Breaker, error) {
	logger = logger.With("component", "backend", "backend", cfg.Backend)
	in, err := newInstruments(tracer, meter, logger)
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}

	var gen Generator
	switch cfg.Backend {
	case config.BackendOllama:
		gen = NewOllama(cfg.OllamaURL, cfg.Model, httpClient, in)
	case config.BackendAnthropic:
		gen = NewAnthropic("", cfg.Model, cfg.MaxTokens, httpClient, in)
	case config.BackendOpenAI:
		gen = NewOpenAI("", cfg.Model, httpClient, in)
	case config.BackendGrok:
		gen = NewGrok("", cfg.Model, httpClient, in)
	case config.BackendLangChain:
		gen, err = NewLangChainOpenAI(cfg.BaseURL, cfg.Model, cfg.MaxTokens, in)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown backend: %s", cfg.Backend)
	}

	logger.Info("llm backend ready", "model", cfg.Model)
	return NewBreaker(gen, cfg.BreakerTrip, 30*time.Second, logger), nil
}
