package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultOllamaModel = "llama3.2"

// OllamaRequest represents the request body for Ollama API
type OllamaRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// OllamaResponse represents the response from Ollama API
type OllamaResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Message   struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool    `json:"done"`
	PromptEvalCount float64 `json:"prompt_eval_count"`
	EvalCount       float64 `json:"eval_count"`
}

// OllamaTagsResponse represents the response from Ollama /api/tags endpoint
type OllamaTagsResponse struct {
	Models []OllamaModel `json:"models"`
}

// OllamaModel represents a single model in the Ollama tags response
type OllamaModel struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest"`
}

// Ollama talks to a local Ollama server.
type Ollama struct {
	baseURL    string
	model      string
	httpClient *http.Client
	in         *instruments
}

func NewOllama(baseURL, model string, httpClient *http.Client, in *instruments) *Ollama {
	if model == "" {
		model = defaultOllamaModel
	}
	return &Ollama{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: httpClient,
		in:         in,
	}
}

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) Generate(ctx context.Context, messages []Message) (c Completion, err error) {
	ctx, end := o.in.start(ctx, o.Name(), o.model)
	defer func() { end(err) }()

	reqBody := OllamaRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   false,
	}

	var apiResp OllamaResponse
	if err := postJSON(ctx, o.httpClient, o.baseURL+"/api/chat", nil, reqBody, &apiResp); err != nil {
		return Completion{}, err
	}

	o.in.recordUsage(ctx, o.Name(), map[string]interface{}{
		"input_tokens":  apiResp.PromptEvalCount,
		"output_tokens": apiResp.EvalCount,
	})

	if apiResp.Message.Content == "" {
		return Completion{}, fmt.Errorf("empty response from Ollama")
	}
	return Completion{Text: apiResp.Message.Content, Model: o.model, Backend: o.Name()}, nil
}

// ListModels fetches the models installed on the Ollama server.
func (o *Ollama) ListModels(ctx context.Context) ([]OllamaModel, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request (is Ollama running?): %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error: %s - %s", resp.Status, string(body))
	}

	var tagsResp OllamaTagsResponse
	if err := json.Unmarshal(body, &tagsResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return tagsResp.Models, nil
}

// Ping checks that the server answers and has the configured model installed.
func (o *Ollama) Ping(ctx context.Context) error {
	models, err := o.ListModels(ctx)
	if err != nil {
		return err
	}
	for _, m := range models {
		if m.Name == o.model || strings.TrimSuffix(m.Name, ":latest") == o.model {
			return nil
		}
	}
	return fmt.Errorf("model %s is not installed", o.model)
}
