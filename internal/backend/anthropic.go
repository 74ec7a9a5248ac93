package backend

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
)

const (
	anthropicURL          = "https://api.anthropic.com/v1/messages"
	defaultAnthropicModel = "claude-sonnet-4-20250514"
)

// AnthropicRequest represents the request body for Anthropic API
type AnthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []AnthropicMessage `json:"messages"`
}

// AnthropicMessage represents a message in the conversation
type AnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnthropicContent represents one content block of a response
type AnthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// AnthropicResponse represents the response from Anthropic API
type AnthropicResponse struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Role         string                 `json:"role"`
	Content      []AnthropicContent     `json:"content"`
	Model        string                 `json:"model"`
	StopReason   string                 `json:"stop_reason"`
	StopSequence string                 `json:"stop_sequence"`
	Usage        map[string]interface{} `json:"usage"`
}

// Anthropic calls the Messages API.
type Anthropic struct {
	url        string
	model      string
	maxTokens  int
	httpClient *http.Client
	in         *instruments
}

// NewAnthropic creates the client. An empty url selects the public endpoint.
func NewAnthropic(url, model string, maxTokens int, httpClient *http.Client, in *instruments) *Anthropic {
	if url == "" {
		url = anthropicURL
	}
	if model == "" {
		model = defaultAnthropicModel
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Anthropic{url: url, model: model, maxTokens: maxTokens, httpClient: httpClient, in: in}
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) Generate(ctx context.Context, messages []Message) (c Completion, err error) {
	ctx, end := a.in.start(ctx, a.Name(), a.model)
	defer func() { end(err) }()

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return Completion{}, fmt.Errorf("ANTHROPIC_API_KEY not set")
	}

	// System turns travel in the top-level system field.
	reqBody := AnthropicRequest{Model: a.model, MaxTokens: a.maxTokens}
	var system []string
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		reqBody.Messages = append(reqBody.Messages, AnthropicMessage{Role: msg.Role, Content: msg.Content})
	}
	reqBody.System = strings.Join(system, "\n\n")

	headers := map[string]string{
		"x-api-key":         apiKey,
		"anthropic-version": "2023-06-01",
	}
	var apiResp AnthropicResponse
	if err := postJSON(ctx, a.httpClient, a.url, headers, reqBody, &apiResp); err != nil {
		return Completion{}, err
	}

	a.in.recordUsage(ctx, a.Name(), apiResp.Usage)

	for _, content := range apiResp.Content {
		if content.Type == "text" {
			return Completion{Text: content.Text, Model: a.model, Backend: a.Name()}, nil
		}
	}
	return Completion{}, fmt.Errorf("empty response from Anthropic")
}
