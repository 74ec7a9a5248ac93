package backend

import (
	"context"
	"fmt"
	"net/http"
	"os"
)

// OpenAIRequest represents the request body for OpenAI-compatible APIs
type OpenAIRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

// OpenAIResponse represents the response from OpenAI-compatible APIs
type OpenAIResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage map[string]interface{} `json:"usage"`
}

// ChatCompletions calls an OpenAI-compatible /chat/completions endpoint.
// OpenAI and Grok differ only in url, key variable and default model.
type ChatCompletions struct {
	name       string
	url        string
	keyEnv     string
	model      string
	httpClient *http.Client
	in         *instruments
}

// NewOpenAI creates an OpenAI client. An empty url selects the public endpoint.
func NewOpenAI(url, model string, httpClient *http.Client, in *instruments) *ChatCompletions {
	return newChatCompletions("openai", url, "https://api.openai.com/v1/chat/completions",
		"OPENAI_API_KEY", model, "gpt-3.5-turbo", httpClient, in)
}

// NewGrok creates a Grok client. An empty url selects the public endpoint.
func NewGrok(url, model string, httpClient *http.Client, in *instruments) *ChatCompletions {
	return newChatCompletions("grok", url, "https://api.x.ai/v1/chat/completions",
		"GROK_API_KEY", model, "grok-2-latest", httpClient, in)
}

func newChatCompletions(name, url, defaultURL, keyEnv, model, defaultModel string, httpClient *http.Client, in *instruments) *ChatCompletions {
	if url == "" {
		url = defaultURL
	}
	if model == "" {
		model = defaultModel
	}
	return &ChatCompletions{name: name, url: url, keyEnv: keyEnv, model: model, httpClient: httpClient, in: in}
}

func (c *ChatCompletions) Name() string { return c.name }

func (c *ChatCompletions) Generate(ctx context.Context, messages []Message) (comp Completion, err error) {
	ctx, end := c.in.start(ctx, c.name, c.model)
	defer func() { end(err) }()

	apiKey := os.Getenv(c.keyEnv)
	if apiKey == "" {
		return Completion{}, fmt.Errorf("%s not set", c.keyEnv)
	}

	reqBody := OpenAIRequest{
		Model:    c.model,
		Messages: messages,
	}

	var apiResp OpenAIResponse
	headers := map[string]string{"Authorization": "Bearer " + apiKey}
	if err := postJSON(ctx, c.httpClient, c.url, headers, reqBody, &apiResp); err != nil {
		return Completion{}, err
	}

	c.in.recordUsage(ctx, c.name, apiResp.Usage)

	if len(apiResp.Choices) > 0 {
		return Completion{Text: apiResp.Choices[0].Message.Content, Model: c.model, Backend: c.name}, nil
	}
	return Completion{}, fmt.Errorf("empty response from %s", c.name)
}
