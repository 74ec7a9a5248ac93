package backend

import (
	"context"
	"fmt"
	"os"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangChain generates through any langchaingo model.
type LangChain struct {
	llm       llms.Model
	model     string
	maxTokens int
	in        *instruments
}

// NewLangChain wraps an existing langchaingo model.
func NewLangChain(llm llms.Model, model string, maxTokens int, in *instruments) *LangChain {
	return &LangChain{llm: llm, model: model, maxTokens: maxTokens, in: in}
}

// NewLangChainOpenAI points langchaingo's OpenAI client at baseURL, which may be
// any OpenAI-compatible server such as Ollama's /v1 endpoint.
func NewLangChainOpenAI(baseURL, model string, maxTokens int, in *instruments) (*LangChain, error) {
	token := os.Getenv("OPENAI_API_KEY")
	if token == "" {
		token = "unused"
	}
	opts := []openai.Option{openai.WithToken(token)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	if model != "" {
		opts = append(opts, openai.WithModel(model))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create langchain client: %w", err)
	}
	return NewLangChain(llm, model, maxTokens, in), nil
}

func (l *LangChain) Name() string { return "langchain" }

func (l *LangChain) Generate(ctx context.Context, messages []Message) (c Completion, err error) {
	ctx, end := l.in.start(ctx, l.Name(), l.model)
	defer func() { end(err) }()

	content := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		content = append(content, llms.TextParts(chatMessageType(msg.Role), msg.Content))
	}

	var opts []llms.CallOption
	if l.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(l.maxTokens))
	}
	resp, err := l.llm.GenerateContent(ctx, content, opts...)
	if err != nil {
		return Completion{}, fmt.Errorf("failed to generate content: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return Completion{}, fmt.Errorf("empty response from model")
	}
	return Completion{Text: resp.Choices[0].Content, Model: l.model, Backend: l.Name()}, nil
}

func chatMessageType(role string) llms.ChatMessageType {
	switch role {
	case RoleSystem:
		return llms.ChatMessageTypeSystem
	case RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}
