package turn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPTransport posts turns to the chat service's POST /chat endpoint.
type HTTPTransport struct {
	url        string
	httpClient *http.Client
}

// NewHTTPTransport creates a transport for the service at baseURL.
func NewHTTPTransport(baseURL string, httpClient *http.Client) *HTTPTransport {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPTransport{
		url:        strings.TrimRight(baseURL, "/") + "/chat",
		httpClient: httpClient,
	}
}

func (t *HTTPTransport) Send(ctx context.Context, chatReq Request) (Response, error) {
	jsonData, err := json.Marshal(chatReq)
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return Response{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, fmt.Errorf("API error: %s - %s", resp.Status, string(body))
	}

	var chatResp Response
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return Response{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return chatResp, nil
}
