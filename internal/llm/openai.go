package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAI calls the OpenAI chat completions API.
type OpenAI struct {
	apiKey     string
	model      string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

// OpenAIOption configures an OpenAI client.
type OpenAIOption func(*OpenAI)

// WithOpenAIBaseURL points the client at a compatible endpoint.
func WithOpenAIBaseURL(u string) OpenAIOption {
	return func(o *OpenAI) { o.baseURL = strings.TrimRight(u, "/") }
}

// NewOpenAI creates a chat client. timeout bounds each call.
func NewOpenAI(apiKey, model string, timeout time.Duration, opts ...OpenAIOption) *OpenAI {
	if model == "" {
		model = "gpt-4o-mini"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	o := &OpenAI{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultOpenAIBaseURL,
		timeout: timeout,
		httpClient: &http.Client{
			Timeout: timeout + 5*time.Second, // HTTP timeout slightly beyond per-call context timeout.
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type openAIChatRequest struct {
	Model       string              `json:"model"`
	Messages    []openAIChatMessage `json:"messages"`
	Temperature float64             `json:"temperature"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (o *OpenAI) Complete(ctx context.Context, prompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	body, err := json.Marshal(openAIChatRequest{
		Model:       o.model,
		Messages:    []openAIChatMessage{{Role: "user", Content: prompt}},
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("openai: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &StatusError{Provider: "openai", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", Malformed("openai: decode response: %v", err)
	}
	if len(result.Choices) == 0 {
		return "", Malformed("openai: no choices in response")
	}
	return result.Choices[0].Message.Content, nil
}
