// Package llm routes analysis tasks across hosted language-model providers
// with per-task model tiers and automatic fallback.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	// ErrAnalysisTimeout means the whole fallback chain exhausted the call budget.
	ErrAnalysisTimeout = errors.New("analysis timed out")
	// ErrAllProvidersFailed means every model in the chain errored.
	ErrAllProvidersFailed = errors.New("all providers failed")
	// ErrNotConfigured means the provider has no API key.
	ErrNotConfigured = errors.New("provider not configured")
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider is a hosted model endpoint that can run one completion.
type Provider interface {
	Name() string
	Complete(ctx context.Context, model, systemPrompt, userPrompt string) (string, error)
}

// GeminiClient calls the Google generative language API.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewGeminiClient builds the client; baseURL defaults to the public endpoint.
func NewGeminiClient(apiKey, baseURL string) *GeminiClient {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &GeminiClient{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (g *GeminiClient) Name() string { return "gemini" }

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"system_instruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  struct {
		Temperature     float64 `json:"temperature"`
		MaxOutputTokens int     `json:"maxOutputTokens"`
	} `json:"generationConfig"`
}

type geminiContent struct {
	Role  string `json:"role,omitempty"`
	Parts []struct {
		Text string `json:"text"`
	} `json:"parts"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func textContent(s string) geminiContent {
	var c geminiContent
	c.Parts = []struct {
		Text string `json:"text"`
	}{{Text: s}}
	return c
}

// Complete runs one generateContent call.
func (g *GeminiClient) Complete(ctx context.Context, model, systemPrompt, userPrompt string) (string, error) {
	if g.apiKey == "" {
		return "", ErrNotConfigured
	}

	req := geminiRequest{Contents: []geminiContent{textContent(userPrompt)}}
	req.Contents[0].Role = "user"
	if systemPrompt != "" {
		sys := textContent(systemPrompt)
		req.SystemInstruction = &sys
	}
	req.GenerationConfig.Temperature = 0.3
	req.GenerationConfig.MaxOutputTokens = 1024

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, model, g.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var gr geminiResponse
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if gr.Error != nil {
		return "", fmt.Errorf("API error %d: %s", gr.Error.Code, gr.Error.Message)
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty response from Gemini")
	}
	return gr.Candidates[0].Content.Parts[0].Text, nil
}

// OpenAICompatClient serves any chat-completions compatible endpoint.
// DeepSeek and Groq both speak this dialect.
type OpenAICompatClient struct {
	name       string
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewDeepSeekClient builds a DeepSeek chat client.
func NewDeepSeekClient(apiKey string) *OpenAICompatClient {
	return &OpenAICompatClient{
		name:       "deepseek",
		apiKey:     apiKey,
		baseURL:    "https://api.deepseek.com/v1",
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// NewGroqClient builds a Groq chat client.
func NewGroqClient(apiKey string) *OpenAICompatClient {
	return &OpenAICompatClient{
		name:       "groq",
		apiKey:     apiKey,
		baseURL:    "https://api.groq.com/openai/v1",
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *OpenAICompatClient) Name() string { return c.name }

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete runs one chat completion.
func (c *OpenAICompatClient) Complete(ctx context.Context, model, systemPrompt, userPrompt string) (string, error) {
	if c.apiKey == "" {
		return "", ErrNotConfigured
	}

	req := openAIRequest{
		Model: model,
		Messages: []Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:   1024,
		Temperature: 0.3,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var or openAIResponse
	if err := json.Unmarshal(respBody, &or); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if or.Error != nil {
		return "", fmt.Errorf("API error: %s - %s", or.Error.Type, or.Error.Message)
	}
	if len(or.Choices) == 0 {
		return "", fmt.Errorf("empty response from %s", c.name)
	}
	return or.Choices[0].Message.Content, nil
}
