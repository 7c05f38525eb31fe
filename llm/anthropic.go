package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
)

const (
	anthropicVersion      = "2023-06-01"
	defaultAnthropicURL   = "https://api.anthropic.com"
	defaultAnthropicModel = "claude-sonnet-4-6"
	defaultMaxTokens      = 4096
	maxErrorBody          = 512
)

// AnthropicProvider calls the Anthropic Messages API with a JSON schema output
// format.
type AnthropicProvider struct {
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	client    *http.Client
}

// NewAnthropicProvider creates a provider. Empty values fall back to defaults.
func NewAnthropicProvider(apiKey, baseURL, model string, maxTokens int, client *http.Client) *AnthropicProvider {
	if baseURL == "" {
		baseURL = defaultAnthropicURL
	}
	if model == "" {
		model = defaultAnthropicModel
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &AnthropicProvider{
		apiKey:    apiKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		model:     model,
		maxTokens: maxTokens,
		client:    client,
	}
}

func (a *AnthropicProvider) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model        string                 `json:"model"`
	MaxTokens    int                    `json:"max_tokens"`
	System       string                 `json:"system,omitempty"`
	Messages     []anthropicMessage     `json:"messages"`
	OutputConfig *anthropicOutputConfig `json:"output_config,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicOutputConfig struct {
	Format anthropicFormat `json:"format"`
}

type anthropicFormat struct {
	Type   string  `json:"type"`
	Name   string  `json:"name,omitempty"`
	Schema *Schema `json:"schema"`
}

type anthropicResponse struct {
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Generate sends one message and returns the first text block.
func (a *AnthropicProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}
	body := anthropicRequest{
		Model:     a.model,
		MaxTokens: maxTokens,
		System:    req.System,
		Messages:  []anthropicMessage{{Role: "user", Content: req.Prompt}},
	}
	if req.Schema != nil {
		body.OutputConfig = &anthropicOutputConfig{Format: anthropicFormat{
			Type:   "json_schema",
			Name:   req.SchemaName,
			Schema: req.Schema,
		}}
	}
	payload, err := sonic.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("anthropic: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return nil, &StatusError{Provider: a.Name(), StatusCode: resp.StatusCode, Body: string(data)}
	}

	var parsed anthropicResponse
	if err := sonic.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("anthropic: %w: %v", ErrMalformedResponse, err)
	}
	for _, block := range parsed.Content {
		if block.Type == "text" {
			return &Response{
				Text:         block.Text,
				Model:        parsed.Model,
				StopReason:   parsed.StopReason,
				InputTokens:  parsed.Usage.InputTokens,
				OutputTokens: parsed.Usage.OutputTokens,
			}, nil
		}
	}
	return nil, fmt.Errorf("anthropic: %w", ErrNoText)
}
