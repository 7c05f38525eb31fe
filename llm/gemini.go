package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiProvider generates structured output through the Gemini API.
type GeminiProvider struct {
	client    *genai.Client
	model     string
	maxTokens int
}

// NewGeminiProvider creates a Gemini API client for the given key. An empty
// baseURL uses the public endpoint.
func NewGeminiProvider(ctx context.Context, apiKey, baseURL, model string, maxTokens int) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	if model == "" {
		model = defaultGeminiModel
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &GeminiProvider{client: client, model: model, maxTokens: maxTokens}, nil
}

func (g *GeminiProvider) Name() string { return "gemini" }

// Generate asks the model for a JSON document matching req.Schema.
func (g *GeminiProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(req.Prompt), generateConfig(req, g.maxTokens))
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("gemini: %w", ErrMalformedResponse)
	}
	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("gemini: %w", ErrNoText)
	}
	out := &Response{Text: text, Model: g.model}
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		out.StopReason = string(resp.Candidates[0].FinishReason)
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

func generateConfig(req Request, defaultTokens int) *genai.GenerateContentConfig {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultTokens
	}
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Schema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = req.Schema.toGenai()
	}
	return cfg
}
